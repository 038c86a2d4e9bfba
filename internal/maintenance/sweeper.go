// Package maintenance implements the background expiry sweep described
// in §4.6 of the design doc.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/infodancer/greylistd/internal/metrics"
	"github.com/infodancer/greylistd/internal/store"
)

// ManagedStore is one store participating in the sweep, named for
// logging/metrics and individually toggleable so one instance in a
// fleet can own maintenance while others only serve traffic.
type ManagedStore struct {
	Name     string
	Store    store.Store
	MaxAge   time.Duration
	Disabled bool
}

// Sweeper periodically expires stale entries from each managed store.
type Sweeper struct {
	interval  time.Duration
	stores    []ManagedStore
	log       *slog.Logger
	collector metrics.Collector
}

// NewSweeper constructs a Sweeper over the given stores.
func NewSweeper(interval time.Duration, stores []ManagedStore, log *slog.Logger, collector metrics.Collector) *Sweeper {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Sweeper{interval: interval, stores: stores, log: log, collector: collector}
}

// Run ticks every interval until ctx is canceled, sweeping each
// enabled store on every tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepAll(ctx)
		}
	}
}

func (s *Sweeper) sweepAll(ctx context.Context) {
	for _, ms := range s.stores {
		if ms.Disabled {
			continue
		}
		n, err := s.sweepOne(ctx, ms)
		if err != nil {
			s.log.Error("maintenance: sweep failed", "store", ms.Name, "error", err)
			s.collector.StoreError(ms.Name, "scan")
			continue
		}
		if n > 0 {
			s.log.Info("maintenance: swept stale entries", "store", ms.Name, "count", n)
		}
		s.collector.SweepDeleted(ms.Name, n)
	}
}

func (s *Sweeper) sweepOne(ctx context.Context, ms ManagedStore) (int, error) {
	cutoff := time.Now().Add(-ms.MaxAge).Unix()

	keys, err := ms.Store.Scan(ctx, func(_, v string) bool {
		entry, err := store.DecodeEntry(v)
		return err == nil && entry.LastSeen < cutoff
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, k := range keys {
		// A concurrent worker may have already removed this key; that
		// races harmlessly with the sweep and is treated as success.
		if err := ms.Store.Delete(ctx, k); err != nil {
			s.log.Warn("maintenance: delete failed during sweep", "store", ms.Name, "key", k, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		if err := ms.Store.Save(ctx); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}
