package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/greylistd/internal/codec"
	"github.com/infodancer/greylistd/internal/config"
	"github.com/infodancer/greylistd/internal/lifecycle"
	"github.com/infodancer/greylistd/internal/logging"
	"github.com/infodancer/greylistd/internal/maintenance"
	"github.com/infodancer/greylistd/internal/metrics"
	"github.com/infodancer/greylistd/internal/policy"
	"github.com/infodancer/greylistd/internal/server"
	"github.com/infodancer/greylistd/internal/store"
	"github.com/infodancer/greylistd/internal/whitelist"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	greyStore, err := store.Open(ctx, cfg.Greylist.StoreURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening greylist store: %v\n", err)
		os.Exit(1)
	}
	defer greyStore.Close()

	var awlStore store.Store
	if cfg.AutoWL.Enabled {
		if cfg.AutoWL.StoreURL == cfg.Greylist.StoreURL {
			awlStore = greyStore
		} else {
			awlStore, err = store.Open(ctx, cfg.AutoWL.StoreURL)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error opening auto-whitelist store: %v\n", err)
				os.Exit(1)
			}
			defer awlStore.Close()
		}
	}

	sharedStore := cfg.AutoWL.Enabled && cfg.AutoWL.StoreURL == cfg.Greylist.StoreURL

	var whitelistStore store.Store
	if cfg.Whitelist.StoreURL != "" {
		switch {
		case cfg.Whitelist.StoreURL == cfg.Greylist.StoreURL:
			whitelistStore = greyStore
		case cfg.AutoWL.Enabled && cfg.Whitelist.StoreURL == cfg.AutoWL.StoreURL:
			whitelistStore = awlStore
		default:
			whitelistStore, err = store.Open(ctx, cfg.Whitelist.StoreURL)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error opening whitelist store: %v\n", err)
				os.Exit(1)
			}
			defer whitelistStore.Close()
		}
	}

	var sources []whitelist.Source
	for _, f := range cfg.Whitelist.Files {
		sources = append(sources, whitelist.Source{FilePath: f})
	}
	if whitelistStore != nil {
		sources = append(sources, whitelist.Source{Store: whitelistStore})
	}

	var whitelistPtr atomic.Pointer[whitelist.Set]
	initialSet, err := whitelist.Build(ctx, sources, cfg.Whitelist.AllowRegex, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building whitelist: %v\n", err)
		os.Exit(1)
	}
	whitelistPtr.Store(initialSet)

	engineCfg := policy.Config{
		Delay:       time.Duration(cfg.Greylist.Delay) * time.Second,
		RetryWindow: time.Duration(cfg.Greylist.RetryWindow) * time.Second,
		MaxAge:      time.Duration(cfg.Greylist.MaxAge) * time.Second,
		Action:      codec.Verb(cfg.Greylist.Action),
		SMTPHeader:  cfg.Greylist.SMTPHeader,
		Hash:        cfg.Greylist.Hash,
		V4Prefix:    cfg.Greylist.V4Prefix,
		V6Prefix:    cfg.Greylist.V6Prefix,
		Hostname:    cfg.Hostname,
		AWLEnabled:  cfg.AutoWL.Enabled,
		AWLCount:    cfg.AutoWL.Count,
		SharedStore: sharedStore,
	}
	engine := policy.NewEngine(engineCfg, greyStore, awlStore, &whitelistPtr, logger, collector)

	srvStores := []server.Store{greyStore}
	if awlStore != nil {
		srvStores = append(srvStores, awlStore)
	}

	srv, err := server.New(server.Config{
		Listener:       cfg.Listener,
		PIDFile:        cfg.PIDFile,
		MaxConnections: cfg.Limits.MaxConnections,
		ShutdownGrace:  cfg.ShutdownGrace(),
		Logger:         logger,
		Stores:         srvStores,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}
	srv.SetHandler(policy.Handler(engine))

	var sweepers []maintenance.ManagedStore
	if !cfg.Greylist.Disabled {
		sweepers = append(sweepers, maintenance.ManagedStore{
			Name: "greylist", Store: greyStore, MaxAge: time.Duration(cfg.Greylist.MaxAge) * time.Second,
		})
	}
	if awlStore != nil && !cfg.AutoWL.Disabled {
		sweepers = append(sweepers, maintenance.ManagedStore{
			Name: "auto_whitelist", Store: awlStore, MaxAge: time.Duration(cfg.Greylist.MaxAge) * time.Second,
		})
	}
	sweeper := maintenance.NewSweeper(cfg.MaintenanceInterval(), sweepers, logger, collector)
	go func() {
		if err := sweeper.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("maintenance sweeper stopped", "error", err)
		}
	}()

	reloader := &whitelist.Reloader{Sources: sources, AllowRegex: cfg.Whitelist.AllowRegex, Ptr: &whitelistPtr, Log: logger}
	go lifecycle.Run(ctx, cancel, reloader, logger)

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting greylistd", "hostname", cfg.Hostname)

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("greylistd stopped")
}
