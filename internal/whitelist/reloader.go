package whitelist

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Reloader rebuilds a Set from a fixed list of sources and publishes
// it into ptr with a single atomic swap, satisfying
// lifecycle.Reloader.
type Reloader struct {
	Sources    []Source
	AllowRegex bool
	Ptr        *atomic.Pointer[Set]
	Log        *slog.Logger
}

// Reload builds a fresh Set and swaps it in. In-flight Match calls
// against the previous value run to completion against that value.
func (r *Reloader) Reload(ctx context.Context) {
	set, err := Build(ctx, r.Sources, r.AllowRegex, r.Log)
	if err != nil {
		r.Log.Error("whitelist: reload failed, keeping previous set", "error", err)
		return
	}
	r.Ptr.Store(set)
	r.Log.Info("whitelist: reloaded")
}
