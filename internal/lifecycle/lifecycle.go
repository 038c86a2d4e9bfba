// Package lifecycle wires OS signals to the drain-shutdown and
// whitelist-reload behavior described in §4.5/§6 of the design doc.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Reloader rebuilds and atomically publishes a fresh whitelist set.
type Reloader interface {
	Reload(ctx context.Context)
}

// Run installs signal handlers and blocks until ctx is canceled or a
// SIGINT/SIGTERM arrives, at which point it calls cancel. SIGHUP
// triggers an asynchronous
// Reloader.Reload and never blocks request handling; once shutdown has
// begun, further SIGHUPs are ignored.
func Run(ctx context.Context, cancel context.CancelFunc, reloader Reloader, log *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var shuttingDown atomic.Bool

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if shuttingDown.Load() {
					log.Info("lifecycle: ignoring SIGHUP received during shutdown")
					continue
				}
				log.Info("lifecycle: reloading whitelist on SIGHUP")
				go reloader.Reload(context.Background())
			default:
				log.Info("lifecycle: received signal, draining", "signal", sig.String())
				shuttingDown.Store(true)
				// Keep SIGHUP ignored after this loop stops listening, so a
				// reload request during the drain cannot end the process.
				signal.Ignore(syscall.SIGHUP)
				cancel()
				return
			}
		}
	}
}
