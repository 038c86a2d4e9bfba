// Package server runs the connection accept loop: one listener (unix
// socket or TCP), a worker per connection under a concurrency cap, and
// the PID file and drain-shutdown lifecycle around it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/infodancer/greylistd/internal/config"
	"github.com/infodancer/greylistd/internal/logging"
)

// defaultShutdownGrace bounds how long Run waits for in-flight
// connection workers to finish before flushing stores, when the
// configured grace period is zero.
const defaultShutdownGrace = 30 * time.Second

// Store is the narrow capability Shutdown needs to flush state; it is
// satisfied by store.Store without this package importing it.
type Store interface {
	Save(ctx context.Context) error
}

// Server coordinates the listener, the connection handler, and the PID
// file lifecycle.
type Server struct {
	cfg           config.ListenerConfig
	pidFile       string
	shutdownGrace time.Duration
	logger        *slog.Logger
	handler       ConnectionHandler
	limiter       *ConnectionLimiter
	stores        []Store

	listener *Listener
	mu       sync.Mutex
}

// Config holds the settings New needs to build a Server.
type Config struct {
	Listener       config.ListenerConfig
	PIDFile        string
	MaxConnections int
	ShutdownGrace  time.Duration
	Logger         *slog.Logger
	Stores         []Store
}

// New creates a Server. It does not bind the listener or write the PID
// file until Run is called.
func New(sc Config) (*Server, error) {
	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger("info")
	}
	if sc.MaxConnections <= 0 {
		sc.MaxConnections = 1
	}
	grace := sc.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	return &Server{
		cfg:           sc.Listener,
		pidFile:       sc.PIDFile,
		shutdownGrace: grace,
		logger:        logger,
		limiter:       NewConnectionLimiter(sc.MaxConnections),
		stores:        sc.Stores,
	}, nil
}

// SetHandler sets the per-connection handler. Must be called before Run.
func (s *Server) SetHandler(handler ConnectionHandler) {
	s.handler = handler
}

// Run binds the listener, writes the PID file, and blocks running the
// accept loop until ctx is canceled, at which point it drains: stop
// accepting, let in-flight workers finish, save every store, unlink
// the socket and remove the PID file.
func (s *Server) Run(ctx context.Context) error {
	if s.handler == nil {
		return fmt.Errorf("%w: no connection handler set", ErrConfig)
	}

	if s.pidFile != "" {
		if err := writePIDFile(s.pidFile); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		defer os.Remove(s.pidFile)
	}

	s.mu.Lock()
	s.listener = NewListener(s.cfg, s.handler, s.limiter)
	listener := s.listener
	s.mu.Unlock()

	s.logger.Info("starting server", slog.String("address", listener.Address()))

	runErr := listener.Start(ctx)

	s.logger.Info("server draining", slog.Duration("grace", s.shutdownGrace))
	if !listener.Drain(s.shutdownGrace) {
		s.logger.Warn("server: in-flight workers did not finish within the grace period, saving stores anyway")
	}
	for _, st := range s.stores {
		if err := st.Save(ctx); err != nil {
			s.logger.Error("server: store save during shutdown failed", "error", err)
		}
	}
	s.logger.Info("server stopped")

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

// Shutdown stops accepting new connections; Run's drain sequence
// handles flushing stores and removing the PID file once ctx is
// canceled by the caller.
func (s *Server) Shutdown() {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

func writePIDFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("writing pid file %q: %w", path, err)
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}
