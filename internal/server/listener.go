package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infodancer/greylistd/internal/config"
)

// ConnectionHandler processes a single accepted connection; it is
// responsible for closing conn when done.
type ConnectionHandler func(ctx context.Context, conn net.Conn)

// Listener wraps a single unix-socket or TCP net.Listener and runs the
// accept loop, handing each connection to a handler under a
// ConnectionLimiter.
type Listener struct {
	cfg     config.ListenerConfig
	handler ConnectionHandler
	limiter *ConnectionLimiter
	workers sync.WaitGroup

	mu sync.Mutex
	ln net.Listener
}

// NewListener constructs a Listener; it does not bind until Start is called.
func NewListener(cfg config.ListenerConfig, handler ConnectionHandler, limiter *ConnectionLimiter) *Listener {
	return &Listener{cfg: cfg, handler: handler, limiter: limiter}
}

// Start binds the configured socket and runs the accept loop until ctx
// is canceled or Close is called.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := l.bind()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}

		if l.limiter != nil && !l.limiter.TryAcquire() {
			conn.Close()
			continue
		}

		l.workers.Add(1)
		go func(c net.Conn) {
			defer l.workers.Done()
			if l.limiter != nil {
				defer l.limiter.Release()
			}
			l.handler(ctx, c)
		}(conn)
	}
}

// Drain blocks until every in-flight handler goroutine returns, or
// timeout elapses, whichever comes first. It reports whether all
// workers finished within the grace period.
func (l *Listener) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		l.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l *Listener) bind() (net.Listener, error) {
	switch l.cfg.Mode {
	case config.ListenUnix:
		return l.bindUnix()
	case config.ListenTCP:
		return l.bindTCP()
	default:
		return nil, fmt.Errorf("%w: unknown listener mode %q", ErrConfig, l.cfg.Mode)
	}
}

func (l *Listener) bindUnix() (net.Listener, error) {
	if _, err := os.Stat(l.cfg.Path); err == nil {
		return nil, fmt.Errorf("%w: socket path %q already exists", ErrConfig, l.cfg.Path)
	}

	ln, err := net.Listen("unix", l.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: binding unix socket %q: %v", ErrConfig, l.cfg.Path, err)
	}

	if err := unix.Chmod(l.cfg.Path, l.cfg.SocketFileMode()); err != nil {
		ln.Close()
		os.Remove(l.cfg.Path)
		return nil, fmt.Errorf("%w: chmod %q: %v", ErrConfig, l.cfg.Path, err)
	}

	return ln, nil
}

func (l *Listener) bindTCP() (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if !l.cfg.Reuse {
				return nil
			}
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", l.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: binding tcp %q: %v", ErrConfig, l.cfg.Address, err)
	}
	return ln, nil
}

// Close stops accepting new connections. For a unix socket it also
// unlinks the filesystem path.
func (l *Listener) Close() error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	if l.cfg.Mode == config.ListenUnix {
		os.Remove(l.cfg.Path)
	}
	return err
}

// Address reports the configured listen address for logging.
func (l *Listener) Address() string {
	if l.cfg.Mode == config.ListenUnix {
		return l.cfg.Path
	}
	return l.cfg.Address
}
