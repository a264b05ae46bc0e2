// Package shutdown coordinates process teardown: it cancels the run
// context on the first interrupt, runs registered cleanups in reverse
// registration order, and force-exits on a second signal.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"imageflow/logging"
)

// CleanupFunc releases one resource during shutdown.
type CleanupFunc func(ctx context.Context) error

type cleanup struct {
	name string
	fn   CleanupFunc
}

// Manager owns the process run context and the teardown sequence. An
// active generation is expected to observe the context and cancel itself;
// cleanups then close the connection, the settings store and the logs.
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cleanups []cleanup
	started  bool
	finished bool
	signals  int

	sigChan chan os.Signal
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout caps how long the cleanup sequence may run. Default 30 s.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.timeout = timeout
	}
}

// NewManager creates a Manager. Start must be called for OS signals to be
// observed.
func NewManager(logger *logging.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:  logger.Named("shutdown"),
		timeout: 30 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context returns the run context, cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a named cleanup. Cleanups run in reverse registration
// order, so resources are released before whatever they depend on.
func (m *Manager) Register(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanup{name: name, fn: fn})
}

// Start begins listening for SIGINT and SIGTERM. The first signal cancels
// the run context; a second one exits immediately without cleanup. Safe to
// call more than once.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.mu.Lock()
			m.signals++
			count := m.signals
			m.mu.Unlock()

			if count == 1 {
				m.logger.Info("shutdown signal received",
					zap.String("signal", sig.String()))
				m.cancel()
				continue
			}
			m.logger.Warn("second signal, exiting immediately")
			os.Exit(1)
		}
	}()
}

// Wait blocks until shutdown has been initiated.
func (m *Manager) Wait() {
	<-m.ctx.Done()
}

// Shutdown cancels the run context when still live and executes the
// cleanup sequence under the configured timeout. Idempotent; later calls
// return nil.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return nil
	}
	m.finished = true
	cleanups := make([]cleanup, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	m.cancel()
	signal.Stop(m.sigChan)

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	started := time.Now()
	var failed int
	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		if err := c.fn(ctx); err != nil {
			failed++
			m.logger.Error("cleanup failed",
				zap.String("name", c.name),
				zap.Error(err))
			continue
		}
		m.logger.Debug("cleanup done", zap.String("name", c.name))
	}

	m.logger.Info("shutdown complete",
		zap.Duration("duration", time.Since(started)),
		zap.Int("cleanups", len(cleanups)))
	if failed > 0 {
		return fmt.Errorf("shutdown: %d cleanup(s) failed", failed)
	}
	return nil
}
