// Package process turns interrupt signals into an orderly shutdown
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/poltergeist/sitegeist/pkg/logger"
)

// Manager runs shutdown handlers when the process is interrupted
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	signals          []os.Signal

	sigChan  chan os.Signal
	stop     chan struct{}
	shutdown sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewManager creates a manager listening for SIGINT, SIGTERM and SIGHUP
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger:  log,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP},
	}
}

// RegisterShutdownHandler adds a handler. Handlers run once, last registered first.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start listens for signals until ctx ends or Stop is called. Both a signal
// and the end of ctx run the shutdown handlers.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.sigChan = make(chan os.Signal, 1)
	m.stop = make(chan struct{})
	sigChan, stop := m.sigChan, m.stop
	m.mu.Unlock()

	signal.Notify(sigChan, m.signals...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case <-ctx.Done():
			m.Shutdown()
		case sig := <-sigChan:
			m.logger.Info("Received signal", logger.WithField("signal", sig))
			m.Shutdown()
		case <-stop:
		}
	}()
}

// Stop stops listening without running the handlers
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning reports whether the manager is listening for signals
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Shutdown runs the shutdown handlers. Only the first call has an effect.
func (m *Manager) Shutdown() {
	m.shutdown.Do(func() {
		m.logger.Info("Shutting down...")

		m.mu.Lock()
		handlers := make([]func(), len(m.shutdownHandlers))
		copy(handlers, m.shutdownHandlers)
		m.mu.Unlock()

		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
	})
}
