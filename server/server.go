package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	mailgate "github.com/mailgate-io/mailgate"
	"github.com/mailgate-io/mailgate/log"
)

// DefaultShutdownTimeout bounds the graceful drain of in-flight requests.
const DefaultShutdownTimeout = 30 * time.Second

var (
	// ErrAppRequired is returned when no fiber app is given.
	ErrAppRequired = errors.New("fiber app is required")
	// ErrAddressRequired is returned when no listen address is given.
	ErrAddressRequired = errors.New("listen address is required")
)

// Manager serves one fiber app and owns its graceful shutdown. It implements
// the launcher App contract: Run blocks until a shutdown signal arrives and
// in-flight requests drain or the timeout expires.
type Manager struct {
	app             *fiber.App
	address         string
	logger          log.Logger
	shutdownTimeout time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	notifySignals func(chan<- os.Signal)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithServerLogger sets a structured logger for the manager.
func WithServerLogger(logger log.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithShutdownTimeout overrides the graceful drain timeout.
func WithShutdownTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.shutdownTimeout = timeout
		}
	}
}

// NewManager creates a Manager serving app on address.
func NewManager(app *fiber.App, address string, opts ...ManagerOption) (*Manager, error) {
	if app == nil {
		return nil, ErrAppRequired
	}

	if address == "" {
		return nil, ErrAddressRequired
	}

	m := &Manager{
		app:             app,
		address:         address,
		logger:          log.NewNop(),
		shutdownTimeout: DefaultShutdownTimeout,
		shutdownCh:      make(chan struct{}),
		notifySignals: func(ch chan<- os.Signal) {
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// Run starts the listener and blocks until shutdown. Satisfies the launcher
// App contract.
func (m *Manager) Run(launcher *mailgate.Launcher) error {
	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "http server started",
			log.String("address", m.address))
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "http server stopped")
	}

	return m.Serve()
}

// Serve starts the listener and blocks until a signal or Shutdown.
func (m *Manager) Serve() error {
	listenErr := make(chan error, 1)

	go func() {
		listenErr <- m.app.Listen(m.address)
	}()

	signalCh := make(chan os.Signal, 1)
	m.notifySignals(signalCh)

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}

		return nil
	case sig := <-signalCh:
		m.logger.Log(context.Background(), log.LevelInfo, "shutdown signal received",
			log.String("signal", sig.String()))
	case <-m.shutdownCh:
	}

	if err := m.app.ShutdownWithTimeout(m.shutdownTimeout); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	return nil
}

// Shutdown triggers a graceful stop. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
}
