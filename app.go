// Package mailgate provides the application lifecycle primitives shared by
// the store-and-forward messaging components in this module.
//
// Background components (outbox dispatcher, inbox dispatcher, rate limiter
// refiller) implement App and are run together under one Launcher, which the
// process shutdown sequence awaits.
package mailgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/runtime"
)

var (
	// ErrLoggerNil is returned when the Logger is nil and cannot proceed.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrConfigFailed is returned when launcher option application collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App represents a long-running component run by the Launcher.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption defines a function option for Launcher.
type LauncherOption func(l *Launcher)

// WithLogger adds a log.Logger component to launcher.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers an application with the launcher. If registration fails,
// the error is collected and surfaced when RunWithError is called.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))

			if l.Logger != nil {
				l.Logger.Log(context.Background(), log.LevelError, "launcher add app error", log.Err(err))
			}
		}
	}
}

// Launcher manages apps.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	wg           *sync.WaitGroup
	configErrors []error
}

// Add registers an application under a unique name.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if a == nil {
		return ErrNilApp
	}

	l.apps[appName] = a

	return nil
}

// Run every application registered with RunApp. Logs errors internally if
// Logger is nil. For explicit error handling, use RunWithError instead.
func (l *Launcher) Run() {
	if err := l.RunWithError(); err != nil {
		if l.Logger != nil {
			l.Logger.Log(context.Background(), log.LevelError, "launcher error", log.Err(err))
		}
	}
}

// RunWithError runs all registered applications and blocks until every one of
// them returns. Safe to call on a Launcher created without NewLauncher
// (fields are lazy-initialized).
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	count := len(l.apps)
	l.wg.Add(count)

	l.Logger.Log(context.Background(), log.LevelInfo, "starting apps", log.Int("count", count))

	for name, app := range l.apps {
		nameCopy := name
		appCopy := app

		runtime.SafeGo(
			context.Background(),
			l.Logger,
			"launcher",
			"run_app_"+nameCopy,
			runtime.KeepRunning,
			func(_ context.Context) {
				defer l.wg.Done()

				l.Logger.Log(context.Background(), log.LevelInfo, "app starting", log.String("app", nameCopy))

				if err := appCopy.Run(l); err != nil {
					l.Logger.Log(context.Background(), log.LevelError, "app error", log.String("app", nameCopy), log.Err(err))
				}

				l.Logger.Log(context.Background(), log.LevelInfo, "app finished", log.String("app", nameCopy))
			},
		)
	}

	l.wg.Wait()

	l.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	return nil
}

// NewLauncher creates an instance of Launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		apps: make(map[string]App),
		wg:   new(sync.WaitGroup),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}
