package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/authsync/internal/authapi"
	"github.com/florianilch/authsync/internal/monitor"
	"github.com/florianilch/authsync/internal/server"
	"github.com/florianilch/authsync/internal/session"
	"github.com/florianilch/authsync/internal/storage"
	"github.com/florianilch/authsync/internal/tokenstore"
)

// App wires storage, the token store, the auth monitor, the session manager and
// the local HTTP server, and orchestrates their lifecycle.
type App struct {
	cfg *Config

	store   *tokenstore.Store
	monitor *monitor.Monitor
	manager *session.Manager
	server  *server.Server

	closers []storage.Closer
}

// Option configures an App.
type Option func(*options)

type options struct {
	monitorOpts []monitor.Option
	clientOpts  []authapi.Option
}

// WithMonitorOptions passes extra options to the auth monitor.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *options) {
		o.monitorOpts = append(o.monitorOpts, opts...)
	}
}

// WithClientOptions passes extra options to the auth service client.
func WithClientOptions(opts ...authapi.Option) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// New creates a new App instance. No background work starts until Start.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	b := newBackends(cfg.Storage, cfg.Monitor.WatchEnabled())

	store, err := tokenstore.New(b.persistent, b.volatile, tokenstore.WithKeys(cfg.Storage.TokenKeys()))
	if err != nil {
		b.close()
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	client, err := authapi.New(cfg.API.BaseURL,
		append([]authapi.Option{authapi.WithTimeout(cfg.API.Timeout)}, o.clientOpts...)...)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("failed to create auth client: %w", err)
	}

	monitorOpts := []monitor.Option{monitor.WithInterval(cfg.Monitor.Interval)}
	for _, n := range b.notifiers {
		monitorOpts = append(monitorOpts, monitor.WithNotifier(n))
	}
	mon := monitor.New(store, append(monitorOpts, o.monitorOpts...)...)

	manager := session.New(client, store, session.WithMonitor(mon))

	return &App{
		cfg:     cfg,
		store:   store,
		monitor: mon,
		manager: manager,
		server:  server.New(manager, mon),
		closers: b.closers,
	}, nil
}

// Session returns the session manager for one-shot actions.
func (a *App) Session() *session.Manager { return a.manager }

// Monitor returns the auth state monitor.
func (a *App) Monitor() *monitor.Monitor { return a.monitor }

// Store returns the token store.
func (a *App) Store() *tokenstore.Store { return a.store }

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Address()
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	if err := a.monitor.Start(gCtx); err != nil {
		return fmt.Errorf("monitor startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return a.monitor.Close() })
	slog.InfoContext(gCtx, "auth monitor started", "state", a.monitor.State(), "interval", a.cfg.Monitor.Interval)

	slog.InfoContext(gCtx, "starting http server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		_ = a.monitor.Close()
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// Close releases storage handles. Call it once the App is no longer used.
func (a *App) Close() error {
	var errs []error
	if err := a.monitor.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type backends struct {
	persistent storage.Backend
	volatile   storage.Backend
	notifiers  []storage.Notifier
	closers    []storage.Closer
}

func (b *backends) close() {
	for _, c := range b.closers {
		_ = c.Close()
	}
}

// newBackends builds both storage backends. A backend that cannot be opened is
// replaced by a disabled one: the store keeps working with the other side.
func newBackends(cfg StorageConfig, watch bool) *backends {
	b := &backends{}

	persistent, err := newPersistentBackend(cfg.Persistent)
	if err != nil {
		slog.Warn("persistent storage unavailable, continuing without it", "type", cfg.Persistent.Type, "error", err)
		persistent = storage.Disabled{Reason: err.Error()}
	}
	b.add(persistent, watch)

	volatile, err := newVolatileBackend(cfg.Volatile)
	if err != nil {
		slog.Warn("volatile storage unavailable, continuing without it", "type", cfg.Volatile.Type, "error", err)
		volatile = storage.Disabled{Reason: err.Error()}
	}
	b.add(volatile, watch)

	b.persistent, b.volatile = persistent, volatile
	return b
}

func (b *backends) add(backend storage.Backend, watch bool) {
	if c, ok := backend.(storage.Closer); ok {
		b.closers = append(b.closers, c)
	}
	if n, ok := backend.(storage.Notifier); ok && watch {
		b.notifiers = append(b.notifiers, n)
	}
}

func newPersistentBackend(cfg PersistentStorageConfig) (storage.Backend, error) {
	opts := []storage.Option{storage.WithCapacity(cfg.Capacity)}

	switch cfg.Type {
	case PersistentStorageFile:
		return storage.NewFile(cfg.Path, opts...)
	case PersistentStorageSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
		return storage.OpenSQLite(cfg.Path, opts...)
	case PersistentStorageKeyring:
		return storage.NewKeyring(keyringService, cfg.KeyringUser)
	case PersistentStorageEnv:
		return storage.NewEnv(cfg.EnvPrefix)
	case PersistentStorageDisabled:
		return storage.Disabled{Reason: "persistent storage disabled by configuration"}, nil
	default:
		return nil, fmt.Errorf("unsupported persistent storage type: %s", cfg.Type)
	}
}

func newVolatileBackend(cfg VolatileStorageConfig) (storage.Backend, error) {
	opts := []storage.Option{storage.WithCapacity(cfg.Capacity)}

	switch cfg.Type {
	case VolatileStorageFile:
		return storage.NewFile(cfg.Path, opts...)
	case VolatileStorageMemory:
		return storage.NewMemory(opts...), nil
	case VolatileStorageDisabled:
		return storage.Disabled{Reason: "volatile storage disabled by configuration"}, nil
	default:
		return nil, fmt.Errorf("unsupported volatile storage type: %s", cfg.Type)
	}
}
