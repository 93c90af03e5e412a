// Package gw2am launches and stops several game clients side by side, one per
// stored account, and tells them apart by a tag on each client's command line.
package gw2am

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gw2am/internal/automation"
	"github.com/loykin/gw2am/internal/config"
	"github.com/loykin/gw2am/internal/history"
	hfactory "github.com/loykin/gw2am/internal/history/factory"
	"github.com/loykin/gw2am/internal/identity"
	"github.com/loykin/gw2am/internal/launcher"
	"github.com/loykin/gw2am/internal/launchstate"
	"github.com/loykin/gw2am/internal/metrics"
	"github.com/loykin/gw2am/internal/proctree"
	"github.com/loykin/gw2am/internal/secret"
	"github.com/loykin/gw2am/internal/server"
	"github.com/loykin/gw2am/internal/snapshot"
	"github.com/loykin/gw2am/internal/store"
	sfactory "github.com/loykin/gw2am/internal/store/factory"
	"github.com/loykin/gw2am/internal/watch"
)

// Re-export the types embedders see.

type Config = config.Config

type Account = store.Account

type Settings = store.Settings

type State = launchstate.Record

type AccountStatus = launcher.AccountStatus

type Processes = launcher.Processes

// ErrNoSecretKey is returned when a password is supplied but no key is configured.
var ErrNoSecretKey = errors.New("secret key not configured")

// ReconcileJob is the scheduler name of the periodic reconcile.
const ReconcileJob = "reconcile"

// Option adjusts how Open assembles a Manager.
type Option func(*options)

type options struct {
	source  snapshot.Source
	spawner launcher.Spawner
}

// WithSnapshotSource replaces the configured process enumeration backend.
func WithSnapshotSource(src snapshot.Source) Option {
	return func(o *options) { o.source = src }
}

// WithSpawner replaces the OS process spawner.
func WithSpawner(sp launcher.Spawner) Option {
	return func(o *options) { o.spawner = sp }
}

// Manager owns the store, the launcher and the background jobs.
type Manager struct {
	cfg      *config.Config
	store    store.Store
	launcher *launcher.Launcher
	recorder *history.Recorder
	sched    *watch.Scheduler
	usage    *metrics.UsageCollector
	key      string
	addMu    sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Open builds a Manager from cfg and starts its background jobs.
func Open(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	key, err := cfg.SecretKey()
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	src := o.source
	if src == nil {
		if src, err = snapshot.SourceByName(cfg.Snapshot.Provider, nil); err != nil {
			return nil, err
		}
	}
	snaps := snapshot.NewCache(src, cfg.Snapshot.TTL)

	raw, err := sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := raw.EnsureSchema(ctx); err != nil {
		cancel()
		_ = raw.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		store:  store.WithDefaults(raw, cfg.Settings()),
		key:    key,
		ctx:    ctx,
		cancel: cancel,
	}

	var observers []launchstate.Observer
	if cfg.History.Enabled {
		sinks, err := hfactory.NewSinks(cfg.History.Sinks)
		if err != nil {
			cancel()
			_ = raw.Close()
			return nil, fmt.Errorf("history sinks: %w", err)
		}
		m.recorder = history.NewRecorder(sinks...)
		observers = append(observers, m.recorder)
	}

	m.launcher = launcher.New(launcher.Config{
		Accounts:   m.store,
		Snapshots:  snaps,
		Target:     cfg.Target(),
		States:     launchstate.NewStore(observers...),
		Terminator: proctree.New(snaps, cfg.Launch.TerminateGrace),
		Automation: automation.Script{
			Command: cfg.Automation.Command,
			Args:    cfg.Automation.Args,
			Env:     cfg.Automation.Env,
			Log:     cfg.AutomationLog(),
		},
		SecretKey:      key,
		Spawner:        o.spawner,
		IdentityFlag:   cfg.Game.IdentityFlag,
		PollInterval:   cfg.Launch.PollInterval,
		DetectTimeout:  cfg.Launch.DetectTimeout,
		SingleInstance: launcher.PlatformSingleInstance(),
	})

	m.sched = watch.NewScheduler()
	if cfg.Reconcile.Enabled {
		err := m.sched.Add(&watch.Job{
			Name:     ReconcileJob,
			Schedule: cfg.Reconcile.Schedule,
			Timeout:  cfg.Launch.DetectTimeout,
			Run: func(ctx context.Context) error {
				_, err := m.launcher.Reconcile(ctx)
				return err
			},
		})
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("schedule reconcile: %w", err)
		}
	}
	m.sched.Start()

	if cfg.Metrics.Enabled && cfg.Metrics.Usage.Enabled {
		m.usage = metrics.NewUsageCollector(cfg.Metrics.Usage)
		if err := m.usage.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("usage metrics not registered", "error", err)
		}
		m.usage.Start(ctx, m.launcher.Bound)
	}
	return m, nil
}

// Router returns the HTTP API bound to this manager.
func (m *Manager) Router() *server.Router {
	opts := []server.Option{server.WithBackgroundContext(m.ctx)}
	if m.cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(m.cfg.Metrics.Path))
	}
	return server.NewRouter(m, m.cfg.Server.BasePath, opts...)
}

func (m *Manager) Accounts(ctx context.Context) ([]Account, error) { return m.store.Accounts(ctx) }

func (m *Manager) Account(ctx context.Context, id string) (Account, error) {
	return m.store.Account(ctx, id)
}

// AddAccount inserts or replaces a. A non-empty password is sealed with the
// configured key; an empty one keeps the password already stored.
func (m *Manager) AddAccount(ctx context.Context, a Account, password string) (Account, error) {
	if !identity.Usable(a.ID) {
		return Account{}, fmt.Errorf("account id %q has no letters or digits", a.ID)
	}
	// Serialise adds so two colliding ids cannot both pass the check.
	m.addMu.Lock()
	defer m.addMu.Unlock()
	existing, err := m.store.Accounts(ctx)
	if err != nil {
		return Account{}, err
	}
	if other, ok := identity.Collision(a.ID, store.IDs(existing)); ok {
		return Account{}, fmt.Errorf("account %q would share identity tag %s with %q: %w",
			a.ID, identity.Tag(a.ID), other, store.ErrConflict)
	}
	switch {
	case password != "":
		if m.key == "" {
			return Account{}, ErrNoSecretKey
		}
		sealed, err := secret.Seal(password, m.key)
		if err != nil {
			return Account{}, fmt.Errorf("seal password: %w", err)
		}
		a.Password = sealed
	default:
		prev, err := m.store.Account(ctx, a.ID)
		switch {
		case err == nil:
			a.Password = prev.Password
		case !errors.Is(err, store.ErrNotFound):
			return Account{}, err
		}
	}
	if err := m.store.PutAccount(ctx, a); err != nil {
		return Account{}, err
	}
	slog.Info("account saved", "account", a.ID)
	return m.store.Account(ctx, a.ID)
}

// RemoveAccount deletes the account and drops its launch state and helpers.
// A running client is left alone.
func (m *Manager) RemoveAccount(ctx context.Context, id string) error {
	if err := m.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	m.launcher.Forget(id)
	slog.Info("account removed", "account", id)
	return nil
}

func (m *Manager) Settings(ctx context.Context) (Settings, error) { return m.store.Settings(ctx) }

func (m *Manager) PutSettings(ctx context.Context, s Settings) error {
	return m.store.PutSettings(ctx, s)
}

func (m *Manager) Launch(ctx context.Context, id string) bool { return m.launcher.Launch(ctx, id) }

func (m *Manager) Stop(ctx context.Context, id string) bool { return m.launcher.Stop(ctx, id) }

func (m *Manager) LaunchAll(ctx context.Context) (map[string]bool, error) {
	return m.launcher.LaunchAll(ctx)
}

func (m *Manager) StopAll(ctx context.Context) (map[string]bool, error) {
	return m.launcher.StopAll(ctx)
}

func (m *Manager) State(id string) (State, bool) { return m.launcher.States().Get(id) }

func (m *Manager) States() []State { return m.launcher.States().All() }

func (m *Manager) Status(ctx context.Context) ([]AccountStatus, error) {
	return m.launcher.Status(ctx)
}

func (m *Manager) Processes(ctx context.Context) (Processes, error) {
	return m.launcher.Processes(ctx)
}

func (m *Manager) Prune(ctx context.Context) ([]string, error) { return m.launcher.Prune(ctx) }

// Reconcile runs one reconcile pass now.
func (m *Manager) Reconcile(ctx context.Context) (int, error) { return m.launcher.Reconcile(ctx) }

// Tag returns the identity tag an account's client is launched with.
func Tag(accountID string) string { return identity.Tag(accountID) }

// Close stops background jobs, kills automation helpers, flushes history
// and closes the store. Running game clients are left alone.
func (m *Manager) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		if m.sched != nil {
			m.sched.Stop()
		}
		if m.usage != nil {
			m.usage.Stop()
		}
		m.cancel()
		if m.launcher != nil {
			m.launcher.Shutdown()
		}
		if m.recorder != nil {
			if err := m.recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("history: %w", err))
			}
		}
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	})
	return errors.Join(errs...)
}

var _ server.Backend = (*Manager)(nil)
