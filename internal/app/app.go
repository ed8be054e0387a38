// Package app wires the mailflush daemon: config, logging, event store,
// renderer, transport, run lock, flusher and its trigger.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailflush/internal/config"
	"mailflush/internal/eventbus"
	"mailflush/internal/eventlog"
	"mailflush/internal/flush"
	"mailflush/internal/lock"
	"mailflush/internal/mail"
	"mailflush/internal/render"
	"mailflush/internal/runtime/supervisor"
	"mailflush/internal/task/scheduler"
	logx "mailflush/pkg/logx"
)

// FlushJob is the scheduler job name of the flush cycle.
const FlushJob = "flush"

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     eventlog.Store
	engine    *render.Engine
	sender    mail.Sender
	locker    lock.Locker
	closeLock func() error

	flusher *flush.Flusher
	sched   *scheduler.Service

	// registered trigger, compared on reload
	schedule string
	timeout  time.Duration
}

// New loads and validates the config at cfgPath and opens every backend.
// Nothing runs until Start or RunOnce.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	cfgm.SetLogger(log)
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if err := a.open(ctx, cfg, log); err != nil {
		a.closeBackends()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := cfg.StoreConfig()
	if err != nil {
		return err
	}
	if a.store, err = eventlog.Open(sc, log); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	a.log.Info("event store opened", logx.String("driver", storeDriver(sc.Driver)))

	if a.engine, err = render.New(cfg.RenderConfig()); err != nil {
		return fmt.Errorf("templates: %w", err)
	}
	if a.sender, err = mail.Open(ctx, cfg.MailConfig(), log); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	lc, err := cfg.LockConfig()
	if err != nil {
		return err
	}
	var db *sql.DB
	if ps, ok := a.store.(*eventlog.PostgresStore); ok {
		db = ps.DB()
	}
	if a.locker, a.closeLock, err = lock.Open(lc, db); err != nil {
		return fmt.Errorf("open run lock: %w", err)
	}

	a.flusher = flush.New(a.store, a.engine, a.sender, flush.SettingsFunc(a.settings),
		flush.WithLogger(log),
		flush.WithBus(a.bus),
		flush.WithLocker(a.locker),
	)

	a.sched = scheduler.New(scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}, log, a.bus)
	return a.register(cfg)
}

// register (re)installs the flush job when its trigger changed.
func (a *App) register(cfg *config.Config) error {
	spec := cfg.ScheduleSpec()
	timeout, err := cfg.RunTimeout()
	if err != nil {
		return err
	}
	if spec == a.schedule && timeout == a.timeout {
		return nil
	}
	if err := a.sched.Add(FlushJob, spec, timeout, a.flushJob); err != nil {
		return fmt.Errorf("scheduler.schedule: %w", err)
	}
	a.schedule, a.timeout = spec, timeout
	return nil
}

// settings reads the current config once per run.
func (a *App) settings() flush.Settings {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return flush.Settings{}
	}
	s, err := cfg.Settings()
	if err != nil {
		a.log.Warn("invalid notification settings; run skipped", logx.Err(err))
		return flush.Settings{}
	}
	return s
}

func (a *App) flushJob(ctx context.Context) error {
	_, err := a.flusher.Run(ctx)
	switch {
	case errors.Is(err, flush.ErrDisabled), errors.Is(err, flush.ErrRunInProgress):
		return nil
	default:
		return err
	}
}

// RunOnce executes a single flush cycle outside the scheduler.
func (a *App) RunOnce(ctx context.Context) (flush.Report, error) {
	return a.flusher.Run(ctx)
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.startReporter()
	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sched.Start(a.sup.Context())
	notifySystemd(a.log, sdReady)
	a.log.Info("app started", logx.String("schedule", a.schedule), logx.Bool("scheduler", a.sched.Enabled()))
	return nil
}

func (a *App) closeBackends() {
	if a.closeLock != nil {
		if err := a.closeLock(); err != nil {
			a.log.Warn("close run lock failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close event store failed", logx.Err(err))
		}
	}
}

func storeDriver(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
