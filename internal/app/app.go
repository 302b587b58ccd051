// Package app wires config, storage, the scheduler, host handlers and the
// admin server into a daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"tasksched/internal/api"
	"tasksched/internal/config"
	"tasksched/internal/eventbus"
	"tasksched/internal/handlers"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/storage"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
	"tasksched/pkg/systemd"
)

type options struct {
	clock    clockwork.Clock
	client   *http.Client
	register []func(h *scheduler.Handlers) error
}

type Option func(*options)

// WithClock drives the scheduler and the store with c.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithHTTPClient sets the client used by the http handler.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithHandlers registers handlers in code alongside the built-in ones.
func WithHandlers(fn func(h *scheduler.Handlers) error) Option {
	return func(o *options) {
		if fn != nil {
			o.register = append(o.register, fn)
		}
	}
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	handlers *scheduler.Handlers
	sched    *scheduler.Scheduler
	tasks    *taskSync
	admin    *api.Service
	notify   *systemd.Notifier

	grace time.Duration
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: 30 * time.Second}
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, log.Named("storage"), storage.WithClock(o.clock))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", stCfg.Driver))

	hs := scheduler.NewHandlers()
	if err := handlers.Register(hs, o.client, log.Named("handler")); err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, fn := range o.register {
		if err := fn(hs); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	bus := eventbus.New()
	sched := scheduler.New(schedCfg, hs,
		scheduler.WithLogger(log),
		scheduler.WithClock(o.clock),
		scheduler.WithBus(bus),
		scheduler.WithStore(store),
	)
	ts := newTaskSync(sched, schedCfg.Location, log.Named("tasks"))

	admin := api.NewService(mapAdminConfig(cfg), api.Deps{
		Scheduler: sched,
		Bus:       bus,
		Build:     ts.Build,
		Logger:    log.Named("admin"),
	})

	grace := schedCfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	return &App{
		cfgm:     cfgm,
		log:      log.Named("app"),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		handlers: hs,
		sched:    sched,
		tasks:    ts,
		admin:    admin,
		notify:   systemd.NewNotifier(log.Named("systemd")),
		grace:    grace,
	}, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// AdminAddr returns the admin listener address, or "" when it is not serving.
func (a *App) AdminAddr() string { return a.admin.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate rejects a reloaded config whose tasks would not register.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	var errs []error
	for _, tc := range cfg.Tasks {
		def, err := BuildDefinition(tc, a.tasks.loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := a.handlers.Resolve(def.Handler); !ok {
			errs = append(errs, fmt.Errorf("tasks[%s]: %w: %q", strings.TrimSpace(tc.Name), scheduler.ErrUnknownHandler, def.Handler))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.Named("config"))
	a.cfgm.SetValidator(a.validate)

	if _, err := a.tasks.Apply(a.cfgm.Get().Tasks); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.admin.Start(a.sup.Context())

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.notify.Watchdog(c, a.healthy)
	})

	a.notify.Ready()
	a.notify.Status(fmt.Sprintf("%d tasks", len(a.sched.Names())))
	a.log.Info("app started",
		logx.String("instance", a.sched.InstanceID()),
		logx.Int("tasks", len(a.sched.Names())),
		logx.String("admin", a.admin.Addr()),
	)
	return nil
}

// healthy gates watchdog pings on a live scheduler and no fatal error.
func (a *App) healthy() bool {
	return a.sup.Err() == nil && a.sched.Snapshot().Running
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	a.notify.Reloading()
	defer a.notify.Ready()

	sections, attrs, changedTasks := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		switch s {
		case "instance_id", "scheduler", "storage":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(newCfg))
	a.admin.Reconfigure(c, mapAdminConfig(newCfg))

	if len(changedTasks) > 0 {
		if _, err := a.tasks.Apply(newCfg.Tasks); err != nil {
			a.log.Warn("some tasks were not applied", logx.Err(err))
		}
		a.notify.Status(fmt.Sprintf("%d tasks", len(a.sched.Names())))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) error {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
			return err
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			return stepCtx.Err()
		}
	}

	_ = step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	// The scheduler applies its own grace; the extra second covers abandonment.
	schedErr := step("scheduler", a.grace+time.Second, a.sched.Stop)
	_ = step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	_ = step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return schedErr
}
