package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"taskcore/internal/config"
	"taskcore/internal/eventbus"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	"taskcore/internal/task/scheduler"
	logx "taskcore/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched *scheduler.Service
	// stopTimeout is in nanoseconds; reloads update it.
	stopTimeout atomic.Int64
}

// New loads the config and wires logging, storage, the event bus and the
// scheduler. types are the task types the scheduler can run.
func New(cfgPath string, types ...task.Descriptor) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.ToLogx())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; tasks won't survive a restart")
	}

	reg := task.NewRegistry()
	for _, d := range types {
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}

	settings, err := cfg.Scheduler.Settings()
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedulerConfig(settings), scheduler.Deps{
		Store:    store,
		Bus:      bus,
		Registry: reg,
		Log:      log,
	})

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
	}
	a.stopTimeout.Store(int64(settings.StopTimeout))
	return a, nil
}

func schedulerConfig(s config.SchedulerSettings) scheduler.Config {
	return scheduler.Config{
		Enabled:            s.Enabled,
		Timezone:           s.Timezone,
		Workers:            s.Workers,
		BlockedWaitTimeout: s.BlockedWaitTimeout,
	}
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// StopTimeout is the configured upper bound for Stop.
func (a *App) StopTimeout() time.Duration { return time.Duration(a.stopTimeout.Load()) }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return validateTasks(a.sched.Registry(), cfg.Tasks)
	})
	if err := validateTasks(a.sched.Registry(), a.cfgm.Get().Tasks); err != nil {
		return err
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
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
		})
	}

	if a.sched.Enabled() {
		if err := a.startScheduler(); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled; declared tasks are not loaded")
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Any("types", a.sched.Registry().Types()))
	return nil
}

// startScheduler starts the scheduler outside the app's cancellation so
// Stop can give running tasks stop_timeout to finish, then upserts every
// declared task.
func (a *App) startScheduler() error {
	if err := a.sched.Start(context.WithoutCancel(a.sup.Context())); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	tasks := a.cfgm.Get().Tasks
	a.syncTasks(tasks, taskIDs(tasks), nil)
	return nil
}

func (a *App) applyConfig(c context.Context, prev, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(newCfg.Logging.ToLogx())

	settings, err := newCfg.Scheduler.Settings()
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.sched.Enabled()
		a.sched.Apply(schedulerConfig(settings))
		a.stopTimeout.Store(int64(settings.StopTimeout))

		switch {
		case prevEnabled && !settings.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, settings.StopTimeout)
			if err := a.sched.Stop(stopCtx); err != nil {
				a.log.Warn("scheduler stop incomplete", logx.Err(err))
			}
			cancel()
		case !prevEnabled && settings.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.startScheduler(); err != nil {
				a.log.Error("scheduler start failed", logx.Err(err))
			}
		case settings.Enabled:
			added, removed, updated := config.DiffTasks(prev.Tasks, newCfg.Tasks)
			a.syncTasks(newCfg.Tasks, append(added, updated...), removed)
		}
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The scheduler interrupts what is still running at its own deadline;
	// the extra second leaves room for the last state to be persisted.
	stopTimeout := a.StopTimeout()
	step("scheduler", stopTimeout+time.Second, func(c context.Context) error {
		sc, cancel := context.WithTimeout(c, stopTimeout)
		defer cancel()
		return a.sched.Stop(sc)
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
