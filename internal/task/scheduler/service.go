package scheduler

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/schedule"
	logx "taskcore/pkg/logx"
)

// RecoverySource tags attempts that restart recovery fires.
const RecoverySource = "recovery"

func New(cfg Config, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := d.Registry
	if reg == nil {
		reg = task.NewRegistry()
	}
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      d.Bus,
		store:    d.Store,
		registry: reg,
		lock:     engine.NewBlockingLock(),
		jobs:     map[string]*job{},
		running:  map[string]*engine.Executor{},
		lastWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Registry() *task.Registry { return s.registry }

// Apply updates the live settings. A timezone change re-arms every
// recurring trigger in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	oldWorkers := s.cfg.Workers
	s.cfg = cfg

	if !s.started {
		return
	}
	if oldWorkers != cfg.Workers && s.sup != nil {
		s.sup.SetLimit(cfg.Workers)
		s.log.Info("worker limit changed", logx.Int("workers", cfg.Workers))
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Start loads the persisted jobs, recovers attempts the previous process
// left unfinished and arms every trigger. ctx bounds the lifetime of all
// executions.
func (s *Service) Start(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	recovered, err := s.load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cur := s.cfg
	loc := s.loadLocationLocked()
	s.loc = loc
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithLimit(cur.Workers))
	s.c = cron.New(cron.WithLocation(loc))
	s.started = true
	s.active = true
	for _, j := range s.jobs {
		s.armLocked(j, true)
	}
	s.c.Start()
	n := len(s.jobs)
	s.mu.Unlock()

	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("tasks", n), logx.Int("workers", cur.Workers))

	for _, info := range recovered {
		source := "Recovery of " + info.Name()
		if _, err := info.RunNow(source); err != nil {
			s.log.Warn("task recovery failed", logx.String("task_id", info.ID()), logx.Err(err))
		}
	}
	return nil
}

// Stop disarms every trigger and waits for running executions until ctx
// expires; stragglers are interrupted then. Persisted jobs stay in the store
// for the next Start.
func (s *Service) Stop(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()

	start := time.Now()
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.log.Info("stop requested")
	s.started = false
	for _, j := range s.jobs {
		s.disarmLocked(j)
	}
	c, sup := s.c, s.sup
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	var err error
	if sup != nil {
		if err = sup.Wait(ctx); err != nil {
			s.log.Warn("executions still running at stop deadline, interrupting", logx.Int("running", s.runningCount()), logx.Err(err))
			sup.Cancel()
		}
	}

	if s.store != nil {
		mctx, cancel := storeContext()
		if perr := s.store.PutMeta(mctx, storage.MetaLastShutdown, strconv.FormatInt(time.Now().UnixMilli(), 10)); perr != nil {
			s.log.Warn("failed to record shutdown time", logx.Err(perr))
		}
		cancel()
	}
	s.log.Info("service stopped", logx.Uint64("executed", s.executed.Load()), logx.Duration("took", time.Since(start)))
	return err
}

// Pause suppresses triggers until Resume. Running attempts are not
// affected.
func (s *Service) Pause() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.log.Info("service paused")
}

// Resume re-enables triggers and fires one-shot triggers missed meanwhile.
func (s *Service) Resume() {
	s.mu.Lock()
	s.active = true
	var missed []string
	for key, j := range s.jobs {
		if j.missed {
			j.missed = false
			missed = append(missed, key)
		}
	}
	s.mu.Unlock()
	s.log.Info("service resumed", logx.Int("missed", len(missed)))
	for _, key := range missed {
		go s.fire(key, engine.DefaultTriggerSource, false)
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Callbacks already running finish on their own and are fenced by ver.
		s.c.Stop()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for _, j := range s.jobs {
		if j.sched.Type() == schedule.TypeRecurring {
			s.armLocked(j, false)
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("tasks", len(s.jobs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// load restores the jobs in the store. It returns the recoverable tasks
// whose previous attempt was interrupted, to be fired once started.
func (s *Service) load(ctx context.Context) ([]*engine.TaskInfo, error) {
	if s.store == nil {
		return nil, nil
	}
	recs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var lastShutdown time.Time
	if v, ok, err := s.store.GetMeta(ctx, storage.MetaLastShutdown); err != nil {
		s.log.Warn("failed to read last shutdown time", logx.Err(err))
	} else if ok {
		if ms, perr := strconv.ParseInt(strings.TrimSpace(v), 10, 64); perr == nil {
			lastShutdown = time.UnixMilli(ms)
		}
	}

	keys := make([]string, 0, len(recs))
	for k := range recs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var recovered []*engine.TaskInfo
	for _, key := range keys {
		s.mu.Lock()
		_, exists := s.jobs[key]
		s.mu.Unlock()
		if exists {
			continue
		}

		m := recs[key].Clone()
		sched, err := schedule.FromMap(m)
		if err != nil {
			s.log.Warn("stored task has an invalid schedule, skipping", logx.String("task_id", key), logx.Err(err))
			continue
		}
		schedule.StripKeys(m)
		cfg := task.ConfigurationFromMap(m)
		if _, ok := s.registry.Descriptor(cfg.TypeID()); !ok {
			s.log.Warn("stored task has an unknown type, skipping", logx.String("task_id", key), logx.String("type", cfg.TypeID()))
			continue
		}

		interrupted := false
		if runStarted, ok := cfg.Time(task.KeyRunning); ok {
			dur := max(lastShutdown.Sub(runStarted), 0)
			cfg.SetLastRunState(task.EndInterrupted, runStarted, dur)
			cfg.Delete(task.KeyRunning)
			interrupted = true
			s.log.Warn("task was interrupted by shutdown", logx.String("task_id", key), logx.String("task", cfg.Name()), logx.Time("run_started", runStarted))
		}

		// An interrupted one-shot that may not be recovered is finished.
		if interrupted && sched.Type() == schedule.TypeOnce && !cfg.Recoverable() {
			dctx, cancel := storeContext()
			if _, derr := s.store.DeleteJob(dctx, key); derr != nil {
				s.log.Warn("failed to delete interrupted task", logx.String("task_id", key), logx.Err(derr))
			}
			cancel()
			continue
		}

		now := time.Now()
		var fut *engine.Future
		if sched.Type() == schedule.TypeNow && cfg.Enabled() {
			fut = engine.NewFuture(s, key, cfg.Name(), now, sched, RecoverySource)
		}
		snap := engine.StateSnapshot{Configuration: cfg, Schedule: sched, NextRun: s.nextRun(sched, now)}
		info := engine.NewTaskInfo(s, s.bus, s.log, snap, fut)
		j := s.newJob(info, sched, cfg.Enabled())

		s.mu.Lock()
		s.jobs[key] = j
		s.mu.Unlock()

		if interrupted {
			s.persist(key, snap)
			if cfg.Recoverable() && cfg.Enabled() && !sched.IsOneShot() {
				recovered = append(recovered, info)
			}
		}
	}
	s.log.Debug("tasks loaded", logx.Int("stored", len(recs)), logx.Int("recoverable", len(recovered)))
	return recovered, nil
}

func (s *Service) newJob(info *engine.TaskInfo, sched schedule.Schedule, enabled bool) *job {
	return &job{
		key:      info.ID(),
		info:     info,
		listener: engine.NewListener(s, info, s.log),
		sched:    sched,
		enabled:  enabled,
	}
}

func (s *Service) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// nextRun is the upcoming fire of sched in the scheduler timezone, zero when
// there is none.
func (s *Service) nextRun(sched schedule.Schedule, now time.Time) time.Time {
	if sched.Type() == schedule.TypeManual || sched.Type() == schedule.TypeNow {
		return time.Time{}
	}
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}
	next, ok := sched.Next(now.In(loc))
	if !ok {
		return time.Time{}
	}
	return next
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
