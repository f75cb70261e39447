package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/schedule"
	logx "taskcore/pkg/logx"
)

// armLocked (re)installs the trigger of j. Disabled and manual jobs get
// none. Call with s.mu held.
func (s *Service) armLocked(j *job, startup bool) {
	s.disarmLocked(j)
	if !s.started || !j.enabled {
		return
	}
	key, ver := j.key, j.ver
	fire := func() {
		if s.current(key, ver) {
			s.fire(key, engine.DefaultTriggerSource, false)
		}
	}

	switch j.sched.Type() {
	case schedule.TypeManual:
	case schedule.TypeNow:
		j.timer = time.AfterFunc(0, fire)
	case schedule.TypeOnce:
		j.timer = time.AfterFunc(max(time.Until(j.sched.At()), 0), fire)
	case schedule.TypeRecurring:
		if s.c == nil {
			return
		}
		sched := j.sched.Cron()
		if startup {
			var jitter time.Duration
			sched, jitter = withStartupSpread(sched, time.Now().In(s.loc), key)
			if jitter > 0 {
				s.log.Debug("startup spread applied", logx.String("task_id", key), logx.Duration("jitter", jitter))
			}
		}
		j.entryID = s.c.Schedule(sched, cron.FuncJob(fire))
	}
}

// disarmLocked removes the trigger of j and fences callbacks already in
// flight. Call with s.mu held.
func (s *Service) disarmLocked(j *job) {
	j.ver++
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	if j.entryID != 0 {
		if s.c != nil {
			s.c.Remove(j.entryID)
		}
		j.entryID = 0
	}
}

func (s *Service) current(key string, ver uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[key]
	return j != nil && j.ver == ver
}

// fire hands one trigger of key to the worker pool. runNow marks a request
// whose future is already attached.
func (s *Service) fire(key, source string, runNow bool) {
	s.mu.Lock()
	j := s.jobs[key]
	if j == nil {
		s.mu.Unlock()
		return
	}
	jc := &engine.JobContext{Key: key, TriggerSource: source, FireTime: time.Now()}
	switch {
	case !s.started:
		s.mu.Unlock()
		j.listener.Vetoed(jc)
		return
	case j.running:
		if runNow {
			j.queued = true
			j.queuedSource = source
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.log.Debug("trigger skipped, task still executing", logx.String("task_id", key))
		return
	case !s.active:
		if !runNow && j.sched.IsOneShot() {
			// Held until Resume; a pre-attached future stays attached.
			j.missed = true
			s.mu.Unlock()
			s.log.Debug("trigger deferred, scheduler paused", logx.String("task_id", key))
			return
		}
		s.mu.Unlock()
		s.log.Debug("trigger vetoed, scheduler paused", logx.String("task_id", key))
		j.listener.Vetoed(jc)
		return
	case !runNow && !j.enabled:
		s.mu.Unlock()
		j.listener.Vetoed(jc)
		return
	}
	j.running = true
	sup := s.sup
	s.mu.Unlock()

	err := sup.Submit(sup.Context(), "task:"+key, func(ctx context.Context) error {
		s.execute(ctx, j, jc)
		return nil
	})
	if err != nil {
		s.reportSubmitError(key, err)
		j.listener.Vetoed(jc)
		s.finish(j)
	}
}

// execute runs one attempt of j on a worker.
func (s *Service) execute(ctx context.Context, j *job, jc *engine.JobContext) {
	info := j.info
	// The task may have been removed or replaced while Submit waited for a slot.
	s.mu.Lock()
	current := s.jobs[j.key] == j
	s.mu.Unlock()
	if !current || !j.listener.ToBeExecuted(jc) {
		s.log.Debug("trigger dropped, task gone", logx.String("task_id", j.key))
		s.finish(j)
		return
	}

	snap := info.Snapshot()
	snap.Configuration.SetTime(task.KeyRunning, jc.Future.StartedAt())
	s.persist(j.key, snap)

	ex := engine.NewExecutor(engine.Deps{
		SPI:                s,
		Factory:            s.registry,
		Lock:               s.lock,
		Log:                s.log,
		BlockedWaitTimeout: s.blockedWait(),
	})
	s.mu.Lock()
	s.running[j.key] = ex
	s.mu.Unlock()

	err := ex.Execute(ctx, jc)

	s.mu.Lock()
	delete(s.running, j.key)
	s.mu.Unlock()

	j.listener.WasExecuted(jc, err)
	s.executed.Add(1)

	snap = info.Snapshot()
	snap.Configuration.Delete(task.KeyRunning)
	s.persist(j.key, snap)
	s.finish(j)
}

// finish frees the execution slot of j and fires a run-now request that
// arrived meanwhile.
func (s *Service) finish(j *job) {
	s.mu.Lock()
	j.running = false
	queued, source := j.queued, j.queuedSource
	j.queued, j.queuedSource = false, ""
	s.mu.Unlock()
	if queued {
		// The current worker still holds its slot.
		go s.fire(j.key, source, true)
	}
}

func (s *Service) blockedWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BlockedWaitTimeout
}

// persist writes snap as the stored record of key, unless the job is gone.
func (s *Service) persist(key string, snap engine.StateSnapshot) {
	if s.store == nil || snap.Configuration == nil {
		return
	}
	rec := snap.Configuration.AsMap()
	for k, v := range snap.Schedule.ToMap() {
		rec[k] = v
	}

	ctx, cancel := storeContext()
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[key]; !ok {
		return
	}
	if err := s.store.PutJob(ctx, key, rec); err != nil {
		s.log.Warn("failed to persist task", logx.String("task_id", key), logx.Err(err))
	}
}
