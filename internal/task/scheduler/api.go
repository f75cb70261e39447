package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/schedule"
	logx "taskcore/pkg/logx"
)

// SubmitSource tags attempts started through FindAndSubmit.
const SubmitSource = "submit"

// CreateTaskConfiguration returns a new configuration of typeID with a
// fresh id and the type's defaults.
func (s *Service) CreateTaskConfiguration(typeID string) (*task.Configuration, error) {
	return s.registry.NewConfiguration(typeID)
}

// ScheduleTask registers cfg under sched, or updates the task with the same
// id. Updating follows these rules: an immediate task can't be rescheduled,
// a finished task can't be rescheduled and a running task can't be
// rescheduled to run now. A running task picks up the update when its
// attempt finishes. A disabled task keeps its trigger paused.
func (s *Service) ScheduleTask(cfg *task.Configuration, sched schedule.Schedule) (*engine.TaskInfo, error) {
	if cfg == nil {
		return nil, errors.New("schedule task: nil configuration")
	}
	if err := s.registry.Check(cfg); err != nil {
		return nil, fmt.Errorf("schedule task %s: %w", cfg.ID(), err)
	}
	cfg = cfg.Copy()
	cfg.Delete(task.KeyRunning)

	s.mu.Lock()
	j := s.jobs[cfg.ID()]
	s.mu.Unlock()
	if j != nil {
		return s.update(j, cfg, sched)
	}
	return s.create(cfg, sched)
}

func (s *Service) create(cfg *task.Configuration, sched schedule.Schedule) (*engine.TaskInfo, error) {
	id := cfg.ID()
	now := time.Now()
	var fut *engine.Future
	if sched.Type() == schedule.TypeNow && cfg.Enabled() {
		fut = engine.NewFuture(s, id, cfg.Name(), now, sched, engine.DefaultTriggerSource)
	}
	snap := engine.StateSnapshot{Configuration: cfg, Schedule: sched, NextRun: s.nextRun(sched, now)}
	info := engine.NewTaskInfo(s, s.bus, s.log, snap, fut)
	j := s.newJob(info, sched, cfg.Enabled())

	s.mu.Lock()
	if existing := s.jobs[id]; existing != nil {
		s.mu.Unlock()
		return s.update(existing, cfg, sched)
	}
	s.jobs[id] = j
	s.mu.Unlock()

	s.persist(id, snap)
	s.log.Info("task scheduled", logx.String("task_id", id), logx.String("task", cfg.Name()), logx.String("type", cfg.TypeID()), logx.String("schedule", sched.String()))
	info.Post(task.EventScheduled, nil)

	s.mu.Lock()
	if s.jobs[id] == j {
		s.armLocked(j, false)
	}
	s.mu.Unlock()
	return info, nil
}

func (s *Service) update(j *job, cfg *task.Configuration, sched schedule.Schedule) (*engine.TaskInfo, error) {
	info := j.info
	if info.Schedule().Type() == schedule.TypeNow {
		return nil, fmt.Errorf("reschedule %s: %w", info.ID(), ErrRescheduleNow)
	}
	if info.IsRemovedOrDone() {
		return nil, fmt.Errorf("reschedule %s: %w", info.ID(), ErrRescheduleDone)
	}
	running := info.CurrentState().State == task.StateRunning
	if running && sched.Type() == schedule.TypeNow {
		return nil, fmt.Errorf("reschedule %s: %w", info.ID(), ErrRescheduleNow)
	}

	merged := info.Snapshot().Configuration.Copy()
	if err := merged.Apply(cfg); err != nil {
		return nil, fmt.Errorf("reschedule %s: %w", info.ID(), err)
	}
	merged.Delete(task.KeyRunning)
	now := time.Now()
	snap := engine.StateSnapshot{Configuration: merged, Schedule: sched, NextRun: s.nextRun(sched, now)}

	switch {
	case running:
		j.listener.Reschedule(snap)
	case sched.Type() == schedule.TypeNow && merged.Enabled():
		fut := engine.NewFuture(s, info.ID(), merged.Name(), now, sched, engine.DefaultTriggerSource)
		if !info.StartIfWaiting(snap, fut) {
			return nil, fmt.Errorf("reschedule %s: %w", info.ID(), ErrRescheduleNow)
		}
	default:
		if !info.SetTaskStateIfWaiting(snap, nil) {
			j.listener.Reschedule(snap)
		}
	}

	s.mu.Lock()
	j.sched = sched
	j.enabled = merged.Enabled()
	if s.jobs[j.key] == j {
		s.armLocked(j, false)
	}
	s.mu.Unlock()
	s.persist(j.key, snap)

	s.log.Info("task rescheduled", logx.String("task_id", j.key), logx.String("schedule", sched.String()), logx.Bool("enabled", merged.Enabled()), logx.Bool("deferred", running))
	return info, nil
}

// ListTasks returns every task ordered by id.
func (s *Service) ListTasks() []*engine.TaskInfo { return s.ListTaskInfos() }

func (s *Service) GetTaskByID(id string) (*engine.TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return nil, false
	}
	return j.info, true
}

// GetTaskByTypeID returns the tasks of typeID whose configuration holds
// every key/value pair of match, ordered by id.
func (s *Service) GetTaskByTypeID(typeID string, match map[string]string) []*engine.TaskInfo {
	var out []*engine.TaskInfo
	for _, info := range s.ListTaskInfos() {
		if info.TypeID() != typeID {
			continue
		}
		cfg := info.Configuration()
		ok := true
		for k, v := range match {
			if got, has := cfg.Lookup(k); !has || got != v {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, info)
		}
	}
	return out
}

// FindAndSubmit runs the first task matching typeID and match unless it is
// already running. It reports whether a task was found.
func (s *Service) FindAndSubmit(typeID string, match map[string]string) bool {
	found := s.GetTaskByTypeID(typeID, match)
	if len(found) == 0 {
		return false
	}
	info := found[0]
	if info.CurrentState().State == task.StateRunning {
		return true
	}
	if _, err := info.RunNow(SubmitSource); err != nil && !errors.Is(err, task.ErrAlreadyRunning) {
		s.log.Warn("submit failed", logx.String("task_id", info.ID()), logx.Err(err))
	}
	return true
}

// Cancel cancels the current attempt of id. See Future.Cancel.
func (s *Service) Cancel(id string, mayInterrupt bool) bool {
	info, ok := s.GetTaskByID(id)
	if !ok {
		return false
	}
	fut := info.Future()
	if fut == nil {
		return false
	}
	return fut.Cancel(mayInterrupt)
}

// RunningTaskCount is the number of tasks in state RUNNING.
func (s *Service) RunningTaskCount() int {
	n := 0
	for _, info := range s.ListTaskInfos() {
		if info.CurrentState().State == task.StateRunning {
			n++
		}
	}
	return n
}

// ExecutedTaskCount is the number of attempts finished since New.
func (s *Service) ExecutedTaskCount() uint64 { return s.executed.Load() }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Started:  s.started,
		Paused:   s.started && !s.active,
		Timezone: strings.TrimSpace(s.cfg.Timezone),
		Workers:  s.cfg.Workers,
		Running:  len(s.running),
	}
	if s.sup != nil {
		snap.Pool = s.sup.Counters()
	}
	enabled := make(map[string]bool, len(s.jobs))
	for k, j := range s.jobs {
		enabled[k] = j.enabled
	}
	s.mu.Unlock()

	snap.Executed = s.executed.Load()
	for _, info := range s.ListTaskInfos() {
		cs := info.CurrentState()
		ts := TaskSnapshot{
			ID:         info.ID(),
			TypeID:     info.TypeID(),
			Name:       info.Name(),
			Enabled:    enabled[info.ID()],
			State:      cs.State.String(),
			Schedule:   info.Schedule().String(),
			NextRun:    cs.NextRun,
			RunStarted: cs.RunStarted,
			LastRun:    info.LastRunState(),
		}
		if cs.Future != nil {
			ts.RunState = cs.RunState.String()
			ts.Trigger = cs.Future.TriggerSource()
		}
		snap.Tasks = append(snap.Tasks, ts)
	}
	return snap
}
