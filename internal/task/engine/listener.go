package engine

import (
	"sync"
	"time"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// DefaultTriggerSource tags attempts fired by the task's own schedule.
const DefaultTriggerSource = "scheduler"

// Listener does the per-task bookkeeping around each execution: it moves
// the TaskInfo to RUNNING before the executor starts and records the
// outcome afterwards.
type Listener struct {
	spi  SPI
	info *TaskInfo
	log  logx.Logger

	mu      sync.Mutex
	pending *StateSnapshot
}

func NewListener(spi SPI, info *TaskInfo, log logx.Logger) *Listener {
	return &Listener{spi: spi, info: info, log: log.With(logx.String("task_id", info.ID()))}
}

func (l *Listener) Info() *TaskInfo { return l.info }

// Reschedule parks a snapshot for a running task; it replaces the
// configuration and schedule once the current attempt finishes.
func (l *Listener) Reschedule(snap StateSnapshot) {
	l.mu.Lock()
	l.pending = &snap
	l.mu.Unlock()
}

func (l *Listener) takePending() *StateSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pending
	l.pending = nil
	return p
}

// ToBeExecuted runs before the executor. An attempt started through RunNow
// already carries its future; otherwise one is created here. It reports
// false, and the attempt must not run, when the task was removed or is done
// or another attempt holds it.
func (l *Listener) ToBeExecuted(jc *JobContext) bool {
	info := l.info
	if info.IsRemovedOrDone() {
		l.log.Debug("task removed before execution", logx.String("trigger", jc.TriggerSource))
		return false
	}
	fut := info.Future()
	if fut == nil {
		snap := info.Snapshot()
		source := jc.TriggerSource
		if source == "" {
			source = DefaultTriggerSource
		}
		started := jc.FireTime
		if started.IsZero() {
			started = time.Now()
		}
		fut = NewFuture(l.spi, info.ID(), snap.Configuration.Name(), started, snap.Schedule, source)
		if !info.StartIfWaiting(snap, fut) {
			// Removed meanwhile, or a RunNow attached its own future first.
			return false
		}
	}
	jc.Info = info
	jc.Future = fut
	info.Post(task.EventStarted, nil)
	return true
}

// WasExecuted records the outcome of the attempt in jc and moves the task
// back to WAITING, or to DONE when its schedule won't fire again. err is
// what the executor returned.
func (l *Listener) WasExecuted(jc *JobContext, err error) task.EndState {
	info := l.info
	fut := jc.Future
	if fut == nil {
		fut = info.Future()
	}

	end := task.EndOK
	switch {
	case fut != nil && fut.IsCancelled():
		end = task.EndCanceled
	case err != nil:
		end = task.EndFailed
	}

	started := time.Now()
	if fut != nil {
		started = fut.StartedAt()
	}
	dur := max(time.Since(started), 0)

	snap := info.Snapshot()
	cfg := snap.Configuration
	if len(jc.Data) > 0 {
		if aerr := cfg.Apply(task.ConfigurationFromMap(jc.Data)); aerr != nil {
			l.log.Warn("task configuration update dropped", logx.Err(aerr))
		}
	}
	if p := l.takePending(); p != nil {
		if aerr := cfg.Apply(p.Configuration); aerr != nil {
			l.log.Warn("pending configuration dropped", logx.Err(aerr))
		}
		snap.Schedule = p.Schedule
	}
	cfg.SetLastRunState(end, started, dur)

	var cause error
	if end == task.EndFailed {
		cause = err
	}
	l.log.Debug("task stopped", logx.String("end", string(end)), logx.Duration("duration", dur), logx.Err(cause))
	info.Post(task.StoppedEvent(end), cause)

	state, next := NextState(snap.Schedule, time.Now())
	info.SetTaskState(state, StateSnapshot{Configuration: cfg, Schedule: snap.Schedule, NextRun: next}, nil)
	return end
}

// Vetoed finalizes an attempt the scheduler decided not to run (paused or
// disabled). A future attached by RunNow is canceled and the task returns
// to WAITING.
func (l *Listener) Vetoed(jc *JobContext) {
	info := l.info
	fut := info.Future()
	if fut == nil {
		return
	}
	fut.DoCancel()
	snap := info.Snapshot()
	next, _ := snap.Schedule.Next(time.Now())
	l.log.Debug("task execution vetoed", logx.String("trigger", jc.TriggerSource))
	info.SetTaskState(task.StateWaiting, StateSnapshot{Configuration: snap.Configuration, Schedule: snap.Schedule, NextRun: next}, nil)
}
