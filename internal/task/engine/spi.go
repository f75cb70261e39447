package engine

import (
	"sync"
	"time"

	"taskcore/internal/task"
	"taskcore/internal/task/schedule"
)

// SPI is what the engine needs from the scheduler that owns the triggers and
// the job store. Job keys are task ids.
//
// CancelJob and RemoveTask may be called while a TaskInfo lock is held, so
// implementations must not call back into TaskInfo from them.
type SPI interface {
	// ListTaskInfos returns every live task. Callers treat it as read-only.
	ListTaskInfos() []*TaskInfo
	// CancelJob asks a running attempt of key to stop cooperatively and
	// reports whether it accepted.
	CancelJob(key string) bool
	// RemoveTask withdraws the job and its persisted record.
	RemoveTask(key string) bool
	// RunNow triggers key immediately, tagged with triggerSource.
	RunNow(triggerSource, key string, info *TaskInfo, snap StateSnapshot) error
}

// StateSnapshot is the configuration and schedule a TaskInfo was last
// updated with. NextRun is zero when there is no upcoming fire.
type StateSnapshot struct {
	Configuration *task.Configuration
	Schedule      schedule.Schedule
	NextRun       time.Time
}

// JobContext carries one fired trigger through the listener and the
// executor.
type JobContext struct {
	Key           string
	Info          *TaskInfo
	Future        *Future
	TriggerSource string
	FireTime      time.Time

	// Result is the body's return value on success.
	Result any
	// Data is the body's configuration after a successful run, to be
	// persisted.
	Data map[string]string

	mu   sync.Mutex
	exec *Executor
}

// Executor returns the executor currently running this job, if any.
func (jc *JobContext) Executor() *Executor {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.exec
}

func (jc *JobContext) setExecutor(e *Executor) {
	jc.mu.Lock()
	jc.exec = e
	jc.mu.Unlock()
}

// NextState computes where a task goes after an attempt finishes: back to
// WAITING (with the next fire time, zero for manual tasks) or DONE.
func NextState(s schedule.Schedule, now time.Time) (task.State, time.Time) {
	switch s.Type() {
	case schedule.TypeNow:
		return task.StateDone, time.Time{}
	case schedule.TypeManual:
		return task.StateWaiting, time.Time{}
	}
	next, ok := s.Next(now)
	if !ok {
		return task.StateDone, time.Time{}
	}
	return task.StateWaiting, next
}
