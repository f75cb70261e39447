package engine

import (
	"fmt"
	"sync"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	"taskcore/internal/task/schedule"
	logx "taskcore/pkg/logx"
)

// CurrentState is a point-in-time view of a TaskInfo. NextRun is only set
// for waiting tasks with an upcoming fire; the run fields only while a
// future is attached.
type CurrentState struct {
	State      task.State
	NextRun    time.Time
	RunStarted time.Time
	RunState   task.RunState
	Future     *Future
}

// TaskInfo is the caller-facing handle of one task for its whole lifetime.
//
// All mutation goes through SetTaskState under the instance mutex. A task is
// RUNNING exactly while a future is attached. Once removed, the handle is
// frozen.
type TaskInfo struct {
	spi    SPI
	bus    eventbus.Bus
	log    logx.Logger
	id     string
	typeID string

	mu       sync.Mutex
	state    task.State
	snap     StateSnapshot
	future   *Future
	removed  bool
	hasState bool
}

// NewTaskInfo builds the handle for a registered task. A non-nil future
// means an attempt is already underway, so the task starts RUNNING.
func NewTaskInfo(spi SPI, bus eventbus.Bus, log logx.Logger, snap StateSnapshot, future *Future) *TaskInfo {
	ti := &TaskInfo{
		spi:    spi,
		bus:    bus,
		id:     snap.Configuration.ID(),
		typeID: snap.Configuration.TypeID(),
	}
	ti.log = log.With(logx.String("task_id", ti.id), logx.String("type", ti.typeID))
	state := task.StateWaiting
	if future != nil {
		state = task.StateRunning
	}
	ti.SetTaskState(state, snap, future)
	return ti
}

func (ti *TaskInfo) ID() string     { return ti.id }
func (ti *TaskInfo) TypeID() string { return ti.typeID }

func (ti *TaskInfo) Name() string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.snap.Configuration.Name()
}

func (ti *TaskInfo) Message() string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.snap.Configuration.Message()
}

// Configuration returns a copy; changes go through the scheduler.
func (ti *TaskInfo) Configuration() *task.Configuration {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.snap.Configuration.Copy()
}

func (ti *TaskInfo) Schedule() schedule.Schedule {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.snap.Schedule
}

func (ti *TaskInfo) LastRunState() *task.LastRunState {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.snap.Configuration.LastRunState()
}

// Snapshot returns the current snapshot. Its Configuration is the live one.
func (ti *TaskInfo) Snapshot() StateSnapshot {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.snap
}

func (ti *TaskInfo) Future() *Future {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.future
}

func (ti *TaskInfo) IsRemovedOrDone() bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.removed || ti.state.IsDone()
}

func (ti *TaskInfo) CurrentState() CurrentState {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	cs := CurrentState{State: ti.state, Future: ti.future}
	if ti.state == task.StateWaiting && ti.snap.Schedule.Type() != schedule.TypeManual {
		cs.NextRun = ti.snap.NextRun
	}
	if ti.future != nil {
		cs.RunStarted = ti.future.StartedAt()
		cs.RunState = ti.future.RunState()
	}
	return cs
}

// SetTaskState is the only way a TaskInfo changes. RUNNING requires a
// future; reaching DONE removes the task from the scheduler.
func (ti *TaskInfo) SetTaskState(state task.State, snap StateSnapshot, future *Future) {
	if state == task.StateRunning && future == nil {
		panic(&task.IllegalStateError{What: "task state", From: ti.stateString(), To: "RUNNING without a future"})
	}

	ti.mu.Lock()
	if ti.removed {
		ti.mu.Unlock()
		return
	}
	ti.logTransitionLocked(state, snap)

	ti.state = state
	ti.snap = snap
	ti.hasState = true
	if state == task.StateRunning {
		ti.future = future
	} else {
		ti.future = nil
	}
	done := state.IsDone()
	if done {
		ti.removed = true
	}
	ti.mu.Unlock()

	if done && ti.spi != nil {
		ti.spi.RemoveTask(ti.id)
	}
}

// SetTaskStateIfWaiting refreshes the snapshot of a waiting task and leaves
// a running one alone. It reports whether it applied.
func (ti *TaskInfo) SetTaskStateIfWaiting(snap StateSnapshot, future *Future) bool {
	ti.mu.Lock()
	if ti.removed || ti.state != task.StateWaiting {
		ti.mu.Unlock()
		return false
	}
	ti.mu.Unlock()
	// Another goroutine may slip in here; SetTaskState re-checks removal and
	// WAITING -> WAITING is a refresh either way.
	ti.SetTaskState(task.StateWaiting, snap, future)
	return true
}

// StartIfWaiting moves a waiting task to RUNNING with future attached.
// It fails if the task is already running or gone.
func (ti *TaskInfo) StartIfWaiting(snap StateSnapshot, future *Future) bool {
	if future == nil {
		panic(&task.IllegalStateError{What: "task state", From: ti.stateString(), To: "RUNNING without a future"})
	}
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.removed || ti.state != task.StateWaiting {
		return false
	}
	ti.logTransitionLocked(task.StateRunning, snap)
	ti.state = task.StateRunning
	ti.snap = snap
	ti.future = future
	return true
}

func (ti *TaskInfo) logTransitionLocked(state task.State, snap StateSnapshot) {
	level := logx.LevelDebug
	if snap.Configuration != nil && snap.Configuration.LogTaskState() {
		level = logx.LevelInfo
	}
	switch {
	case !ti.hasState:
		ti.log.Log(level, "task state initialized", logx.String("state", state.String()), logx.String("schedule", snap.Schedule.String()))
	case ti.state != state:
		ti.log.Log(level, "task state changed", logx.String("from", ti.state.String()), logx.String("to", state.String()))
	default:
		ti.log.Trace("task state refreshed", logx.String("state", state.String()))
	}
}

// Remove deletes the task. It is idempotent and reports true when the task
// is gone. A running attempt that refuses a non-interrupting cancel keeps
// the task alive and Remove reports false.
func (ti *TaskInfo) Remove() bool {
	ti.mu.Lock()
	if ti.removed || ti.state.IsDone() {
		ti.mu.Unlock()
		return true
	}
	if ti.future != nil && !ti.future.Cancel(false) {
		ti.mu.Unlock()
		return false
	}
	cfg := ti.snap.Configuration
	if !cfg.HasLastRunState() {
		cfg.SetLastRunState(task.EndCanceled, time.Now(), 0)
	}
	if ti.spi == nil || !ti.spi.RemoveTask(ti.id) {
		ti.mu.Unlock()
		return false
	}
	ti.removed = true
	ti.future = nil
	ti.state = task.StateDone
	ev := ti.eventLocked(task.EventDeleted, nil)
	ti.mu.Unlock()

	ti.log.Debug("task removed")
	ti.publish(ev)
	return true
}

// RunNow triggers an immediate attempt. A disabled task is left untouched
// and returned as is.
func (ti *TaskInfo) RunNow(triggerSource string) (*TaskInfo, error) {
	ti.mu.Lock()
	if ti.removed {
		name := ti.snap.Configuration.Name()
		ti.mu.Unlock()
		return nil, &task.RemovedError{ID: ti.id, Name: name}
	}
	if ti.state == task.StateRunning {
		ti.mu.Unlock()
		return nil, fmt.Errorf("run %s: %w", ti.id, task.ErrAlreadyRunning)
	}
	snap := ti.snap
	ti.mu.Unlock()

	if !snap.Configuration.Enabled() {
		ti.log.Info("task disabled, not running", logx.String("trigger", triggerSource))
		return ti, nil
	}
	if err := ti.spi.RunNow(triggerSource, ti.id, ti, snap); err != nil {
		return nil, err
	}
	return ti, nil
}

// Post publishes a lifecycle event about this task. Handlers run without
// the TaskInfo lock held.
func (ti *TaskInfo) Post(kind string, cause error) {
	ti.mu.Lock()
	ev := ti.eventLocked(kind, cause)
	ti.mu.Unlock()
	ti.publish(ev)
}

func (ti *TaskInfo) eventLocked(kind string, cause error) eventbus.Event {
	return eventbus.Event{Type: kind, Time: time.Now(), Data: task.LifecycleEvent{
		Kind:   kind,
		TaskID: ti.id,
		TypeID: ti.typeID,
		Name:   ti.snap.Configuration.Name(),
		Info:   ti,
		Cause:  cause,
	}}
}

func (ti *TaskInfo) publish(ev eventbus.Event) {
	if ti.bus != nil {
		ti.bus.Publish(ev)
	}
}

func (ti *TaskInfo) stateString() string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.state.String()
}

func (ti *TaskInfo) String() string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return fmt.Sprintf("%s[%s] %s %s", ti.snap.Configuration.Name(), ti.id, ti.state, ti.snap.Schedule)
}
