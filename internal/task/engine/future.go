package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"taskcore/internal/task"
	"taskcore/internal/task/schedule"
)

// Future is the promise over one execution attempt of a task.
//
// The attempt's run context cancel func stands in for the executing thread:
// it is attached when the executor starts and cleared once the future
// completes. Completion happens exactly once, through SetResult or DoCancel.
type Future struct {
	spi           SPI
	jobKey        string
	name          string
	sched         schedule.Schedule
	startedAt     time.Time
	triggerSource string

	done chan struct{}

	mu        sync.Mutex
	runState  task.RunState
	runCancel context.CancelFunc
	completed bool
	result    any
	err       error
}

func NewFuture(spi SPI, jobKey, name string, startedAt time.Time, sched schedule.Schedule, triggerSource string) *Future {
	return &Future{
		spi:           spi,
		jobKey:        jobKey,
		name:          name,
		sched:         sched,
		startedAt:     startedAt,
		triggerSource: triggerSource,
		done:          make(chan struct{}),
		runState:      task.RunStarting,
	}
}

func (f *Future) JobKey() string              { return f.jobKey }
func (f *Future) Schedule() schedule.Schedule { return f.sched }
func (f *Future) StartedAt() time.Time        { return f.startedAt }
func (f *Future) TriggerSource() string       { return f.triggerSource }

// Done is closed once the attempt completed or was canceled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Cancel asks the scheduler to stop the attempt. When the scheduler can't
// and mayInterrupt is set, a running attempt has its context canceled. An
// attempt that never left STARTING is always canceled.
func (f *Future) Cancel(mayInterrupt bool) bool {
	canceled := f.spi != nil && f.spi.CancelJob(f.jobKey)

	// The STARTING check and the cancel share one critical section so the
	// executor can't mark the attempt running in between.
	f.mu.Lock()
	defer f.mu.Unlock()
	if !canceled && mayInterrupt && f.runCancel != nil {
		f.runCancel()
		canceled = true
	}
	if canceled || f.runState == task.RunStarting {
		f.cancelLocked()
		return true
	}
	return false
}

// DoCancel finalizes the attempt as canceled. Calling it again, or after
// SetResult, changes nothing.
func (f *Future) DoCancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelLocked()
}

func (f *Future) cancelLocked() {
	if f.completed {
		return
	}
	f.runState = task.RunCanceled
	f.err = task.ErrCanceled
	f.completeLocked()
}

// SetResult completes the attempt. Only the first completion counts.
func (f *Future) SetResult(result any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return
	}
	f.result = result
	f.err = err
	f.completeLocked()
}

func (f *Future) completeLocked() {
	f.completed = true
	f.runCancel = nil
	close(f.done)
}

// Get waits for completion. Cancellation and interruption come back as is;
// body failures are wrapped in *ExecutionError.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	res, err := f.result, f.err
	f.mu.Unlock()
	if err == nil {
		return res, nil
	}
	if task.IsCancellation(err) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	return nil, &ExecutionError{Err: err}
}

// GetTimeout is Get bounded by d; it returns context.DeadlineExceeded when d
// elapses first.
func (f *Future) GetTimeout(d time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return f.Get(ctx)
}

func (f *Future) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *Future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runState == task.RunCanceled
}

func (f *Future) RunState() task.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runState
}

// SetRunState moves the attempt forward. A backward move panics with
// *task.IllegalStateError.
func (f *Future) SetRunState(next task.RunState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setRunStateLocked(next)
}

func (f *Future) setRunStateLocked(next task.RunState) {
	if !f.runState.CanMoveTo(next) {
		panic(&task.IllegalStateError{What: "run state", From: f.runState.String(), To: next.String()})
	}
	f.runState = next
}

// markBlocked reports whether the attempt just entered BLOCKED.
func (f *Future) markBlocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runState != task.RunStarting {
		return false
	}
	f.setRunStateLocked(task.RunBlocked)
	return true
}

// markRunning moves a live attempt to RUNNING; false if it was canceled.
func (f *Future) markRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runState == task.RunCanceled || f.completed {
		return false
	}
	f.setRunStateLocked(task.RunRunning)
	return true
}

// attachRun records the interrupt hook of the executing attempt.
func (f *Future) attachRun(cancel context.CancelFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return
	}
	f.runCancel = cancel
}

func (f *Future) String() string {
	return f.name + "[" + f.jobKey + "] " + f.RunState().String()
}
