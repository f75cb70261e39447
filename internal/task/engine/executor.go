package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// Deps wires an Executor. Lock must be shared by every executor of one
// scheduler.
type Deps struct {
	SPI     SPI
	Factory task.Factory
	Lock    *BlockingLock
	Log     logx.Logger

	// BlockedWaitTimeout caps the wait on each blocker. 0 means
	// DefaultBlockedWaitTimeout.
	BlockedWaitTimeout time.Duration
}

// Executor runs one fired job: it materializes the task, applies the
// blocking protocol, runs the body and completes the future. Create one per
// execution.
type Executor struct {
	spi         SPI
	factory     task.Factory
	lock        *BlockingLock
	log         logx.Logger
	blockedWait time.Duration

	mu   sync.Mutex
	jc   *JobContext
	task task.Task
}

func NewExecutor(d Deps) *Executor {
	if d.Lock == nil {
		d.Lock = NewBlockingLock()
	}
	if d.BlockedWaitTimeout <= 0 {
		d.BlockedWaitTimeout = DefaultBlockedWaitTimeout
	}
	return &Executor{
		spi:         d.SPI,
		factory:     d.Factory,
		lock:        d.Lock,
		log:         d.Log,
		blockedWait: d.BlockedWaitTimeout,
	}
}

// Execute runs the attempt described by jc. Cancellation is handled here and
// reported through the future and the bus; only genuine failures are
// returned.
func (e *Executor) Execute(ctx context.Context, jc *JobContext) (err error) {
	if jc == nil || jc.Info == nil {
		return ErrNoTaskInfo
	}
	info := jc.Info
	fut := jc.Future
	if fut == nil {
		fut = info.Future()
	}
	if fut == nil {
		return fmt.Errorf("%w: %s", ErrNoFuture, info.ID())
	}
	jc.Future = fut

	snap := info.Snapshot()
	log := e.log.With(logx.String("task", snap.Configuration.Name()), logx.String("task_id", info.ID()), logx.String("trigger", fut.TriggerSource()))

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if d := snap.Configuration.Duration(task.KeyTimeout, 0); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	fut.attachRun(cancel)

	e.mu.Lock()
	e.jc = jc
	e.mu.Unlock()
	jc.setExecutor(e)
	defer func() {
		jc.setExecutor(nil)
		e.mu.Lock()
		e.jc = nil
		e.task = nil
		e.mu.Unlock()
	}()

	if fut.IsCancelled() {
		log.Info("task canceled before start")
		e.finishCanceled(info, fut)
		return nil
	}

	t, err := e.factory.Create(snap.Configuration)
	if err != nil {
		log.Error("task create failed", logx.Err(err))
		fut.SetResult(nil, err)
		return err
	}
	e.mu.Lock()
	e.task = t
	e.mu.Unlock()

	if err := e.awaitTurn(runCtx, info, fut, log); err != nil {
		switch {
		case errors.Is(err, ErrBlockedTimeout):
			log.Warn("task gave up waiting on blockers", logx.Err(err))
		case errors.Is(err, task.ErrCanceled):
			log.Info("task canceled while blocked")
		default:
			log.Info("task interrupted while blocked", logx.Err(err))
		}
		e.finishCanceled(info, fut)
		return nil
	}

	log.Debug("task running")
	info.Post(task.EventStartedRunning, nil)

	result, runErr := e.runBody(runCtx, t, log)
	switch {
	case runErr == nil:
		jc.Result = result
		jc.Data = t.Configuration().AsMap()
		fut.SetResult(result, nil)
		return nil
	case errors.Is(runErr, task.ErrTaskInterrupted):
		log.Info("task canceled")
		e.finishCanceled(info, fut)
		return nil
	case errors.Is(runErr, context.Canceled) && runCtx.Err() != nil:
		log.Warn("task interrupted", logx.Err(runErr))
		e.finishCanceled(info, fut)
		return nil
	default:
		fut.SetResult(nil, runErr)
		return runErr
	}
}

func (e *Executor) runBody(ctx context.Context, t task.Task, log logx.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}

func (e *Executor) finishCanceled(info *TaskInfo, fut *Future) {
	fut.DoCancel()
	info.Post(task.EventCanceled, nil)
}

// Interrupt asks the running task to stop. Only cooperative tasks can be
// interrupted this way.
func (e *Executor) Interrupt() error {
	e.mu.Lock()
	t := e.task
	e.mu.Unlock()
	if t == nil || !t.Cancelable() {
		return ErrUnableToInterrupt
	}
	t.Cancel()
	return nil
}
