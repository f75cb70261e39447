package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// DefaultBlockedWaitTimeout caps the wait on each individual blocker.
const DefaultBlockedWaitTimeout = time.Minute

// BlockingLock serializes the same-type scan and the RUNNING assignment
// across all executors of one scheduler. It is never held while waiting.
type BlockingLock struct {
	mu sync.Mutex
}

func NewBlockingLock() *BlockingLock { return &BlockingLock{} }

// blockersOf returns the live attempts that keep info from starting: other
// tasks of the same type whose future is RUNNING and not yet completed.
// Caller holds the BlockingLock.
func (e *Executor) blockersOf(info *TaskInfo) []*Future {
	var out []*Future
	for _, other := range e.spi.ListTaskInfos() {
		if other == nil || other == info || other.ID() == info.ID() || other.TypeID() != info.TypeID() {
			continue
		}
		cs := other.CurrentState()
		if cs.State != task.StateRunning || cs.Future == nil {
			continue
		}
		if cs.RunState == task.RunRunning && !cs.Future.IsDone() {
			out = append(out, cs.Future)
		}
	}
	return out
}

// awaitTurn runs the blocking protocol. It returns nil once fut has been
// moved to RUNNING, or the reason the attempt must not run.
func (e *Executor) awaitTurn(ctx context.Context, info *TaskInfo, fut *Future, log logx.Logger) error {
	for {
		if fut.IsCancelled() {
			return task.ErrCanceled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		e.lock.mu.Lock()
		blockers := e.blockersOf(info)
		if len(blockers) == 0 {
			ok := fut.markRunning()
			e.lock.mu.Unlock()
			if !ok {
				return task.ErrCanceled
			}
			return nil
		}
		entered := fut.markBlocked()
		e.lock.mu.Unlock()

		if entered {
			log.Info("task blocked", logx.Int("blockers", len(blockers)), logx.String("by", blockers[0].JobKey()))
			info.Post(task.EventBlocked, nil)
		}
		for _, b := range blockers {
			if err := e.waitFor(ctx, fut, b); err != nil {
				return err
			}
		}
	}
}

func (e *Executor) waitFor(ctx context.Context, fut, blocker *Future) error {
	t := time.NewTimer(e.blockedWait)
	defer t.Stop()
	select {
	case <-blocker.Done():
		return nil
	case <-fut.Done():
		return task.ErrCanceled
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("%w: %s waited %s on %s", ErrBlockedTimeout, fut.JobKey(), e.blockedWait, blocker.JobKey())
	}
}
