package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"taskcore/internal/task"
	"taskcore/internal/task/schedule"
)

func newTestFuture(spi SPI) *Future {
	return NewFuture(spi, "job-1", "job", time.Now(), schedule.Manual(), "test")
}

func TestFutureRunStateNeverMovesBackward(t *testing.T) {
	t.Parallel()

	all := []task.RunState{task.RunStarting, task.RunBlocked, task.RunRunning, task.RunCanceled}
	for _, from := range all {
		for _, to := range all {
			from, to := from, to
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				t.Parallel()
				f := newTestFuture(nil)
				f.mu.Lock()
				f.runState = from
				f.mu.Unlock()

				var got any
				func() {
					defer func() { got = recover() }()
					f.SetRunState(to)
				}()

				if to < from {
					ise, ok := got.(*task.IllegalStateError)
					if !ok {
						t.Fatalf("expected *task.IllegalStateError panic, got %v", got)
					}
					if ise.From != from.String() || ise.To != to.String() {
						t.Fatalf("unexpected error: %v", ise)
					}
					if f.RunState() != from {
						t.Fatalf("state changed to %s after rejected move", f.RunState())
					}
					return
				}
				if got != nil {
					t.Fatalf("unexpected panic: %v", got)
				}
				if f.RunState() != to {
					t.Fatalf("state=%s want %s", f.RunState(), to)
				}
			})
		}
	}
}

func TestFutureCancelWhileStarting(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	f := newTestFuture(s)

	if !f.Cancel(false) {
		t.Fatalf("cancel of a starting attempt must succeed")
	}
	if !f.IsCancelled() || !f.IsDone() {
		t.Fatalf("cancelled=%v done=%v", f.IsCancelled(), f.IsDone())
	}
	_, err := f.GetTimeout(time.Second)
	if err != task.ErrCanceled {
		t.Fatalf("Get err=%v want task.ErrCanceled unwrapped", err)
	}
}

func TestFutureCancelRacesMarkRunning(t *testing.T) {
	t.Parallel()
	for i := 0; i < 2000; i++ {
		f := newTestFuture(nil)
		var canceled, running bool
		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			canceled = f.Cancel(false)
		}()
		go func() {
			defer wg.Done()
			<-start
			running = f.markRunning()
		}()
		close(start)
		wg.Wait()

		if canceled == running {
			t.Fatalf("iteration %d: cancel=%v markRunning=%v, want exactly one", i, canceled, running)
		}
		if canceled && f.RunState() != task.RunCanceled {
			t.Fatalf("iteration %d: canceled but run state=%s", i, f.RunState())
		}
		if running && (f.IsDone() || f.RunState() != task.RunRunning) {
			t.Fatalf("iteration %d: running attempt touched by a failed cancel", i)
		}
	}
}

func TestFutureCancelRunningAttempt(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	f := newTestFuture(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.attachRun(cancel)
	if !f.markRunning() {
		t.Fatalf("markRunning failed")
	}

	if f.Cancel(false) {
		t.Fatalf("non-interrupting cancel of a non-cooperative run must fail")
	}
	if ctx.Err() != nil || f.IsDone() {
		t.Fatalf("failed cancel must not touch the run")
	}

	if !f.Cancel(true) {
		t.Fatalf("interrupting cancel must succeed")
	}
	if ctx.Err() == nil {
		t.Fatalf("run context not canceled")
	}
	if f.RunState() != task.RunCanceled {
		t.Fatalf("run state=%s", f.RunState())
	}
}

func TestFutureCompletesOnce(t *testing.T) {
	t.Parallel()
	f := newTestFuture(nil)
	f.SetResult(nil, io.EOF)
	f.SetResult("late", nil)
	f.DoCancel()

	_, err := f.GetTimeout(time.Second)
	var ee *ExecutionError
	if !errors.As(err, &ee) || !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v want *ExecutionError wrapping io.EOF", err)
	}
	if f.IsCancelled() {
		t.Fatalf("DoCancel after completion must not flip the run state")
	}
}

func TestFutureGetResultAndTimeout(t *testing.T) {
	t.Parallel()
	f := newTestFuture(nil)
	if _, err := f.GetTimeout(10 * time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
	go f.SetResult(42, nil)
	v, err := f.Get(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestFutureInterruptionPassesThrough(t *testing.T) {
	t.Parallel()
	f := newTestFuture(nil)
	f.SetResult(nil, ErrBlockedTimeout)
	_, err := f.GetTimeout(time.Second)
	if err != ErrBlockedTimeout || !errors.Is(err, task.ErrTaskInterrupted) {
		t.Fatalf("err=%v", err)
	}
}
