package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRespectsLimit(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithLimit(2))
	defer s.Stop(context.Background())

	var running, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_ = s.Submit(context.Background(), "job", func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				return nil
			})
		}()
	}

	time.Sleep(100 * time.Millisecond)
	if got := peak.Load(); got != 2 {
		t.Fatalf("peak=%d want 2", got)
	}
	if c := s.Counters(); c.Limit != 2 || c.InUse != 2 {
		t.Fatalf("counters=%+v", c)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for s.Counters().Started < 5 {
		if ctx.Err() != nil {
			t.Fatalf("not all jobs ran: %+v", s.Counters())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitHonorsCallerContext(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithLimit(1))
	defer s.Stop(context.Background())

	block := make(chan struct{})
	defer close(block)
	if err := s.Submit(context.Background(), "hold", func(ctx context.Context) error { <-block; return nil }); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, "wait", func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	_ = s.Stop(context.Background())
	if err := s.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}

func TestPanicIsRecordedAndContained(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatalf("expected first error from panic")
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("restart loop did not converge, calls=%d", calls.Load())
	}
	_ = s.Stop(context.Background())
	if calls.Load() != 3 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestGoRestartNeverGivesUp(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	var calls atomic.Int32
	s.GoRestart("watch", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("watch failed")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("restart loop stalled, calls=%d", calls.Load())
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("restart failures must not fail the supervisor: %v", err)
	}
	if s.Context().Err() != nil {
		t.Fatalf("supervisor canceled by a restarting task")
	}
	_ = s.Stop(context.Background())
}

func TestSetLimit(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithLimit(1))
	defer s.Stop(context.Background())
	s.SetLimit(3)
	if c := s.Counters(); c.Limit != 3 {
		t.Fatalf("limit=%d", c.Limit)
	}
	s.SetLimit(0)
	if c := s.Counters(); c.Limit != 0 {
		t.Fatalf("limit=%d", c.Limit)
	}
}
