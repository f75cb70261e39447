package engine

import (
	"errors"
	"testing"
	"time"

	"taskcore/internal/task"
	"taskcore/internal/task/schedule"
)

func TestRunningRequiresFuture(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	ti := s.add("t1", "noop", schedule.Manual())

	defer func() {
		if _, ok := recover().(*task.IllegalStateError); !ok {
			t.Fatalf("expected *task.IllegalStateError panic")
		}
		cs := ti.CurrentState()
		if cs.State != task.StateWaiting || cs.Future != nil {
			t.Fatalf("state changed: %+v", cs)
		}
	}()
	ti.SetTaskState(task.StateRunning, ti.Snapshot(), nil)
}

func TestNowTaskStartsRunning(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	ti := s.add("t1", "noop", schedule.Now())
	cs := ti.CurrentState()
	if cs.State != task.StateRunning || cs.Future == nil || cs.RunState != task.RunStarting {
		t.Fatalf("unexpected state %+v", cs)
	}
	// Drain the attached attempt so cleanup doesn't leave it dangling.
	s.fire("t1", "test")
	s.wait()
}

func TestRemoveNeverRunManualTask(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	ti := s.add("t1", "noop", schedule.Manual())

	if !ti.Remove() {
		t.Fatalf("first remove failed")
	}
	if !ti.Remove() {
		t.Fatalf("second remove must report true")
	}
	if n := s.count("t1", task.EventDeleted); n != 1 {
		t.Fatalf("deleted events=%d want 1", n)
	}
	lrs := ti.LastRunState()
	if lrs == nil || lrs.EndState != task.EndCanceled || lrs.RunDuration != 0 {
		t.Fatalf("last run state=%v", lrs)
	}
	if len(s.ListTaskInfos()) != 0 {
		t.Fatalf("task still listed")
	}
	if !ti.IsRemovedOrDone() {
		t.Fatalf("IsRemovedOrDone=false")
	}
}

func TestRemoveKeepsExistingLastRunState(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	ti := s.add("t1", "noop", schedule.Manual())
	started := time.UnixMilli(1_700_000_000_000)
	ti.Snapshot().Configuration.SetLastRunState(task.EndOK, started, time.Second)

	if !ti.Remove() {
		t.Fatalf("remove failed")
	}
	if lrs := ti.LastRunState(); lrs.EndState != task.EndOK || !lrs.RunStarted.Equal(started) {
		t.Fatalf("last run state overwritten: %v", lrs)
	}
}

func TestRemoveRefusedByRunningTask(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	g := newGate()
	ti := s.add("t1", "noop", schedule.Manual())
	s.bodies.set("t1", g.body, false)

	if _, err := ti.RunNow("test"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	g.waitStarted(t)

	if ti.Remove() {
		t.Fatalf("remove of a running non-cooperative task must fail")
	}
	if n := s.count("t1", task.EventDeleted); n != 0 {
		t.Fatalf("deleted events=%d", n)
	}
	close(g.release)
	s.wait()
	if !ti.Remove() {
		t.Fatalf("remove after completion failed")
	}
}

func TestRunNowDisabledReturnsSameInfo(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	ti := s.add("t1", "noop", schedule.Manual())
	ti.Snapshot().Configuration.SetEnabled(false)

	got, err := ti.RunNow("test")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if got != ti {
		t.Fatalf("RunNow returned a different handle")
	}
	if cs := ti.CurrentState(); cs.State != task.StateWaiting || cs.Future != nil {
		t.Fatalf("disabled task started: %+v", cs)
	}
	if s.bodies.calls.Load() != 0 {
		t.Fatalf("body ran")
	}
}

func TestRunNowRemovedAndRunning(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	g := newGate()
	ti := s.add("t1", "noop", schedule.Manual())
	s.bodies.set("t1", g.body, false)

	if _, err := ti.RunNow("first"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	g.waitStarted(t)
	if _, err := ti.RunNow("second"); !errors.Is(err, task.ErrAlreadyRunning) {
		t.Fatalf("err=%v want ErrAlreadyRunning", err)
	}
	if src := ti.Future().TriggerSource(); src != "first" {
		t.Fatalf("trigger source=%q", src)
	}
	close(g.release)
	s.wait()

	if !ti.Remove() {
		t.Fatalf("remove failed")
	}
	_, err := ti.RunNow("third")
	var re *task.RemovedError
	if !errors.As(err, &re) || !errors.Is(err, task.ErrTaskRemoved) || re.ID != "t1" {
		t.Fatalf("err=%v want RemovedError", err)
	}
}

func TestSetTaskStateIfWaiting(t *testing.T) {
	t.Parallel()
	s := newFakeSPI(t)
	g := newGate()
	ti := s.add("t1", "noop", schedule.Manual())
	s.bodies.set("t1", g.body, false)

	next := time.Now().Add(time.Hour)
	snap := ti.Snapshot()
	snap.Schedule = schedule.Once(next)
	snap.NextRun = next
	if !ti.SetTaskStateIfWaiting(snap, nil) {
		t.Fatalf("update of a waiting task refused")
	}
	if cs := ti.CurrentState(); !cs.NextRun.Equal(next) {
		t.Fatalf("next run=%v", cs.NextRun)
	}

	if _, err := ti.RunNow("test"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	g.waitStarted(t)
	if ti.SetTaskStateIfWaiting(StateSnapshot{Configuration: snap.Configuration, Schedule: schedule.Manual()}, nil) {
		t.Fatalf("update of a running task applied")
	}
	if cs := ti.CurrentState(); cs.State != task.StateRunning || cs.Future == nil {
		t.Fatalf("running task clobbered: %+v", cs)
	}
	close(g.release)
	s.wait()

	// Once in the future: the run-now attempt leaves it waiting for its own fire.
	if cs := ti.CurrentState(); cs.State != task.StateWaiting || !cs.NextRun.Equal(next) {
		t.Fatalf("after run: %+v", cs)
	}
}
