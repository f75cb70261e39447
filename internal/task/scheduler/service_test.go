package scheduler

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/schedule"
	"taskcore/internal/tasks/sleeper"
)

func TestSameTypeTasksRunOneAtATime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	h.start()

	h.add("s1", sleeper.TypeID, schedule.Now(), map[string]string{sleeper.KeyDuration: "200ms"})
	h.add("s2", sleeper.TypeID, schedule.Now(), map[string]string{sleeper.KeyDuration: "200ms"})

	eventually(t, "both sleepers done", func() bool { return len(h.s.ListTasks()) == 0 })

	running := map[string]bool{}
	blocked := 0
	for _, e := range h.rec.Events() {
		le, ok := e.Data.(task.LifecycleEvent)
		if !ok {
			continue
		}
		switch e.Type {
		case task.EventStartedRunning:
			if len(running) > 0 {
				t.Fatalf("%s started running while %v was running", le.TaskID, running)
			}
			running[le.TaskID] = true
		case task.EventStoppedDone, task.EventStoppedFailed, task.EventStoppedCanceled:
			delete(running, le.TaskID)
		case task.EventBlocked:
			blocked++
		}
	}
	if blocked != 1 {
		t.Fatalf("blocked events=%d want 1", blocked)
	}
	for _, id := range []string{"s1", "s2"} {
		if got := h.lifecycle(id); !equalKinds(got, []string{task.EventStarted, task.EventStoppedDone}) {
			t.Fatalf("%s lifecycle=%v", id, got)
		}
	}
	if n := h.s.ExecutedTaskCount(); n != 2 {
		t.Fatalf("executed=%d want 2", n)
	}
	if recs, _ := h.store.ListJobs(context.Background()); len(recs) != 0 {
		t.Fatalf("finished now-tasks still stored: %v", recs)
	}
}

func TestFailedRunReportsCause(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	h.start()
	info := h.add("f1", sleeper.TypeID, schedule.Manual(), map[string]string{sleeper.KeyDuration: "0s", sleeper.KeyFail: "boom"})

	if _, err := info.RunNow("test"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	le := h.waitEvent("f1", task.EventStoppedFailed)
	if le.Cause == nil || le.Cause.Error() != "boom" {
		t.Fatalf("cause=%v want boom", le.Cause)
	}
	eventually(t, "back to waiting", func() bool { return info.CurrentState().State == task.StateWaiting })
	if lrs := info.LastRunState(); lrs == nil || lrs.EndState != task.EndFailed {
		t.Fatalf("last run state=%v", lrs)
	}
	if got := h.lifecycle("f1"); !equalKinds(got, []string{task.EventStarted, task.EventStoppedFailed}) {
		t.Fatalf("lifecycle=%v", got)
	}

	// The outcome is persisted without the in-flight marker.
	eventually(t, "persisted outcome", func() bool {
		rec, ok, _ := h.store.GetJob(context.Background(), "f1")
		return ok && rec[task.KeyLastRunEndState] == string(task.EndFailed) && rec[task.KeyRunning] == ""
	})
}

func TestCancelInterruptOrdering(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	h.start()
	info := h.add("g1", gateType, schedule.Manual(), nil)

	if _, err := info.RunNow("test"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	h.gate("g1").waitStarted(t)

	if h.s.Cancel("g1", false) {
		t.Fatalf("non-interrupting cancel of a non-cooperative task must fail")
	}
	if !h.s.Cancel("g1", true) {
		t.Fatalf("interrupting cancel failed")
	}
	h.waitEvent("g1", task.EventStoppedCanceled)
	eventually(t, "back to waiting", func() bool { return info.CurrentState().State == task.StateWaiting })

	want := []string{task.EventStarted, task.EventCanceled, task.EventStoppedCanceled}
	if got := h.lifecycle("g1"); !equalKinds(got, want) {
		t.Fatalf("lifecycle=%v want %v", got, want)
	}
	if lrs := info.LastRunState(); lrs == nil || lrs.EndState != task.EndCanceled {
		t.Fatalf("last run state=%v", lrs)
	}
}

func TestCancelBeforeStartSkipsBody(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	info := h.add("g1", gateType, schedule.Now(), nil)
	if cs := info.CurrentState(); cs.State != task.StateRunning || cs.RunState != task.RunStarting {
		t.Fatalf("unexpected state %+v", cs)
	}
	if !h.s.Cancel("g1", false) {
		t.Fatalf("cancel of a starting attempt failed")
	}
	h.start()

	eventually(t, "task done", func() bool { return info.CurrentState().State == task.StateDone })
	want := []string{task.EventStarted, task.EventCanceled, task.EventStoppedCanceled}
	if got := h.lifecycle("g1"); !equalKinds(got, want) {
		t.Fatalf("lifecycle=%v want %v", got, want)
	}
	if n := h.gate("g1").calls.Load(); n != 0 {
		t.Fatalf("body ran %d times", n)
	}
}

func TestRemoveWhileWaitingForWorker(t *testing.T) {
	t.Parallel()
	h := newHarnessConfig(t, storage.NewMemory(), Config{Enabled: true, Workers: 1, BlockedWaitTimeout: 5 * time.Second})
	h.start()

	x := h.add("x", gateType, schedule.Manual(), nil)
	if _, err := x.RunNow("test"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	h.gate("x").waitStarted(t)

	// y's trigger fires and queues behind x for the only worker.
	y := h.add("y", gateType, schedule.Now(), nil)
	time.Sleep(100 * time.Millisecond)
	if !y.Remove() {
		t.Fatalf("remove of a starting attempt failed")
	}
	if _, ok := h.s.GetTaskByID("y"); ok {
		t.Fatalf("removed task still listed")
	}

	close(h.gate("x").release)
	h.waitEvent("x", task.EventStoppedDone)

	// A later task on the same worker runs only after y's slot was given back.
	h.add("z", sleeper.TypeID, schedule.Now(), map[string]string{sleeper.KeyDuration: "0s"})
	h.waitEvent("z", task.EventStoppedDone)

	if n := h.gate("y").calls.Load(); n != 0 {
		t.Fatalf("removed task body ran %d times", n)
	}
	if got := h.events("y", task.EventStarted); len(got) != 0 {
		t.Fatalf("removed task posted started: %v", got)
	}
	if n := h.s.ExecutedTaskCount(); n != 2 {
		t.Fatalf("executed=%d want 2", n)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	h.start()
	info := h.add("m1", sleeper.TypeID, schedule.Manual(), nil)

	if _, ok, _ := h.store.GetJob(context.Background(), "m1"); !ok {
		t.Fatalf("task not persisted")
	}
	if !info.Remove() || !info.Remove() {
		t.Fatalf("remove must report true twice")
	}
	if n := len(h.events("m1", task.EventDeleted)); n != 1 {
		t.Fatalf("deleted events=%d want 1", n)
	}
	if _, ok, _ := h.store.GetJob(context.Background(), "m1"); ok {
		t.Fatalf("record left in the store")
	}
	if _, ok := h.s.GetTaskByID("m1"); ok {
		t.Fatalf("task still listed")
	}
	if _, err := info.RunNow("test"); !errors.Is(err, task.ErrTaskRemoved) {
		t.Fatalf("RunNow after remove: %v", err)
	}
}

func TestRunNowOnDisabledTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	h.start()
	cfg := newConfig("d1", sleeper.TypeID, nil)
	cfg.SetEnabled(false)
	info, err := h.s.ScheduleTask(cfg, schedule.Manual())
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	got, err := info.RunNow("test")
	if err != nil || got != info {
		t.Fatalf("RunNow=%v, %v", got, err)
	}
	if cs := info.CurrentState(); cs.State != task.StateWaiting || cs.Future != nil {
		t.Fatalf("disabled task started: %+v", cs)
	}
}

func TestRunNowRequiresActiveScheduler(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	info := h.add("m1", sleeper.TypeID, schedule.Manual(), nil)

	if _, err := info.RunNow("test"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err=%v want ErrNotStarted", err)
	}
	h.start()
	h.s.Pause()
	if _, err := info.RunNow("test"); !errors.Is(err, ErrPaused) {
		t.Fatalf("err=%v want ErrPaused", err)
	}
	if cs := info.CurrentState(); cs.State != task.StateWaiting {
		t.Fatalf("state=%s", cs.State)
	}
}

func TestPausedOneShotFiresOnResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	h.start()
	h.s.Pause()
	info := h.add("n1", sleeper.TypeID, schedule.Now(), map[string]string{sleeper.KeyDuration: "0s"})

	time.Sleep(50 * time.Millisecond)
	if n := len(h.events("n1", task.EventStarted)); n != 0 {
		t.Fatalf("paused scheduler started the task")
	}
	if !h.s.Snapshot().Paused {
		t.Fatalf("snapshot not paused")
	}
	h.s.Resume()
	eventually(t, "task done", func() bool { return info.CurrentState().State == task.StateDone })
	if got := h.lifecycle("n1"); !equalKinds(got, []string{task.EventStarted, task.EventStoppedDone}) {
		t.Fatalf("lifecycle=%v", got)
	}
}

func TestRescheduleRules(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())

	// Pending immediate task.
	h.add("now", sleeper.TypeID, schedule.Now(), nil)
	if _, err := h.s.ScheduleTask(newConfig("now", sleeper.TypeID, nil), schedule.Manual()); !errors.Is(err, ErrRescheduleNow) {
		t.Fatalf("err=%v want ErrRescheduleNow", err)
	}
	h.s.Cancel("now", false)

	h.start()
	info := h.add("g1", gateType, schedule.Manual(), nil)
	if _, err := info.RunNow("test"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	h.gate("g1").waitStarted(t)

	if _, err := h.s.ScheduleTask(newConfig("g1", gateType, nil), schedule.Now()); !errors.Is(err, ErrRescheduleNow) {
		t.Fatalf("err=%v want ErrRescheduleNow", err)
	}
	daily := schedule.MustRecurring("0 3 * * *")
	if _, err := h.s.ScheduleTask(newConfig("g1", gateType, map[string]string{"note": "v2"}), daily); err != nil {
		t.Fatalf("reschedule running task: %v", err)
	}
	if s := info.Schedule(); s.Type() != schedule.TypeManual {
		t.Fatalf("running task rescheduled early: %s", s)
	}

	close(h.gate("g1").release)
	eventually(t, "new schedule applied", func() bool {
		cs := info.CurrentState()
		return cs.State == task.StateWaiting && info.Schedule().Type() == schedule.TypeRecurring && !cs.NextRun.IsZero()
	})
	if v := info.Configuration().Get("note"); v != "v2" {
		t.Fatalf("pending configuration not applied: %q", v)
	}

	// Immutable keys are rejected.
	if _, err := h.s.ScheduleTask(newConfig("g1", sleeper.TypeID, nil), daily); !errors.Is(err, task.ErrImmutableKey) {
		t.Fatalf("err=%v want ErrImmutableKey", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	h := newHarness(t, store)
	h.start()
	every := schedule.MustRecurring("@every 1h")
	h.add("r1", sleeper.TypeID, every, map[string]string{sleeper.KeyDuration: "5s", "owner": "ops"})
	h.add("m1", gateType, schedule.Manual(), nil)
	h.stop()

	if _, ok, _ := store.GetMeta(context.Background(), storage.MetaLastShutdown); !ok {
		t.Fatalf("shutdown time not recorded")
	}

	h2 := newHarness(t, store)
	h2.start()
	infos := h2.s.ListTasks()
	if len(infos) != 2 || infos[0].ID() != "m1" || infos[1].ID() != "r1" {
		t.Fatalf("restored tasks=%v", infos)
	}
	r1 := infos[1]
	if !r1.Schedule().Equal(every) {
		t.Fatalf("schedule=%s", r1.Schedule())
	}
	cfg := r1.Configuration()
	if cfg.Get("owner") != "ops" || cfg.Get(sleeper.KeyDuration) != "5s" || cfg.Name() != "r1" {
		t.Fatalf("configuration=%s", cfg)
	}
	if cs := r1.CurrentState(); cs.State != task.StateWaiting || cs.NextRun.IsZero() {
		t.Fatalf("state=%+v", cs)
	}
}

func TestRestartRecovery(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	runStarted := time.UnixMilli(1_700_000_000_000)
	shutdown := runStarted.Add(5 * time.Second)

	record := func(id string, extra map[string]string) {
		rec := storage.Record{
			task.KeyID:          id,
			task.KeyTypeID:      sleeper.TypeID,
			task.KeyName:        id,
			task.KeyEnabled:     "true",
			sleeper.KeyDuration: "0s",
			schedule.KeyType:    string(schedule.TypeManual),
			task.KeyRunning:     strconv.FormatInt(runStarted.UnixMilli(), 10),
		}
		for k, v := range extra {
			rec[k] = v
		}
		if err := store.PutJob(ctx, id, rec); err != nil {
			t.Fatalf("PutJob: %v", err)
		}
	}
	record("plain", nil)
	record("again", map[string]string{task.KeyRecoverable: "true"})
	record("once", map[string]string{schedule.KeyType: string(schedule.TypeOnce), schedule.KeyStartAt: runStarted.Format(time.RFC3339Nano)})
	if err := store.PutMeta(ctx, storage.MetaLastShutdown, strconv.FormatInt(shutdown.UnixMilli(), 10)); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}

	h := newHarness(t, store)
	h.start()

	plain, ok := h.s.GetTaskByID("plain")
	if !ok {
		t.Fatalf("plain not restored")
	}
	lrs := plain.LastRunState()
	if lrs == nil || lrs.EndState != task.EndInterrupted || lrs.RunDuration != 5*time.Second || !lrs.RunStarted.Equal(runStarted) {
		t.Fatalf("plain last run state=%v", lrs)
	}
	if plain.CurrentState().State != task.StateWaiting {
		t.Fatalf("plain must stay waiting")
	}
	rec, _, _ := store.GetJob(ctx, "plain")
	if rec[task.KeyRunning] != "" || rec[task.KeyLastRunEndState] != string(task.EndInterrupted) {
		t.Fatalf("stored record=%v", rec)
	}

	// The interrupted one-shot is finished, not re-run.
	if _, ok := h.s.GetTaskByID("once"); ok {
		t.Fatalf("interrupted one-shot restored")
	}
	if _, ok, _ := store.GetJob(ctx, "once"); ok {
		t.Fatalf("interrupted one-shot still stored")
	}

	// The recoverable task is fired once.
	again, _ := h.s.GetTaskByID("again")
	eventually(t, "recovery run", func() bool {
		l := again.LastRunState()
		return l != nil && l.EndState == task.EndOK && again.CurrentState().State == task.StateWaiting
	})
	if n := again.Configuration().Int64(sleeper.KeyRuns, 0); n != 1 {
		t.Fatalf("recovery runs=%d want 1", n)
	}
	if n := len(h.events("plain", task.EventStarted)); n != 0 {
		t.Fatalf("non-recoverable task re-run")
	}
}

func TestStoredNowTaskRefires(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	rec := storage.Record{
		task.KeyID:          "n1",
		task.KeyTypeID:      sleeper.TypeID,
		task.KeyName:        "n1",
		sleeper.KeyDuration: "0s",
		schedule.KeyType:    string(schedule.TypeNow),
		schedule.KeyStartAt: time.Now().Add(-time.Hour).Format(time.RFC3339Nano),
	}
	if err := store.PutJob(context.Background(), "n1", rec); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	h := newHarness(t, store)
	sources := make(chan string, 4)
	unsub := h.bus.SubscribeFunc(func(e eventbus.Event) {
		if le, ok := e.Data.(task.LifecycleEvent); ok && e.Type == task.EventStarted {
			if info, ok := le.Info.(*engine.TaskInfo); ok && info.Future() != nil {
				sources <- info.Future().TriggerSource()
			}
		}
	})
	defer unsub()
	h.start()

	h.waitEvent("n1", task.EventStoppedDone)
	eventually(t, "record removed", func() bool {
		_, ok, _ := store.GetJob(context.Background(), "n1")
		return !ok
	})
	if source := <-sources; source != RecoverySource {
		t.Fatalf("trigger source=%q want %q", source, RecoverySource)
	}
}

func TestFindAndSubmit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	h.start()
	h.add("x", sleeper.TypeID, schedule.Manual(), map[string]string{sleeper.KeyDuration: "0s", "repo": "libs"})
	y := h.add("y", sleeper.TypeID, schedule.Manual(), map[string]string{sleeper.KeyDuration: "0s", "repo": "apps"})

	found := h.s.GetTaskByTypeID(sleeper.TypeID, map[string]string{"repo": "apps"})
	if len(found) != 1 || found[0] != y {
		t.Fatalf("GetTaskByTypeID=%v", found)
	}
	if n := len(h.s.GetTaskByTypeID(sleeper.TypeID, nil)); n != 2 {
		t.Fatalf("all sleepers=%d", n)
	}
	if h.s.FindAndSubmit(sleeper.TypeID, map[string]string{"repo": "nope"}) {
		t.Fatalf("FindAndSubmit found a missing task")
	}
	if !h.s.FindAndSubmit(sleeper.TypeID, map[string]string{"repo": "apps"}) {
		t.Fatalf("FindAndSubmit missed")
	}
	eventually(t, "submitted run", func() bool {
		l := y.LastRunState()
		return l != nil && l.EndState == task.EndOK
	})
	if n := len(h.events("x", task.EventStarted)); n != 0 {
		t.Fatalf("wrong task ran")
	}
}

func TestRecurringTaskFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	h.start()
	info := h.add("r1", sleeper.TypeID, schedule.MustRecurring("@every 1s"), map[string]string{sleeper.KeyDuration: "0s"})

	h.waitEvent("r1", task.EventStoppedDone)
	eventually(t, "waiting again", func() bool {
		cs := info.CurrentState()
		return cs.State == task.StateWaiting && cs.NextRun.After(time.Now().Add(-time.Second))
	})
	if h.s.ExecutedTaskCount() < 1 {
		t.Fatalf("executed count not updated")
	}
	if snap := h.s.Snapshot(); len(snap.Tasks) != 1 || snap.Tasks[0].ID != "r1" || !snap.Started {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.NewMemory())
	if _, err := h.s.ScheduleTask(newConfig("u1", "nope", nil), schedule.Manual()); !errors.Is(err, task.ErrUnknownType) {
		t.Fatalf("err=%v want ErrUnknownType", err)
	}
	if _, err := h.s.CreateTaskConfiguration("nope"); !errors.Is(err, task.ErrUnknownType) {
		t.Fatalf("err=%v want ErrUnknownType", err)
	}
	cfg, err := h.s.CreateTaskConfiguration(sleeper.TypeID)
	if err != nil || cfg.ID() == "" || cfg.Get(sleeper.KeyDuration) == "" {
		t.Fatalf("CreateTaskConfiguration=%v, %v", cfg, err)
	}
}
