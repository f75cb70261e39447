package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	"taskcore/internal/task/schedule"
	logx "taskcore/pkg/logx"
)

// body is what a test task does when run.
type body func(ctx context.Context, t *testTask) (any, error)

type testTask struct {
	task.CancelableBase
	cooperative bool
	run         body
}

func (t *testTask) Cancelable() bool { return t.cooperative }

func (t *testTask) Run(ctx context.Context) (any, error) { return t.run(ctx, t) }

// bodies maps task ids to behavior; the zero behavior returns "ok".
type bodies struct {
	mu    sync.Mutex
	m     map[string]body
	coop  map[string]bool
	calls atomic.Int32
}

func (b *bodies) set(id string, fn body, cooperative bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		b.m = map[string]body{}
		b.coop = map[string]bool{}
	}
	b.m[id] = fn
	b.coop[id] = cooperative
}

func (b *bodies) Create(cfg *task.Configuration) (task.Task, error) {
	b.mu.Lock()
	fn := b.m[cfg.ID()]
	coop := b.coop[cfg.ID()]
	b.mu.Unlock()
	if fn == nil {
		fn = func(context.Context, *testTask) (any, error) { return "ok", nil }
	}
	counted := func(ctx context.Context, t *testTask) (any, error) {
		b.calls.Add(1)
		return fn(ctx, t)
	}
	return &testTask{
		CancelableBase: task.CancelableBase{Base: task.NewBase(cfg)},
		cooperative:    coop,
		run:            counted,
	}, nil
}

// fakeSPI is a minimal scheduler: no triggers, jobs fire only when the test
// says so.
type fakeSPI struct {
	t           *testing.T
	bus         eventbus.Bus
	rec         *eventbus.Recorder
	bodies      *bodies
	lock        *BlockingLock
	blockedWait time.Duration

	mu        sync.Mutex
	infos     map[string]*TaskInfo
	listeners map[string]*Listener
	running   map[string]*Executor
	removed   []string

	wg sync.WaitGroup
}

func newFakeSPI(t *testing.T) *fakeSPI {
	t.Helper()
	bus := eventbus.New()
	rec := &eventbus.Recorder{}
	t.Cleanup(rec.Record(bus))
	s := &fakeSPI{
		t:         t,
		bus:       bus,
		rec:       rec,
		bodies:    &bodies{},
		lock:      NewBlockingLock(),
		infos:     map[string]*TaskInfo{},
		listeners: map[string]*Listener{},
		running:   map[string]*Executor{},
	}
	t.Cleanup(func() {
		done := make(chan struct{})
		go func() { s.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("executions still running at cleanup")
		}
	})
	return s
}

func (s *fakeSPI) ListTaskInfos() []*TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TaskInfo, 0, len(s.infos))
	for _, ti := range s.infos {
		out = append(out, ti)
	}
	return out
}

func (s *fakeSPI) CancelJob(key string) bool {
	s.mu.Lock()
	e := s.running[key]
	s.mu.Unlock()
	return e != nil && e.Interrupt() == nil
}

func (s *fakeSPI) RemoveTask(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.infos[key]
	delete(s.infos, key)
	if ok {
		s.removed = append(s.removed, key)
	}
	return ok
}

func (s *fakeSPI) RunNow(source, key string, info *TaskInfo, snap StateSnapshot) error {
	fut := NewFuture(s, key, snap.Configuration.Name(), time.Now(), schedule.Now(), source)
	if !info.StartIfWaiting(snap, fut) {
		return task.ErrAlreadyRunning
	}
	s.fire(key, source)
	return nil
}

// add registers a task of typeID. A Now schedule attaches a future up front,
// the way a scheduler does for immediate runs.
func (s *fakeSPI) add(id, typeID string, sched schedule.Schedule) *TaskInfo {
	cfg := task.NewConfiguration()
	_ = cfg.SetID(id)
	_ = cfg.SetTypeID(typeID)
	cfg.SetName(id)
	cfg.SetEnabled(true)
	var fut *Future
	if sched.Type() == schedule.TypeNow {
		fut = NewFuture(s, id, id, time.Now(), sched, "test")
	}
	ti := NewTaskInfo(s, s.bus, logx.Nop(), StateSnapshot{Configuration: cfg, Schedule: sched}, fut)
	s.mu.Lock()
	s.infos[id] = ti
	s.listeners[id] = NewListener(s, ti, logx.Nop())
	s.mu.Unlock()
	return ti
}

// fire runs one execution of key in the background and returns the
// attempt's future, or nil when the listener refused the attempt.
func (s *fakeSPI) fire(key, source string) *Future {
	s.mu.Lock()
	l := s.listeners[key]
	s.mu.Unlock()
	if l == nil {
		s.t.Fatalf("fire: unknown job %s", key)
	}
	jc := &JobContext{Key: key, TriggerSource: source, FireTime: time.Now()}
	if !l.ToBeExecuted(jc) {
		return nil
	}
	ex := NewExecutor(Deps{SPI: s, Factory: s.bodies, Lock: s.lock, Log: logx.Nop(), BlockedWaitTimeout: s.blockedWait})
	s.mu.Lock()
	s.running[key] = ex
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := ex.Execute(context.Background(), jc)
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
		l.WasExecuted(jc, err)
	}()
	return jc.Future
}

func (s *fakeSPI) wait() { s.wg.Wait() }

// lifecycle returns the started/canceled/stopped events recorded for id.
func (s *fakeSPI) lifecycle(id string) []string {
	var out []string
	for _, e := range s.rec.Events() {
		le, ok := e.Data.(task.LifecycleEvent)
		if !ok || le.TaskID != id {
			continue
		}
		switch e.Type {
		case task.EventStarted, task.EventCanceled, task.EventStoppedDone, task.EventStoppedFailed, task.EventStoppedCanceled:
			out = append(out, e.Type)
		}
	}
	return out
}

func (s *fakeSPI) count(id, kind string) int {
	n := 0
	for _, e := range s.rec.Events() {
		if le, ok := e.Data.(task.LifecycleEvent); ok && le.TaskID == id && e.Type == kind {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// gate is a non-cooperative body that blocks until released or interrupted.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) body(ctx context.Context, _ *testTask) (any, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return "released", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("body never started")
	}
}

func equalKinds(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
