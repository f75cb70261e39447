package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/schedule"
	"taskcore/internal/tasks/sleeper"
)

const gateType = "gate"

// gate backs the non-cooperative "gate" task type: a run blocks until the
// test releases it or its context is canceled.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("gate never started")
	}
}

type gateTask struct {
	task.Base
	g *gate
}

func (t *gateTask) Run(ctx context.Context) (any, error) {
	t.g.calls.Add(1)
	t.g.once.Do(func() { close(t.g.started) })
	select {
	case <-t.g.release:
		return "released", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type harness struct {
	t     *testing.T
	s     *Service
	store storage.Store
	bus   eventbus.Bus
	rec   *eventbus.Recorder

	mu    sync.Mutex
	gates map[string]*gate
}

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	return newHarnessConfig(t, store, Config{Enabled: true, Workers: 4, BlockedWaitTimeout: 5 * time.Second})
}

func newHarnessConfig(t *testing.T, store storage.Store, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, store: store, bus: eventbus.New(), rec: &eventbus.Recorder{}, gates: map[string]*gate{}}
	t.Cleanup(h.rec.Record(h.bus))

	reg := task.NewRegistry()
	reg.MustRegister(sleeper.Descriptor())
	reg.MustRegister(task.Descriptor{
		TypeID: gateType,
		New: func(cfg *task.Configuration) (task.Task, error) {
			return &gateTask{Base: task.NewBase(cfg), g: h.gate(cfg.ID())}, nil
		},
	})
	h.s = New(cfg, Deps{
		Store:    store,
		Bus:      h.bus,
		Registry: reg,
	})
	return h
}

func (h *harness) gate(id string) *gate {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.gates[id]
	if !ok {
		g = newGate()
		h.gates[id] = g
	}
	return g
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.s.Stop(ctx)
	})
}

func (h *harness) stop() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.s.Stop(ctx); err != nil {
		h.t.Fatalf("Stop: %v", err)
	}
}

func (h *harness) add(id, typeID string, sched schedule.Schedule, params map[string]string) *engine.TaskInfo {
	h.t.Helper()
	info, err := h.s.ScheduleTask(newConfig(id, typeID, params), sched)
	if err != nil {
		h.t.Fatalf("ScheduleTask %s: %v", id, err)
	}
	return info
}

func newConfig(id, typeID string, params map[string]string) *task.Configuration {
	cfg := task.NewConfiguration()
	_ = cfg.SetID(id)
	_ = cfg.SetTypeID(typeID)
	cfg.SetName(id)
	cfg.SetEnabled(true)
	for k, v := range params {
		cfg.SetString(k, v)
	}
	return cfg
}

// lifecycle returns the started/canceled/stopped events recorded for id.
func (h *harness) lifecycle(id string) []string {
	var out []string
	for _, e := range h.rec.Events() {
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

func (h *harness) events(id, kind string) []task.LifecycleEvent {
	var out []task.LifecycleEvent
	for _, e := range h.rec.Events() {
		if le, ok := e.Data.(task.LifecycleEvent); ok && le.TaskID == id && e.Type == kind {
			out = append(out, le)
		}
	}
	return out
}

func (h *harness) waitEvent(id, kind string) task.LifecycleEvent {
	h.t.Helper()
	var got []task.LifecycleEvent
	eventually(h.t, id+" "+kind, func() bool {
		got = h.events(id, kind)
		return len(got) > 0
	})
	return got[0]
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
