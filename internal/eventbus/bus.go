package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST NOT block on channel subscribers.
//   - Channel subscribers MUST use buffered channels and may drop events.
//   - Handler subscribers run inline, in publish order, on the publisher's goroutine.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Handler receives events synchronously. It must return quickly.
type Handler func(e Event)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	SubscribeFunc(h Handler) (unsubscribe func())
}

// Stats is implemented by the default bus.
type Stats interface {
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}, handlers: map[uint64]Handler{}}
}

type memBus struct {
	mu       sync.RWMutex
	subs     map[uint64]chan Event
	handlers map[uint64]Handler
	seq      atomic.Uint64
	dropped  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	hs := make([]orderedHandler, 0, len(b.handlers))
	for id, h := range b.handlers {
		hs = append(hs, orderedHandler{id: id, h: h})
	}
	b.mu.RUnlock()

	sortHandlers(hs)
	for _, oh := range hs {
		func() {
			// A panicking handler must not take the publisher down with it.
			defer func() { _ = recover() }()
			oh.h(e)
		}()
	}

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) SubscribeFunc(h Handler) func() {
	if h == nil {
		return func() {}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type orderedHandler struct {
	id uint64
	h  Handler
}

// sortHandlers keeps registration order; the set is tiny so insertion sort is fine.
func sortHandlers(hs []orderedHandler) {
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && hs[j].id < hs[j-1].id; j-- {
			hs[j], hs[j-1] = hs[j-1], hs[j]
		}
	}
}

// Recorder collects events synchronously. Handy for tests and debug dumps.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record attaches r to bus and returns the unsubscribe func.
func (r *Recorder) Record(bus Bus) func() {
	return bus.SubscribeFunc(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
}

// Events returns a copy of what was recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
