package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Task is one materialized unit of work.
//
// Run is called once per attempt with a context that is canceled when the
// attempt is interrupted. A task that also observes Cancel is cooperative:
// Cancelable reports true and Run returns ErrTaskInterrupted once it stops.
type Task interface {
	Configuration() *Configuration
	Run(ctx context.Context) (any, error)
	Cancelable() bool
	Cancel()
}

// Base is embedded by non-cooperative tasks.
type Base struct {
	cfg *Configuration
}

func NewBase(cfg *Configuration) Base { return Base{cfg: cfg} }

func (b *Base) Configuration() *Configuration { return b.cfg }
func (b *Base) Cancelable() bool              { return false }
func (b *Base) Cancel()                       {}

// CancelableBase is embedded by tasks that poll for cancellation:
//
//	t := &myTask{CancelableBase: task.CancelableBase{Base: task.NewBase(cfg)}}
type CancelableBase struct {
	Base
	canceled atomic.Bool
}

func (b *CancelableBase) Cancelable() bool { return true }
func (b *CancelableBase) Cancel()          { b.canceled.Store(true) }
func (b *CancelableBase) IsCanceled() bool { return b.canceled.Load() }

// CheckCanceled returns ErrTaskInterrupted once Cancel has been called.
func (b *CancelableBase) CheckCanceled() error {
	if b.canceled.Load() {
		return ErrTaskInterrupted
	}
	return nil
}

// Factory materializes a task from its configuration.
type Factory interface {
	Create(cfg *Configuration) (Task, error)
}

// Constructor builds one task type.
type Constructor func(cfg *Configuration) (Task, error)

// Descriptor describes a task type.
type Descriptor struct {
	TypeID string
	Name   string
	// Defaults are applied to new configurations of this type.
	Defaults map[string]string
	// Validate checks type-specific params; nil accepts everything.
	Validate func(cfg *Configuration) error
	New      Constructor
}

// Registry maps type ids to descriptors and implements Factory.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{types: map[string]Descriptor{}}
}

func (r *Registry) Register(d Descriptor) error {
	id := strings.TrimSpace(d.TypeID)
	if id == "" {
		return fmt.Errorf("register task type: empty type id")
	}
	if d.New == nil {
		return fmt.Errorf("register task type %q: nil constructor", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[id]; dup {
		return fmt.Errorf("register task type %q: already registered", id)
	}
	d.TypeID = id
	r.types[id] = d
	return nil
}

// MustRegister panics on error. For use at wiring time.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

func (r *Registry) Descriptor(typeID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[typeID]
	return d, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for id := range r.types {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NewConfiguration returns a fresh configuration for typeID with a new id,
// the type's display name and defaults.
func (r *Registry) NewConfiguration(typeID string) (*Configuration, error) {
	d, ok := r.Descriptor(typeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeID)
	}
	cfg := ConfigurationFromMap(d.Defaults)
	_ = cfg.SetID(NewID())
	_ = cfg.SetTypeID(d.TypeID)
	if d.Name != "" {
		cfg.SetName(d.Name)
	}
	cfg.SetEnabled(true)
	return cfg, nil
}

// Check validates cfg against its type.
func (r *Registry) Check(cfg *Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d, ok := r.Descriptor(cfg.TypeID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, cfg.TypeID())
	}
	if d.Validate != nil {
		if err := d.Validate(cfg); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Create builds a task over a private copy of cfg, so a body's mutations
// don't leak until they are persisted.
func (r *Registry) Create(cfg *Configuration) (Task, error) {
	d, ok := r.Descriptor(cfg.TypeID())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.TypeID())
	}
	t, err := d.New(cfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", d.TypeID, err)
	}
	return t, nil
}
