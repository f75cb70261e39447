// Package sleeper is a task type that waits for a while. It is used to
// exercise the scheduler and as a placeholder in demo configs.
package sleeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskcore/internal/task"
)

const TypeID = "sleeper"

const (
	KeyDuration = "sleeper.duration"
	// KeyFail makes the run fail with this message after sleeping.
	KeyFail = "sleeper.fail"
	// KeyRuns counts completed runs; it is persisted with the task.
	KeyRuns = "sleeper.runs"
)

const DefaultDuration = time.Second

func Descriptor() task.Descriptor {
	return task.Descriptor{
		TypeID:   TypeID,
		Name:     "Sleeper",
		Defaults: map[string]string{KeyDuration: DefaultDuration.String()},
		Validate: validate,
		New:      New,
	}
}

func validate(cfg *task.Configuration) error {
	v, ok := cfg.Lookup(KeyDuration)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", KeyDuration, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration %s", KeyDuration, d)
	}
	return nil
}

// Task sleeps cooperatively: Cancel wakes it up.
type Task struct {
	task.CancelableBase
	stop chan struct{}
	once sync.Once
}

func New(cfg *task.Configuration) (task.Task, error) {
	return &Task{
		CancelableBase: task.CancelableBase{Base: task.NewBase(cfg)},
		stop:           make(chan struct{}),
	}, nil
}

func (t *Task) Cancel() {
	t.CancelableBase.Cancel()
	t.once.Do(func() { close(t.stop) })
}

func (t *Task) Run(ctx context.Context) (any, error) {
	cfg := t.Configuration()
	d := cfg.Duration(KeyDuration, DefaultDuration)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-t.stop:
		return nil, task.ErrTaskInterrupted
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if msg := strings.TrimSpace(cfg.Get(KeyFail)); msg != "" {
		return nil, errors.New(msg)
	}
	cfg.SetInt64(KeyRuns, cfg.Int64(KeyRuns, 0)+1)
	return d, nil
}
