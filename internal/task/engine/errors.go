package engine

import (
	"errors"
	"fmt"

	"taskcore/internal/task"
)

var (
	// ErrBlockedTimeout ends an attempt that waited too long on a same-type
	// blocker. It is a cancellation, not a failure.
	ErrBlockedTimeout = fmt.Errorf("blocked wait timed out: %w", task.ErrTaskInterrupted)

	// ErrUnableToInterrupt is returned by Executor.Interrupt for tasks that
	// don't support cooperative cancellation.
	ErrUnableToInterrupt = errors.New("task does not support cooperative cancel")

	ErrNoTaskInfo = errors.New("job context carries no task info")
	ErrNoFuture   = errors.New("task info carries no future")
)

// ExecutionError wraps a task body failure returned from Future.Get.
// Cancellation is never wrapped.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("task execution failed: %v", e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }
