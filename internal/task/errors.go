package task

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled completes a future whose attempt was canceled.
	ErrCanceled = errors.New("task canceled")
	// ErrTaskInterrupted is the cooperative stop signal a task body returns
	// after observing Cancel.
	ErrTaskInterrupted = errors.New("task interrupted")
	ErrTaskRemoved     = errors.New("task removed")
	ErrAlreadyRunning  = errors.New("task already running")
	ErrImmutableKey    = errors.New("immutable configuration key")
	ErrUnknownType     = errors.New("unknown task type")
	ErrInvalidConfig   = errors.New("invalid task configuration")
)

// IllegalStateError reports a forbidden state machine move. It is raised
// with panic: it marks a programming error, never a runtime condition.
type IllegalStateError struct {
	What string
	From string
	To   string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.What, e.From, e.To)
}

// RemovedError is returned by RunNow on a task that no longer exists.
type RemovedError struct {
	ID   string
	Name string
}

func (e *RemovedError) Error() string {
	return fmt.Sprintf("task %s (%s) has been removed", e.Name, e.ID)
}

func (e *RemovedError) Unwrap() error { return ErrTaskRemoved }

// IsCancellation reports whether err means the attempt was stopped rather
// than failed.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, ErrTaskInterrupted)
}
