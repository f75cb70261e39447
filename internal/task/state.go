package task

import (
	"fmt"
	"strings"
)

// State is the task-level state of a registered task.
type State int

const (
	StateWaiting State = iota
	StateRunning
	// StateDone is terminal: reaching it removes the task.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) IsDone() bool    { return s == StateDone }
func (s State) IsRunning() bool { return s == StateRunning }

// RunState is the sub-state of one execution attempt. The declaration order
// is the only legal direction of travel.
type RunState int

const (
	RunStarting RunState = iota
	RunBlocked
	RunRunning
	RunCanceled
)

func (r RunState) String() string {
	switch r {
	case RunStarting:
		return "STARTING"
	case RunBlocked:
		return "BLOCKED"
	case RunRunning:
		return "RUNNING"
	case RunCanceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("RunState(%d)", int(r))
	}
}

// CanMoveTo reports whether next is reachable from r. Staying put is allowed.
func (r RunState) CanMoveTo(next RunState) bool { return next >= r }

// EndState is the outcome recorded in LastRunState.
type EndState string

const (
	EndOK       EndState = "OK"
	EndFailed   EndState = "FAILED"
	EndCanceled EndState = "CANCELED"
	// EndInterrupted is written only by restart recovery for runs that were
	// in flight when the process went down.
	EndInterrupted EndState = "INTERRUPTED"
)

func ParseEndState(s string) (EndState, bool) {
	switch EndState(strings.ToUpper(strings.TrimSpace(s))) {
	case EndOK:
		return EndOK, true
	case EndFailed:
		return EndFailed, true
	case EndCanceled:
		return EndCanceled, true
	case EndInterrupted:
		return EndInterrupted, true
	default:
		return "", false
	}
}
