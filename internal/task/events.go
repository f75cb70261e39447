package task

// Lifecycle event types published on the bus.
const (
	EventScheduled       = "task.scheduled"
	EventStarted         = "task.started"
	EventStartedRunning  = "task.started_running"
	EventBlocked         = "task.blocked"
	EventCanceled        = "task.canceled"
	EventStoppedDone     = "task.stopped_done"
	EventStoppedFailed   = "task.stopped_failed"
	EventStoppedCanceled = "task.stopped_canceled"
	EventDeleted         = "task.deleted"
)

// LifecycleEvent is the Data of every task event.
type LifecycleEvent struct {
	Kind   string
	TaskID string
	TypeID string
	Name   string
	// Info is the *engine.TaskInfo the event is about.
	Info any
	// Cause is set on task.stopped_failed.
	Cause error
}

// StoppedEvent maps an end state to its stopped event type.
func StoppedEvent(end EndState) string {
	switch end {
	case EndOK:
		return EventStoppedDone
	case EndFailed:
		return EventStoppedFailed
	default:
		return EventStoppedCanceled
	}
}
