// Package engine runs individual task executions.
//
// A TaskInfo is the long-lived handle of a task; a Future tracks one
// attempt. For every fired trigger the scheduler calls Listener.ToBeExecuted,
// Executor.Execute and Listener.WasExecuted in that order, and skips the
// last two when ToBeExecuted refuses a removed task. The executor keeps
// two tasks of the same type from running at once: an attempt that finds a
// running same-type task parks in BLOCKED and waits on it, a bounded time
// per blocker, under a BlockingLock shared by the whole scheduler.
//
// Events:
//   - task.started / task.stopped_* come from the Listener
//   - task.started_running / task.blocked / task.canceled come from the Executor
//   - task.deleted comes from TaskInfo.Remove
package engine
