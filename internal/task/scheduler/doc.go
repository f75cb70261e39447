// Package scheduler owns the triggers, the job store and the worker pool,
// and is the engine.SPI the task engine runs against.
//
// Recurring schedules are driven by a robfig/cron instance in the scheduler
// timezone; one-shot schedules by timers. A job executes at most once at a
// time: triggers that fire while it runs are coalesced, run-now requests are
// queued behind the current attempt.
//
// Every task is persisted to the store as a flat record (configuration keys
// plus schedule keys). A ".running" marker is written before each attempt
// and cleared after it, so Start can tell which attempts a previous process
// never finished.
package scheduler
