// Package schedule describes when a task fires.
//
// Recurring expressions are parsed with github.com/robfig/cron/v3; the
// scheduler hands the parsed expression straight to its cron engine.
package schedule
