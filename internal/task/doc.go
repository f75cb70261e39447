// Package task holds the vocabulary shared by the engine and the scheduler:
// task configurations, run outcomes, task and run states, the Task contract
// with its embeddable bases, the type registry, lifecycle event names and
// sentinel errors.
package task
