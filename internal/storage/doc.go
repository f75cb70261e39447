// Package storage provides the durable job store used by the scheduler.
//
// It keeps:
//   - One flat record per registered job (configuration + schedule keys)
//   - A few scheduler meta values (e.g. the last clean shutdown time)
package storage
