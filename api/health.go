// Package api defines public API contracts for shmvar.
package api

// Health defines the interface for pool liveness.
type Health interface {
	// Healthy returns nil while the pool mapping is usable.
	Healthy() error
}
