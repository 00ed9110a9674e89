// Package api defines public API contracts for shmvar.
package api

import "context"

// Lifecycle defines explicit init and teardown of a shared pool.
// Teardown is one-way; calling it again is a no-op.
type Lifecycle interface {
	Init(ctx context.Context) error
	Teardown(ctx context.Context) error
}
