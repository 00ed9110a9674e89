// Package api defines public API contracts for shmvar.
package api

import "context"

// Variable is a typed value shared between processes. Set is visible to every
// Get that acquires the variable's token after Set released it.
type Variable[T any] interface {
	Get(ctx context.Context) (T, error)
	Set(ctx context.Context, value T) error
}

// VersionedVariable exposes the per-variable set counter so a reader can wait
// for the peer's next write instead of sleeping.
type VersionedVariable[T any] interface {
	Variable[T]
	Version(ctx context.Context) (uint32, error)
	WaitChange(ctx context.Context, since uint32) (T, uint32, error)
}
