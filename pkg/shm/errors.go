package shm

import "errors"

var (
	// ErrAllocation is returned when a pool key or block id already exists with another size.
	ErrAllocation = errors.New("shm: allocation mismatch")
	// ErrCapacity is returned when a block does not fit in the pool.
	ErrCapacity = errors.New("shm: block exceeds pool capacity")
	// ErrResource is returned when the OS segment cannot be created or mapped.
	ErrResource = errors.New("shm: segment unavailable")
	// ErrInUse is returned by a strict Destroy while other handles are attached.
	ErrInUse = errors.New("shm: pool still attached")
	// ErrTimeout is returned when a token or a change was not observed in time.
	// It is the only error a caller may retry.
	ErrTimeout = errors.New("shm: timed out")
	// ErrClosed is returned by any access through a detached or destroyed handle.
	ErrClosed = errors.New("shm: pool handle closed")
	// ErrInvalidType is returned for types without a fixed binary size.
	ErrInvalidType = errors.New("shm: type has no fixed size")
	// ErrInvalidConfig is returned by VerifyConfig.
	ErrInvalidConfig = errors.New("shm: invalid config")
)
