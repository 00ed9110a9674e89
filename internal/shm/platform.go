// Package shm contains the platform backends that create, map and remove the
// segments backing a pool, plus atomics over mapped memory.
package shm

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSizeMismatch is returned when an existing segment has another size than requested.
	ErrSizeMismatch = errors.New("segment size mismatch")
	// ErrNoSpace is returned when the segment directory has not enough free space left.
	ErrNoSpace = errors.New("share memory had not left space")
	// ErrUnsupported is returned by backends that are not available on this platform.
	ErrUnsupported = errors.New("shared memory segments are not supported on this platform")
	// ErrNotReady is returned when an existing segment never reached its final size.
	ErrNotReady = errors.New("segment not ready")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Data []byte
	Name string
	Path string
	Size int
	// Created reports whether this mapping created the segment.
	Created bool

	fd int
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	Dir  string
	Size int
	// WaitTimeout bounds how long an attacher waits for a segment being
	// created by another process to reach its final size. Zero waits until ctx is done.
	WaitTimeout time.Duration
}

// Backend creates or opens named segments. Open creates the segment
// exclusively when it does not exist yet and maps the existing one otherwise.
type Backend interface {
	Open(ctx context.Context, opts MapOptions) (*MappedRegion, error)
	Close(region *MappedRegion) error
	Remove(opts MapOptions) error
}
