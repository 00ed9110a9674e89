//go:build !unix

package shm

import "context"

// DevShm is unavailable on this platform; use the Heap backend.
type DevShm struct{}

// NewDevShm returns the file backed backend.
func NewDevShm() *DevShm {
	return &DevShm{}
}

// Open always fails with ErrUnsupported.
func (d *DevShm) Open(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// Close is a no-op.
func (d *DevShm) Close(region *MappedRegion) error {
	return nil
}

// Remove always fails with ErrUnsupported.
func (d *DevShm) Remove(opts MapOptions) error {
	return ErrUnsupported
}
