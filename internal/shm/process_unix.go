//go:build unix

package shm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ProcessAlive reports whether pid still exists. EPERM means it exists but
// belongs to another user.
func ProcessAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
