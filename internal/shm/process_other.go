//go:build !unix

package shm

// ProcessAlive cannot probe processes here and assumes every holder is alive.
func ProcessAlive(pid uint32) bool {
	return pid != 0
}
