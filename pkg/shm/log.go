package shm

import "github.com/danielmulangu/shmvar/internal/logging"

var internalLogger = logging.Internal

// SetLogLevel changes the internal logger's level; the default level is Warn.
// The process env `SHMVAR_LOG_LEVEL` also sets it.
func SetLogLevel(l int) {
	logging.SetLevel(l)
}
