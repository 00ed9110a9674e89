package shm

import "github.com/danielmulangu/shmvar/internal/logging"

var internalLogger = logging.Internal
