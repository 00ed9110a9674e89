package shm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/danielmulangu/shmvar/internal/shm"
)

const (
	defaultSlotSize      = 64
	minSlotSize          = 32
	maxSlotSize          = 1 << 20
	defaultLockTimeout   = 5 * time.Second
	defaultAttachTimeout = 5 * time.Second
	defaultPollInterval  = 10 * time.Millisecond
	defaultNamePrefix    = "shmvar_"
)

// DestroyPolicy decides what Destroy does while other handles are attached.
type DestroyPolicy int

const (
	// DestroyStrict fails with ErrInUse while another handle is attached.
	DestroyStrict DestroyPolicy = iota
	// DestroyBestEffort removes the segment anyway. Handles that attached
	// before keep a working mapping until they detach.
	DestroyBestEffort
)

func (p DestroyPolicy) String() string {
	switch p {
	case DestroyStrict:
		return "strict"
	case DestroyBestEffort:
		return "best-effort"
	}
	return "DestroyPolicy(" + strconv.Itoa(int(p)) + ")"
}

// Backend creates, maps and removes segments.
type Backend = internalshm.Backend

// NewDevShmBackend returns the backend mapping files under Config.Dir with MAP_SHARED.
func NewDevShmBackend() Backend {
	return internalshm.NewDevShm()
}

// NewHeapBackend returns a backend emulating shared segments inside this process.
// Pools opened through the same heap backend share memory like separate processes do.
func NewHeapBackend() Backend {
	return internalshm.NewHeap()
}

// Config holds registry parameters. Both processes sharing a pool must agree
// on Dir and NamePrefix; the slot size is taken from the segment header.
type Config struct {
	// Dir holds the segment files, /dev/shm on Linux.
	Dir string
	// NamePrefix is prepended to the pool key to name the segment.
	NamePrefix string
	// SlotSize is the stride of one block, slot header included. Used only by the creator.
	SlotSize uint32
	// LockTimeout bounds how long Get/Set wait for a block token. Zero waits forever.
	// A waiting access holds the handle open, so Detach and Destroy on the same
	// handle also wait until the token is acquired or the wait gives up.
	LockTimeout time.Duration
	// TakeOverDeadTokens lets a waiter take a token whose holder pid no longer
	// exists. Pids are probed in this process's pid namespace: disable it when
	// peers share the segment directory but not the pid namespace, as with
	// containers sharing only IPC, or a live peer looks dead.
	TakeOverDeadTokens bool
	// AttachTimeout bounds how long an attacher waits for the creator to finish initializing.
	AttachTimeout time.Duration
	// PollInterval caps the backoff used while waiting for a variable to change.
	PollInterval time.Duration
	// DestroyPolicy decides Destroy behaviour while others are attached.
	DestroyPolicy DestroyPolicy
	Backend       Backend

	Registerer prometheus.Registerer
	Meter      metric.Meter
	Tracer     trace.Tracer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Dir:                internalshm.DefaultDir(),
		NamePrefix:         defaultNamePrefix,
		SlotSize:           defaultSlotSize,
		LockTimeout:        defaultLockTimeout,
		TakeOverDeadTokens: true,
		AttachTimeout:      defaultAttachTimeout,
		PollInterval:       defaultPollInterval,
		DestroyPolicy:      DestroyStrict,
		Backend:            NewDevShmBackend(),
	}
}

// VerifyConfig validates the configuration.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if config.Dir == "" {
		return fmt.Errorf("%w: Dir must not be empty", ErrInvalidConfig)
	}
	if config.NamePrefix == "" || strings.ContainsRune(config.NamePrefix, '/') {
		return fmt.Errorf("%w: NamePrefix %q must be non empty and contain no '/'", ErrInvalidConfig, config.NamePrefix)
	}
	if config.SlotSize < minSlotSize || config.SlotSize > maxSlotSize {
		return fmt.Errorf("%w: SlotSize %d out of range [%d, %d]", ErrInvalidConfig, config.SlotSize, minSlotSize, maxSlotSize)
	}
	if config.SlotSize%8 != 0 {
		return fmt.Errorf("%w: SlotSize %d must be a multiple of 8", ErrInvalidConfig, config.SlotSize)
	}
	if config.LockTimeout < 0 || config.AttachTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if config.PollInterval <= 0 {
		return fmt.Errorf("%w: PollInterval must be positive", ErrInvalidConfig)
	}
	if config.DestroyPolicy != DestroyStrict && config.DestroyPolicy != DestroyBestEffort {
		return fmt.Errorf("%w: unknown %s", ErrInvalidConfig, config.DestroyPolicy)
	}
	if config.Backend == nil {
		return fmt.Errorf("%w: Backend must be set", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) segmentName(key int) string {
	return c.NamePrefix + strconv.Itoa(key)
}

func (c *Config) mapOptions(key, size int) internalshm.MapOptions {
	return internalshm.MapOptions{
		Name:        c.segmentName(key),
		Dir:         c.Dir,
		Size:        size,
		WaitTimeout: c.AttachTimeout,
	}
}
