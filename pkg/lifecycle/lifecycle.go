// Package lifecycle runs a shared pool through explicit init and teardown.
//
// A Manager moves Uninitialized -> Initialized -> TornDown. Teardown is one
// way: once torn down, the manager never maps the pool again.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/danielmulangu/shmvar/api"
	"github.com/danielmulangu/shmvar/internal/logging"
	"github.com/danielmulangu/shmvar/pkg/shm"
)

// State is the manager state.
type State int32

const (
	Uninitialized State = iota
	Initialized
	TornDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case TornDown:
		return "torn-down"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrTornDown is returned by Init after Teardown or Release.
	ErrTornDown = errors.New("lifecycle: torn down")
	// ErrNotInitialized is returned by Pool before Init.
	ErrNotInitialized = errors.New("lifecycle: not initialized")
)

var _ api.Lifecycle = (*Manager)(nil)

var logger = logging.New("lifecycle", os.Stdout)

// Manager owns one pool handle for a (key, size) pair.
type Manager struct {
	registry *shm.Registry
	key      int
	size     int

	mu    sync.Mutex
	state State
	pool  *shm.Pool
}

// NewManager returns an uninitialized manager for pool key of size bytes.
func NewManager(registry *shm.Registry, key, size int) *Manager {
	return &Manager{registry: registry, key: key, size: size}
}

// Init creates or attaches the pool. Calling it again while initialized is a no-op.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Initialized:
		return nil
	case TornDown:
		return fmt.Errorf("%w: pool %d", ErrTornDown, m.key)
	}
	p, err := m.registry.CreateOrAttach(ctx, m.key, m.size)
	if err != nil {
		return err
	}
	m.pool = p
	m.state = Initialized
	logger.Infof("pool %d initialized, created:%v", m.key, p.Created())
	return nil
}

// Pool returns the pool handle while initialized.
func (m *Manager) Pool() (*shm.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Uninitialized:
		return nil, ErrNotInitialized
	case TornDown:
		return nil, ErrTornDown
	}
	return m.pool, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Teardown destroys the pool. A second call, or a call before Init, only
// moves the manager to TornDown. When destroy fails, for example with
// shm.ErrInUse under the strict policy, the manager stays Initialized so the
// caller can retry or Release.
func (m *Manager) Teardown(ctx context.Context) error {
	return m.finish(ctx, "destroyed", (*shm.Pool).Destroy)
}

// Release detaches from the pool without destroying it. Peers keep using it.
func (m *Manager) Release(ctx context.Context) error {
	return m.finish(ctx, "released", (*shm.Pool).Detach)
}

func (m *Manager) finish(ctx context.Context, verb string, end func(*shm.Pool, context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == TornDown {
		return nil
	}
	if m.pool != nil {
		if err := end(m.pool, ctx); err != nil {
			logger.Warnf("pool %d teardown: %v", m.key, err)
			return err
		}
		logger.Infof("pool %d %s", m.key, verb)
	}
	m.pool = nil
	m.state = TornDown
	return nil
}
