package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielmulangu/shmvar/pkg/shm"
)

var keySeq atomic.Int64

func nextKey() int {
	return 9000 + int(keySeq.Add(1))
}

func newRegistries(t *testing.T, policy shm.DestroyPolicy) (*shm.Registry, *shm.Registry) {
	cfg := shm.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Backend = shm.NewHeapBackend()
	cfg.DestroyPolicy = policy
	cfg.LockTimeout = time.Second
	cfg.AttachTimeout = time.Second
	cfg.Registerer = prometheus.NewRegistry()
	a, err := shm.NewRegistry(cfg)
	require.Nil(t, err)
	b, err := shm.NewRegistry(cfg)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = a.Close(context.Background())
		_ = b.Close(context.Background())
	})
	return a, b
}

func TestManagerStates(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistries(t, shm.DestroyStrict)
	m := NewManager(reg, nextKey(), 4096)
	assert.Equal(t, Uninitialized, m.State())
	_, err := m.Pool()
	assert.True(t, errors.Is(err, ErrNotInitialized))

	require.Nil(t, m.Init(ctx))
	assert.Equal(t, Initialized, m.State())
	p, err := m.Pool()
	require.Nil(t, err)
	assert.True(t, p.Created())

	require.Nil(t, m.Init(ctx))
	again, err := m.Pool()
	require.Nil(t, err)
	assert.Same(t, p, again)

	require.Nil(t, m.Teardown(ctx))
	assert.Equal(t, TornDown, m.State())
	assert.True(t, p.Closed())
	require.Nil(t, m.Teardown(ctx))

	assert.True(t, errors.Is(m.Init(ctx), ErrTornDown))
	_, err = m.Pool()
	assert.True(t, errors.Is(err, ErrTornDown))
}

func TestManagerTeardownBeforeInit(t *testing.T) {
	reg, _ := newRegistries(t, shm.DestroyStrict)
	m := NewManager(reg, nextKey(), 4096)
	require.Nil(t, m.Teardown(context.Background()))
	assert.Equal(t, TornDown, m.State())
	assert.True(t, errors.Is(m.Init(context.Background()), ErrTornDown))
}

func TestManagerStrictTeardownWhilePeerAttached(t *testing.T) {
	ctx := context.Background()
	a, b := newRegistries(t, shm.DestroyStrict)
	key := nextKey()
	owner := NewManager(a, key, 4096)
	peer := NewManager(b, key, 4096)
	require.Nil(t, owner.Init(ctx))
	require.Nil(t, peer.Init(ctx))

	err := owner.Teardown(ctx)
	assert.True(t, errors.Is(err, shm.ErrInUse), "got %v", err)
	assert.Equal(t, Initialized, owner.State())

	require.Nil(t, peer.Release(ctx))
	assert.Equal(t, TornDown, peer.State())
	require.Nil(t, owner.Teardown(ctx))
	assert.Equal(t, TornDown, owner.State())
}

func TestManagerBestEffortTeardown(t *testing.T) {
	ctx := context.Background()
	a, b := newRegistries(t, shm.DestroyBestEffort)
	key := nextKey()
	owner := NewManager(a, key, 4096)
	peer := NewManager(b, key, 4096)
	require.Nil(t, owner.Init(ctx))
	require.Nil(t, peer.Init(ctx))

	require.Nil(t, owner.Teardown(ctx))
	p, err := peer.Pool()
	require.Nil(t, err)
	assert.True(t, errors.Is(p.Healthy(), shm.ErrResource))
	require.Nil(t, peer.Teardown(ctx))
}

func TestManagerInitError(t *testing.T) {
	reg, _ := newRegistries(t, shm.DestroyStrict)
	m := NewManager(reg, 0, 4096)
	assert.True(t, errors.Is(m.Init(context.Background()), shm.ErrAllocation))
	assert.Equal(t, Uninitialized, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "torn-down", TornDown.String())
	assert.Equal(t, "State(5)", State(5).String())
}
