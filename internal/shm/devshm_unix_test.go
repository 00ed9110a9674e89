//go:build unix

package shm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevShmCreateAndMapping(t *testing.T) {
	d := NewDevShm()
	ctx := context.Background()
	opts := MapOptions{Name: "devshm_create", Dir: t.TempDir(), Size: 4096, WaitTimeout: time.Second}

	r1, err := d.Open(ctx, opts)
	require.Nil(t, err)
	defer func() { _ = d.Remove(opts) }()
	assert.True(t, r1.Created)
	assert.Equal(t, 4096, len(r1.Data))
	for _, b := range r1.Data {
		if b != 0 {
			t.Fatal("fresh segment not zeroed")
		}
	}

	r2, err := d.Open(ctx, opts)
	require.Nil(t, err)
	assert.False(t, r2.Created)

	r1.Data[100] = 42
	assert.Equal(t, byte(42), r2.Data[100])

	assert.Nil(t, d.Close(r1))
	assert.Nil(t, d.Close(r1))
	assert.Equal(t, byte(42), r2.Data[100])
	assert.Nil(t, d.Close(r2))
}

func TestDevShmSizeMismatch(t *testing.T) {
	d := NewDevShm()
	ctx := context.Background()
	opts := MapOptions{Name: "devshm_mismatch", Dir: t.TempDir(), Size: 4096, WaitTimeout: time.Second}
	r, err := d.Open(ctx, opts)
	require.Nil(t, err)
	defer func() { _ = d.Close(r) }()

	opts.Size = 8192
	_, err = d.Open(ctx, opts)
	assert.True(t, errors.Is(err, ErrSizeMismatch), "got %v", err)
}

func TestDevShmWaitsForTruncate(t *testing.T) {
	d := NewDevShm()
	dir := t.TempDir()
	path := filepath.Join(dir, "devshm_empty")
	f, err := os.Create(path)
	require.Nil(t, err)
	_ = f.Close()

	ctx := context.Background()
	_, err = d.Open(ctx, MapOptions{Name: "devshm_empty", Dir: dir, Size: 64, WaitTimeout: 20 * time.Millisecond})
	assert.True(t, errors.Is(err, ErrNotReady), "got %v", err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = os.Truncate(path, 64)
	}()
	r, err := d.Open(ctx, MapOptions{Name: "devshm_empty", Dir: dir, Size: 64, WaitTimeout: time.Second})
	require.Nil(t, err)
	assert.False(t, r.Created)
	assert.Nil(t, d.Close(r))
}

func TestDevShmRemove(t *testing.T) {
	d := NewDevShm()
	opts := MapOptions{Name: "devshm_remove", Dir: t.TempDir(), Size: 64}
	r, err := d.Open(context.Background(), opts)
	require.Nil(t, err)
	assert.True(t, pathExists(r.Path))
	assert.Nil(t, d.Remove(opts))
	assert.False(t, pathExists(r.Path))
	assert.Nil(t, d.Remove(opts))
	assert.Nil(t, d.Close(r))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(uint32(os.Getpid())))
	assert.False(t, ProcessAlive(0))
	// pid_max on linux is at most 4194304
	assert.False(t, ProcessAlive(1<<30))
}
