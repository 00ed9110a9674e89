package shm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatPoolDetail(t *testing.T) {
	ctx := context.Background()
	p := testPool(t)
	v, err := NewVar[int32](ctx, p, 2)
	require.Nil(t, err)
	require.Nil(t, v.Set(ctx, 40))

	out := formatPoolDetail("mem", p.region.Data)
	assert.Contains(t, out, "magic:0x564d4853")
	assert.Contains(t, out, "size:4096")
	assert.Contains(t, out, "slotSize:64 slots:63")
	assert.Contains(t, out, "state:ready attached:1")
	assert.Contains(t, out, "block:2 offset:208 length:4 version:1 holder:0")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestFormatPoolDetailShortInput(t *testing.T) {
	out := formatPoolDetail("tiny", make([]byte, 8))
	assert.Contains(t, out, "too small")
}

func TestFormatPoolDetailForeignData(t *testing.T) {
	out := formatPoolDetail("junk", make([]byte, 256))
	assert.Contains(t, out, "state:init")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestPoolStateName(t *testing.T) {
	assert.Equal(t, "destroyed", poolStateName(poolStateDestroyed))
	assert.Equal(t, "unknown(9)", poolStateName(9))
}
