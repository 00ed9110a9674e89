package shm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLayout(t *testing.T) {
	cases := []struct {
		size      int
		slotSize  uint32
		slotCount uint32
		err       error
	}{
		{size: 4096, slotSize: 64, slotCount: 63},
		{size: 4096, slotSize: 32, slotCount: 126},
		{size: 4096 + 63, slotSize: 64, slotCount: 63},
		{size: poolHeaderSize + 64, slotSize: 64, slotCount: 1},
		{size: poolHeaderSize + 63, slotSize: 64, err: ErrCapacity},
	}
	for _, c := range cases {
		l, err := newLayout(c.size, c.slotSize)
		if c.err != nil {
			assert.True(t, errors.Is(err, c.err), "size %d: got %v", c.size, err)
			continue
		}
		require.Nil(t, err)
		assert.Equal(t, c.slotCount, l.slotCount, "size %d slot %d", c.size, c.slotSize)
		last := l.slotOffset(l.slotCount-1) + int(l.slotSize)
		assert.True(t, last <= c.size, "last slot ends at %d beyond %d", last, c.size)
	}
}

func TestLayoutBlocksNeverOverlap(t *testing.T) {
	l, err := newLayout(4096, 64)
	require.Nil(t, err)
	var prevEnd int
	for id := uint32(0); id < l.slotCount; id++ {
		b, err := l.block(id, l.payloadCap())
		require.Nil(t, err)
		slotStart := b.Offset - slotHeaderSize
		assert.True(t, slotStart >= prevEnd, "block %d starts at %d before %d", id, slotStart, prevEnd)
		assert.Equal(t, 0, slotStart%8, "slot %d misaligned", id)
		prevEnd = b.Offset + b.Length
		assert.True(t, prevEnd <= 4096)
	}
}

func TestLayoutBlockCapacity(t *testing.T) {
	l, err := newLayout(4096, 64)
	require.Nil(t, err)

	_, err = l.block(63, 4)
	assert.True(t, errors.Is(err, ErrCapacity))
	_, err = l.block(0, 49)
	assert.True(t, errors.Is(err, ErrCapacity))
	_, err = l.block(0, 0)
	assert.True(t, errors.Is(err, ErrCapacity))

	b, err := l.block(2, 4)
	require.Nil(t, err)
	assert.Equal(t, Block{ID: 2, Offset: poolHeaderSize + 2*64 + slotHeaderSize, Length: 4}, b)
}

func TestAllocateIsDeterministicAcrossPeers(t *testing.T) {
	ctx := context.Background()
	a, b := peers(t, NewHeapBackend())
	key := nextTestKey()
	pa, err := a.CreateOrAttach(ctx, key, 4096)
	require.Nil(t, err)
	pb, err := b.CreateOrAttach(ctx, key, 4096)
	require.Nil(t, err)

	// allocation order differs between the two sides
	ba7, err := pa.Allocate(ctx, 7, 8)
	require.Nil(t, err)
	ba2, err := pa.Allocate(ctx, 2, 4)
	require.Nil(t, err)
	bb2, err := pb.Allocate(ctx, 2, 4)
	require.Nil(t, err)
	bb7, err := pb.Allocate(ctx, 7, 8)
	require.Nil(t, err)

	assert.Equal(t, ba2, bb2)
	assert.Equal(t, ba7, bb7)

	again, err := pa.Allocate(ctx, 2, 4)
	require.Nil(t, err)
	assert.Equal(t, ba2, again)

	blocks, err := pb.Blocks()
	require.Nil(t, err)
	assert.Equal(t, []Block{ba2, ba7}, blocks)
}

func TestAllocateLengthMismatch(t *testing.T) {
	ctx := context.Background()
	a, b := peers(t, NewHeapBackend())
	key := nextTestKey()
	pa, err := a.CreateOrAttach(ctx, key, 4096)
	require.Nil(t, err)
	pb, err := b.CreateOrAttach(ctx, key, 4096)
	require.Nil(t, err)

	_, err = pa.Allocate(ctx, 3, 4)
	require.Nil(t, err)
	_, err = pb.Allocate(ctx, 3, 8)
	assert.True(t, errors.Is(err, ErrAllocation), "got %v", err)

	_, err = NewVar[int64](ctx, pb, 3)
	assert.True(t, errors.Is(err, ErrAllocation), "got %v", err)
	_, err = NewVar[uint32](ctx, pb, 3)
	assert.Nil(t, err)
}

func TestAllocateCapacity(t *testing.T) {
	ctx := context.Background()
	a, _ := peers(t, NewHeapBackend())
	p, err := a.CreateOrAttach(ctx, nextTestKey(), 4096)
	require.Nil(t, err)

	_, err = p.Allocate(ctx, uint32(p.SlotCount()), 4)
	assert.True(t, errors.Is(err, ErrCapacity))
	_, err = p.Allocate(ctx, 0, p.SlotPayload()+1)
	assert.True(t, errors.Is(err, ErrCapacity))

	type big struct {
		Values [7]uint64
	}
	_, err = NewVar[big](ctx, p, 0)
	assert.True(t, errors.Is(err, ErrCapacity))
}
