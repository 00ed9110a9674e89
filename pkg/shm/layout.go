/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"fmt"
	"unsafe"

	internalshm "github.com/danielmulangu/shmvar/internal/shm"
)

// Segment layout, native byte order:
//
//	pool header 64 byte | slot 0 | slot 1 | ... | slot n-1 | unused tail
//
// pool header: magic 4 | version 4 | size 8 | slot size 4 | slot count 4 | lifecycle 8 | creator pid 4 | reserved
// lifecycle word: state in the high 32 bits, attach count in the low 32 bits.
// slot: token 4 | state 4 | length 4 | version 4 | payload (slot size - 16)
const (
	poolMagic   uint32 = 0x564d4853 // "SHMV"
	poolVersion uint32 = 1

	poolHeaderSize    = 64
	magicOffset       = 0
	versionOffset     = magicOffset + 4
	sizeOffset        = versionOffset + 4
	slotSizeOffset    = sizeOffset + 8
	slotCountOffset   = slotSizeOffset + 4
	lifecycleOffset   = slotCountOffset + 4
	creatorPidOffset  = lifecycleOffset + 8
	poolHeaderUsedLen = creatorPidOffset + 4

	slotHeaderSize    = 16
	slotTokenOffset   = 0
	slotStateOffset   = slotTokenOffset + 4
	slotLengthOffset  = slotStateOffset + 4
	slotVersionOffset = slotLengthOffset + 4
)

// the header fields must fit in poolHeaderSize
var _ [poolHeaderSize - poolHeaderUsedLen]struct{}

const (
	poolStateInit uint32 = iota
	poolStateReady
	poolStateDestroyed
)

const (
	slotFree uint32 = iota
	slotClaimed
)

func packLifecycle(state, attached uint32) uint64 {
	return uint64(state)<<32 | uint64(attached)
}

func unpackLifecycle(w uint64) (state, attached uint32) {
	return uint32(w >> 32), uint32(w)
}

// poolHeader is the first poolHeaderSize bytes of a segment.
type poolHeader []byte

func (h poolHeader) u32(off int) uint32 {
	return *(*uint32)(unsafe.Pointer(&h[off]))
}

func (h poolHeader) setU32(off int, v uint32) {
	*(*uint32)(unsafe.Pointer(&h[off])) = v
}

func (h poolHeader) magic() uint32     { return h.u32(magicOffset) }
func (h poolHeader) version() uint32   { return h.u32(versionOffset) }
func (h poolHeader) slotSize() uint32  { return h.u32(slotSizeOffset) }
func (h poolHeader) slotCount() uint32 { return h.u32(slotCountOffset) }
func (h poolHeader) creatorPid() uint32 {
	return h.u32(creatorPidOffset)
}

func (h poolHeader) size() uint64 {
	return *(*uint64)(unsafe.Pointer(&h[sizeOffset]))
}

func (h poolHeader) lifecycleAddr() unsafe.Pointer {
	return internalshm.PointerAt(h, lifecycleOffset)
}

func (h poolHeader) lifecycle() (state, attached uint32) {
	return unpackLifecycle(internalshm.AtomicLoadUint64(h.lifecycleAddr()))
}

// init fills a freshly created header and publishes it with one attached handle.
func (h poolHeader) init(size int, l layout, pid uint32) {
	h.setU32(magicOffset, poolMagic)
	h.setU32(versionOffset, poolVersion)
	*(*uint64)(unsafe.Pointer(&h[sizeOffset])) = uint64(size)
	h.setU32(slotSizeOffset, l.slotSize)
	h.setU32(slotCountOffset, l.slotCount)
	h.setU32(creatorPidOffset, pid)
	internalshm.AtomicStoreUint64(h.lifecycleAddr(), packLifecycle(poolStateReady, 1))
}

// tryAttach increments the attach count of a ready header. It returns the
// observed state when the header is not ready.
func (h poolHeader) tryAttach() (state uint32, ok bool) {
	for {
		w := internalshm.AtomicLoadUint64(h.lifecycleAddr())
		state, attached := unpackLifecycle(w)
		if state != poolStateReady {
			return state, false
		}
		if internalshm.AtomicCompareAndSwapUint64(h.lifecycleAddr(), w, packLifecycle(state, attached+1)) {
			return state, true
		}
	}
}

// detach decrements the attach count and returns the remaining count.
func (h poolHeader) detach() uint32 {
	for {
		w := internalshm.AtomicLoadUint64(h.lifecycleAddr())
		state, attached := unpackLifecycle(w)
		if attached == 0 {
			return 0
		}
		if internalshm.AtomicCompareAndSwapUint64(h.lifecycleAddr(), w, packLifecycle(state, attached-1)) {
			return attached - 1
		}
	}
}

// markDestroyed detaches the caller and marks the segment destroyed. When
// strict it refuses while others remain attached and returns their count.
func (h poolHeader) markDestroyed(strict bool) (others uint32, ok bool) {
	for {
		w := internalshm.AtomicLoadUint64(h.lifecycleAddr())
		_, attached := unpackLifecycle(w)
		if attached > 0 {
			others = attached - 1
		}
		if strict && others > 0 {
			return others, false
		}
		if internalshm.AtomicCompareAndSwapUint64(h.lifecycleAddr(), w, packLifecycle(poolStateDestroyed, others)) {
			return others, true
		}
	}
}

// slotHeader is the first slotHeaderSize bytes of a slot.
type slotHeader []byte

func (s slotHeader) tokenAddr() unsafe.Pointer {
	return internalshm.PointerAt(s, slotTokenOffset)
}

func (s slotHeader) state() uint32 {
	return internalshm.AtomicLoadUint32(internalshm.PointerAt(s, slotStateOffset))
}

func (s slotHeader) length() uint32 {
	return internalshm.AtomicLoadUint32(internalshm.PointerAt(s, slotLengthOffset))
}

func (s slotHeader) version() uint32 {
	return internalshm.AtomicLoadUint32(internalshm.PointerAt(s, slotVersionOffset))
}

func (s slotHeader) holder() uint32 {
	return internalshm.AtomicLoadUint32(s.tokenAddr())
}

// claim must be called with the slot token held.
func (s slotHeader) claim(length uint32) {
	internalshm.AtomicStoreUint32(internalshm.PointerAt(s, slotLengthOffset), length)
	internalshm.AtomicStoreUint32(internalshm.PointerAt(s, slotStateOffset), slotClaimed)
}

// bumpVersion must be called with the slot token held.
func (s slotHeader) bumpVersion() uint32 {
	addr := internalshm.PointerAt(s, slotVersionOffset)
	v := internalshm.AtomicLoadUint32(addr) + 1
	internalshm.AtomicStoreUint32(addr, v)
	return v
}

// Block is a fixed slot of a pool. Offset and Length address the payload.
type Block struct {
	ID     uint32
	Offset int
	Length int
}

// layout partitions a pool into slotCount slots of slotSize bytes after the header.
type layout struct {
	slotSize  uint32
	slotCount uint32
}

func newLayout(size int, slotSize uint32) (layout, error) {
	if size < poolHeaderSize+int(slotSize) {
		return layout{}, fmt.Errorf("%w: pool of %d bytes cannot hold one %d byte slot after its %d byte header",
			ErrCapacity, size, slotSize, poolHeaderSize)
	}
	return layout{
		slotSize:  slotSize,
		slotCount: uint32((size - poolHeaderSize) / int(slotSize)),
	}, nil
}

func (l layout) slotOffset(id uint32) int {
	return poolHeaderSize + int(id)*int(l.slotSize)
}

func (l layout) payloadCap() int {
	return int(l.slotSize) - slotHeaderSize
}

// block maps id to its slot. It depends only on id, length and the slot size.
func (l layout) block(id uint32, length int) (Block, error) {
	if id >= l.slotCount {
		return Block{}, fmt.Errorf("%w: block id %d, pool has %d slots", ErrCapacity, id, l.slotCount)
	}
	if length <= 0 || length > l.payloadCap() {
		return Block{}, fmt.Errorf("%w: block length %d, slot payload is %d bytes", ErrCapacity, length, l.payloadCap())
	}
	return Block{
		ID:     id,
		Offset: l.slotOffset(id) + slotHeaderSize,
		Length: length,
	}, nil
}

// Allocate claims block id with length bytes. Allocating an id again, from
// this or any other attached process, yields the same block; a different
// length for a claimed id fails with ErrAllocation.
func (p *Pool) Allocate(ctx context.Context, id uint32, length int) (Block, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return Block{}, ErrClosed
	}
	b, err := p.layout.block(id, length)
	if err != nil {
		return Block{}, err
	}
	slot := p.slot(id)
	tok := p.token(slot)
	if err := tok.acquire(ctx); err != nil {
		return Block{}, err
	}
	defer tok.release()

	switch slot.state() {
	case slotFree:
		slot.claim(uint32(length))
		internalLogger.Debugf("pool %d claimed block %d offset:%d length:%d", p.key, id, b.Offset, length)
	case slotClaimed:
		if have := int(slot.length()); have != length {
			return Block{}, fmt.Errorf("%w: block %d claimed with %d bytes, requested %d", ErrAllocation, id, have, length)
		}
	default:
		return Block{}, fmt.Errorf("%w: block %d has corrupt state %d", ErrResource, id, slot.state())
	}
	p.metrics.op(ctx, opAllocate)
	return b, nil
}

// Blocks returns the claimed blocks in id order.
func (p *Pool) Blocks() ([]Block, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	var blocks []Block
	for id := uint32(0); id < p.layout.slotCount; id++ {
		slot := p.slot(id)
		if slot.state() != slotClaimed {
			continue
		}
		blocks = append(blocks, Block{
			ID:     id,
			Offset: p.layout.slotOffset(id) + slotHeaderSize,
			Length: int(slot.length()),
		})
	}
	return blocks, nil
}

// SlotCount returns the number of addressable block ids.
func (p *Pool) SlotCount() int {
	return int(p.layout.slotCount)
}

// SlotPayload returns the largest block length.
func (p *Pool) SlotPayload() int {
	return p.layout.payloadCap()
}

func (p *Pool) slot(id uint32) slotHeader {
	off := p.layout.slotOffset(id)
	return slotHeader(p.region.Data[off : off+slotHeaderSize])
}

func (p *Pool) payload(b Block) []byte {
	return p.region.Data[b.Offset : b.Offset+b.Length]
}
