package shm

import (
	"context"
	"fmt"
	"path/filepath"
	"unsafe"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Heap emulates shared segments inside one process. Every Open of the same
// name returns a view of the same memory, which is what separate processes
// mapping one segment observe.
type Heap struct {
	segments cmap.ConcurrentMap[string, *heapSegment]
}

type heapSegment struct {
	words []uint64
	data  []byte
}

func newHeapSegment(size int) *heapSegment {
	// backed by uint64 words so every offset multiple of 8 is 8-byte aligned, as in a page aligned mmap
	words := make([]uint64, (size+7)/8)
	return &heapSegment{
		words: words,
		data:  unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
	}
}

// NewHeap returns an empty in-process backend.
func NewHeap() *Heap {
	return &Heap{segments: cmap.New[*heapSegment]()}
}

// Open maps or creates a segment.
func (h *Heap) Open(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", opts.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(opts.Dir, opts.Name)
	seg := newHeapSegment(opts.Size)
	created := h.segments.SetIfAbsent(path, seg)
	if !created {
		existing, ok := h.segments.Get(path)
		if !ok {
			// removed between SetIfAbsent and Get
			return h.Open(ctx, opts)
		}
		seg = existing
	}
	if len(seg.data) != opts.Size {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, path, len(seg.data), opts.Size)
	}
	return &MappedRegion{
		Data:    seg.data,
		Name:    opts.Name,
		Path:    path,
		Size:    opts.Size,
		Created: created,
	}, nil
}

// Close drops the view; the memory lives until Remove and the last view are gone.
func (h *Heap) Close(region *MappedRegion) error {
	if region != nil {
		region.Data = nil
	}
	return nil
}

// Remove forgets the segment so the next Open creates a fresh one.
func (h *Heap) Remove(opts MapOptions) error {
	h.segments.Remove(filepath.Join(opts.Dir, opts.Name))
	return nil
}

// Len returns the number of live segments.
func (h *Heap) Len() int {
	return h.segments.Count()
}
