package shm

import (
	"sync/atomic"
	"unsafe"
)

// PointerAt returns the address of b[off]. The caller guarantees off is
// in range and aligned for the access it performs.
func PointerAt(b []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&b[off])
}

// Aligned reports whether addr is aligned to n bytes.
func Aligned(addr unsafe.Pointer, n uintptr) bool {
	return uintptr(addr)%n == 0
}

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr unsafe.Pointer) uint32 {
	return atomic.LoadUint32((*uint32)(addr))
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr unsafe.Pointer, val uint32) {
	atomic.StoreUint32((*uint32)(addr), val)
}

// AtomicCompareAndSwapUint32 atomically compares and swaps a uint32 in shared memory.
func AtomicCompareAndSwapUint32(addr unsafe.Pointer, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(addr), old, new)
}

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}

// AtomicCompareAndSwapUint64 atomically compares and swaps a uint64 in shared memory.
func AtomicCompareAndSwapUint64(addr unsafe.Pointer, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(addr), old, new)
}
