// Package pool implements a small-object pool: a pre-sliced free list
// of fixed 64-byte blocks carved from a caller-supplied sub-region. It
// exists to front a slower tier (a buddy allocator, say) for the
// common case of many small, short-lived allocations, at O(1) cost
// and zero per-request metadata overhead.
//
// Slots are optionally published lazily: only the first few are
// linked into the free list at construction, and the rest are handed
// out from a bump pointer on demand, so constructing a large pool
// does not pay to link every slot upfront.
package pool

import (
	"fmt"
	"unsafe"

	"github.com/embedkit/fsheap/list"
)

// BlockSize is the fixed size of every slot in the pool.
const BlockSize = 64

// DefaultInitializedNodes is how many slots are linked into the free
// list at construction when Params.InitializedNodes is zero.
const DefaultInitializedNodes = 4

// Params configures a Pool. Arena is the byte range the pool slices
// into fixed-size slots; it must outlive the Pool and hold at least
// one BlockSize-sized slot. InitializedNodes caps how many slots are
// eagerly linked at construction; zero selects
// DefaultInitializedNodes. The remaining slots are published lazily
// from a bump pointer as Alloc needs them.
type Params struct {
	Arena            []byte
	InitializedNodes int
}

// Pool is a fixed-block-size free list over a sub-region of bytes.
type Pool struct {
	head     list.Node
	base     uintptr
	end      uintptr
	nextAddr uintptr
}

// New slices p.Arena into BlockSize slots and links the first
// InitializedNodes (or DefaultInitializedNodes) of them into the free
// list. It panics if the arena cannot hold even one slot.
func New(p Params) *Pool {
	if len(p.Arena) < BlockSize {
		panic(fmt.Sprintf("pool: arena of %d bytes cannot hold a single %d-byte slot", len(p.Arena), BlockSize))
	}

	base := uintptr(unsafe.Pointer(&p.Arena[0]))
	end := base + uintptr(len(p.Arena))
	capacity := uintptr(len(p.Arena)) / BlockSize

	n := uintptr(p.InitializedNodes)
	if n == 0 {
		n = DefaultInitializedNodes
	}
	if n > capacity {
		n = capacity
	}

	pl := &Pool{base: base, end: end}
	headPtr := unsafe.Pointer(&pl.head)
	list.Init(headPtr)
	for i := uintptr(0); i < n; i++ {
		list.Push(headPtr, unsafe.Pointer(base+i*BlockSize))
	}
	pl.nextAddr = base + n*BlockSize
	return pl
}

// Alloc returns a free slot, or nil if the pool is exhausted. It takes
// no size: callers are expected to have already checked that the
// request fits in BlockSize before routing here.
func (pl *Pool) Alloc() unsafe.Pointer {
	headPtr := unsafe.Pointer(&pl.head)
	if !list.Empty(headPtr) {
		return list.Pop(headPtr)
	}
	if pl.nextAddr+BlockSize <= pl.end {
		p := unsafe.Pointer(pl.nextAddr)
		pl.nextAddr += BlockSize
		return p
	}
	return nil
}

// Free returns a slot to the pool. It panics if p does not lie within
// a slot this pool has ever published, which would indicate a
// precondition violation by the caller (a pointer from a different
// tier, say).
func (pl *Pool) Free(p unsafe.Pointer) {
	if !pl.Contains(p) {
		panic("pool: free of pointer outside published pool range")
	}
	list.Push(unsafe.Pointer(&pl.head), p)
}

// Contains reports whether p is a slot this pool has published
// (whether currently free or allocated).
func (pl *Pool) Contains(p unsafe.Pointer) bool {
	addr := uintptr(p)
	return addr >= pl.base && addr < pl.nextAddr
}

// Stats reports the pool's current bookkeeping, for property tests
// and diagnostics: FreeListLength + LiveAllocations + UninitializedSlots
// always equals TotalSlots.
type Stats struct {
	TotalSlots         int
	FreeListLength     int
	LiveAllocations    int
	UninitializedSlots int
}

// Stat computes the current Stats snapshot.
func (pl *Pool) Stat() Stats {
	total := int((pl.end - pl.base) / BlockSize)
	published := int((pl.nextAddr - pl.base) / BlockSize)
	free := list.Len(unsafe.Pointer(&pl.head))
	return Stats{
		TotalSlots:         total,
		FreeListLength:     free,
		LiveAllocations:    published - free,
		UninitializedSlots: total - published,
	}
}
