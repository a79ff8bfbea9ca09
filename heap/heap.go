// Package heap implements the composite front end: a small-object
// pool fronting a buddy allocator, routing each allocation by
// requested size and each free by which tier's region the pointer
// falls in.
package heap

import (
	"sync"
	"unsafe"

	"github.com/embedkit/fsheap/buddy"
	"github.com/embedkit/fsheap/pool"
)

const defaultLeafSize = 16

// Heap combines a pool.Pool and a buddy.Buddy over two disjoint
// caller-supplied sub-regions. Its zero value, with the exported
// fields filled in, is immediately usable: the inner engines are
// built lazily on the first Alloc or Dealloc call rather than at
// construction, so a Heap can be declared as a package-level
// variable whose initializer runs no imperative code.
type Heap struct {
	// PoolArena backs the fast 64-byte-slot tier; BuddyArena backs
	// the general-purpose tier. The two must not overlap.
	PoolArena  []byte
	BuddyArena []byte

	// LeafSize is the buddy engine's leaf size; zero selects 16, the
	// package minimum. ZeroFilled and InitializedNodes forward to the
	// corresponding inner Params.
	LeafSize         uintptr
	ZeroFilled       bool
	InitializedNodes int

	// Threshold is the largest request size routed to the pool before
	// falling back to the buddy engine. Zero, or any value above
	// pool.BlockSize, is clamped to pool.BlockSize: the pool physically
	// cannot serve anything larger.
	Threshold uintptr

	poolOnce  sync.Once
	buddyOnce sync.Once
	pool      *pool.Pool
	buddyEng  *buddy.Buddy
}

// Alloc returns a pointer to at least max(size, align) bytes, or nil
// if the request cannot be satisfied. Per the package's alignment
// policy, satisfying a large alignment is treated as if the caller
// had requested that many bytes: callers relying on a small
// allocation under a large alignment get over-allocation rather than
// a separate aligned-allocation path. Buddy blocks are aligned to
// their own size only relative to the buddy engine's data base, which
// is aligned to the leaf size; the returned pointer is therefore not
// guaranteed to meet an alignment larger than LeafSize.
func (h *Heap) Alloc(size, align uintptr) unsafe.Pointer {
	n := size
	if align > n {
		n = align
	}
	if n == 0 {
		return nil
	}

	if n <= h.effectiveThreshold() {
		if p := h.poolEngine(); p != nil {
			if got := p.Alloc(); got != nil {
				return got
			}
		}
	}
	return h.buddyEngine().Alloc(n)
}

// Dealloc returns p to whichever tier owns it. p must have been
// returned by a prior call to Alloc on this Heap.
func (h *Heap) Dealloc(p unsafe.Pointer) {
	if p == nil {
		return
	}
	if pl := h.poolEngine(); pl != nil && pl.Contains(p) {
		pl.Free(p)
		return
	}
	h.buddyEngine().Free(p)
}

// Available reports the bytes of the pool's free and not-yet-published
// slots plus the buddy engine's Available figure, which is its fixed
// managed capacity rather than its current free-list total.
func (h *Heap) Available() uintptr {
	var total uintptr
	if pl := h.poolEngine(); pl != nil {
		st := pl.Stat()
		total += uintptr(st.FreeListLength+st.UninitializedSlots) * pool.BlockSize
	}
	total += h.buddyEngine().Available()
	return total
}

// Contains reports whether p is owned by the pool tier. It is the
// same membership test Dealloc uses to route a free.
func (h *Heap) Contains(p unsafe.Pointer) bool {
	pl := h.poolEngine()
	return pl != nil && pl.Contains(p)
}

func (h *Heap) effectiveThreshold() uintptr {
	t := h.Threshold
	if t == 0 || t > pool.BlockSize {
		t = pool.BlockSize
	}
	return t
}

func (h *Heap) poolEngine() *pool.Pool {
	h.poolOnce.Do(func() {
		if len(h.PoolArena) < pool.BlockSize {
			return
		}
		h.pool = pool.New(pool.Params{
			Arena:            h.PoolArena,
			InitializedNodes: h.InitializedNodes,
		})
	})
	return h.pool
}

func (h *Heap) buddyEngine() *buddy.Buddy {
	h.buddyOnce.Do(func() {
		leaf := h.LeafSize
		if leaf == 0 {
			leaf = defaultLeafSize
		}
		h.buddyEng = buddy.New(buddy.Params{
			Arena:      h.BuddyArena,
			LeafSize:   leaf,
			ZeroFilled: h.ZeroFilled,
		})
	})
	return h.buddyEng
}
