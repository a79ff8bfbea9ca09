// Package buddy implements a binary buddy allocator over a single
// caller-supplied byte region. Blocks are power-of-two multiples of a
// leaf size; a per-order free list and a pair of bitmaps (allocated,
// split) track state so that free can coalesce without any
// per-allocation header.
//
// The region need not be a power-of-two multiple of the leaf size:
// construction tiles it greedily from the largest order down,
// leaving a sub-leaf residue permanently unavailable.
package buddy

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/embedkit/fsheap/bitset"
	"github.com/embedkit/fsheap/list"
)

const minLeafSize = 16

// entry holds the per-order bookkeeping: the free-list sentinel and
// the two bitmaps described in the package doc.
type entry struct {
	head  list.Node
	alloc []byte
	split []byte // nil for order 0
}

// Params configures a Buddy. Arena is the byte range the allocator
// will manage in place; it must outlive the Buddy. LeafSize is the
// smallest block size, a power of two of at least 16 bytes (two
// machine pointers on 64-bit targets, the size of an intrusive list
// node). ZeroFilled tells the allocator the arena is already zeroed,
// skipping a redundant pass.
type Params struct {
	Arena      []byte
	LeafSize   uintptr
	ZeroFilled bool
}

// Buddy is a binary buddy allocator managing a fixed region.
type Buddy struct {
	leafSize    uintptr
	leafShift   uint
	dataBase    uintptr
	end         uintptr
	order       int // K: number of orders, including the dummy top
	entries     []entry
	unavailable uintptr
	capacity    uintptr // end - dataBase - unavailable, fixed at construction
}

// New carves allocator metadata out of p.Arena and tiles the
// remainder into the initial free lists. It panics on a bad
// parameter, per this package's construction-time error discipline:
// there is no recoverable state for a buddy allocator that cannot be
// built at all.
func New(p Params) *Buddy {
	if p.LeafSize == 0 || p.LeafSize&(p.LeafSize-1) != 0 || p.LeafSize < minLeafSize {
		panic(fmt.Sprintf("buddy: leaf size must be a power of two >= %d, got %d", minLeafSize, p.LeafSize))
	}
	if len(p.Arena) == 0 {
		panic("buddy: arena must not be empty")
	}

	base := uintptr(unsafe.Pointer(&p.Arena[0]))
	end := base + uintptr(len(p.Arena))

	leaves := (end - roundUp(base, p.LeafSize)) / p.LeafSize
	if leaves == 0 {
		panic(fmt.Sprintf("buddy: arena of %d bytes cannot hold a single %d-byte leaf", len(p.Arena), p.LeafSize))
	}
	m := bits.Len(uint(leaves)) - 1
	order := m + 2

	b := &Buddy{
		leafSize:  p.LeafSize,
		leafShift: uint(bits.TrailingZeros(uint(p.LeafSize))),
		order:     order,
		entries:   make([]entry, order),
	}

	cursor := roundUp(base, unsafe.Sizeof(uintptr(0)))
	for k := 0; k < order; k++ {
		list.Init(unsafe.Pointer(&b.entries[k].head))
	}
	for k := 0; k < order; k++ {
		nb := bitset.ByteLen(nblock(order, k))
		if cursor+uintptr(nb) > end {
			panic("buddy: arena too small to hold allocator metadata")
		}
		bm := unsafe.Slice((*byte)(unsafe.Pointer(cursor)), nb)
		if !p.ZeroFilled {
			for i := range bm {
				bm[i] = 0
			}
		}
		b.entries[k].alloc = bm
		cursor += uintptr(nb)
	}
	for k := 1; k < order; k++ {
		nb := bitset.ByteLen(nblock(order, k))
		if cursor+uintptr(nb) > end {
			panic("buddy: arena too small to hold allocator metadata")
		}
		bm := unsafe.Slice((*byte)(unsafe.Pointer(cursor)), nb)
		if !p.ZeroFilled {
			for i := range bm {
				bm[i] = 0
			}
		}
		b.entries[k].split = bm
		cursor += uintptr(nb)
	}

	dataBase := roundUp(cursor, p.LeafSize)
	if dataBase+p.LeafSize > end {
		panic("buddy: arena too small to hold both allocator metadata and a single leaf")
	}
	b.dataBase = dataBase
	b.end = end

	b.seed()
	b.capacity = b.end - b.dataBase - b.unavailable
	return b
}

// seed tiles [dataBase, end) greedily from the largest real order
// down, pushing exactly one block per order whose binary digit (in
// the leaf count) is set, then marks every order's boundary index —
// the one still pointing at the unplaced residue once tiling stops —
// as allocated and split (order 0 has no split bitmap, so only its
// alloc bit is set). Because every placed block's own index is
// strictly less than that boundary index at the same order, this
// single pass can never clobber a genuinely free entry, and it
// transitively marks every synthetic parent a placed block needs for
// free to later recover its order (see orderOf) as well as every
// out-of-bounds phantom buddy a later coalesce must not merge into.
func (b *Buddy) seed() {
	base := b.dataBase
	for k := b.order - 2; k >= 0; k-- {
		bs := b.blockSize(k)
		if base+bs <= b.end {
			list.Push(unsafe.Pointer(&b.entries[k].head), unsafe.Pointer(base))
			base += bs
		}
	}
	b.unavailable = b.end - base

	if idx := b.blockIndex(0, unsafe.Pointer(base)); idx < nblock(b.order, 0) {
		bitset.Set(b.entries[0].alloc, idx)
	}
	for k := 1; k < b.order; k++ {
		idx := b.blockIndex(k, unsafe.Pointer(base))
		if idx < nblock(b.order, k) {
			bitset.Set(b.entries[k].alloc, idx)
			bitset.Set(b.entries[k].split, idx)
		}
	}
}

// Alloc returns a leaf-aligned pointer to a block of at least n bytes,
// or nil if the request cannot be satisfied (including when n
// exceeds the largest real order).
func (b *Buddy) Alloc(n uintptr) unsafe.Pointer {
	if n == 0 {
		return nil
	}
	k0 := b.orderForSize(n)
	if k0 > b.order-2 {
		return nil
	}

	k := -1
	for ord := k0; ord <= b.order-2; ord++ {
		if !list.Empty(unsafe.Pointer(&b.entries[ord].head)) {
			k = ord
			break
		}
	}
	if k == -1 {
		return nil
	}

	p := list.Pop(unsafe.Pointer(&b.entries[k].head))
	bitset.Set(b.entries[k].alloc, b.blockIndex(k, p))

	for k > k0 {
		bitset.Set(b.entries[k].split, b.blockIndex(k, p))
		k--
		bitset.Set(b.entries[k].alloc, b.blockIndex(k, p))
		right := unsafe.Add(p, b.blockSize(k))
		list.Push(unsafe.Pointer(&b.entries[k].head), right)
	}
	return p
}

// Free returns a previously allocated pointer to the allocator,
// coalescing with its buddy at each order while the buddy is also
// free. It panics if p falls outside the managed region or is
// already free — both are precondition violations this package
// treats as unrecoverable, per its free-time error discipline.
func (b *Buddy) Free(p unsafe.Pointer) {
	addr := uintptr(p)
	if addr < b.dataBase || addr >= b.end {
		panic("buddy: free of pointer outside the managed region")
	}

	k := b.orderOf(p)
	if !bitset.Get(b.entries[k].alloc, b.blockIndex(k, p)) {
		panic("buddy: double free")
	}

	for {
		i := b.blockIndex(k, p)
		bitset.Clear(b.entries[k].alloc, i)
		if k >= b.order-2 {
			break // merging stops at the top real order, never into the dummy
		}
		bud := i ^ 1
		if bitset.Get(b.entries[k].alloc, bud) {
			break
		}
		buddyAddr := b.dataBase + uintptr(bud)<<(b.leafShift+uint(k))
		list.Remove(unsafe.Pointer(buddyAddr))
		if bud < i {
			p = unsafe.Pointer(buddyAddr)
		}
		bitset.Clear(b.entries[k+1].split, b.blockIndex(k+1, p))
		k++
	}
	list.Push(unsafe.Pointer(&b.entries[k].head), p)
}

// Available reports the total managed capacity: end - dataBase -
// unavailable, fixed once at construction and never recomputed from
// live free-list state. It is the region's reported size, not a
// measure of what is currently free to allocate.
func (b *Buddy) Available() uintptr {
	return b.capacity
}

// Contains reports whether p falls within the region this allocator
// manages for allocation (excluding carved metadata).
func (b *Buddy) Contains(p unsafe.Pointer) bool {
	addr := uintptr(p)
	return addr >= b.dataBase && addr < b.end
}

// orderOf recovers the order of a live pointer by finding the lowest
// k whose parent split bit is set. The dummy top order (b.order-1)
// exists so that blocks of the largest real order also have a parent
// split bit to find.
func (b *Buddy) orderOf(p unsafe.Pointer) int {
	for k := 0; k < b.order-1; k++ {
		if bitset.Get(b.entries[k+1].split, b.blockIndex(k+1, p)) {
			return k
		}
	}
	panic("buddy: pointer order could not be recovered; corrupt metadata or bad pointer")
}

// orderForSize returns the smallest order whose block size is >= n.
func (b *Buddy) orderForSize(n uintptr) int {
	leaves := (n + b.leafSize - 1) >> b.leafShift
	if leaves <= 1 {
		return 0
	}
	return bits.Len(uint(leaves - 1))
}

func (b *Buddy) blockSize(k int) uintptr {
	return b.leafSize << uint(k)
}

func (b *Buddy) blockIndex(k int, p unsafe.Pointer) int {
	return int((uintptr(p) - b.dataBase) >> (b.leafShift + uint(k)))
}

// nblock returns N_k = 2^(order-k-1), the number of order-k blocks in
// an allocator with the given number of orders.
func nblock(order, k int) int {
	return 1 << uint(order-k-1)
}

func roundUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}
