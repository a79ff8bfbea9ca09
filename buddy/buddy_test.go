package buddy

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuddy(t *testing.T, size int, leaf uintptr) (*Buddy, []byte) {
	t.Helper()
	arena := make([]byte, size)
	return New(Params{Arena: arena, LeafSize: leaf}), arena
}

func TestNewRejectsBadParams(t *testing.T) {
	tests := []struct {
		name string
		size int
		leaf uintptr
	}{
		{"zero leaf", 1 << 16, 0},
		{"non power of two leaf", 1 << 16, 24},
		{"leaf below minimum", 1 << 16, 8},
		{"empty arena", 0, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arena := make([]byte, tt.size)
			assert.Panics(t, func() {
				New(Params{Arena: arena, LeafSize: tt.leaf})
			})
		})
	}
}

func TestNewRejectsArenaTooSmallForMetadata(t *testing.T) {
	assert.Panics(t, func() {
		New(Params{Arena: make([]byte, 20), LeafSize: 16})
	})
}

// S1: Region of exactly 1 MiB, leaf 16, then malloc(512) returns
// non-null, writable, reads back 42 after a write.
func TestAllocWriteReadBack(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<20, 16)

	p := b.Alloc(512)
	require.NotNil(t, p)

	*(*byte)(p) = 42
	assert.Equal(t, byte(42), *(*byte)(p))
}

// S4: Region 64 KiB, leaf 4096: malloc(4) returns an address aligned
// to 4096.
func TestAllocAlignedToLeaf(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<16, 4096)
	p := b.Alloc(4)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)%4096)
}

// S3: malloc(32); free it; malloc(4096); malloc(138); free both. No
// crash; final state frees all bytes.
func TestAllocFreeSequence(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<20, 16)
	initial := b.Available()

	p1 := b.Alloc(32)
	require.NotNil(t, p1)
	b.Free(p1)

	p2 := b.Alloc(4096)
	require.NotNil(t, p2)
	p3 := b.Alloc(138)
	require.NotNil(t, p3)

	assert.NotEqual(t, p2, p3)
	b.Free(p2)
	b.Free(p3)

	assert.Equal(t, initial, b.Available())
}

// S2: repeatedly malloc the largest block whose size <=
// available_bytes()-1, freeing between iterations; after 10 such
// cycles, available_bytes() is unchanged from initial.
func TestRepeatedFullCycleAvailableUnchanged(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<20, 16)
	initial := b.Available()

	for i := 0; i < 10; i++ {
		n := largestPowerOfTwoAtMost(initial - 1)
		p := b.Alloc(n)
		require.NotNilf(t, p, "cycle %d: alloc(%d) failed", i, n)
		b.Free(p)
		require.Equal(t, initial, b.Available())
	}
}

func TestDoubleFreePanics(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<20, 16)
	p := b.Alloc(64)
	require.NotNil(t, p)
	b.Free(p)
	assert.Panics(t, func() { b.Free(p) })
}

func TestFreeOutOfRangePanics(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<20, 16)
	var x byte
	assert.Panics(t, func() { b.Free(unsafe.Pointer(&x)) })
}

func TestAllocTooLargeReturnsNil(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<16, 16)
	assert.Nil(t, b.Alloc(1<<20))
}

func TestAllocZeroReturnsNil(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<16, 16)
	assert.Nil(t, b.Alloc(0))
}

func TestOutOfMemoryReturnsNilNeverPanics(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<16, 16)
	var ptrs []unsafe.Pointer
	for {
		p := b.Alloc(16)
		if p == nil {
			break
		}
		ptrs = append(ptrs, p)
	}
	assert.Nil(t, b.Alloc(16))
	for _, p := range ptrs {
		b.Free(p)
	}
}

// P2: two simultaneously-live allocations never overlap in byte
// range.
func TestLiveAllocationsDoNotOverlap(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<20, 16)

	type span struct {
		start, end uintptr
	}
	var spans []span
	sizes := []uintptr{32, 64, 128, 256, 16, 4096, 48}
	for _, n := range sizes {
		p := b.Alloc(n)
		require.NotNil(t, p)
		spans = append(spans, span{uintptr(p), uintptr(p) + n})
	}
	for i := range spans {
		for j := range spans {
			if i == j {
				continue
			}
			overlap := spans[i].start < spans[j].end && spans[j].start < spans[i].end
			assert.Falsef(t, overlap, "span %d overlaps span %d", i, j)
		}
	}
}

// S5, fuzz-style: random sequence of Alloc/Free actions; after all
// frees, a single malloc(heap_size) must succeed or return null; must
// not panic.
func TestFuzzAllocFreeSequence(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<20, 16)
	r := rand.New(rand.NewSource(42))

	var live []unsafe.Pointer
	for i := 0; i < 2000; i++ {
		if len(live) == 0 || r.Intn(2) == 0 {
			n := uintptr(r.Intn(8192) + 1)
			if p := b.Alloc(n); p != nil {
				live = append(live, p)
			}
		} else {
			idx := r.Intn(len(live))
			b.Free(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}
	for _, p := range live {
		b.Free(p)
	}

	_ = b.Alloc(b.Available())
}

func TestAvailableAfterRandomAllocFreeMatchesInitial(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<20, 16)
	initial := b.Available()
	r := rand.New(rand.NewSource(7))

	var live []unsafe.Pointer
	for i := 0; i < 500; i++ {
		n := uintptr(r.Intn(4096) + 1)
		if p := b.Alloc(n); p != nil {
			live = append(live, p)
		}
	}
	for _, p := range live {
		b.Free(p)
	}
	assert.Equal(t, initial, b.Available())
}

// TestNonPowerOfTwoRegionTiling exercises the greedy-tiling seed path:
// an arena whose leaf count isn't a power of two must still seed
// without panicking, report a positive Available(), satisfy an
// allocation of Available() or, failing that, of the largest power of
// two not above it, and report the same Available() after freeing it.
func TestNonPowerOfTwoRegionTiling(t *testing.T) {
	const leaf = 16
	b, _ := newTestBuddy(t, 100003, leaf) // deliberately not a multiple of leaf or a power of two

	avail := b.Available()
	require.Greater(t, avail, uintptr(0))

	// the largest single allocation obtainable must still succeed and
	// be less than the full available figure when seeding fragmented
	// the region into more than one block.
	p := b.Alloc(avail)
	if p == nil {
		p = b.Alloc(largestPowerOfTwoAtMost(avail))
		require.NotNil(t, p)
	}
	b.Free(p)
	assert.Equal(t, avail, b.Available())
}

func largestPowerOfTwoAtMost(n uintptr) uintptr {
	p := uintptr(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

// P3: after freeing every live allocation, the engine can satisfy a
// single allocation of available_bytes() rounded down to the next
// power-of-two block.
func TestFullyFreedStateSatisfiesLargestPowerOfTwoAlloc(t *testing.T) {
	b, _ := newTestBuddy(t, 100003, 16)
	r := rand.New(rand.NewSource(99))

	var live []unsafe.Pointer
	for i := 0; i < 300; i++ {
		n := uintptr(r.Intn(2048) + 1)
		if p := b.Alloc(n); p != nil {
			live = append(live, p)
		}
	}
	for _, p := range live {
		b.Free(p)
	}

	avail := b.Available()
	want := largestPowerOfTwoAtMost(avail)
	p := b.Alloc(want)
	require.NotNilf(t, p, "expected a %d-byte allocation to succeed out of %d available", want, avail)
	b.Free(p)
}

func TestContains(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<16, 16)
	p := b.Alloc(16)
	require.NotNil(t, p)
	assert.True(t, b.Contains(p))

	var outside byte
	assert.False(t, b.Contains(unsafe.Pointer(&outside)))
}

func TestSplittingReturnsLeafAlignedPointer(t *testing.T) {
	b, _ := newTestBuddy(t, 1<<16, 16)
	initial := b.Available()

	first := b.Alloc(16) // takes the leaf seeding left on the order-0 free list
	require.NotNil(t, first)
	p := b.Alloc(16) // order-0 list now empty: forces splitting a larger block down to a leaf
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)%16)

	b.Free(p)
	b.Free(first)
	assert.Equal(t, initial, b.Available())
}

func BenchmarkAllocFree(b *testing.B) {
	bu := New(Params{Arena: make([]byte, 1<<20), LeafSize: 16})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := bu.Alloc(64)
		bu.Free(p)
	}
}

func BenchmarkAllocSizes(b *testing.B) {
	sizes := []uintptr{16, 64, 256, 1024, 4096}
	bu := New(Params{Arena: make([]byte, 1<<20), LeafSize: 16})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		n := sizes[i%len(sizes)]
		p := bu.Alloc(n)
		if p != nil {
			bu.Free(p)
		}
	}
}
