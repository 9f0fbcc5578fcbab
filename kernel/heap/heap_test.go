package heap

import (
	"testing"

	"vmcore/kernel/mem"
	"vmcore/kernel/vma"
	"vmcore/kernel/vmm"
)

func newTestHeap(t *testing.T, npages int) (*vma.Mm, *Heap) {
	t.Helper()
	phys := mem.NewAllocator(0, npages)
	mapper := vmm.NewMapper(phys)
	m, err := vma.New(phys, mapper)
	if err != 0 {
		t.Fatalf("vma.New failed: %v", err)
	}
	h, err := Init(m, PickBase(1), 0)
	if err != 0 {
		t.Fatalf("Init failed: %v", err)
	}
	return m, h
}

func freeListLen(h *Heap) int {
	n := 0
	for b := h.header.freeHead; b != nil; b = b.freeNext {
		n++
	}
	return n
}

func freeBytes(h *Heap) uint32 {
	var total uint32
	for b := h.header.freeHead; b != nil; b = b.freeNext {
		total += b.size()
	}
	return total
}

// S1: simple malloc/free round trip.
func TestMallocFreeRoundTrip(t *testing.T) {
	_, h := newTestHeap(t, 8192)

	brkBefore := h.mm.Brk
	ptr, err := h.Malloc(64)
	if err != 0 {
		t.Fatalf("Malloc failed: %v", err)
	}
	if ptr == 0 {
		t.Fatal("Malloc returned null")
	}
	if err := h.Free(ptr); err != 0 {
		t.Fatalf("Free failed: %v", err)
	}
	if h.mm.Brk != brkBefore {
		t.Fatalf("break moved across round trip: got %#x, want %#x", h.mm.Brk, brkBefore)
	}
}

// Malloc/Free must keep kernel/accnt's per-Mm heap-byte counter in sync,
// the SPEC_FULL §3 accounting the ledger exists for.
func TestMallocFreeUpdatesLedgerHeapBytes(t *testing.T) {
	m, h := newTestHeap(t, 8192)

	if got := m.Ledger.Fetch().HeapBytes; got != 0 {
		t.Fatalf("HeapBytes before any allocation = %d, want 0", got)
	}

	ptr, err := h.Malloc(64)
	if err != 0 {
		t.Fatalf("Malloc failed: %v", err)
	}
	if got := m.Ledger.Fetch().HeapBytes; got != 64 {
		t.Fatalf("HeapBytes after Malloc(64) = %d, want 64", got)
	}

	if err := h.Free(ptr); err != 0 {
		t.Fatalf("Free failed: %v", err)
	}
	if got := m.Ledger.Fetch().HeapBytes; got != 0 {
		t.Fatalf("HeapBytes after Free = %d, want 0", got)
	}
}

// P4: free(malloc(n)) round trip for a spread of sizes.
func TestMallocFreeRoundTripSizes(t *testing.T) {
	for _, n := range []uintptr{1, 15, 16, 17, 100, 1000, 4096} {
		_, h := newTestHeap(t, 8192)
		brkBefore := h.mm.Brk
		ptr, err := h.Malloc(n)
		if err != 0 {
			t.Fatalf("size %d: Malloc failed: %v", n, err)
		}
		if err := h.Free(ptr); err != 0 {
			t.Fatalf("size %d: Free failed: %v", n, err)
		}
		if h.mm.Brk != brkBefore {
			t.Fatalf("size %d: break moved: got %#x, want %#x", n, h.mm.Brk, brkBefore)
		}
	}
}

// S2: best-fit search. {64, 32, 96} free blocks available: malloc(30)
// should take the 32-block without splitting (32 > OVERHEAD+32 is false);
// malloc(10) should take the smallest-sufficient 64-block, splitting it
// into a used 16-byte block and a new free remainder.
func TestBestFitSearchAndSplit(t *testing.T) {
	_, h := newTestHeap(t, 8192)

	// Build three free blocks of payload size 64, 32, 96, each fenced off
	// by an in-use spacer block on both sides so freeing one doesn't
	// coalesce it into a neighbor and disturb the sizes this test checks.
	mustAlloc := func(n uintptr) uintptr {
		t.Helper()
		p, err := h.Malloc(n)
		if err != 0 {
			t.Fatalf("alloc %d failed: %v", n, err)
		}
		return p
	}
	_ = mustAlloc(8)
	p64 := mustAlloc(64)
	_ = mustAlloc(8)
	p32 := mustAlloc(32)
	_ = mustAlloc(8)
	p96 := mustAlloc(96)
	_ = mustAlloc(8)

	if err := h.Free(p64); err != 0 {
		t.Fatalf("free 64 failed: %v", err)
	}
	if err := h.Free(p32); err != 0 {
		t.Fatalf("free 32 failed: %v", err)
	}
	if err := h.Free(p96); err != 0 {
		t.Fatalf("free 96 failed: %v", err)
	}

	b32 := blockFromPayload(p32)
	if b32.size() != 32 || !b32.isFree() {
		t.Fatalf("expected a free 32-byte block, got size=%d free=%v", b32.size(), b32.isFree())
	}

	got, err := h.Malloc(30)
	if err != 0 {
		t.Fatalf("Malloc(30) failed: %v", err)
	}
	if got != p32 {
		t.Fatalf("Malloc(30) = %#x, want the 32-byte block at %#x (best fit)", got, p32)
	}
	if blockFromPayload(got).size() != 32 {
		t.Fatal("expected the 32-byte block to remain unsplit")
	}

	b64 := blockFromPayload(p64)
	if b64.size() != 64 || !b64.isFree() {
		t.Fatalf("expected a free 64-byte block, got size=%d free=%v", b64.size(), b64.isFree())
	}

	got2, err := h.Malloc(10)
	if err != 0 {
		t.Fatalf("Malloc(10) failed: %v", err)
	}
	if got2 != p64 {
		t.Fatalf("Malloc(10) = %#x, want the 64-byte block at %#x", got2, p64)
	}
	if size := blockFromPayload(got2).size(); size != 16 {
		t.Fatalf("expected the 64-byte block to split down to 16 bytes, got %d", size)
	}
}

// P6: best-fit tie-break favors the earlier address.
func TestBestFitTieBreaksByAddress(t *testing.T) {
	_, h := newTestHeap(t, 8192)

	pA, err := h.Malloc(48)
	if err != 0 {
		t.Fatalf("alloc A failed: %v", err)
	}
	pMid, err := h.Malloc(16)
	if err != 0 {
		t.Fatalf("alloc mid failed: %v", err)
	}
	pB, err := h.Malloc(48)
	if err != 0 {
		t.Fatalf("alloc B failed: %v", err)
	}
	// Fence off the trailing free remainder so freeing pB doesn't coalesce
	// it into something larger than 48, which would break the size tie
	// against pA this test depends on.
	if _, err := h.Malloc(8); err != 0 {
		t.Fatalf("alloc trailing spacer failed: %v", err)
	}
	if err := h.Free(pA); err != 0 {
		t.Fatalf("free A failed: %v", err)
	}
	if err := h.Free(pB); err != 0 {
		t.Fatalf("free B failed: %v", err)
	}
	_ = pMid

	if pA >= pB {
		t.Fatal("test setup assumption broken: expected pA to be the earlier address")
	}

	got, err := h.Malloc(48)
	if err != 0 {
		t.Fatalf("Malloc(48) failed: %v", err)
	}
	if got != pA {
		t.Fatalf("Malloc(48) = %#x, want the earlier-addressed block %#x", got, pA)
	}
}

// P5: coalesce law. Freeing a block with both neighbors free merges all
// three into a single free-list entry.
func TestCoalesceBothNeighborsFree(t *testing.T) {
	_, h := newTestHeap(t, 8192)

	pLeft, err := h.Malloc(32)
	if err != 0 {
		t.Fatalf("alloc left failed: %v", err)
	}
	pMid, err := h.Malloc(32)
	if err != 0 {
		t.Fatalf("alloc mid failed: %v", err)
	}
	pRight, err := h.Malloc(32)
	if err != 0 {
		t.Fatalf("alloc right failed: %v", err)
	}

	if err := h.Free(pLeft); err != 0 {
		t.Fatalf("free left failed: %v", err)
	}
	if err := h.Free(pRight); err != 0 {
		t.Fatalf("free right failed: %v", err)
	}

	before := freeListLen(h)
	beforeBytes := freeBytes(h)

	if err := h.Free(pMid); err != 0 {
		t.Fatalf("free mid failed: %v", err)
	}

	after := freeListLen(h)
	afterBytes := freeBytes(h)

	if after != before-1 {
		t.Fatalf("free-list entries after merging both neighbors = %d, want %d", after, before-1)
	}
	if want := beforeBytes + 32 + 2*uint32(Overhead); afterBytes != want {
		t.Fatalf("free bytes after merge = %d, want %d", afterBytes, want)
	}

	// Freeing pRight already folded the trailing free remainder into it, so
	// merging all three blocks restores the initial block's full size.
	left := blockFromPayload(pLeft)
	if !left.isFree() {
		t.Fatal("expected the merged block to be free")
	}
	if left.size() != initialPayload {
		t.Fatalf("merged block size = %d, want %d", left.size(), initialPayload)
	}
}

func TestFreeOutsideHeapPanics(t *testing.T) {
	_, h := newTestHeap(t, 8192)
	defer func() {
		if recover() == nil {
			t.Fatal("expected Free on an out-of-range pointer to panic")
		}
	}()
	h.Free(0x1234)
}

func TestFreeUnmanagedPointerPanics(t *testing.T) {
	_, h := newTestHeap(t, 8192)
	ptr, err := h.Malloc(64)
	if err != 0 {
		t.Fatalf("Malloc failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected Free on a misaligned in-range pointer to panic")
		}
	}()
	h.Free(ptr + 1)
}

func TestBrkDispatch(t *testing.T) {
	_, h := newTestHeap(t, 8192)

	initialBrk, err := h.Brk(0)
	if err != 0 {
		t.Fatalf("Brk(0) failed: %v", err)
	}
	if initialBrk != h.mm.Brk {
		t.Fatalf("Brk(0) = %#x, want current break %#x", initialBrk, h.mm.Brk)
	}

	ptr, err := h.Brk(128)
	if err != 0 {
		t.Fatalf("Brk(128) failed: %v", err)
	}
	if blockFromPayload(ptr).size() < 128 {
		t.Fatal("expected Brk(size) to allocate at least the requested bytes")
	}

	newBrk, err := h.Brk(ptr)
	if err != 0 {
		t.Fatalf("Brk(ptr) free failed: %v", err)
	}
	if newBrk != h.mm.Brk {
		t.Fatalf("Brk(ptr) = %#x, want current break %#x", newBrk, h.mm.Brk)
	}
	if !blockFromPayload(ptr).isFree() {
		t.Fatal("expected Brk(ptr) to free the block")
	}
}

func TestMallocZeroSizeIsInvalid(t *testing.T) {
	_, h := newTestHeap(t, 8192)
	if _, err := h.Malloc(0); err == 0 {
		t.Fatal("expected Malloc(0) to fail")
	}
}

func TestProfileIncludesEveryBlock(t *testing.T) {
	_, h := newTestHeap(t, 8192)
	if _, err := h.Malloc(64); err != 0 {
		t.Fatalf("Malloc failed: %v", err)
	}

	p := h.Profile()
	if len(p.Sample) == 0 {
		t.Fatal("expected at least one sample in the heap profile")
	}
}
