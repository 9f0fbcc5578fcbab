// Package heap implements the per-process brk-backed kernel heap of
// spec.md §4.5: a HeapHeader anchoring two intrusive doubly-linked lists
// (all blocks, free blocks) over 16-byte-rounded Blocks, with best-fit
// allocation, split, and coalesce.
//
// Grounded on the single free-list/split/coalesce shape described
// throughout spec.md §4.5 and, for the intrusive list layout itself, on
// other_examples's cznic/memory allocator (page{brk, size, used},
// node{prev, next}) -- the closest thing in the retrieval pack to a
// from-scratch user-space-style allocator built directly over raw pages
// rather than a GC. Block header fields are placed with unsafe.Pointer the
// same way kernel/slab and kernel/vmm treat PageDir/PageTable/VmArea: a Go
// struct overlaying memory obtained from the VMA, not a separately
// GC-managed object.
package heap

import (
	"fmt"
	"unsafe"

	"github.com/google/pprof/profile"

	"vmcore/kernel/defs"
	"vmcore/kernel/mem"
	"vmcore/kernel/util"
	"vmcore/kernel/vma"
)

// Heap placement and sizing constants, per spec.md §4.5.
const (
	LowerBound = 0x4000_0000
	UpperBound = 0x5000_0000

	initialPayload = 1024 // 1 KiB preallocated initial block
)

const freeBit = uint32(1) << 31

// blockHeader is the per-block metadata spec.md's Data Model calls Block:
// an is_free bit packed into the top of size, plus the two intrusive list
// links (list_link, free_link).
type blockHeader struct {
	sizeAndFlag        uint32
	listPrev, listNext *blockHeader
	freePrev, freeNext *blockHeader
}

// Overhead is the number of bytes a Block's header costs, excluded from its
// reported payload size.
const Overhead = unsafe.Sizeof(blockHeader{})

func blockAt(addr uintptr) *blockHeader { return (*blockHeader)(unsafe.Pointer(addr)) }

func (b *blockHeader) addr() uintptr    { return uintptr(unsafe.Pointer(b)) }
func (b *blockHeader) payload() uintptr { return b.addr() + Overhead }
func blockFromPayload(ptr uintptr) *blockHeader {
	return blockAt(ptr - Overhead)
}

func (b *blockHeader) isFree() bool { return b.sizeAndFlag&freeBit != 0 }
func (b *blockHeader) setFree(v bool) {
	if v {
		b.sizeAndFlag |= freeBit
	} else {
		b.sizeAndFlag &^= freeBit
	}
}
func (b *blockHeader) size() uint32 { return b.sizeAndFlag &^ freeBit }
func (b *blockHeader) setSize(s uint32) {
	b.sizeAndFlag = (b.sizeAndFlag & freeBit) | (s &^ freeBit)
}

// HeapHeader sits at the base of the heap VMA and anchors the two lists.
type HeapHeader struct {
	listHead, listTail *blockHeader
	freeHead, freeTail *blockHeader
}

// HeaderOverhead is the size of HeapHeader itself.
const HeaderOverhead = unsafe.Sizeof(HeapHeader{})

// Size is the total span of the heap VMA: 4 MiB of growable payload plus
// the header and the first block's own header, per spec.md §4.5's
// HEAP_SIZE formula.
const Size = uintptr(4*mem.Mb) + HeaderOverhead + uintptr(Overhead)

// Heap is the live, in-kernel handle to one process's heap.
type Heap struct {
	mm     *vma.Mm
	area   *vma.VmArea
	header *HeapHeader
	base   uintptr
}

// Init creates the heap VMA at base (chosen by the caller, conventionally
// via PickBase) and carves the initial 1 KiB free block.
func Init(m *vma.Mm, base uintptr, gfp mem.GfpFlags) (*Heap, defs.Err_t) {
	flags := defs.FlagPresent | defs.FlagRW | defs.FlagUser
	area, err := m.CreateVMArea(base, Size, flags, defs.VMRead|defs.VMWrite, gfp)
	if err != 0 {
		return nil, err
	}

	header := (*HeapHeader)(unsafe.Pointer(base))
	*header = HeapHeader{}

	initial := blockAt(base + HeaderOverhead)
	initial.sizeAndFlag = 0
	initial.setSize(initialPayload)
	initial.setFree(true)
	initial.listPrev, initial.listNext = nil, nil
	initial.freePrev, initial.freeNext = nil, nil

	header.listHead, header.listTail = initial, initial
	header.freeHead, header.freeTail = initial, initial

	m.StartBrk = initial.payload() + uintptr(initialPayload)
	m.Brk = m.StartBrk

	return &Heap{mm: m, area: area, header: header, base: base}, 0
}

// PickBase deterministically derives a heap base in [LowerBound,
// UpperBound) from seed using a small linear congruential generator.
// spec.md §9 documents the teacher's heap placement as "a weak PRNG
// without entropy... whether the break must be reproducible for debugging,
// the source does not commit either way" -- this core resolves that open
// question by making placement a pure function of the caller-supplied
// seed, so a debugging session can reproduce a prior layout on request.
func PickBase(seed uint32) uintptr {
	const a, c = 1103515245, 12345
	v := a*seed + c
	span := uint32(UpperBound - LowerBound)
	offset := uintptr(v % span)
	return util.Rounddown(LowerBound+offset, uintptr(mem.PageSize))
}

func (h *Heap) unlinkFree(b *blockHeader) {
	if b.freePrev != nil {
		b.freePrev.freeNext = b.freeNext
	} else {
		h.header.freeHead = b.freeNext
	}
	if b.freeNext != nil {
		b.freeNext.freePrev = b.freePrev
	} else {
		h.header.freeTail = b.freePrev
	}
	b.freePrev, b.freeNext = nil, nil
}

func (h *Heap) insertFree(b *blockHeader) {
	b.freePrev = nil
	b.freeNext = h.header.freeHead
	if h.header.freeHead != nil {
		h.header.freeHead.freePrev = b
	} else {
		h.header.freeTail = b
	}
	h.header.freeHead = b
}

func (h *Heap) insertListAfter(after, b *blockHeader) {
	b.listPrev = after
	b.listNext = after.listNext
	if after.listNext != nil {
		after.listNext.listPrev = b
	} else {
		h.header.listTail = b
	}
	after.listNext = b
}

func (h *Heap) appendListTail(b *blockHeader) {
	b.listPrev = h.header.listTail
	b.listNext = nil
	if h.header.listTail != nil {
		h.header.listTail.listNext = b
	} else {
		h.header.listHead = b
	}
	h.header.listTail = b
}

// unlinkListBlock removes b from the all-blocks list only (b must already
// be off the free list, or the caller is responsible for that).
func (h *Heap) unlinkListBlock(b *blockHeader) {
	if b.listPrev != nil {
		b.listPrev.listNext = b.listNext
	} else {
		h.header.listHead = b.listNext
	}
	if b.listNext != nil {
		b.listNext.listPrev = b.listPrev
	} else {
		h.header.listTail = b.listPrev
	}
	b.listPrev, b.listNext = nil, nil
}

// mergeRight folds right into left: left grows by right's full footprint,
// right is removed from the all-blocks list (and the free list, if it was
// on it).
func (h *Heap) mergeRight(left, right *blockHeader) {
	if right.isFree() {
		h.unlinkFree(right)
	}
	left.setSize(left.size() + uint32(Overhead) + right.size())
	h.unlinkListBlock(right)
}

// Malloc implements spec.md §4.5's allocation algorithm: round up to 16
// bytes, best-fit search, split on overage, else extend the break.
func (h *Heap) Malloc(size uintptr) (uintptr, defs.Err_t) {
	if size == 0 {
		return 0, defs.EINVAL
	}
	rounded := uint32(util.Roundup(size, 16))

	var best *blockHeader
	for b := h.header.freeHead; b != nil; b = b.freeNext {
		if b.size() < rounded {
			continue
		}
		if best == nil || b.size() < best.size() || (b.size() == best.size() && b.addr() < best.addr()) {
			best = b
		}
	}

	if best != nil {
		if best.size() > uint32(Overhead)+rounded {
			oldSize := best.size()
			best.setSize(rounded)

			newAddr := best.payload() + uintptr(rounded)
			newBlock := blockAt(newAddr)
			newBlock.sizeAndFlag = 0
			newBlock.setSize(oldSize - uint32(Overhead) - rounded)
			newBlock.setFree(true)

			h.insertListAfter(best, newBlock)
			// Replace best with newBlock at the same free-list position.
			newBlock.freePrev = best.freePrev
			newBlock.freeNext = best.freeNext
			if best.freePrev != nil {
				best.freePrev.freeNext = newBlock
			} else {
				h.header.freeHead = newBlock
			}
			if best.freeNext != nil {
				best.freeNext.freePrev = newBlock
			} else {
				h.header.freeTail = newBlock
			}
			best.freePrev, best.freeNext = nil, nil
		} else {
			h.unlinkFree(best)
		}
		best.setFree(false)
		h.mm.Ledger.AddHeap(int64(best.size()))
		return best.payload(), 0
	}

	footprint := uintptr(Overhead) + uintptr(rounded)
	if h.mm.Brk+footprint > h.area.End {
		return 0, defs.ENOMEM
	}

	newBlock := blockAt(h.mm.Brk)
	newBlock.sizeAndFlag = 0
	newBlock.setSize(rounded)
	newBlock.setFree(false)
	h.appendListTail(newBlock)
	h.mm.Brk += footprint

	h.mm.Ledger.AddHeap(int64(rounded))
	return newBlock.payload(), 0
}

// Free implements spec.md §4.5's deallocation algorithm: mark free, then
// coalesce with whichever neighbors (in the all-blocks list) are also
// free.
func (h *Heap) Free(ptr uintptr) defs.Err_t {
	if ptr < h.base+HeaderOverhead+uintptr(Overhead) || ptr >= h.mm.Brk {
		panic("heap: free of a pointer outside the heap VMA")
	}
	block := blockFromPayload(ptr)
	if !h.ownsBlock(block) {
		panic("heap: free of an unmanaged pointer")
	}
	if block.isFree() {
		panic("heap: double free")
	}

	h.mm.Ledger.AddHeap(-int64(block.size()))
	prev, next := block.listPrev, block.listNext

	// block is not on the free list, so it is only marked free where it
	// survives as a block of its own; a block folded into prev must not
	// look free to mergeRight.
	switch {
	case prev != nil && prev.isFree() && next != nil && next.isFree():
		h.mergeRight(prev, block)
		h.mergeRight(prev, next)
	case prev != nil && prev.isFree():
		h.mergeRight(prev, block)
	case next != nil && next.isFree():
		h.mergeRight(block, next)
		block.setFree(true)
		h.insertFree(block)
	default:
		block.setFree(true)
		h.insertFree(block)
	}
	return 0
}

// ownsBlock walks the all-blocks list to confirm ptr's header is a block
// this heap actually carved, rather than an arbitrary address the caller
// mistook for one. spec.md §7 classifies freeing an unmanaged pointer as
// Fatal, so this check exists to find that condition rather than corrupt
// the lists silently.
func (h *Heap) ownsBlock(block *blockHeader) bool {
	for b := h.header.listHead; b != nil; b = b.listNext {
		if b == block {
			return true
		}
	}
	return false
}

// Brk implements the dispatch spec.md §6 describes for the brk syscall,
// given an already-initialized Heap: addr==0 returns the current break;
// addr in [heap base, current break) frees that block; anything else,
// including an address between the break and the end of the heap VMA, is
// treated as a size request.
func (h *Heap) Brk(addr uintptr) (uintptr, defs.Err_t) {
	if addr == 0 {
		return h.mm.Brk, 0
	}
	if addr >= h.base && addr < h.mm.Brk {
		if err := h.Free(addr); err != 0 {
			return 0, err
		}
		return h.mm.Brk, 0
	}
	return h.Malloc(addr)
}

// Profile snapshots every block (free and in-use) as a pprof heap profile,
// so it can be written out and inspected with `go tool pprof`. Wired per
// SPEC_FULL.md's domain-stack section: the teacher's go.mod requires
// github.com/google/pprof without ever importing it in the sampled files,
// and a heap snapshot is the natural place for this core to exercise it.
func (h *Heap) Profile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "bytes", Unit: "bytes"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
	}

	freeFn := &profile.Function{ID: 1, Name: "heap.free_block"}
	usedFn := &profile.Function{ID: 2, Name: "heap.used_block"}
	p.Function = []*profile.Function{freeFn, usedFn}

	freeLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: freeFn}}}
	usedLoc := &profile.Location{ID: 2, Line: []profile.Line{{Function: usedFn}}}
	p.Location = []*profile.Location{freeLoc, usedLoc}

	for b := h.header.listHead; b != nil; b = b.listNext {
		loc := usedLoc
		if b.isFree() {
			loc = freeLoc
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(b.size())},
			Label: map[string][]string{
				"address": {fmt.Sprintf("%#x", b.addr())},
			},
		})
	}
	return p
}
