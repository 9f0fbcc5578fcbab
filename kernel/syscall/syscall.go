// Package syscall implements the thin adapters spec.md §6 calls the "User
// syscall surface (exposed)": brk, mmap, munmap. Each is a small dispatcher
// over kernel/vma and kernel/heap -- no policy of its own beyond what §6
// spells out.
//
// Grounded on biscuit's vm/as.go syscall handlers (Sys_mmap, Sys_munmap,
// Sys_brk), which are themselves thin wrappers calling straight into Vm_t's
// VMA operations.
package syscall

import (
	"vmcore/kernel/defs"
	"vmcore/kernel/heap"
	"vmcore/kernel/vma"
)

// Table is one process's syscall-facing memory context: its address space
// plus a lazily-initialized heap.
type Table struct {
	mm       *vma.Mm
	heapSeed uint32
	heap     *heap.Heap
}

// NewTable builds a Table over mm. heapSeed seeds the heap's pseudo-random
// base address (see heap.PickBase) the first time Brk initializes it.
func NewTable(mm *vma.Mm, heapSeed uint32) *Table {
	return &Table{mm: mm, heapSeed: heapSeed}
}

// Brk implements spec.md §6's brk(addr): addr==0 (or a not-yet-initialized
// heap) initializes the heap and returns the current break; addr in
// [heap base, current break) frees that block; anything else is a size
// request.
func (t *Table) Brk(addr uintptr) (uintptr, defs.Err_t) {
	if t.heap == nil {
		h, err := heap.Init(t.mm, heap.PickBase(t.heapSeed), 0)
		if err != 0 {
			return 0, err
		}
		t.heap = h
		if addr == 0 {
			return t.heap.Brk(0)
		}
	}
	return t.heap.Brk(addr)
}

// FdValidator checks that fd refers to an open file at least length bytes
// long. kernel/syscall has no filesystem of its own (out of scope per
// spec.md §1); callers wire in whatever fd table they have.
type FdValidator func(fd int, length uintptr) bool

// Mmap implements spec.md §6's mmap(addr, length, prot, flags, fd, offset).
// offset is accepted for signature parity with the real syscall but unused:
// this core validates the descriptor only and never populates VMA content
// from a file, per spec.md §1's explicit scope.
func (t *Table) Mmap(addr, length uintptr, prot defs.PTEFlag, flags defs.VMFlag, fd int, offset uintptr, validFd FdValidator) (uintptr, defs.Err_t) {
	if length == 0 {
		return 0, defs.EINVAL
	}
	if validFd != nil && !validFd(fd, length) {
		return 0, defs.EINVAL
	}

	start := addr
	if start == 0 || t.mm.IsValidRange(start, start+length) != vma.RangeValid {
		free, err := t.mm.SearchFreeArea(length)
		if err != 0 {
			return 0, err
		}
		start = free
	}

	pgFlags := defs.FlagPresent | defs.FlagRW | defs.FlagCOW | defs.FlagUser
	if _, err := t.mm.CreateVMArea(start, length, pgFlags, flags, 0); err != 0 {
		return 0, err
	}
	return start, 0
}

// Munmap implements spec.md §6's munmap(addr, length): exact start+length
// match only.
func (t *Table) Munmap(addr, length uintptr) defs.Err_t {
	area := t.mm.FindVMArea(addr)
	if area == nil || area.Size() != length {
		return defs.ENOENT
	}
	return t.mm.DestroyVMArea(area)
}
