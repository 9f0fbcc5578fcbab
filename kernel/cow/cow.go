// Package cow implements the copy-on-write page-fault resolver of spec.md
// §4.4: on a write fault in a COW-mapped page, either drop the COW bit (the
// frame is no longer shared) or materialize a private copy.
//
// Grounded on biscuit's vm/as.go Sys_pgfault: the same refcount==1
// fast-path ("if we're the only one mapping this page, there's no reason to
// copy it, just mark it writable") and the same fatal-fault classification
// (anything that isn't a COW-marked entry is a kernel bug, not a recoverable
// condition).
package cow

import (
	"vmcore/kernel/defs"
	"vmcore/kernel/mem"
	"vmcore/kernel/util"
	"vmcore/kernel/vma"
	"vmcore/kernel/vmm"
)

// Resolver handles COW write faults for address spaces sharing one mapper
// and physical allocator.
type Resolver struct {
	mapper *vmm.Mapper
	phys   *mem.Allocator
}

// NewResolver builds a Resolver over the given mapper/allocator pair.
func NewResolver(mapper *vmm.Mapper, phys *mem.Allocator) *Resolver {
	return &Resolver{mapper: mapper, phys: phys}
}

// HandlePageFault implements spec.md §4.4's handler. faultAddr is the
// faulting virtual address; only write faults in COW mappings are this
// package's business - anything else is fatal or not-found, per the
// step-by-step classification in §4.4.
func (r *Resolver) HandlePageFault(m *vma.Mm, faultAddr uintptr) defs.Err_t {
	area := m.FindVMAreaContaining(faultAddr)
	if area == nil {
		// No VMA covers this address: a genuine segmentation fault,
		// forwarded to signal delivery outside the core.
		return defs.EFAULT
	}

	aligned := util.Rounddown(faultAddr, uintptr(mem.PageSize))

	flags, ok := r.mapper.EntryFlags(m.Pgd, aligned)
	if !ok || flags&defs.FlagCOW == 0 {
		panic("cow: fatal page fault: entry is not copy-on-write")
	}

	frame, ok := r.mapper.FrameAt(m.Pgd, aligned)
	if !ok {
		panic("cow: fatal page fault: cow entry carries no frame")
	}
	pp := r.phys.PageFromPhys(frame.Address())
	if pp == nil {
		panic("cow: fatal page fault: frame has no descriptor")
	}

	userBit := flags & defs.FlagUser

	if mem.PageCount(pp) == 1 {
		// Sole owner: no copy needed, just stop faulting on writes.
		writable := defs.FlagPresent | defs.FlagRW | userBit
		if err := r.mapper.UpdateArea(m.Pgd, aligned, 0, mem.PageSize, writable); err != 0 {
			return err
		}
		vmm.FlushTLBEntry(aligned)
		return 0
	}

	newPP, ok := r.phys.AllocPages(0, 0)
	if !ok {
		return defs.ENOMEM
	}
	mem.Memcopy(mem.VirtFromPage(pp), mem.VirtFromPage(newPP), mem.PageSize)
	r.phys.PageDec(pp)

	writable := defs.FlagPresent | defs.FlagRW | defs.FlagUpdAddr | userBit
	if err := r.mapper.UpdateArea(m.Pgd, aligned, mem.Phys(newPP), mem.PageSize, writable); err != 0 {
		r.phys.FreePages(newPP)
		return err
	}
	return 0
}
