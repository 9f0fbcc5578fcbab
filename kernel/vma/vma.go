// Package vma implements the address-space descriptor and VMA list of
// spec.md §4.3: Mm owns a PageDir, an ordered list of non-overlapping
// VmAreas, and the counters/MRU cache that go with them.
//
// Grounded on biscuit's vm/as.go (Vm_t: a locked struct wrapping a
// Vmregion_t ordered list and a Pmap_t, with Vmadd_anon/_mkvmi building
// VMAs and validating permissions) for the overall shape, and on gVisor's
// pkg/sentry/mm (vmaSet, an ordered set of vma ranges, and
// MemoryManager.Fork's vma-then-pma copy order) for the ordered-list/clone
// design, since the source pack's own Vmregion_t type was not included in
// the retrieval.
package vma

import (
	"sync"
	"unsafe"

	"vmcore/kernel/accnt"
	"vmcore/kernel/defs"
	"vmcore/kernel/limits"
	"vmcore/kernel/mem"
	"vmcore/kernel/oom"
	"vmcore/kernel/slab"
	"vmcore/kernel/util"
	"vmcore/kernel/vmm"
)

// UserSpaceTop bounds the gap search and is the conventional 3:1 split a
// 32-bit x86 kernel uses to separate user and kernel virtual address space.
const UserSpaceTop uintptr = 0xc000_0000

// VmArea is a single, exclusively-owned virtual memory area: the half-open
// range [Start, End), its buddy order, and its user-visible flags.
type VmArea struct {
	Start, End uintptr
	Order      uint8
	VMFlags    defs.VMFlag

	mm         *Mm
	prev, next *VmArea
}

// Size returns the byte length of the area.
func (v *VmArea) Size() uintptr { return v.End - v.Start }

// RangeStatus is the result of validating a proposed [start, end) range
// against an Mm's existing VMAs, per spec.md §4.3's is_valid_range.
type RangeStatus int

const (
	RangeValid RangeStatus = iota
	RangeOverlap
	RangeInvalidArgs
)

// Mm is the per-process address-space descriptor: the page directory, the
// ordered VMA list, and the heap break.
type Mm struct {
	mu sync.Mutex

	Pgd     *vmm.PageDir
	mapper  *vmm.Mapper
	phys    *mem.Allocator
	areas   *slab.Cache
	Limits  *limits.MmLimits
	Ledger  *accnt.Ledger

	head, tail *VmArea
	cache      *VmArea
	mapCount   uint32
	totalVM    uint64

	StartBrk, Brk, StartStack uintptr
}

// New creates an empty address space with a fresh page directory. phys is
// wired to notify kernel/oom on any failed allocation -- the one place an
// Allocator and its listener meet in this core, there being no separate
// kernel bring-up entry point to install it from.
func New(phys *mem.Allocator, mapper *vmm.Mapper) (*Mm, defs.Err_t) {
	phys.SetOOMNotify(func(requested int) {
		oom.Notify(oom.Msg{Requested: requested})
	})
	pgd, err := mapper.NewPageDir()
	if err != 0 {
		return nil, err
	}
	var area VmArea
	return &Mm{
		Pgd:    pgd,
		mapper: mapper,
		phys:   phys,
		areas:  slab.NewCache(phys, unsafe.Sizeof(area), unsafe.Alignof(area)),
		Limits: limits.NewMmLimits(),
		Ledger: &accnt.Ledger{},
	}, 0
}

// MapCount returns the number of VMAs currently linked into this Mm.
func (m *Mm) MapCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapCount
}

// TotalVM returns the number of resident pages across every VMA in this Mm.
func (m *Mm) TotalVM() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalVM
}

// Areas returns a snapshot of every VmArea currently in this Mm, ordered by
// Start. Used by callers (kernel/proc's Fork) that must walk the whole
// address space rather than look up one VMA at a time.
func (m *Mm) Areas() []*VmArea {
	m.mu.Lock()
	defer m.mu.Unlock()
	areas := make([]*VmArea, 0, m.mapCount)
	for a := m.head; a != nil; a = a.next {
		areas = append(areas, a)
	}
	return areas
}

// IsValidRange implements spec.md §4.3's is_valid_range.
func (m *Mm) IsValidRange(start, end uintptr) RangeStatus {
	if m == nil {
		return RangeInvalidArgs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isValidRangeLocked(start, end)
}

func (m *Mm) isValidRangeLocked(start, end uintptr) RangeStatus {
	if start >= end {
		return RangeInvalidArgs
	}
	for a := m.head; a != nil; a = a.next {
		if start < a.End && a.Start < end {
			return RangeOverlap
		}
	}
	return RangeValid
}

func (m *Mm) insertSortedLocked(area *VmArea) {
	if m.head == nil {
		m.head, m.tail = area, area
		return
	}
	if area.Start < m.head.Start {
		area.next = m.head
		m.head.prev = area
		m.head = area
		return
	}
	cur := m.head
	for cur.next != nil && cur.next.Start < area.Start {
		cur = cur.next
	}
	area.next = cur.next
	area.prev = cur
	if cur.next != nil {
		cur.next.prev = area
	} else {
		m.tail = area
	}
	cur.next = area
}

func (m *Mm) unlinkLocked(area *VmArea) {
	if area.prev != nil {
		area.prev.next = area.next
	} else {
		m.head = area.next
	}
	if area.next != nil {
		area.next.prev = area.prev
	} else {
		m.tail = area.prev
	}
	area.prev, area.next = nil, nil
}

// CreateVMArea implements spec.md §4.3's create_vm_area. pgFlags is the
// mapper-facing flag set (including FlagCOW when the area should start
// copy-on-write with no backing frames yet); vmFlags is the user-visible
// flag set recorded on the VmArea (e.g. the raw mmap flags).
func (m *Mm) CreateVMArea(start, size uintptr, pgFlags defs.PTEFlag, vmFlags defs.VMFlag, gfp mem.GfpFlags) (*VmArea, defs.Err_t) {
	if start == 0 || size == 0 {
		return nil, defs.EINVAL
	}
	end := start + size

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.isValidRangeLocked(start, end) {
	case RangeInvalidArgs:
		return nil, defs.EINVAL
	case RangeOverlap:
		return nil, defs.EEXIST
	}

	npages := mem.Pages(mem.Size(size))
	order := util.CeilLog2(npages)

	if !m.Limits.VMACount.Take(1) {
		return nil, defs.ENOMEM
	}
	if !m.Limits.ResidentPages.Take(int64(npages)) {
		m.Limits.VMACount.Give(1)
		return nil, defs.ENOMEM
	}

	var physStart uintptr
	var effectiveFlags defs.PTEFlag
	var allocated *mem.PhysPage

	if pgFlags&defs.FlagCOW != 0 {
		effectiveFlags = pgFlags &^ (defs.FlagPresent | defs.FlagUpdAddr)
	} else {
		pp, ok := m.phys.AllocPages(gfp, order)
		if !ok {
			m.Limits.ResidentPages.Give(int64(npages))
			m.Limits.VMACount.Give(1)
			return nil, defs.ENOMEM
		}
		allocated = pp
		physStart = mem.Phys(pp)
		effectiveFlags = pgFlags | defs.FlagUpdAddr
	}

	areaAddr, slabErr := m.areas.Alloc()
	if slabErr != 0 {
		if allocated != nil {
			m.phys.FreePages(allocated)
		}
		m.Limits.ResidentPages.Give(int64(npages))
		m.Limits.VMACount.Give(1)
		return nil, defs.ENOMEM
	}
	area := (*VmArea)(unsafe.Pointer(areaAddr))
	area.Start, area.End, area.Order, area.VMFlags, area.mm = start, end, order, vmFlags, m

	if mapErr := m.mapper.UpdateArea(m.Pgd, start, physStart, size, effectiveFlags); mapErr != 0 {
		m.areas.Free(areaAddr)
		if allocated != nil {
			m.phys.FreePages(allocated)
		}
		m.Limits.ResidentPages.Give(int64(npages))
		m.Limits.VMACount.Give(1)
		return nil, mapErr
	}

	m.insertSortedLocked(area)
	m.mapCount++
	m.totalVM += npages
	m.cache = area
	if allocated != nil {
		m.Ledger.AddResident(int64(npages))
	}

	return area, 0
}

// CloneVMArea implements spec.md §4.3's clone_vm_area. With cow=false the
// destination gets a private copy; with cow=true the source mapping is
// re-marked COW and the mapper installs sharing entries in the destination.
func (m *Mm) CloneVMArea(dst *Mm, area *VmArea, cow bool, gfp mem.GfpFlags) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	if area == nil || area.mm != m {
		return defs.EINVAL
	}

	size := area.Size()
	switch dst.isValidRangeLocked(area.Start, area.End) {
	case RangeInvalidArgs:
		return defs.EINVAL
	case RangeOverlap:
		return defs.EEXIST
	}

	if !dst.Limits.VMACount.Take(1) {
		return defs.ENOMEM
	}

	dstAreaAddr, slabErr := dst.areas.Alloc()
	if slabErr != 0 {
		dst.Limits.VMACount.Give(1)
		return defs.ENOMEM
	}
	dstArea := (*VmArea)(unsafe.Pointer(dstAreaAddr))
	dstArea.Start, dstArea.End, dstArea.Order, dstArea.VMFlags, dstArea.mm = area.Start, area.End, area.Order, area.VMFlags, dst

	npages := mem.Pages(mem.Size(size))

	if !cow {
		if !dst.Limits.ResidentPages.Take(int64(npages)) {
			dst.areas.Free(dstAreaAddr)
			dst.Limits.VMACount.Give(1)
			return defs.ENOMEM
		}
		pp, ok := m.phys.AllocPages(gfp, area.Order)
		if !ok {
			dst.Limits.ResidentPages.Give(int64(npages))
			dst.areas.Free(dstAreaAddr)
			dst.Limits.VMACount.Give(1)
			return defs.ENOMEM
		}
		flags := defs.FlagRW | defs.FlagPresent | defs.FlagUpdAddr | defs.FlagUser
		if err := m.mapper.UpdateArea(dst.Pgd, area.Start, mem.Phys(pp), size, flags); err != 0 {
			m.phys.FreePages(pp)
			dst.Limits.ResidentPages.Give(int64(npages))
			dst.areas.Free(dstAreaAddr)
			dst.Limits.VMACount.Give(1)
			return err
		}

		srcVirt := mem.VirtFromPage(mustPhysPage(m.mapper, m.Pgd, area.Start))
		dstVirt := mem.VirtFromPage(pp)
		mem.Memcopy(srcVirt, dstVirt, size)

		dst.Ledger.AddResident(int64(npages))
	} else {
		// The resident-page ceiling is checked before anything below
		// touches the source mapping or allocates destination page tables,
		// so a rejected clone never leaves the parent re-marked COW with no
		// corresponding destination mapping installed.
		if !dst.Limits.ResidentPages.Take(int64(npages)) {
			dst.areas.Free(dstAreaAddr)
			dst.Limits.VMACount.Give(1)
			return defs.ENOMEM
		}

		reFlags := defs.FlagCOW | defs.FlagUser
		if err := m.mapper.UpdateArea(m.Pgd, area.Start, 0, size, reFlags); err != 0 {
			dst.Limits.ResidentPages.Give(int64(npages))
			dst.areas.Free(dstAreaAddr)
			dst.Limits.VMACount.Give(1)
			return err
		}
		if err := m.mapper.CloneArea(m.Pgd, dst.Pgd, area.Start, area.Start, size, 0); err != 0 {
			dst.Limits.ResidentPages.Give(int64(npages))
			dst.areas.Free(dstAreaAddr)
			dst.Limits.VMACount.Give(1)
			return err
		}

		for addr := area.Start; addr < area.End; addr += mem.PageSize {
			frame, ok := m.mapper.FrameAt(dst.Pgd, addr)
			if !ok {
				continue
			}
			if pp := m.phys.PageFromPhys(frame.Address()); pp != nil {
				m.phys.PageInc(pp)
			}
		}

		dst.Ledger.AddShared(int64(npages))
		m.Ledger.AddShared(int64(npages))
	}

	dst.insertSortedLocked(dstArea)
	dst.mapCount++
	dst.totalVM += npages
	dst.cache = dstArea

	return 0
}

func mustPhysPage(mapper *vmm.Mapper, pgd *vmm.PageDir, virt uintptr) *mem.PhysPage {
	pp, _ := mapper.VirtualToPage(pgd, virt)
	if pp == nil {
		panic("vma: clone source has no backing page")
	}
	return pp
}

// DestroyVMArea implements spec.md §4.3's destroy_vm_area.
func (m *Mm) DestroyVMArea(area *VmArea) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	if area == nil || area.mm != m {
		return defs.EINVAL
	}

	addr := area.Start
	for addr < area.End {
		pp, remaining := m.mapper.VirtualToPage(m.Pgd, addr)
		if pp == nil {
			addr += mem.PageSize
			continue
		}
		span := remaining
		if span == 0 || addr+span > area.End {
			span = util.Min(span, area.End-addr)
			if span == 0 {
				span = mem.PageSize
			}
		}

		if mem.PageCount(pp) > 1 {
			m.phys.PageDec(pp)
			m.Ledger.AddShared(-1)
		} else {
			m.phys.FreePages(pp)
			m.Ledger.AddResident(-int64(mem.Pages(mem.Size(span))))
		}
		addr += span
	}

	m.unlinkLocked(area)
	if m.cache == area {
		m.cache = nil
	}
	m.mapCount--
	npages := mem.Pages(mem.Size(area.Size()))
	m.totalVM -= npages
	m.Limits.ResidentPages.Give(int64(npages))
	m.Limits.VMACount.Give(1)
	m.areas.Free(uintptr(unsafe.Pointer(area)))
	return 0
}

// FindVMArea implements spec.md §4.3's find_vm_area: exact-start match.
func (m *Mm) FindVMArea(start uintptr) *VmArea {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil && m.cache.Start == start {
		return m.cache
	}
	for a := m.head; a != nil; a = a.next {
		if a.Start == start {
			m.cache = a
			return a
		}
		if a.Start > start {
			break
		}
	}
	return nil
}

// FindVMAreaContaining returns the VMA covering addr, or nil. §4.4's
// page-fault resolver needs a containing-range lookup (the fault address is
// essentially never a VMA's exact start); FindVMArea's exact-start contract
// in §4.3 serves callers like munmap that already know the start address.
func (m *Mm) FindVMAreaContaining(addr uintptr) *VmArea {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil && addr >= m.cache.Start && addr < m.cache.End {
		return m.cache
	}
	for a := m.head; a != nil; a = a.next {
		if addr >= a.Start && addr < a.End {
			m.cache = a
			return a
		}
		if a.Start > addr {
			break
		}
	}
	return nil
}

// SearchFreeArea implements spec.md §4.3's search_free_area: walks the list
// in reverse, returning the topmost address of the first gap (scanning from
// the highest addresses down) at least length bytes wide.
func (m *Mm) SearchFreeArea(length uintptr) (uintptr, defs.Err_t) {
	if length == 0 {
		return 0, defs.EINVAL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tail == nil {
		if UserSpaceTop >= length {
			return UserSpaceTop - length, 0
		}
		return 0, defs.ENOMEM
	}

	if UserSpaceTop-m.tail.End >= length {
		return UserSpaceTop - length, 0
	}

	for cur := m.tail; cur.prev != nil; cur = cur.prev {
		if cur.Start-cur.prev.End >= length {
			return cur.Start - length, 0
		}
	}

	if m.head.Start >= length {
		return m.head.Start - length, 0
	}
	return 0, defs.ENOMEM
}
