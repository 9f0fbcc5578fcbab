// Package vmm implements the page-directory/page-table mapper: spec.md
// §4.2's update_area/clone_area/virtual_to_page over a two-level 32-bit x86
// paging structure (1024-entry PageDir pointing at 1024-entry PageTables).
//
// Grounded on gopheros's kernel/mem/vmm package for the overall shape
// (pageTableEntry as a bit-accessor wrapper, walk-by-recursion, mockable
// flushTLBEntryFn seam) and on biscuit's vm/as.go for the COW bit semantics
// (kernel_cow recorded by clearing present rather than a standalone state
// bit). gopheros's vmm.go addresses a recursively-mapped page directory
// (the x86 "self-map" trick); this core instead walks PD/PT frames through
// the direct-map window (kernel/mem.KernelVirt), because the recursive
// mapping trick is tied to the CPU's active CR3 and this core's mapper must
// also operate on address spaces that are not currently loaded (fork/clone
// targets).
package vmm

import (
	"fmt"
	"unsafe"

	"vmcore/kernel/defs"
	"vmcore/kernel/mem"
	"vmcore/kernel/slab"
)

// Entry is one 32-bit page-table/page-directory entry: flag bits in the
// low order matching defs.PTEFlag's layout, frame number in bits 12+.
type Entry uintptr

const frameShift = mem.PageShift

// persistedFlags is the subset of defs.PTEFlag bits that are actually
// stored in a PTE/PDE. FlagUpdAddr is a request-only instruction to
// update_area, never persisted; FlagHugePage is refused outright (see
// UpdateArea).
const persistedFlags = defs.FlagPresent | defs.FlagRW | defs.FlagUser | defs.FlagGlobal | defs.FlagCOW

func entryFromFlags(f defs.PTEFlag) Entry {
	return Entry(f & persistedFlags)
}

// Has reports whether every bit in want is set on e.
func (e Entry) Has(want defs.PTEFlag) bool {
	return defs.PTEFlag(e)&want == want
}

// Frame returns the physical frame number recorded in e.
func (e Entry) Frame() mem.Frame {
	return mem.Frame(uintptr(e) >> frameShift)
}

// WithFrame returns a copy of e with its frame bits replaced by f, leaving
// flag bits untouched.
func (e Entry) WithFrame(f mem.Frame) Entry {
	const flagMask = Entry(1)<<frameShift - 1
	return (e & flagMask) | Entry(uintptr(f)<<frameShift)
}

// PageDir is the top-level, 1024-entry translation table. One exists per
// address space.
type PageDir struct {
	Entries [1024]Entry
}

// PageTable is a second-level, 1024-entry translation table covering 4 MiB
// of virtual address space.
type PageTable struct {
	Entries [1024]Entry
}

func pdIndex(virt uintptr) uintptr { return (virt >> 22) & 0x3ff }
func ptIndex(virt uintptr) uintptr { return (virt >> 12) & 0x3ff }

// flushTLBEntryFn invalidates a single TLB entry for a virtual address.
// Overridden in tests; in a full kernel build the arch bring-up code wires
// this to an INVLPG instruction. A mockable package-level function var,
// same seam gopheros uses for vmm.flushTLBEntryFn.
var flushTLBEntryFn = func(virt uintptr) {}

// Mapper owns the slab caches PageDir/PageTable objects are drawn from and
// the physical allocator backing them.
type Mapper struct {
	allocator *mem.Allocator
	pdCache   *slab.Cache
	ptCache   *slab.Cache
}

// NewMapper builds a Mapper drawing PageDir/PageTable pages from allocator.
func NewMapper(allocator *mem.Allocator) *Mapper {
	return &Mapper{
		allocator: allocator,
		pdCache:   slab.NewCache(allocator, mem.PageSize, mem.PageSize),
		ptCache:   slab.NewCache(allocator, mem.PageSize, mem.PageSize),
	}
}

// NewPageDir allocates and zeroes a fresh PageDir from the slab cache,
// satisfying §4.1's "must return 4 KiB, naturally page-aligned memory"
// contract and "the constructor must zero every entry".
func (m *Mapper) NewPageDir() (*PageDir, defs.Err_t) {
	addr, err := m.pdCache.Alloc()
	if err != 0 {
		return nil, err
	}
	return (*PageDir)(unsafe.Pointer(addr)), 0
}

// FreePageDir returns pd's backing page to the slab cache. Callers must
// have already torn down (or never installed) every PT it referenced.
func (m *Mapper) FreePageDir(pd *PageDir) {
	m.pdCache.Free(uintptr(unsafe.Pointer(pd)))
}

func checkGlobalMonotonic(old Entry, newFlags defs.PTEFlag) {
	if old.Has(defs.FlagGlobal) && newFlags&defs.FlagGlobal == 0 {
		panic("vmm: attempt to clear global bit")
	}
}

// UpdateArea implements spec.md §4.2's update_area: walks [virt, virt+size)
// page by page, creating any missing PageTable through the slab cache,
// optionally rewriting the frame (FlagUpdAddr, with phy/PageSize as the
// starting physical PFN incremented once per page), and applying flags to
// each PTE.
func (m *Mapper) UpdateArea(pgd *PageDir, virt, phy uintptr, size uintptr, flags defs.PTEFlag) defs.Err_t {
	if flags&defs.FlagHugePage != 0 {
		return defs.ENOTSUP
	}
	if flags&defs.FlagCOW != 0 && flags&(defs.FlagPresent|defs.FlagUpdAddr) != 0 {
		panic("vmm: COW mapping must have PRESENT and UPDADDR cleared by the caller")
	}

	npages := mem.Pages(mem.Size(size))
	physFrame := mem.Frame(phy >> mem.PageShift)

	for i := uint64(0); i < npages; i++ {
		v := virt + uintptr(i)*mem.PageSize

		pde := &pgd.Entries[pdIndex(v)]
		var pt *PageTable
		if !pde.Has(defs.FlagPresent) {
			ptAddr, err := m.ptCache.Alloc()
			if err != 0 {
				return defs.ENOMEM
			}
			pt = (*PageTable)(unsafe.Pointer(ptAddr))
			ptPage := m.allocator.PageFromVirt(ptAddr)
			*pde = entryFromFlags(defs.FlagPresent | defs.FlagRW | (flags & (defs.FlagGlobal | defs.FlagUser))).WithFrame(ptPage.Frame())
		} else {
			checkGlobalMonotonic(*pde, flags)
			pt = (*PageTable)(unsafe.Pointer(mem.KernelVirt(pde.Frame())))
		}

		pte := &pt.Entries[ptIndex(v)]
		checkGlobalMonotonic(*pte, flags)

		frame := pte.Frame()
		if flags&defs.FlagUpdAddr != 0 {
			frame = physFrame
			physFrame++
		}
		*pte = entryFromFlags(flags).WithFrame(frame)

		if flags&defs.FlagUpdAddr != 0 {
			flushTLBEntryFn(v)
		}
	}
	return 0
}

// lookupEntry returns the PTE covering virt and true, or false if no
// PageTable has ever been installed for that PD slot (a genuine hole, as
// opposed to a PTE that exists but reads as all-zero).
func (m *Mapper) lookupEntry(pgd *PageDir, virt uintptr) (Entry, bool) {
	pde := pgd.Entries[pdIndex(virt)]
	if !pde.Has(defs.FlagPresent) {
		return 0, false
	}
	pt := (*PageTable)(unsafe.Pointer(mem.KernelVirt(pde.Frame())))
	return pt.Entries[ptIndex(virt)], true
}

// CloneArea implements spec.md §4.2's clone_area: per source PFN, a COW
// source entry is copied verbatim into the destination (sharing the frame;
// the caller bumps its refcount), otherwise the destination gets a fresh
// entry over the same frame with flags applied. The destination's PageTable
// is created on demand exactly as in UpdateArea.
func (m *Mapper) CloneArea(srcPgd, dstPgd *PageDir, srcVirt, dstVirt uintptr, size uintptr, flags defs.PTEFlag) defs.Err_t {
	npages := mem.Pages(mem.Size(size))

	for i := uint64(0); i < npages; i++ {
		sv := srcVirt + uintptr(i)*mem.PageSize
		dv := dstVirt + uintptr(i)*mem.PageSize

		srcEntry, ok := m.lookupEntry(srcPgd, sv)
		if !ok {
			continue
		}

		dpde := &dstPgd.Entries[pdIndex(dv)]
		var dpt *PageTable
		if !dpde.Has(defs.FlagPresent) {
			ptAddr, err := m.ptCache.Alloc()
			if err != 0 {
				return defs.ENOMEM
			}
			dpt = (*PageTable)(unsafe.Pointer(ptAddr))
			ptPage := m.allocator.PageFromVirt(ptAddr)
			*dpde = entryFromFlags(defs.FlagPresent | defs.FlagRW | defs.FlagUser).WithFrame(ptPage.Frame())
		} else {
			dpt = (*PageTable)(unsafe.Pointer(mem.KernelVirt(dpde.Frame())))
		}

		dpte := &dpt.Entries[ptIndex(dv)]
		if srcEntry.Has(defs.FlagCOW) {
			*dpte = srcEntry
		} else {
			*dpte = entryFromFlags(flags).WithFrame(srcEntry.Frame())
		}
		flushTLBEntryFn(dv)
	}
	return 0
}

// EntryFlags returns the persisted flag bits recorded at virt's PTE and
// whether a PageTable was ever installed there.
func (m *Mapper) EntryFlags(pgd *PageDir, virt uintptr) (defs.PTEFlag, bool) {
	e, ok := m.lookupEntry(pgd, virt)
	if !ok {
		return 0, false
	}
	return defs.PTEFlag(e) & persistedFlags, true
}

// FlushTLBEntry invalidates a single TLB entry. UpdateArea already issues
// this automatically whenever FlagUpdAddr changes an entry's frame; callers
// that flip only flag bits (the COW resolver's refcount==1 fast path, which
// leaves the frame untouched) must invoke it directly.
func FlushTLBEntry(virt uintptr) { flushTLBEntryFn(virt) }

// FrameAt returns the frame number recorded at virt's PTE and whether a
// PageTable was ever installed there, regardless of the present/COW bits.
// Unlike VirtualToPage (which only resolves PRESENT mappings, per §4.2),
// this also resolves COW entries -- needed by callers that must find the
// shared frame behind a not-yet-materialized COW mapping, e.g. to bump its
// refcount right after clone_area installs it.
func (m *Mapper) FrameAt(pgd *PageDir, virt uintptr) (mem.Frame, bool) {
	entry, ok := m.lookupEntry(pgd, virt)
	if !ok || (!entry.Has(defs.FlagPresent) && !entry.Has(defs.FlagCOW)) {
		return 0, false
	}
	return entry.Frame(), true
}

// VirtualToPage implements spec.md §4.2's virtual_to_page: returns the
// physical page backing virt and narrows the returned size to the bytes of
// that page's buddy block remaining past virt's offset into it, or nil if
// virt has no present mapping.
func (m *Mapper) VirtualToPage(pgd *PageDir, virt uintptr) (*mem.PhysPage, uintptr) {
	entry, ok := m.lookupEntry(pgd, virt)
	if !ok || !entry.Has(defs.FlagPresent) {
		return nil, 0
	}
	pp := m.allocator.PageFromPhys(entry.Frame().Address())
	if pp == nil {
		return nil, 0
	}
	blockSize := uintptr(mem.PageSize) << pp.Order()
	remaining := blockSize - (virt & (blockSize - 1))
	return pp, remaining
}

// String renders an entry for diagnostics (kernel/diag panic dumps).
func (e Entry) String() string {
	return fmt.Sprintf("frame=%d present=%t rw=%t user=%t global=%t cow=%t",
		e.Frame(), e.Has(defs.FlagPresent), e.Has(defs.FlagRW), e.Has(defs.FlagUser),
		e.Has(defs.FlagGlobal), e.Has(defs.FlagCOW))
}
