package mem

// DirectMapBase is the kernel virtual address at which all of physical
// memory is linearly mapped, mirroring biscuit's Dmap/Vdirect direct-map
// window. The core never walks page tables to reach a frame it already
// owns (e.g. to zero it or copy into it during COW) -- it just offsets into
// this window, exactly as Dmap(p Pa_t) *Pg_t does in biscuit's mem.go.
const DirectMapBase uintptr = 0xffff_8000_0000_0000

// VirtFromPage returns the kernel-accessible virtual address of the frame
// described by pp, via the direct-map window.
func VirtFromPage(pp *PhysPage) uintptr {
	return DirectMapBase + pp.frame.Address()
}

// KernelVirt returns the kernel-accessible virtual address of frame f,
// without needing its descriptor. Used by the page mapper to dereference a
// PageDir/PageTable frame recorded in a PTE.
func KernelVirt(f Frame) uintptr {
	return DirectMapBase + f.Address()
}

// PageFromVirt returns the descriptor for the frame backing a direct-map
// virtual address previously produced by VirtFromPage. It is a programmer
// error to call it with an address outside the direct-map window.
func (a *Allocator) PageFromVirt(v uintptr) *PhysPage {
	if v < DirectMapBase {
		panic("mem: PageFromVirt on non-direct-mapped address")
	}
	return a.PageFromPhys(v - DirectMapBase)
}
