package vmm

import (
	"testing"

	"vmcore/kernel/defs"
	"vmcore/kernel/mem"
)

func newTestMapper(t *testing.T, npages int) (*Mapper, *PageDir) {
	t.Helper()
	a := mem.NewAllocator(0, npages)
	m := NewMapper(a)
	pd, err := m.NewPageDir()
	if err != 0 {
		t.Fatalf("NewPageDir failed: %v", err)
	}
	return m, pd
}

func TestUpdateAreaMapsAndReads(t *testing.T) {
	m, pd := newTestMapper(t, 256)

	pp, ok := m.allocator.AllocPages(0, 0)
	if !ok {
		t.Fatal("alloc failed")
	}
	phy := mem.Phys(pp)
	virt := uintptr(0x4000_0000)

	flags := defs.FlagPresent | defs.FlagRW | defs.FlagUser | defs.FlagUpdAddr
	if err := m.UpdateArea(pd, virt, phy, mem.PageSize, flags); err != 0 {
		t.Fatalf("UpdateArea failed: %v", err)
	}

	got, remaining := m.VirtualToPage(pd, virt)
	if got != pp {
		t.Fatalf("VirtualToPage returned %p, want %p", got, pp)
	}
	if remaining != mem.PageSize {
		t.Fatalf("remaining = %d, want %d", remaining, mem.PageSize)
	}
}

func TestVirtualToPageUnmapped(t *testing.T) {
	_, pd := newTestMapper(t, 16)
	if pp, _ := (&Mapper{}).VirtualToPage(pd, 0x1000); pp != nil {
		t.Fatal("expected nil for an unmapped address")
	}
}

func TestGlobalBitMonotonic(t *testing.T) {
	m, pd := newTestMapper(t, 16)
	pp, ok := m.allocator.AllocPages(0, 0)
	if !ok {
		t.Fatal("alloc failed")
	}
	phy := mem.Phys(pp)
	virt := uintptr(0x5000_0000)

	flags := defs.FlagPresent | defs.FlagRW | defs.FlagGlobal | defs.FlagUpdAddr
	if err := m.UpdateArea(pd, virt, phy, mem.PageSize, flags); err != 0 {
		t.Fatalf("UpdateArea failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected clearing the global bit to panic")
		}
	}()
	m.UpdateArea(pd, virt, phy, mem.PageSize, defs.FlagPresent|defs.FlagRW|defs.FlagUpdAddr)
}

func TestCloneAreaSharesCOWEntry(t *testing.T) {
	m, srcPD := newTestMapper(t, 16)
	dstPD, err := m.NewPageDir()
	if err != 0 {
		t.Fatalf("NewPageDir failed: %v", err)
	}

	pp, ok := m.allocator.AllocPages(0, 0)
	if !ok {
		t.Fatal("alloc failed")
	}
	phy := mem.Phys(pp)
	virt := uintptr(0x6000_0000)

	// Install as COW: present and updaddr cleared, as §4.2 requires.
	flags := defs.FlagCOW | defs.FlagUser
	if err := m.UpdateArea(srcPD, virt, phy, mem.PageSize, flags); err != 0 {
		t.Fatalf("UpdateArea (cow) failed: %v", err)
	}
	// The frame still needs to land in the entry; do it via a present
	// write first, then flip to COW, mirroring clone_vm_area's real
	// sequence (create_vm_area installs PRESENT, clone re-marks COW).
	presentFlags := defs.FlagPresent | defs.FlagRW | defs.FlagUser | defs.FlagUpdAddr
	if err := m.UpdateArea(srcPD, virt, phy, mem.PageSize, presentFlags); err != 0 {
		t.Fatalf("UpdateArea (present) failed: %v", err)
	}
	if err := m.UpdateArea(srcPD, virt, phy, mem.PageSize, defs.FlagCOW|defs.FlagUser); err != 0 {
		t.Fatalf("UpdateArea (re-mark cow) failed: %v", err)
	}

	if err := m.CloneArea(srcPD, dstPD, virt, virt, mem.PageSize, 0); err != 0 {
		t.Fatalf("CloneArea failed: %v", err)
	}

	srcEntry, ok := m.lookupEntry(srcPD, virt)
	if !ok {
		t.Fatal("expected source entry to still exist")
	}
	dstEntry, ok := m.lookupEntry(dstPD, virt)
	if !ok {
		t.Fatal("expected destination entry to exist after clone")
	}
	if srcEntry.Frame() != dstEntry.Frame() {
		t.Fatalf("clone did not share the frame: src=%v dst=%v", srcEntry.Frame(), dstEntry.Frame())
	}
	if !dstEntry.Has(defs.FlagCOW) {
		t.Fatal("expected destination entry to carry the COW bit")
	}
}
