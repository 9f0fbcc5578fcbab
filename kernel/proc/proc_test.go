package proc

import (
	"testing"

	"vmcore/kernel/defs"
	"vmcore/kernel/mem"
	"vmcore/kernel/vma"
	"vmcore/kernel/vmm"
)

func newTestTask(t *testing.T, npages int) (*mem.Allocator, *vmm.Mapper, *Task) {
	t.Helper()
	phys := mem.NewAllocator(0, npages)
	mapper := vmm.NewMapper(phys)
	m, err := vma.New(phys, mapper)
	if err != 0 {
		t.Fatalf("vma.New failed: %v", err)
	}
	return phys, mapper, &Task{Mm: m, Name: "init", Pid: 1}
}

func TestCurrentPanicsWithoutATask(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Current() to panic with no installed task")
		}
	}()
	Current()
}

func TestSetCurrentClearCurrentRoundTrip(t *testing.T) {
	_, _, task := newTestTask(t, 16)
	SetCurrent(task)
	defer ClearCurrent()

	if got := Current(); got != task {
		t.Fatalf("Current() = %v, want %v", got, task)
	}
}

func TestSetCurrentTwicePanics(t *testing.T) {
	_, _, task := newTestTask(t, 16)
	SetCurrent(task)
	defer ClearCurrent()

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second SetCurrent to panic")
		}
	}()
	SetCurrent(task)
}

func TestForkClonesEveryVMACOW(t *testing.T) {
	phys, mapper, parent := newTestTask(t, 4096)

	flags := defs.FlagPresent | defs.FlagRW | defs.FlagUser
	if _, err := parent.Mm.CreateVMArea(0x8000_0000, 2*mem.PageSize, flags, defs.VMRead|defs.VMWrite, 0); err != 0 {
		t.Fatalf("create failed: %v", err)
	}

	child, err := Fork(parent, "child", 2, phys, mapper, 0)
	if err != 0 {
		t.Fatalf("Fork failed: %v", err)
	}

	parentAreas := parent.Mm.Areas()
	childAreas := child.Mm.Areas()
	if len(parentAreas) != len(childAreas) {
		t.Fatalf("parent has %d areas, child has %d", len(parentAreas), len(childAreas))
	}

	for i, parentArea := range parentAreas {
		if childAreas[i].Start != parentArea.Start || childAreas[i].End != parentArea.End {
			t.Fatalf("area %d mismatch: parent [%#x,%#x) child [%#x,%#x)",
				i, parentArea.Start, parentArea.End, childAreas[i].Start, childAreas[i].End)
		}
	}

	parentFlags, ok := mapper.EntryFlags(parent.Mm.Pgd, 0x8000_0000)
	if !ok || parentFlags&defs.FlagCOW == 0 {
		t.Fatal("expected parent's mapping to become COW after a cow fork")
	}
}
