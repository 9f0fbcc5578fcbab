// Package proc supplies the external collaborator spec.md §6 calls the
// "Scheduler (consumed)" interface: current_task() -> &Task{mm, name}. It
// carries no scheduling logic of its own -- no run queues, no
// preemption -- only the single piece every syscall/page-fault entry point
// in this core needs: which Mm is "current".
//
// Grounded on biscuit's tinfo package (Current/SetCurrent/ClearCurrent over
// a single installed pointer, panicking on misuse rather than returning an
// error) and on gVisor's MemoryManager.Fork for how a fork should drive
// CloneVMArea across every existing VMA.
package proc

import (
	"sync"

	"vmcore/kernel/defs"
	"vmcore/kernel/mem"
	"vmcore/kernel/vma"
	"vmcore/kernel/vmm"
)

// Task is the minimal process/thread stand-in this core needs: an address
// space and a name for diagnostics. Everything else (registers, file
// descriptors, signal state) belongs to the scheduler this package stands
// in for, not to this core.
type Task struct {
	Mm   *vma.Mm
	Name string
	Pid  defs.Pid_t
}

var (
	mu      sync.Mutex
	current *Task
)

// Current returns the installed task. Panics if none is installed, mirroring
// tinfo.Current's "nuts" panic on a missing per-thread note -- this core has
// no notion of running with no current address space.
func Current() *Task {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		panic("proc: no current task installed")
	}
	return current
}

// SetCurrent installs t as the current task. Panics if a task is already
// installed; callers must ClearCurrent first.
func SetCurrent(t *Task) {
	if t == nil {
		panic("proc: SetCurrent(nil)")
	}
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		panic("proc: a task is already current")
	}
	current = t
}

// ClearCurrent removes the installed task.
func ClearCurrent() {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		panic("proc: no current task to clear")
	}
	current = nil
}

// Fork builds a child Task with a fresh Mm, populated by one CloneVMArea
// call per VMA in parent's address space -- the concrete driver spec.md §5
// describes only abstractly ("a new Mm is populated by clone_vm_area calls
// before the child becomes schedulable"). A VMA without VMShared is cloned
// copy-on-write; a VMShared VMA (e.g. from mmap's MAP_SHARED) is cloned as
// a plain writable copy instead, since sharing it COW would let a write
// fault silently privatize what the caller asked to keep shared.
//
// On any failure partway through, every VMA already installed in the child
// is torn down before returning, so a failed Fork never leaves a half-built
// address space behind.
func Fork(parent *Task, name string, pid defs.Pid_t, phys *mem.Allocator, mapper *vmm.Mapper, gfp mem.GfpFlags) (*Task, defs.Err_t) {
	childMm, err := vma.New(phys, mapper)
	if err != 0 {
		return nil, err
	}

	for _, area := range parent.Mm.Areas() {
		cow := area.VMFlags&defs.VMShared == 0
		if cerr := parent.Mm.CloneVMArea(childMm, area, cow, gfp); cerr != 0 {
			for _, done := range childMm.Areas() {
				childMm.DestroyVMArea(done)
			}
			return nil, cerr
		}
	}

	return &Task{Mm: childMm, Name: name, Pid: pid}, 0
}
