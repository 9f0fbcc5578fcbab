package defs

// PTEFlag is a single bit (or mask of bits) that can be applied to a page
// table entry. The bit positions are arbitrary -- this is a 32-bit
// educational x86 core, not real hardware, so the layout only needs to be
// internally consistent -- but the names and semantics follow the x86 PTE
// layout the spec describes.
type PTEFlag uintptr

const (
	// FlagPresent marks the entry as valid and translatable.
	FlagPresent PTEFlag = 1 << iota
	// FlagRW marks the page writable. Absent means read-only.
	FlagRW
	// FlagUser marks the page accessible from user mode.
	FlagUser
	// FlagGlobal marks the page as not flushed on a TLB reload. Monotonic:
	// once set on a PTE it must never be cleared (see kernel/vmm).
	FlagGlobal
	// FlagCOW marks the entry as copy-on-write. A COW entry always has
	// FlagPresent cleared so that a write traps into the fault resolver;
	// see kernel/cow.
	FlagCOW
	// FlagUpdAddr tells the mapper to install a new frame address for this
	// entry (as opposed to leaving whatever frame is already there and only
	// touching the permission bits).
	FlagUpdAddr
	// FlagHugePage marks an entry as mapping a large page. The core never
	// creates these; the mapper refuses any request carrying it (ENOTSUP).
	FlagHugePage
)

// HasFlags reports whether all bits in want are set in f.
func (f PTEFlag) HasFlags(want PTEFlag) bool {
	return f&want == want
}

// HasAnyFlag reports whether at least one bit in want is set in f.
func (f PTEFlag) HasAnyFlag(want PTEFlag) bool {
	return f&want != 0
}

// VMFlag describes the user-visible, VMA-granularity protection/behavior
// flags, as opposed to PTEFlag which is the hardware-facing encoding the
// mapper materializes from it.
type VMFlag uint32

const (
	VMRead VMFlag = 1 << iota
	VMWrite
	VMExec
	VMShared
	// VMGrowsDown marks a stack-like VMA that may be auto-extended
	// downward. Carried from the gVisor mm.vma.growsDown field; the core
	// does not implement auto-growth, but keeps the bit for callers that
	// want to record the intent.
	VMGrowsDown
)

// Tid_t identifies a schedulable thread of execution, matching the
// spelling used throughout the teacher's tinfo/accnt packages.
type Tid_t int

// Pid_t identifies a process (an owner of one Mm).
type Pid_t int
