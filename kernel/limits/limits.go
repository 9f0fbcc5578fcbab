// Package limits enforces per-address-space resource ceilings: how many
// VMAs one Mm may hold and how many pages it may have resident. There is no
// system-wide ceiling on slab objects.
// spec.md doesn't name a ceiling explicitly, but §5's "Mm is owned by
// exactly one process" and the general shape of a real kernel's rlimits
// both call for bounding map_count/total_vm so a runaway caller fails with
// OutOfMemory rather than exhausting physical memory silently.
//
// Grounded on biscuit's limits package: Sysatomic_t's atomic take/give
// counter with automatic rollback if the ceiling would be exceeded, and
// Syslimit_t's table of concrete per-resource ceilings. Counter is
// per-Mm here (biscuit's novma/pages ceilings, visible in the
// justanotherdot-biscuit snapshot's _deflimits, are also per-process).
package limits

import "sync/atomic"

// Counter is an atomic take/give resource counter with a fixed ceiling.
// Take fails (and leaves the counter unchanged) if granting it would push
// the total above the ceiling.
type Counter struct {
	max   int64
	inUse int64
}

// NewCounter returns a Counter that permits at most max units in use at
// once.
func NewCounter(max int64) *Counter {
	return &Counter{max: max}
}

// Take reserves n units, returning false (and reserving nothing) if doing
// so would exceed the ceiling.
func (c *Counter) Take(n int64) bool {
	for {
		cur := atomic.LoadInt64(&c.inUse)
		if cur+n > c.max {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.inUse, cur, cur+n) {
			return true
		}
	}
}

// Give releases n previously-taken units.
func (c *Counter) Give(n int64) {
	if atomic.AddInt64(&c.inUse, -n) < 0 {
		panic("limits: Give exceeds units taken")
	}
}

// InUse reports the current reservation.
func (c *Counter) InUse() int64 {
	return atomic.LoadInt64(&c.inUse)
}

// Max reports the ceiling.
func (c *Counter) Max() int64 {
	return c.max
}

// Default per-Mm ceilings. VMACount bounds map_count; ResidentPages bounds
// total_vm. These are generous enough not to interfere with the scenarios
// in spec.md §8 while still catching a pathological caller.
const (
	DefaultVMACount      = 1 << 16
	DefaultResidentPages = 1 << 20 // 4 GiB worth of 4 KiB pages
)

// MmLimits bundles the ceilings one address space is held to.
type MmLimits struct {
	VMACount      *Counter
	ResidentPages *Counter
}

// NewMmLimits builds the default per-Mm ceilings.
func NewMmLimits() *MmLimits {
	return &MmLimits{
		VMACount:      NewCounter(DefaultVMACount),
		ResidentPages: NewCounter(DefaultResidentPages),
	}
}
