// Package accnt tracks memory-usage accounting per address space: resident
// pages, pages shared via COW, and heap bytes in use. kernel/diag reports
// these as the memory-subsystem equivalent of a process's rusage.
//
// Grounded on biscuit's accnt package (accnt.go): a mutex-guarded counter
// struct with Add-style mutators and a Fetch-style snapshot method.
// Repurposed from biscuit's Userns/Sysns CPU-time ledger to a memory-usage
// ledger -- same shape (lock, counters, snapshot), different quantities.
package accnt

import "sync"

// Snapshot is a point-in-time copy of a Ledger's counters, safe to read
// without holding the ledger's lock.
type Snapshot struct {
	ResidentPages int64
	SharedPages   int64
	HeapBytes     int64
}

// Ledger is the mutable, per-Mm memory-usage counter set.
type Ledger struct {
	sync.Mutex
	residentPages int64
	sharedPages   int64
	heapBytes     int64
}

// AddResident adjusts the resident-page count by delta (negative to
// shrink).
func (l *Ledger) AddResident(delta int64) {
	l.Lock()
	l.residentPages += delta
	l.Unlock()
}

// AddShared adjusts the COW-shared page count by delta.
func (l *Ledger) AddShared(delta int64) {
	l.Lock()
	l.sharedPages += delta
	l.Unlock()
}

// AddHeap adjusts the in-use heap byte count by delta.
func (l *Ledger) AddHeap(delta int64) {
	l.Lock()
	l.heapBytes += delta
	l.Unlock()
}

// Fetch returns a consistent snapshot of the ledger.
func (l *Ledger) Fetch() Snapshot {
	l.Lock()
	defer l.Unlock()
	return Snapshot{
		ResidentPages: l.residentPages,
		SharedPages:   l.sharedPages,
		HeapBytes:     l.heapBytes,
	}
}
