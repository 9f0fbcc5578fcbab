// Package slab implements a fixed-object-size allocator backed by physical
// pages, the way spec.md §4.1 describes SlabCache: a cache is created for
// one object size/alignment, carves backing pages into equal-size slots,
// and hands out/reclaims individual objects without ever touching the
// buddy allocator on the common path.
//
// Grounded on biscuit's mem.Physmem_t page-granularity allocation
// (Refpg_new/_phys_new) for the "get a fresh page to carve up" half, and on
// cznic/memory's page{brk, log, size, used} bookkeeping (other_examples)
// for the "bump a cursor through one page, track how many slots are still
// live" half -- the two together are exactly a slab cache.
package slab

import (
	"sync"

	"vmcore/kernel/defs"
	"vmcore/kernel/mem"
	"vmcore/kernel/util"
)

// slabPage is one physical page carved into fixed-size slots, threaded onto
// either the cache's partial or full list.
type slabPage struct {
	phys     *mem.PhysPage
	base     uintptr // direct-mapped virtual address of the page
	freeSlot []uint16
	inUse    int
	next     *slabPage
	prev     *slabPage
}

// Cache allocates and frees fixed-size, fixed-alignment objects. One Cache
// exists per object type the core needs on the hot path: VmArea
// descriptors and PageDir/PageTable structures each get their own Cache
// rather than going through a general-purpose allocator. Heap Block headers
// are carved directly out of the heap VMA and use no Cache.
type Cache struct {
	mu        sync.Mutex
	objSize   uintptr
	align     uintptr
	slots     int // objects per backing page
	allocator *mem.Allocator
	partial   *slabPage
	full      *slabPage
	// wholePage marks caches whose objSize equals mem.PageSize exactly
	// (PageDir/PageTable): there is exactly one slot per page and no
	// carving is needed, matching how biscuit hands out a raw Refpg_new
	// frame for those structures instead of slicing it up.
	wholePage bool
}

// NewCache creates a cache for objects of the given size and alignment,
// backed by allocator for fresh pages. align must be a power of two.
func NewCache(allocator *mem.Allocator, objSize, align uintptr) *Cache {
	objSize = util.Roundup(objSize, align)
	c := &Cache{
		objSize:   objSize,
		align:     align,
		allocator: allocator,
		wholePage: objSize >= mem.PageSize,
	}
	if !c.wholePage {
		c.slots = int(mem.PageSize / objSize)
	} else {
		c.slots = 1
	}
	return c
}

// Alloc returns a zeroed object from the cache, pulling a fresh backing
// page from the physical allocator if every existing page is full.
func (c *Cache) Alloc() (uintptr, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.partial == nil {
		sp, err := c.newPage()
		if err != 0 {
			return 0, err
		}
		sp.next = c.partial
		c.partial = sp
	}

	sp := c.partial
	slot := sp.freeSlot[len(sp.freeSlot)-1]
	sp.freeSlot = sp.freeSlot[:len(sp.freeSlot)-1]
	sp.inUse++

	if len(sp.freeSlot) == 0 {
		c.partial = sp.next
		if c.partial != nil {
			c.partial.prev = nil
		}
		sp.next = c.full
		if c.full != nil {
			c.full.prev = sp
		}
		c.full = sp
		sp.prev = nil
	}

	addr := sp.base + uintptr(slot)*c.objSize
	mem.Memset(addr, 0, c.objSize)
	return addr, 0
}

func (c *Cache) newPage() (*slabPage, defs.Err_t) {
	pp, ok := c.allocator.AllocPages(mem.GfpZero, 0)
	if !ok {
		return nil, defs.ENOMEM
	}
	sp := &slabPage{
		phys: pp,
		base: mem.VirtFromPage(pp),
	}
	sp.freeSlot = make([]uint16, c.slots)
	for i := 0; i < c.slots; i++ {
		sp.freeSlot[i] = uint16(i)
	}
	return sp, 0
}

// Free returns an object previously returned by Alloc back to its slab
// page. The backing physical page is released to the allocator once every
// slot on it is free again.
func (c *Cache) Free(addr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sp := c.findPage(addr)
	if sp == nil {
		panic("slab: Free on address not owned by this cache")
	}

	wasFull := len(sp.freeSlot) == 0
	slot := uint16((addr - sp.base) / c.objSize)
	sp.freeSlot = append(sp.freeSlot, slot)
	sp.inUse--

	if wasFull {
		c.unlink(&c.full, sp)
		sp.next = c.partial
		sp.prev = nil
		if c.partial != nil {
			c.partial.prev = sp
		}
		c.partial = sp
	}

	if sp.inUse == 0 {
		c.unlink(&c.partial, sp)
		c.allocator.FreePages(sp.phys)
	}
}

func (c *Cache) findPage(addr uintptr) *slabPage {
	for _, head := range [2]*slabPage{c.partial, c.full} {
		for sp := head; sp != nil; sp = sp.next {
			if addr >= sp.base && addr < sp.base+mem.PageSize {
				return sp
			}
		}
	}
	return nil
}

func (c *Cache) unlink(head **slabPage, sp *slabPage) {
	if sp.prev != nil {
		sp.prev.next = sp.next
	} else {
		*head = sp.next
	}
	if sp.next != nil {
		sp.next.prev = sp.prev
	}
	sp.next, sp.prev = nil, nil
}
