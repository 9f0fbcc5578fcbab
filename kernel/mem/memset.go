package mem

import "unsafe"

// Memset sets size bytes starting at addr to value. Adapted from gopheros's
// kernel.Memset: doubling-copy instead of a byte-at-a-time loop, which pays
// off for the page-aligned, page-sized regions most calls here zero (slab
// objects smaller than a page are zeroed through it as well).
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. The two regions must not
// overlap; callers in this core only ever use it to populate a freshly
// allocated frame from an existing one.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	copy(dstSlice, srcSlice)
}
