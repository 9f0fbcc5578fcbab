// Package defs holds the small, dependency-free vocabulary shared by every
// memory-subsystem package: the syscall-facing error codes, hardware page
// flags, and resource identifiers. Nothing in here touches the mapper, the
// VMA list, or the heap directly -- it exists so those packages don't need to
// import each other just to share a constant.
package defs

// Err_t is the syscall-facing error code. Negative values mirror errno;
// zero means success. Internal invariant violations never become an Err_t --
// they panic instead (e.g. kernel/vmm on an attempt to clear the global
// bit, kernel/heap on a free of an unmanaged pointer).
type Err_t int

// Errno values returned at the syscall boundary. Only the ones the memory
// core actually produces are listed; biscuit's defs package carries the
// full POSIX set, but this core only needs these six.
const (
	EINVAL  Err_t = -1 // invalid argument (null mm, zero size, start >= end)
	ENOMEM  Err_t = -2 // slab, physical allocator, or heap VMA exhausted
	EFAULT  Err_t = -3 // no VMA covers the faulting address
	EEXIST  Err_t = -4 // proposed range overlaps an existing VMA
	ENOTSUP Err_t = -5 // huge pages / unsupported mapping request
	ENOENT  Err_t = -6 // munmap found no VMA matching start and length
)

// String renders the errno in its symbolic form, for diagnostics.
func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EINVAL:
		return "EINVAL"
	case ENOMEM:
		return "ENOMEM"
	case EFAULT:
		return "EFAULT"
	case EEXIST:
		return "EEXIST"
	case ENOTSUP:
		return "ENOTSUP"
	case ENOENT:
		return "ENOENT"
	default:
		return "unknown errno"
	}
}

// Error implements the error interface so an Err_t can be returned where
// callers expect a plain Go error (e.g. wrapped by fmt.Errorf upstream).
func (e Err_t) Error() string {
	return e.String()
}

// Ok reports whether e represents success.
func (e Err_t) Ok() bool {
	return e == 0
}
