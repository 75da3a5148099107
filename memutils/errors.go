package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// InvalidConfigError is returned when an allocator is created with a page size, order, or heap base
// that cannot describe a usable arena
var InvalidConfigError error = errors.New("invalid allocator configuration")

// RegionTooSmallError is returned when the backing region cannot hold the allocator's metadata reserve
// plus its full page capacity
var RegionTooSmallError error = errors.New("backing region is too small")

// RequestTooLargeError is returned when a request needs a block order above the allocator's maximum order.
// It is always detected before any allocator state is modified.
var RequestTooLargeError error = errors.New("requested allocation is larger than the allocator capacity")

// OutOfMemoryError is returned when no free block is currently large enough for a request. It is transient:
// the same request may succeed after other allocations are freed.
var OutOfMemoryError error = errors.New("out of memory")

// InvalidAddressError is returned when an address lies outside the managed range or is not aligned to
// the page size
var InvalidAddressError error = errors.New("invalid address")

// DoubleFreeOrCorruptionError is returned when a free is requested for a block that is not allocated, or
// when allocator metadata is found to be inconsistent
var DoubleFreeOrCorruptionError error = errors.New("double free or memory corruption")

// AllocatorDestroyedError is returned by any operation on an allocator after Destroy has been called
var AllocatorDestroyedError error = errors.New("allocator has been destroyed")
