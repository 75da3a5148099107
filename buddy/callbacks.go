package buddy

// AllocateCallback is called after a block has been handed out. pageCount is the size of the block,
// which may be larger than the number of pages requested.
type AllocateCallback func(
	allocator *Allocator,
	address Address,
	pageCount int,
	userData any,
)

// FreeCallback is called after a block has been released. pageCount is the size of the block as it was
// allocated, before any merging with its buddies.
type FreeCallback func(
	allocator *Allocator,
	address Address,
	pageCount int,
	userData any,
)

// CallbackOptions are optional notifications for allocation and release. They are called with the
// allocator's lock held, so they must not call back into the allocator.
type CallbackOptions struct {
	Allocate AllocateCallback
	Free     FreeCallback
	UserData any
}

type allocatorCallbacks struct {
	Callbacks *CallbackOptions
	Allocator *Allocator
}

func (c *allocatorCallbacks) Allocate(address Address, pageCount int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, address, pageCount, c.Callbacks.UserData)
	}
}

func (c *allocatorCallbacks) Free(address Address, pageCount int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, address, pageCount, c.Callbacks.UserData)
	}
}
