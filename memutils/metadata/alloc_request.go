package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates which free
// block the metadata intends to hand out and how far it must be split. It can be committed with BlockMetadata.Alloc
// as long as no other allocation or free has happened in between.
type AllocationRequest struct {
	// Block is the free block that will be split, and the first page of the resulting allocation
	Block BlockIndex
	// Order is the order of the allocation that will be produced. The allocation spans 1<<Order pages,
	// which may be more than were requested
	Order int
	// SourceOrder is the order of the free list that Block is currently registered in
	SourceOrder int
	// PageCount is the number of pages originally requested
	PageCount int
}

// Pages returns the number of page units the committed allocation will span
func (r AllocationRequest) Pages() int {
	return 1 << r.Order
}

// Splits returns the number of times the source block will be halved to satisfy the request
func (r AllocationRequest) Splits() int {
	return r.SourceOrder - r.Order
}
