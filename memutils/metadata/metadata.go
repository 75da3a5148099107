package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pagebuddy/memutils"
)

// BlockMetadata tracks which page-granular blocks of a single arena are free and which are allocated.
// It deals only in block indices: translating blocks to addresses in the arena is the consumer's job.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It sizes the metadata to hold 1<<maxOrder
	// page units and registers the whole capacity as one free block. Calling Init again discards all
	// existing allocations.
	Init(maxOrder int)
	// MaxOrder returns the order the metadata was initialized with
	MaxOrder() int
	// PageSize returns the number of bytes in a single page unit
	PageSize() int
	// Capacity returns the number of page units managed by the metadata
	Capacity() int

	// Validate performs internal consistency checks on the metadata. These checks walk every block and
	// every free list, so they are expensive. When the implementation is functioning correctly, it should
	// not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of allocations currently live in the metadata
	AllocationCount() int
	// FreeRegionsCount returns the number of free blocks. Buddies are always merged, so two
	// adjacent free blocks are only counted separately when they cannot be merged.
	FreeRegionsCount() int
	// SumFreePages returns the number of free page units
	SumFreePages() int
	// MayHaveFreeBlock returns true if an allocation of pageCount pages would currently succeed.
	// It does not modify the metadata.
	MayHaveFreeBlock(pageCount int) bool
	// IsEmpty will return true if the metadata has no live allocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each block, free or allocated, in
	// ascending block order. Iteration stops at the first error returned by the callback.
	VisitAllRegions(handleBlock func(block BlockIndex, order int, free bool) error) error
	// AllocationOrder returns the order of the live allocation starting at block. It returns an error
	// wrapping memutils.DoubleFreeOrCorruptionError if block is not the start of a live allocation.
	AllocationOrder(block BlockIndex) (int, error)

	// AddDetailedStatistics sums this arena's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this arena's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this arena
	BlockJsonData(json *jwriter.ObjectState)

	// CreateAllocationRequest finds the block that would be used to satisfy an allocation of pageCount
	// pages. The first return value is false, with a nil error, when no free block is large enough right now.
	// An error wrapping memutils.RequestTooLargeError is returned when the request could never be satisfied.
	// The metadata is not modified.
	CreateAllocationRequest(pageCount int) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest, splitting the source block down to the requested order. The
	// implementation must return an error if the request is no longer valid.
	Alloc(request AllocationRequest) error

	// Free releases the allocation starting at block and merges it with its buddies for as long as
	// they are free. It returns an error wrapping memutils.DoubleFreeOrCorruptionError if block is not
	// the start of a live allocation.
	Free(block BlockIndex) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	maxOrder int
	pageSize int
}

// NewBlockMetadata creates a new BlockMetadataBase for page units of pageSize bytes
func NewBlockMetadata(pageSize int) BlockMetadataBase {
	return BlockMetadataBase{
		pageSize: pageSize,
	}
}

// Init records the maximum order of the arena
func (m *BlockMetadataBase) Init(maxOrder int) {
	m.maxOrder = maxOrder
}

func (m *BlockMetadataBase) MaxOrder() int { return m.maxOrder }

func (m *BlockMetadataBase) PageSize() int { return m.pageSize }

func (m *BlockMetadataBase) Capacity() int { return 1 << m.maxOrder }

// Size returns the size of the arena's usable capacity in bytes
func (m *BlockMetadataBase) Size() int { return m.Capacity() * m.pageSize }

// BlockJsonData populates a json object with information about this arena
func (m *BlockMetadataBase) BlockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("PageSize").Int(m.pageSize)
	json.Name("MaxOrder").Int(m.maxOrder)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
