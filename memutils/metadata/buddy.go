package metadata

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pagebuddy/memutils"
)

// BuddyBlockMetadata is a binary buddy allocator over 1<<maxOrder page units. Every block spans a
// power-of-two number of pages and is aligned to its own size. Allocation splits the smallest
// sufficient free block in half until it reaches the requested order, and freeing merges a block
// with its buddy for as long as the buddy is free at the same order.
type BuddyBlockMetadata struct {
	BlockMetadataBase

	allocCount      int
	blocksFreeCount int
	blocksFreePages int
	directory       blockDirectory
}

var _ BlockMetadata = &BuddyBlockMetadata{}

func NewBuddyBlockMetadata(pageSize int) *BuddyBlockMetadata {
	return &BuddyBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(pageSize),
	}
}

func (m *BuddyBlockMetadata) Init(maxOrder int) {
	if maxOrder < 0 || maxOrder > MaxOrderLimit {
		panic(fmt.Sprintf("max order %d is outside of the range [0, %d]", maxOrder, MaxOrderLimit))
	}

	m.BlockMetadataBase.Init(maxOrder)
	m.directory = newBlockDirectory(maxOrder)
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreePages = 0

	m.insertFreeBlock(0, maxOrder)
}

func (m *BuddyBlockMetadata) insertFreeBlock(block BlockIndex, order int) {
	m.directory.pushFront(block, order)
	m.blocksFreeCount++
	m.blocksFreePages += 1 << order
}

func (m *BuddyBlockMetadata) removeFreeBlock(block BlockIndex, order int) {
	m.directory.remove(block, order)
	m.blocksFreeCount--
	m.blocksFreePages -= 1 << order
}

func (m *BuddyBlockMetadata) popFreeBlock(order int) BlockIndex {
	block := m.directory.popFront(order)
	m.blocksFreeCount--
	m.blocksFreePages -= 1 << order
	return block
}

// FreeListHead returns the first block in the free list for order, if the list is not empty
func (m *BuddyBlockMetadata) FreeListHead(order int) (BlockIndex, bool) {
	if order < 0 || order > m.maxOrder {
		return 0, false
	}
	return m.directory.head(order)
}

// FreeList returns every block in the free list for order, head first
func (m *BuddyBlockMetadata) FreeList(order int) []BlockIndex {
	var blocks []BlockIndex
	block, ok := m.FreeListHead(order)
	for ok {
		blocks = append(blocks, block)
		block = m.directory.descriptor(block).forward
		ok = block != noBlock
	}
	return blocks
}

func (m *BuddyBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *BuddyBlockMetadata) FreeRegionsCount() int {
	return m.blocksFreeCount
}

func (m *BuddyBlockMetadata) SumFreePages() int {
	return m.blocksFreePages
}

func (m *BuddyBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *BuddyBlockMetadata) MayHaveFreeBlock(pageCount int) bool {
	if pageCount < 1 {
		return false
	}

	order := memutils.Log2Ceil(pageCount)
	for ; order <= m.maxOrder; order++ {
		if _, ok := m.directory.head(order); ok {
			return true
		}
	}

	return false
}

func (m *BuddyBlockMetadata) CreateAllocationRequest(pageCount int) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if pageCount < 1 {
		return false, allocRequest, errors.Newf("invalid page count: %d", pageCount)
	}

	memutils.DebugValidate(m)

	order := memutils.Log2Ceil(pageCount)
	if order > m.maxOrder {
		return false, allocRequest, errors.Wrapf(memutils.RequestTooLargeError,
			"%d pages requires a block of order %d, but the maximum order is %d", pageCount, order, m.maxOrder)
	}

	// Smallest order with a free block wins
	for sourceOrder := order; sourceOrder <= m.maxOrder; sourceOrder++ {
		block, ok := m.directory.head(sourceOrder)
		if !ok {
			continue
		}

		allocRequest.Block = block
		allocRequest.Order = order
		allocRequest.SourceOrder = sourceOrder
		allocRequest.PageCount = pageCount
		return true, allocRequest, nil
	}

	return false, allocRequest, nil
}

func (m *BuddyBlockMetadata) Alloc(request AllocationRequest) error {
	if request.Order < 0 || request.SourceOrder > m.maxOrder || request.Order > request.SourceOrder {
		return errors.Newf("allocation request has invalid orders: order %d from source order %d", request.Order, request.SourceOrder)
	}

	head, ok := m.directory.head(request.SourceOrder)
	if !ok || head != request.Block {
		return errors.Newf("allocation request for block %d no longer matches the free list for order %d", request.Block, request.SourceOrder)
	}

	block := m.popFreeBlock(request.SourceOrder)

	// Each split hands the upper half back to the free list one order down
	for order := request.SourceOrder; order > request.Order; {
		order--
		m.insertFreeBlock(block+BlockIndex(1)<<order, order)
	}

	m.directory.markAllocated(block, request.Order)
	m.allocCount++

	return nil
}

func (m *BuddyBlockMetadata) AllocationOrder(block BlockIndex) (int, error) {
	if int(block) >= m.directory.capacity() {
		return 0, errors.Wrapf(memutils.InvalidAddressError, "block %d is outside of the arena's %d pages", block, m.directory.capacity())
	}

	desc := m.directory.descriptor(block)
	if desc.state != blockAllocated {
		return 0, errors.Wrapf(memutils.DoubleFreeOrCorruptionError, "block %d is not allocated: its state is %s", block, desc.state)
	}

	return int(desc.order), nil
}

func (m *BuddyBlockMetadata) Free(block BlockIndex) error {
	order, err := m.AllocationOrder(block)
	if err != nil {
		return err
	}

	if order > m.maxOrder || block&(BlockIndex(1)<<order-1) != 0 {
		return memutils.ReportCorruption(errors.Newf("allocated block %d has order %d, which it is not aligned to", block, order))
	}

	m.allocCount--

	for order < m.maxOrder {
		buddy := buddyOf(block, order)
		buddyDesc := m.directory.descriptor(buddy)
		if buddyDesc.state != blockFree || int(buddyDesc.order) != order {
			break
		}

		m.removeFreeBlock(buddy, order)

		// The merged block starts at the lower of the two; the upper one is no longer a block
		if buddy < block {
			m.directory.markUntracked(block)
			block = buddy
		} else {
			m.directory.markUntracked(buddy)
		}
		order++
	}

	m.insertFreeBlock(block, order)

	return nil
}

func (m *BuddyBlockMetadata) VisitAllRegions(handleBlock func(block BlockIndex, order int, free bool) error) error {
	capacity := m.directory.capacity()
	for block := 0; block < capacity; {
		desc := m.directory.descriptor(BlockIndex(block))
		if desc.state == blockUntracked {
			return memutils.ReportCorruption(errors.Newf("page %d should start a block, but it is untracked", block))
		}

		err := handleBlock(BlockIndex(block), int(desc.order), desc.state == blockFree)
		if err != nil {
			return err
		}

		block += 1 << desc.order
	}

	return nil
}

func (m *BuddyBlockMetadata) Validate() error {
	capacity := m.directory.capacity()
	if len(m.directory.heads) != m.maxOrder+1 {
		return errors.Errorf("the metadata has %d free lists but should have %d", len(m.directory.heads), m.maxOrder+1)
	}

	var freeListCount, freeListPages int

	// Check integrity of free lists
	for order := 0; order <= m.maxOrder; order++ {
		block, ok := m.directory.head(order)
		if !ok {
			continue
		}

		if m.directory.descriptor(block).backward != noBlock {
			return errors.Errorf("block %d is the head of the free list for order %d but has a previous block", block, order)
		}

		for steps := 0; ok; steps++ {
			if steps >= capacity {
				return errors.Errorf("the free list for order %d contains a cycle", order)
			}

			if int(block) >= capacity {
				return errors.Errorf("the free list for order %d contains block %d, which is outside of the arena", order, block)
			}

			desc := m.directory.descriptor(block)
			if desc.state != blockFree {
				return errors.Errorf("block %d is in the free list for order %d but is %s", block, order, desc.state)
			}
			if int(desc.order) != order {
				return errors.Errorf("block %d is in the free list for order %d but has order %d", block, order, desc.order)
			}
			if block&(BlockIndex(1)<<order-1) != 0 {
				return errors.Errorf("block %d is in the free list for order %d but is not aligned to it", block, order)
			}
			if desc.forward != noBlock && m.directory.descriptor(desc.forward).backward != block {
				return errors.Errorf("block %d lists block %d as its next block, but the reverse reference is broken", block, desc.forward)
			}

			freeListCount++
			freeListPages += 1 << order
			block = desc.forward
			ok = block != noBlock
		}
	}

	var freeCount, freePages, allocCount int

	// Walk the arena block by block; this only lands on block starts if every order is correct
	for block := 0; block < capacity; {
		desc := m.directory.descriptor(BlockIndex(block))
		order := int(desc.order)

		if desc.state == blockUntracked {
			return errors.Errorf("page %d should start a block, but it is untracked", block)
		}
		if order > m.maxOrder {
			return errors.Errorf("block %d has order %d, above the maximum order %d", block, order, m.maxOrder)
		}
		if block&(1<<order-1) != 0 {
			return errors.Errorf("block %d has order %d but is not aligned to it", block, order)
		}

		if desc.state == blockFree {
			freeCount++
			freePages += 1 << order

			if order < m.maxOrder {
				buddyDesc := m.directory.descriptor(buddyOf(BlockIndex(block), order))
				if buddyDesc.state == blockFree && int(buddyDesc.order) == order {
					return errors.Errorf("block %d and its buddy are both free at order %d but were not merged", block, order)
				}
			}
		} else {
			allocCount++
		}

		block += 1 << order
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free blocks in the arena and the number of blocks in the free lists do not match! free lists: %d, arena: %d", freeListCount, freeCount)
	}

	if freeListPages != freePages {
		return errors.Errorf("the free lists hold %d pages, but the free blocks in the arena add up to %d", freeListPages, freePages)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the free block count of the metadata is %d, but there were %d free blocks", m.blocksFreeCount, freeCount)
	}

	if freePages != m.blocksFreePages {
		return errors.Errorf("the free page count of the metadata is %d, but the free blocks added up to %d", m.blocksFreePages, freePages)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the allocated blocks only added up to %d", m.allocCount, allocCount)
	}

	return nil
}

func (m *BuddyBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	_ = m.VisitAllRegions(func(block BlockIndex, order int, free bool) error {
		size := (1 << order) * m.pageSize
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

func (m *BuddyBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += (m.Capacity() - m.blocksFreePages) * m.pageSize
}

func (m *BuddyBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.blocksFreePages*m.pageSize, m.allocCount, m.blocksFreeCount)

	freeLists := json.Name("FreeLists").Array()
	defer freeLists.End()

	for order := 0; order <= m.maxOrder; order++ {
		freeLists.Int(len(m.FreeList(order)))
	}
}

func (m *BuddyBlockMetadata) Clear() {
	m.Init(m.maxOrder)
}
