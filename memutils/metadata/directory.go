package metadata

import (
	"fmt"
	"math"
	"unsafe"
)

// BlockIndex identifies a block by the index of its first page unit within the arena
type BlockIndex uint32

// MaxOrderLimit is the largest maximum order a BlockMetadata can be initialized with
const MaxOrderLimit = 30

// noBlock terminates free lists. It never escapes the package: exported lookups return (BlockIndex, bool).
const noBlock BlockIndex = math.MaxUint32

type blockState uint8

const (
	// blockUntracked is the state of every page unit that is not the first page of a block
	blockUntracked blockState = iota
	blockFree
	blockAllocated
)

var blockStateMapping = map[blockState]string{
	blockUntracked: "Untracked",
	blockFree:      "Free",
	blockAllocated: "Allocated",
}

func (s blockState) String() string {
	return blockStateMapping[s]
}

// blockDescriptor is the directory entry for a single page unit. forward and backward are only
// meaningful while state is blockFree, and are noBlock otherwise.
type blockDescriptor struct {
	state    blockState
	order    uint8
	forward  BlockIndex
	backward BlockIndex
}

// blockDirectory holds one descriptor per page unit plus the head of the free list for every order.
// The free lists are threaded through the descriptors themselves.
type blockDirectory struct {
	descriptors []blockDescriptor
	heads       []BlockIndex
}

// DirectoryFootprint returns the number of bytes of bookkeeping needed for an arena of the given
// maximum order: one free list head per order plus one descriptor per page unit.
func DirectoryFootprint(maxOrder int) int {
	headBytes := int(unsafe.Sizeof(BlockIndex(0))) * (maxOrder + 1)
	descriptorBytes := int(unsafe.Sizeof(blockDescriptor{})) * (1 << maxOrder)
	return headBytes + descriptorBytes
}

func newBlockDirectory(maxOrder int) blockDirectory {
	d := blockDirectory{
		descriptors: make([]blockDescriptor, 1<<maxOrder),
		heads:       make([]BlockIndex, maxOrder+1),
	}

	for i := range d.heads {
		d.heads[i] = noBlock
	}

	for i := range d.descriptors {
		d.descriptors[i].forward = noBlock
		d.descriptors[i].backward = noBlock
	}

	return d
}

func (d *blockDirectory) capacity() int {
	return len(d.descriptors)
}

func (d *blockDirectory) head(order int) (BlockIndex, bool) {
	head := d.heads[order]
	return head, head != noBlock
}

func (d *blockDirectory) descriptor(block BlockIndex) blockDescriptor {
	return d.descriptors[block]
}

func (d *blockDirectory) pushFront(block BlockIndex, order int) {
	desc := &d.descriptors[block]
	desc.state = blockFree
	desc.order = uint8(order)
	desc.forward = d.heads[order]
	desc.backward = noBlock

	if desc.forward != noBlock {
		d.descriptors[desc.forward].backward = block
	}

	d.heads[order] = block
}

// popFront unlinks the head of the free list for order. Callers must check that the list is
// not empty first.
func (d *blockDirectory) popFront(order int) BlockIndex {
	block := d.heads[order]
	if block == noBlock {
		panic(fmt.Sprintf("attempted to pop from the empty free list for order %d", order))
	}

	desc := &d.descriptors[block]
	d.heads[order] = desc.forward
	if desc.forward != noBlock {
		d.descriptors[desc.forward].backward = noBlock
	}

	desc.forward = noBlock
	desc.backward = noBlock

	return block
}

// remove unlinks block from the free list for order, wherever it sits in the list
func (d *blockDirectory) remove(block BlockIndex, order int) {
	desc := &d.descriptors[block]
	backward := desc.backward
	forward := desc.forward

	desc.state = blockFree
	desc.forward = noBlock
	desc.backward = noBlock

	if backward != noBlock {
		d.descriptors[backward].forward = forward
	} else {
		d.heads[order] = forward
	}

	if forward != noBlock {
		d.descriptors[forward].backward = backward
	}
}

func (d *blockDirectory) markAllocated(block BlockIndex, order int) {
	d.descriptors[block] = blockDescriptor{
		state:    blockAllocated,
		order:    uint8(order),
		forward:  noBlock,
		backward: noBlock,
	}
}

func (d *blockDirectory) markUntracked(block BlockIndex) {
	d.descriptors[block] = blockDescriptor{
		state:    blockUntracked,
		forward:  noBlock,
		backward: noBlock,
	}
}

// buddyOf flips bit order of block. This is only meaningful when block is aligned to order.
func buddyOf(block BlockIndex, order int) BlockIndex {
	return block ^ (BlockIndex(1) << order)
}
