package buddy

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pagebuddy/memutils"
	"github.com/vkngwrapper/pagebuddy/memutils/metadata"
)

// Address is an opaque location in the caller's backing region. The allocator never dereferences it.
type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// AddressTranslator converts between block indices and addresses. The usable range begins after the
// metadata reserve at the start of the region and spans capacity pages.
type AddressTranslator struct {
	usableBase Address
	pageSize   int
	capacity   int
}

// NewAddressTranslator creates a translator for a region starting at heapBase. metadataReserve must be
// a multiple of pageSize, and the caller must have checked that the usable range does not overflow.
func NewAddressTranslator(heapBase Address, metadataReserve, pageSize, capacity int) AddressTranslator {
	return AddressTranslator{
		usableBase: heapBase + Address(metadataReserve),
		pageSize:   pageSize,
		capacity:   capacity,
	}
}

// UsableBase returns the address of block 0
func (t AddressTranslator) UsableBase() Address { return t.usableBase }

// Limit returns the first address past the end of the usable range
func (t AddressTranslator) Limit() Address {
	return t.usableBase + Address(t.capacity)*Address(t.pageSize)
}

func (t AddressTranslator) BlockToAddress(block metadata.BlockIndex) (Address, error) {
	if int(block) >= t.capacity {
		return 0, errors.Wrapf(memutils.InvalidAddressError, "block %d is outside of the arena's %d pages", block, t.capacity)
	}

	return t.usableBase + Address(block)*Address(t.pageSize), nil
}

// AddressToBlock returns the block starting at address. The address must lie within the usable
// range and sit on a page boundary, measured from UsableBase.
func (t AddressTranslator) AddressToBlock(address Address) (metadata.BlockIndex, error) {
	if address < t.usableBase || address >= t.Limit() {
		return 0, errors.Wrapf(memutils.InvalidAddressError, "address %s is outside of the managed range [%s, %s)", address, t.usableBase, t.Limit())
	}

	offset := uint64(address - t.usableBase)
	if offset%uint64(t.pageSize) != 0 {
		return 0, errors.Wrapf(memutils.InvalidAddressError, "address %s is not aligned to the page size %d", address, t.pageSize)
	}

	return metadata.BlockIndex(offset / uint64(t.pageSize)), nil
}
