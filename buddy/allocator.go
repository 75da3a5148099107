package buddy

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pagebuddy/buddy/internal/utils"
	"github.com/vkngwrapper/pagebuddy/memutils"
	"github.com/vkngwrapper/pagebuddy/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Allocator is a binary buddy allocator over a single caller-supplied region. It hands out
// blocks of a power-of-two number of pages and merges released blocks back together with their
// buddies. Each Allocator owns its own tables, so any number of them may exist side by side.
type Allocator struct {
	logger      *slog.Logger
	mutex       utils.OptionalRWMutex
	createFlags CreateFlags
	callbacks   allocatorCallbacks

	heapBase        Address
	pageSize        int
	maxOrder        int
	metadataReserve int
	translator      AddressTranslator

	metadata  metadata.BlockMetadata
	userData  *swiss.Map[metadata.BlockIndex, any]
	destroyed bool
}

// HeapBase returns the start of the backing region
func (a *Allocator) HeapBase() Address { return a.heapBase }

// UsableBase returns the address of the first page that can be allocated, just past the metadata reserve
func (a *Allocator) UsableBase() Address { return a.translator.UsableBase() }

// PageSize returns the number of bytes in a page unit
func (a *Allocator) PageSize() int { return a.pageSize }

// MaxOrder returns the log2 of the arena capacity in pages
func (a *Allocator) MaxOrder() int { return a.maxOrder }

// Capacity returns the number of pages in the arena
func (a *Allocator) Capacity() int { return 1 << a.maxOrder }

// MetadataReserve returns the number of bytes set aside at the start of the region for bookkeeping
func (a *Allocator) MetadataReserve() int { return a.metadataReserve }

// Flags returns the flags the allocator was created with
func (a *Allocator) Flags() CreateFlags { return a.createFlags }

func (a *Allocator) checkAlive() error {
	if a.destroyed {
		return errors.WithStack(memutils.AllocatorDestroyedError)
	}
	return nil
}

// Allocate returns the address of a free block of at least pageCount pages. The block is rounded up
// to the next power of two pages and taken from the smallest free block that can hold it, splitting
// that block as needed.
//
// An error wrapping memutils.RequestTooLargeError is returned if pageCount exceeds the arena capacity, and an error
// wrapping memutils.OutOfMemoryError is returned if no free block is large enough right now.
func (a *Allocator) Allocate(pageCount int) (Address, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return 0, err
	}

	success, request, err := a.metadata.CreateAllocationRequest(pageCount)
	if err != nil {
		return 0, err
	}

	if !success {
		return 0, errors.Wrapf(memutils.OutOfMemoryError, "no free block can hold %d pages", pageCount)
	}

	address, err := a.translator.BlockToAddress(request.Block)
	if err != nil {
		return 0, memutils.ReportCorruption(err)
	}

	err = a.metadata.Alloc(request)
	if err != nil {
		return 0, err
	}

	a.logger.Debug("Allocator::Allocate",
		slog.Int("PageCount", pageCount),
		slog.Int("Order", request.Order),
		slog.Int("Splits", request.Splits()),
		slog.Int("Block", int(request.Block)),
		slog.String("Address", address.String()),
	)

	a.callbacks.Allocate(address, request.Pages())

	return address, nil
}

// Free releases the block at address, which must have been returned by Allocate. The size of the block
// is taken from the allocator's own records.
//
// An error wrapping memutils.InvalidAddressError is returned if the address is outside of the arena or not on a
// page boundary, and an error wrapping memutils.DoubleFreeOrCorruptionError is returned if no live allocation
// begins at the address.
func (a *Allocator) Free(address Address) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return err
	}

	block, err := a.translator.AddressToBlock(address)
	if err != nil {
		return err
	}

	order, err := a.metadata.AllocationOrder(block)
	if err != nil {
		return err
	}

	return a.free(address, block, order)
}

// FreeSized behaves like Free, but also checks that pageCount rounds up to the same block size that
// the allocation was made with. If it does not, an error wrapping memutils.DoubleFreeOrCorruptionError is
// returned and nothing is released.
func (a *Allocator) FreeSized(address Address, pageCount int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return err
	}

	block, err := a.translator.AddressToBlock(address)
	if err != nil {
		return err
	}

	order, err := a.metadata.AllocationOrder(block)
	if err != nil {
		return err
	}

	if pageCount < 1 || memutils.Log2Ceil(pageCount) != order {
		return errors.Wrapf(memutils.DoubleFreeOrCorruptionError,
			"address %s holds a block of %d pages, which cannot have been allocated for %d pages", address, 1<<order, pageCount)
	}

	return a.free(address, block, order)
}

func (a *Allocator) free(address Address, block metadata.BlockIndex, order int) error {
	err := a.metadata.Free(block)
	if err != nil {
		return err
	}

	a.userData.Delete(block)

	a.logger.Debug("Allocator::Free",
		slog.String("Address", address.String()),
		slog.Int("Block", int(block)),
		slog.Int("Order", order),
	)

	a.callbacks.Free(address, 1<<order)

	return nil
}

func (a *Allocator) liveBlock(address Address) (metadata.BlockIndex, int, error) {
	err := a.checkAlive()
	if err != nil {
		return 0, 0, err
	}

	block, err := a.translator.AddressToBlock(address)
	if err != nil {
		return 0, 0, err
	}

	order, err := a.metadata.AllocationOrder(block)
	if err != nil {
		return 0, 0, err
	}

	return block, order, nil
}

// AllocationSize returns the number of pages in the live block at address
func (a *Allocator) AllocationSize(address Address) (int, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	_, order, err := a.liveBlock(address)
	if err != nil {
		return 0, err
	}

	return 1 << order, nil
}

// SetAllocationUserData attaches an arbitrary value to the live block at address. It is discarded when
// the block is freed.
func (a *Allocator) SetAllocationUserData(address Address, userData any) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, _, err := a.liveBlock(address)
	if err != nil {
		return err
	}

	if userData == nil {
		a.userData.Delete(block)
	} else {
		a.userData.Put(block, userData)
	}
	return nil
}

// AllocationUserData returns the value attached to the live block at address, or nil if there is none
func (a *Allocator) AllocationUserData(address Address) (any, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	block, _, err := a.liveBlock(address)
	if err != nil {
		return nil, err
	}

	userData, _ := a.userData.Get(block)
	return userData, nil
}

// Validate runs the metadata's consistency checks and verifies that user data is only attached to live blocks
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	err := a.checkAlive()
	if err != nil {
		return err
	}

	err = a.metadata.Validate()
	if err != nil {
		return err
	}

	a.userData.Iter(func(block metadata.BlockIndex, _ any) (stop bool) {
		if _, orderErr := a.metadata.AllocationOrder(block); orderErr != nil {
			err = errors.Wrapf(orderErr, "user data is attached to block %d", block)
			return true
		}
		return false
	})

	return err
}

// CalculateStatistics clears stats and fills it with the allocator's current usage, in bytes
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Clear()
	if a.destroyed {
		return
	}

	a.metadata.AddDetailedStatistics(stats)
}

// Statistics adds the allocator's current usage to stats. It is cheaper than CalculateStatistics.
func (a *Allocator) Statistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.destroyed {
		return
	}

	a.metadata.AddStatistics(stats)
}

// PrintDetailedMap writes a json object describing the arena and every block in it
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	a.printDetailedMap(&objState)
}

func (a *Allocator) printDetailedMap(json *jwriter.ObjectState) {
	json.Name("HeapBase").String(a.heapBase.String())
	json.Name("UsableBase").String(a.translator.UsableBase().String())
	json.Name("MetadataReserve").Int(a.metadataReserve)

	if a.destroyed {
		json.Name("Destroyed").Bool(true)
		return
	}

	a.metadata.BlockJsonData(json)

	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = a.metadata.VisitAllRegions(func(block metadata.BlockIndex, order int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		address, _ := a.translator.BlockToAddress(block)
		obj.Name("Block").Int(int(block))
		obj.Name("Address").String(address.String())
		obj.Name("Pages").Int(1 << order)

		if free {
			obj.Name("Type").String("Free")
			return nil
		}

		obj.Name("Type").String("Allocated")
		if userData, ok := a.userData.Get(block); ok {
			obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
		}
		return nil
	})
}

// BuildStatsString returns a json document with the allocator's statistics and, if detailedMap is true,
// a description of every block in the arena
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats memutils.DetailedStatistics
	a.CalculateStatistics(&stats)

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	total := objState.Name("Total").Object()
	total.Name("BlockCount").Int(stats.BlockCount)
	total.Name("BlockBytes").Int(stats.BlockBytes)
	total.Name("AllocationCount").Int(stats.AllocationCount)
	total.Name("AllocationBytes").Int(stats.AllocationBytes)
	total.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	if stats.AllocationCount > 0 {
		total.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		total.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		total.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		total.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
	total.Name("Fragmentation").Float64(stats.Fragmentation())
	total.End()

	if detailedMap {
		detailed := objState.Name("DetailedMap").Object()
		a.printDetailedMap(&detailed)
		detailed.End()
	}

	objState.End()

	return string(writer.Bytes())
}

// LogAllocations writes a debug record for every live allocation
func (a *Allocator) LogAllocations() {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.destroyed {
		return
	}

	_ = a.metadata.VisitAllRegions(func(block metadata.BlockIndex, order int, free bool) error {
		if free {
			return nil
		}

		address, _ := a.translator.BlockToAddress(block)
		userData, _ := a.userData.Get(block)
		a.logger.Debug("live allocation",
			slog.String("Address", address.String()),
			slog.Int("Pages", 1<<order),
			slog.Any("UserData", userData),
		)
		return nil
	})
}

// Destroy releases the allocator's tables. Allocations that are still live are abandoned and logged.
// Calling Destroy more than once has no further effect; every other method fails with
// memutils.AllocatorDestroyedError after the first call.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}

	if !a.metadata.IsEmpty() {
		a.logger.Warn("allocator destroyed with live allocations", slog.Int("Count", a.metadata.AllocationCount()))
	}

	a.logger.Debug("Allocator::Destroy", slog.String("HeapBase", a.heapBase.String()))

	a.metadata = nil
	a.userData = nil
	a.destroyed = true

	return nil
}
