package buddy_test

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pagebuddy/buddy"
	"github.com/vkngwrapper/pagebuddy/memutils"
	"golang.org/x/exp/slog"
)

const testHeapBase buddy.Address = 0x10000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createAllocator(t *testing.T, maxOrder int, flags buddy.CreateFlags) *buddy.Allocator {
	allocator, err := buddy.New(testLogger(), testHeapBase, buddy.CreateOptions{
		Flags:      flags,
		PageSize:   1024,
		MaxOrder:   maxOrder,
		RegionSize: buddy.RequiredRegionSize(maxOrder, 1024),
	})
	require.NoError(t, err)
	return allocator
}

func blockAddress(allocator *buddy.Allocator, block int) buddy.Address {
	return allocator.UsableBase() + buddy.Address(block*allocator.PageSize())
}

func TestAllocatorRegressionScenario(t *testing.T) {
	allocator := createAllocator(t, 4, 0)
	require.Equal(t, 1024, allocator.MetadataReserve())
	require.Equal(t, testHeapBase+1024, allocator.UsableBase())

	type step struct {
		pages int
		block int
		free  bool
	}
	const outOfMemory = -1

	steps := []step{
		{pages: 8, block: 0},
		{pages: 1, block: 8},
		{pages: 1, block: 9},
		{pages: 1, block: 10},
		{pages: 4, block: 12},
		{pages: 2, block: outOfMemory},
		{pages: 1, block: 11},
		{pages: 1, block: outOfMemory},
		{free: true, block: 0},
		{pages: 1, block: 0},
		{pages: 4, block: 4},
		{pages: 1, block: 1},
		{pages: 4, block: outOfMemory},
		{free: true, block: 8},
		{free: true, block: 9},
		{free: true, block: 10},
		{free: true, block: 11},
		{pages: 4, block: 8},
		{pages: 4, block: outOfMemory},
		{pages: 2, block: 2},
	}

	for i, s := range steps {
		if s.free {
			require.NoError(t, allocator.Free(blockAddress(allocator, s.block)), "step %d", i)
			require.NoError(t, allocator.Validate(), "step %d", i)
			continue
		}

		address, err := allocator.Allocate(s.pages)
		if s.block == outOfMemory {
			require.True(t, errors.Is(err, memutils.OutOfMemoryError), "step %d", i)
			require.Equal(t, buddy.Address(0), address, "step %d", i)
			continue
		}

		require.NoError(t, err, "step %d", i)
		require.Equal(t, blockAddress(allocator, s.block), address, "step %d", i)
		require.NoError(t, allocator.Validate(), "step %d", i)
	}

	var stats memutils.Statistics
	allocator.Statistics(&stats)
	require.Equal(t, 6, stats.AllocationCount)
	require.Equal(t, 16*1024, stats.AllocationBytes)
}

func TestNewRegionSize(t *testing.T) {
	require.Equal(t, 1024, buddy.MetadataReserve(4, 1024))
	require.Equal(t, 1024+16*1024, buddy.RequiredRegionSize(4, 1024))
	require.Equal(t, 4*4096, buddy.MetadataReserve(10, 4096))

	_, err := buddy.New(nil, testHeapBase, buddy.CreateOptions{
		PageSize:   1024,
		MaxOrder:   4,
		RegionSize: buddy.RequiredRegionSize(4, 1024) - 1,
	})
	require.True(t, errors.Is(err, memutils.RegionTooSmallError))

	// A region big enough for the pages but not the metadata reserve
	_, err = buddy.New(nil, testHeapBase, buddy.CreateOptions{
		PageSize:   1024,
		MaxOrder:   4,
		RegionSize: 16 * 1024,
	})
	require.True(t, errors.Is(err, memutils.RegionTooSmallError))

	allocator, err := buddy.New(nil, testHeapBase, buddy.CreateOptions{
		PageSize:   1024,
		MaxOrder:   4,
		RegionSize: buddy.RequiredRegionSize(4, 1024),
	})
	require.NoError(t, err)
	require.Equal(t, 16, allocator.Capacity())
	require.Equal(t, 4, allocator.MaxOrder())
	require.Equal(t, testHeapBase, allocator.HeapBase())
}

func TestNewInvalidConfig(t *testing.T) {
	testCases := map[string]buddy.CreateOptions{
		"PageSizeNotPow2":  {PageSize: 1000, MaxOrder: 4, RegionSize: 1 << 20},
		"NegativePageSize": {PageSize: -1024, MaxOrder: 4, RegionSize: 1 << 20},
		"NegativeOrder":    {PageSize: 1024, MaxOrder: -1, RegionSize: 1 << 20},
		"OrderTooLarge":    {PageSize: 1024, MaxOrder: 31, RegionSize: math.MaxInt},
		"ArenaTooLarge":    {PageSize: 1 << 40, MaxOrder: 30, RegionSize: math.MaxInt},
	}

	for name, options := range testCases {
		t.Run(name, func(t *testing.T) {
			allocator, err := buddy.New(testLogger(), testHeapBase, options)
			require.Nil(t, allocator)
			require.True(t, errors.Is(err, memutils.InvalidConfigError), "%+v", err)
		})
	}

	_, err := buddy.New(nil, testHeapBase, buddy.CreateOptions{PageSize: 1000, MaxOrder: 4, RegionSize: 1 << 20})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = buddy.New(nil, math.MaxUint64-1024, buddy.CreateOptions{
		PageSize:   1024,
		MaxOrder:   4,
		RegionSize: buddy.RequiredRegionSize(4, 1024),
	})
	require.True(t, errors.Is(err, memutils.InvalidConfigError))
}

func TestNewDefaults(t *testing.T) {
	allocator, err := buddy.New(nil, 0, buddy.CreateOptions{
		MaxOrder:   0,
		RegionSize: buddy.RequiredRegionSize(0, buddy.DefaultPageSize),
	})
	require.NoError(t, err)
	require.Equal(t, buddy.DefaultPageSize, allocator.PageSize())
	require.Equal(t, 1, allocator.Capacity())
	require.Equal(t, buddy.CreateFlags(0), allocator.Flags())
	require.Equal(t, "None", allocator.Flags().String())

	address, err := allocator.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, buddy.Address(buddy.DefaultPageSize), address)

	_, err = allocator.Allocate(1)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	require.NoError(t, allocator.Free(address))
}

func TestAllocateErrors(t *testing.T) {
	allocator := createAllocator(t, 4, 0)

	_, err := allocator.Allocate(0)
	require.Error(t, err)
	require.False(t, errors.Is(err, memutils.OutOfMemoryError))

	_, err = allocator.Allocate(-3)
	require.Error(t, err)

	_, err = allocator.Allocate(17)
	require.True(t, errors.Is(err, memutils.RequestTooLargeError))
	require.False(t, errors.Is(err, memutils.OutOfMemoryError))

	address, err := allocator.Allocate(16)
	require.NoError(t, err)
	require.Equal(t, allocator.UsableBase(), address)

	size, err := allocator.AllocationSize(address)
	require.NoError(t, err)
	require.Equal(t, 16, size)
}

func TestAllocateRoundsUp(t *testing.T) {
	allocator := createAllocator(t, 4, 0)

	for pages, expected := range map[int]int{1: 1, 2: 2, 3: 4, 5: 8, 7: 8, 9: 16} {
		address, err := allocator.Allocate(pages)
		require.NoError(t, err)

		size, err := allocator.AllocationSize(address)
		require.NoError(t, err)
		require.Equal(t, expected, size, "pages %d", pages)

		require.NoError(t, allocator.Free(address))
		require.NoError(t, allocator.Validate())
	}
}

func TestFreeErrors(t *testing.T) {
	allocator := createAllocator(t, 4, 0)

	address, err := allocator.Allocate(2)
	require.NoError(t, err)

	invalid := []buddy.Address{
		0,
		testHeapBase,
		allocator.UsableBase() - 1024,
		address + 1,
		blockAddress(allocator, 16),
	}
	for _, candidate := range invalid {
		err = allocator.Free(candidate)
		require.True(t, errors.Is(err, memutils.InvalidAddressError), "address %s", candidate)
	}

	// Aligned, but in the middle of an allocation or in a free block
	for _, block := range []int{1, 2, 8} {
		err = allocator.Free(blockAddress(allocator, block))
		require.True(t, errors.Is(err, memutils.DoubleFreeOrCorruptionError), "block %d", block)
	}

	require.NoError(t, allocator.Free(address))
	require.NoError(t, allocator.Validate())

	err = allocator.Free(address)
	require.True(t, errors.Is(err, memutils.DoubleFreeOrCorruptionError))

	var stats memutils.Statistics
	allocator.Statistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
}

func TestFreeSized(t *testing.T) {
	allocator := createAllocator(t, 4, 0)

	address, err := allocator.Allocate(3)
	require.NoError(t, err)

	for _, pages := range []int{0, 1, 2, 5, 8} {
		err = allocator.FreeSized(address, pages)
		require.True(t, errors.Is(err, memutils.DoubleFreeOrCorruptionError), "pages %d", pages)
	}

	// Nothing was released by the failed attempts
	size, err := allocator.AllocationSize(address)
	require.NoError(t, err)
	require.Equal(t, 4, size)

	require.NoError(t, allocator.FreeSized(address, 3))
	require.NoError(t, allocator.Validate())

	address, err = allocator.Allocate(3)
	require.NoError(t, err)
	require.NoError(t, allocator.FreeSized(address, 4))

	err = allocator.FreeSized(address, 4)
	require.True(t, errors.Is(err, memutils.DoubleFreeOrCorruptionError))
}

func TestAllocatorsAreIsolated(t *testing.T) {
	first := createAllocator(t, 4, 0)
	second := createAllocator(t, 4, 0)

	firstAddress, err := first.Allocate(16)
	require.NoError(t, err)

	secondAddress, err := second.Allocate(16)
	require.NoError(t, err)
	require.Equal(t, firstAddress, secondAddress)

	_, err = first.Allocate(1)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	require.NoError(t, second.Free(secondAddress))

	_, err = first.Allocate(1)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	_, err = second.Allocate(1)
	require.NoError(t, err)

	require.NoError(t, first.Validate())
	require.NoError(t, second.Validate())
}

func TestUserData(t *testing.T) {
	allocator := createAllocator(t, 4, 0)

	address, err := allocator.Allocate(2)
	require.NoError(t, err)

	userData, err := allocator.AllocationUserData(address)
	require.NoError(t, err)
	require.Nil(t, userData)

	require.NoError(t, allocator.SetAllocationUserData(address, "texture atlas"))
	userData, err = allocator.AllocationUserData(address)
	require.NoError(t, err)
	require.Equal(t, "texture atlas", userData)
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.SetAllocationUserData(address, nil))
	userData, err = allocator.AllocationUserData(address)
	require.NoError(t, err)
	require.Nil(t, userData)

	require.NoError(t, allocator.SetAllocationUserData(address, 17))
	require.NoError(t, allocator.Free(address))

	err = allocator.SetAllocationUserData(address, 18)
	require.True(t, errors.Is(err, memutils.DoubleFreeOrCorruptionError))

	_, err = allocator.AllocationUserData(address)
	require.True(t, errors.Is(err, memutils.DoubleFreeOrCorruptionError))

	// The same block handed out again starts with no user data
	address, err = allocator.Allocate(2)
	require.NoError(t, err)
	userData, err = allocator.AllocationUserData(address)
	require.NoError(t, err)
	require.Nil(t, userData)
	require.NoError(t, allocator.Validate())
}

func TestCallbacks(t *testing.T) {
	type event struct {
		allocate bool
		address  buddy.Address
		pages    int
	}
	var events []event
	var owner *buddy.Allocator

	allocator, err := buddy.New(testLogger(), testHeapBase, buddy.CreateOptions{
		PageSize:   1024,
		MaxOrder:   4,
		RegionSize: buddy.RequiredRegionSize(4, 1024),
		Callbacks: &buddy.CallbackOptions{
			Allocate: func(allocator *buddy.Allocator, address buddy.Address, pageCount int, userData any) {
				owner = allocator
				require.Equal(t, "callback data", userData)
				events = append(events, event{allocate: true, address: address, pages: pageCount})
			},
			Free: func(allocator *buddy.Allocator, address buddy.Address, pageCount int, userData any) {
				require.Equal(t, "callback data", userData)
				events = append(events, event{address: address, pages: pageCount})
			},
			UserData: "callback data",
		},
	})
	require.NoError(t, err)

	first, err := allocator.Allocate(3)
	require.NoError(t, err)
	second, err := allocator.Allocate(1)
	require.NoError(t, err)

	_, err = allocator.Allocate(16)
	require.Error(t, err)

	require.NoError(t, allocator.Free(second))
	require.Error(t, allocator.Free(second))
	require.NoError(t, allocator.Free(first))

	require.Same(t, allocator, owner)
	require.Equal(t, []event{
		{allocate: true, address: first, pages: 4},
		{allocate: true, address: second, pages: 1},
		{address: second, pages: 1},
		{address: first, pages: 4},
	}, events)
}

func TestDestroy(t *testing.T) {
	var logOutput bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logOutput, &slog.HandlerOptions{Level: slog.LevelWarn}))

	allocator, err := buddy.New(logger, testHeapBase, buddy.CreateOptions{
		PageSize:   1024,
		MaxOrder:   4,
		RegionSize: buddy.RequiredRegionSize(4, 1024),
	})
	require.NoError(t, err)

	address, err := allocator.Allocate(1)
	require.NoError(t, err)

	require.NoError(t, allocator.Destroy())
	require.Contains(t, logOutput.String(), "allocator destroyed with live allocations")
	require.Contains(t, logOutput.String(), "Count=1")

	require.NoError(t, allocator.Destroy())

	_, err = allocator.Allocate(1)
	require.True(t, errors.Is(err, memutils.AllocatorDestroyedError))
	require.True(t, errors.Is(allocator.Free(address), memutils.AllocatorDestroyedError))
	require.True(t, errors.Is(allocator.FreeSized(address, 1), memutils.AllocatorDestroyedError))
	require.True(t, errors.Is(allocator.Validate(), memutils.AllocatorDestroyedError))
	require.True(t, errors.Is(allocator.SetAllocationUserData(address, 1), memutils.AllocatorDestroyedError))
	_, err = allocator.AllocationSize(address)
	require.True(t, errors.Is(err, memutils.AllocatorDestroyedError))
	_, err = allocator.AllocationUserData(address)
	require.True(t, errors.Is(err, memutils.AllocatorDestroyedError))

	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.BlockCount)
	require.Equal(t, 0, stats.AllocationCount)

	allocator.LogAllocations()

	writer := jwriter.NewWriter()
	allocator.PrintDetailedMap(&writer)
	require.JSONEq(t, `{"HeapBase":"0x10000","UsableBase":"0x10400","MetadataReserve":1024,"Destroyed":true}`, string(writer.Bytes()))
}

func TestDestroyEmptyAllocatorIsQuiet(t *testing.T) {
	var logOutput bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logOutput, &slog.HandlerOptions{Level: slog.LevelWarn}))

	allocator, err := buddy.New(logger, testHeapBase, buddy.CreateOptions{
		PageSize:   1024,
		MaxOrder:   2,
		RegionSize: buddy.RequiredRegionSize(2, 1024),
	})
	require.NoError(t, err)

	address, err := allocator.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(address))

	require.NoError(t, allocator.Destroy())
	require.Empty(t, logOutput.String())
}

type statsDocument struct {
	Total struct {
		BlockCount         int
		BlockBytes         int
		AllocationCount    int
		AllocationBytes    int
		UnusedRangeCount   int
		AllocationSizeMin  int
		AllocationSizeMax  int
		UnusedRangeSizeMin int
		UnusedRangeSizeMax int
		Fragmentation      float64
	}
	DetailedMap *struct {
		HeapBase        string
		UsableBase      string
		MetadataReserve int
		TotalBytes      int
		PageSize        int
		MaxOrder        int
		UnusedBytes     int
		Allocations     int
		UnusedRanges    int
		FreeLists       []int
		Blocks          []struct {
			Block      int
			Address    string
			Pages      int
			Type       string
			CustomData string
		}
	}
}

func TestBuildStatsString(t *testing.T) {
	allocator, err := buddy.New(testLogger(), 0, buddy.CreateOptions{
		PageSize:   1024,
		MaxOrder:   2,
		RegionSize: buddy.RequiredRegionSize(2, 1024),
	})
	require.NoError(t, err)

	address, err := allocator.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, buddy.Address(0x400), address)
	require.NoError(t, allocator.SetAllocationUserData(address, "hello"))

	var doc statsDocument
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(false)), &doc))
	require.Nil(t, doc.DetailedMap)
	require.Equal(t, 1, doc.Total.BlockCount)
	require.Equal(t, 4096, doc.Total.BlockBytes)
	require.Equal(t, 1, doc.Total.AllocationCount)
	require.Equal(t, 1024, doc.Total.AllocationBytes)
	require.Equal(t, 2, doc.Total.UnusedRangeCount)
	require.Equal(t, 1024, doc.Total.AllocationSizeMin)
	require.Equal(t, 1024, doc.Total.AllocationSizeMax)
	require.Equal(t, 1024, doc.Total.UnusedRangeSizeMin)
	require.Equal(t, 2048, doc.Total.UnusedRangeSizeMax)
	require.InDelta(t, 1.0/3.0, doc.Total.Fragmentation, 1e-9)

	doc = statsDocument{}
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &doc))
	require.NotNil(t, doc.DetailedMap)

	detailed := doc.DetailedMap
	require.Equal(t, "0x0", detailed.HeapBase)
	require.Equal(t, "0x400", detailed.UsableBase)
	require.Equal(t, 1024, detailed.MetadataReserve)
	require.Equal(t, 4096, detailed.TotalBytes)
	require.Equal(t, 1024, detailed.PageSize)
	require.Equal(t, 2, detailed.MaxOrder)
	require.Equal(t, 3072, detailed.UnusedBytes)
	require.Equal(t, 1, detailed.Allocations)
	require.Equal(t, 2, detailed.UnusedRanges)
	require.Equal(t, []int{1, 1, 0}, detailed.FreeLists)

	require.Len(t, detailed.Blocks, 3)
	require.Equal(t, 0, detailed.Blocks[0].Block)
	require.Equal(t, "0x400", detailed.Blocks[0].Address)
	require.Equal(t, 1, detailed.Blocks[0].Pages)
	require.Equal(t, "Allocated", detailed.Blocks[0].Type)
	require.Equal(t, "hello", detailed.Blocks[0].CustomData)

	require.Equal(t, 1, detailed.Blocks[1].Block)
	require.Equal(t, "0x800", detailed.Blocks[1].Address)
	require.Equal(t, 1, detailed.Blocks[1].Pages)
	require.Equal(t, "Free", detailed.Blocks[1].Type)

	require.Equal(t, 2, detailed.Blocks[2].Block)
	require.Equal(t, "0xc00", detailed.Blocks[2].Address)
	require.Equal(t, 2, detailed.Blocks[2].Pages)
	require.Equal(t, "Free", detailed.Blocks[2].Type)
}

func TestLogAllocations(t *testing.T) {
	var logOutput bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logOutput, &slog.HandlerOptions{Level: slog.LevelDebug}))

	allocator, err := buddy.New(logger, testHeapBase, buddy.CreateOptions{
		PageSize:   1024,
		MaxOrder:   4,
		RegionSize: buddy.RequiredRegionSize(4, 1024),
	})
	require.NoError(t, err)
	require.Contains(t, logOutput.String(), "Allocator::New")

	address, err := allocator.Allocate(2)
	require.NoError(t, err)
	require.NoError(t, allocator.SetAllocationUserData(address, "vertex buffer"))

	logOutput.Reset()
	allocator.LogAllocations()
	require.Contains(t, logOutput.String(), "live allocation")
	require.Contains(t, logOutput.String(), "Address=0x10400")
	require.Contains(t, logOutput.String(), "Pages=2")
	require.Contains(t, logOutput.String(), "vertex buffer")
}

func TestSynchronizedAllocator(t *testing.T) {
	allocator := createAllocator(t, 8, buddy.CreateSynchronized)
	require.Equal(t, "CreateSynchronized", allocator.Flags().String())

	const workers = 8
	const iterations = 200

	var wg sync.WaitGroup
	failures := make(chan error, workers)

	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			pages := worker%4 + 1
			for i := 0; i < iterations; i++ {
				address, err := allocator.Allocate(pages)
				if errors.Is(err, memutils.OutOfMemoryError) {
					continue
				}
				if err != nil {
					failures <- err
					return
				}

				err = allocator.SetAllocationUserData(address, worker)
				if err != nil {
					failures <- err
					return
				}

				err = allocator.FreeSized(address, pages)
				if err != nil {
					failures <- err
					return
				}
			}
		}(worker)
	}

	wg.Wait()
	close(failures)

	for err := range failures {
		require.NoError(t, err)
	}

	require.NoError(t, allocator.Validate())

	var stats memutils.Statistics
	allocator.Statistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	address, err := allocator.Allocate(256)
	require.NoError(t, err)
	require.Equal(t, allocator.UsableBase(), address)
}
