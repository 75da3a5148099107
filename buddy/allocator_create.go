package buddy

import (
	"io"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/pagebuddy/buddy/internal/utils"
	"github.com/vkngwrapper/pagebuddy/memutils"
	"github.com/vkngwrapper/pagebuddy/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateSynchronized guards every call on the allocator with an internal lock, so that it may be
	// used from several goroutines at once. Without it the allocator must only be used from one goroutine
	// at a time.
	CreateSynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateSynchronized: "CreateSynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	str, ok := createFlagsMapping[f]
	if !ok {
		return "Unknown"
	}
	return str
}

const (
	// DefaultPageSize is the value that is used as the PageSize when none is provided via CreateOptions
	DefaultPageSize int = 1024
)

// CreateOptions contains the settings used to create an allocator. They are fixed for the lifetime
// of the allocator.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PageSize is the number of bytes in a page unit, the smallest block that can be allocated. It must
	// be a power of two. DefaultPageSize is used if it is 0.
	PageSize int
	// MaxOrder is the log2 of the arena capacity in pages. The arena holds 1<<MaxOrder pages and
	// no single allocation may be larger than that.
	MaxOrder int
	// RegionSize is the size in bytes of the backing region starting at the heap base. It must be large
	// enough to hold the metadata reserve plus every page of the arena.
	RegionSize int

	// Callbacks is an optional set of callbacks that will be executed when blocks are allocated or freed
	Callbacks *CallbackOptions
}

// MetadataReserve returns the number of bytes at the start of the region that are set aside for
// bookkeeping: the free list heads and block descriptors, rounded up to a whole number of pages.
func MetadataReserve(maxOrder, pageSize int) int {
	return memutils.AlignUp(metadata.DirectoryFootprint(maxOrder), uint(pageSize))
}

// RequiredRegionSize returns the smallest region an allocator with these settings can be created on
func RequiredRegionSize(maxOrder, pageSize int) int {
	return MetadataReserve(maxOrder, pageSize) + (1<<maxOrder)*pageSize
}

// New creates an allocator managing the region that begins at heapBase. The region itself is owned by
// the caller: the allocator only hands out addresses within it. logger may be nil.
func New(logger *slog.Logger, heapBase Address, options CreateOptions) (*Allocator, error) {
	if options.PageSize == 0 {
		options.PageSize = DefaultPageSize
	}

	if options.PageSize < 0 {
		return nil, errors.Wrapf(memutils.InvalidConfigError, "PageSize %d must be positive", options.PageSize)
	}

	err := memutils.CheckPow2(options.PageSize, "PageSize")
	if err != nil {
		return nil, errors.Mark(err, memutils.InvalidConfigError)
	}

	return newAllocator(logger, heapBase, options, metadata.NewBuddyBlockMetadata(options.PageSize))
}

func newAllocator(logger *slog.Logger, heapBase Address, options CreateOptions, md metadata.BlockMetadata) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if options.MaxOrder < 0 || options.MaxOrder > metadata.MaxOrderLimit {
		return nil, errors.Wrapf(memutils.InvalidConfigError, "MaxOrder %d is outside of the range [0, %d]", options.MaxOrder, metadata.MaxOrderLimit)
	}

	if options.PageSize > (math.MaxInt/4)>>options.MaxOrder {
		return nil, errors.Wrapf(memutils.InvalidConfigError, "an arena of %d pages of %d bytes is too large", 1<<options.MaxOrder, options.PageSize)
	}

	capacity := 1 << options.MaxOrder
	reserve := MetadataReserve(options.MaxOrder, options.PageSize)
	required := reserve + capacity*options.PageSize

	if options.RegionSize < required {
		return nil, errors.Wrapf(memutils.RegionTooSmallError,
			"region of %d bytes cannot hold %d bytes of metadata and %d pages of %d bytes", options.RegionSize, reserve, capacity, options.PageSize)
	}

	if uint64(heapBase) > math.MaxUint64-uint64(options.RegionSize) {
		return nil, errors.Wrapf(memutils.InvalidConfigError, "region of %d bytes at %s overflows the address space", options.RegionSize, heapBase)
	}

	md.Init(options.MaxOrder)

	allocator := &Allocator{
		logger:          logger,
		heapBase:        heapBase,
		pageSize:        options.PageSize,
		maxOrder:        options.MaxOrder,
		metadataReserve: reserve,
		createFlags:     options.Flags,
		translator:      NewAddressTranslator(heapBase, reserve, options.PageSize, capacity),
		metadata:        md,
		userData:        swiss.NewMap[metadata.BlockIndex, any](16),
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&CreateSynchronized != 0,
		},
	}
	allocator.callbacks = allocatorCallbacks{
		Callbacks: options.Callbacks,
		Allocator: allocator,
	}

	logger.Debug("Allocator::New",
		slog.String("HeapBase", heapBase.String()),
		slog.Int("PageSize", options.PageSize),
		slog.Int("MaxOrder", options.MaxOrder),
		slog.Int("MetadataReserve", reserve),
		slog.String("Flags", options.Flags.String()),
	)

	return allocator, nil
}
