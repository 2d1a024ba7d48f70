package guestres

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/vkngwrapper/arsenal/guestres/devmem"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
	"github.com/vkngwrapper/arsenal/guestres/internal/staging"
	"github.com/vkngwrapper/arsenal/guestres/internal/utils"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

// CacheCreateFlags select optional Cache behavior
type CacheCreateFlags int32

var cacheCreateFlagsMapping = common.NewFlagStringMapping[CacheCreateFlags]()

func (f CacheCreateFlags) Register(str string) {
	cacheCreateFlagsMapping.Register(f, str)
}

func (f CacheCreateFlags) String() string {
	return cacheCreateFlagsMapping.FlagsToString(f)
}

const (
	// CacheCreateExternallySynchronized indicates that the caller serializes every call into the
	// cache, so the cache-wide lock is not taken. Resource locks are always taken.
	CacheCreateExternallySynchronized CacheCreateFlags = 1 << iota
	// CacheCreatePooledImages makes image backings come from an ImagePool, so the images of
	// destroyed resources are reused by new resources of the same shape
	CacheCreatePooledImages
	// CacheCreateDedicatedStaging gives every staging copy its own host buffer instead of
	// suballocating staging blocks
	CacheCreateDedicatedStaging
	// CacheCreateLinearImages requests linear-tiled images, which a host device may let the
	// cache write through a mapping instead of a staging copy
	CacheCreateLinearImages
)

func init() {
	CacheCreateExternallySynchronized.Register("ExternallySynchronized")
	CacheCreatePooledImages.Register("PooledImages")
	CacheCreateDedicatedStaging.Register("DedicatedStaging")
	CacheCreateLinearImages.Register("LinearImages")
}

const (
	// DefaultStagingBlockSize is the size of the host buffers staging copies are suballocated from
	DefaultStagingBlockSize = 16 * 1024 * 1024
	// DefaultReadbackConcurrency is the number of resources SynchronizeDevice reads back at once
	DefaultReadbackConcurrency = 4
	// DefaultMaxPooledImages is the number of idle images of one shape an ImagePool keeps
	DefaultMaxPooledImages = 4
)

// CreateOptions configures a Cache
type CreateOptions struct {
	Flags CacheCreateFlags

	// PageSize is the granularity of the trap service. Zero uses the system page size.
	PageSize int
	// StagingBlockSize is the size of staging blocks. Zero uses DefaultStagingBlockSize.
	StagingBlockSize int
	// ReadbackConcurrency bounds SynchronizeDevice. Zero uses DefaultReadbackConcurrency.
	ReadbackConcurrency int
	// MaxPooledImages bounds the idle images kept per shape with CacheCreatePooledImages. Zero uses
	// DefaultMaxPooledImages.
	MaxPooledImages int

	// Callbacks are informed of resources being created and destroyed
	Callbacks *CallbackOptions

	// StaleCheck, if set, is consulted on every cache miss for existing entries that overlap the new
	// descriptor. Entries it reports as stale are removed from the cache.
	StaleCheck func(desc *Descriptor) bool
}

// New creates a Cache of resources backed by device, trapping guest memory through traps
func New(logger *slog.Logger, device host.Device, traps devmem.TrapService, options CreateOptions) (*Cache, error) {
	if device == nil || traps == nil {
		return nil, errors.New("a cache requires a host device and a trap service")
	}

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = unix.Getpagesize()
	}
	err := memutils.CheckPow2(pageSize, "options.PageSize")
	if err != nil {
		return nil, err
	}

	blockSize := options.StagingBlockSize
	if blockSize == 0 {
		blockSize = DefaultStagingBlockSize
	}
	if options.Flags&CacheCreateDedicatedStaging != 0 {
		blockSize = 0
	}

	concurrency := options.ReadbackConcurrency
	if concurrency <= 0 {
		concurrency = DefaultReadbackConcurrency
	}

	useMutex := options.Flags&CacheCreateExternallySynchronized == 0
	ring, err := staging.New(logger, device, blockSize, true)
	if err != nil {
		return nil, err
	}

	cache := &Cache{
		logger:              logger,
		device:              device,
		traps:               traps,
		pageSize:            pageSize,
		flags:               options.Flags,
		readbackConcurrency: concurrency,
		staleCheck:          options.StaleCheck,

		tracker: fence.NewTracker(logger),
		ring:    ring,

		mutex:   utils.OptionalRWMutex{UseMutex: useMutex},
		entries: swiss.NewMap[string, *Resource](64),
		index:   btree.NewG[indexEntry](16, indexEntryLess),
	}
	cache.callbacks = resourceCallbacks{Callbacks: options.Callbacks, Cache: cache}
	cache.resources.Init(true)

	if options.Flags&CacheCreatePooledImages != 0 {
		maxPooled := options.MaxPooledImages
		if maxPooled <= 0 {
			maxPooled = DefaultMaxPooledImages
		}
		cache.pool = NewImagePool(device, maxPooled)
	}

	return cache, nil
}
