package guestres

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/vkngwrapper/arsenal/guestres/devmem"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/internal/staging"
	"github.com/vkngwrapper/arsenal/guestres/internal/utils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type indexEntry struct {
	start    uint64
	end      uint64
	resource *Resource
}

func indexEntryLess(a, b indexEntry) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	if a.resource == nil || b.resource == nil {
		return a.resource == nil && b.resource != nil
	}
	return a.resource.serial < b.resource.serial
}

type cacheCounters struct {
	hits             atomic.Uint64
	misses           atomic.Uint64
	uploads          atomic.Uint64
	readbacks        atomic.Uint64
	faults           atomic.Uint64
	deferredFaults   atomic.Uint64
	mappingFallbacks atomic.Uint64
	pruned           atomic.Uint64
}

// Cache maps guest resource descriptors to shared Resources. Lookups with equal descriptors return
// the same Resource; descriptors that merely overlap produce independent resources that alias the
// same guest memory. The cache never evicts on its own; entries leave it through Invalidate, the
// stale check, or Destroy.
type Cache struct {
	logger              *slog.Logger
	device              host.Device
	traps               devmem.TrapService
	pageSize            int
	flags               CacheCreateFlags
	readbackConcurrency int
	staleCheck          func(desc *Descriptor) bool
	callbacks           resourceCallbacks

	tracker *fence.Tracker
	ring    *staging.Ring
	pool    *ImagePool

	mutex          utils.OptionalRWMutex
	entries        *swiss.Map[string, *Resource]
	index          *btree.BTreeG[indexEntry]
	largestMapping int
	nextSerial     atomic.Uint64

	resources resourceList
	counters  cacheCounters
}

// Tracker is the tracker the cache creates cycles with
func (c *Cache) Tracker() *fence.Tracker {
	return c.tracker
}

// Pool is the image pool backings come from, or nil if CacheCreatePooledImages was not set
func (c *Cache) Pool() *ImagePool {
	return c.pool
}

// FindOrCreate returns the view of the resource matching desc, creating the resource if none does.
// A new resource's trap is installed before it becomes visible to other callers, while its backing
// is allocated after the cache lock is released; callers that find it in the meantime wait for the
// backing when they first synchronize it.
//
// The returned view holds no reference to its resource. A concurrent Invalidate or Prune may destroy
// the resource before the caller locks the view, so callers lock it and treat ErrResourceDestroyed
// from Resolve or Executor.AttachView as a miss, or call Retain on the resource to keep it alive.
//
// currentToken is the cycle the caller is recording work into. Entries found stale on a miss are
// removed immediately, but the cache's reference to them is dropped only when currentToken signals,
// since work already recorded against it may use them.
func (c *Cache) FindOrCreate(desc Descriptor, currentToken *fence.Cycle) (*View, error) {
	c.logger.Debug("Cache::FindOrCreate")

	err := desc.Validate()
	if err != nil {
		return nil, err
	}
	key := desc.key()

	c.mutex.RLock()
	existing, ok := c.entries.Get(key)
	c.mutex.RUnlock()
	if ok {
		c.counters.hits.Add(1)
		return existing.GetView(existing.DefaultViewInfo()), nil
	}

	owned := desc.clone()
	r := c.newResource(&owned, nil)
	err = r.installTrap()
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	existing, ok = c.entries.Get(key)
	if ok {
		c.mutex.Unlock()
		r.discard()

		c.counters.hits.Add(1)
		return existing.GetView(existing.DefaultViewInfo()), nil
	}

	stale := c.collectStale(&owned)
	c.insert(r)
	c.mutex.Unlock()

	c.counters.misses.Add(1)
	c.resources.Register(r)
	c.callbacks.Create(r)
	c.releaseAfter(stale, currentToken)

	err = c.construct(r)
	if err != nil {
		return nil, err
	}

	return r.GetView(r.DefaultViewInfo()), nil
}

// CreateHostOnly creates a resource with no guest memory. It is always Clean and never trapped.
// The caller owns the returned reference and must Release it.
func (c *Cache) CreateHostOnly(info HostOnlyInfo) (*Resource, error) {
	c.logger.Debug("Cache::CreateHostOnly")

	if !info.Format.Valid() || info.Dimensions.Width <= 0 {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "host-only %s resource %dx%d", info.Format, info.Dimensions.Width, info.Dimensions.Height)
	}
	if info.Type != ResourceTypeBuffer && info.Format.Host == core1_0.FormatUndefined {
		return nil, errors.Wrapf(ErrTranslationUnsupported, "format %s has no host equivalent", info.Format)
	}

	r := c.newResource(nil, &info)
	c.resources.Register(r)
	c.callbacks.Create(r)

	backing, err := c.allocateBacking(r.isBuffer(), r.hostSize(), r.imageInfo())
	if err != nil {
		r.Release()
		return nil, err
	}

	r.Lock()
	r.installBacking(backing, core1_0.ImageLayoutUndefined)
	r.Unlock()

	return r, nil
}

// HostOnlyInfo describes a host-only resource
type HostOnlyInfo struct {
	Type       ResourceType
	Format     Format
	Dimensions host.Dimensions
	LayerCount int
	MipLevels  int
	Samples    core1_0.SampleCountFlags
}

func (c *Cache) construct(r *Resource) error {
	r.Lock()
	buffer, size, info := r.isBuffer(), r.hostSize(), r.imageInfo()
	r.Unlock()

	backing, err := c.allocateBacking(buffer, size, info)

	r.Lock()
	if err != nil {
		r.failConstruction(err)
	} else {
		r.installBacking(backing, core1_0.ImageLayoutUndefined)
	}
	r.Unlock()

	if err != nil {
		c.logger.Error("failed to allocate resource backing", slog.String("resource", r.id.String()), slog.Any("error", err))
		c.remove(r)
		return err
	}

	return nil
}

func (c *Cache) allocateBacking(buffer bool, size int, info host.ImageInfo) (Backing, error) {
	if buffer {
		hostBuffer, err := c.device.AllocateBuffer(size)
		if err != nil {
			return Backing{}, errors.Mark(errors.Wrapf(err, "failed to allocate a %d byte buffer", size), ErrResourceExhausted)
		}
		return BufferBacking(hostBuffer), nil
	}

	if c.pool != nil {
		backing, err := c.pool.Acquire(info)
		if err != nil {
			return Backing{}, errors.Mark(errors.Wrap(err, "failed to acquire a pooled image"), ErrResourceExhausted)
		}
		return backing, nil
	}

	image, err := c.device.AllocateImage(info)
	if err != nil {
		return Backing{}, errors.Mark(errors.Wrapf(err, "failed to allocate a %dx%d image", info.Dimensions.Width, info.Dimensions.Height), ErrResourceExhausted)
	}
	return OwnedImage(image), nil
}

func (c *Cache) allocateStaging(size int) (*staging.Allocation, error) {
	alloc, err := c.ring.Allocate(size, stagingAlignment)
	if err != nil {
		return nil, errors.Mark(err, ErrResourceExhausted)
	}
	return alloc, nil
}

// submitAndWait records work through the host device as its own submission and waits for it
func (c *Cache) submitAndWait(record func(cmd host.CommandContext, cycle *fence.Cycle) error) error {
	cycle := c.tracker.Begin()

	f, err := c.device.Submit(func(cmd host.CommandContext) error {
		return record(cmd, cycle)
	})
	if err != nil {
		cycle.Cancel()
		return err
	}

	cycle.Bind(f)
	return cycle.Wait()
}

// discard tears down a resource that lost the race to be inserted
func (r *Resource) discard() {
	err := r.cache.traps.RemoveTrap(r.trap)
	if err != nil {
		r.cache.logger.Error("failed to remove trap", slog.String("resource", r.id.String()), slog.Any("error", err))
	}
	r.hasTrap = false
	r.destroyed = true
}

func (c *Cache) insert(r *Resource) {
	c.entries.Put(r.key, r)
	for _, mapping := range r.guest.Mappings {
		c.index.ReplaceOrInsert(indexEntry{start: mapping.Address, end: mapping.End(), resource: r})
		c.largestMapping = max(c.largestMapping, mapping.Size)
	}
}

// unlink removes r from the map and the index. It reports false if r was not in the cache.
func (c *Cache) unlink(r *Resource) bool {
	current, ok := c.entries.Get(r.key)
	if !ok || current != r {
		return false
	}

	c.entries.Delete(r.key)
	for _, mapping := range r.guest.Mappings {
		c.index.Delete(indexEntry{start: mapping.Address, end: mapping.End(), resource: r})
	}
	return true
}

func (c *Cache) remove(r *Resource) {
	c.mutex.Lock()
	removed := c.unlink(r)
	c.mutex.Unlock()

	if removed {
		r.Release()
	}
}

// overlapping collects the cached resources with a mapping overlapping rng. The cache lock must be held.
func (c *Cache) overlapping(rng devmem.Range) []*Resource {
	var lowest uint64
	if rng.Address > uint64(c.largestMapping) {
		lowest = rng.Address - uint64(c.largestMapping)
	}

	var out []*Resource
	seen := make(map[*Resource]struct{})
	c.index.AscendRange(indexEntry{start: lowest}, indexEntry{start: rng.End()}, func(entry indexEntry) bool {
		if entry.end <= rng.Address {
			return true
		}
		if _, ok := seen[entry.resource]; ok {
			return true
		}

		seen[entry.resource] = struct{}{}
		out = append(out, entry.resource)
		return true
	})

	return out
}

// Overlapping returns every cached resource with guest memory overlapping rng, in address order
func (c *Cache) Overlapping(rng devmem.Range) []*Resource {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.overlapping(rng)
}

func (c *Cache) collectStale(desc *Descriptor) []*Resource {
	if c.staleCheck == nil {
		return nil
	}

	var stale []*Resource
	seen := make(map[*Resource]struct{})
	for _, mapping := range desc.Mappings {
		for _, r := range c.overlapping(mapping.Range) {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}

			if c.staleCheck(r.guest) && c.unlink(r) {
				stale = append(stale, r)
			}
		}
	}

	c.counters.pruned.Add(uint64(len(stale)))
	return stale
}

func (c *Cache) releaseAfter(resources []*Resource, cycle *fence.Cycle) {
	for _, r := range resources {
		if cycle == nil {
			r.Release()
			continue
		}
		cycle.AttachRetained(r)
	}
}

// Invalidate removes every resource overlapping rng from the cache, for guest memory that has been
// unmapped. Resources still referenced elsewhere live on until released. It returns the number of
// resources removed.
func (c *Cache) Invalidate(rng devmem.Range) int {
	c.logger.Debug("Cache::Invalidate", slog.String("range", rng.String()))

	c.mutex.Lock()
	var removed []*Resource
	for _, r := range c.overlapping(rng) {
		if c.unlink(r) {
			removed = append(removed, r)
		}
	}
	c.mutex.Unlock()

	for _, r := range removed {
		r.Release()
	}
	return len(removed)
}

// Prune removes every cached resource isStale reports true for, dropping the cache's references
// once currentToken signals. It returns the number of resources removed.
func (c *Cache) Prune(isStale func(desc *Descriptor) bool, currentToken *fence.Cycle) int {
	c.mutex.Lock()
	var stale []*Resource
	c.entries.Iter(func(_ string, r *Resource) bool {
		if isStale(r.guest) {
			stale = append(stale, r)
		}
		return false
	})
	for _, r := range stale {
		c.unlink(r)
	}
	c.mutex.Unlock()

	c.counters.pruned.Add(uint64(len(stale)))
	c.releaseAfter(stale, currentToken)
	return len(stale)
}

// Len is the number of cached resources
func (c *Cache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.entries.Count()
}

// retainAll takes a reference to every cached resource
func (c *Cache) retainAll() []*Resource {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]*Resource, 0, c.entries.Count())
	c.entries.Iter(func(_ string, r *Resource) bool {
		r.Retain()
		out = append(out, r)
		return false
	})
	return out
}

// SynchronizeDevice reads back every cached resource whose backing has been written by the host
// GPU, so guest memory holds every result. Readbacks run in parallel, bounded by the cache's
// readback concurrency. It returns the first error encountered.
func (c *Cache) SynchronizeDevice(ctx context.Context) error {
	c.logger.Debug("Cache::SynchronizeDevice")

	resources := c.retainAll()
	defer func() {
		for _, r := range resources {
			r.Release()
		}
	}()

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(c.readbackConcurrency)

	for _, r := range resources {
		if r.PublishedState() != DevicePendingReadback {
			continue
		}

		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			r.Lock()
			defer r.Unlock()

			return r.EnsureDeviceCurrent(false)
		})
	}

	return group.Wait()
}

// Reap releases everything attached to cycles that have signaled and returns the number still in flight
func (c *Cache) Reap() int {
	return c.tracker.Reap()
}

func (c *Cache) forget(r *Resource) {
	c.resources.Unregister(r)
	c.callbacks.Destroy(r)
}

// Validate checks the cache's bookkeeping and every cached resource
func (c *Cache) Validate() error {
	err := c.resources.Validate()
	if err != nil {
		return err
	}

	err = c.ring.Validate()
	if err != nil {
		return err
	}

	c.mutex.RLock()
	indexed := 0
	c.index.Ascend(func(entry indexEntry) bool {
		indexed++
		return true
	})
	mappings := 0
	var resources []*Resource
	c.entries.Iter(func(key string, r *Resource) bool {
		mappings += len(r.guest.Mappings)
		resources = append(resources, r)
		return false
	})
	c.mutex.RUnlock()

	if indexed != mappings {
		return errors.Newf("the address index holds %d mappings but cached resources have %d", indexed, mappings)
	}

	for _, r := range resources {
		r.Lock()
		err = r.Validate()
		r.Unlock()
		if err != nil {
			return err
		}
	}

	return nil
}

// Destroy drops the cache's references to every resource, waits for submitted work, and frees
// staging memory and pooled images. Resources still referenced elsewhere are logged.
func (c *Cache) Destroy() {
	c.logger.Debug("Cache::Destroy")

	c.mutex.Lock()
	var resources []*Resource
	c.entries.Iter(func(_ string, r *Resource) bool {
		resources = append(resources, r)
		return false
	})
	c.entries.Clear()
	c.index.Clear(false)
	c.mutex.Unlock()

	for _, r := range resources {
		r.Release()
	}

	err := c.tracker.WaitIdle()
	if err != nil {
		c.logger.Error("failed to wait for in-flight work", slog.Any("error", err))
	}

	for _, r := range c.resources.Snapshot() {
		c.logUnreleasedResource(r)
	}

	if c.pool != nil {
		c.pool.Destroy()
	}
	c.ring.Destroy()
}

func (c *Cache) logUnreleasedResource(r *Resource) {
	desc := "host-only"
	if r.guest != nil {
		desc = r.guest.Ranges()[0].String()
	}

	c.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED RESOURCE]",
		slog.String("resource", r.id.String()),
		slog.String("type", r.resourceType.String()),
		slog.String("format", r.format.String()),
		slog.String("memory", desc),
		slog.Int("references", r.refs.Count()),
	)
}
