package guestres

import (
	"sync"
	"sync/atomic"
	"weak"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/arsenal/guestres/devmem"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
	"github.com/vkngwrapper/arsenal/guestres/internal/staging"
	"github.com/vkngwrapper/arsenal/guestres/layout"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

const (
	faultRead uint32 = 1 << iota
	faultWrite
)

type pendingReadback struct {
	cycle *fence.Cycle
	// alloc holds the staged copy, or is nil when the backing is read through its mapping
	alloc *staging.Allocation
}

// Resource is a host GPU object that mirrors a region of guest device memory, or a host-only
// object with no guest memory at all. A Resource tracks which side holds the authoritative copy
// of its contents and moves data between them on demand.
//
// Every method other than the accessors that say otherwise requires the caller to hold the
// Resource's lock.
type Resource struct {
	cache  *Cache
	id     uuid.UUID
	serial uint64
	key    string

	refs fence.RefCount

	mutex          sync.Mutex
	backingReady   *sync.Cond
	pendingFaults  atomic.Uint32
	destroyPending atomic.Bool
	uploadLost     atomic.Bool
	orphanedViews  atomic.Bool

	guest  *Descriptor
	mirror *Mirror

	trap       devmem.TrapHandle
	hasTrap    bool
	protection devmem.Protection

	dirtyState       DirtyState
	publishedState   atomic.Uint32
	readWriteTrapped bool
	readback         *pendingReadback

	resourceType ResourceType
	format       Format
	dimensions   host.Dimensions
	tiling       layout.TileConfig
	layerCount   int
	layerStride  int
	mipLevels    int
	samples      core1_0.SampleCountFlags
	imageLayout  core1_0.ImageLayout

	backing      Backing
	generation   uint64
	constructing bool
	constructErr error
	destroyed    bool

	cycle weak.Pointer[fence.Cycle]

	viewMutex   sync.Mutex
	views       []weak.Pointer[View]
	viewHandles []*viewHandle
	pinnedViews map[*View]int

	fragmentedWarned bool

	nextResource *Resource
	prevResource *Resource
}

var _ fence.Dependency = &Resource{}

func (c *Cache) newResource(desc *Descriptor, info *HostOnlyInfo) *Resource {
	r := &Resource{
		cache:  c,
		id:     uuid.New(),
		serial: c.nextSerial.Add(1),
	}
	r.backingReady = sync.NewCond(&r.mutex)
	r.refs.Init(r.requestDestroy)

	if desc != nil {
		r.guest = desc
		r.key = desc.key()
		r.mirror = newMirror(desc.Mappings)
		r.resourceType = desc.Type
		r.format = desc.Format
		r.dimensions = desc.Dimensions
		r.tiling = desc.Tiling
		r.layerCount = desc.layerCount()
		r.layerStride = desc.LayerStride
		r.mipLevels = 1
		r.samples = core1_0.Samples1
		r.constructing = true
		r.setState(HostPendingUpload)
	} else {
		r.resourceType = info.Type
		r.format = info.Format
		r.dimensions = info.Dimensions
		r.tiling = layout.Linear()
		r.layerCount = max(info.LayerCount, 1)
		r.mipLevels = max(info.MipLevels, 1)
		r.samples = info.Samples
		if r.samples == 0 {
			r.samples = core1_0.Samples1
		}
		r.setState(Clean)
	}

	return r
}

// ID is a unique identifier for this resource, stable for its lifetime. It may be called without the lock.
func (r *Resource) ID() uuid.UUID {
	return r.id
}

// Descriptor is the guest descriptor the resource was created from, or nil for host-only resources.
// It may be called without the lock.
func (r *Resource) Descriptor() *Descriptor {
	if r.guest == nil {
		return nil
	}
	desc := r.guest.clone()
	return &desc
}

// IsHostOnly reports whether the resource has no guest memory. It may be called without the lock.
func (r *Resource) IsHostOnly() bool {
	return r.guest == nil
}

// Mirror is the device memory the resource mirrors, or nil for host-only resources. It may be
// called without the lock.
func (r *Resource) Mirror() *Mirror {
	return r.mirror
}

// DirtyState is the resource's current dirty state
func (r *Resource) DirtyState() DirtyState {
	return r.dirtyState
}

// PublishedState is the most recent dirty state, readable without the lock
func (r *Resource) PublishedState() DirtyState {
	return DirtyState(r.publishedState.Load())
}

// Protection is the protection the resource's trap currently holds
func (r *Resource) Protection() devmem.Protection {
	return r.protection
}

func (r *Resource) Type() ResourceType {
	return r.resourceType
}

func (r *Resource) Format() Format {
	return r.format
}

func (r *Resource) Dimensions() host.Dimensions {
	return r.dimensions
}

func (r *Resource) LayerCount() int {
	return r.layerCount
}

func (r *Resource) MipLevels() int {
	return r.mipLevels
}

func (r *Resource) SampleCount() core1_0.SampleCountFlags {
	return r.samples
}

// Layout is the image layout the backing is currently in
func (r *Resource) Layout() core1_0.ImageLayout {
	return r.imageLayout
}

func (r *Resource) Backing() Backing {
	return r.backing
}

// Generation is incremented every time the backing is replaced
func (r *Resource) Generation() uint64 {
	return r.generation
}

// Destroyed reports whether the resource has released its backing
func (r *Resource) Destroyed() bool {
	return r.destroyed
}

func (r *Resource) setState(state DirtyState) {
	r.dirtyState = state
	r.publishedState.Store(uint32(state))
}

func (r *Resource) isBuffer() bool {
	return r.resourceType == ResourceTypeBuffer
}

func (r *Resource) hostLayerSize() int {
	return r.format.Size(r.dimensions)
}

func (r *Resource) hostSize() int {
	return r.hostLayerSize() * r.layerCount
}

func (r *Resource) imageInfo() host.ImageInfo {
	var flags core1_0.ImageCreateFlags
	if r.resourceType.isCube() {
		flags |= core1_0.ImageCreateCubeCompatible
	}

	tiling := core1_0.ImageTilingOptimal
	if r.cache.flags&CacheCreateLinearImages != 0 {
		tiling = core1_0.ImageTilingLinear
	}

	return host.ImageInfo{
		Format: r.format.Host,
		Type:   r.resourceType.imageType(),
		Dimensions: host.Dimensions{
			Width:  r.dimensions.Width,
			Height: max(r.dimensions.Height, 1),
			Depth:  max(r.dimensions.Depth, 1),
		},
		MipLevels:   r.mipLevels,
		ArrayLayers: r.layerCount,
		Samples:     r.samples,
		Tiling:      tiling,
		Usage:       core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled,
		Flags:       flags,
		LayerSize:   r.hostLayerSize(),
	}
}

// Lock acquires the resource's lock
func (r *Resource) Lock() {
	r.mutex.Lock()
}

// TryLock acquires the resource's lock if it is free
func (r *Resource) TryLock() bool {
	return r.mutex.TryLock()
}

// Unlock applies any trap faults and destruction deferred while the lock was held, then releases it
func (r *Resource) Unlock() {
	r.processDeferred()
	r.mutex.Unlock()
	r.retryDeferred()
}

// retryDeferred picks up work deferred after processDeferred ran but before the lock was released
func (r *Resource) retryDeferred() {
	for r.pendingFaults.Load() != 0 || r.uploadLost.Load() || r.destroyPending.Load() || r.orphanedViews.Load() {
		if !r.mutex.TryLock() {
			return
		}
		r.processDeferred()
		r.mutex.Unlock()
	}
}

// processDeferred applies deferred faults and destruction, and reports whether every deferred fault
// was applied
func (r *Resource) processDeferred() bool {
	applied := true
	faults := r.pendingFaults.Swap(0)
	if faults&faultRead != 0 && !r.applyFault(devmem.AccessRead) {
		applied = false
	}
	if faults&faultWrite != 0 && !r.applyFault(devmem.AccessWrite) {
		applied = false
	}

	if r.uploadLost.Swap(false) {
		r.revertUpload()
	}

	if r.orphanedViews.Swap(false) {
		r.releaseOrphanedViews()
	}

	if r.destroyPending.Swap(false) {
		r.destroy()
	}

	return applied
}

// Retain takes a reference to the resource. It may be called without the lock.
func (r *Resource) Retain() {
	r.refs.Retain()
}

// Release drops a reference. The resource is destroyed when the last reference is released. It
// may be called without the lock; if the lock is held, destruction happens when it is released.
func (r *Resource) Release() {
	r.refs.Release()
}

func (r *Resource) requestDestroy() {
	r.destroyPending.Store(true)
	r.retryDeferred()
}

// attachTo keeps the resource alive until cycle signals and records cycle as the last one to use it
func (r *Resource) attachTo(cycle *fence.Cycle) {
	if r.refs.TryRetain() {
		cycle.AttachRetained(r)
	}
	r.cycle = weak.Make(cycle)
}

// lastCycle is the most recent cycle the resource was attached to, if it is still reachable
func (r *Resource) lastCycle() *fence.Cycle {
	return r.cycle.Value()
}

// WaitOnFence waits for the last submitted cycle that used the resource
func (r *Resource) WaitOnFence() error {
	return r.waitOnFence(nil)
}

func (r *Resource) waitOnFence(current *fence.Cycle) error {
	cycle := r.lastCycle()
	if cycle == nil || cycle == current || cycle.Signaled() {
		return nil
	}

	if !cycle.Submitted() {
		// The work is still being recorded, so nothing on the host GPU is using the resource yet
		r.cache.logger.Debug("Resource::WaitOnFence skipping unsubmitted cycle", slog.Uint64("cycle", cycle.ID()))
		return nil
	}

	err := cycle.Wait()
	if err != nil {
		return errors.Wrapf(err, "failed to wait on cycle %d", cycle.ID())
	}

	r.cycle = weak.Pointer[fence.Cycle]{}
	return nil
}

// deferRelease runs release once the host GPU can no longer be using the resource's current objects
func (r *Resource) deferRelease(release func()) {
	cycle := r.lastCycle()
	if cycle == nil {
		release()
		return
	}

	cycle.Defer(release)
}

// AwaitBackingReady waits, releasing the lock while it does, until the resource's backing has been
// allocated or its construction has failed
func (r *Resource) AwaitBackingReady() error {
	for r.constructing && r.backing.Kind() == BackingNone {
		r.backingReady.Wait()
	}

	if r.destroyed {
		return ErrResourceDestroyed
	}
	if r.constructErr != nil {
		return r.constructErr
	}
	if r.backing.Kind() == BackingNone {
		return ErrNoBacking
	}

	return nil
}

func (r *Resource) ensureBacking() error {
	if r.destroyed {
		return ErrResourceDestroyed
	}
	if r.backing.Kind() != BackingNone {
		return nil
	}

	if r.constructing {
		return r.AwaitBackingReady()
	}
	if r.constructErr != nil {
		return r.constructErr
	}

	backing, err := r.cache.allocateBacking(r.isBuffer(), r.hostSize(), r.imageInfo())
	if err != nil {
		return err
	}

	r.installBacking(backing, core1_0.ImageLayoutUndefined)
	return nil
}

func (r *Resource) installBacking(backing Backing, initialLayout core1_0.ImageLayout) {
	r.backing = backing
	r.imageLayout = initialLayout
	r.generation++
	r.constructing = false
	r.constructErr = nil
	r.backingReady.Broadcast()
}

func (r *Resource) failConstruction(err error) {
	r.constructing = false
	r.constructErr = err
	r.backingReady.Broadcast()
}

// SwapBacking replaces the resource's backing. The old backing and the host views built on it are
// released once the last cycle to use them has signaled. Guest contents held only by the old
// backing are read back first, and the mirror is uploaded to the new backing on the next host sync.
func (r *Resource) SwapBacking(backing Backing, initialLayout core1_0.ImageLayout) error {
	r.cache.logger.Debug("Resource::SwapBacking")

	if r.destroyed {
		return ErrResourceDestroyed
	}

	if r.guest != nil && r.dirtyState == DevicePendingReadback && r.backing.Kind() != BackingNone {
		err := r.EnsureDeviceCurrent(true)
		if err != nil {
			return err
		}
	}

	err := r.waitOnFence(nil)
	if err != nil {
		return err
	}

	old := r.backing
	retired := r.retireViewHandles()
	r.installBacking(backing, initialLayout)

	r.deferRelease(func() {
		for _, handle := range retired {
			handle.destroy()
		}
		old.release()
	})

	if r.guest != nil && r.dirtyState != HostPendingUpload {
		err = r.protect(devmem.ProtectNone)
		if err != nil {
			return err
		}
		r.setState(HostPendingUpload)
	}

	memutils.DebugValidate(r)
	return nil
}

// destroy releases everything the resource owns. It runs with the lock held once the last
// reference has been released.
func (r *Resource) destroy() {
	if r.destroyed {
		return
	}
	r.cache.logger.Debug("Resource::destroy", slog.String("resource", r.id.String()))

	if r.guest != nil && r.dirtyState == DevicePendingReadback && r.backing.Kind() != BackingNone {
		err := r.EnsureDeviceCurrent(true)
		if err != nil {
			r.cache.logger.Error("failed to read back a destroyed resource", slog.String("resource", r.id.String()), slog.Any("error", err))
		}
	}
	if r.readback != nil {
		if alloc := r.readback.alloc; alloc != nil {
			r.readback.cycle.Defer(func() { r.cache.ring.Free(alloc) })
		}
		r.readback = nil
	}

	r.destroyed = true

	if r.hasTrap {
		err := r.cache.traps.RemoveTrap(r.trap)
		if err != nil {
			r.cache.logger.Error("failed to remove trap", slog.String("resource", r.id.String()), slog.Any("error", err))
		}
		r.hasTrap = false
	}

	retired := r.retireViewHandles()
	old := r.backing
	r.backing = Backing{}
	r.deferRelease(func() {
		for _, handle := range retired {
			handle.destroy()
		}
		old.release()
	})
	r.backingReady.Broadcast()

	r.cache.forget(r)
}

// Validate checks that the resource's trap protection agrees with its dirty state
func (r *Resource) Validate() error {
	if r.destroyed {
		if r.backing.Kind() != BackingNone || r.hasTrap {
			return errors.Newf("destroyed resource %s still holds a backing or trap", r.id)
		}
		return nil
	}

	if r.guest == nil {
		if r.dirtyState != Clean || r.hasTrap {
			return errors.Newf("host-only resource %s is %s with trap %t", r.id, r.dirtyState, r.hasTrap)
		}
		return nil
	}

	if !r.hasTrap {
		return errors.Newf("guest resource %s has no trap", r.id)
	}

	expected := r.dirtyState.protection(r.readWriteTrapped)
	if r.protection != expected {
		return errors.Newf("resource %s is %s with protection %s, expected %s", r.id, r.dirtyState, r.protection, expected)
	}

	if r.readback != nil && r.dirtyState != DevicePendingReadback {
		return errors.Newf("resource %s has a pending readback while %s", r.id, r.dirtyState)
	}

	if r.dirtyState == DevicePendingReadback && r.backing.Kind() == BackingNone {
		return errors.Newf("resource %s is %s without a backing", r.id, r.dirtyState)
	}

	return nil
}
