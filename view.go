package guestres

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// viewHandle is a host view object. Handles are owned by their resource and destroyed only
// through deferRelease, never directly by the garbage collector.
type viewHandle struct {
	once     sync.Once
	view     host.View
	orphaned atomic.Bool
}

func (h *viewHandle) destroy() {
	h.once.Do(h.view.Destroy)
}

// View is how consumers refer to a Resource: a subresource range and interpretation of it.
// Views are shared; FindOrCreate and GetView return the same View for the same resource and
// ViewInfo for as long as someone holds it. A View's host object is rebuilt whenever the
// resource's backing is replaced.
type View struct {
	resource *Resource
	info     host.ViewInfo

	handle     *viewHandle
	generation uint64
}

var _ fence.Dependency = &View{}

func (v *View) Resource() *Resource {
	return v.resource
}

func (v *View) Info() host.ViewInfo {
	return v.info
}

// Lock locks the view's resource
func (v *View) Lock() {
	v.resource.Lock()
}

// TryLock tries to lock the view's resource
func (v *View) TryLock() bool {
	return v.resource.TryLock()
}

// Unlock unlocks the view's resource
func (v *View) Unlock() {
	v.resource.Unlock()
}

// Equal reports whether two views name the same range of the same resource
func (v *View) Equal(other *View) bool {
	return v.resource == other.resource && v.info == other.info
}

// Retain pins the view so it stays reachable while work using it is in flight. It may be called
// without the lock.
func (v *View) Retain() {
	r := v.resource
	r.viewMutex.Lock()
	defer r.viewMutex.Unlock()

	if r.pinnedViews == nil {
		r.pinnedViews = make(map[*View]int)
	}
	r.pinnedViews[v]++
}

// Release drops a pin taken by Retain
func (v *View) Release() {
	r := v.resource
	r.viewMutex.Lock()
	defer r.viewMutex.Unlock()

	count := r.pinnedViews[v]
	if count <= 0 {
		panic("released a view that was not retained")
	}
	if count == 1 {
		delete(r.pinnedViews, v)
		return
	}
	r.pinnedViews[v] = count - 1
}

// Resolve returns the host view object for the resource's current backing, creating it if the
// backing has changed since it was last resolved. The view must be locked.
func (v *View) Resolve() (host.View, error) {
	r := v.resource
	if r.destroyed {
		return nil, ErrResourceDestroyed
	}
	if r.backing.Kind() == BackingNone {
		return nil, ErrNoBacking
	}

	if v.handle != nil && v.generation == r.generation {
		return v.handle.view, nil
	}

	if v.handle != nil {
		r.dropViewHandle(v.handle)
		v.handle = nil
	}

	var hostView host.View
	var err error
	switch r.backing.Kind() {
	case BackingOwnedImage, BackingPooledImage:
		hostView, err = r.cache.device.CreateImageView(r.backing.Image(), v.info)
	case BackingBuffer:
		hostView, err = r.cache.device.CreateBufferView(r.backing.Buffer(), v.info)
	default:
		panic(fmt.Sprintf("unknown backing kind: %s", r.backing.Kind()))
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to create a view of resource %s", r.id), ErrResourceExhausted)
	}

	handle := &viewHandle{view: hostView}
	v.handle = handle
	v.generation = r.generation

	r.viewMutex.Lock()
	r.viewHandles = append(r.viewHandles, handle)
	r.viewMutex.Unlock()
	runtime.AddCleanup(v, r.orphanViewHandle, handle)

	return hostView, nil
}

// DefaultViewInfo covers every layer and mip level of the resource with its own format and swizzle.
// It may be called without the lock for resources that are not recreated concurrently.
func (r *Resource) DefaultViewInfo() host.ViewInfo {
	if r.isBuffer() {
		return host.ViewInfo{Size: r.hostSize()}
	}

	swizzle := r.format.Swizzle
	if r.guest != nil {
		swizzle = r.guest.Swizzle
	}

	return host.ViewInfo{
		Type:       r.resourceType.viewType(),
		Format:     r.format.Host,
		Components: swizzle,
		Range: core1_0.ImageSubresourceRange{
			AspectMask:     r.format.Aspect,
			BaseMipLevel:   0,
			LevelCount:     r.mipLevels,
			BaseArrayLayer: 0,
			LayerCount:     r.layerCount,
		},
	}
}

// GetView returns the resource's view with the provided info, creating it if no live view matches.
// It may be called without the resource lock.
func (r *Resource) GetView(info host.ViewInfo) *View {
	r.viewMutex.Lock()
	defer r.viewMutex.Unlock()

	var found *View
	live := r.views[:0]
	for _, ref := range r.views {
		view := ref.Value()
		if view == nil {
			continue
		}

		live = append(live, ref)
		if found == nil && view.info == info {
			found = view
		}
	}
	clear(r.views[len(live):])
	r.views = live

	if found != nil {
		return found
	}

	view := &View{resource: r, info: info}
	r.views = append(r.views, weak.Make(view))
	return view
}

// LiveViews is the number of views of this resource still referenced somewhere
func (r *Resource) LiveViews() int {
	r.viewMutex.Lock()
	defer r.viewMutex.Unlock()

	count := 0
	for _, ref := range r.views {
		if ref.Value() != nil {
			count++
		}
	}
	return count
}

// orphanViewHandle runs on the cleanup goroutine once the view owning handle is unreachable. The
// handle is released the next time the resource is unlocked, or when the resource is destroyed.
func (r *Resource) orphanViewHandle(handle *viewHandle) {
	handle.orphaned.Store(true)
	r.orphanedViews.Store(true)
}

// dropViewHandle releases one handle after the resource's last cycle. The lock must be held.
func (r *Resource) dropViewHandle(handle *viewHandle) {
	r.viewMutex.Lock()
	r.viewHandles = slices.DeleteFunc(r.viewHandles, func(h *viewHandle) bool { return h == handle })
	r.viewMutex.Unlock()

	r.deferRelease(handle.destroy)
}

// releaseOrphanedViews releases the handles of views that have been collected. The lock must be held.
func (r *Resource) releaseOrphanedViews() {
	r.viewMutex.Lock()
	var orphaned []*viewHandle
	r.viewHandles = slices.DeleteFunc(r.viewHandles, func(h *viewHandle) bool {
		if h.orphaned.Load() {
			orphaned = append(orphaned, h)
			return true
		}
		return false
	})
	r.viewMutex.Unlock()

	if len(orphaned) == 0 {
		return
	}
	r.deferRelease(func() {
		for _, handle := range orphaned {
			handle.destroy()
		}
	})
}

// retireViewHandles detaches every host view object the resource owns so live views rebuild
// theirs on next use. The lock must be held.
func (r *Resource) retireViewHandles() []*viewHandle {
	r.viewMutex.Lock()
	defer r.viewMutex.Unlock()

	for _, ref := range r.views {
		view := ref.Value()
		if view != nil {
			view.handle = nil
		}
	}

	retired := r.viewHandles
	r.viewHandles = nil
	return retired
}

// LiveViewHandles is the number of host view objects the resource owns that have not been released
func (r *Resource) LiveViewHandles() int {
	r.viewMutex.Lock()
	defer r.viewMutex.Unlock()

	return len(r.viewHandles)
}
