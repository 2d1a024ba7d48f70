package guestres

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/devmem"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
	"github.com/vkngwrapper/arsenal/guestres/layout"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// stagingAlignment is the offset alignment of staging copies, which satisfies every texel size
const stagingAlignment = 256

// EnsureHostCurrent uploads the device mirror to the backing if the mirror has been written since
// the last upload. When the backing cannot be written through a mapping, the transfer is submitted
// and waited on. Afterwards the resource is Clean and trapped for writes, or for reads and writes
// when forceReadWriteTrap is set, so that host GPU writes which are later marked with
// MarkDeviceDirty are read back before the guest sees the memory.
func (r *Resource) EnsureHostCurrent(forceReadWriteTrap bool) error {
	r.cache.logger.Debug("Resource::EnsureHostCurrent")

	if r.guest == nil || r.dirtyState != HostPendingUpload {
		return nil
	}

	err := r.ensureBacking()
	if err != nil {
		return err
	}

	if r.backing.Mapped() != nil {
		return r.EnsureHostCurrentWithContext(nil, nil, forceReadWriteTrap)
	}

	return r.cache.submitAndWait(func(cmd host.CommandContext, cycle *fence.Cycle) error {
		return r.EnsureHostCurrentWithContext(cmd, cycle, forceReadWriteTrap)
	})
}

// EnsureHostCurrentWithContext is EnsureHostCurrent with the transfer recorded into cmd, which will be
// submitted as cycle. The staging memory and the resource are kept alive until cycle signals.
func (r *Resource) EnsureHostCurrentWithContext(cmd host.CommandContext, cycle *fence.Cycle, forceReadWriteTrap bool) error {
	r.cache.logger.Debug("Resource::EnsureHostCurrentWithContext")

	if r.guest == nil || r.dirtyState != HostPendingUpload {
		return nil
	}

	err := r.ensureBacking()
	if err != nil {
		return err
	}

	if mapped := r.backing.Mapped(); mapped != nil {
		return r.uploadMapped(mapped, cycle, forceReadWriteTrap)
	}

	if cmd == nil || cycle == nil {
		return errors.Mark(errors.AssertionFailedf("resource %s needs a command context to upload through staging", r.id), ErrCallerDiscipline)
	}

	alloc, err := r.cache.allocateStaging(r.hostSize())
	if err != nil {
		return err
	}

	// The trap must be armed before the copy so a concurrent guest write faults after it and
	// marks the resource dirty again
	err = r.protect(Clean.protection(forceReadWriteTrap))
	if err == nil {
		err = r.upload(alloc.Data())
	}
	if err == nil {
		err = r.transitionForTransfer(cmd)
	}
	if err == nil {
		err = cmd.CopyBufferToImage(alloc.Buffer(), r.backing.Image(), r.imageLayout, r.copyRegions(alloc.Offset()))
	}
	if err != nil {
		r.cache.ring.Free(alloc)
		return r.abortUpload(err)
	}

	cycle.Defer(func() {
		r.cache.ring.Free(alloc)
		if cycle.Cancelled() {
			r.loseUpload()
		}
	})
	r.attachTo(cycle)
	r.finishUpload(forceReadWriteTrap)
	return nil
}

// loseUpload records that an upload was recorded into a cycle that was cancelled before submission
func (r *Resource) loseUpload() {
	r.uploadLost.Store(true)
	r.retryDeferred()
}

func (r *Resource) revertUpload() {
	if r.destroyed || r.dirtyState != Clean {
		return
	}

	r.cache.logger.Warn("upload was cancelled before submission", slog.String("resource", r.id.String()))
	err := r.protect(devmem.ProtectNone)
	if err != nil {
		r.cache.logger.Error("failed to disarm trap after a cancelled upload", slog.String("resource", r.id.String()), slog.Any("error", err))
		return
	}
	r.setState(HostPendingUpload)
}

func (r *Resource) uploadMapped(mapped []byte, current *fence.Cycle, forceReadWriteTrap bool) error {
	err := r.waitOnFence(current)
	if err != nil {
		return err
	}

	err = r.protect(Clean.protection(forceReadWriteTrap))
	if err == nil {
		err = r.upload(mapped)
	}
	if err != nil {
		return r.abortUpload(err)
	}

	if current != nil {
		r.attachTo(current)
	}
	r.finishUpload(forceReadWriteTrap)
	return nil
}

func (r *Resource) abortUpload(cause error) error {
	err := r.protect(devmem.ProtectNone)
	if err != nil {
		r.cache.logger.Error("failed to disarm trap after a failed upload", slog.String("resource", r.id.String()), slog.Any("error", err))
	}
	return cause
}

func (r *Resource) finishUpload(forceReadWriteTrap bool) {
	r.cache.counters.uploads.Add(1)
	r.setState(Clean)
	r.readWriteTrapped = forceReadWriteTrap
	memutils.DebugValidate(r)
}

// EnsureDeviceCurrent reads the backing back into the device mirror if the backing has been written
// since the last readback. Afterwards the resource is Clean, or HostPendingUpload with no trap when
// skipTrap is set because the caller is about to write the mirror itself. A readback previously
// recorded with EnsureDeviceCurrentWithContext is completed, waiting on its cycle if needed.
func (r *Resource) EnsureDeviceCurrent(skipTrap bool) error {
	r.cache.logger.Debug("Resource::EnsureDeviceCurrent")

	if r.guest == nil || r.dirtyState != DevicePendingReadback {
		return nil
	}

	if r.readback != nil && (r.readback.cycle.Cancelled() || !r.readback.cycle.Submitted()) {
		// A readback that was never submitted cannot be waited on, so read the backing now instead
		r.discardReadback()
	}

	if r.readback == nil {
		mapped := r.backing.Mapped()
		if mapped != nil {
			err := r.waitOnFence(nil)
			if err != nil {
				return err
			}

			err = r.download(mapped)
			if err != nil {
				return err
			}

			return r.finishReadback(skipTrap)
		}

		err := r.cache.submitAndWait(func(cmd host.CommandContext, cycle *fence.Cycle) error {
			return r.EnsureDeviceCurrentWithContext(cmd, cycle)
		})
		if err != nil {
			return err
		}
	}

	return r.completeReadback(skipTrap)
}

// EnsureDeviceCurrentWithContext records a readback of the backing into cmd, which will be submitted
// as cycle. The resource stays DevicePendingReadback until the readback is completed by the next
// EnsureDeviceCurrent, trap fault or Read after cycle signals.
func (r *Resource) EnsureDeviceCurrentWithContext(cmd host.CommandContext, cycle *fence.Cycle) error {
	r.cache.logger.Debug("Resource::EnsureDeviceCurrentWithContext")

	if r.guest == nil || r.dirtyState != DevicePendingReadback || r.readback != nil {
		return nil
	}
	if r.backing.Kind() == BackingNone {
		return ErrNoBacking
	}

	rb := &pendingReadback{cycle: cycle}
	if r.backing.Mapped() == nil {
		alloc, err := r.cache.allocateStaging(r.hostSize())
		if err != nil {
			return err
		}

		err = r.transitionForTransfer(cmd)
		if err == nil {
			err = cmd.CopyImageToBuffer(r.backing.Image(), r.imageLayout, alloc.Buffer(), r.copyRegions(alloc.Offset()))
		}
		if err != nil {
			r.cache.ring.Free(alloc)
			return err
		}
		rb.alloc = alloc
	}

	r.readback = rb
	cycle.Defer(r.completeReadbackIfIdle)
	r.attachTo(cycle)
	return nil
}

// completeReadbackIfIdle finishes a recorded readback from the goroutine that observed its cycle
// signal, unless someone else holds the lock and will finish it on next use
func (r *Resource) completeReadbackIfIdle() {
	if !r.mutex.TryLock() {
		return
	}
	defer r.Unlock()

	if r.readback == nil || r.destroyed || !r.readback.cycle.Signaled() {
		return
	}
	if r.readback.cycle.Cancelled() {
		r.discardReadback()
		return
	}

	err := r.completeReadback(false)
	if err != nil {
		r.cache.logger.Error("failed to complete readback", slog.String("resource", r.id.String()), slog.Any("error", err))
	}
}

// discardReadback drops a recorded readback whose cycle was cancelled or not yet submitted, so the
// next readback starts over. Its staging memory is freed once the cycle can no longer write it.
func (r *Resource) discardReadback() {
	rb := r.readback
	r.readback = nil
	if rb.alloc != nil {
		alloc := rb.alloc
		rb.cycle.Defer(func() { r.cache.ring.Free(alloc) })
	}
}

func (r *Resource) completeReadback(skipTrap bool) error {
	rb := r.readback

	err := rb.cycle.Wait()
	if err != nil {
		return errors.Wrapf(err, "failed to wait for the readback of resource %s", r.id)
	}

	var src []byte
	if rb.alloc != nil {
		src = rb.alloc.Data()
	} else {
		src = r.backing.Mapped()
	}

	err = r.download(src)
	if rb.alloc != nil {
		r.cache.ring.Free(rb.alloc)
	}
	r.readback = nil
	if err != nil {
		return err
	}

	return r.finishReadback(skipTrap)
}

func (r *Resource) finishReadback(skipTrap bool) error {
	r.cache.counters.readbacks.Add(1)

	if skipTrap {
		err := r.protect(devmem.ProtectNone)
		if err != nil {
			return err
		}
		r.setState(HostPendingUpload)
	} else {
		err := r.protect(devmem.ProtectWrite)
		if err != nil {
			return err
		}
		r.setState(Clean)
	}
	r.readWriteTrapped = false

	memutils.DebugValidate(r)
	return nil
}

// MarkDeviceDirty records that the host GPU has written, or is about to write, the backing. The
// mirror is trapped for reads and writes so the guest's next access reads the results back.
func (r *Resource) MarkDeviceDirty() error {
	r.cache.logger.Debug("Resource::MarkDeviceDirty")

	if r.guest == nil {
		return nil
	}

	switch r.dirtyState {
	case DevicePendingReadback:
		return nil
	case HostPendingUpload:
		err := errors.Mark(errors.AssertionFailedf("resource %s marked device dirty with a pending upload", r.id), ErrCallerDiscipline)
		r.cache.logger.Error("Resource::MarkDeviceDirty", slog.String("resource", r.id.String()), slog.Any("error", err))
		return err
	}

	err := r.protect(devmem.ProtectReadWrite)
	if err != nil {
		return err
	}

	r.setState(DevicePendingReadback)
	memutils.DebugValidate(r)
	return nil
}

func (r *Resource) copyRegions(bufferOffset int) []host.CopyRegion {
	return []host.CopyRegion{
		{
			BufferOffset: bufferOffset,
			Aspect:       r.format.Aspect,
			LayerCount:   r.layerCount,
			Extent: host.Dimensions{
				Width:  r.dimensions.Width,
				Height: max(r.dimensions.Height, 1),
				Depth:  max(r.dimensions.Depth, 1),
			},
		},
	}
}

func (r *Resource) transitionForTransfer(cmd host.CommandContext) error {
	return r.TransitionLayout(cmd, core1_0.ImageLayoutGeneral)
}

// TransitionLayout records a layout transition of the backing image into cmd
func (r *Resource) TransitionLayout(cmd host.CommandContext, imageLayout core1_0.ImageLayout) error {
	if r.backing.Image() == nil || r.imageLayout == imageLayout {
		return nil
	}

	err := cmd.TransitionLayout(r.backing.Image(), r.format.Aspect, r.imageLayout, imageLayout)
	if err != nil {
		return err
	}

	r.imageLayout = imageLayout
	return nil
}

func (r *Resource) guestLayers() (stride int, size int, err error) {
	surface := r.format.surface(r.dimensions)
	size, err = layout.GuestSize(surface, r.tiling)
	if err != nil {
		return 0, 0, errors.Mark(err, ErrTranslationUnsupported)
	}

	stride = size
	if r.layerStride != 0 {
		stride = r.layerStride
	}
	return stride, size, nil
}

// mirrorBytes is the mirror's device memory, gathered into a copy when it is spread over several spans
func (r *Resource) mirrorBytes() []byte {
	if r.mirror.Contiguous() {
		return r.mirror.Bytes()
	}

	r.cache.counters.mappingFallbacks.Add(1)
	if !r.fragmentedWarned {
		r.fragmentedWarned = true
		r.cache.logger.Warn("resource is mapped over several spans and will be copied per span",
			slog.String("resource", r.id.String()),
			slog.Int("spans", len(r.mirror.spans)))
	}
	return r.mirror.gather()
}

// upload converts the mirror to tightly packed host layers in dst
func (r *Resource) upload(dst []byte) error {
	stride, guestSize, err := r.guestLayers()
	if err != nil {
		return err
	}

	guest := r.mirrorBytes()
	surface := r.format.surface(r.dimensions)
	hostLayer := r.hostLayerSize()

	for layer := 0; layer < r.layerCount; layer++ {
		src := guest[layer*stride : layer*stride+guestSize]
		err = layout.ToLinear(dst[layer*hostLayer:(layer+1)*hostLayer], src, surface, r.tiling)
		if err != nil {
			return err
		}
	}

	return nil
}

// download converts tightly packed host layers in src into the mirror
func (r *Resource) download(src []byte) error {
	stride, guestSize, err := r.guestLayers()
	if err != nil {
		return err
	}

	guest := r.mirrorBytes()
	surface := r.format.surface(r.dimensions)
	hostLayer := r.hostLayerSize()

	for layer := 0; layer < r.layerCount; layer++ {
		dst := guest[layer*stride : layer*stride+guestSize]
		err = layout.FromLinear(dst, src[layer*hostLayer:(layer+1)*hostLayer], surface, r.tiling)
		if err != nil {
			return err
		}
	}

	if !r.mirror.Contiguous() {
		r.mirror.scatter(guest)
	}
	return nil
}
