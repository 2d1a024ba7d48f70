package guestres

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/devmem"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func (r *Resource) checkRange(length, offset int) error {
	if offset < 0 || offset+length > r.hostSize() {
		return errors.Wrapf(devmem.ErrOutOfBounds, "[%d, %d) of a %d byte resource", offset, offset+length, r.hostSize())
	}
	return nil
}

// Read copies the buffer's contents starting at offset into p. Guest-backed buffers are read
// from the mirror after any pending readback; host-only buffers are read from the backing once
// the host GPU is done with it.
func (r *Resource) Read(p []byte, offset int) error {
	if !r.isBuffer() {
		return errors.Mark(errors.AssertionFailedf("Read called on %s resource %s", r.resourceType, r.id), ErrCallerDiscipline)
	}
	err := r.checkRange(len(p), offset)
	if err != nil {
		return err
	}

	if r.guest == nil {
		err = r.ensureBacking()
		if err != nil {
			return err
		}
		err = r.waitOnFence(nil)
		if err != nil {
			return err
		}

		copy(p, r.backing.Mapped()[offset:])
		return nil
	}

	err = r.EnsureDeviceCurrent(false)
	if err != nil {
		return err
	}

	_, err = r.mirror.ReadAt(p, int64(offset))
	return err
}

// Write copies p into the buffer starting at offset. A guest-backed buffer's mirror is always
// written. When the buffer is Clean its backing is written directly as well and it stays Clean,
// unless skipCleanHostWrite is set, in which case the buffer becomes HostPendingUpload and the
// write reaches the backing with the next upload.
func (r *Resource) Write(p []byte, offset int, skipCleanHostWrite bool) error {
	if !r.isBuffer() {
		return errors.Mark(errors.AssertionFailedf("Write called on %s resource %s", r.resourceType, r.id), ErrCallerDiscipline)
	}
	err := r.checkRange(len(p), offset)
	if err != nil {
		return err
	}

	if r.guest == nil {
		err = r.ensureBacking()
		if err != nil {
			return err
		}
		err = r.waitOnFence(nil)
		if err != nil {
			return err
		}

		copy(r.backing.Mapped()[offset:], p)
		return nil
	}

	err = r.EnsureDeviceCurrent(false)
	if err != nil {
		return err
	}

	_, err = r.mirror.WriteAt(p, int64(offset))
	if err != nil {
		return err
	}

	if r.dirtyState == HostPendingUpload {
		return nil
	}

	if !skipCleanHostWrite && r.backing.Kind() != BackingNone {
		err = r.waitOnFence(nil)
		if err != nil {
			return err
		}

		copy(r.backing.Mapped()[offset:], p)
		return nil
	}

	err = r.protect(devmem.ProtectNone)
	if err != nil {
		return err
	}
	r.setState(HostPendingUpload)
	return nil
}

// CopyFrom records a copy of region from source into this resource. Both resources must be locked
// and both must be image resources with compatible formats. The destination is left
// DevicePendingReadback.
func (r *Resource) CopyFrom(cmd host.CommandContext, cycle *fence.Cycle, source *Resource, region host.CopyRegion) error {
	r.cache.logger.Debug("Resource::CopyFrom")

	if r.isBuffer() || source.isBuffer() {
		return errors.Mark(errors.AssertionFailedf("CopyFrom between %s and %s", source.resourceType, r.resourceType), ErrCallerDiscipline)
	}
	if !r.format.IsCompatible(source.format) {
		return errors.Wrapf(ErrTranslationUnsupported, "copy from %s to %s", source.format, r.format)
	}

	err := source.EnsureHostCurrentWithContext(cmd, cycle, false)
	if err != nil {
		return err
	}
	err = source.ensureBacking()
	if err != nil {
		return err
	}

	// The destination's own pending writes land first so the copy overwrites only region
	err = r.EnsureHostCurrentWithContext(cmd, cycle, false)
	if err != nil {
		return err
	}
	err = r.ensureBacking()
	if err != nil {
		return err
	}

	err = source.TransitionLayout(cmd, core1_0.ImageLayoutGeneral)
	if err != nil {
		return err
	}
	err = r.TransitionLayout(cmd, core1_0.ImageLayoutGeneral)
	if err != nil {
		return err
	}

	if region.Aspect == 0 {
		region.Aspect = r.format.Aspect
	}
	err = cmd.CopyImage(source.backing.Image(), source.imageLayout, r.backing.Image(), r.imageLayout, region)
	if err != nil {
		return err
	}

	source.attachTo(cycle)
	r.attachTo(cycle)
	return r.MarkDeviceDirty()
}

// Recreate replaces the backing with one of a different format or size. A guest-backed resource's
// contents are read back first and uploaded into the new backing on the next host sync, so the new
// format must be compatible with the old one and the mirror must be large enough for the new size.
func (r *Resource) Recreate(format Format, dims host.Dimensions) error {
	r.cache.logger.Debug("Resource::Recreate")

	err := r.AwaitBackingReady()
	if err != nil {
		return err
	}

	if r.guest != nil {
		if !format.IsCompatible(r.format) {
			return errors.Wrapf(ErrTranslationUnsupported, "recreating %s resource as %s", r.format, format)
		}

		desc := r.guest.clone()
		desc.Format = format
		desc.Dimensions = dims
		err = desc.Validate()
		if err != nil {
			return err
		}

		err = r.EnsureDeviceCurrent(true)
		if err != nil {
			return err
		}
	}

	oldFormat, oldDims := r.format, r.dimensions
	r.format = format
	r.dimensions = dims

	backing, err := r.cache.allocateBacking(r.isBuffer(), r.hostSize(), r.imageInfo())
	if err != nil {
		r.format, r.dimensions = oldFormat, oldDims
		return err
	}

	err = r.SwapBacking(backing, core1_0.ImageLayoutUndefined)
	if err != nil {
		return err
	}

	memutils.DebugValidate(r)
	return nil
}
