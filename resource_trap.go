package guestres

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/devmem"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
	"golang.org/x/exp/slog"
)

func (r *Resource) installTrap() error {
	handle, err := r.cache.traps.InstallTrap(r.mirror.TrapRanges(r.cache.pageSize), r.onFault)
	if err != nil {
		return errors.Wrapf(err, "failed to trap resource %s", r.id)
	}

	r.trap = handle
	r.hasTrap = true
	r.protection = devmem.ProtectNone
	return nil
}

func (r *Resource) protect(protection devmem.Protection) error {
	if !r.hasTrap || r.protection == protection {
		return nil
	}

	err := r.cache.traps.Protect(r.trap, protection)
	if err != nil {
		return errors.Wrapf(err, "failed to apply %s to resource %s", protection, r.id)
	}

	r.protection = protection
	return nil
}

// onFault runs on the goroutine making a trapped access. It never blocks on the resource lock:
// if the lock is held the fault is recorded and the handler reports that it made no progress, so
// the trap service retries it, and the lock holder applies the fault when it unlocks. A fault that
// fails to apply is also reported as no progress, so the access never proceeds on a stale mirror.
func (r *Resource) onFault(fault devmem.Fault) bool {
	bit := faultRead
	if fault.Access == devmem.AccessWrite {
		bit = faultWrite
	}
	r.pendingFaults.Or(bit)

	if !r.mutex.TryLock() {
		r.cache.counters.deferredFaults.Add(1)
		return false
	}

	applied := r.processDeferred()
	r.mutex.Unlock()
	r.retryDeferred()
	return applied
}

// applyFault moves the resource out of the state that trapped access and reports whether it did
func (r *Resource) applyFault(access devmem.Access) bool {
	if r.destroyed || r.guest == nil {
		return true
	}
	r.cache.counters.faults.Add(1)

	var err error
	switch r.dirtyState {
	case DevicePendingReadback:
		// A write leaves the mirror ahead of the backing, so the trap comes down entirely
		err = r.EnsureDeviceCurrent(access == devmem.AccessWrite)
	case Clean:
		if access == devmem.AccessWrite {
			err = r.protect(devmem.ProtectNone)
			if err == nil {
				r.setState(HostPendingUpload)
				r.readWriteTrapped = false
			}
		} else if r.protection == devmem.ProtectReadWrite {
			err = r.protect(devmem.ProtectWrite)
			if err == nil {
				r.readWriteTrapped = false
			}
		}
	case HostPendingUpload:
		err = r.protect(devmem.ProtectNone)
	}

	if err != nil {
		r.cache.logger.Error("failed to handle trap fault",
			slog.String("resource", r.id.String()),
			slog.String("access", access.String()),
			slog.Any("error", err))
		return false
	}

	memutils.DebugValidate(r)
	return true
}
