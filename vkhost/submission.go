package vkhost

import (
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// submission is the fence.Fence of one queue submission. Its Vulkan fence and command buffer are
// freed by the device once the submission is observed complete.
type submission struct {
	device        *Device
	fence         core1_0.Fence
	commandBuffer core1_0.CommandBuffer

	mutex    sync.Mutex
	signaled bool
	released bool
}

var _ fence.Fence = &submission{}

func (s *submission) Signaled() (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.signaled {
		return true, nil
	}

	res, err := s.fence.Status()
	if err != nil {
		return false, errors.Wrap(err, "polling submission fence")
	}

	s.signaled = res == core1_0.VKSuccess
	return s.signaled, nil
}

func (s *submission) Wait(timeout time.Duration) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.signaled {
		return true, nil
	}

	if timeout < 0 {
		timeout = time.Duration(math.MaxInt64)
	}

	res, err := s.device.device.WaitForFences(true, timeout, []core1_0.Fence{s.fence})
	if err != nil {
		return false, errors.Wrap(err, "waiting on submission fence")
	}

	s.signaled = res == core1_0.VKSuccess
	return s.signaled, nil
}

// tryRelease frees the submission's Vulkan objects if it has completed. A submission being waited
// on is skipped and released by a later call.
func (s *submission) tryRelease() bool {
	if !s.mutex.TryLock() {
		return false
	}
	defer s.mutex.Unlock()

	if s.released {
		return true
	}

	if !s.signaled {
		res, err := s.fence.Status()
		if err != nil || res != core1_0.VKSuccess {
			return false
		}
		s.signaled = true
	}

	s.fence.Destroy(s.device.options.AllocationCallbacks)
	s.device.device.FreeCommandBuffers([]core1_0.CommandBuffer{s.commandBuffer})
	s.released = true
	return true
}
