package fence

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNotSubmitted is returned when waiting on a Cycle whose work was never handed to the host GPU
var ErrNotSubmitted = errors.New("cycle has not been submitted")

// Fence is the host-side primitive signaled by the GPU once a submission completes
type Fence interface {
	// Signaled polls the fence without blocking
	Signaled() (bool, error)
	// Wait blocks for up to timeout and reports whether the fence signaled in that time. A negative
	// timeout waits forever.
	Wait(timeout time.Duration) (bool, error)
}

// Manual is a Fence signaled explicitly by calling Signal. It is used by software devices
// and by submissions that complete synchronously.
type Manual struct {
	done chan struct{}
	once sync.Once
}

// NewManual creates an unsignaled Manual fence
func NewManual() *Manual {
	return &Manual{done: make(chan struct{})}
}

// NewSignaled creates a Manual fence that is already signaled
func NewSignaled() *Manual {
	m := NewManual()
	m.Signal()
	return m
}

// Signal marks the fence as signaled. Repeated calls are ignored.
func (m *Manual) Signal() {
	m.once.Do(func() {
		close(m.done)
	})
}

func (m *Manual) Signaled() (bool, error) {
	select {
	case <-m.done:
		return true, nil
	default:
		return false, nil
	}
}

func (m *Manual) Wait(timeout time.Duration) (bool, error) {
	if timeout < 0 {
		<-m.done
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.done:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}
