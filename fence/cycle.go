package fence

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"
)

// Cycle marks everything submitted to the host GPU up to one submission. Objects attached to a
// Cycle are kept alive until its fence is observed to be signaled, after which they are
// released in the order they were attached. Signaling is monotonic.
type Cycle struct {
	logger *slog.Logger
	id     uint64

	signaled  atomic.Bool
	submitted atomic.Bool
	cancelled atomic.Bool

	mutex        sync.Mutex
	fence        Fence
	dependencies []Dependency
	chained      []*Cycle
}

func newCycle(logger *slog.Logger, id uint64) *Cycle {
	return &Cycle{
		logger: logger,
		id:     id,
	}
}

// ID is the monotonic submission number assigned by the Tracker that created this Cycle
func (c *Cycle) ID() uint64 {
	return c.id
}

// Before reports whether this Cycle was created before other
func (c *Cycle) Before(other *Cycle) bool {
	return c.id < other.id
}

// Bind associates the fence of the submission this Cycle represents. A Cycle can only be
// bound once.
func (c *Cycle) Bind(f Fence) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.fence != nil {
		panic("attempted to bind a cycle that was already bound to a fence")
	}

	c.fence = f
	c.submitted.Store(true)
}

// Submitted reports whether Bind has been called
func (c *Cycle) Submitted() bool {
	return c.submitted.Load()
}

// Cancelled reports whether the Cycle was signaled by Cancel without its work ever being submitted
func (c *Cycle) Cancelled() bool {
	return c.cancelled.Load()
}

// Signaled reports whether this Cycle has been observed as signaled. It does not poll the fence.
func (c *Cycle) Signaled() bool {
	return c.signaled.Load()
}

// AttachObject keeps dep alive until the Cycle signals. Attaching to an already-signaled Cycle
// does nothing; the caller's own reference keeps the object alive for its scope.
func (c *Cycle) AttachObject(dep Dependency) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.signaled.Load() {
		return
	}

	dep.Retain()
	c.dependencies = append(c.dependencies, dep)
}

// AttachRetained attaches a dependency whose reference the caller has already taken. If the
// Cycle has signaled, the reference is released immediately.
func (c *Cycle) AttachRetained(dep Dependency) {
	c.mutex.Lock()
	if !c.signaled.Load() {
		c.dependencies = append(c.dependencies, dep)
		c.mutex.Unlock()
		return
	}
	c.mutex.Unlock()

	dep.Release()
}

// Defer runs callback once the Cycle signals, or immediately if it already has
func (c *Cycle) Defer(callback func()) {
	c.mutex.Lock()
	if !c.signaled.Load() {
		c.dependencies = append(c.dependencies, OnSignal(callback))
		c.mutex.Unlock()
		return
	}
	c.mutex.Unlock()

	callback()
}

// AttachObjects attaches each dependency in order
func (c *Cycle) AttachObjects(deps ...Dependency) {
	for _, dep := range deps {
		c.AttachObject(dep)
	}
}

// ChainCycle makes waits on this Cycle also wait for other, for submissions that depend on
// the completion of another queue's work
func (c *Cycle) ChainCycle(other *Cycle) {
	if other == c {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.chained = append(c.chained, other)
}

// Poll checks the fence without blocking and releases dependencies if it has signaled
func (c *Cycle) Poll() bool {
	if c.signaled.Load() {
		return true
	}

	c.mutex.Lock()
	f := c.fence
	chained := c.chained
	c.mutex.Unlock()

	if f == nil {
		return false
	}

	for _, other := range chained {
		if !other.Poll() {
			return false
		}
	}

	done, err := f.Signaled()
	if err != nil {
		c.logger.Error("failed to poll fence", slog.Uint64("cycle", c.id), slog.Any("error", err))
		return false
	}

	if done {
		c.signal()
	}
	return done
}

// Wait blocks until the Cycle signals. It returns ErrNotSubmitted if the Cycle was never
// bound to a fence.
func (c *Cycle) Wait() error {
	_, err := c.WaitTimeout(-1)
	return err
}

// WaitTimeout blocks for up to timeout and reports whether the Cycle signaled. A negative timeout
// waits forever.
func (c *Cycle) WaitTimeout(timeout time.Duration) (bool, error) {
	if c.signaled.Load() {
		return true, nil
	}

	c.mutex.Lock()
	f := c.fence
	chained := c.chained
	c.mutex.Unlock()

	if f == nil {
		return false, ErrNotSubmitted
	}

	for _, other := range chained {
		done, err := other.WaitTimeout(timeout)
		if err != nil || !done {
			return done, err
		}
	}

	done, err := f.Wait(timeout)
	if err != nil {
		return false, err
	}

	if done {
		c.signal()
	}
	return done, nil
}

// Cancel marks a Cycle that will never be submitted as signaled and releases everything
// attached to it. Cancelling a submitted Cycle waits for it instead.
func (c *Cycle) Cancel() {
	if c.submitted.Load() {
		err := c.Wait()
		if err != nil {
			c.logger.Error("failed to wait on cancelled cycle", slog.Uint64("cycle", c.id), slog.Any("error", err))
		}
		return
	}

	if c.signaled.Load() {
		return
	}
	c.cancelled.Store(true)
	c.signal()
}

func (c *Cycle) signal() {
	c.mutex.Lock()
	if c.signaled.Swap(true) {
		c.mutex.Unlock()
		return
	}

	dependencies := c.dependencies
	c.dependencies = nil
	c.chained = nil
	c.mutex.Unlock()

	for _, dep := range dependencies {
		dep.Release()
	}
}
