package fence

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Dependency is an object kept alive by a Cycle until the Cycle signals. AttachObject calls
// Retain once and the Cycle calls Release exactly once after it observes its signal.
type Dependency interface {
	Retain()
	Release()
}

// RefCount is an embeddable reference count that runs a release callback when the last
// reference is dropped. The object that initializes it owns the first reference.
type RefCount struct {
	count     atomic.Int64
	onRelease func()
}

// Init sets the count to one and records the callback run when it reaches zero
func (r *RefCount) Init(onRelease func()) {
	r.onRelease = onRelease
	r.count.Store(1)
}

func (r *RefCount) Retain() {
	if r.count.Add(1) <= 1 {
		panic("attempted to retain an object that was already released")
	}
}

// TryRetain takes a reference unless the count has already reached zero
func (r *RefCount) TryRetain() bool {
	for {
		count := r.count.Load()
		if count <= 0 {
			return false
		}
		if r.count.CompareAndSwap(count, count+1) {
			return true
		}
	}
}

func (r *RefCount) Release() {
	count := r.count.Add(-1)
	if count < 0 {
		panic(fmt.Sprintf("reference count released below zero: %d", count))
	}

	if count == 0 && r.onRelease != nil {
		r.onRelease()
	}
}

// Count is the number of outstanding references
func (r *RefCount) Count() int {
	return int(r.count.Load())
}

type onSignal struct {
	once     sync.Once
	callback func()
}

// OnSignal wraps a callback as a Dependency that runs when the Cycle it is attached to
// signals. It must be attached to a single Cycle.
func OnSignal(callback func()) Dependency {
	return &onSignal{callback: callback}
}

func (o *onSignal) Retain() {}

func (o *onSignal) Release() {
	o.once.Do(o.callback)
}
