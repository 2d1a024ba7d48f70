package guestres

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/internal/utils"
)

// resourceList is an intrusive list of every resource that has not yet been destroyed, including
// resources no longer reachable through the cache
type resourceList struct {
	mutex utils.OptionalRWMutex

	count int
	head  *Resource
	tail  *Resource
}

func (l *resourceList) Init(useMutex bool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (l *resourceList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	actualCount := 0
	for r := l.head; r != nil; r = r.nextResource {
		actualCount++
	}

	if l.count != actualCount {
		return errors.Newf("the listed number of resources (%d) does not match the actual number of resources (%d)", l.count, actualCount)
	}

	return nil
}

func (l *resourceList) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count
}

// Snapshot returns the resources in the order they were registered
func (l *resourceList) Snapshot() []*Resource {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	out := make([]*Resource, 0, l.count)
	for r := l.head; r != nil; r = r.nextResource {
		out = append(out, r)
	}
	return out
}

func (l *resourceList) Register(r *Resource) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.count == 0 {
		l.head = r
		l.tail = r
		l.count = 1
		return
	}

	r.prevResource = l.tail
	l.tail.nextResource = r
	l.tail = r
	l.count++
}

func (l *resourceList) Unregister(r *Resource) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	prev := r.prevResource
	next := r.nextResource

	if prev != nil {
		prev.nextResource = next
	} else {
		l.head = next
	}

	if next != nil {
		next.prevResource = prev
	} else {
		l.tail = prev
	}

	r.nextResource = nil
	r.prevResource = nil
	l.count--
}
