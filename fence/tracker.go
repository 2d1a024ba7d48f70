package fence

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slog"
)

// Tracker hands out Cycles with monotonic IDs and keeps track of those still in flight
type Tracker struct {
	logger *slog.Logger
	nextID atomic.Uint64

	mutex    sync.Mutex
	inFlight []*Cycle
}

func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Begin creates a Cycle that will be bound to a fence once its work is submitted
func (t *Tracker) Begin() *Cycle {
	cycle := newCycle(t.logger, t.nextID.Add(1))

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.inFlight = append(t.inFlight, cycle)

	return cycle
}

// Track creates a Cycle already bound to the fence of a completed submission
func (t *Tracker) Track(f Fence) *Cycle {
	cycle := t.Begin()
	cycle.Bind(f)
	return cycle
}

// Reap polls every in-flight Cycle, releasing the dependencies of those that have signaled, and
// returns the number still in flight
func (t *Tracker) Reap() int {
	t.mutex.Lock()
	cycles := append([]*Cycle(nil), t.inFlight...)
	t.mutex.Unlock()

	for _, cycle := range cycles {
		cycle.Poll()
	}

	return t.prune()
}

// WaitIdle waits on every submitted in-flight Cycle. Cycles that were never submitted are left alone.
func (t *Tracker) WaitIdle() error {
	t.logger.Debug("Tracker::WaitIdle")

	t.mutex.Lock()
	cycles := append([]*Cycle(nil), t.inFlight...)
	t.mutex.Unlock()

	for _, cycle := range cycles {
		if !cycle.Submitted() {
			continue
		}

		err := cycle.Wait()
		if err != nil {
			return err
		}
	}

	t.prune()
	return nil
}

// InFlight is the number of Cycles not yet observed as signaled
func (t *Tracker) InFlight() int {
	return t.prune()
}

func (t *Tracker) prune() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	live := t.inFlight[:0]
	for _, cycle := range t.inFlight {
		if !cycle.Signaled() {
			live = append(live, cycle)
		}
	}
	clear(t.inFlight[len(live):])
	t.inFlight = live

	return len(live)
}
