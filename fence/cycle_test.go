package fence

import (
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type countingDependency struct {
	retained int
	released int
	order    *[]string
	name     string
}

func (d *countingDependency) Retain() { d.retained++ }
func (d *countingDependency) Release() {
	d.released++
	if d.order != nil {
		*d.order = append(*d.order, d.name)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func TestCycleReleasesDependenciesOnSignal(t *testing.T) {
	tracker := NewTracker(testLogger())
	f := NewManual()
	cycle := tracker.Track(f)

	var order []string
	first := &countingDependency{order: &order, name: "first"}
	second := &countingDependency{order: &order, name: "second"}
	cycle.AttachObjects(first, second)

	require.Equal(t, 1, first.retained)
	require.False(t, cycle.Poll())
	require.Equal(t, 0, first.released)

	f.Signal()
	require.True(t, cycle.Poll())
	require.True(t, cycle.Signaled())
	require.Equal(t, []string{"first", "second"}, order)

	require.NoError(t, cycle.Wait())
	require.Equal(t, 1, first.released)
	require.Equal(t, 1, second.released)
}

func TestCycleAttachAfterSignalIsNoop(t *testing.T) {
	tracker := NewTracker(testLogger())
	cycle := tracker.Track(NewSignaled())
	require.NoError(t, cycle.Wait())

	dep := &countingDependency{}
	cycle.AttachObject(dep)

	require.Equal(t, 0, dep.retained)
	require.Equal(t, 0, dep.released)
}

func TestCycleWaitUnsubmitted(t *testing.T) {
	tracker := NewTracker(testLogger())
	cycle := tracker.Begin()

	err := cycle.Wait()
	require.True(t, errors.Is(err, ErrNotSubmitted))
	require.False(t, cycle.Poll())
}

func TestCycleCancelReleasesUnsubmitted(t *testing.T) {
	tracker := NewTracker(testLogger())
	cycle := tracker.Begin()
	dep := &countingDependency{}
	cycle.AttachObject(dep)

	cycle.Cancel()
	require.True(t, cycle.Signaled())
	require.True(t, cycle.Cancelled())
	require.Equal(t, 1, dep.released)
	require.Equal(t, 0, tracker.InFlight())
}

func TestCycleWaitTimeout(t *testing.T) {
	tracker := NewTracker(testLogger())
	f := NewManual()
	cycle := tracker.Track(f)

	done, err := cycle.WaitTimeout(time.Millisecond)
	require.NoError(t, err)
	require.False(t, done)

	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Signal()
	}()

	require.NoError(t, cycle.Wait())
	require.True(t, cycle.Signaled())
}

func TestCycleChainWaitsOnOther(t *testing.T) {
	tracker := NewTracker(testLogger())
	otherFence := NewManual()
	other := tracker.Track(otherFence)
	cycle := tracker.Track(NewSignaled())
	cycle.ChainCycle(other)

	require.False(t, cycle.Poll())

	otherFence.Signal()
	require.True(t, cycle.Poll())
	require.True(t, other.Signaled())
}

func TestCycleOrdering(t *testing.T) {
	tracker := NewTracker(testLogger())
	first := tracker.Begin()
	second := tracker.Begin()

	require.True(t, first.Before(second))
	require.False(t, second.Before(first))
	require.Less(t, first.ID(), second.ID())
}

func TestTrackerReap(t *testing.T) {
	tracker := NewTracker(testLogger())
	f := NewManual()
	tracker.Track(f)
	tracker.Track(NewSignaled())

	require.Equal(t, 1, tracker.Reap())

	f.Signal()
	require.Equal(t, 0, tracker.Reap())
	require.NoError(t, tracker.WaitIdle())
}

func TestRefCount(t *testing.T) {
	released := 0
	var refs RefCount
	refs.Init(func() { released++ })

	refs.Retain()
	require.Equal(t, 2, refs.Count())
	refs.Release()
	require.Equal(t, 0, released)
	refs.Release()
	require.Equal(t, 1, released)

	require.Panics(t, func() { refs.Release() })
}

func TestOnSignalRunsOnce(t *testing.T) {
	tracker := NewTracker(testLogger())
	cycle := tracker.Begin()
	calls := 0

	dep := OnSignal(func() { calls++ })
	cycle.AttachObject(dep)
	cycle.Cancel()
	dep.Release()

	require.Equal(t, 1, calls)
}

func TestCycleDefer(t *testing.T) {
	tracker := NewTracker(testLogger())
	f := NewManual()
	cycle := tracker.Track(f)

	ran := 0
	cycle.Defer(func() { ran++ })
	require.Equal(t, 0, ran)

	f.Signal()
	require.NoError(t, cycle.Wait())
	require.Equal(t, 1, ran)

	cycle.Defer(func() { ran++ })
	require.Equal(t, 2, ran)
}

func TestCycleAttachRetained(t *testing.T) {
	tracker := NewTracker(testLogger())
	f := NewManual()
	cycle := tracker.Track(f)

	dep := &countingDependency{}
	cycle.AttachRetained(dep)
	require.Equal(t, 0, dep.retained)

	f.Signal()
	require.True(t, cycle.Poll())
	require.Equal(t, 1, dep.released)

	cycle.AttachRetained(dep)
	require.Equal(t, 2, dep.released)
}

func TestRefCountTryRetain(t *testing.T) {
	released := false
	var refs RefCount
	refs.Init(func() { released = true })

	require.True(t, refs.TryRetain())
	require.Equal(t, 2, refs.Count())

	refs.Release()
	refs.Release()
	require.True(t, released)
	require.False(t, refs.TryRetain())
}
