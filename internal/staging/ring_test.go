package staging

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
	"golang.org/x/exp/slog"
)

type testBuffer struct {
	data      []byte
	destroyed bool
}

func (b *testBuffer) Data() []byte { return b.data }
func (b *testBuffer) Destroy()     { b.destroyed = true }

type testAllocator struct {
	buffers []*testBuffer
	fail    bool
}

func (a *testAllocator) AllocateBuffer(size int) (host.Buffer, error) {
	if a.fail {
		return nil, errors.New("out of host memory")
	}
	buffer := &testBuffer{data: make([]byte, size)}
	a.buffers = append(a.buffers, buffer)
	return buffer, nil
}

func newTestRing(t *testing.T, blockSize int) (*Ring, *testAllocator) {
	allocator := &testAllocator{}
	ring, err := New(slog.New(slog.NewTextHandler(io.Discard)), allocator, blockSize, true)
	require.NoError(t, err)
	return ring, allocator
}

func TestRingAllocatesSequentially(t *testing.T) {
	ring, allocator := newTestRing(t, 1024)

	first, err := ring.Allocate(100, 4)
	require.NoError(t, err)
	second, err := ring.Allocate(100, 64)
	require.NoError(t, err)

	require.Equal(t, 0, first.Offset())
	require.Equal(t, 128, second.Offset())
	require.Len(t, allocator.buffers, 1)
	require.Len(t, second.Data(), 100)
	require.NoError(t, ring.Validate())
}

func TestRingWrapsAfterHeadIsFreed(t *testing.T) {
	ring, allocator := newTestRing(t, 1024)

	first, err := ring.Allocate(512, 1)
	require.NoError(t, err)
	second, err := ring.Allocate(384, 1)
	require.NoError(t, err)

	ring.Free(first)

	third, err := ring.Allocate(256, 1)
	require.NoError(t, err)
	require.Equal(t, 0, third.Offset())
	require.Len(t, allocator.buffers, 1)
	require.NoError(t, ring.Validate())

	// The wrapped tail cannot pass the head at 512
	fourth, err := ring.Allocate(300, 1)
	require.NoError(t, err)
	require.Len(t, allocator.buffers, 2)
	require.Equal(t, 0, fourth.Offset())

	ring.Free(second)
	ring.Free(third)
	ring.Free(fourth)
	require.Equal(t, 1, ring.Trim())
	require.True(t, allocator.buffers[1].destroyed)
}

func TestRingOutOfOrderFree(t *testing.T) {
	ring, _ := newTestRing(t, 1024)

	first, err := ring.Allocate(256, 1)
	require.NoError(t, err)
	second, err := ring.Allocate(256, 1)
	require.NoError(t, err)

	ring.Free(second)

	var stats memutils.DetailedStatistics
	stats.Clear()
	ring.AddStatistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 256, stats.AllocationBytes)

	ring.Free(first)
	stats.Clear()
	ring.AddStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 1, stats.BlockCount)

	require.Panics(t, func() { ring.Free(first) })
}

func TestRingDedicated(t *testing.T) {
	ring, allocator := newTestRing(t, 1024)

	alloc, err := ring.Allocate(4096, 1)
	require.NoError(t, err)
	require.Len(t, alloc.Data(), 4096)

	var stats memutils.DetailedStatistics
	stats.Clear()
	ring.AddStatistics(&stats)
	require.Equal(t, 4096, stats.BlockBytes)

	ring.Free(alloc)
	require.True(t, allocator.buffers[0].destroyed)
}

func TestRingWithoutBlocks(t *testing.T) {
	ring, allocator := newTestRing(t, 0)

	alloc, err := ring.Allocate(16, 1)
	require.NoError(t, err)
	require.Len(t, allocator.buffers, 1)
	require.Len(t, allocator.buffers[0].data, 16)

	ring.Free(alloc)
	require.True(t, allocator.buffers[0].destroyed)
}

func TestRingAllocationErrors(t *testing.T) {
	ring, allocator := newTestRing(t, 1024)

	_, err := ring.Allocate(0, 1)
	require.Error(t, err)

	_, err = ring.Allocate(16, 3)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	allocator.fail = true
	_, err = ring.Allocate(16, 1)
	require.Error(t, err)
}

func TestRingDestroy(t *testing.T) {
	ring, allocator := newTestRing(t, 1024)

	_, err := ring.Allocate(16, 1)
	require.NoError(t, err)

	ring.Destroy()
	require.True(t, allocator.buffers[0].destroyed)
}
