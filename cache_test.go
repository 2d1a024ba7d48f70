package guestres

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/guestres/devmem"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/layout"
	"github.com/vkngwrapper/arsenal/guestres/softgpu"
	"golang.org/x/exp/slog"
)

const testBase uint64 = 0x100000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

type testEnv struct {
	arena  *devmem.Arena
	device *softgpu.Device
	cache  *Cache
}

func newTestEnv(t *testing.T, deviceOptions softgpu.Options, options CreateOptions) *testEnv {
	logger := testLogger()

	arena, err := devmem.NewArena(logger, testBase, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, arena.Close())
	})

	device := softgpu.New(logger, deviceOptions)
	options.PageSize = arena.PageSize()
	if options.StagingBlockSize == 0 {
		options.StagingBlockSize = 64 * 1024
	}

	cache, err := New(logger, device, arena, options)
	require.NoError(t, err)
	t.Cleanup(cache.Destroy)

	return &testEnv{arena: arena, device: device, cache: cache}
}

// page is the device address of the arena's nth page
func (e *testEnv) page(n int) uint64 {
	return testBase + uint64(n*e.arena.PageSize())
}

func (e *testEnv) span(t *testing.T, address uint64, size int) devmem.Span {
	span, err := e.arena.Span(address, size)
	require.NoError(t, err)
	return span
}

// rgbaDescriptor describes a linear RGBA surface starting at the arena's nth page
func (e *testEnv) rgbaDescriptor(t *testing.T, page int, width, height int) Descriptor {
	return Descriptor{
		Mappings:   []devmem.Span{e.span(t, e.page(page), width*height*4)},
		Dimensions: host.Dimensions{Width: width, Height: height, Depth: 1},
		Format:     FormatR8G8B8A8UnsignedNormalized,
		Tiling:     layout.Linear(),
		Type:       ResourceType2D,
	}
}

func (e *testEnv) create(t *testing.T, desc Descriptor) *View {
	view, err := e.cache.FindOrCreate(desc, nil)
	require.NoError(t, err)
	return view
}

func pattern(size int, seed byte) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

func backingContents(t *testing.T, r *Resource) []byte {
	image, ok := r.Backing().Image().(*softgpu.Image)
	require.True(t, ok)
	return image.Contents()
}

func syncHost(t *testing.T, r *Resource) {
	r.Lock()
	defer r.Unlock()

	require.NoError(t, r.EnsureHostCurrent(false))
}

// writeDevice simulates the host GPU writing data into the resource's backing
func writeDevice(t *testing.T, r *Resource, data []byte) {
	r.Lock()
	defer r.Unlock()

	require.NoError(t, r.EnsureHostCurrent(false))
	copy(backingContents(t, r), data)
	require.NoError(t, r.MarkDeviceDirty())
}

func TestFindOrCreateSharesViews(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	desc := env.rgbaDescriptor(t, 0, 16, 16)
	first := env.create(t, desc)

	// Equal descriptors built from separate spans still name the same resource
	again := env.rgbaDescriptor(t, 0, 16, 16)
	second := env.create(t, again)
	require.Same(t, first, second)

	smaller := env.create(t, env.rgbaDescriptor(t, 0, 8, 8))
	require.NotSame(t, first.Resource(), smaller.Resource())
	require.Equal(t, 2, env.cache.Len())

	stats := env.cache.Statistics()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(2), stats.Misses)
	require.Equal(t, 2, stats.HostPendingUpload)

	r := first.Resource()
	require.Equal(t, HostPendingUpload, r.PublishedState())
	require.Equal(t, devmem.ProtectNone, r.Protection())
	require.Equal(t, BackingOwnedImage, r.Backing().Kind())
	require.NoError(t, env.cache.Validate())
}

func TestFindOrCreateRejectsInvalidDescriptors(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	desc := env.rgbaDescriptor(t, 0, 16, 16)
	desc.Tiling = layout.Block(3, 1)
	_, err := env.cache.FindOrCreate(desc, nil)
	require.True(t, errors.Is(err, ErrTranslationUnsupported))

	desc = env.rgbaDescriptor(t, 0, 16, 16)
	desc.Mappings[0].Size = 16
	desc.Mappings[0].Data = desc.Mappings[0].Data[:16]
	_, err = env.cache.FindOrCreate(desc, nil)
	require.True(t, errors.Is(err, ErrInvalidDescriptor))

	require.Equal(t, 0, env.cache.Len())
}

func TestLinearImageRoundTrip(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	desc := env.rgbaDescriptor(t, 0, 64, 64)
	mapping := desc.Mappings[0]
	data := pattern(mapping.Size, 1)
	require.NoError(t, env.arena.Write(mapping.Address, data))

	view := env.create(t, desc)
	r := view.Resource()

	syncHost(t, r)
	require.Equal(t, Clean, r.PublishedState())
	require.Equal(t, devmem.ProtectWrite, r.Protection())
	require.Equal(t, data, backingContents(t, r))

	// A guest write to any page of the resource makes the backing stale again
	require.NoError(t, env.arena.Write(mapping.Address+uint64(mapping.Size-4), []byte{9, 9, 9, 9}))
	copy(data[len(data)-4:], []byte{9, 9, 9, 9})
	require.Equal(t, HostPendingUpload, r.PublishedState())
	require.Equal(t, devmem.ProtectNone, r.Protection())

	syncHost(t, r)
	require.Equal(t, data, backingContents(t, r))

	update := pattern(mapping.Size, 100)
	writeDevice(t, r, update)
	require.Equal(t, DevicePendingReadback, r.PublishedState())
	require.Equal(t, devmem.ProtectReadWrite, r.Protection())

	out := make([]byte, mapping.Size)
	require.NoError(t, env.arena.Read(mapping.Address, out))
	require.Equal(t, update, out)
	require.Equal(t, Clean, r.PublishedState())
	require.Equal(t, devmem.ProtectWrite, r.Protection())

	stats := env.cache.Statistics()
	require.Equal(t, uint64(2), stats.Uploads)
	require.Equal(t, uint64(1), stats.Readbacks)
	require.Equal(t, uint64(2), stats.Faults)
	require.NoError(t, env.cache.Validate())
}

func TestSynchronizationIsIdempotent(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	desc := env.rgbaDescriptor(t, 0, 16, 16)
	r := env.create(t, desc).Resource()

	syncHost(t, r)
	require.Equal(t, uint64(1), env.device.CopyCount())
	syncHost(t, r)
	require.Equal(t, uint64(1), env.device.CopyCount())

	// Reads of a Clean resource are not trapped
	out := make([]byte, 64)
	require.NoError(t, env.arena.Read(desc.Mappings[0].Address, out))
	require.Equal(t, uint64(1), env.device.CopyCount())

	r.Lock()
	require.NoError(t, r.MarkDeviceDirty())
	require.NoError(t, r.MarkDeviceDirty())
	require.NoError(t, r.EnsureDeviceCurrent(false))
	require.NoError(t, r.EnsureDeviceCurrent(false))
	r.Unlock()
	require.Equal(t, uint64(2), env.device.CopyCount())
	require.Equal(t, uint64(2), env.device.SubmissionCount())
}

func TestMarkDeviceDirtyRequiresUpload(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	r := env.create(t, env.rgbaDescriptor(t, 0, 16, 16)).Resource()

	r.Lock()
	err := r.MarkDeviceDirty()
	r.Unlock()
	require.True(t, errors.Is(err, ErrCallerDiscipline))
	require.Equal(t, HostPendingUpload, r.PublishedState())
}

func TestMappedImagesSkipStaging(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{MappableImages: true}, CreateOptions{Flags: CacheCreateLinearImages})

	desc := env.rgbaDescriptor(t, 0, 16, 16)
	data := pattern(desc.Mappings[0].Size, 3)
	copy(desc.Mappings[0].Data, data)

	r := env.create(t, desc).Resource()
	syncHost(t, r)
	require.Equal(t, data, backingContents(t, r))

	update := pattern(len(data), 50)
	writeDevice(t, r, update)

	out := make([]byte, len(data))
	require.NoError(t, env.arena.Read(desc.Mappings[0].Address, out))
	require.Equal(t, update, out)

	require.Equal(t, uint64(0), env.device.SubmissionCount())
	require.Equal(t, 0, env.cache.Statistics().Staging.AllocationCount)
}

func TestFaultDeferredWhileLocked(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	desc := env.rgbaDescriptor(t, 0, 16, 16)
	r := env.create(t, desc).Resource()
	syncHost(t, r)

	data := pattern(64, 9)
	done := make(chan error, 1)

	r.Lock()
	go func() {
		done <- env.arena.Write(desc.Mappings[0].Address, data)
	}()

	require.Eventually(t, func() bool {
		return env.cache.Statistics().DeferredFaults > 0
	}, 5*time.Second, time.Millisecond)

	// The fault is recorded but waits for the lock holder
	require.Equal(t, Clean, r.DirtyState())
	select {
	case <-done:
		t.Fatal("the guest write completed while the resource was locked")
	default:
	}
	r.Unlock()

	require.NoError(t, <-done)
	require.Equal(t, HostPendingUpload, r.PublishedState())
	require.Equal(t, devmem.ProtectNone, r.Protection())
	require.Equal(t, data, desc.Mappings[0].Data[:64])
	require.Greater(t, env.arena.RetryCount(), uint64(0))
	require.NoError(t, env.cache.Validate())
}

func TestFaultDuringReadbackAppliedOnUnlock(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	desc := env.rgbaDescriptor(t, 0, 16, 16)
	r := env.create(t, desc).Resource()
	update := pattern(desc.Mappings[0].Size, 70)
	writeDevice(t, r, update)

	out := make([]byte, len(update))
	done := make(chan error, 1)

	r.Lock()
	go func() {
		done <- env.arena.Read(desc.Mappings[0].Address, out)
	}()

	require.Eventually(t, func() bool {
		return env.cache.Statistics().DeferredFaults > 0
	}, 5*time.Second, time.Millisecond)

	// The guest read waits for the lock holder, which still owes a readback
	require.Equal(t, DevicePendingReadback, r.DirtyState())
	select {
	case <-done:
		t.Fatal("the guest read completed before the readback")
	default:
	}
	r.Unlock()

	require.NoError(t, <-done)
	require.Equal(t, update, out)
	require.Equal(t, Clean, r.PublishedState())
	require.Equal(t, devmem.ProtectWrite, r.Protection())
	require.Equal(t, uint64(1), env.cache.Statistics().Readbacks)
	require.NoError(t, env.cache.Validate())
}

func TestUnsubmittedReadbackIsReadImmediately(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{MappableImages: true}, CreateOptions{Flags: CacheCreateLinearImages})

	desc := env.rgbaDescriptor(t, 0, 16, 16)
	r := env.create(t, desc).Resource()
	update := pattern(desc.Mappings[0].Size, 80)
	writeDevice(t, r, update)

	executor := env.cache.NewExecutor()
	defer executor.Close()

	r.Lock()
	require.NoError(t, r.EnsureDeviceCurrentWithContext(nil, executor.Cycle()))
	r.Unlock()
	require.False(t, executor.Cycle().Submitted())

	// The recorded readback can never be waited on, so the guest read downloads the backing itself
	out := make([]byte, len(update))
	require.NoError(t, env.arena.Read(desc.Mappings[0].Address, out))
	require.Equal(t, update, out)
	require.Equal(t, Clean, r.PublishedState())
	require.NoError(t, env.cache.Validate())
}

func TestFragmentedMappingsThroughPageTable(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})
	pageSize := env.arena.PageSize()

	const virtual uint64 = 0x40000000
	pages := devmem.NewPageTable(env.arena)
	require.NoError(t, pages.Map(virtual, env.page(2), pageSize))
	require.NoError(t, pages.Map(virtual+uint64(pageSize), env.page(5), pageSize))

	spans, err := pages.Translate(virtual, 2*pageSize)
	require.NoError(t, err)
	require.Len(t, spans, 2)

	width := 32
	desc := Descriptor{
		Mappings:   spans,
		Dimensions: host.Dimensions{Width: width, Height: 2 * pageSize / (width * 4), Depth: 1},
		Format:     FormatR8G8B8A8UnsignedNormalized,
		Tiling:     layout.Linear(),
		Type:       ResourceType2D,
	}

	data := pattern(2*pageSize, 5)
	copy(spans[0].Data, data[:pageSize])
	copy(spans[1].Data, data[pageSize:])

	r := env.create(t, desc).Resource()
	require.False(t, r.Mirror().Contiguous())

	syncHost(t, r)
	require.Equal(t, data, backingContents(t, r))

	update := pattern(2*pageSize, 77)
	writeDevice(t, r, update)

	out := make([]byte, pageSize)
	require.NoError(t, env.arena.Read(spans[1].Address, out))
	require.Equal(t, update[pageSize:], out)
	require.Equal(t, update[:pageSize], spans[0].Data)

	require.Greater(t, env.cache.Statistics().MappingFallbacks, uint64(0))
	require.Len(t, env.cache.Overlapping(spans[0].Range), 1)
	require.Len(t, env.cache.Overlapping(spans[1].Range), 1)
	require.Empty(t, env.cache.Overlapping(devmem.Range{Address: env.page(3), Size: pageSize}))
}

func TestBlockLinearThroughStaging(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	desc := Descriptor{
		Dimensions: host.Dimensions{Width: 64, Height: 64, Depth: 1},
		Format:     FormatR8G8B8A8UnsignedNormalized,
		Tiling:     layout.Block(2, 1),
		Type:       ResourceType2D,
	}
	size, err := desc.GuestLayerSize()
	require.NoError(t, err)
	desc.Mappings = []devmem.Span{env.span(t, env.page(0), size)}
	guest := desc.Mappings[0].Data
	surface := desc.surface()

	linear := pattern(64*64*4, 11)
	require.NoError(t, layout.FromLinear(guest, linear, surface, desc.Tiling))

	r := env.create(t, desc).Resource()
	syncHost(t, r)
	require.Equal(t, linear, backingContents(t, r))

	update := pattern(len(linear), 99)
	writeDevice(t, r, update)

	r.Lock()
	require.NoError(t, r.EnsureDeviceCurrent(false))
	r.Unlock()

	out := make([]byte, len(linear))
	require.NoError(t, layout.ToLinear(out, guest, surface, desc.Tiling))
	require.Equal(t, update, out)
}

func TestArrayLayersWithStride(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	layerSize := 8 * 8 * 4
	stride := layerSize + 64
	desc := Descriptor{
		Mappings:    []devmem.Span{env.span(t, env.page(0), stride+layerSize)},
		Dimensions:  host.Dimensions{Width: 8, Height: 8, Depth: 1},
		Format:      FormatR8G8B8A8UnsignedNormalized,
		Tiling:      layout.Linear(),
		Type:        ResourceType2DArray,
		LayerCount:  2,
		LayerStride: stride,
	}

	guest := desc.Mappings[0].Data
	first := pattern(layerSize, 1)
	second := pattern(layerSize, 2)
	copy(guest, first)
	copy(guest[stride:], second)

	view := env.create(t, desc)
	r := view.Resource()
	require.Equal(t, 2, r.LayerCount())
	require.Equal(t, 2, view.Info().Range.LayerCount)

	syncHost(t, r)
	require.Equal(t, append(append([]byte(nil), first...), second...), backingContents(t, r))
}

func TestExecutorCopiesBetweenResources(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	srcDesc := env.rgbaDescriptor(t, 0, 16, 16)
	dstDesc := env.rgbaDescriptor(t, 1, 16, 16)
	data := pattern(srcDesc.Mappings[0].Size, 3)
	copy(srcDesc.Mappings[0].Data, data)

	srcView := env.create(t, srcDesc)
	dstView := env.create(t, dstDesc)

	executor := env.cache.NewExecutor()
	defer executor.Close()

	for _, view := range []*View{srcView, dstView} {
		view.Lock()
		require.NoError(t, executor.AttachView(view))
		view.Unlock()
	}

	executor.AddPass(func(cmd host.CommandContext, cycle *fence.Cycle) error {
		dst, src := dstView.Resource(), srcView.Resource()
		dst.Lock()
		defer dst.Unlock()
		src.Lock()
		defer src.Unlock()

		return dst.CopyFrom(cmd, cycle, src, host.CopyRegion{
			LayerCount: 1,
			Extent:     host.Dimensions{Width: 16, Height: 16, Depth: 1},
		})
	})

	cycle, err := executor.Execute()
	require.NoError(t, err)
	require.NoError(t, cycle.Wait())
	require.NotSame(t, cycle, executor.Cycle())

	require.Equal(t, Clean, srcView.Resource().PublishedState())
	require.Equal(t, DevicePendingReadback, dstView.Resource().PublishedState())
	require.Equal(t, uint64(1), env.device.SubmissionCount())
	require.Equal(t, uint64(3), env.device.CopyCount())

	out := make([]byte, len(data))
	require.NoError(t, env.arena.Read(dstDesc.Mappings[0].Address, out))
	require.Equal(t, data, out)
	require.Equal(t, Clean, dstView.Resource().PublishedState())
	require.NoError(t, env.cache.Validate())
}

func TestRecordedReadbackCompletesOnReap(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	srcDesc := env.rgbaDescriptor(t, 0, 16, 16)
	dstDesc := env.rgbaDescriptor(t, 1, 16, 16)
	data := pattern(srcDesc.Mappings[0].Size, 21)
	copy(srcDesc.Mappings[0].Data, data)

	srcView := env.create(t, srcDesc)
	dstView := env.create(t, dstDesc)
	src, dst := srcView.Resource(), dstView.Resource()

	executor := env.cache.NewExecutor()
	defer executor.Close()
	for _, view := range []*View{srcView, dstView} {
		view.Lock()
		require.NoError(t, executor.AttachView(view))
		view.Unlock()
	}

	executor.AddPass(func(cmd host.CommandContext, cycle *fence.Cycle) error {
		dst.Lock()
		defer dst.Unlock()
		src.Lock()
		defer src.Unlock()

		err := dst.CopyFrom(cmd, cycle, src, host.CopyRegion{LayerCount: 1})
		if err != nil {
			return err
		}
		return dst.EnsureDeviceCurrentWithContext(cmd, cycle)
	})

	cycle, err := executor.Execute()
	require.NoError(t, err)
	require.Equal(t, DevicePendingReadback, dst.PublishedState())

	copies := env.device.CopyCount()
	faults := env.arena.FaultCount()
	env.cache.Reap()

	require.True(t, cycle.Signaled())
	require.Equal(t, Clean, dst.PublishedState())
	require.Equal(t, data, dstDesc.Mappings[0].Data)
	require.Equal(t, copies, env.device.CopyCount())
	require.Equal(t, faults, env.arena.FaultCount())
	require.Equal(t, 0, env.cache.Statistics().Staging.AllocationCount)
}

func TestCancelledUploadIsRedone(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	desc := env.rgbaDescriptor(t, 0, 16, 16)
	data := pattern(desc.Mappings[0].Size, 8)
	copy(desc.Mappings[0].Data, data)

	view := env.create(t, desc)
	r := view.Resource()

	executor := env.cache.NewExecutor()
	defer executor.Close()
	view.Lock()
	require.NoError(t, executor.AttachView(view))
	view.Unlock()

	failure := errors.New("pass failed")
	executor.AddPass(func(host.CommandContext, *fence.Cycle) error {
		return failure
	})

	_, err := executor.Execute()
	require.True(t, errors.Is(err, failure))

	// The recorded upload never ran, so the guest contents are still pending
	require.Equal(t, HostPendingUpload, r.PublishedState())
	require.Equal(t, devmem.ProtectNone, r.Protection())
	require.Equal(t, uint64(0), env.device.CopyCount())

	syncHost(t, r)
	require.Equal(t, data, backingContents(t, r))
}

func TestEmptyExecutorCancelsItsCycle(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	executor := env.cache.NewExecutor()
	cycle, err := executor.Execute()
	require.NoError(t, err)
	require.True(t, cycle.Cancelled())
	require.True(t, cycle.Signaled())
	require.Equal(t, uint64(0), env.device.SubmissionCount())

	executor.Close()
	require.True(t, executor.Cycle().Cancelled())
}

func TestSynchronizeDevice(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{CompletionDelay: time.Millisecond}, CreateOptions{ReadbackConcurrency: 2})

	var descs []Descriptor
	var resources []*Resource
	var expected [][]byte
	for i := 0; i < 3; i++ {
		desc := env.rgbaDescriptor(t, i, 16, 16)
		r := env.create(t, desc).Resource()

		update := pattern(desc.Mappings[0].Size, byte(i+1)*40)
		writeDevice(t, r, update)

		descs = append(descs, desc)
		resources = append(resources, r)
		expected = append(expected, update)
	}

	// One resource stays Clean and is left alone
	idle := env.create(t, env.rgbaDescriptor(t, 5, 16, 16)).Resource()
	syncHost(t, idle)

	require.Equal(t, 3, env.cache.Statistics().DevicePendingReadback)
	faults := env.arena.FaultCount()

	require.NoError(t, env.cache.SynchronizeDevice(context.Background()))

	for i, r := range resources {
		require.Equal(t, Clean, r.PublishedState())
		require.Equal(t, expected[i], descs[i].Mappings[0].Data)
	}
	require.Equal(t, faults, env.arena.FaultCount())
	require.Equal(t, uint64(3), env.cache.Statistics().Readbacks)
}

func TestSynchronizeDeviceStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	r := env.create(t, env.rgbaDescriptor(t, 0, 16, 16)).Resource()
	writeDevice(t, r, pattern(16*16*4, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := env.cache.SynchronizeDevice(ctx)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, DevicePendingReadback, r.PublishedState())
}

func TestConstructionFailureIsResourceExhausted(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{MemoryBudget: 512}, CreateOptions{})

	_, err := env.cache.FindOrCreate(env.rgbaDescriptor(t, 0, 16, 16), nil)
	require.True(t, errors.Is(err, ErrResourceExhausted))
	require.True(t, errors.Is(err, softgpu.ErrOutOfMemory))

	require.Equal(t, 0, env.cache.Len())
	require.Equal(t, 0, env.cache.Statistics().LiveResources)
	require.NoError(t, env.cache.Validate())
}

func TestInvalidateRemovesOverlappingResources(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})
	pageSize := env.arena.PageSize()
	width := pageSize / 4

	first := env.create(t, env.rgbaDescriptor(t, 0, width, 1))
	second := env.create(t, env.rgbaDescriptor(t, 1, width, 1))
	third := env.create(t, env.rgbaDescriptor(t, 4, width, 1))

	straddle := devmem.Range{Address: env.page(0) + 100, Size: pageSize}
	overlapping := env.cache.Overlapping(straddle)
	require.Len(t, overlapping, 2)
	require.Same(t, first.Resource(), overlapping[0])
	require.Same(t, second.Resource(), overlapping[1])

	require.Equal(t, 1, env.cache.Invalidate(devmem.Range{Address: env.page(1), Size: 1}))
	require.Equal(t, 2, env.cache.Len())
	require.True(t, second.Resource().Destroyed())
	require.False(t, third.Resource().Destroyed())

	second.Lock()
	_, err := second.Resolve()
	require.True(t, errors.Is(err, ErrResourceDestroyed))
	executor := env.cache.NewExecutor()
	require.True(t, errors.Is(executor.AttachView(second), ErrResourceDestroyed))
	executor.Close()
	second.Unlock()

	// A resource retained elsewhere outlives its invalidation
	r := first.Resource()
	r.Retain()
	require.Equal(t, 1, env.cache.Invalidate(straddle))
	require.False(t, r.Destroyed())
	r.Release()
	require.True(t, r.Destroyed())

	require.Equal(t, 1, env.cache.Len())
	require.NoError(t, env.cache.Validate())
}

func TestStaleEntriesAreReleasedAfterToken(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{
		StaleCheck: func(desc *Descriptor) bool {
			return desc.Dimensions.Width == 16
		},
	})

	old := env.create(t, env.rgbaDescriptor(t, 0, 16, 16))

	token := env.cache.Tracker().Begin()
	newer, err := env.cache.FindOrCreate(env.rgbaDescriptor(t, 0, 8, 8), token)
	require.NoError(t, err)
	require.NotSame(t, old.Resource(), newer.Resource())

	require.Equal(t, 1, env.cache.Len())
	require.False(t, old.Resource().Destroyed())

	token.Cancel()
	require.True(t, old.Resource().Destroyed())
	require.Equal(t, uint64(1), env.cache.Statistics().Pruned)
}

func TestPrune(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	env.create(t, env.rgbaDescriptor(t, 0, 16, 16))
	small := env.create(t, env.rgbaDescriptor(t, 1, 8, 8))
	env.create(t, env.rgbaDescriptor(t, 2, 8, 8))

	removed := env.cache.Prune(func(desc *Descriptor) bool {
		return desc.Dimensions.Width == 8
	}, nil)
	require.Equal(t, 2, removed)
	require.Equal(t, 1, env.cache.Len())
	require.True(t, small.Resource().Destroyed())
	require.Equal(t, uint64(2), env.cache.Statistics().Pruned)
}

func TestPooledImagesAreReused(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{Flags: CacheCreatePooledImages})

	first := env.rgbaDescriptor(t, 0, 16, 16)
	env.create(t, first)
	require.Equal(t, 1, env.cache.Invalidate(first.Mappings[0].Range))
	require.Equal(t, 1, env.cache.Pool().Idle())

	live := env.device.LiveObjects()
	view := env.create(t, env.rgbaDescriptor(t, 1, 16, 16))
	require.Equal(t, BackingPooledImage, view.Resource().Backing().Kind())
	require.Equal(t, 0, env.cache.Pool().Idle())
	require.Equal(t, 1, env.cache.Pool().Reused())
	require.Equal(t, live, env.device.LiveObjects())

	// A different shape cannot reuse it
	other := env.create(t, env.rgbaDescriptor(t, 2, 8, 8))
	require.Equal(t, BackingPooledImage, other.Resource().Backing().Kind())
	require.Equal(t, 1, env.cache.Pool().Reused())
}

func TestCallbacks(t *testing.T) {
	var created, destroyed atomic.Int32
	var ids []uuid.UUID

	env := newTestEnv(t, softgpu.Options{}, CreateOptions{
		Callbacks: &CallbackOptions{
			Create: func(cache *Cache, id uuid.UUID, desc *Descriptor, userData interface{}) {
				require.Equal(t, "user", userData)
				require.NotNil(t, desc)
				created.Add(1)
				ids = append(ids, id)
			},
			Destroy: func(cache *Cache, id uuid.UUID, desc *Descriptor, userData interface{}) {
				destroyed.Add(1)
			},
			UserData: "user",
		},
	})

	desc := env.rgbaDescriptor(t, 0, 16, 16)
	view := env.create(t, desc)
	env.create(t, desc)
	require.Equal(t, int32(1), created.Load())
	require.Equal(t, []uuid.UUID{view.Resource().ID()}, ids)

	env.cache.Invalidate(desc.Mappings[0].Range)
	require.Equal(t, int32(1), destroyed.Load())
}

func TestBuildStatsString(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{})

	r := env.create(t, env.rgbaDescriptor(t, 0, 16, 16)).Resource()
	syncHost(t, r)

	str := env.cache.BuildStatsString(true)

	var stats struct {
		Total struct {
			Resources   int
			MirrorBytes string
		}
		DirtyStates map[string]int
		Counters    struct {
			Uploads int
		}
		Resources []struct {
			ID     string
			Format string
			State  string
			Memory []string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(str), &stats))

	require.Equal(t, 1, stats.Total.Resources)
	require.Equal(t, "1KiB", stats.Total.MirrorBytes)
	require.Equal(t, 1, stats.DirtyStates[Clean.String()])
	require.Equal(t, 1, stats.Counters.Uploads)
	require.Len(t, stats.Resources, 1)
	require.Equal(t, r.ID().String(), stats.Resources[0].ID)
	require.Equal(t, "R8G8B8A8UnsignedNormalized", stats.Resources[0].Format)
	require.Equal(t, Clean.String(), stats.Resources[0].State)
	require.Len(t, stats.Resources[0].Memory, 1)

	require.NotContains(t, env.cache.BuildStatsString(false), r.ID().String())
}

func TestExternallySynchronizedCache(t *testing.T) {
	env := newTestEnv(t, softgpu.Options{}, CreateOptions{Flags: CacheCreateExternallySynchronized | CacheCreateDedicatedStaging})

	r := env.create(t, env.rgbaDescriptor(t, 0, 16, 16)).Resource()
	syncHost(t, r)

	stats := env.cache.Statistics()
	require.Equal(t, 1, stats.Clean)
	require.Equal(t, 0, stats.Staging.BlockCount)
	require.NoError(t, env.cache.Validate())
}

func TestCacheCreateFlagsString(t *testing.T) {
	str := (CacheCreatePooledImages | CacheCreateLinearImages).String()
	require.Contains(t, str, "PooledImages")
	require.Contains(t, str, "LinearImages")
	require.NotContains(t, str, "DedicatedStaging")
}
