package softgpu

import (
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

func testDevice(options Options) *Device {
	return New(slog.New(slog.NewTextHandler(io.Discard)), options)
}

func imageInfo(layers int, tiling core1_0.ImageTiling) host.ImageInfo {
	return host.ImageInfo{
		Format:      core1_0.FormatR8G8B8A8UnsignedNormalized,
		Type:        core1_0.ImageType2D,
		Dimensions:  host.Dimensions{Width: 4, Height: 4, Depth: 1},
		MipLevels:   1,
		ArrayLayers: layers,
		Samples:     core1_0.Samples1,
		Tiling:      tiling,
		LayerSize:   64,
	}
}

func TestBufferToImageRoundTrip(t *testing.T) {
	device := testDevice(Options{})

	image, err := device.AllocateImage(imageInfo(2, core1_0.ImageTilingOptimal))
	require.NoError(t, err)
	require.Nil(t, image.Mapped())

	staging, err := device.AllocateBuffer(256)
	require.NoError(t, err)
	for i := range staging.Data() {
		staging.Data()[i] = byte(i)
	}

	region := host.CopyRegion{BufferOffset: 64, BaseLayer: 1, LayerCount: 1}
	f, err := device.Submit(func(cmd host.CommandContext) error {
		err := cmd.TransitionLayout(image, core1_0.ImageAspectColor, core1_0.ImageLayoutUndefined, core1_0.ImageLayoutGeneral)
		if err != nil {
			return err
		}
		return cmd.CopyBufferToImage(staging, image, core1_0.ImageLayoutGeneral, []host.CopyRegion{region})
	})
	require.NoError(t, err)

	done, err := f.Signaled()
	require.NoError(t, err)
	require.True(t, done)

	contents := image.(*Image).Contents()
	require.Equal(t, make([]byte, 64), contents[:64])
	require.Equal(t, staging.Data()[64:128], contents[64:])

	readback, err := device.AllocateBuffer(64)
	require.NoError(t, err)
	_, err = device.Submit(func(cmd host.CommandContext) error {
		return cmd.CopyImageToBuffer(image, core1_0.ImageLayoutGeneral, readback, []host.CopyRegion{{BaseLayer: 1, LayerCount: 1}})
	})
	require.NoError(t, err)
	require.Equal(t, contents[64:], readback.Data())

	require.Equal(t, uint64(2), device.CopyCount())
	require.Equal(t, uint64(128), device.CopiedBytes())
	require.Equal(t, uint64(2), device.SubmissionCount())
}

func TestRecordingErrorsSubmitNothing(t *testing.T) {
	device := testDevice(Options{})

	image, err := device.AllocateImage(imageInfo(1, core1_0.ImageTilingOptimal))
	require.NoError(t, err)
	small, err := device.AllocateBuffer(16)
	require.NoError(t, err)

	_, err = device.Submit(func(cmd host.CommandContext) error {
		return cmd.CopyBufferToImage(small, image, core1_0.ImageLayoutGeneral, []host.CopyRegion{{LayerCount: 1}})
	})
	require.Error(t, err)

	_, err = device.Submit(func(cmd host.CommandContext) error {
		return cmd.CopyImageToBuffer(image, core1_0.ImageLayoutGeneral, small, []host.CopyRegion{{MipLevel: 1}})
	})
	require.Error(t, err)

	require.Equal(t, uint64(0), device.SubmissionCount())
	require.Equal(t, uint64(0), device.CopyCount())
}

func TestDestroyedObjectsAreRejected(t *testing.T) {
	device := testDevice(Options{})

	image, err := device.AllocateImage(imageInfo(1, core1_0.ImageTilingOptimal))
	require.NoError(t, err)
	buffer, err := device.AllocateBuffer(64)
	require.NoError(t, err)
	require.Equal(t, 2, device.LiveObjects())

	image.Destroy()
	require.Panics(t, image.Destroy)

	_, err = device.CreateImageView(image, host.ViewInfo{})
	require.Error(t, err)
	_, err = device.Submit(func(cmd host.CommandContext) error {
		return cmd.CopyBufferToImage(buffer, image, core1_0.ImageLayoutGeneral, []host.CopyRegion{{LayerCount: 1}})
	})
	require.Error(t, err)

	_, err = device.CreateBufferView(buffer, host.ViewInfo{Offset: 32, Size: 64})
	require.Error(t, err)
	view, err := device.CreateBufferView(buffer, host.ViewInfo{Offset: 32, Size: 32})
	require.NoError(t, err)
	require.Same(t, buffer, host.Buffer(view.(*View).Buffer()))

	view.Destroy()
	buffer.Destroy()
	require.Equal(t, 0, device.LiveObjects())
}

func TestMemoryBudget(t *testing.T) {
	device := testDevice(Options{MemoryBudget: 100})

	buffer, err := device.AllocateBuffer(64)
	require.NoError(t, err)

	_, err = device.AllocateImage(imageInfo(1, core1_0.ImageTilingOptimal))
	require.True(t, errors.Is(err, ErrOutOfMemory))

	buffer.Destroy()
	_, err = device.AllocateImage(imageInfo(1, core1_0.ImageTilingOptimal))
	require.NoError(t, err)
}

func TestMappableImages(t *testing.T) {
	device := testDevice(Options{MappableImages: true})

	linear, err := device.AllocateImage(imageInfo(1, core1_0.ImageTilingLinear))
	require.NoError(t, err)
	require.Len(t, linear.Mapped(), 64)

	optimal, err := device.AllocateImage(imageInfo(1, core1_0.ImageTilingOptimal))
	require.NoError(t, err)
	require.Nil(t, optimal.Mapped())
}

func TestDelayedSubmissionsCompleteInOrder(t *testing.T) {
	device := testDevice(Options{CompletionDelay: 20 * time.Millisecond})

	src, err := device.AllocateBuffer(4)
	require.NoError(t, err)
	dst, err := device.AllocateBuffer(4)
	require.NoError(t, err)

	copy(src.Data(), []byte{1, 2, 3, 4})
	first, err := device.Submit(func(cmd host.CommandContext) error {
		return cmd.CopyBuffer(src, 0, dst, 0, 4)
	})
	require.NoError(t, err)

	done, err := first.Signaled()
	require.NoError(t, err)
	require.False(t, done)

	second, err := device.Submit(func(cmd host.CommandContext) error {
		return cmd.CopyBuffer(dst, 0, src, 0, 2)
	})
	require.NoError(t, err)

	done, err = second.Wait(-1)
	require.NoError(t, err)
	require.True(t, done)

	done, err = first.Signaled()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []byte{1, 2, 3, 4}, dst.Data())
	require.Equal(t, uint64(2), device.CopyCount())
}
