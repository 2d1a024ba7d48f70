package vkhost

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func TestBufferImageCopies(t *testing.T) {
	info := host.ImageInfo{
		Format:      core1_0.FormatR8G8B8A8UnsignedNormalized,
		Type:        core1_0.ImageType2D,
		Dimensions:  host.Dimensions{Width: 64, Height: 32, Depth: 1},
		MipLevels:   3,
		ArrayLayers: 4,
		LayerSize:   64 * 32 * 4,
	}

	copies := bufferImageCopies(info, []host.CopyRegion{
		{BufferOffset: 0, BaseLayer: 0, LayerCount: 2},
		{BufferOffset: 4096, Aspect: core1_0.ImageAspectDepth, MipLevel: 2, BaseLayer: 3},
		{BufferOffset: 8192, Extent: host.Dimensions{Width: 8, Height: 4}},
	})

	require.Equal(t, []core1_0.BufferImageCopy{
		{
			BufferOffset: 0,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectColor,
				MipLevel:       0,
				BaseArrayLayer: 0,
				LayerCount:     2,
			},
			ImageExtent: core1_0.Extent3D{Width: 64, Height: 32, Depth: 1},
		},
		{
			BufferOffset: 4096,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectDepth,
				MipLevel:       2,
				BaseArrayLayer: 3,
				LayerCount:     1,
			},
			ImageExtent: core1_0.Extent3D{Width: 16, Height: 8, Depth: 1},
		},
		{
			BufferOffset: 8192,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask: core1_0.ImageAspectColor,
				LayerCount: 1,
			},
			ImageExtent: core1_0.Extent3D{Width: 8, Height: 4, Depth: 1},
		},
	}, copies)
}

func TestMipExtentClampsToOne(t *testing.T) {
	require.Equal(t, core1_0.Extent3D{Width: 1, Height: 1, Depth: 1}, mipExtent(host.Dimensions{Width: 4, Height: 2, Depth: 1}, 3))
	require.Equal(t, core1_0.Extent3D{Width: 2, Height: 1, Depth: 4}, mipExtent(host.Dimensions{Width: 8, Height: 4, Depth: 16}, 2))
}

func TestLayoutAccess(t *testing.T) {
	access, stage := layoutAccess(core1_0.ImageLayoutUndefined)
	require.Equal(t, core1_0.AccessFlags(0), access)
	require.Equal(t, core1_0.PipelineStageTopOfPipe, stage)

	access, stage = layoutAccess(core1_0.ImageLayoutTransferDstOptimal)
	require.Equal(t, core1_0.AccessTransferWrite, access)
	require.Equal(t, core1_0.PipelineStageTransfer, stage)

	access, _ = layoutAccess(core1_0.ImageLayoutGeneral)
	require.NotZero(t, access&core1_0.AccessTransferWrite)
	require.NotZero(t, access&core1_0.AccessTransferRead)
}

func TestForeignObjectsAreRejected(t *testing.T) {
	cmd := &commandContext{device: testDevice(nil)}

	err := cmd.CopyBuffer(nil, 0, nil, 0, 4)
	require.Error(t, err)

	destroyed := &Image{}
	destroyed.destroyed.Store(true)
	err = cmd.TransitionLayout(destroyed, core1_0.ImageAspectColor, core1_0.ImageLayoutUndefined, core1_0.ImageLayoutGeneral)
	require.Error(t, err)
}

func TestQueueFamilyIgnoredMatchesVulkan(t *testing.T) {
	// VK_QUEUE_FAMILY_IGNORED is ~0U
	family := int32(queueFamilyIgnored)
	require.Equal(t, ^uint32(0), uint32(family))
}
