package vkhost

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// queueFamilyIgnored converts to VK_QUEUE_FAMILY_IGNORED in a barrier's queue family fields
const queueFamilyIgnored = -1

// commandContext records host transfers into one primary command buffer
type commandContext struct {
	device *Device
	buffer core1_0.CommandBuffer
}

var _ host.CommandContext = &commandContext{}

func unwrapImage(image host.Image) (*Image, error) {
	img, ok := image.(*Image)
	if !ok || img.destroyed.Load() {
		return nil, errors.New("command references a foreign or destroyed image")
	}
	return img, nil
}

func unwrapBuffer(buffer host.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf.destroyed.Load() {
		return nil, errors.New("command references a foreign or destroyed buffer")
	}
	return buf, nil
}

func mipExtent(dimensions host.Dimensions, mipLevel int) core1_0.Extent3D {
	return core1_0.Extent3D{
		Width:  max(dimensions.Width>>mipLevel, 1),
		Height: max(dimensions.Height>>mipLevel, 1),
		Depth:  max(dimensions.Depth>>mipLevel, 1),
	}
}

func subresourceLayers(region host.CopyRegion) core1_0.ImageSubresourceLayers {
	aspect := region.Aspect
	if aspect == 0 {
		aspect = core1_0.ImageAspectColor
	}

	return core1_0.ImageSubresourceLayers{
		AspectMask:     aspect,
		MipLevel:       region.MipLevel,
		BaseArrayLayer: region.BaseLayer,
		LayerCount:     max(region.LayerCount, 1),
	}
}

func regionExtent(info host.ImageInfo, region host.CopyRegion) core1_0.Extent3D {
	if region.Extent.Width == 0 {
		return mipExtent(info.Dimensions, region.MipLevel)
	}

	return core1_0.Extent3D{
		Width:  region.Extent.Width,
		Height: max(region.Extent.Height, 1),
		Depth:  max(region.Extent.Depth, 1),
	}
}

// bufferImageCopies converts copy regions against tightly packed buffer data. A region with a zero
// extent covers the whole mip level.
func bufferImageCopies(info host.ImageInfo, regions []host.CopyRegion) []core1_0.BufferImageCopy {
	copies := make([]core1_0.BufferImageCopy, 0, len(regions))
	for _, region := range regions {
		copies = append(copies, core1_0.BufferImageCopy{
			BufferOffset:     region.BufferOffset,
			ImageSubresource: subresourceLayers(region),
			ImageExtent:      regionExtent(info, region),
		})
	}
	return copies
}

// layoutAccess is the access mask and pipeline stage that produce or consume an image in a layout
func layoutAccess(layout core1_0.ImageLayout) (core1_0.AccessFlags, core1_0.PipelineStageFlags) {
	switch layout {
	case core1_0.ImageLayoutUndefined:
		return 0, core1_0.PipelineStageTopOfPipe
	case core1_0.ImageLayoutTransferSrcOptimal:
		return core1_0.AccessTransferRead, core1_0.PipelineStageTransfer
	case core1_0.ImageLayoutTransferDstOptimal:
		return core1_0.AccessTransferWrite, core1_0.PipelineStageTransfer
	case core1_0.ImageLayoutShaderReadOnlyOptimal:
		return core1_0.AccessShaderRead, core1_0.PipelineStageFragmentShader
	default:
		return core1_0.AccessTransferRead | core1_0.AccessTransferWrite, core1_0.PipelineStageTransfer | core1_0.PipelineStageFragmentShader
	}
}

// transferBarrier orders a transfer against every transfer recorded after it
func (c *commandContext) transferBarrier() error {
	return c.buffer.CmdPipelineBarrier(
		core1_0.PipelineStageTransfer,
		core1_0.PipelineStageTransfer,
		0,
		[]core1_0.MemoryBarrier{
			{
				SrcAccessMask: core1_0.AccessTransferWrite,
				DstAccessMask: core1_0.AccessTransferRead | core1_0.AccessTransferWrite,
			},
		},
		nil,
		nil,
	)
}

// hostBarrier makes transfer writes visible to host reads once the submission's fence signals
func (c *commandContext) hostBarrier() error {
	return c.buffer.CmdPipelineBarrier(
		core1_0.PipelineStageTransfer,
		core1_0.PipelineStageHost,
		0,
		[]core1_0.MemoryBarrier{
			{
				SrcAccessMask: core1_0.AccessTransferWrite,
				DstAccessMask: core1_0.AccessHostRead,
			},
		},
		nil,
		nil,
	)
}

func (c *commandContext) CopyBufferToImage(src host.Buffer, dst host.Image, layout core1_0.ImageLayout, regions []host.CopyRegion) error {
	buf, err := unwrapBuffer(src)
	if err != nil {
		return err
	}
	img, err := unwrapImage(dst)
	if err != nil {
		return err
	}

	err = c.buffer.CmdCopyBufferToImage(buf.buffer, img.image, layout, bufferImageCopies(img.info, regions))
	if err != nil {
		return errors.Wrap(err, "recording buffer to image copy")
	}
	return c.transferBarrier()
}

func (c *commandContext) CopyImageToBuffer(src host.Image, layout core1_0.ImageLayout, dst host.Buffer, regions []host.CopyRegion) error {
	img, err := unwrapImage(src)
	if err != nil {
		return err
	}
	buf, err := unwrapBuffer(dst)
	if err != nil {
		return err
	}

	err = c.buffer.CmdCopyImageToBuffer(img.image, layout, buf.buffer, bufferImageCopies(img.info, regions))
	if err != nil {
		return errors.Wrap(err, "recording image to buffer copy")
	}
	return c.transferBarrier()
}

func (c *commandContext) CopyImage(src host.Image, srcLayout core1_0.ImageLayout, dst host.Image, dstLayout core1_0.ImageLayout, region host.CopyRegion) error {
	srcImg, err := unwrapImage(src)
	if err != nil {
		return err
	}
	dstImg, err := unwrapImage(dst)
	if err != nil {
		return err
	}

	subresource := subresourceLayers(region)
	err = c.buffer.CmdCopyImage(srcImg.image, srcLayout, dstImg.image, dstLayout, []core1_0.ImageCopy{
		{
			SrcSubresource: subresource,
			DstSubresource: subresource,
			Extent:         regionExtent(srcImg.info, region),
		},
	})
	if err != nil {
		return errors.Wrap(err, "recording image copy")
	}
	return c.transferBarrier()
}

func (c *commandContext) CopyBuffer(src host.Buffer, srcOffset int, dst host.Buffer, dstOffset int, size int) error {
	srcBuf, err := unwrapBuffer(src)
	if err != nil {
		return err
	}
	dstBuf, err := unwrapBuffer(dst)
	if err != nil {
		return err
	}

	err = c.buffer.CmdCopyBuffer(srcBuf.buffer, dstBuf.buffer, []core1_0.BufferCopy{
		{
			SrcOffset: srcOffset,
			DstOffset: dstOffset,
			Size:      size,
		},
	})
	if err != nil {
		return errors.Wrap(err, "recording buffer copy")
	}
	return c.transferBarrier()
}

func (c *commandContext) TransitionLayout(image host.Image, aspect core1_0.ImageAspectFlags, from, to core1_0.ImageLayout) error {
	img, err := unwrapImage(image)
	if err != nil {
		return err
	}

	srcAccess, srcStage := layoutAccess(from)
	dstAccess, dstStage := layoutAccess(to)

	return c.buffer.CmdPipelineBarrier(srcStage, dstStage, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			SrcAccessMask:       srcAccess,
			DstAccessMask:       dstAccess,
			OldLayout:           from,
			NewLayout:           to,
			SrcQueueFamilyIndex: queueFamilyIgnored,
			DstQueueFamilyIndex: queueFamilyIgnored,
			Image:               img.image,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     aspect,
				BaseMipLevel:   0,
				LevelCount:     img.info.MipLevels,
				BaseArrayLayer: 0,
				LayerCount:     img.info.ArrayLayers,
			},
		},
	})
}
