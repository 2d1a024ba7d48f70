package softgpu

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// commandBuffer validates commands as they are recorded and defers their execution to submission
type commandBuffer struct {
	device *Device
	ops    []func()
}

var _ host.CommandContext = &commandBuffer{}

func (c *commandBuffer) transfer(dst, src []byte) {
	c.ops = append(c.ops, func() {
		n := copy(dst, src)
		c.device.copies.Add(1)
		c.device.copiedBytes.Add(uint64(n))
	})
}

func imageRegion(img *Image, region host.CopyRegion) ([]byte, error) {
	if region.MipLevel != 0 {
		return nil, errors.Newf("software images only store mip 0, got mip %d", region.MipLevel)
	}

	layerCount := max(region.LayerCount, 1)
	start := region.BaseLayer * img.info.LayerSize
	end := start + layerCount*img.info.LayerSize
	if region.BaseLayer < 0 || end > len(img.data) {
		return nil, errors.Newf("layers [%d, %d) exceed the image's %d layers", region.BaseLayer, region.BaseLayer+layerCount, img.info.ArrayLayers)
	}

	return img.data[start:end], nil
}

func bufferRange(buf *Buffer, offset, size int) ([]byte, error) {
	if offset < 0 || offset+size > len(buf.data) {
		return nil, errors.Newf("range [%d, %d) exceeds the %d byte buffer", offset, offset+size, len(buf.data))
	}
	return buf.data[offset : offset+size], nil
}

func (c *commandBuffer) unwrap(image host.Image, buffer host.Buffer) (*Image, *Buffer, error) {
	var img *Image
	var buf *Buffer

	if image != nil {
		var ok bool
		img, ok = image.(*Image)
		if !ok || img.Destroyed() {
			return nil, nil, errors.New("command references a foreign or destroyed image")
		}
	}

	if buffer != nil {
		var ok bool
		buf, ok = buffer.(*Buffer)
		if !ok || buf.Destroyed() {
			return nil, nil, errors.New("command references a foreign or destroyed buffer")
		}
	}

	return img, buf, nil
}

func (c *commandBuffer) CopyBufferToImage(src host.Buffer, dst host.Image, layout core1_0.ImageLayout, regions []host.CopyRegion) error {
	img, buf, err := c.unwrap(dst, src)
	if err != nil {
		return err
	}

	for _, region := range regions {
		texels, err := imageRegion(img, region)
		if err != nil {
			return err
		}

		data, err := bufferRange(buf, region.BufferOffset, len(texels))
		if err != nil {
			return err
		}

		c.transfer(texels, data)
	}

	return nil
}

func (c *commandBuffer) CopyImageToBuffer(src host.Image, layout core1_0.ImageLayout, dst host.Buffer, regions []host.CopyRegion) error {
	img, buf, err := c.unwrap(src, dst)
	if err != nil {
		return err
	}

	for _, region := range regions {
		texels, err := imageRegion(img, region)
		if err != nil {
			return err
		}

		data, err := bufferRange(buf, region.BufferOffset, len(texels))
		if err != nil {
			return err
		}

		c.transfer(data, texels)
	}

	return nil
}

func (c *commandBuffer) CopyImage(src host.Image, srcLayout core1_0.ImageLayout, dst host.Image, dstLayout core1_0.ImageLayout, region host.CopyRegion) error {
	srcImg, _, err := c.unwrap(src, nil)
	if err != nil {
		return err
	}
	dstImg, _, err := c.unwrap(dst, nil)
	if err != nil {
		return err
	}

	if srcImg.info.LayerSize != dstImg.info.LayerSize {
		return errors.Newf("cannot copy %d byte layers into %d byte layers", srcImg.info.LayerSize, dstImg.info.LayerSize)
	}

	from, err := imageRegion(srcImg, region)
	if err != nil {
		return err
	}
	to, err := imageRegion(dstImg, region)
	if err != nil {
		return err
	}

	c.transfer(to, from)
	return nil
}

func (c *commandBuffer) CopyBuffer(src host.Buffer, srcOffset int, dst host.Buffer, dstOffset int, size int) error {
	_, srcBuf, err := c.unwrap(nil, src)
	if err != nil {
		return err
	}
	_, dstBuf, err := c.unwrap(nil, dst)
	if err != nil {
		return err
	}

	from, err := bufferRange(srcBuf, srcOffset, size)
	if err != nil {
		return err
	}
	to, err := bufferRange(dstBuf, dstOffset, size)
	if err != nil {
		return err
	}

	c.transfer(to, from)
	return nil
}

func (c *commandBuffer) TransitionLayout(image host.Image, aspect core1_0.ImageAspectFlags, from, to core1_0.ImageLayout) error {
	_, _, err := c.unwrap(image, nil)
	return err
}
