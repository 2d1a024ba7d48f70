package vkhost

import (
	"sync/atomic"

	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Image is a device-local Vulkan image with its own memory allocation
type Image struct {
	device    *Device
	image     core1_0.Image
	memory    *dedicatedMemory
	info      host.ImageInfo
	destroyed atomic.Bool
}

var _ host.Image = &Image{}

// Mapped always returns nil: the row pitch of linear Vulkan images is driver-defined, so texels
// always travel through a staging buffer
func (i *Image) Mapped() []byte {
	return nil
}

// Handle is the underlying Vulkan image
func (i *Image) Handle() core1_0.Image {
	return i.image
}

func (i *Image) Info() host.ImageInfo {
	return i.info
}

func (i *Image) Destroy() {
	if i.destroyed.Swap(true) {
		panic("attempted to destroy an image twice")
	}

	i.device.logger.Debug("Image::Destroy")
	i.image.Destroy(i.device.options.AllocationCallbacks)
	i.device.freeMemory(i.memory)
	i.device.liveObjects.Add(-1)
}

// Buffer is a host-visible, coherent, persistently mapped Vulkan buffer
type Buffer struct {
	device    *Device
	buffer    core1_0.Buffer
	memory    *dedicatedMemory
	data      []byte
	destroyed atomic.Bool
}

var _ host.Buffer = &Buffer{}

func (b *Buffer) Data() []byte {
	return b.data
}

// Handle is the underlying Vulkan buffer
func (b *Buffer) Handle() core1_0.Buffer {
	return b.buffer
}

func (b *Buffer) Destroy() {
	if b.destroyed.Swap(true) {
		panic("attempted to destroy a buffer twice")
	}

	b.device.logger.Debug("Buffer::Destroy")
	b.buffer.Destroy(b.device.options.AllocationCallbacks)
	b.device.freeMemory(b.memory)
	b.data = nil
	b.device.liveObjects.Add(-1)
}

// View is a Vulkan image view or buffer view
type View struct {
	device     *Device
	imageView  core1_0.ImageView
	bufferView core1_0.BufferView
	destroyed  atomic.Bool
}

var _ host.View = &View{}

// ImageView is the underlying image view, or nil for buffer views
func (v *View) ImageView() core1_0.ImageView {
	return v.imageView
}

// BufferView is the underlying buffer view, or nil for image views
func (v *View) BufferView() core1_0.BufferView {
	return v.bufferView
}

func (v *View) Destroy() {
	if v.destroyed.Swap(true) {
		panic("attempted to destroy a view twice")
	}

	if v.imageView != nil {
		v.imageView.Destroy(v.device.options.AllocationCallbacks)
	}
	if v.bufferView != nil {
		v.bufferView.Destroy(v.device.options.AllocationCallbacks)
	}
	v.device.liveObjects.Add(-1)
}
