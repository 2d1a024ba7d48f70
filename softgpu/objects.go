package softgpu

import (
	"sync/atomic"

	"github.com/vkngwrapper/arsenal/guestres/host"
)

// Image is a software image. Its texels are stored as tightly packed layers of mip 0.
type Image struct {
	device    *Device
	info      host.ImageInfo
	data      []byte
	mappable  bool
	destroyed atomic.Bool
}

func (i *Image) Mapped() []byte {
	if !i.mappable {
		return nil
	}
	return i.data
}

// Contents returns the image's texels regardless of whether the image is mappable
func (i *Image) Contents() []byte {
	return i.data
}

func (i *Image) Info() host.ImageInfo {
	return i.info
}

func (i *Image) Destroyed() bool {
	return i.destroyed.Load()
}

func (i *Image) Destroy() {
	if i.destroyed.Swap(true) {
		panic("attempted to destroy an image twice")
	}
	i.device.unreserve(len(i.data))
}

// Buffer is a software buffer
type Buffer struct {
	device    *Device
	data      []byte
	destroyed atomic.Bool
}

func (b *Buffer) Data() []byte {
	return b.data
}

func (b *Buffer) Destroyed() bool {
	return b.destroyed.Load()
}

func (b *Buffer) Destroy() {
	if b.destroyed.Swap(true) {
		panic("attempted to destroy a buffer twice")
	}
	b.device.unreserve(len(b.data))
}

// View is a software image or buffer view
type View struct {
	device    *Device
	image     *Image
	buffer    *Buffer
	info      host.ViewInfo
	destroyed atomic.Bool
}

// Image is the image the view was created from, or nil for buffer views
func (v *View) Image() *Image {
	return v.image
}

// Buffer is the buffer the view was created from, or nil for image views
func (v *View) Buffer() *Buffer {
	return v.buffer
}

func (v *View) Info() host.ViewInfo {
	return v.info
}

func (v *View) Destroyed() bool {
	return v.destroyed.Load()
}

func (v *View) Destroy() {
	if v.destroyed.Swap(true) {
		panic("attempted to destroy a view twice")
	}
	v.device.liveObjects.Add(-1)
}
