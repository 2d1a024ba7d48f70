package host

import (
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Dimensions is the extent of an image in texels, or of a buffer in bytes along Width
type Dimensions struct {
	Width  int
	Height int
	Depth  int
}

// Image is a host rendering API image
type Image interface {
	// Mapped returns host memory aliasing the image's texels in tightly packed layer order, or nil
	// when the image is not host-visible with a linear layout and must be copied through a buffer
	Mapped() []byte
	Destroy()
}

// Buffer is a persistently mapped host rendering API buffer
type Buffer interface {
	Data() []byte
	Destroy()
}

// View is a host rendering API view of an image or buffer
type View interface {
	Destroy()
}

// ImageInfo describes an image to allocate
type ImageInfo struct {
	Format      core1_0.Format
	Type        core1_0.ImageType
	Dimensions  Dimensions
	MipLevels   int
	ArrayLayers int
	Samples     core1_0.SampleCountFlags
	Tiling      core1_0.ImageTiling
	Usage       core1_0.ImageUsageFlags
	Flags       core1_0.ImageCreateFlags
	// LayerSize is the number of bytes one tightly packed layer of mip 0 occupies
	LayerSize int
}

// ViewInfo describes an image or buffer view to create
type ViewInfo struct {
	Type       core1_0.ImageViewType
	Format     core1_0.Format
	Components core1_0.ComponentMapping
	Range      core1_0.ImageSubresourceRange
	// Offset and Size select the range of a buffer view
	Offset int
	Size   int
}

// CopyRegion is one image region transferred to or from a buffer
type CopyRegion struct {
	BufferOffset int
	Aspect       core1_0.ImageAspectFlags
	MipLevel     int
	BaseLayer    int
	LayerCount   int
	Extent       Dimensions
}

// CommandContext records transfer work into a caller-owned command buffer
type CommandContext interface {
	CopyBufferToImage(src Buffer, dst Image, layout core1_0.ImageLayout, regions []CopyRegion) error
	CopyImageToBuffer(src Image, layout core1_0.ImageLayout, dst Buffer, regions []CopyRegion) error
	CopyImage(src Image, srcLayout core1_0.ImageLayout, dst Image, dstLayout core1_0.ImageLayout, region CopyRegion) error
	CopyBuffer(src Buffer, srcOffset int, dst Buffer, dstOffset int, size int) error
	TransitionLayout(image Image, aspect core1_0.ImageAspectFlags, from, to core1_0.ImageLayout) error
}

// Device is the host rendering API surface resources are built on
type Device interface {
	AllocateImage(info ImageInfo) (Image, error)
	// AllocateBuffer allocates a host-visible, persistently mapped buffer
	AllocateBuffer(size int) (Buffer, error)
	CreateImageView(image Image, info ViewInfo) (View, error)
	CreateBufferView(buffer Buffer, info ViewInfo) (View, error)
	// Submit records work through the callback and submits it, returning the fence signaled when it completes
	Submit(record func(cmd CommandContext) error) (fence.Fence, error)
}
