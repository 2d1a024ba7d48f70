package vkhost

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// Options configures a Vulkan host device
type Options struct {
	// QueueFamilyIndex is the family of the queue transfers are submitted to. The queue family
	// must support transfer operations.
	QueueFamilyIndex int
	// QueueIndex selects the queue within the family
	QueueIndex int

	AllocationCallbacks *driver.AllocationCallbacks

	// HeapSizeLimits, if provided, caps the bytes allocated from each memory heap. A zero entry
	// leaves the heap unlimited.
	HeapSizeLimits []int
}

// Device is a host.Device backed by a Vulkan device. Every image and buffer receives a dedicated
// memory allocation. Transfers are recorded into one-shot command buffers and submitted to a
// single queue.
type Device struct {
	logger  *slog.Logger
	options Options

	device           core1_0.Device
	queue            core1_0.Queue
	commandPool      core1_0.CommandPool
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties

	heapMutex sync.Mutex
	heapUsage []int

	submitMutex sync.Mutex
	pending     []*submission

	liveObjects atomic.Int64
}

var _ host.Device = &Device{}

// New creates a Vulkan host device on top of an existing logical device
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options Options) (*Device, error) {
	memoryProperties := physicalDevice.MemoryProperties()
	if len(options.HeapSizeLimits) > 0 && len(options.HeapSizeLimits) != len(memoryProperties.MemoryHeaps) {
		return nil, errors.New("vkhost.Options.HeapSizeLimits was provided, but the length does not equal the number of PhysicalDevice heaps")
	}

	commandPool, _, err := device.CreateCommandPool(options.AllocationCallbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateTransient,
		QueueFamilyIndex: options.QueueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating transfer command pool")
	}

	return &Device{
		logger:           logger,
		options:          options,
		device:           device,
		queue:            device.GetQueue(options.QueueFamilyIndex, options.QueueIndex),
		commandPool:      commandPool,
		memoryProperties: memoryProperties,
		heapUsage:        make([]int, len(memoryProperties.MemoryHeaps)),
	}, nil
}

// LiveObjects is the number of images, buffers and views not yet destroyed
func (d *Device) LiveObjects() int {
	return int(d.liveObjects.Load())
}

// HeapUsage is the number of bytes allocated from a memory heap
func (d *Device) HeapUsage(heapIndex int) int {
	d.heapMutex.Lock()
	defer d.heapMutex.Unlock()

	return d.heapUsage[heapIndex]
}

func (d *Device) AllocateImage(info host.ImageInfo) (host.Image, error) {
	d.logger.Debug("Device::AllocateImage")

	image, _, err := d.device.CreateImage(d.options.AllocationCallbacks, core1_0.ImageCreateInfo{
		Flags:     info.Flags,
		ImageType: info.Type,
		Format:    info.Format,
		Extent: core1_0.Extent3D{
			Width:  info.Dimensions.Width,
			Height: max(info.Dimensions.Height, 1),
			Depth:  max(info.Dimensions.Depth, 1),
		},
		MipLevels:     max(info.MipLevels, 1),
		ArrayLayers:   max(info.ArrayLayers, 1),
		Samples:       info.Samples,
		Tiling:        info.Tiling,
		Usage:         info.Usage | core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating %v image", info.Format)
	}

	memory, err := d.allocateMemory(image.MemoryRequirements(), 0, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		image.Destroy(d.options.AllocationCallbacks)
		return nil, err
	}

	_, err = image.BindImageMemory(memory.memory, 0)
	if err != nil {
		image.Destroy(d.options.AllocationCallbacks)
		d.freeMemory(memory)
		return nil, errors.Wrap(err, "binding image memory")
	}

	d.liveObjects.Add(1)
	return &Image{
		device: d,
		image:  image,
		memory: memory,
		info:   info,
	}, nil
}

func (d *Device) AllocateBuffer(size int) (host.Buffer, error) {
	d.logger.Debug("Device::AllocateBuffer")

	if size <= 0 {
		return nil, errors.Newf("invalid buffer size %d", size)
	}

	buffer, _, err := d.device.CreateBuffer(d.options.AllocationCallbacks, core1_0.BufferCreateInfo{
		Size: size,
		Usage: core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst |
			core1_0.BufferUsageUniformTexelBuffer | core1_0.BufferUsageStorageBuffer,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating %d byte buffer", size)
	}

	memory, err := d.allocateMemory(
		buffer.MemoryRequirements(),
		core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent,
		core1_0.MemoryPropertyHostCached,
	)
	if err != nil {
		buffer.Destroy(d.options.AllocationCallbacks)
		return nil, err
	}

	_, err = buffer.BindBufferMemory(memory.memory, 0)
	if err == nil {
		err = memory.mapAll(size)
	}
	if err != nil {
		buffer.Destroy(d.options.AllocationCallbacks)
		d.freeMemory(memory)
		return nil, errors.Wrap(err, "binding buffer memory")
	}

	d.liveObjects.Add(1)
	return &Buffer{
		device: d,
		buffer: buffer,
		memory: memory,
		data:   memory.mapped,
	}, nil
}

func (d *Device) CreateImageView(image host.Image, info host.ViewInfo) (host.View, error) {
	img, err := unwrapImage(image)
	if err != nil {
		return nil, err
	}

	imageView, _, err := d.device.CreateImageView(d.options.AllocationCallbacks, core1_0.ImageViewCreateInfo{
		Image:            img.image,
		ViewType:         info.Type,
		Format:           info.Format,
		Components:       info.Components,
		SubresourceRange: info.Range,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating %v image view", info.Format)
	}

	d.liveObjects.Add(1)
	return &View{device: d, imageView: imageView}, nil
}

func (d *Device) CreateBufferView(buffer host.Buffer, info host.ViewInfo) (host.View, error) {
	buf, err := unwrapBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if info.Offset < 0 || info.Offset+info.Size > len(buf.data) {
		return nil, errors.Newf("buffer view [%d, %d) exceeds the %d byte buffer", info.Offset, info.Offset+info.Size, len(buf.data))
	}

	format := info.Format
	if format == core1_0.FormatUndefined {
		format = core1_0.FormatR8UnsignedNormalized
	}

	bufferView, _, err := d.device.CreateBufferView(d.options.AllocationCallbacks, core1_0.BufferViewCreateInfo{
		Buffer: buf.buffer,
		Format: format,
		Offset: info.Offset,
		Range:  info.Size,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating buffer view")
	}

	d.liveObjects.Add(1)
	return &View{device: d, bufferView: bufferView}, nil
}

func (d *Device) Submit(record func(cmd host.CommandContext) error) (fence.Fence, error) {
	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	d.reapLocked()

	commandBuffers, _, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "allocating transfer command buffer")
	}
	commandBuffer := commandBuffers[0]

	s, err := d.recordAndSubmit(commandBuffer, record)
	if err != nil {
		d.device.FreeCommandBuffers(commandBuffers)
		return nil, err
	}

	d.pending = append(d.pending, s)
	return s, nil
}

func (d *Device) recordAndSubmit(commandBuffer core1_0.CommandBuffer, record func(cmd host.CommandContext) error) (*submission, error) {
	_, err := commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "beginning transfer command buffer")
	}

	cmd := &commandContext{device: d, buffer: commandBuffer}
	err = record(cmd)
	if err == nil {
		err = cmd.hostBarrier()
	}
	if err != nil {
		_, _ = commandBuffer.End()
		return nil, err
	}

	_, err = commandBuffer.End()
	if err != nil {
		return nil, errors.Wrap(err, "ending transfer command buffer")
	}

	vkFence, _, err := d.device.CreateFence(d.options.AllocationCallbacks, core1_0.FenceCreateInfo{})
	if err != nil {
		return nil, errors.Wrap(err, "creating submission fence")
	}

	_, err = d.queue.Submit(vkFence, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{commandBuffer},
		},
	})
	if err != nil {
		vkFence.Destroy(d.options.AllocationCallbacks)
		return nil, errors.Wrap(err, "submitting transfers")
	}

	return &submission{
		device:        d,
		fence:         vkFence,
		commandBuffer: commandBuffer,
	}, nil
}

// reapLocked frees the command buffers and fences of completed submissions
func (d *Device) reapLocked() {
	kept := d.pending[:0]
	for _, s := range d.pending {
		if !s.tryRelease() {
			kept = append(kept, s)
		}
	}

	for i := len(kept); i < len(d.pending); i++ {
		d.pending[i] = nil
	}
	d.pending = kept
}

// Destroy waits for all submitted work and frees the device's command pool. Images, buffers and
// views must be destroyed by their owners first.
func (d *Device) Destroy() error {
	d.logger.Debug("Device::Destroy")

	_, err := d.device.WaitIdle()
	if err != nil {
		return errors.Wrap(err, "waiting for the device to go idle")
	}

	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	d.reapLocked()
	if len(d.pending) > 0 {
		return errors.AssertionFailedf("%d submissions are still being waited on", len(d.pending))
	}

	live := d.LiveObjects()
	if live > 0 {
		d.logger.Error("[UNRELEASED OBJECTS] host objects were not destroyed before the device", slog.Int("count", live))
	}

	d.commandPool.Destroy(d.options.AllocationCallbacks)
	return nil
}
