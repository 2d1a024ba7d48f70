package softgpu

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// ErrOutOfMemory is returned once the device's memory budget is exhausted
var ErrOutOfMemory = errors.New("software device out of memory")

// Options configures a software device
type Options struct {
	// MappableImages makes linear-tiled images host-visible, so resources can skip staging copies
	MappableImages bool
	// CompletionDelay, if nonzero, executes submitted work on a separate goroutine after the delay,
	// the way a real queue completes work asynchronously
	CompletionDelay time.Duration
	// MemoryBudget, if nonzero, limits the bytes of live images and buffers
	MemoryBudget int
}

// Device is a host.Device that keeps images and buffers in ordinary host memory and executes
// transfer commands on the CPU. It counts every transfer so callers can observe redundant copies.
type Device struct {
	logger  *slog.Logger
	options Options

	submitMutex sync.Mutex
	memoryUsed  atomic.Int64

	orderMutex sync.Mutex
	lastDone   chan struct{}

	copies      atomic.Uint64
	copiedBytes atomic.Uint64
	submissions atomic.Uint64
	liveObjects atomic.Int64
}

var _ host.Device = &Device{}

func New(logger *slog.Logger, options Options) *Device {
	return &Device{
		logger:  logger,
		options: options,
	}
}

// CopyCount is the number of transfer commands executed
func (d *Device) CopyCount() uint64 {
	return d.copies.Load()
}

// CopiedBytes is the number of bytes moved by transfer commands
func (d *Device) CopiedBytes() uint64 {
	return d.copiedBytes.Load()
}

// SubmissionCount is the number of submissions made
func (d *Device) SubmissionCount() uint64 {
	return d.submissions.Load()
}

// LiveObjects is the number of images, buffers and views not yet destroyed
func (d *Device) LiveObjects() int {
	return int(d.liveObjects.Load())
}

func (d *Device) reserve(size int) error {
	used := d.memoryUsed.Add(int64(size))
	if d.options.MemoryBudget > 0 && used > int64(d.options.MemoryBudget) {
		d.memoryUsed.Add(-int64(size))
		return errors.Wrapf(ErrOutOfMemory, "allocating %d bytes with %d in use", size, used-int64(size))
	}

	d.liveObjects.Add(1)
	return nil
}

func (d *Device) unreserve(size int) {
	d.memoryUsed.Add(-int64(size))
	d.liveObjects.Add(-1)
}

func (d *Device) AllocateImage(info host.ImageInfo) (host.Image, error) {
	if info.LayerSize <= 0 || info.ArrayLayers <= 0 {
		return nil, errors.Newf("invalid image with %d layers of %d bytes", info.ArrayLayers, info.LayerSize)
	}
	if info.Format == core1_0.FormatUndefined {
		return nil, errors.New("cannot allocate an image with an undefined format")
	}

	size := info.LayerSize * info.ArrayLayers
	err := d.reserve(size)
	if err != nil {
		return nil, err
	}

	return &Image{
		device:   d,
		info:     info,
		data:     make([]byte, size),
		mappable: d.options.MappableImages && info.Tiling == core1_0.ImageTilingLinear,
	}, nil
}

func (d *Device) AllocateBuffer(size int) (host.Buffer, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid buffer size %d", size)
	}

	err := d.reserve(size)
	if err != nil {
		return nil, err
	}

	return &Buffer{device: d, data: make([]byte, size)}, nil
}

func (d *Device) CreateImageView(image host.Image, info host.ViewInfo) (host.View, error) {
	img, ok := image.(*Image)
	if !ok || img.destroyed.Load() {
		return nil, errors.New("cannot create a view of a foreign or destroyed image")
	}

	d.liveObjects.Add(1)
	return &View{device: d, image: img, info: info}, nil
}

func (d *Device) CreateBufferView(buffer host.Buffer, info host.ViewInfo) (host.View, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf.destroyed.Load() {
		return nil, errors.New("cannot create a view of a foreign or destroyed buffer")
	}
	if info.Offset < 0 || info.Offset+info.Size > len(buf.data) {
		return nil, errors.Newf("buffer view [%d, %d) exceeds the %d byte buffer", info.Offset, info.Offset+info.Size, len(buf.data))
	}

	d.liveObjects.Add(1)
	return &View{device: d, buffer: buf, info: info}, nil
}

func (d *Device) Submit(record func(cmd host.CommandContext) error) (fence.Fence, error) {
	cmd := &commandBuffer{device: d}
	err := record(cmd)
	if err != nil {
		return nil, err
	}

	d.submissions.Add(1)
	f := fence.NewManual()

	if d.options.CompletionDelay <= 0 {
		d.execute(cmd)
		f.Signal()
		return f, nil
	}

	d.orderMutex.Lock()
	previous := d.lastDone
	done := make(chan struct{})
	d.lastDone = done
	d.orderMutex.Unlock()

	// Submissions complete in the order they were made, like a single queue
	go func() {
		if previous != nil {
			<-previous
		}
		time.Sleep(d.options.CompletionDelay)
		d.execute(cmd)
		f.Signal()
		close(done)
	}()

	return f, nil
}

func (d *Device) execute(cmd *commandBuffer) {
	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	for _, op := range cmd.ops {
		op()
	}
}
