package staging

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
	"github.com/vkngwrapper/arsenal/guestres/internal/utils"
	"golang.org/x/exp/slog"
)

// BufferAllocator supplies the host buffers that staging blocks are carved from
type BufferAllocator interface {
	AllocateBuffer(size int) (host.Buffer, error)
}

// Allocation is a range of a staging buffer handed out by a Ring
type Allocation struct {
	block  *block
	buffer host.Buffer
	offset int
	size   int
	freed  bool
}

func (a *Allocation) Buffer() host.Buffer {
	return a.buffer
}

func (a *Allocation) Offset() int {
	return a.offset
}

func (a *Allocation) Size() int {
	return a.size
}

// Data is the host memory of the allocation
func (a *Allocation) Data() []byte {
	return a.buffer.Data()[a.offset : a.offset+a.size]
}

// Ring suballocates staging memory from persistently mapped host buffers. Allocations in a block
// are made in FIFO order and released from the front, so a block behaves as a ring buffer: freeing
// the oldest allocation reclaims its space, while freeing a younger one only marks it. Staging copies
// are released when the cycle that consumed them signals, which matches that order in the common case.
type Ring struct {
	logger    *slog.Logger
	allocator BufferAllocator
	blockSize int

	mutex          utils.OptionalMutex
	blocks         []*block
	dedicatedCount int
	dedicatedBytes int
}

// New creates a Ring that allocates blocks of blockSize bytes. Requests larger than a block
// receive a dedicated buffer. A blockSize of zero makes every allocation dedicated.
func New(logger *slog.Logger, allocator BufferAllocator, blockSize int, useMutex bool) (*Ring, error) {
	if blockSize < 0 {
		return nil, errors.Newf("staging block size must not be negative, got %d", blockSize)
	}

	return &Ring{
		logger:    logger,
		allocator: allocator,
		blockSize: blockSize,
		mutex:     utils.OptionalMutex{UseMutex: useMutex},
	}, nil
}

// Allocate reserves size bytes aligned to alignment, which must be a power of two
func (r *Ring) Allocate(size int, alignment int) (*Allocation, error) {
	if size <= 0 {
		return nil, errors.Newf("staging allocation size must be positive, got %d", size)
	}
	err := memutils.CheckPow2(alignment, "staging alignment")
	if err != nil {
		return nil, err
	}

	if r.blockSize == 0 || size > r.blockSize {
		return r.allocateDedicated(size)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, b := range r.blocks {
		offset, ok := b.tryAllocate(size, alignment)
		if ok {
			return b.commit(offset, size), nil
		}
	}

	buffer, err := r.allocator.AllocateBuffer(r.blockSize)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate a %d byte staging block", r.blockSize)
	}

	b := &block{buffer: buffer, size: r.blockSize}
	r.blocks = append(r.blocks, b)
	r.logger.Debug("Ring::Allocate new block", slog.Int("blocks", len(r.blocks)), slog.Int("size", r.blockSize))

	return b.commit(0, size), nil
}

func (r *Ring) allocateDedicated(size int) (*Allocation, error) {
	buffer, err := r.allocator.AllocateBuffer(size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate a %d byte dedicated staging buffer", size)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.dedicatedCount++
	r.dedicatedBytes += size

	return &Allocation{buffer: buffer, size: size}, nil
}

// Free releases an allocation. Freeing an allocation twice panics.
func (r *Ring) Free(alloc *Allocation) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if alloc.freed {
		panic("attempted to free a staging allocation that was already freed")
	}
	alloc.freed = true

	if alloc.block == nil {
		r.dedicatedCount--
		r.dedicatedBytes -= alloc.size
		alloc.buffer.Destroy()
		return
	}

	alloc.block.release()
}

// Trim destroys every empty block except the first
func (r *Ring) Trim() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	kept := r.blocks[:0]
	trimmed := 0
	for i, b := range r.blocks {
		if i > 0 && len(b.live) == 0 {
			b.buffer.Destroy()
			trimmed++
			continue
		}
		kept = append(kept, b)
	}
	clear(r.blocks[len(kept):])
	r.blocks = kept

	return trimmed
}

func (r *Ring) AddStatistics(stats *memutils.DetailedStatistics) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, b := range r.blocks {
		stats.BlockCount++
		stats.BlockBytes += b.size

		for _, alloc := range b.live {
			if !alloc.freed {
				stats.AddAllocation(alloc.size)
			}
		}
	}

	if r.dedicatedCount > 0 {
		stats.BlockCount += r.dedicatedCount
		stats.BlockBytes += r.dedicatedBytes
		stats.AllocationCount += r.dedicatedCount
		stats.AllocationBytes += r.dedicatedBytes
	}
}

func (r *Ring) Validate() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for blockIndex, b := range r.blocks {
		err := b.validate()
		if err != nil {
			return errors.Wrapf(err, "staging block %d", blockIndex)
		}
	}

	return nil
}

// Destroy frees every block. Allocations still live are logged as leaks.
func (r *Ring) Destroy() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for blockIndex, b := range r.blocks {
		for _, alloc := range b.live {
			if alloc.freed {
				continue
			}

			r.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED STAGING MEMORY]",
				slog.Int("block", blockIndex),
				slog.Int("offset", alloc.offset),
				slog.Int("size", alloc.size),
			)
		}
		b.buffer.Destroy()
	}

	if r.dedicatedCount > 0 {
		r.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED STAGING MEMORY] dedicated buffers",
			slog.Int("count", r.dedicatedCount),
			slog.Int("bytes", r.dedicatedBytes),
		)
	}

	r.blocks = nil
}
