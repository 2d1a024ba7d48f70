package staging

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
)

type block struct {
	buffer host.Buffer
	size   int

	// live holds allocations in the order they were made; the first is the ring's head
	live []*Allocation
}

func (b *block) tryAllocate(size int, alignment int) (int, bool) {
	if len(b.live) == 0 {
		return 0, size <= b.size
	}

	head := b.live[0].offset
	last := b.live[len(b.live)-1]
	tail := last.offset + last.size
	offset := memutils.AlignUp(tail, alignment)

	if last.offset < head {
		// Already wrapped: the free space is between the tail and the head
		return offset, offset+size <= head
	}

	if offset+size <= b.size {
		return offset, true
	}

	// Wrap around to the start of the block
	return 0, size <= head
}

func (b *block) commit(offset int, size int) *Allocation {
	alloc := &Allocation{
		block:  b,
		buffer: b.buffer,
		offset: offset,
		size:   size,
	}
	b.live = append(b.live, alloc)
	return alloc
}

func (b *block) release() {
	popped := 0
	for popped < len(b.live) && b.live[popped].freed {
		popped++
	}

	clear(b.live[:popped])
	b.live = b.live[popped:]
}

func (b *block) validate() error {
	if len(b.live) == 0 {
		return nil
	}

	wrapped := false
	for i, alloc := range b.live {
		if alloc.offset < 0 || alloc.offset+alloc.size > b.size {
			return errors.Errorf("allocation %d at offset %d with size %d extends past the end of the %d byte block", i, alloc.offset, alloc.size, b.size)
		}

		if i == 0 {
			continue
		}

		prev := b.live[i-1]
		if alloc.offset < prev.offset {
			if wrapped {
				return errors.Errorf("allocation %d at offset %d wraps the ring a second time", i, alloc.offset)
			}
			wrapped = true
			continue
		}

		if alloc.offset < prev.offset+prev.size {
			return errors.Errorf("allocation %d at offset %d collides with the previous allocation ending at %d", i, alloc.offset, prev.offset+prev.size)
		}
	}

	if wrapped {
		last := b.live[len(b.live)-1]
		if last.offset+last.size > b.live[0].offset {
			return errors.Errorf("wrapped tail ending at %d overruns the head at %d", last.offset+last.size, b.live[0].offset)
		}
	}

	return nil
}
