package devmem

import (
	"fmt"

	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
)

// Range is a contiguous range of device physical memory
type Range struct {
	Address uint64
	Size    int
}

func (r Range) End() uint64 {
	return r.Address + uint64(r.Size)
}

func (r Range) Empty() bool {
	return r.Size <= 0
}

func (r Range) Overlaps(other Range) bool {
	return r.Address < other.End() && other.Address < r.End()
}

func (r Range) Contains(other Range) bool {
	return other.Address >= r.Address && other.End() <= r.End()
}

// Intersect returns the part of r covered by other
func (r Range) Intersect(other Range) (Range, bool) {
	start := max(r.Address, other.Address)
	end := min(r.End(), other.End())
	if end <= start {
		return Range{}, false
	}

	return Range{Address: start, Size: int(end - start)}, true
}

// PageAligned expands the range outward to page boundaries
func (r Range) PageAligned(pageSize int) Range {
	start := memutils.AlignDown(r.Address, uint64(pageSize))
	end := memutils.AlignUp(r.End(), uint64(pageSize))
	return Range{Address: start, Size: int(end - start)}
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Address, r.End())
}

// Span is a host-visible view of one contiguous Range of device memory. Writes to Data are
// writes to device memory.
type Span struct {
	Range
	Data []byte
}
