package devmem

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// PageTable is a minimal device MMU mapping virtual pages onto pages of an Arena. It gives tests
// and tools a Translator that produces the same fragmented span lists a real device address space does.
type PageTable struct {
	arena    *Arena
	pageSize uint64

	mutex sync.RWMutex
	pages *swiss.Map[uint64, uint64]
}

func NewPageTable(arena *Arena) *PageTable {
	return &PageTable{
		arena:    arena,
		pageSize: uint64(arena.PageSize()),
		pages:    swiss.NewMap[uint64, uint64](64),
	}
}

// Map maps size bytes of virtual address space at virtual onto physical memory at physical.
// Both addresses and the size must be page aligned.
func (p *PageTable) Map(virtual, physical uint64, size int) error {
	if virtual%p.pageSize != 0 || physical%p.pageSize != 0 || uint64(size)%p.pageSize != 0 {
		return errors.Newf("mapping 0x%x -> 0x%x of %d bytes is not page aligned", virtual, physical, size)
	}

	if !p.arena.Range().Contains(Range{Address: physical, Size: size}) {
		return errors.Wrapf(ErrOutOfBounds, "mapping target 0x%x of %d bytes", physical, size)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for offset := uint64(0); offset < uint64(size); offset += p.pageSize {
		p.pages.Put((virtual+offset)/p.pageSize, physical+offset)
	}

	return nil
}

// Unmap removes any mapping for the pages touched by the range
func (p *PageTable) Unmap(virtual uint64, size int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	first := virtual / p.pageSize
	last := (virtual + uint64(size) + p.pageSize - 1) / p.pageSize
	for page := first; page < last; page++ {
		p.pages.Delete(page)
	}
}

// Translate returns the physical spans backing a virtual range in address order, coalescing
// physically contiguous pages into a single span
func (p *PageTable) Translate(address uint64, size int) ([]Span, error) {
	if size <= 0 {
		return nil, errors.Newf("cannot translate a range of %d bytes", size)
	}

	p.mutex.RLock()
	var ranges []Range
	end := address + uint64(size)
	for current := address; current < end; {
		page := current / p.pageSize
		physicalPage, ok := p.pages.Get(page)
		if !ok {
			p.mutex.RUnlock()
			return nil, errors.Wrapf(ErrUnmapped, "address 0x%x", current)
		}

		pageEnd := (page + 1) * p.pageSize
		chunk := min(end, pageEnd) - current
		physical := physicalPage + current%p.pageSize

		if len(ranges) > 0 && ranges[len(ranges)-1].End() == physical {
			ranges[len(ranges)-1].Size += int(chunk)
		} else {
			ranges = append(ranges, Range{Address: physical, Size: int(chunk)})
		}
		current += chunk
	}
	p.mutex.RUnlock()

	spans := make([]Span, 0, len(ranges))
	for _, r := range ranges {
		span, err := p.arena.Span(r.Address, r.Size)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}

	return spans, nil
}
