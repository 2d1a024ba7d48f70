package guestres

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/devmem"
)

// Mirror is a host-visible view of the device memory a resource occupies. A resource mapped as
// a single span is read and written in place; one spread over several spans is gathered into and
// scattered out of a temporary copy.
type Mirror struct {
	spans []devmem.Span
	size  int
}

func newMirror(spans []devmem.Span) *Mirror {
	size := 0
	for _, span := range spans {
		size += span.Size
	}

	return &Mirror{spans: spans, size: size}
}

func (m *Mirror) Size() int {
	return m.size
}

// Contiguous reports whether the mirror is backed by a single span
func (m *Mirror) Contiguous() bool {
	return len(m.spans) == 1
}

// Bytes is the device memory of a contiguous mirror, or nil
func (m *Mirror) Bytes() []byte {
	if !m.Contiguous() {
		return nil
	}
	return m.spans[0].Data
}

// Ranges are the device memory ranges covered by the mirror
func (m *Mirror) Ranges() []devmem.Range {
	ranges := make([]devmem.Range, 0, len(m.spans))
	for _, span := range m.spans {
		ranges = append(ranges, span.Range)
	}
	return ranges
}

// TrapRanges are the mirror's ranges expanded to whole pages
func (m *Mirror) TrapRanges(pageSize int) []devmem.Range {
	ranges := m.Ranges()
	for i := range ranges {
		ranges[i] = ranges[i].PageAligned(pageSize)
	}
	return ranges
}

// ReadAt copies mirror contents starting at off into p
func (m *Mirror) ReadAt(p []byte, off int64) (int, error) {
	return m.transfer(p, off, false)
}

// WriteAt copies p into the mirror starting at off
func (m *Mirror) WriteAt(p []byte, off int64) (int, error) {
	return m.transfer(p, off, true)
}

func (m *Mirror) transfer(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, errors.Newf("negative mirror offset %d", off)
	}
	if off >= int64(m.size) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	done := 0
	position := int(off)
	for _, span := range m.spans {
		if done == len(p) {
			break
		}
		if position >= span.Size {
			position -= span.Size
			continue
		}

		var n int
		if write {
			n = copy(span.Data[position:], p[done:])
		} else {
			n = copy(p[done:], span.Data[position:])
		}
		done += n
		position = 0
	}

	if done < len(p) {
		return done, io.EOF
	}
	return done, nil
}

func (m *Mirror) gather() []byte {
	out := make([]byte, m.size)
	_, _ = m.ReadAt(out, 0)
	return out
}

func (m *Mirror) scatter(data []byte) {
	_, _ = m.WriteAt(data, 0)
}
