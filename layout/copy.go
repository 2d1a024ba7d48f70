package layout

import (
	"github.com/cockroachdb/errors"
)

// ToLinear converts one layer of guest surface data in src into tightly packed rows in dst
func ToLinear(dst, src []byte, s Surface, t TileConfig) error {
	return convert(dst, src, s, t, true)
}

// FromLinear converts tightly packed rows in src into one layer of guest surface data in dst
func FromLinear(dst, src []byte, s Surface, t TileConfig) error {
	return convert(dst, src, s, t, false)
}

func convert(dst, src []byte, s Surface, t TileConfig, toLinear bool) error {
	guestSize, err := GuestSize(s, t)
	if err != nil {
		return err
	}

	linear, guest := dst, src
	if !toLinear {
		linear, guest = src, dst
	}

	if len(linear) < s.LinearSize() {
		return errors.Newf("linear buffer of %d bytes is smaller than the %d byte surface", len(linear), s.LinearSize())
	}
	if len(guest) < guestSize {
		return errors.Newf("guest buffer of %d bytes is smaller than the %d byte surface", len(guest), guestSize)
	}

	switch t.Mode {
	case ModeLinear:
		if toLinear {
			copy(linear[:s.LinearSize()], guest)
		} else {
			copy(guest, linear[:s.LinearSize()])
		}
	case ModePitch:
		copyPitch(linear, guest, s, t.Pitch, toLinear)
	case ModeBlock:
		newBlockGeometry(s, t).copy(linear, guest, toLinear)
	}

	return nil
}

func copyPitch(linear, guest []byte, s Surface, pitch int, toLinear bool) {
	rowBytes := s.RowBytes()
	rows := s.Rows() * s.depth()

	for row := 0; row < rows; row++ {
		linearRow := linear[row*rowBytes : (row+1)*rowBytes]
		guestRow := guest[row*pitch : row*pitch+rowBytes]
		if toLinear {
			copy(linearRow, guestRow)
		} else {
			copy(guestRow, linearRow)
		}
	}
}
