package layout

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
)

// ErrUnsupportedTiling is returned for tile configurations that cannot be expressed in host memory
var ErrUnsupportedTiling = errors.New("unsupported tiling")

// Mode is the way a guest surface's texels are arranged in device memory
type Mode uint8

const (
	// ModeLinear stores rows tightly packed
	ModeLinear Mode = iota
	// ModePitch stores rows at a fixed byte pitch
	ModePitch
	// ModeBlock stores texels in GOBs grouped into blocks
	ModeBlock
)

var modeMapping = map[Mode]string{
	ModeLinear: "ModeLinear",
	ModePitch:  "ModePitch",
	ModeBlock:  "ModeBlock",
}

func (m Mode) String() string {
	str, ok := modeMapping[m]
	if !ok {
		return "unknown Mode"
	}

	return str
}

const (
	// GOBWidth is the width of a group of bytes in bytes
	GOBWidth = 64
	// GOBHeight is the height of a group of bytes in rows
	GOBHeight = 8
	// GOBSize is the size of a group of bytes in bytes
	GOBSize = GOBWidth * GOBHeight

	maxBlockGOBs = 32
)

// TileConfig describes how a guest surface is laid out in memory. It is comparable so it can
// take part in descriptor equality.
type TileConfig struct {
	Mode Mode
	// BlockHeight is the height of a block in GOBs for ModeBlock
	BlockHeight int
	// BlockDepth is the depth of a block in GOBs for ModeBlock
	BlockDepth int
	// Pitch is the distance in bytes between rows for ModePitch
	Pitch int
}

func Linear() TileConfig {
	return TileConfig{Mode: ModeLinear}
}

func Pitch(pitch int) TileConfig {
	return TileConfig{Mode: ModePitch, Pitch: pitch}
}

func Block(blockHeight, blockDepth int) TileConfig {
	return TileConfig{Mode: ModeBlock, BlockHeight: blockHeight, BlockDepth: blockDepth}
}

func (t TileConfig) String() string {
	switch t.Mode {
	case ModePitch:
		return fmt.Sprintf("Pitch(%d)", t.Pitch)
	case ModeBlock:
		return fmt.Sprintf("Block(%d, %d)", t.BlockHeight, t.BlockDepth)
	default:
		return t.Mode.String()
	}
}

// Surface is the shape of one layer of a guest surface in format blocks
type Surface struct {
	Width         int
	Height        int
	Depth         int
	BytesPerBlock int
	BlockWidth    int
	BlockHeight   int
}

// RowBytes is the number of bytes of texel data in one row of blocks
func (s Surface) RowBytes() int {
	return memutils.DivideRoundingUp(s.Width, s.BlockWidth) * s.BytesPerBlock
}

// Rows is the number of rows of blocks in one depth slice
func (s Surface) Rows() int {
	return memutils.DivideRoundingUp(s.Height, s.BlockHeight)
}

func (s Surface) depth() int {
	return max(s.Depth, 1)
}

// LinearSize is the size of the surface with tightly packed rows
func (s Surface) LinearSize() int {
	return s.RowBytes() * s.Rows() * s.depth()
}

func (s Surface) validate() error {
	if s.Width <= 0 || s.Height <= 0 || s.BytesPerBlock <= 0 || s.BlockWidth <= 0 || s.BlockHeight <= 0 {
		return errors.Newf("invalid surface %dx%dx%d with %d byte %dx%d blocks",
			s.Width, s.Height, s.Depth, s.BytesPerBlock, s.BlockWidth, s.BlockHeight)
	}

	return nil
}

// Validate reports whether the tile configuration can be used with the provided surface
func (t TileConfig) Validate(s Surface) error {
	err := s.validate()
	if err != nil {
		return err
	}

	switch t.Mode {
	case ModeLinear:
		return nil
	case ModePitch:
		if t.Pitch < s.RowBytes() {
			return errors.Wrapf(ErrUnsupportedTiling, "pitch %d is smaller than the %d byte row", t.Pitch, s.RowBytes())
		}
		return nil
	case ModeBlock:
		if t.BlockHeight > maxBlockGOBs || memutils.CheckPow2(t.BlockHeight, "block height") != nil {
			return errors.Wrapf(ErrUnsupportedTiling, "block height of %d GOBs", t.BlockHeight)
		}
		if t.BlockDepth > maxBlockGOBs || memutils.CheckPow2(t.BlockDepth, "block depth") != nil {
			return errors.Wrapf(ErrUnsupportedTiling, "block depth of %d GOBs", t.BlockDepth)
		}
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedTiling, "mode %s", t.Mode)
	}
}

// GuestSize is the number of bytes one layer of the surface occupies in device memory
func GuestSize(s Surface, t TileConfig) (int, error) {
	err := t.Validate(s)
	if err != nil {
		return 0, err
	}

	switch t.Mode {
	case ModePitch:
		return t.Pitch * s.Rows() * s.depth(), nil
	case ModeBlock:
		return newBlockGeometry(s, t).size(), nil
	default:
		return s.LinearSize(), nil
	}
}
