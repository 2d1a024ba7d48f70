package guestres

import (
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
	"github.com/vkngwrapper/arsenal/guestres/layout"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Format describes how the guest encodes texels and which host format holds them.
// Formats are compared by value.
type Format struct {
	Name          string
	BytesPerBlock int
	BlockWidth    int
	BlockHeight   int

	// Host is the host rendering API format with the same encoding, or FormatUndefined if there is none
	Host    core1_0.Format
	Aspect  core1_0.ImageAspectFlags
	Swizzle core1_0.ComponentMapping
	// StencilFirst is set for combined depth-stencil formats that store stencil in the low bytes
	StencilFirst bool
}

var (
	FormatR8G8B8A8UnsignedNormalized = Format{
		Name:          "R8G8B8A8UnsignedNormalized",
		BytesPerBlock: 4, BlockWidth: 1, BlockHeight: 1,
		Host:   core1_0.FormatR8G8B8A8UnsignedNormalized,
		Aspect: core1_0.ImageAspectColor,
	}
	FormatB8G8R8A8UnsignedNormalized = Format{
		Name:          "B8G8R8A8UnsignedNormalized",
		BytesPerBlock: 4, BlockWidth: 1, BlockHeight: 1,
		Host:   core1_0.FormatB8G8R8A8UnsignedNormalized,
		Aspect: core1_0.ImageAspectColor,
	}
	FormatR8UnsignedNormalized = Format{
		Name:          "R8UnsignedNormalized",
		BytesPerBlock: 1, BlockWidth: 1, BlockHeight: 1,
		Host:   core1_0.FormatR8UnsignedNormalized,
		Aspect: core1_0.ImageAspectColor,
	}
	FormatR32SignedFloat = Format{
		Name:          "R32SignedFloat",
		BytesPerBlock: 4, BlockWidth: 1, BlockHeight: 1,
		Host:   core1_0.FormatR32SignedFloat,
		Aspect: core1_0.ImageAspectColor,
	}
	FormatR16G16B16A16SignedFloat = Format{
		Name:          "R16G16B16A16SignedFloat",
		BytesPerBlock: 8, BlockWidth: 1, BlockHeight: 1,
		Host:   core1_0.FormatR16G16B16A16SignedFloat,
		Aspect: core1_0.ImageAspectColor,
	}
	FormatD32SignedFloat = Format{
		Name:          "D32SignedFloat",
		BytesPerBlock: 4, BlockWidth: 1, BlockHeight: 1,
		Host:   core1_0.FormatD32SignedFloat,
		Aspect: core1_0.ImageAspectDepth,
	}
	// FormatBuffer is the format of element buffers, which are addressed in bytes
	FormatBuffer = Format{
		Name:          "Buffer",
		BytesPerBlock: 1, BlockWidth: 1, BlockHeight: 1,
	}
)

func (f Format) String() string {
	if f.Name == "" {
		return "unnamed Format"
	}
	return f.Name
}

// Valid reports whether the block parameters describe a usable encoding
func (f Format) Valid() bool {
	return f.BytesPerBlock > 0 && f.BlockWidth > 0 && f.BlockHeight > 0
}

// IsCompressed reports whether a block covers more than one texel
func (f Format) IsCompressed() bool {
	return f.BlockWidth > 1 || f.BlockHeight > 1
}

// IsCompatible reports whether texels of f can be reinterpreted as other without conversion
func (f Format) IsCompatible(other Format) bool {
	return f.BytesPerBlock == other.BytesPerBlock &&
		f.BlockWidth == other.BlockWidth &&
		f.BlockHeight == other.BlockHeight
}

// Size is the number of bytes a tightly packed surface of the provided dimensions occupies
func (f Format) Size(dims host.Dimensions) int {
	return memutils.DivideRoundingUp(dims.Width, f.BlockWidth) *
		memutils.DivideRoundingUp(max(dims.Height, 1), f.BlockHeight) *
		f.BytesPerBlock * max(dims.Depth, 1)
}

func (f Format) surface(dims host.Dimensions) layout.Surface {
	return layout.Surface{
		Width:         dims.Width,
		Height:        max(dims.Height, 1),
		Depth:         max(dims.Depth, 1),
		BytesPerBlock: f.BytesPerBlock,
		BlockWidth:    f.BlockWidth,
		BlockHeight:   f.BlockHeight,
	}
}
