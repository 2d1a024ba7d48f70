package guestres

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/devmem"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"github.com/vkngwrapper/arsenal/guestres/layout"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ResourceType is the shape of a guest resource
type ResourceType uint8

const (
	ResourceType1D ResourceType = iota
	ResourceType2D
	ResourceType3D
	ResourceTypeCube
	ResourceType1DArray
	ResourceType2DArray
	ResourceTypeCubeArray
	ResourceTypeBuffer
)

var resourceTypeMapping = map[ResourceType]string{
	ResourceType1D:        "ResourceType1D",
	ResourceType2D:        "ResourceType2D",
	ResourceType3D:        "ResourceType3D",
	ResourceTypeCube:      "ResourceTypeCube",
	ResourceType1DArray:   "ResourceType1DArray",
	ResourceType2DArray:   "ResourceType2DArray",
	ResourceTypeCubeArray: "ResourceTypeCubeArray",
	ResourceTypeBuffer:    "ResourceTypeBuffer",
}

func (t ResourceType) String() string {
	str, ok := resourceTypeMapping[t]
	if !ok {
		return "unknown ResourceType"
	}

	return str
}

func (t ResourceType) isCube() bool {
	return t == ResourceTypeCube || t == ResourceTypeCubeArray
}

func (t ResourceType) imageType() core1_0.ImageType {
	switch t {
	case ResourceType1D, ResourceType1DArray:
		return core1_0.ImageType1D
	case ResourceType3D:
		return core1_0.ImageType3D
	default:
		return core1_0.ImageType2D
	}
}

func (t ResourceType) viewType() core1_0.ImageViewType {
	switch t {
	case ResourceType1D:
		return core1_0.ImageViewType1D
	case ResourceType1DArray:
		return core1_0.ImageViewType1DArray
	case ResourceType3D:
		return core1_0.ImageViewType3D
	case ResourceTypeCube:
		return core1_0.ImageViewTypeCube
	case ResourceTypeCubeArray:
		return core1_0.ImageViewTypeCubeArray
	case ResourceType2DArray:
		return core1_0.ImageViewType2DArray
	default:
		return core1_0.ImageViewType2D
	}
}

// Descriptor identifies a guest resource: where its memory is, how it is laid out and
// how it should be interpreted. Descriptors are values; two descriptors with equal fields
// name the same resource.
type Descriptor struct {
	// Mappings are the host-visible spans of device memory backing the resource, in guest order
	Mappings   []devmem.Span
	Dimensions host.Dimensions
	Format     Format
	Tiling     layout.TileConfig
	Type       ResourceType

	BaseArrayLayer int
	LayerCount     int
	// LayerStride is the distance in bytes between layers in device memory. Zero means layers are
	// packed at their guest size.
	LayerStride int

	Swizzle core1_0.ComponentMapping
}

// Size is the number of bytes of device memory covered by the mappings
func (d *Descriptor) Size() int {
	size := 0
	for _, mapping := range d.Mappings {
		size += mapping.Size
	}
	return size
}

func (d *Descriptor) layerCount() int {
	return max(d.LayerCount, 1)
}

func (d *Descriptor) surface() layout.Surface {
	return d.Format.surface(d.Dimensions)
}

// GuestLayerSize is the number of bytes one layer occupies in device memory
func (d *Descriptor) GuestLayerSize() (int, error) {
	return layout.GuestSize(d.surface(), d.Tiling)
}

// LayerSize is the distance between layers in device memory
func (d *Descriptor) LayerSize() (int, error) {
	size, err := d.GuestLayerSize()
	if err != nil {
		return 0, err
	}
	if d.LayerStride != 0 {
		return d.LayerStride, nil
	}
	return size, nil
}

// HostLayerSize is the number of bytes one layer occupies when tightly packed
func (d *Descriptor) HostLayerSize() int {
	return d.Format.Size(d.Dimensions)
}

// Validate reports whether the descriptor can be realized as a host resource
func (d *Descriptor) Validate() error {
	if !d.Format.Valid() {
		return errors.Wrapf(ErrInvalidDescriptor, "format %s has no block size", d.Format)
	}
	if d.Dimensions.Width <= 0 || d.Dimensions.Height < 0 || d.Dimensions.Depth < 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "dimensions %dx%dx%d", d.Dimensions.Width, d.Dimensions.Height, d.Dimensions.Depth)
	}
	if d.LayerCount < 0 || d.BaseArrayLayer < 0 || d.LayerStride < 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "layers [%d, +%d) with stride %d", d.BaseArrayLayer, d.LayerCount, d.LayerStride)
	}
	if len(d.Mappings) == 0 {
		return errors.Wrap(ErrInvalidDescriptor, "no mappings")
	}
	for _, mapping := range d.Mappings {
		if mapping.Empty() || len(mapping.Data) != mapping.Size {
			return errors.Wrapf(ErrInvalidDescriptor, "mapping %s has %d bytes of host memory", mapping.Range, len(mapping.Data))
		}
	}

	if d.Type == ResourceTypeBuffer {
		if d.Tiling.Mode != layout.ModeLinear {
			return errors.Wrapf(ErrTranslationUnsupported, "buffer with %s tiling", d.Tiling)
		}
	} else if d.Format.Host == core1_0.FormatUndefined {
		return errors.Wrapf(ErrTranslationUnsupported, "format %s has no host equivalent", d.Format)
	}
	if d.Type.isCube() && d.layerCount()%6 != 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "cube resource with %d layers", d.layerCount())
	}

	guestLayerSize, err := d.GuestLayerSize()
	if err != nil {
		if errors.Is(err, layout.ErrUnsupportedTiling) {
			return errors.Mark(err, ErrTranslationUnsupported)
		}
		return errors.Mark(err, ErrInvalidDescriptor)
	}

	stride, _ := d.LayerSize()
	if stride < guestLayerSize && d.layerCount() > 1 {
		return errors.Wrapf(ErrInvalidDescriptor, "layer stride %d is smaller than the %d byte layer", stride, guestLayerSize)
	}

	required := stride*(d.layerCount()-1) + guestLayerSize
	if d.Size() < required {
		return errors.Wrapf(ErrInvalidDescriptor, "%d bytes of mappings for %d layers needing %d bytes", d.Size(), d.layerCount(), required)
	}

	return nil
}

// Equal reports whether two descriptors name the same resource
func (d *Descriptor) Equal(other *Descriptor) bool {
	return d.key() == other.key()
}

// Ranges are the device memory ranges covered by the mappings
func (d *Descriptor) Ranges() []devmem.Range {
	ranges := make([]devmem.Range, 0, len(d.Mappings))
	for _, mapping := range d.Mappings {
		ranges = append(ranges, mapping.Range)
	}
	return ranges
}

func (d *Descriptor) clone() Descriptor {
	out := *d
	out.Mappings = append([]devmem.Span(nil), d.Mappings...)
	return out
}

// key is the canonical encoding of every field that takes part in equality. Mapping host
// memory is excluded; two spans with the same address and size alias the same device memory.
func (d *Descriptor) key() string {
	buf := make([]byte, 0, 96+len(d.Mappings)*12)

	buf = binary.AppendUvarint(buf, uint64(d.Type))
	buf = appendInts(buf, d.Dimensions.Width, d.Dimensions.Height, d.Dimensions.Depth)

	buf = binary.AppendUvarint(buf, uint64(len(d.Format.Name)))
	buf = append(buf, d.Format.Name...)
	buf = appendInts(buf, d.Format.BytesPerBlock, d.Format.BlockWidth, d.Format.BlockHeight,
		int(d.Format.Host), int(d.Format.Aspect))
	buf = appendSwizzle(buf, d.Format.Swizzle)
	if d.Format.StencilFirst {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = appendInts(buf, int(d.Tiling.Mode), d.Tiling.BlockHeight, d.Tiling.BlockDepth, d.Tiling.Pitch)
	buf = appendInts(buf, d.BaseArrayLayer, d.LayerCount, d.LayerStride)
	buf = appendSwizzle(buf, d.Swizzle)

	buf = binary.AppendUvarint(buf, uint64(len(d.Mappings)))
	for _, mapping := range d.Mappings {
		buf = binary.AppendUvarint(buf, mapping.Address)
		buf = binary.AppendUvarint(buf, uint64(mapping.Size))
	}

	return string(buf)
}

func appendInts(buf []byte, values ...int) []byte {
	for _, value := range values {
		buf = binary.AppendVarint(buf, int64(value))
	}
	return buf
}

func appendSwizzle(buf []byte, swizzle core1_0.ComponentMapping) []byte {
	return appendInts(buf, int(swizzle.R), int(swizzle.G), int(swizzle.B), int(swizzle.A))
}
