package guestres

import (
	"fmt"

	"github.com/vkngwrapper/arsenal/guestres/host"
)

// BackingKind is the variant held by a Backing
type BackingKind uint8

const (
	BackingNone BackingKind = iota
	// BackingOwnedImage is an image owned by the resource and destroyed with it
	BackingOwnedImage
	// BackingPooledImage is an image borrowed from an ImagePool and returned to it
	BackingPooledImage
	// BackingBuffer is a host buffer holding an element buffer
	BackingBuffer
)

var backingKindMapping = map[BackingKind]string{
	BackingNone:        "BackingNone",
	BackingOwnedImage:  "BackingOwnedImage",
	BackingPooledImage: "BackingPooledImage",
	BackingBuffer:      "BackingBuffer",
}

func (k BackingKind) String() string {
	str, ok := backingKindMapping[k]
	if !ok {
		return "unknown BackingKind"
	}

	return str
}

// Backing is the host object that holds a resource's contents on the host GPU
type Backing struct {
	kind   BackingKind
	image  host.Image
	buffer host.Buffer
	pool   *ImagePool
	info   host.ImageInfo
}

// OwnedImage wraps an image that the resource destroys when it releases the backing
func OwnedImage(image host.Image) Backing {
	return Backing{kind: BackingOwnedImage, image: image}
}

// BufferBacking wraps a buffer that the resource destroys when it releases the backing
func BufferBacking(buffer host.Buffer) Backing {
	return Backing{kind: BackingBuffer, buffer: buffer}
}

func (b Backing) Kind() BackingKind {
	return b.kind
}

// Image is the backing image, or nil for buffer backings
func (b Backing) Image() host.Image {
	return b.image
}

// Buffer is the backing buffer, or nil for image backings
func (b Backing) Buffer() host.Buffer {
	return b.buffer
}

// Mapped is host memory aliasing the backing's contents, or nil if transfers must go through staging
func (b Backing) Mapped() []byte {
	switch b.kind {
	case BackingNone:
		return nil
	case BackingOwnedImage, BackingPooledImage:
		return b.image.Mapped()
	case BackingBuffer:
		return b.buffer.Data()
	default:
		panic(fmt.Sprintf("unknown backing kind: %s", b.kind))
	}
}

func (b Backing) release() {
	switch b.kind {
	case BackingNone:
	case BackingOwnedImage:
		b.image.Destroy()
	case BackingPooledImage:
		b.pool.recycle(b.info, b.image)
	case BackingBuffer:
		b.buffer.Destroy()
	default:
		panic(fmt.Sprintf("unknown backing kind: %s", b.kind))
	}
}
