package guestres

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/guestres/host"
)

// ImagePool keeps released images for reuse by later resources with an identical ImageInfo
type ImagePool struct {
	device     host.Device
	maxPerInfo int

	mutex  sync.Mutex
	free   *swiss.Map[host.ImageInfo, []host.Image]
	reused int
}

// NewImagePool creates a pool that keeps at most maxPerInfo idle images of each shape
func NewImagePool(device host.Device, maxPerInfo int) *ImagePool {
	return &ImagePool{
		device:     device,
		maxPerInfo: maxPerInfo,
		free:       swiss.NewMap[host.ImageInfo, []host.Image](8),
	}
}

// Acquire returns a pooled backing, reusing an idle image if one matches info. The contents of a
// reused image are undefined.
func (p *ImagePool) Acquire(info host.ImageInfo) (Backing, error) {
	p.mutex.Lock()
	images, ok := p.free.Get(info)
	if ok && len(images) > 0 {
		image := images[len(images)-1]
		images[len(images)-1] = nil
		p.free.Put(info, images[:len(images)-1])
		p.reused++
		p.mutex.Unlock()

		return Backing{kind: BackingPooledImage, image: image, pool: p, info: info}, nil
	}
	p.mutex.Unlock()

	image, err := p.device.AllocateImage(info)
	if err != nil {
		return Backing{}, err
	}

	return Backing{kind: BackingPooledImage, image: image, pool: p, info: info}, nil
}

func (p *ImagePool) recycle(info host.ImageInfo, image host.Image) {
	p.mutex.Lock()
	images, _ := p.free.Get(info)
	if len(images) < p.maxPerInfo {
		p.free.Put(info, append(images, image))
		p.mutex.Unlock()
		return
	}
	p.mutex.Unlock()

	image.Destroy()
}

// Idle is the number of images waiting for reuse
func (p *ImagePool) Idle() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	count := 0
	p.free.Iter(func(_ host.ImageInfo, images []host.Image) bool {
		count += len(images)
		return false
	})
	return count
}

// Reused is the number of acquisitions satisfied by an idle image
func (p *ImagePool) Reused() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.reused
}

// Destroy destroys every idle image
func (p *ImagePool) Destroy() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.free.Iter(func(_ host.ImageInfo, images []host.Image) bool {
		for _, image := range images {
			image.Destroy()
		}
		return false
	})
	p.free.Clear()
}
