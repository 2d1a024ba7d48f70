package vkhost

import (
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// wholeSize converts to VK_WHOLE_SIZE in a map call's size argument
const wholeSize = -1

// ErrNoMemoryType is returned when no memory type satisfies an object's requirements
var ErrNoMemoryType = errors.New("no compatible memory type")

// findMemoryType picks the memory type allowed by typeBits that carries every required flag and
// the fewest mismatches against the preferred flags
func findMemoryType(
	properties *core1_0.PhysicalDeviceMemoryProperties,
	typeBits uint32,
	required core1_0.MemoryPropertyFlags,
	preferred core1_0.MemoryPropertyFlags,
) (int, error) {
	bestIndex := -1
	bestCost := 0

	for index, memoryType := range properties.MemoryTypes {
		if typeBits&(1<<index) == 0 {
			continue
		}

		flags := memoryType.PropertyFlags
		if flags&required != required {
			continue
		}

		cost := bits.OnesCount32(uint32(preferred &^ flags))
		if cost == 0 {
			return index, nil
		}
		if bestIndex < 0 || cost < bestCost {
			bestIndex = index
			bestCost = cost
		}
	}

	if bestIndex < 0 {
		return -1, errors.Wrapf(ErrNoMemoryType, "type bits %032b with required flags %v", typeBits, required)
	}

	return bestIndex, nil
}

// dedicatedMemory is one device memory allocation bound to a single image or buffer
type dedicatedMemory struct {
	memory    core1_0.DeviceMemory
	size      int
	typeIndex int
	heapIndex int
	mapped    []byte
	callbacks *driver.AllocationCallbacks
}

func (d *Device) allocateMemory(
	requirements *core1_0.MemoryRequirements,
	required core1_0.MemoryPropertyFlags,
	preferred core1_0.MemoryPropertyFlags,
) (*dedicatedMemory, error) {
	typeIndex, err := findMemoryType(d.memoryProperties, requirements.MemoryTypeBits, required, preferred)
	if err != nil {
		return nil, err
	}

	heapIndex := d.memoryProperties.MemoryTypes[typeIndex].HeapIndex
	err = d.reserveHeap(heapIndex, requirements.Size)
	if err != nil {
		return nil, err
	}

	memory, _, err := d.device.AllocateMemory(d.options.AllocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: typeIndex,
	})
	if err != nil {
		d.releaseHeap(heapIndex, requirements.Size)
		return nil, errors.Wrapf(err, "allocating %d bytes from memory type %d", requirements.Size, typeIndex)
	}

	return &dedicatedMemory{
		memory:    memory,
		size:      requirements.Size,
		typeIndex: typeIndex,
		heapIndex: heapIndex,
		callbacks: d.options.AllocationCallbacks,
	}, nil
}

// mapAll persistently maps the whole allocation
func (m *dedicatedMemory) mapAll(size int) error {
	ptr, _, err := m.memory.Map(0, wholeSize, 0)
	if err != nil {
		return errors.Wrap(err, "mapping device memory")
	}

	m.mapped = unsafe.Slice((*byte)(ptr), size)
	return nil
}

func (d *Device) freeMemory(m *dedicatedMemory) {
	if m.mapped != nil {
		m.memory.Unmap()
		m.mapped = nil
	}

	m.memory.Free(m.callbacks)
	d.releaseHeap(m.heapIndex, m.size)
}

func (d *Device) reserveHeap(heapIndex, size int) error {
	d.heapMutex.Lock()
	defer d.heapMutex.Unlock()

	limit := d.heapLimit(heapIndex)
	if limit > 0 && d.heapUsage[heapIndex]+size > limit {
		return errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(),
			"heap %d would exceed its %d byte limit with %d bytes in use", heapIndex, limit, d.heapUsage[heapIndex])
	}

	d.heapUsage[heapIndex] += size
	return nil
}

func (d *Device) releaseHeap(heapIndex, size int) {
	d.heapMutex.Lock()
	defer d.heapMutex.Unlock()

	d.heapUsage[heapIndex] -= size
	if d.heapUsage[heapIndex] < 0 {
		panic("heap usage went negative")
	}
}

func (d *Device) heapLimit(heapIndex int) int {
	if heapIndex < len(d.options.HeapSizeLimits) {
		return d.options.HeapSizeLimits[heapIndex]
	}
	return 0
}
