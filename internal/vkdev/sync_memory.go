package vkdev

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"

	"github.com/cobaltgfx/vkmem/internal/vkutil"
)

// SynchronizedMemory wraps a single core1_0.DeviceMemory object with
// ref-counted mapping. Many suballocations share one device memory object, so
// the first consumer to map performs the native map and the last one to unmap
// releases it.
type SynchronizedMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	// Hysteresis data- if map/unmap churn outpaces suballoc/subfree on this
	// memory then hold an extra persistent mapping to save native calls
	delayCounter  uint32
	statusCounter int32
	extraMapping  bool

	mapMutex      vkutil.OptionalMutex
	memory        core1_0.DeviceMemory
	extensionData atomic.Pointer[ExtensionData]

	allocationCallbacks *driver.AllocationCallbacks
}

func allocateSynchronizedMemory(device core1_0.Device, useMutex bool, callbacks *driver.AllocationCallbacks, extensionData *ExtensionData, allocateInfo core1_0.MemoryAllocateInfo) (*SynchronizedMemory, common.VkResult, error) {
	memory, res, err := device.AllocateMemory(callbacks, allocateInfo)
	if err != nil {
		return nil, res, err
	}

	mem := &SynchronizedMemory{
		memory: memory,
		mapMutex: vkutil.OptionalMutex{
			Enabled: useMutex,
		},
		allocationCallbacks: callbacks,
	}
	mem.extensionData.Store(extensionData)

	return mem, res, nil
}

func (m *SynchronizedMemory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *SynchronizedMemory) BindVulkanBuffer(offset int, buffer core1_0.Buffer, next common.Options) (common.VkResult, error) {
	if next != nil && m.extensionData.Load().BindMemory2 == nil {
		// A next pointer requires BindBufferMemory2, which isn't active
		return core1_0.VKErrorExtensionNotPresent, core1_0.VKErrorExtensionNotPresent.ToError()
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if next != nil {
		return m.extensionData.Load().BindMemory2.BindBufferMemory2([]core1_1.BindBufferMemoryInfo{
			{
				Buffer:       buffer,
				Memory:       m.memory,
				MemoryOffset: offset,
				NextOptions:  common.NextOptions{Next: next},
			},
		})
	}

	return buffer.BindBufferMemory(m.memory, offset)
}

func (m *SynchronizedMemory) BindVulkanImage(offset int, image core1_0.Image, next common.Options) (common.VkResult, error) {
	if next != nil && m.extensionData.Load().BindMemory2 == nil {
		return core1_0.VKErrorExtensionNotPresent, core1_0.VKErrorExtensionNotPresent.ToError()
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if next != nil {
		return m.extensionData.Load().BindMemory2.BindImageMemory2([]core1_1.BindImageMemoryInfo{
			{
				Image:        image,
				MemoryOffset: uint64(offset),
				Memory:       m.memory,
				NextOptions:  common.NextOptions{Next: next},
			},
		})
	}

	return image.BindImageMemory(m.memory, offset)
}

// References returns the number of live mapping references, including the
// persistent mapping held by the hysteresis heuristic.
func (m *SynchronizedMemory) References() int {
	refs := m.mapReferences
	if m.extraMapping {
		refs++
	}
	return refs
}

// MappedData returns a pointer to the start of the mapped memory, or nil when
// the memory is not currently mapped
func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	return m.mapData
}

// MapDelay is the number of map/unmap/suballoc/subfree events that have to
// accumulate before the persistent-mapping heuristic reconsiders its decision.
const MapDelay uint32 = 7

func (m *SynchronizedMemory) postMapUnmap() bool {
	m.delayCounter++
	m.statusCounter++

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter >= 1 {
			m.statusCounter = 0
			m.extraMapping = true
			return true
		}
	}

	return false
}

// RecordSuballocSubfree feeds allocation traffic into the persistent-mapping
// heuristic. It returns true when the extra mapping was just given up, in
// which case the caller must unmap once.
func (m *SynchronizedMemory) RecordSuballocSubfree() bool {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	m.delayCounter++
	m.statusCounter--

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter <= -2 {
			m.statusCounter = 0
			m.extraMapping = false
			return true
		}
	}

	return false
}

// Map adds the provided number of mapping references and returns a pointer to
// the mapped memory. Only the first reference performs a native map.
func (m *SynchronizedMemory) Map(references int, offset int, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	oldRefCount := m.References()
	_ = m.postMapUnmap()

	if oldRefCount > 0 {
		m.mapReferences += references
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the block is showing existing memory mapping references, but no mapped memory")
		}

		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, result, err := m.memory.Map(offset, size, flags)
	if err != nil {
		return nil, result, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, result, nil
}

// Unmap removes the provided number of mapping references. The native unmap
// only happens when no references remain.
func (m *SynchronizedMemory) Unmap(references int) error {
	if m.mapReferences == 0 {
		return nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return errors.New("device memory block has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	m.postMapUnmap()

	if m.References() <= 0 {
		m.memory.Unmap()
		m.mapData = nil
	}

	return nil
}

func (m *SynchronizedMemory) FreeMemory() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	m.memory.Free(m.allocationCallbacks)
}
