package vkmem

import "github.com/vkngwrapper/core/v2/core1_0"

// DeviceMemoryCallback is invoked when real device memory changes hands:
// after every successful vkAllocateMemory made on the Allocator's behalf, or
// before every vkFreeMemory. Suballocations do not trigger it.
type DeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory core1_0.DeviceMemory,
	size int,
	userData any,
)

// MemoryCallbackOptions wires consumer callbacks into real device memory
// traffic, for consumers tracking DeviceMemory lifetimes themselves
type MemoryCallbackOptions struct {
	Allocate DeviceMemoryCallback
	Free     DeviceMemoryCallback
	UserData any
}

// memoryCallbacks adapts MemoryCallbackOptions to the vkdev.MemoryCallbacks
// interface, filling in the owning Allocator and the consumer's user data.
type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.Callbacks == nil || c.Callbacks.Allocate == nil {
		return
	}

	c.Callbacks.Allocate(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
}

func (c *memoryCallbacks) Free(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.Callbacks == nil || c.Callbacks.Free == nil {
		return
	}

	c.Callbacks.Free(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
}
