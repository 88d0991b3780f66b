package vkmem

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryUsage is passed in AllocationCreateInfo.Usage to describe how the new
// allocation will be accessed, letting the allocator pick a memory type.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown leaves memory-type selection entirely to the
	// RequiredFlags and PreferredFlags in AllocationCreateInfo. This is the
	// natural choice for Allocator.AllocateMemory and
	// Allocator.AllocateMemorySlice, which have no buffer or image usage flags
	// to reason from. Be aware that nothing stops the selected type from
	// contradicting the AllocationCreateFlags in that case: requesting
	// AllocationCreateMapped without HostVisible in RequiredFlags can produce an
	// allocation that fails to map.
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPULazilyAllocated requests lazily-allocated GPU memory, which
	// mostly exists on mobile hardware. Allocating with this usage on a device
	// with no such memory type fails.
	//
	// Intended for transient attachment images created with
	// core1_0.ImageUsageTransientAttachment.
	//
	// Implies AllocationCreateDedicatedMemory.
	MemoryUsageGPULazilyAllocated
	// MemoryUsageAuto picks the best memory type automatically and is the right
	// answer for most requests.
	//
	// To map the allocation, AllocationCreateHostAccessSequentialWrite or
	// AllocationCreateHostAccessRandom must be set in
	// AllocationCreateInfo.Flags.
	//
	// Only valid with buffer- and image-oriented entry points, not the generic
	// allocation functions.
	MemoryUsageAuto
	// MemoryUsageAutoPreferDevice behaves like MemoryUsageAuto with a bias
	// toward device (GPU) memory. The same host-access-flag and entry-point
	// rules apply.
	MemoryUsageAutoPreferDevice
	// MemoryUsageAutoPreferHost behaves like MemoryUsageAuto with a bias toward
	// host (CPU) memory. The same host-access-flag and entry-point rules apply.
	MemoryUsageAutoPreferHost
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:            "MemoryUsageUnknown",
	MemoryUsageGPULazilyAllocated: "MemoryUsageGPULazilyAllocated",
	MemoryUsageAuto:               "MemoryUsageAuto",
	MemoryUsageAutoPreferDevice:   "MemoryUsageAutoPreferDevice",
	MemoryUsageAutoPreferHost:     "MemoryUsageAutoPreferHost",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// AllocationCreateInfo describes a single allocation request made through
// Allocator.AllocateMemory, Allocator.AllocateMemorySlice,
// Allocator.AllocateMemoryForBuffer, or Allocator.AllocateMemoryForImage.
type AllocationCreateInfo struct {
	// Flags adjusts the placement and mapping behavior of the new Allocation
	Flags AllocationCreateFlags
	// Usage describes how the allocation will be accessed so a memory type can
	// be chosen for it
	Usage MemoryUsage

	// RequiredFlags must all be present on the chosen memory type. If no type
	// carrying all of them has room, the allocation fails.
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags are desirable but optional on the chosen memory type. All
	// preferred flags weigh equally: if no type carries every one, a type
	// carrying the most of them wins.
	PreferredFlags core1_0.MemoryPropertyFlags

	// MemoryTypeBits restricts which memory types may be chosen. Zero permits
	// every type.
	MemoryTypeBits uint32
	// Pool is the custom memory pool to allocate from. Leave nil to allocate
	// from the Allocator's default pools.
	Pool *Pool

	// UserData is an arbitrary value attached to the Allocation and returned by
	// Allocation.UserData(). A common use is the resource object that ties the
	// Allocation to its Buffer or Image.
	UserData interface{}
	// Priority is the ext_memory_priority value applied to the allocated
	// memory. Only dedicated allocations honor it; block suballocations share
	// their block's priority.
	Priority float32
}
