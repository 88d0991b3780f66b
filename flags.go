package vkmem

import "github.com/vkngwrapper/core/v2/common"

// AllocationCreateFlags adjusts the placement and mapping behavior of a single
// allocation request.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateDedicatedMemory gives the allocation its own DeviceMemory
	// object instead of suballocating it from a block
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate only places the allocation in existing
	// DeviceMemory blocks and never creates new ones
	//
	// If no existing block can hold the allocation, the request fails with
	// core1_0.VKErrorOutOfDeviceMemory (core1_1.VKErrorOutOfPoolMemory for
	// custom pools)
	AllocationCreateNeverAllocate
	// AllocationCreateMapped keeps the allocation persistently mapped for its
	// whole lifetime. The pointer is reachable through Allocation mapping calls
	// without paying for a map each time.
	//
	// This flag may be used with memory types that are not HOST_VISIBLE, in
	// which case it is silently ignored and the memory is not mapped. That makes
	// it convenient for memory that should be DEVICE_LOCAL but is worth mapping
	// on platforms where device memory is host-reachable (integrated GPUs).
	AllocationCreateMapped
	// AllocationCreateUpperAddress places the allocation in the upper stack of a
	// double-stack pool. Only allowed for custom pools created with
	// PoolCreateLinearAlgorithm.
	AllocationCreateUpperAddress
	// AllocationCreateDontBind creates both the resource and the allocation
	// without binding them together, leaving the bind call to the caller. Only
	// meaningful for entry points that bind by default; ignored elsewhere.
	//
	// Combine with AllocationCreateCanAlias to also keep the resource out of any
	// MemoryDedicatedAllocateInfo the allocation might end up with.
	AllocationCreateDontBind
	// AllocationCreateWithinBudget fails the allocation with
	// core1_0.VKErrorOutOfDeviceMemory rather than pushing the target heap past
	// its budget
	AllocationCreateWithinBudget
	// AllocationCreateCanAlias declares that other resources will alias this
	// allocation's memory. It suppresses MemoryDedicatedAllocateInfo when
	// AllocationCreateDedicatedMemory is also set, since dedicated memory tied
	// to a single resource cannot be aliased.
	AllocationCreateCanAlias
	// AllocationCreateHostAccessSequentialWrite requests that the allocation be
	// mappable, declaring that mapped memory will only ever be written front to
	// back, never read or accessed out of order. An uncached write-combined
	// memory type may be selected. Violating the declaration will probably work,
	// slowly.
	//
	// Required to map allocations created with MemoryUsageAuto*; ignored for
	// other usages, where HOST_VISIBLE memory is always mappable.
	AllocationCreateHostAccessSequentialWrite
	// AllocationCreateHostAccessRandom requests that the allocation be mappable,
	// declaring that mapped memory will be read and written in arbitrary order.
	// A HOST_CACHED memory type is required.
	//
	// Required to map allocations created with MemoryUsageAuto*; ignored for
	// other usages, where HOST_VISIBLE memory is always mappable.
	AllocationCreateHostAccessRandom
	// AllocationCreateHostAccessAllowTransferInstead relaxes
	// AllocationCreateHostAccessSequentialWrite or
	// AllocationCreateHostAccessRandom: a non-HOST_VISIBLE memory type may be
	// selected when that is likely faster. The caller commits to checking where
	// the allocation landed and staging transfers through a second buffer when
	// it is not mappable, so transfer usage flags should be on the resource.
	AllocationCreateHostAccessAllowTransferInstead
	// AllocationCreateStrategyMinMemory places the allocation in the smallest
	// sufficient free range to minimize fragmentation, possibly at the expense
	// of search time
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime places the allocation in whichever
	// suitable free range is fastest to find, possibly at the expense of
	// placement quality
	AllocationCreateStrategyMinTime
	// AllocationCreateStrategyMinOffset places the allocation at the lowest
	// available offset, producing tightly packed blocks. Used internally by
	// defragmentation, rarely useful otherwise.
	AllocationCreateStrategyMinOffset

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinOffset
)

func init() {
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateMapped.Register("AllocationCreateMapped")
	AllocationCreateUpperAddress.Register("AllocationCreateUpperAddress")
	AllocationCreateDontBind.Register("AllocationCreateDontBind")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
	AllocationCreateCanAlias.Register("AllocationCreateCanAlias")
	AllocationCreateHostAccessSequentialWrite.Register("AllocationCreateHostAccessSequentialWrite")
	AllocationCreateHostAccessRandom.Register("AllocationCreateHostAccessRandom")
	AllocationCreateHostAccessAllowTransferInstead.Register("AllocationCreateHostAccessAllowTransferInstead")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinOffset.Register("AllocationCreateStrategyMinOffset")
}
