package vkmem

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"

	"github.com/cobaltgfx/vkmem/memutil"
)

type AllocatorSetup struct {
	DeviceVersion      common.APIVersion
	InstanceExtensions []string
	DeviceExtensions   []string
	MemoryTypes        []core1_0.MemoryType
	MemoryHeaps        []core1_0.MemoryHeap
	DeviceProperties   core1_0.PhysicalDeviceProperties
	AllocatorOptions   CreateOptions
}

func readyAllocator(t *testing.T, ctrl *gomock.Controller, setup AllocatorSetup) (core1_0.Instance, core1_0.PhysicalDevice, *mocks.Device1_2, *Allocator) {
	instance, physicalDevice, device := mocks.MockRig1_2(ctrl, setup.DeviceVersion, setup.InstanceExtensions, setup.DeviceExtensions)

	physicalDevice.EXPECT().Properties().Return(&setup.DeviceProperties, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: setup.MemoryHeaps,
	}).AnyTimes()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, instance, physicalDevice, device, setup.AllocatorOptions)
	require.NoError(t, err)

	return instance, physicalDevice, device, allocator
}

// discreteGPUSetup is the fixture most tests share: two 1MB heaps, a
// device-local memory type on the first and a fallback type on the second,
// with the memory-priority extension active.
func discreteGPUSetup(typeFlags core1_0.MemoryPropertyFlags) AllocatorSetup {
	return AllocatorSetup{
		DeviceVersion: common.Vulkan1_2,
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: typeFlags,
				HeapIndex:     0,
			},
			{
				PropertyFlags: 0,
				HeapIndex:     1,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1000000,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size:  1000000,
				Flags: 0,
			},
		},
		DeviceExtensions: []string{ext_memory_priority.ExtensionName},
		DeviceProperties: core1_0.PhysicalDeviceProperties{
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits: &core1_0.PhysicalDeviceLimits{
				BufferImageGranularity:   1,
				NonCoherentAtomSize:      1,
				MaxMemoryAllocationCount: 10,
			},
		},
		AllocatorOptions: CreateOptions{},
	}
}

func TestAllocateMemory(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(core1_0.MemoryPropertyDeviceLocal))

	// Expect a block to be allocated, the default preferred size for a 1MB heap is
	// 128KB (125024) but it will size down by half 3 times because the allocation is so small
	// resulting in 15628
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  15628,
		NextOptions: common.NextOptions{
			Next: ext_memory_priority.MemoryPriorityAllocateInfo{
				Priority: 0.5,
				NextOptions: common.NextOptions{
					Next: core1_1.MemoryAllocateFlagsInfo{
						Flags: core1_2.MemoryAllocateDeviceAddress,
					},
				},
			},
		},
	}).Return(memory, core1_0.VKSuccess, nil)
	memory.EXPECT().Free(gomock.Any())

	var allocation Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
	}, &allocation)
	require.NoError(t, err)

	require.GreaterOrEqual(t, allocation.Size(), 1000)
	require.Equal(t, 0, allocation.MemoryTypeIndex())

	err = allocation.Free()
	require.NoError(t, err)

	err = allocator.Destroy()
	require.NoError(t, err)
}

func TestAllocateMemoryDestroyWithoutFree(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(core1_0.MemoryPropertyDeviceLocal))

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)
	memory.EXPECT().Free(gomock.Any())

	var allocation Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
	}, &allocation)
	require.NoError(t, err)

	// Live allocations keep the allocator from being torn down
	err = allocator.Destroy()
	require.Error(t, err)

	err = allocation.Free()
	require.NoError(t, err)

	err = allocator.Destroy()
	require.NoError(t, err)
}

func TestAllocateDedicatedMemory(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(core1_0.MemoryPropertyDeviceLocal))

	// More than half the preferred block size of 125024, so the allocation gets
	// its own DeviceMemory rather than a block
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  80000,
		NextOptions: common.NextOptions{
			Next: ext_memory_priority.MemoryPriorityAllocateInfo{
				Priority: 1,
				NextOptions: common.NextOptions{
					Next: core1_1.MemoryAllocateFlagsInfo{
						Flags: core1_2.MemoryAllocateDeviceAddress,
					},
				},
			},
		},
	}).Return(memory, core1_0.VKSuccess, nil)
	memory.EXPECT().Free(gomock.Any())

	var allocation Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           80000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage:    MemoryUsageUnknown,
		Priority: 1,
	}, &allocation)
	require.NoError(t, err)

	require.Equal(t, 80000, allocation.Size())
	require.Nil(t, allocation.ParentPool())

	err = allocation.Free()
	require.NoError(t, err)

	err = allocator.Destroy()
	require.NoError(t, err)
}

func TestAllocateMemorySliceRollback(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(core1_0.MemoryPropertyDeviceLocal))

	// The first page succeeds, the second fails, and the batch unwinds the first
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).
		Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())
	memory.EXPECT().Free(gomock.Any())

	allocations := make([]Allocation, 2)
	res, err := allocator.AllocateMemorySlice(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0x1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
		Flags: AllocationCreateDedicatedMemory,
	}, allocations)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	err = allocator.Destroy()
	require.NoError(t, err)
}

func TestAllocateMemorySlice(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(core1_0.MemoryPropertyDeviceLocal))

	// All three allocations fit into a single downsized block
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  15628,
		NextOptions: common.NextOptions{
			Next: ext_memory_priority.MemoryPriorityAllocateInfo{
				Priority: 0.5,
				NextOptions: common.NextOptions{
					Next: core1_1.MemoryAllocateFlagsInfo{
						Flags: core1_2.MemoryAllocateDeviceAddress,
					},
				},
			},
		},
	}).Return(memory, core1_0.VKSuccess, nil)
	memory.EXPECT().Free(gomock.Any())

	allocations := make([]Allocation, 3)
	_, err := allocator.AllocateMemorySlice(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
	}, allocations)
	require.NoError(t, err)

	for i := 0; i < len(allocations); i++ {
		require.GreaterOrEqual(t, allocations[i].Size(), 1000)
	}

	err = allocator.FreeAllocationSlice(allocations)
	require.NoError(t, err)

	err = allocator.Destroy()
	require.NoError(t, err)
}

func TestAllocateMemoryNeverAllocate(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, _, allocator := readyAllocator(t, ctrl, discreteGPUSetup(core1_0.MemoryPropertyDeviceLocal))

	// No existing blocks and new ones are forbidden, so this cannot succeed
	var allocation Allocation
	res, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0x1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
		Flags: AllocationCreateNeverAllocate,
	}, &allocation)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	err = allocator.Destroy()
	require.NoError(t, err)
}

func TestAllocateReusesFreedRegion(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(core1_0.MemoryPropertyDeviceLocal))

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)
	memory.EXPECT().Free(gomock.Any())

	requirements := &core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}

	var first, second Allocation
	_, err := allocator.AllocateMemory(requirements, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
	}, &first)
	require.NoError(t, err)
	require.Equal(t, 0, first.FindOffset())

	_, err = allocator.AllocateMemory(requirements, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
	}, &second)
	require.NoError(t, err)
	require.Equal(t, 1000+memutil.GuardMargin, second.FindOffset())

	err = first.Free()
	require.NoError(t, err)

	// With no other churn, a best-fit request of the same size lands back in
	// the freed region rather than appending after the second allocation
	var reused Allocation
	_, err = allocator.AllocateMemory(requirements, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
		Flags: AllocationCreateStrategyMinMemory,
	}, &reused)
	require.NoError(t, err)
	require.Equal(t, 0, reused.FindOffset())

	err = second.Free()
	require.NoError(t, err)
	err = reused.Free()
	require.NoError(t, err)

	err = allocator.Destroy()
	require.NoError(t, err)
}

func TestFindMemoryTypeIndex(t *testing.T) {
	ctrl := gomock.NewController(t)

	setup := discreteGPUSetup(core1_0.MemoryPropertyDeviceLocal)
	setup.MemoryTypes[1].PropertyFlags = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	_, _, _, allocator := readyAllocator(t, ctrl, setup)

	typeIndex, _, err := allocator.FindMemoryTypeIndex(0xffffffff, AllocationCreateInfo{
		Usage:         MemoryUsageUnknown,
		RequiredFlags: core1_0.MemoryPropertyHostVisible,
	})
	require.NoError(t, err)
	require.Equal(t, 1, typeIndex)

	_, res, err := allocator.FindMemoryTypeIndex(0xffffffff, AllocationCreateInfo{
		Usage:         MemoryUsageUnknown,
		RequiredFlags: core1_0.MemoryPropertyLazilyAllocated,
	})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorFeatureNotPresent, res)

	err = allocator.Destroy()
	require.NoError(t, err)
}
