package vkmem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"

	"github.com/cobaltgfx/vkmem/memutil"
)

func TestAllocateAndMapNonCoherent(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(
		core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCached,
	))

	// Expect a block to be allocated, the default preferred size for a 1MB heap is
	// 128KB (125024) but it will size down by half 3 times because the allocation is so small
	// resulting in 15628
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)

	data := make([]byte, 15628)
	dataPtr := unsafe.Pointer(&data[0])

	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)
	device.EXPECT().FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory,
			Offset: 0,
			Size:   500,
		},
	}).Return(core1_0.VKSuccess, nil)
	device.EXPECT().InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory,
			Offset: 500,
			Size:   500,
		},
	}).Return(core1_0.VKSuccess, nil)
	memory.EXPECT().Unmap()

	var allocation Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
		Flags: AllocationCreateHostAccessRandom,
	}, &allocation)
	require.NoError(t, err)

	_, _, err = allocation.Map()
	require.NoError(t, err)

	_, err = allocation.Flush(0, 500)
	require.NoError(t, err)

	_, err = allocation.Invalidate(500, 500)
	require.NoError(t, err)

	err = allocation.Unmap()
	require.NoError(t, err)

	err = allocation.Free()
	require.NoError(t, err)
}

func TestAllocateAndMapDedicated(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(
		core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent,
	))

	// More than half the preferred block size, so this gets its own DeviceMemory
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)

	data := make([]byte, 80000)
	dataPtr := unsafe.Pointer(&data[0])

	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)
	memory.EXPECT().Unmap()
	memory.EXPECT().Free(gomock.Any())

	var allocation Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           80000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
		Flags: AllocationCreateHostAccessRandom,
	}, &allocation)
	require.NoError(t, err)

	ptr, _, err := allocation.Map()
	require.NoError(t, err)
	require.Equal(t, dataPtr, ptr)

	err = allocation.Unmap()
	require.NoError(t, err)

	err = allocation.Free()
	require.NoError(t, err)
}

func TestAllocatePersistentMap(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(
		core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent,
	))

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)

	data := make([]byte, 15628)
	dataPtr := unsafe.Pointer(&data[0])

	// One native map when the allocation is committed, one native unmap when
	// the final reference is released during Free
	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)
	memory.EXPECT().Unmap()

	var allocation Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
		Flags: AllocationCreateHostAccessRandom | AllocationCreateMapped,
	}, &allocation)
	require.NoError(t, err)

	// Additional Map calls just hand back the persistent pointer
	ptr, _, err := allocation.Map()
	require.NoError(t, err)
	require.Equal(t, dataPtr, ptr)

	err = allocation.Unmap()
	require.NoError(t, err)

	err = allocation.Free()
	require.NoError(t, err)
}

func TestMapReferenceCounting(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(
		core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent,
	))

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)

	data := make([]byte, 15628)
	dataPtr := unsafe.Pointer(&data[0])

	// Two Map calls and two Unmap calls against the allocation collapse into a
	// single native map and a single native unmap
	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)
	memory.EXPECT().Unmap()

	var allocation Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
		Flags: AllocationCreateHostAccessRandom,
	}, &allocation)
	require.NoError(t, err)

	firstPtr, _, err := allocation.Map()
	require.NoError(t, err)

	secondPtr, _, err := allocation.Map()
	require.NoError(t, err)
	require.Equal(t, firstPtr, secondPtr)

	err = allocation.Unmap()
	require.NoError(t, err)

	err = allocation.Unmap()
	require.NoError(t, err)

	err = allocation.Free()
	require.NoError(t, err)
}

func TestFlushMemorySlice(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(
		core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCached,
	))

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)

	data := make([]byte, 15628)
	dataPtr := unsafe.Pointer(&data[0])
	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)
	memory.EXPECT().Unmap()

	// All three allocations flush in one batched call
	device.EXPECT().FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory,
			Offset: 0,
			Size:   500,
		},
		{
			Memory: memory,
			Offset: 1000 + memutil.GuardMargin,
			Size:   500,
		},
		{
			Memory: memory,
			Offset: 2000 + memutil.GuardMargin*2,
			Size:   500,
		},
	}).Return(core1_0.VKSuccess, nil)
	device.EXPECT().InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory,
			Offset: 500,
			Size:   500,
		},
		{
			Memory: memory,
			Offset: 1500 + memutil.GuardMargin,
			Size:   500,
		},
		{
			Memory: memory,
			Offset: 2500 + memutil.GuardMargin*2,
			Size:   500,
		},
	}).Return(core1_0.VKSuccess, nil)

	allocations := make([]Allocation, 3)
	_, err := allocator.AllocateMemorySlice(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
		Flags: AllocationCreateHostAccessRandom,
	}, allocations)
	require.NoError(t, err)

	for i := 0; i < len(allocations); i++ {
		_, _, err = allocations[i].Map()
		require.NoError(t, err)
	}

	_, err = allocator.FlushAllocationSlice(allocations, []int{0, 0, 0}, []int{500, 500, 500})
	require.NoError(t, err)

	_, err = allocator.InvalidateAllocationSlice(allocations, []int{500, 500, 500}, []int{500, 500, 500})
	require.NoError(t, err)

	for i := 0; i < len(allocations); i++ {
		err = allocations[i].Unmap()
		require.NoError(t, err)
	}

	err = allocator.FreeAllocationSlice(allocations)
	require.NoError(t, err)
}
