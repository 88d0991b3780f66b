package vkmem

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"

	"github.com/cobaltgfx/vkmem/memutil"
)

func TestCalculateStatistics(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, _, device, allocator := readyAllocator(t, ctrl, discreteGPUSetup(core1_0.MemoryPropertyDeviceLocal))

	// One block allocation and one dedicated allocation against memory type 0
	blockMemory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(blockMemory, core1_0.VKSuccess, nil)
	blockMemory.EXPECT().Free(gomock.Any())

	dedicatedMemory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(dedicatedMemory, core1_0.VKSuccess, nil)
	dedicatedMemory.EXPECT().Free(gomock.Any())

	var blockAlloc Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
	}, &blockAlloc)
	require.NoError(t, err)

	var dedicatedAlloc Allocation
	_, err = allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageUnknown,
		Flags: AllocationCreateDedicatedMemory,
	}, &dedicatedAlloc)
	require.NoError(t, err)

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)

	// A dedicated allocation counts as a block of its own size, so the 15628-byte
	// block and the 1000-byte dedicated memory combine into two blocks
	var expected memutil.DetailedStatistics
	expected.Clear()
	expected.BlockCount = 2
	expected.AllocationCount = 2
	expected.BlockBytes = 16628
	expected.AllocationBytes = 2000
	expected.UnusedRangeCount = 1
	expected.AllocationSizeMin = 1000
	expected.AllocationSizeMax = 1000
	expected.UnusedRangeSizeMin = 14628
	expected.UnusedRangeSizeMax = 14628

	require.Equal(t, expected, stats.MemoryTypes[0])
	require.Equal(t, expected, stats.MemoryHeaps[0])
	require.Equal(t, expected, stats.Total)

	var empty memutil.DetailedStatistics
	empty.Clear()
	require.Equal(t, empty, stats.MemoryTypes[1])
	require.Equal(t, empty, stats.MemoryHeaps[1])

	// The full metadata walk must agree with the incrementally-maintained
	// budget counters
	budgets := make([]Budget, 2)
	allocator.HeapBudgets(0, budgets)
	require.Equal(t, stats.MemoryHeaps[0].Statistics, budgets[0].Statistics)
	require.Equal(t, stats.MemoryHeaps[1].Statistics, budgets[1].Statistics)

	err = blockAlloc.Free()
	require.NoError(t, err)
	err = dedicatedAlloc.Free()
	require.NoError(t, err)

	err = allocator.Destroy()
	require.NoError(t, err)
}

func TestHeapBudgets(t *testing.T) {
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

	budgets := make([]Budget, 1)
	allocator.HeapBudgets(0, budgets)

	// Without the memory-budget extension the estimate is 80% of heap size
	require.Equal(t, Budget{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			AllocationCount: 1,
			BlockBytes:      15628,
			AllocationBytes: 1000,
		},
		Usage:  15628,
		Budget: 800000,
	}, budgets[0])

	err = allocation.Free()
	require.NoError(t, err)

	err = allocator.Destroy()
	require.NoError(t, err)
}

func TestBuildStatsString(t *testing.T) {
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

	statsString := allocator.BuildStatsString(true)
	require.True(t, json.Valid([]byte(statsString)))
	require.Contains(t, statsString, "General")
	require.Contains(t, statsString, "Total")
	require.Contains(t, statsString, "MemoryInfo")
	require.Contains(t, statsString, "DefaultPools")

	summaryString := allocator.BuildStatsString(false)
	require.True(t, json.Valid([]byte(summaryString)))
	require.NotContains(t, summaryString, "DefaultPools")

	err = allocation.Free()
	require.NoError(t, err)

	err = allocator.Destroy()
	require.NoError(t, err)
}
