package suballoc_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobaltgfx/vkmem/memutil"
	"github.com/cobaltgfx/vkmem/suballoc"
)

// A granularity handler where different allocation types always conflict
type conflictGranularity struct {
	suballoc.FakeGranularity
}

func (c conflictGranularity) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return firstAllocType != secondAllocType
}

func TestLinearAlloc(t *testing.T) {
	linear := suballoc.NewLinearTracker(1, suballoc.FakeGranularity{})
	linear.Init(1000)

	var stats memutil.DetailedStatistics
	stats.Clear()
	linear.AddDetailedStatistics(&stats)

	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	success, request, err := linear.PlanAllocation(100, 1, false, 1, suballoc.StrategyMinTime, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := request.Handle
	err = linear.Allocate(request, 1, &alloc1)
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	success, request, err = linear.PlanAllocation(50, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := request.Handle
	err = linear.Allocate(request, 1, &alloc2)
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 150,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  50,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 850,
		UnusedRangeSizeMax: 850,
	}, stats)

	success, request, err = linear.PlanAllocation(25, 1, true, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := request.Handle
	err = linear.Allocate(request, 1, &alloc3)
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 3,
			AllocationBytes: 175,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  25,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 825,
		UnusedRangeSizeMax: 825,
	}, stats)

	err = linear.Validate()
	require.NoError(t, err)

	err = linear.Free(alloc1)
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 75,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  25,
		AllocationSizeMax:  50,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 825,
	}, stats)

	err = linear.Free(alloc2)
	require.NoError(t, err)
	err = linear.Free(alloc3)
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	err = linear.Validate()
	require.NoError(t, err)
}

func TestLinearRingBuffer(t *testing.T) {
	linear := suballoc.NewLinearTracker(1, suballoc.FakeGranularity{})
	linear.Init(1000)

	success, request, err := linear.PlanAllocation(500, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := request.Handle
	err = linear.Allocate(request, 1, &alloc1)
	require.NoError(t, err)

	success, request, err = linear.PlanAllocation(500, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := request.Handle
	err = linear.Allocate(request, 1, &alloc2)
	require.NoError(t, err)

	var stats memutil.DetailedStatistics
	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 1000,
		},
		UnusedRangeCount:   0,
		AllocationSizeMin:  500,
		AllocationSizeMax:  500,
		UnusedRangeSizeMin: math.MaxInt,
		UnusedRangeSizeMax: 0,
	}, stats)

	err = linear.Validate()
	require.NoError(t, err)

	// The block is full, but freeing the oldest allocation lets a new one wrap
	// around into the reclaimed space
	err = linear.Free(alloc1)
	require.NoError(t, err)

	success, request, err = linear.PlanAllocation(500, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := request.Handle
	err = linear.Allocate(request, 1, &alloc3)
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 1000,
		},
		UnusedRangeCount:   0,
		AllocationSizeMin:  500,
		AllocationSizeMax:  500,
		UnusedRangeSizeMin: math.MaxInt,
		UnusedRangeSizeMax: 0,
	}, stats)

	err = linear.Validate()
	require.NoError(t, err)

	linear.Clear()

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	err = linear.Validate()
	require.NoError(t, err)
}

func TestLinearFree(t *testing.T) {
	linear := suballoc.NewLinearTracker(1, suballoc.FakeGranularity{})
	linear.Init(1000)

	lowerAllocs := make([]suballoc.RegionHandle, 4)
	for i := 0; i < 4; i++ {
		success, request, err := linear.PlanAllocation(100, 1, false, 1, suballoc.StrategyMinTime, math.MaxInt)
		require.NoError(t, err)
		require.True(t, success)

		lowerAllocs[i] = request.Handle
		err = linear.Allocate(request, 1, &lowerAllocs[i])
		require.NoError(t, err)
	}

	upperAllocs := make([]suballoc.RegionHandle, 3)
	for i := 0; i < 3; i++ {
		success, request, err := linear.PlanAllocation(100, 1, true, 1, suballoc.StrategyMinTime, math.MaxInt)
		require.NoError(t, err)
		require.True(t, success)

		upperAllocs[i] = request.Handle
		err = linear.Allocate(request, 1, &upperAllocs[i])
		require.NoError(t, err)
	}

	var stats memutil.DetailedStatistics
	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 7,
			AllocationBytes: 700,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 300,
		UnusedRangeSizeMax: 300,
	}, stats)

	err := linear.Validate()
	require.NoError(t, err)

	// Free the newest allocation of the lower stack
	err = linear.Free(lowerAllocs[3])
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 6,
			AllocationBytes: 600,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 400,
		UnusedRangeSizeMax: 400,
	}, stats)

	// Free from the middle of the lower stack
	err = linear.Free(lowerAllocs[1])
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 5,
			AllocationBytes: 500,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 400,
	}, stats)

	// Free from the middle of the upper stack
	err = linear.Free(upperAllocs[1])
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 4,
			AllocationBytes: 400,
		},
		UnusedRangeCount:   3,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 400,
	}, stats)

	err = linear.Free(lowerAllocs[0])
	require.NoError(t, err)
	err = linear.Free(lowerAllocs[2])
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 700,
	}, stats)

	err = linear.Free(upperAllocs[2])
	require.NoError(t, err)
	err = linear.Free(upperAllocs[0])
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	err = linear.Validate()
	require.NoError(t, err)
}

func TestLinearRandomAccessFails(t *testing.T) {
	linear := suballoc.NewLinearTracker(1, suballoc.FakeGranularity{})
	linear.Init(1000)
	require.False(t, linear.SupportsRandomAccess())
	_, err := linear.FirstAllocation()
	require.Error(t, err)
	_, err = linear.NextAllocation(suballoc.NoRegion)
	require.Error(t, err)
	_, err = linear.NextFreeRegionSize(suballoc.NoRegion)
	require.Error(t, err)
}

func TestLinearUserDataGetSet(t *testing.T) {
	linear := suballoc.NewLinearTracker(1, suballoc.FakeGranularity{})
	linear.Init(1000)

	success, request, err := linear.PlanAllocation(100, 1, false, 1, suballoc.StrategyMinTime, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := request.Handle
	err = linear.Allocate(request, 1, &alloc1)
	require.NoError(t, err)

	success, request, err = linear.PlanAllocation(100, 1, true, 1, suballoc.StrategyMinTime, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := request.Handle
	err = linear.Allocate(request, 1, &alloc2)
	require.NoError(t, err)

	userData, err := linear.AllocationUserData(alloc1)
	require.NoError(t, err)
	allocUserData, ok := userData.(*suballoc.RegionHandle)
	require.True(t, ok)
	require.NotNil(t, allocUserData)
	require.Equal(t, alloc1, *allocUserData)

	userData, err = linear.AllocationUserData(alloc2)
	require.NoError(t, err)
	allocUserData, ok = userData.(*suballoc.RegionHandle)
	require.True(t, ok)
	require.NotNil(t, allocUserData)
	require.Equal(t, alloc2, *allocUserData)

	var value int = 99
	err = linear.SetAllocationUserData(alloc1, &value)
	require.NoError(t, err)

	userData, err = linear.AllocationUserData(alloc1)
	require.NoError(t, err)
	allocValue, ok := userData.(*int)
	require.True(t, ok)
	require.NotNil(t, allocValue)
	require.Equal(t, 99, *allocValue)
}

func TestLinearGranularityLogic(t *testing.T) {
	linear := suballoc.NewLinearTracker(8, conflictGranularity{})
	linear.Init(1000)

	// Two conflicting alloc types next to each other
	success, request, err := linear.PlanAllocation(100, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := request.Handle
	err = linear.Allocate(request, 1, &alloc1)
	require.NoError(t, err)

	success, request, err = linear.PlanAllocation(100, 1, false, 2, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := request.Handle
	err = linear.Allocate(request, 2, &alloc2)
	require.NoError(t, err)

	var stats memutil.DetailedStatistics
	stats.Clear()
	linear.AddDetailedStatistics(&stats)

	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 4,
		UnusedRangeSizeMax: 796,
	}, stats)
	linear.Clear()

	// Two non-conflicting alloc types next to each other
	success, request, err = linear.PlanAllocation(100, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 = request.Handle
	err = linear.Allocate(request, 1, &alloc1)
	require.NoError(t, err)

	success, request, err = linear.PlanAllocation(100, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 = request.Handle
	err = linear.Allocate(request, 1, &alloc2)
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 800,
		UnusedRangeSizeMax: 800,
	}, stats)

	linear.Clear()

	// Two conflicting alloc types next to each other in the upper stack
	success, request, err = linear.PlanAllocation(100, 1, true, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 = request.Handle
	err = linear.Allocate(request, 1, &alloc1)
	require.NoError(t, err)

	success, request, err = linear.PlanAllocation(100, 1, true, 2, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 = request.Handle
	err = linear.Allocate(request, 2, &alloc2)
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 8,
		UnusedRangeSizeMax: 792,
	}, stats)
	linear.Clear()

	// Two conflicting alloc types in a ring buffer
	success, request, err = linear.PlanAllocation(500, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 = request.Handle
	err = linear.Allocate(request, 1, &alloc1)
	require.NoError(t, err)

	success, request, err = linear.PlanAllocation(500, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 = request.Handle
	err = linear.Allocate(request, 1, &alloc2)
	require.NoError(t, err)

	err = linear.Free(alloc1)
	require.NoError(t, err)

	success, request, err = linear.PlanAllocation(100, 1, false, 1, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := request.Handle
	err = linear.Allocate(request, 1, &alloc3)
	require.NoError(t, err)

	success, request, err = linear.PlanAllocation(100, 1, false, 2, suballoc.StrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	alloc4 := request.Handle
	err = linear.Allocate(request, 2, &alloc4)
	require.NoError(t, err)

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutil.DetailedStatistics{
		Statistics: memutil.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 3,
			AllocationBytes: 700,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  500,
		UnusedRangeSizeMin: 4,
		UnusedRangeSizeMax: 296,
	}, stats)

	err = linear.Free(alloc2)
	require.NoError(t, err)
}

func TestLinearDoubleStack(t *testing.T) {
	linear := suballoc.NewLinearTracker(1, suballoc.FakeGranularity{})
	linear.Init(1000)

	success, request, err := linear.PlanAllocation(300, 1, false, 1, suballoc.StrategyMinTime, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	bottom := request.Handle
	err = linear.Allocate(request, 1, &bottom)
	require.NoError(t, err)
	require.Equal(t, suballoc.RegionHandle(1), bottom)

	// The upper stack grows down from the end of the block
	success, request, err = linear.PlanAllocation(300, 1, true, 1, suballoc.StrategyMinTime, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	top1 := request.Handle
	err = linear.Allocate(request, 1, &top1)
	require.NoError(t, err)
	require.Equal(t, suballoc.RegionHandle(701), top1)

	success, request, err = linear.PlanAllocation(300, 1, true, 1, suballoc.StrategyMinTime, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	top2 := request.Handle
	err = linear.Allocate(request, 1, &top2)
	require.NoError(t, err)
	require.Equal(t, suballoc.RegionHandle(401), top2)

	// Another 300 at the bottom would run into the top of the upper stack
	success, _, err = linear.PlanAllocation(300, 1, false, 1, suballoc.StrategyMinTime, math.MaxInt)
	require.NoError(t, err)
	require.False(t, success)

	// Another 150 at the top would back into the end of the lower stack
	success, _, err = linear.PlanAllocation(150, 1, true, 1, suballoc.StrategyMinTime, math.MaxInt)
	require.NoError(t, err)
	require.False(t, success)

	// The 100 bytes left between the stacks are still usable
	success, request, err = linear.PlanAllocation(100, 1, false, 1, suballoc.StrategyMinTime, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	middle := request.Handle
	err = linear.Allocate(request, 1, &middle)
	require.NoError(t, err)
	require.Equal(t, suballoc.RegionHandle(301), middle)

	err = linear.Validate()
	require.NoError(t, err)

	err = linear.Free(middle)
	require.NoError(t, err)
	err = linear.Free(bottom)
	require.NoError(t, err)
	err = linear.Free(top2)
	require.NoError(t, err)
	err = linear.Free(top1)
	require.NoError(t, err)

	require.True(t, linear.IsEmpty())
	require.Equal(t, 1000, linear.SumFreeSize())

	err = linear.Validate()
	require.NoError(t, err)
}
