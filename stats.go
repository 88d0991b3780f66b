package vkmem

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"

	"github.com/cobaltgfx/vkmem/internal/vkdev"
	"github.com/cobaltgfx/vkmem/memutil"
)

// Budget is a snapshot of one memory heap's usage, as close to live as the
// active extension set allows
type Budget struct {
	// Statistics is the incremental state of this process's activity against
	// the heap
	Statistics memutil.Statistics
	// Usage is an estimate of the heap's current total usage in bytes,
	// including other processes when the memory-budget extension is active
	Usage int
	// Budget is an estimate of how many bytes this heap can hold before
	// allocations begin to fail or degrade
	Budget int
}

// AllocatorStatistics is the destination for Allocator.CalculateStatistics:
// detailed statistics for each memory type and heap, plus a grand total.
// Unused slots are left cleared.
type AllocatorStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutil.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutil.DetailedStatistics
	Total       memutil.DetailedStatistics
}

// CalculateStatistics walks every block list and dedicated-allocation list
// owned by this Allocator, including custom pools, and populates stats with
// the results. This is a slow operation that takes many locks, so it is best
// used for debugging.
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	for typeIndex := 0; typeIndex < len(stats.MemoryTypes); typeIndex++ {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < len(stats.MemoryHeaps); heapIndex++ {
		stats.MemoryHeaps[heapIndex].Clear()
	}
	stats.Total.Clear()

	// Default pools
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		blockList := a.memoryBlockLists[typeIndex]
		if blockList != nil {
			blockList.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		}

		dedicatedList := a.dedicatedAllocations[typeIndex]
		if dedicatedList != nil {
			dedicatedList.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		}
	}

	// Custom pools fold into the memory type they were built on
	a.poolsMutex.RLock()
	for pool := a.pools; pool != nil; pool = pool.next {
		typeIndex := pool.blockList.memoryTypeIndex
		pool.blockList.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		pool.dedicatedAllocations.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}
	a.poolsMutex.RUnlock()

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// HeapBudgets populates one Budget per provided slot, beginning with the heap
// at firstHeap
func (a *Allocator) HeapBudgets(firstHeap int, budgets []Budget) {
	scratch := make([]vkdev.Budget, len(budgets))
	a.deviceMemory.HeapBudgets(firstHeap, scratch)

	for i := 0; i < len(scratch); i++ {
		budgets[i] = Budget(scratch[i])
	}
}

// BuildStatsString serializes this Allocator's current state to a JSON string:
// totals, per-heap budgets, and per-type statistics. When detailedMap is true,
// the output also includes a block-by-block map of every suballocation in the
// default pools and every custom pool, which can get very large.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	heapCount := a.deviceMemory.MemoryHeapCount()
	budgets := make([]vkdev.Budget, heapCount)
	a.deviceMemory.HeapBudgets(0, budgets)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("MemoryHeapCount").Int(heapCount)
	generalObj.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	generalObj.End()

	totalObj := rootObj.Name("Total").Object()
	stats.Total.PrintJson(&totalObj)
	totalObj.End()

	heapsObj := rootObj.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		heapObj := heapsObj.Name("Heap " + strconv.Itoa(heapIndex)).Object()

		heapProps := a.deviceMemory.MemoryHeapProperties(heapIndex)
		heapObj.Name("Flags").String(heapProps.Flags.String())
		heapObj.Name("Size").Int(heapProps.Size)

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(budgets[heapIndex].Budget)
		budgetObj.Name("UsageBytes").Int(budgets[heapIndex].Usage)
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		stats.MemoryHeaps[heapIndex].PrintJson(&statsObj)
		statsObj.End()

		typesObj := heapObj.Name("MemoryPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := typesObj.Name("Type " + strconv.Itoa(typeIndex)).Object()
			typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())

			typeStatsObj := typeObj.Name("Stats").Object()
			stats.MemoryTypes[typeIndex].PrintJson(&typeStatsObj)
			typeStatsObj.End()

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	heapsObj.End()

	if detailedMap {
		defaultPoolsObj := rootObj.Name("DefaultPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			blockList := a.memoryBlockLists[typeIndex]
			if blockList == nil {
				continue
			}

			typeObj := defaultPoolsObj.Name("Type " + strconv.Itoa(typeIndex)).Object()
			typeObj.Name("PreferredBlockSize").Int(blockList.PreferredBlockSize())

			blockList.PrintDetailedMap(typeObj.Name("Blocks"))

			dedicatedList := a.dedicatedAllocations[typeIndex]
			if dedicatedList != nil {
				dedicatedList.BuildStatsString(typeObj.Name("DedicatedAllocations"))
			}

			typeObj.End()
		}
		defaultPoolsObj.End()

		a.poolsMutex.RLock()
		poolsObj := rootObj.Name("CustomPools").Object()
		for pool := a.pools; pool != nil; pool = pool.next {
			poolName := strconv.Itoa(pool.id)
			if pool.name != "" {
				poolName = poolName + " - " + pool.name
			}

			poolObj := poolsObj.Name(poolName).Object()
			poolObj.Name("PreferredBlockSize").Int(pool.blockList.PreferredBlockSize())

			pool.blockList.PrintDetailedMap(poolObj.Name("Blocks"))
			pool.dedicatedAllocations.BuildStatsString(poolObj.Name("DedicatedAllocations"))

			poolObj.End()
		}
		poolsObj.End()
		a.poolsMutex.RUnlock()
	}

	rootObj.End()

	return string(writer.Bytes())
}
