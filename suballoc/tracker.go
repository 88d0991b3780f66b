package suballoc

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/cobaltgfx/vkmem/memutil"
)

// Tracker is the free-region ledger for a single block of memory. It hands out
// regions of the block as allocations, frees them, and answers occupancy queries.
// A Tracker never touches the memory it describes; it only does bookkeeping.
type Tracker interface {
	// Init prepares the tracker to manage a block of the provided size in bytes.
	// It must be called exactly once before any other method.
	Init(size int)
	// Size returns the block size the tracker was initialized with
	Size() int
	// SupportsRandomAccess reports whether allocations can be placed and freed at
	// arbitrary positions. GeneralTracker returns true; LinearTracker returns
	// false. Only random-access trackers can participate in defragmentation.
	SupportsRandomAccess() bool

	// Validate runs internal consistency checks. It only returns an error when
	// the tracker's bookkeeping has been corrupted, so it is primarily useful in
	// tests and debug builds.
	Validate() error
	// AllocationCount returns the number of live allocations in the block
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the block.
	// Adjacent free space is coalesced into a single region.
	FreeRegionsCount() int
	// SumFreeSize returns the total number of free bytes in the block
	SumFreeSize() int
	// MayFit is a fast check for whether an allocation of the given type and
	// size could plausibly succeed. Defragmentation uses it to skip blocks
	// cheaply, so false positives are fine and false negatives should be rare.
	MayFit(allocType uint32, size int) bool
	// IsEmpty returns true when the block holds no live allocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once per region, allocated and
	// free alike, in offset order where the implementation allows. This can be
	// slow; it exists for diagnostics and statistics dumps.
	VisitAllRegions(visit func(handle RegionHandle, offset int, size int, userData any, free bool) error) error
	// FirstAllocation begins an iteration over live allocations and returns the
	// first handle, or NoRegion when the block is empty. GeneralTracker iterates
	// from the end of the block toward offset 0. It returns an error for
	// trackers without random access.
	FirstAllocation() (RegionHandle, error)
	// NextAllocation returns the handle of the live allocation following the
	// provided one in iteration order, or NoRegion when none remain. It returns
	// an error for trackers without random access or when the handle is not a
	// live allocation.
	NextAllocation(handle RegionHandle) (RegionHandle, error)
	// NextFreeRegionSize returns the size of the free region adjoining the
	// provided allocation in iteration order, or 0 when that neighbor is
	// allocated
	NextFreeRegionSize(handle RegionHandle) (int, error)

	// AllocationOffset returns the byte offset of the region behind the handle
	AllocationOffset(handle RegionHandle) (int, error)
	// AllocationUserData returns the consumer data attached to a live allocation
	AllocationUserData(handle RegionHandle) (any, error)
	// SetAllocationUserData replaces the consumer data attached to a live allocation
	SetAllocationUserData(handle RegionHandle, userData any) error

	// AddDetailedStatistics folds this block's occupancy into the provided
	// counters, walking regions to collect extrema
	AddDetailedStatistics(stats *memutil.DetailedStatistics)
	// AddStatistics folds this block's occupancy into the provided counters
	// without walking regions
	AddStatistics(stats *memutil.Statistics)

	// Clear frees every allocation at once
	Clear()
	// BlockJsonData writes this block's occupancy snapshot into a JSON object
	BlockJsonData(json jwriter.ObjectState)
	// CheckCorruption verifies the guard margins trailing every allocation in the
	// block, reading them through the provided pointer to the block's mapped
	// memory. It is only meaningful when memutil.GuardMargin is nonzero.
	CheckCorruption(blockData unsafe.Pointer) error

	// PlanAllocation finds space for an allocation and returns a Request that can
	// be committed with Allocate. The boolean result is false when the block has
	// no suitable space.
	//
	// upperAddress requests placement in the upper tranche of a double-stack
	// linear tracker and is an error elsewhere. maxOffset fails the plan if the
	// allocation cannot be placed at or below the provided offset; pass
	// math.MaxInt outside of defragmentation.
	PlanAllocation(
		allocSize int, allocAlignment uint,
		upperAddress bool,
		allocType uint32,
		strategy Strategy,
		maxOffset int,
	) (bool, Request, error)
	// Allocate commits a Request produced by PlanAllocation. It returns an error
	// if the request has gone stale.
	Allocate(request Request, allocType uint32, userData any) error

	// Free returns an allocated region to the free ledger, coalescing with
	// adjacent free regions
	Free(handle RegionHandle) error
}

// TrackerBase carries the bookkeeping shared by all Tracker implementations
type TrackerBase struct {
	size               int
	granularity        int
	granularityHandler GranularityHandler
}

// NewTrackerBase builds the shared tracker state from the consumer's granularity
// value and handler. Pass granularity 1 and a no-op handler when the memory
// system has no inter-type placement rules.
func NewTrackerBase(granularity int, granularityHandler GranularityHandler) TrackerBase {
	return TrackerBase{
		size:               0,
		granularity:        granularity,
		granularityHandler: granularityHandler,
	}
}

func (m *TrackerBase) Init(size int) {
	m.size = size
}

func (m *TrackerBase) Size() int { return m.size }

// BlockJsonData writes the occupancy fields common to all tracker implementations
func (m *TrackerBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
