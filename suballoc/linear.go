package suballoc

import (
	"fmt"
	"math"
	"sort"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/cobaltgfx/vkmem/memutil"
)

type secondVectorMode uint32

const (
	secondVectorEmpty secondVectorMode = iota
	secondVectorRingBuffer
	secondVectorDoubleStack
)

var secondVectorModeNames = map[secondVectorMode]string{
	secondVectorEmpty:       "secondVectorEmpty",
	secondVectorRingBuffer:  "secondVectorRingBuffer",
	secondVectorDoubleStack: "secondVectorDoubleStack",
}

func (m secondVectorMode) String() string {
	return secondVectorModeNames[m]
}

// LinearTracker is a Tracker implementation that hands out space sequentially,
// like an arena.
//
// It operates in one of three modes:
//   - Stack, the default. Allocations are appended to the end of the used
//     space, and frees only reclaim space for new allocations when they come
//     off the end.
//   - Double stack, entered when an allocation requests upperAddress=true
//     while in stack mode. The block then holds two stacks, one growing up
//     from offset 0 and one growing down from the end.
//   - Ring buffer, entered when an allocation no longer fits at the end of the
//     first stack and wraps around to reuse space freed from the front. When
//     a free empties the entire first stack, the two stacks swap and the
//     empty one becomes the second.
type LinearTracker struct {
	TrackerBase

	sumFreeSize      int
	regions0         []Region
	regions1         []Region
	firstVectorIndex int
	secondMode       secondVectorMode

	// Leading freed slots in the first vector
	firstNullsAtStart int
	// Other freed slots in the first vector
	firstNullsInMiddle int
	// Freed slots in the second vector
	secondNulls int
}

var _ Tracker = &LinearTracker{}

// NewLinearTracker creates a LinearTracker. The granularity arguments are
// passed through to NewTrackerBase.
func NewLinearTracker(bufferImageGranularity int, granularityHandler GranularityHandler) *LinearTracker {
	return &LinearTracker{
		TrackerBase: NewTrackerBase(bufferImageGranularity, granularityHandler),
		secondMode:  secondVectorEmpty,
		regions0:    []Region{},
		regions1:    []Region{},
	}
}

func (m *LinearTracker) SumFreeSize() int {
	return m.sumFreeSize
}

func (m *LinearTracker) IsEmpty() bool {
	return m.AllocationCount() == 0
}

// SupportsRandomAccess returns false: linear blocks place allocations at
// deterministic offsets and cannot be defragmented.
func (m *LinearTracker) SupportsRandomAccess() bool { return false }

// AllocationOffset returns the byte offset encoded in the handle. Linear
// handles are always the region offset plus one, so no lookup is needed.
func (m *LinearTracker) AllocationOffset(handle RegionHandle) (int, error) {
	return int(handle) - 1, nil
}

func (m *LinearTracker) Init(size int) {
	m.TrackerBase.Init(size)
	m.sumFreeSize = size
}

// Validate performs internal consistency checks on the tracker's vectors and
// null-item counters. It should never return an error when the tracker is
// working correctly.
func (m *LinearTracker) Validate() error {
	first := *m.firstVector()
	second := *m.secondVector()

	if len(second) == 0 && m.secondMode != secondVectorEmpty {
		return errors.New("the second vector mode isn't secondVectorEmpty, but the second vector is empty")
	} else if len(second) != 0 && m.secondMode == secondVectorEmpty {
		return errors.New("the second vector mode is secondVectorEmpty, but the second vector isn't empty")
	}

	if len(first) != 0 {
		if first[m.firstNullsAtStart].Type == 0 {
			return errors.Errorf("there should only be %d free items at the beginning of the first vector, but there seem to be more", m.firstNullsAtStart)
		}

		if first[len(first)-1].Type == 0 {
			return errors.New("there should not be lingering free items at the end of the first vector")
		}
	}

	if len(second) != 0 {
		if second[len(second)-1].Type == 0 {
			return errors.New("there should not be lingering free items at the end of the second vector")
		}
	}

	if m.firstNullsAtStart+m.firstNullsInMiddle > len(first) {
		return errors.Errorf("the tracker indicates that there are %d free items in the first vector, but there are only %d total items", m.firstNullsInMiddle+m.firstNullsAtStart, len(first))
	}

	if m.secondNulls > len(second) {
		return errors.Errorf("the tracker indicates that there are %d free items in the second vector, but there are only %d total items", m.secondNulls, len(second))
	}

	var sumUsedSize, offset int
	guardMargin := memutil.GuardMargin

	if m.secondMode == secondVectorRingBuffer {
		if len(first) == 0 && len(second) != 0 {
			return errors.New("invalid ring buffer setup")
		}

		var secondNullCount int
		for regionIndex, region := range second {
			isFree := region.Type == 0

			if region.Offset < offset {
				return errors.Errorf("region at index %d in the second ring buffer has offset %d- this collides with previous regions, expected offset %d", regionIndex, region.Offset, offset)
			}

			if !isFree {
				sumUsedSize += region.Size
			} else {
				secondNullCount++
			}

			offset = region.Offset + region.Size + guardMargin
		}

		if secondNullCount != m.secondNulls {
			return errors.Errorf("counted %d null items in the second ring buffer, but the tracker indicates we should have %d", secondNullCount, m.secondNulls)
		}
	}

	firstNullCount := m.firstNullsAtStart
	for regionIndex := m.firstNullsAtStart; regionIndex < len(first); regionIndex++ {
		region := first[regionIndex]
		isFree := region.Type == 0

		if region.Offset < offset {
			return errors.Errorf("region at index %d in the first vector has offset %d- this collides with previous regions, expected offset %d", regionIndex, region.Offset, offset)
		}

		if !isFree {
			sumUsedSize += region.Size
		} else {
			firstNullCount++
		}

		offset = region.Offset + region.Size + guardMargin
	}

	if firstNullCount != m.firstNullsAtStart+m.firstNullsInMiddle {
		return errors.Errorf("counted %d null items in the first vector, but the tracker indicates we should have %d", firstNullCount, m.firstNullsInMiddle+m.firstNullsAtStart)
	}

	if m.secondMode == secondVectorDoubleStack {
		var secondNullCount int
		for regionIndex, region := range second {
			isFree := region.Type == 0

			if region.Offset < offset {
				return errors.Errorf("region at index %d in the second stack has offset %d- this collides with previous regions, expected offset %d", regionIndex, region.Offset, offset)
			}

			if !isFree {
				sumUsedSize += region.Size
			} else {
				secondNullCount++
			}

			offset = region.Offset - region.Size - guardMargin
		}

		if secondNullCount != m.secondNulls {
			return errors.Errorf("counted %d null items in the second stack, but the tracker indicates we should have %d", secondNullCount, m.secondNulls)
		}
	}

	if offset > m.Size() {
		return errors.Errorf("calculated a combined maximum memory offset of %d, but the tracker indicates a total size of %d, which is smaller", offset, m.Size())
	}

	if m.sumFreeSize != m.Size()-sumUsedSize {
		return errors.Errorf("the tracker's free size %d and the calculated used size %d don't add up to the tracker-reported size of %d", m.sumFreeSize, sumUsedSize, m.Size())
	}

	return nil
}

func (m *LinearTracker) AllocationCount() int {
	first := *m.firstVector()
	second := *m.secondVector()

	return len(first) - m.firstNullsAtStart - m.firstNullsInMiddle + len(second) - m.secondNulls
}

// FreeRegionsCount returns math.MaxInt: defragmentation is disabled for
// linear blocks, and the sentinel keeps them out of any free-region ordering.
func (m *LinearTracker) FreeRegionsCount() int {
	return math.MaxInt
}

// VisitAllRegions walks the ring/stack layout in offset order, calling the
// provided callback once per allocated and free region.
func (m *LinearTracker) VisitAllRegions(visit func(handle RegionHandle, offset int, size int, userData any, free bool) error) error {
	size := m.Size()
	first := *m.firstVector()
	second := *m.secondVector()
	lastOffset := 0

	if m.secondMode == secondVectorRingBuffer {
		// The second vector's regions live below the start of the first vector
		freeSpaceSecondToFirstEnd := first[m.firstNullsAtStart].Offset
		nextSecondIndex := 0

		for lastOffset < freeSpaceSecondToFirstEnd {
			// Find the next taken region or move nextSecondIndex to the end
			for nextSecondIndex < len(second) && second[nextSecondIndex].UserData == nil {
				nextSecondIndex++
			}

			if nextSecondIndex < len(second) {
				region := second[nextSecondIndex]

				// Free space before the region
				if lastOffset < region.Offset {
					err := visit(RegionHandle(lastOffset), lastOffset, region.Offset-lastOffset, nil, true)
					if err != nil {
						return err
					}
				}

				err := visit(RegionHandle(region.Offset), region.Offset, region.Size, region.UserData, false)
				if err != nil {
					return err
				}

				lastOffset = region.Offset + region.Size
				nextSecondIndex++
			} else {
				// Free space after the final region
				if lastOffset < freeSpaceSecondToFirstEnd {
					err := visit(RegionHandle(lastOffset), lastOffset, freeSpaceSecondToFirstEnd-lastOffset, nil, true)
					if err != nil {
						return err
					}
				}

				lastOffset = freeSpaceSecondToFirstEnd
			}
		}
	}

	nextFirstIndex := m.firstNullsAtStart

	// The first vector usually runs to the end of the block
	freeSpaceFirstToSecondEnd := size

	if m.secondMode == secondVectorDoubleStack {
		// With a double stack it runs to the top of the second stack
		freeSpaceFirstToSecondEnd = second[len(second)-1].Offset
	}

	for lastOffset < freeSpaceFirstToSecondEnd {
		// Find the next taken region or move nextFirstIndex to the end
		for nextFirstIndex < len(first) && first[nextFirstIndex].UserData == nil {
			nextFirstIndex++
		}

		if nextFirstIndex < len(first) {
			region := first[nextFirstIndex]

			// Free space before the region
			if lastOffset < region.Offset {
				err := visit(RegionHandle(lastOffset), lastOffset, region.Offset-lastOffset, nil, true)
				if err != nil {
					return err
				}
			}

			err := visit(RegionHandle(region.Offset), region.Offset, region.Size, region.UserData, false)
			if err != nil {
				return err
			}

			lastOffset = region.Offset + region.Size
			nextFirstIndex++
		} else {
			// Free space after the final region
			err := visit(RegionHandle(lastOffset), lastOffset, freeSpaceFirstToSecondEnd-lastOffset, nil, true)
			if err != nil {
				return err
			}

			lastOffset = freeSpaceFirstToSecondEnd
		}
	}

	if m.secondMode == secondVectorDoubleStack {
		nextSecondIndex := len(second) - 1
		for lastOffset < size {
			// Find the next taken region or move nextSecondIndex past the start
			for nextSecondIndex >= 0 && second[nextSecondIndex].UserData == nil {
				nextSecondIndex--
			}

			if nextSecondIndex >= 0 {
				region := second[nextSecondIndex]

				// Free space before the region
				if lastOffset < region.Offset {
					err := visit(RegionHandle(lastOffset), lastOffset, region.Offset-lastOffset, nil, true)
					if err != nil {
						return err
					}
				}

				err := visit(RegionHandle(region.Offset), region.Offset, region.Size, region.UserData, false)
				if err != nil {
					return err
				}

				lastOffset = region.Offset + region.Size
				nextSecondIndex--
			} else {
				// Free space after the final region
				err := visit(RegionHandle(lastOffset), lastOffset, size-lastOffset, nil, true)
				if err != nil {
					return err
				}

				lastOffset = size
			}
		}
	}

	return nil
}

func (m *LinearTracker) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	stats.Statistics.BlockCount++
	stats.Statistics.BlockBytes += m.Size()

	_ = m.VisitAllRegions(
		func(handle RegionHandle, offset int, size int, userData any, free bool) error {
			if free {
				stats.AddUnusedRange(size)
			} else {
				stats.AddAllocation(size)
			}

			return nil
		})
}

func (m *LinearTracker) AddStatistics(stats *memutil.Statistics) {
	size := m.Size()
	stats.BlockCount++
	stats.BlockBytes += size
	stats.AllocationBytes += size - m.sumFreeSize

	_ = m.VisitAllRegions(
		func(handle RegionHandle, offset int, size int, userData any, free bool) error {
			if !free {
				stats.AllocationCount++
			}

			return nil
		})
}

func (m *LinearTracker) BlockJsonData(json jwriter.ObjectState) {
	size := m.Size()
	var unusedRangeCount, usedBytes, allocCount int

	_ = m.VisitAllRegions(
		func(handle RegionHandle, offset int, size int, userData any, free bool) error {
			if free {
				unusedRangeCount++
			} else {
				usedBytes += size
				allocCount++
			}

			return nil
		})

	unusedBytes := size - usedBytes
	m.TrackerBase.BlockJsonData(json, unusedBytes, allocCount, unusedRangeCount)
}

// PlanAllocation finds space for an allocation at the end of the appropriate
// vector. The maxOffset parameter is ignored because linear blocks never
// participate in defragmentation.
func (m *LinearTracker) PlanAllocation(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocType uint32,
	strategy Strategy,
	maxOffset int,
) (bool, Request, error) {
	if allocSize <= 0 {
		return false, Request{}, errors.New("allocation size must be greater than 0")
	}
	if allocType == 0 {
		return false, Request{}, errors.New("allocation type cannot be the free marker")
	}
	memutil.DebugValidate(m)

	request := Request{
		Size: allocSize,
	}
	if upperAddress {
		success, err := m.planUpperAddress(allocSize, allocAlignment, allocType, &request)
		return success, request, err
	}

	success := m.planLowerAddress(allocSize, allocAlignment, allocType, &request)
	return success, request, nil
}

// CheckCorruption verifies the guard values trailing every live allocation in
// both vectors. Guards only exist in builds with the debug_mem_guards tag, and
// only for allocations whose owner wrote them with memutil.WriteGuard.
func (m *LinearTracker) CheckCorruption(blockData unsafe.Pointer) error {
	first := *m.firstVector()

	for i := m.firstNullsAtStart; i < len(first); i++ {
		region := first[i]
		if region.Type != 0 && !memutil.CheckGuard(blockData, region.Offset+region.Size) {
			return errors.New("memory corruption detected after validated allocation")
		}
	}

	second := *m.secondVector()
	for i := 0; i < len(second); i++ {
		region := second[i]
		if region.Type != 0 && !memutil.CheckGuard(blockData, region.Offset+region.Size) {
			return errors.New("memory corruption detected after validated allocation")
		}
	}

	return nil
}

// Allocate commits a Request produced by PlanAllocation, appending the region
// to whichever vector the request targets.
func (m *LinearTracker) Allocate(req Request, allocType uint32, userData any) error {
	offset := int(req.Handle) - 1
	newRegion := Region{
		Offset:   offset,
		Size:     req.Size,
		UserData: userData,
		Type:     allocType,
	}

	switch req.Type {
	case RequestUpperAddress:
		if m.secondMode == secondVectorRingBuffer {
			return errors.New("critical error: trying to use linear allocator as double stack while it was already being used as a ring buffer")
		}
		second := m.secondVector()
		*second = append(*second, newRegion)
		m.secondMode = secondVectorDoubleStack
	case RequestEndOfFirst:
		first := m.firstVector()

		if len(*first) > 0 {
			lastItem := (*first)[len(*first)-1]
			if offset < lastItem.Offset+lastItem.Size {
				return errors.New("attempted to allocate memory in the middle of active memory")
			}
		}

		if offset+req.Size > m.size {
			return errors.New("attempted to allocate memory past the end of the block")
		}

		*first = append(*first, newRegion)
	case RequestEndOfSecond:
		first := *m.firstVector()
		// A new region at the end of the ring goes before the first live
		// region of the first vector
		if len(first) == 0 {
			return errors.New("attempted to allocate memory into the second part of a ring buffer, but the first part had no allocations")
		}
		if offset+req.Size > first[m.firstNullsAtStart].Offset {
			return errors.New("attempted to allocate memory into the second part of a ring buffer, but the allocation extended into the first part of the ring buffer")
		}
		second := m.secondVector()
		switch m.secondMode {
		case secondVectorEmpty:
			if len(*second) > 0 {
				return errors.New("the second vector was marked as empty, but was not empty")
			}

			m.secondMode = secondVectorRingBuffer
		case secondVectorRingBuffer:
			if len(*second) == 0 {
				return errors.New("the second vector was marked as a ring buffer, but was empty")
			}
		case secondVectorDoubleStack:
			return errors.New("attempted to allocate as a ring buffer when the vector was marked as a stack")
		}

		*second = append(*second, newRegion)
	default:
		return errors.Errorf("attempted to allocate a request of type %s, but that type isn't supported by the linear tracker", req.Type)
	}

	m.sumFreeSize -= newRegion.Size
	return nil
}

func (m *LinearTracker) Free(handle RegionHandle) error {
	firstPtr := m.firstVector()
	first := *firstPtr
	secondPtr := m.secondVector()
	second := *secondPtr

	offset := int(handle) - 1

	if len(first) > 0 {
		// Freeing the oldest live region of the first vector
		firstRegion := &(first[m.firstNullsAtStart])
		if firstRegion.Offset == offset {
			firstRegion.Type = 0
			firstRegion.UserData = nil
			m.sumFreeSize += firstRegion.Size
			m.firstNullsAtStart++
			m.pruneAfterFree()
			return nil
		}
	}

	// Newest region of a ring buffer or top of the upper stack
	if m.secondMode == secondVectorRingBuffer || m.secondMode == secondVectorDoubleStack {
		lastRegion := second[len(second)-1]
		if lastRegion.Offset == offset {
			m.sumFreeSize += lastRegion.Size
			*secondPtr = second[0 : len(second)-1]
			m.pruneAfterFree()
			return nil
		}
	} else if m.secondMode == secondVectorEmpty {
		// Newest region of the first vector
		lastRegion := first[len(first)-1]
		if lastRegion.Offset == offset {
			m.sumFreeSize += lastRegion.Size
			*firstPtr = first[0 : len(first)-1]
			m.pruneAfterFree()
			return nil
		}
	}

	// Region from the middle of the first vector
	virtualLen := len(first) - m.firstNullsAtStart
	virtualOut, found := sort.Find(virtualLen, func(virtualIndex int) int {
		index := virtualIndex + m.firstNullsAtStart
		foundOffset := first[index].Offset
		return offset - foundOffset
	})
	if found {
		out := virtualOut + m.firstNullsAtStart
		region := &(first[out])
		region.Type = 0
		region.UserData = nil
		m.firstNullsInMiddle++
		m.sumFreeSize += region.Size
		m.pruneAfterFree()
		return nil
	}

	if m.secondMode != secondVectorEmpty {
		// Region from the middle of the second vector
		out, found := sort.Find(len(second), func(index int) int {
			foundOffset := second[index].Offset
			return foundOffset - offset
		})
		if found {
			region := &(second[out])
			region.Type = 0
			region.UserData = nil
			m.secondNulls++
			m.sumFreeSize += region.Size
			m.pruneAfterFree()
			return nil
		}
	}

	return errors.New("allocation to free not found in this allocator")
}

func (m *LinearTracker) AllocationUserData(handle RegionHandle) (any, error) {
	region, err := m.findRegion(int(handle) - 1)
	if err != nil {
		return nil, err
	}
	return region.UserData, nil
}

// FirstAllocation returns an error because LinearTracker does not allow random
// access to allocations.
func (m *LinearTracker) FirstAllocation() (RegionHandle, error) {
	return 0, errors.New("this allocator does not support random access")
}

// NextAllocation returns an error because LinearTracker does not allow random
// access to allocations.
func (m *LinearTracker) NextAllocation(handle RegionHandle) (RegionHandle, error) {
	return 0, errors.New("this allocator does not support random access")
}

// NextFreeRegionSize returns an error because LinearTracker does not allow
// random access to allocations.
func (m *LinearTracker) NextFreeRegionSize(handle RegionHandle) (int, error) {
	return 0, errors.New("this allocator does not support random access")
}

// Clear instantly frees all allocations and resets the tracker
func (m *LinearTracker) Clear() {
	m.sumFreeSize = m.size
	m.regions0 = m.regions0[:0]
	m.regions1 = m.regions1[:0]
	m.secondMode = secondVectorEmpty
	m.firstNullsInMiddle = 0
	m.firstNullsAtStart = 0
	m.secondNulls = 0
	m.granularityHandler.Clear()
}

func (m *LinearTracker) SetAllocationUserData(handle RegionHandle, userData any) error {
	region, err := m.findRegion(int(handle) - 1)
	if err != nil {
		return err
	}
	region.UserData = userData
	return nil
}

func (m *LinearTracker) MayFit(allocType uint32, size int) bool {
	return size <= m.sumFreeSize
}

func (m *LinearTracker) findRegion(offset int) (*Region, error) {
	first := *m.firstVector()
	out, found := sort.Find(len(first), func(virtualIndex int) int {
		index := virtualIndex + m.firstNullsAtStart
		return offset - first[index].Offset
	})
	if found {
		return &(first[out]), nil
	}

	if m.secondMode != secondVectorEmpty {
		second := *m.secondVector()
		out, found = sort.Find(len(second), func(index int) int {
			return offset - second[index].Offset
		})
		if found {
			return &(second[out]), nil
		}
	}

	return nil, errors.New("allocation not found in linear allocator")
}

func (m *LinearTracker) shouldCompactFirstVector() bool {
	nullCount := m.firstNullsAtStart + m.firstNullsInMiddle
	first := *m.firstVector()

	return len(first) > 32 && nullCount*2 >= (len(first)-nullCount)*3
}

func (m *LinearTracker) pruneAfterFree() {
	firstPtr := m.firstVector()
	first := *firstPtr
	secondPtr := m.secondVector()
	second := *secondPtr

	if m.IsEmpty() {
		m.regions0 = m.regions0[:0]
		m.regions1 = m.regions1[:0]
		m.firstNullsAtStart = 0
		m.firstNullsInMiddle = 0
		m.secondNulls = 0
		m.secondMode = secondVectorEmpty
		return
	}

	nullCount := m.firstNullsAtStart + m.firstNullsInMiddle
	if nullCount > len(first) {
		panic(fmt.Sprintf("the tracker expects %d free slots in the first vector, but only %d total slots exist", nullCount, len(first)))
	}

	// Absorb freshly-freed middle items into the leading null run
	for m.firstNullsAtStart < len(first) && first[m.firstNullsAtStart].Type == 0 {
		m.firstNullsAtStart++
		m.firstNullsInMiddle--
	}

	// Trim null items off the end of the first vector
	for m.firstNullsInMiddle > 0 && first[len(first)-1].Type == 0 {
		m.firstNullsInMiddle--
		first = first[:len(first)-1]
		*firstPtr = first
	}

	// Trim null items off the end of the second vector
	for m.secondNulls > 0 && second[len(second)-1].Type == 0 {
		m.secondNulls--
		second = second[:len(second)-1]
		*secondPtr = second
	}

	// Trim null items off the beginning of the second vector
	removeFromBeginning := 0
	for m.secondNulls > 0 && second[0].Type == 0 {
		m.secondNulls--
		removeFromBeginning++
	}

	if removeFromBeginning > 0 {
		second = second[removeFromBeginning:]
		*secondPtr = second
	}

	if m.shouldCompactFirstVector() {
		nonNullCount := len(first) - nullCount
		srcIndex := m.firstNullsAtStart
		for dstIndex := 0; dstIndex < nonNullCount; dstIndex++ {
			for first[srcIndex].Type == 0 {
				srcIndex++
			}

			if dstIndex != srcIndex {
				first[dstIndex] = first[srcIndex]
			}
			srcIndex++
		}

		first = first[:nonNullCount]
		*firstPtr = first
		m.firstNullsAtStart = 0
		m.firstNullsInMiddle = 0
	}

	if len(second) == 0 {
		m.secondMode = secondVectorEmpty
	}

	// First vector became empty
	if len(first)-m.firstNullsAtStart == 0 {
		*firstPtr = []Region{}
		m.firstNullsAtStart = 0

		if len(second) > 0 && m.secondMode == secondVectorRingBuffer {
			// The second vector takes over as the first
			m.secondMode = secondVectorEmpty
			m.firstNullsInMiddle = m.secondNulls
			m.secondNulls = 0

			for m.firstNullsAtStart < len(second) && second[m.firstNullsAtStart].Type == 0 {
				m.firstNullsAtStart++
				m.firstNullsInMiddle--
			}
			m.firstVectorIndex ^= 1
		}
	}
}

// regionsOnSamePage reports whether the end of the first resource and the
// start of the second land on the same granularity page. The first resource
// must precede the second in memory.
func regionsOnSamePage(resourceOffset1, resourceSize1, resourceOffset2, pageSize int) bool {
	if resourceOffset1+resourceSize1 > resourceOffset2 {
		panic(fmt.Sprintf("resource 1 must be before resource 2 in memory, but resource 1 ends at offset %d and resource 2 is at offset %d", resourceOffset1+resourceSize1, resourceOffset2))
	}
	if resourceSize1 < 1 {
		panic(fmt.Sprintf("resource 1 must have a positive size, but has a size of %d", resourceSize1))
	}
	if pageSize < 1 {
		panic(fmt.Sprintf("the page size must be positive, but is %d", pageSize))
	}

	resource1End := resourceOffset1 + resourceSize1 - 1
	resource1EndPage := resource1End & ^(pageSize - 1)
	resource2StartPage := resourceOffset2 & ^(pageSize - 1)

	return resource1EndPage == resource2StartPage
}

func (m *LinearTracker) planLowerAddress(
	allocSize int, allocAlignment uint,
	allocType uint32,
	request *Request,
) bool {
	guardMargin := memutil.GuardMargin
	first := *m.firstVector()
	second := *m.secondVector()

	if m.secondMode == secondVectorEmpty || m.secondMode == secondVectorDoubleStack {
		// Try to allocate at the end of the first vector
		var resultBaseOffset int
		if len(first) > 0 {
			lastRegion := first[len(first)-1]
			resultBaseOffset = lastRegion.Offset + lastRegion.Size + guardMargin
		}

		resultOffset := memutil.AlignUp(resultBaseOffset, allocAlignment)

		// Check previous regions for granularity conflicts and align up if necessary
		if m.granularity > 1 && m.granularity != int(allocAlignment) && len(first) > 0 {
			var granularityConflict bool

			for prevIndex := len(first) - 1; prevIndex >= 0; prevIndex-- {
				prevRegion := first[prevIndex]
				samePage := regionsOnSamePage(prevRegion.Offset, prevRegion.Size, resultOffset, m.granularity)

				if !samePage {
					// Past the bounds of the result offset's page
					break
				}

				if m.granularityHandler.AllocationsConflict(prevRegion.Type, allocType) {
					granularityConflict = true
					break
				}
			}

			if granularityConflict {
				resultOffset = memutil.AlignUp(resultOffset, uint(m.granularity))
			}
		}

		freeSpaceEnd := m.size

		if m.secondMode == secondVectorDoubleStack && len(second) > 0 {
			// The first vector only runs to the top of the second stack
			freeSpaceEnd = second[len(second)-1].Offset
		}

		if resultOffset+allocSize+guardMargin <= freeSpaceEnd {
			// Enough free space to allocate right here
			if (allocSize%m.granularity > 0 || resultOffset%m.granularity > 0) && m.secondMode == secondVectorDoubleStack {
				// With a double stack, check the second vector for granularity
				// conflicts with the intended spot
				for nextIndex := len(second) - 1; nextIndex >= 0; nextIndex-- {
					nextRegion := second[nextIndex]
					samePage := regionsOnSamePage(resultOffset, allocSize, nextRegion.Offset, m.granularity)

					if !samePage {
						// Past the bounds of the result offset's page
						break
					}

					if m.granularityHandler.AllocationsConflict(allocType, nextRegion.Type) {
						// Already as far back as possible, no room for this alloc
						return false
					}
				}
			}

			request.Handle = RegionHandle(resultOffset + 1)
			request.Type = RequestEndOfFirst
			return true
		}
	}

	// In a ring buffer (or when the first vector is out of space), try the end
	// of the second vector
	if m.secondMode == secondVectorEmpty || m.secondMode == secondVectorRingBuffer {
		if len(first) == 0 {
			panic("attempting to allocate into the second vector, but the first is empty")
		}

		var resultBaseOffset int
		if len(second) > 0 {
			lastRegion := second[len(second)-1]
			resultBaseOffset = lastRegion.Offset + lastRegion.Size + guardMargin
		}

		resultOffset := memutil.AlignUp(resultBaseOffset, allocAlignment)

		// Check previous regions for granularity conflicts
		if m.granularity > 1 && m.granularity != int(allocAlignment) && len(second) > 0 {
			var granularityConflict bool
			for prevIndex := len(second) - 1; prevIndex >= 0; prevIndex-- {
				prevRegion := second[prevIndex]
				samePage := regionsOnSamePage(prevRegion.Offset, prevRegion.Size, resultOffset, m.granularity)

				if samePage {
					if m.granularityHandler.AllocationsConflict(prevRegion.Type, allocType) {
						granularityConflict = true
						break
					}
				} else {
					// Past the bounds of the result offset's page
					break
				}
			}

			if granularityConflict {
				resultOffset = memutil.AlignUp(resultOffset, uint(m.granularity))
			}
		}

		// Is there enough space before the start of the first vector?
		firstIndex := m.firstNullsAtStart
		if (firstIndex == len(first) && resultOffset+allocSize+guardMargin <= m.size) ||
			(firstIndex < len(first) && resultOffset+allocSize+guardMargin <= first[firstIndex].Offset) {

			// Check following regions for granularity conflicts
			for nextIndex := firstIndex; nextIndex < len(first); nextIndex++ {
				nextRegion := first[nextIndex]
				samePage := regionsOnSamePage(resultOffset, allocSize, nextRegion.Offset, m.granularity)

				if samePage {
					if m.granularityHandler.AllocationsConflict(allocType, nextRegion.Type) {
						// As far back as possible and still conflicting with
						// the next region
						return false
					}
				} else {
					// Past the bounds of the result offset's page
					break
				}
			}

			request.Handle = RegionHandle(resultOffset + 1)
			request.Type = RequestEndOfSecond
			return true
		}
	}

	// No good place to allocate
	return false
}

func (m *LinearTracker) planUpperAddress(
	allocSize int, allocAlignment uint,
	allocType uint32,
	request *Request,
) (bool, error) {
	first := *m.firstVector()
	second := *m.secondVector()

	if m.secondMode == secondVectorRingBuffer {
		return false, errors.New("ring buffers cannot allocate using upperAddress, that is reserved for double stacks")
	}

	if allocSize > m.size {
		// Too big
		return false, nil
	}

	baseOffset := m.size - allocSize
	// A new upper-stack region goes below the current top of the second vector
	if len(second) > 0 {
		lastRegion := second[len(second)-1]
		baseOffset = lastRegion.Offset - allocSize
		if allocSize > lastRegion.Offset {
			// Doesn't fit in the upper end
			return false, nil
		}
	}

	resultOffset := baseOffset
	guardMargin := memutil.GuardMargin

	// Reserve the guard at the end of the allocation
	if guardMargin > 0 {
		if resultOffset < guardMargin {
			return false, nil
		}
		resultOffset -= guardMargin
	}

	resultOffset = memutil.AlignUp(resultOffset, allocAlignment)

	// Check following regions of the second vector for granularity conflicts,
	// and step down a page if necessary
	if m.granularity > 1 && m.granularity != int(allocAlignment) && len(second) > 0 {
		var granularityConflict bool
		for nextIndex := len(second) - 1; nextIndex >= 0; nextIndex-- {
			nextRegion := second[nextIndex]
			samePage := regionsOnSamePage(resultOffset, allocSize, nextRegion.Offset, m.granularity)

			if !samePage {
				// Past the bounds of the result offset's page
				break
			}

			if m.granularityHandler.AllocationsConflict(nextRegion.Type, allocType) {
				granularityConflict = true
				break
			}
		}

		if granularityConflict {
			// Align down the last byte of the allocation, not the offset itself
			endOffset := resultOffset + allocSize - 1
			alignedEndOffset := memutil.AlignDown(endOffset, uint(m.granularity))
			alignedDiff := endOffset - alignedEndOffset
			resultOffset = memutil.AlignDown(resultOffset-alignedDiff, uint(m.granularity))
		}
	}

	// The offset works for the second vector, but it must not collide with the first
	firstVectorEndOffset := 0
	if len(first) > 0 {
		lastRegion := first[len(first)-1]
		firstVectorEndOffset = lastRegion.Offset + lastRegion.Size
	}

	if firstVectorEndOffset+guardMargin > resultOffset {
		// Backed into the end of the first vector
		return false, nil
	}

	if m.granularity > 1 {
		// Check the first vector for granularity conflicts
		for prevIndex := len(first) - 1; prevIndex >= 0; prevIndex-- {
			prevRegion := first[prevIndex]
			samePage := regionsOnSamePage(prevRegion.Offset, prevRegion.Size, resultOffset, m.granularity)

			if !samePage {
				// Past the bounds of the result offset's page
				break
			}

			if m.granularityHandler.AllocationsConflict(allocType, prevRegion.Type) {
				// Conflict with the end of the first vector and no room to
				// move forward
				return false, nil
			}
		}
	}

	request.Handle = RegionHandle(resultOffset + 1)
	request.Type = RequestUpperAddress
	return true, nil
}

func (m *LinearTracker) firstVector() *[]Region {
	if m.firstVectorIndex != 0 {
		return &m.regions1
	}

	return &m.regions0
}

func (m *LinearTracker) secondVector() *[]Region {
	if m.firstVectorIndex != 0 {
		return &m.regions0
	}

	return &m.regions1
}
