package suballoc

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/cobaltgfx/vkmem/memutil"
)

// Two-level segregated fit parameters. Regions up to smallRegionSize live in
// linear 64-byte buckets; larger regions are bucketed by most significant bit
// and then subdivided into 1<<secondLevelIndex sublists.
const (
	smallRegionSize        = 256
	secondLevelIndex uint8 = 5
	memoryClassShift       = 7
	maxMemoryClasses       = 65 - memoryClassShift
)

var regionPool = sync.Pool{
	New: func() any {
		return &generalRegion{}
	},
}

// generalRegion is one node of the physical region chain. prevPhys walks toward
// offset 0, nextPhys toward the end of the block. Free-list membership reuses
// prevFree: a taken region points prevFree at itself.
type generalRegion struct {
	offset   int
	size     int
	prevPhys *generalRegion
	nextPhys *generalRegion

	prevFree *generalRegion
	nextFree *generalRegion

	userData any
	handle   RegionHandle
}

func (r *generalRegion) markFree() {
	r.prevFree = nil
}

func (r *generalRegion) markTaken() {
	r.prevFree = r
}

func (r *generalRegion) isFree() bool {
	return r.prevFree != r
}

// GeneralTracker is the random-access Tracker used by the General pool algorithm.
// It keeps free regions in two-level segregated fit lists so planning an
// allocation is close to O(1), and keeps all regions chained physically so
// neighbors can be coalesced on free.
type GeneralTracker struct {
	TrackerBase

	allocCount      int
	freeRegionCount int
	freeRegionBytes int
	classBitmap     uint32
	classCount      int
	secondBitmap    [maxMemoryClasses]uint32

	nextHandle RegionHandle
	handleMap  *swiss.Map[RegionHandle, *generalRegion]
	freeLists  []*generalRegion
	// nullRegion is the free tail of the block; firstRegion sits at offset 0
	nullRegion  *generalRegion
	firstRegion *generalRegion
}

var _ Tracker = &GeneralTracker{}

func NewGeneralTracker(granularity int, granularityHandler GranularityHandler) *GeneralTracker {
	return &GeneralTracker{
		TrackerBase: NewTrackerBase(granularity, granularityHandler),
	}
}

func (m *GeneralTracker) retainRegion() *generalRegion {
	r := regionPool.Get().(*generalRegion)
	r.offset = 0
	r.size = 0
	r.prevPhys = nil
	r.nextPhys = nil
	r.prevFree = nil
	r.nextFree = nil
	r.userData = nil
	r.handle = RegionHandle(atomic.AddUint64((*uint64)(&m.nextHandle), 1))
	m.handleMap.Put(r.handle, r)
	return r
}

func (m *GeneralTracker) releaseRegion(r *generalRegion) {
	m.handleMap.Delete(r.handle)
	regionPool.Put(r)
}

func (m *GeneralTracker) regionForHandle(handle RegionHandle) (*generalRegion, error) {
	region, ok := m.handleMap.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that does not belong to this tracker")
	}
	return region, nil
}

func (m *GeneralTracker) Init(size int) {
	m.TrackerBase.Init(size)
	m.handleMap = swiss.NewMap[RegionHandle, *generalRegion](42)

	m.nullRegion = m.retainRegion()
	m.nullRegion.size = size
	m.nullRegion.markFree()
	m.firstRegion = m.nullRegion
	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listCount := 1
	sliMask := int(uint(1) << secondLevelIndex)
	if memoryClass != 0 {
		listCount = int(memoryClass-1)*sliMask + int(sli+1)
	}

	// Class 0 occupies four leading buckets
	listCount += 4

	m.classCount = int(memoryClass + 2)
	m.freeLists = make([]*generalRegion, listCount)
}

func (m *GeneralTracker) SupportsRandomAccess() bool {
	return true
}

func (m *GeneralTracker) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("tracked free bytes exceed the block size")
	}

	calculatedSize := m.nullRegion.size
	calculatedFreeSize := m.nullRegion.size
	var allocCount, freeCount, freeListCount int

	// Check integrity of free lists
	for listIndex := 0; listIndex < len(m.freeLists); listIndex++ {
		region := m.freeLists[listIndex]
		if region == nil {
			continue
		}

		if !region.isFree() {
			return errors.Errorf("region at offset %d is in the free list but is not free", region.offset)
		}

		if region.prevFree != nil {
			return errors.Errorf("region at offset %d is the head of a free list but has a previous region", region.offset)
		}

		freeListCount++
		for region.nextFree != nil {
			if !region.nextFree.isFree() {
				return errors.Errorf("region at offset %d is in the free list but is not free", region.nextFree.offset)
			}
			if region.nextFree.prevFree != region {
				return errors.Errorf("region at offset %d lists the region at offset %d as its next region, but the reverse reference is broken", region.offset, region.nextFree.offset)
			}

			freeListCount++
			region = region.nextFree
		}
	}

	if m.nullRegion.nextPhys != nil {
		return errors.New("the null region must be the end of the physical chain")
	}

	if m.nullRegion.prevPhys != nil && m.nullRegion.prevPhys.nextPhys != m.nullRegion {
		return errors.New("the null region has a physical predecessor, but the reverse reference is broken")
	}

	nextOffset := m.nullRegion.offset
	validateCtx := m.granularityHandler.StartValidation()

	for prev := m.nullRegion.prevPhys; prev != nil; prev = prev.prevPhys {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical region at offset %d does not end at the next region's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.isFree() {
			freeCount++

			calculatedFreeSize += prev.size
		} else {
			allocCount++

			err := m.granularityHandler.Validate(validateCtx, prev.offset, prev.size)
			if err != nil {
				return err
			}
		}

		if prev.prevPhys != nil && prev.prevPhys.nextPhys != prev {
			return errors.Errorf("region at offset %d has a physical predecessor, but the reverse reference is broken", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the free lists hold %d regions but the physical chain holds %d free regions", freeListCount, freeCount)
	}

	err := m.granularityHandler.FinishValidation(validateCtx)
	if err != nil {
		return err
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical region should sit at offset 0, but sits at offset %d", nextOffset)
	}

	if calculatedSize != m.size {
		return errors.Errorf("the tracker covers %d bytes, but its regions only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the tracker counts %d free bytes, but its free regions only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the tracker counts %d allocations, but the taken regions only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.freeRegionCount {
		return errors.Errorf("the tracker counts %d free regions, but there were only %d", m.freeRegionCount, freeCount)
	}

	return nil
}

func (m *GeneralTracker) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	if m.nullRegion.size > 0 {
		stats.AddUnusedRange(m.nullRegion.size)
	}

	for region := m.nullRegion.prevPhys; region != nil; region = region.prevPhys {
		if region.isFree() {
			stats.AddUnusedRange(region.size)
		} else {
			stats.AddAllocation(region.size)
		}
	}
}

func (m *GeneralTracker) AddStatistics(stats *memutil.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

func (m *GeneralTracker) listIndexForSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.listIndex(memoryClass, secondIndex)
}

func (m *GeneralTracker) listIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<secondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (m *GeneralTracker) AllocationCount() int {
	return m.allocCount
}

func (m *GeneralTracker) FreeRegionsCount() int {
	count := m.freeRegionCount
	if m.nullRegion.size > 0 {
		count++
	}
	return count
}

func (m *GeneralTracker) SumFreeSize() int {
	return m.freeRegionBytes + m.nullRegion.size
}

func (m *GeneralTracker) IsEmpty() bool {
	return m.nullRegion.offset == 0
}

func (m *GeneralTracker) MayFit(allocType uint32, size int) bool {
	size, _ = m.granularityHandler.RoundUpAllocRequest(allocType, size, 1)
	size += memutil.GuardMargin

	if size > m.SumFreeSize() {
		return false
	}

	if m.nullRegion.size >= size {
		return true
	}

	region, _ := m.findFreeRegion(size)
	return region != nil
}

func (m *GeneralTracker) sizeToMemoryClass(size int) uint8 {
	if size > smallRegionSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - memoryClassShift
	}

	return 0
}

func (m *GeneralTracker) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << secondLevelIndex
		indexVal := uint(size) >> (memoryClass + memoryClassShift - secondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (m *GeneralTracker) PlanAllocation(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocType uint32,
	strategy Strategy,
	maxOffset int,
) (bool, Request, error) {
	var request Request

	if allocSize < 1 {
		return false, request, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if upperAddress {
		return false, request, errors.New("upper-address allocations require the Linear algorithm")
	}

	memutil.DebugValidate(m)

	// Round up granularity
	allocSize, allocAlignment = m.granularityHandler.RoundUpAllocRequest(allocType, allocSize, allocAlignment)

	allocSize += memutil.GuardMargin

	// Is the block big enough at all?
	if allocSize > m.SumFreeSize() {
		return false, request, nil
	}

	// With no free regions, only the null region can serve
	if m.freeRegionCount == 0 {
		success := m.checkRegion(m.nullRegion, len(m.freeLists), allocSize, allocAlignment, allocType, maxOffset, &request)
		return success, request, nil
	}

	// Size that guarantees a fit when looked up one bucket higher
	sizeForNextList := allocSize

	smallSizeStep := smallRegionSize / 4
	if allocSize > smallRegionSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(secondLevelIndex)))
	} else if allocSize > smallRegionSize-smallSizeStep {
		sizeForNextList = smallRegionSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	nextListIndex := 0
	prevListIndex := 0
	doFullSearch := false
	var nextListRegion, prevListRegion *generalRegion

	// Check regions according to the requested strategy
	if strategy&StrategyMinTime != 0 {
		// Check for a larger region first
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		if nextListRegion != nil {
			doFullSearch = true
			found := m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocType, maxOffset, &request)
			if found {
				return found, request, nil
			}
		}

		// If not fitted then the null region
		found := m.checkRegion(m.nullRegion, len(m.freeLists), allocSize, allocAlignment, allocType, maxOffset, &request)
		if found {
			return found, request, nil
		}

		// Null region failed, walk the larger bucket
		for nextListRegion != nil {
			found = m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocType, maxOffset, &request)
			if found {
				return found, request, nil
			}

			nextListRegion = nextListRegion.nextFree
		}

		// Failed again, check the best-fit bucket
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			found = m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, allocType, maxOffset, &request)
			if found {
				return found, request, nil
			}

			prevListRegion = prevListRegion.nextFree
		}
	} else if strategy&StrategyMinMemory != 0 {
		// Check the best-fit bucket
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			found := m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, allocType, maxOffset, &request)
			if found {
				return found, request, nil
			}

			prevListRegion = prevListRegion.nextFree
		}

		// If that failed check the null region
		found := m.checkRegion(m.nullRegion, len(m.freeLists), allocSize, allocAlignment, allocType, maxOffset, &request)
		if found {
			return found, request, nil
		}

		// Check the larger bucket
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		for nextListRegion != nil {
			doFullSearch = true
			found = m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocType, maxOffset, &request)
			if found {
				return found, request, nil
			}

			nextListRegion = nextListRegion.nextFree
		}
	} else if strategy&StrategyMinOffset != 0 {
		// Walk the physical chain from offset 0 so the lowest workable placement
		// wins. The segregated lists cannot answer this query.
		found := m.minOffsetCheckRegions(allocSize, allocAlignment, allocType, maxOffset, &request)
		if found {
			return found, request, nil
		}

		// If that failed, check the null region
		found = m.checkRegion(m.nullRegion, len(m.freeLists), allocSize, allocAlignment, allocType, maxOffset, &request)
		if found {
			return found, request, nil
		}

		// Whole range searched, no more memory
		return false, request, nil
	} else {
		// Balanced default: larger bucket, then the null region, then best fit
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		for nextListRegion != nil {
			doFullSearch = true
			found := m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocType, maxOffset, &request)
			if found {
				return found, request, nil
			}

			nextListRegion = nextListRegion.nextFree
		}

		found := m.checkRegion(m.nullRegion, len(m.freeLists), allocSize, allocAlignment, allocType, maxOffset, &request)
		if found {
			return found, request, nil
		}

		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			found = m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, allocType, maxOffset, &request)
			if found {
				return found, request, nil
			}

			prevListRegion = prevListRegion.nextFree
		}
	}

	if !doFullSearch {
		return false, request, nil
	}

	// Worst case, search every remaining bucket
	for nextListIndex++; nextListIndex < len(m.freeLists); nextListIndex++ {
		nextListRegion = m.freeLists[nextListIndex]
		for nextListRegion != nil {
			found := m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocType, maxOffset, &request)
			if found {
				return found, request, nil
			}

			nextListRegion = nextListRegion.nextFree
		}
	}

	// No more memory to check
	return false, request, nil
}

func (m *GeneralTracker) minOffsetCheckRegions(
	allocSize int,
	allocAlignment uint,
	allocType uint32,
	maxOffset int,
	request *Request,
) bool {
	for region := m.firstRegion; region != nil; region = region.nextPhys {
		if region.isFree() && region.size >= allocSize && region != m.nullRegion {
			if m.checkRegion(region, m.listIndexForSize(region.size), allocSize, allocAlignment, allocType, maxOffset, request) {
				return true
			}
		}
	}

	return false
}

func (m *GeneralTracker) checkRegion(
	region *generalRegion,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	allocType uint32,
	maxOffset int,
	request *Request,
) bool {
	if !region.isFree() {
		panic(fmt.Sprintf("region at offset %d is already taken", region.offset))
	}

	alignedOffset := memutil.AlignUp(region.offset, allocAlignment)

	if region.size < allocSize+alignedOffset-region.offset {
		return false
	}

	// Check for granularity conflicts
	var fits bool
	alignedOffset, fits = m.granularityHandler.CheckConflictAndAlignUp(alignedOffset, allocSize, region.offset, region.size, allocType)
	if !fits {
		return false
	}

	if alignedOffset >= maxOffset {
		return false
	}

	// The allocation will work
	request.Type = RequestGeneral
	request.Handle = region.handle
	request.Size = allocSize - memutil.GuardMargin
	request.AllocType = allocType
	request.AlgorithmData = uint64(alignedOffset)

	// Rotate the region to the front of its list so repeat queries find it fast
	if listIndex != len(m.freeLists) && region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
		if region.nextFree != nil {
			region.nextFree.prevFree = region.prevFree
		}

		region.prevFree = nil
		region.nextFree = m.freeLists[listIndex]
		m.freeLists[listIndex] = region
		if region.nextFree != nil {
			region.nextFree.prevFree = region
		}
	}

	return true
}

func (m *GeneralTracker) findFreeRegion(size int) (*generalRegion, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.secondBitmap[memoryClass] & (math.MaxUint32 << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher classes for available regions
		freeMap := m.classBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		// Lowest free class
		memoryClass = uint8(bits.TrailingZeros64(uint64(freeMap)))
		innerFreeMap = m.secondBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Lowest free sublist
	listIndex := m.listIndex(memoryClass, uint16(bits.TrailingZeros64(uint64(innerFreeMap))))
	if m.freeLists[listIndex] == nil {
		panic(fmt.Sprintf("free list %d was flagged as populated, but held no regions", listIndex))
	}

	return m.freeLists[listIndex], listIndex
}

func (m *GeneralTracker) BlockJsonData(json jwriter.ObjectState) {
	var stats memutil.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.TrackerBase.BlockJsonData(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

func (m *GeneralTracker) CheckCorruption(blockData unsafe.Pointer) error {
	for region := m.nullRegion.prevPhys; region != nil; region = region.prevPhys {
		if !region.isFree() {
			if !memutil.CheckGuard(blockData, region.offset+region.size) {
				return errors.New("memory corruption detected after validated allocation")
			}
		}
	}

	return nil
}

func (m *GeneralTracker) Allocate(req Request, allocType uint32, userData any) error {
	if req.Type != RequestGeneral {
		return errors.New("allocation request was received by an incompatible tracker")
	}

	// Get the region and pop it from the free list
	currentRegion, err := m.regionForHandle(req.Handle)
	if err != nil {
		return err
	}

	offset := int(req.AlgorithmData)
	if currentRegion.offset > offset {
		return errors.New("allocation request no longer matches the region it was planned against")
	}

	if currentRegion != m.nullRegion {
		m.removeFreeRegion(currentRegion)
	}

	missingAlignment := offset - currentRegion.offset

	// Append the missing alignment to the previous region or create a new one
	if missingAlignment != 0 {
		prevRegion := currentRegion.prevPhys

		if prevRegion == nil {
			return errors.New("somehow had missing alignment at offset 0")
		}

		if prevRegion.isFree() && prevRegion.size != memutil.GuardMargin {
			oldListIndex := m.listIndexForSize(prevRegion.size)
			prevRegion.size += missingAlignment

			// Reindex if the size change moves the region between lists
			if oldListIndex != m.listIndexForSize(prevRegion.size) {
				prevRegion.size -= missingAlignment
				m.removeFreeRegion(prevRegion)

				prevRegion.size += missingAlignment
				m.insertFreeRegion(prevRegion)
			} else {
				m.freeRegionBytes += missingAlignment
			}
		} else {
			newRegion := m.retainRegion()
			currentRegion.prevPhys = newRegion
			prevRegion.nextPhys = newRegion
			newRegion.prevPhys = prevRegion
			newRegion.nextPhys = currentRegion
			newRegion.size = missingAlignment
			newRegion.offset = currentRegion.offset
			newRegion.markTaken()

			m.insertFreeRegion(newRegion)
		}

		currentRegion.size -= missingAlignment
		currentRegion.offset += missingAlignment
	}

	size := req.Size + memutil.GuardMargin
	if currentRegion.size == size {
		if currentRegion == m.nullRegion {
			// The null region was consumed whole, set up a fresh one
			m.nullRegion = m.retainRegion()
			m.nullRegion.size = 0
			m.nullRegion.offset = currentRegion.offset + size
			m.nullRegion.prevPhys = currentRegion
			m.nullRegion.nextPhys = nil
			m.nullRegion.markFree()
			m.nullRegion.prevFree = nil
			m.nullRegion.nextFree = nil
			currentRegion.nextPhys = m.nullRegion
			currentRegion.markTaken()
		}
	} else if currentRegion.size < size {
		return errors.New("allocation request no longer fits the region it was planned against")
	} else {
		// Split off a new free region from the remainder
		newRegion := m.retainRegion()
		newRegion.size = currentRegion.size - size
		newRegion.offset = currentRegion.offset + size
		newRegion.prevPhys = currentRegion
		newRegion.nextPhys = currentRegion.nextPhys
		currentRegion.nextPhys = newRegion
		currentRegion.size = size

		if currentRegion == m.nullRegion {
			m.nullRegion = newRegion
			m.nullRegion.markFree()
			m.nullRegion.nextFree = nil
			m.nullRegion.prevFree = nil
			currentRegion.markTaken()
		} else {
			newRegion.nextPhys.prevPhys = newRegion
			newRegion.markTaken()
			m.insertFreeRegion(newRegion)
		}
	}

	currentRegion.userData = userData

	if memutil.GuardMargin > 0 {
		currentRegion.size -= memutil.GuardMargin
		newRegion := m.retainRegion()
		newRegion.size = memutil.GuardMargin
		newRegion.offset = currentRegion.offset + currentRegion.size
		newRegion.prevPhys = currentRegion
		newRegion.nextPhys = currentRegion.nextPhys
		newRegion.markTaken()
		currentRegion.nextPhys.prevPhys = newRegion
		currentRegion.nextPhys = newRegion
		m.insertFreeRegion(newRegion)
	}

	m.granularityHandler.AllocPages(req.AllocType, currentRegion.offset, currentRegion.size)
	m.allocCount++

	return nil
}

func (m *GeneralTracker) Free(handle RegionHandle) error {
	region, err := m.regionForHandle(handle)
	if err != nil {
		return err
	}
	if region.isFree() {
		return errors.New("region is already free")
	}

	next := region.nextPhys
	m.granularityHandler.FreePages(region.offset, region.size)
	m.allocCount--

	if memutil.GuardMargin > 0 {
		m.removeFreeRegion(next)

		m.mergeRegions(next, region)

		region = next
		next = next.nextPhys
	}

	// Coalesce with physical neighbors
	prev := region.prevPhys
	if prev != nil && prev.isFree() && prev.size != memutil.GuardMargin {
		m.removeFreeRegion(prev)
		m.mergeRegions(region, prev)
	}

	if !next.isFree() {
		m.insertFreeRegion(region)
	} else if next == m.nullRegion {
		m.mergeRegions(m.nullRegion, region)
	} else {
		m.removeFreeRegion(next)
		m.mergeRegions(next, region)

		m.insertFreeRegion(next)
	}

	return nil
}

func (m *GeneralTracker) removeFreeRegion(region *generalRegion) {
	if region == m.nullRegion {
		panic("cannot remove the null region")
	}
	if !region.isFree() {
		panic("provided region is not free")
	}

	// Unlink from the free list
	if region.nextFree != nil {
		region.nextFree.prevFree = region.prevFree
	}
	if region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
	} else {
		memClass := m.sizeToMemoryClass(region.size)
		secondIndex := m.sizeToSecondIndex(region.size, memClass)
		index := m.listIndex(memClass, secondIndex)

		if m.freeLists[index] != region {
			panic("region was not in the free list at the expected location")
		}
		m.freeLists[index] = region.nextFree
		if region.nextFree == nil {
			m.secondBitmap[memClass] &= ^(1 << secondIndex)
			if m.secondBitmap[memClass] == 0 {
				m.classBitmap &= ^(1 << memClass)
			}
		}
	}

	region.markTaken()
	region.userData = nil
	m.freeRegionCount--
	m.freeRegionBytes -= region.size
}

func (m *GeneralTracker) insertFreeRegion(region *generalRegion) {
	if region == m.nullRegion {
		panic("cannot insert the null region")
	}

	if region.isFree() {
		panic("region is already free")
	}

	memClass := m.sizeToMemoryClass(region.size)
	secondIndex := m.sizeToSecondIndex(region.size, memClass)
	index := m.listIndex(memClass, secondIndex)

	if index >= len(m.freeLists) {
		panic("invalid free list index found for region")
	}

	region.prevFree = nil
	region.nextFree = m.freeLists[index]
	m.freeLists[index] = region
	if region.nextFree != nil {
		region.nextFree.prevFree = region
	} else {
		m.secondBitmap[memClass] |= 1 << secondIndex
		m.classBitmap |= 1 << memClass
	}
	m.freeRegionCount++
	m.freeRegionBytes += region.size
}

func (m *GeneralTracker) mergeRegions(region *generalRegion, prev *generalRegion) {
	if region.prevPhys != prev {
		panic("cannot merge physically separate regions")
	}
	if prev.isFree() {
		panic("cannot merge a region that belongs to the free list")
	}

	region.offset = prev.offset
	region.size += prev.size
	region.prevPhys = prev.prevPhys
	if region.prevPhys != nil {
		region.prevPhys.nextPhys = region
	} else {
		m.firstRegion = region
	}

	m.releaseRegion(prev)
}

func (m *GeneralTracker) VisitAllRegions(visit func(handle RegionHandle, offset int, size int, userData any, free bool) error) error {
	for region := m.nullRegion; region != nil; region = region.prevPhys {
		err := visit(region.handle, region.offset, region.size, region.userData, region.isFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *GeneralTracker) FirstAllocation() (RegionHandle, error) {
	if m.allocCount == 0 {
		return NoRegion, nil
	}

	for region := m.nullRegion.prevPhys; region != nil; region = region.prevPhys {
		if !region.isFree() {
			return region.handle, nil
		}
	}

	return NoRegion, errors.New("the tracker has an allocation but none could be found in the physical chain")
}

func (m *GeneralTracker) NextAllocation(handle RegionHandle) (RegionHandle, error) {
	startRegion, err := m.regionForHandle(handle)
	if err != nil {
		return NoRegion, err
	}
	if startRegion.isFree() {
		return NoRegion, errors.New("provided region cannot be free")
	}

	for region := startRegion.prevPhys; region != nil; region = region.prevPhys {
		if !region.isFree() {
			return region.handle, nil
		}
	}

	return NoRegion, nil
}

func (m *GeneralTracker) NextFreeRegionSize(handle RegionHandle) (int, error) {
	region, err := m.regionForHandle(handle)
	if err != nil {
		return 0, err
	}
	if region.isFree() {
		return 0, errors.New("provided region cannot be free")
	}

	if region.prevPhys != nil && region.prevPhys.isFree() {
		return region.prevPhys.size, nil
	}

	return 0, nil
}

func (m *GeneralTracker) Clear() {
	m.allocCount = 0
	m.freeRegionCount = 0
	m.freeRegionBytes = 0
	m.classBitmap = 0
	m.nullRegion.offset = 0
	m.nullRegion.size = m.size
	region := m.nullRegion.prevPhys
	m.nullRegion.prevPhys = nil
	m.firstRegion = m.nullRegion

	for region != nil {
		prev := region.prevPhys
		m.releaseRegion(region)
		region = prev
	}

	m.freeLists = make([]*generalRegion, len(m.freeLists))
	m.secondBitmap = [maxMemoryClasses]uint32{}
	m.granularityHandler.Clear()
}

// LogAllocations reports every live allocation through the provided callback,
// used when an allocator is destroyed with allocations still live
func (m *GeneralTracker) LogAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	for region := m.nullRegion.prevPhys; region != nil; region = region.prevPhys {
		if !region.isFree() {
			logFunc(logger, region.offset, region.size, region.userData)
		}
	}
}

func (m *GeneralTracker) AllocationOffset(handle RegionHandle) (int, error) {
	region, err := m.regionForHandle(handle)
	if err != nil {
		return 0, err
	}

	return region.offset, nil
}

func (m *GeneralTracker) AllocationUserData(handle RegionHandle) (any, error) {
	region, err := m.regionForHandle(handle)
	if err != nil {
		return nil, err
	}

	if region.isFree() {
		return nil, errors.New("user data cannot be retrieved for a free region")
	}

	return region.userData, nil
}

func (m *GeneralTracker) SetAllocationUserData(handle RegionHandle, userData any) error {
	region, err := m.regionForHandle(handle)
	if err != nil {
		return err
	}

	if region.isFree() {
		return errors.New("user data cannot be set for a free region")
	}

	region.userData = userData
	return nil
}
