package defrag

import (
	"errors"
	"fmt"
	"math"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/cobaltgfx/vkmem/memutil"
	"github.com/cobaltgfx/vkmem/suballoc"
)

// Context is the core of the defragmentation logic. One of these must be
// created and initialized for each block list in a defragmentation run, which
// will then consist of multiple passes.
type Context[T any] struct {
	// Algorithm is the defragmentation algorithm that should be used
	Algorithm Algorithm
	// Handler is a method that will be called to complete each relocation as
	// part of CompletePass
	Handler OperationHandler[T]
	// BlockList is the memory object this context exists to defragment
	BlockList BlockList[T]

	moves []Move[T]

	immovableBlockCount int

	// scratchStats exists to avoid allocating statistics objects when passing
	// them in to be populated, because we pass them to an interface so the
	// escape analyzer will get annoying about it
	scratchStats memutil.Statistics
}

// Init sets up this Context to be used in a fresh defragmentation run. A
// Context can be reused for multiple runs, as long as this method is called
// prior to beginning each run, including the first.
func (c *Context[T]) Init() error {
	if c.BlockList == nil {
		panic("attempted to init defragmentation context without a block list")
	}

	for index := 0; index < c.BlockList.BlockCount(); index++ {
		tracker := c.BlockList.TrackerForBlock(index)
		if !tracker.SupportsRandomAccess() {
			return errors.New("attempted to defragment a BlockList that does not support random access- non-random-access allocators such as linear allocators cannot be and do not need to be defragmented")
		}
	}

	if c.Algorithm == 0 {
		c.Algorithm = AlgorithmFull
	}

	c.immovableBlockCount = 0
	c.moves = c.moves[:0]

	return nil
}

// CollectMoves retrieves a single pass's worth of Move operations to be
// completed. The operations can then be retrieved from Moves. It returns true
// when the pass budget was exhausted, meaning more work remains after this
// pass.
func (c *Context[T]) CollectMoves(pass *PassContext) bool {
	c.BlockList.Lock()
	defer c.BlockList.Unlock()

	if c.BlockList.BlockCount() > 1 {
		switch c.Algorithm {
		case AlgorithmFast:
			return c.walkSuballocations(pass, c.fastSuballocHandler)
		case AlgorithmBalanced:
			return c.walkSuballocations(pass, c.balancedSuballocHandler)
		case AlgorithmFull:
			return c.walkSuballocations(pass, c.fullSuballocHandler)
		case AlgorithmExtensive:
			return c.walkSuballocations(pass, c.extensiveSuballocHandler)
		default:
			panic(fmt.Sprintf("attempted to defragment with unknown algorithm: %s", c.Algorithm.String()))
		}
	} else if c.BlockList.BlockCount() == 1 && c.Algorithm != AlgorithmFast {
		// A single block can still be compacted in place
		return c.walkBlock(pass, 0, c.reallocSuballocHandler)
	}

	return false
}

// Moves returns the list of relocation operations most recently collected with
// CollectMoves
func (c *Context[T]) Moves() []Move[T] {
	return c.moves
}

// CompletePass should be called after a defragmentation pass has been worked:
// CollectMoves has been called, data has been copied over for all relocation
// operations found, and the Move operations have had their operation changed
// away from MoveCopy if necessary.
//
// This method cleans up the pass by adjusting DefragmentationStats, calling
// Handler for each operation, and reorganizing blocks within the BlockList if
// necessary. It returns any errors returned from Handler as a combined error.
func (c *Context[T]) CompletePass(pass *PassContext) error {
	immovableBlocks := make(map[suballoc.Tracker]struct{}, c.BlockList.BlockCount()-c.immovableBlockCount)

	var allErrors []error

	for i := 0; i < len(c.moves); i++ {
		move := c.moves[i]

		c.scratchStats = memutil.Statistics{}
		c.BlockList.AddStatistics(&c.scratchStats)
		prevCount := c.scratchStats.BlockCount
		prevBytes := c.scratchStats.BlockBytes

		err := c.Handler(move)
		if err != nil {
			allErrors = append(allErrors, err)
			continue
		}

		c.scratchStats = memutil.Statistics{}
		c.BlockList.AddStatistics(&c.scratchStats)
		pass.Stats.DeviceMemoryBlocksFreed += prevCount - c.scratchStats.BlockCount
		pass.Stats.BytesFreed += prevBytes - c.scratchStats.BlockBytes

		switch move.MoveOperation {
		case MoveIgnore:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
			immovableBlocks[move.SrcTracker] = struct{}{}

		case MoveDestroy:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
		}
	}

	// Shift blocks holding immovable allocations to the front so later passes
	// skip them
	if len(immovableBlocks) > 0 {
		for block := range immovableBlocks {
			c.swapImmovableBlocks(block)
		}
	}

	c.moves = c.moves[:0]

	if len(allErrors) == 1 {
		return allErrors[0]
	}

	if len(allErrors) > 0 {
		return errors.Join(allErrors...)
	}

	return nil
}

func (c *Context[T]) swapImmovableBlocks(tracker suballoc.Tracker) {
	c.BlockList.Lock()
	defer c.BlockList.Unlock()

	for i := c.immovableBlockCount; i < c.BlockList.BlockCount(); i++ {
		if c.BlockList.TrackerForBlock(i) == tracker {
			c.BlockList.SwapBlocks(i, c.immovableBlockCount)
			c.immovableBlockCount++
		}
	}
}

func (c *Context[T]) mustFirstAllocation(tracker suballoc.Tracker) suballoc.RegionHandle {
	handle, err := tracker.FirstAllocation()
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting first allocation: %+v", err))
	}

	return handle
}

func (c *Context[T]) mustNextAllocation(tracker suballoc.Tracker, handle suballoc.RegionHandle) suballoc.RegionHandle {
	handle, err := tracker.NextAllocation(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next allocation: %+v", err))
	}

	return handle
}

func (c *Context[T]) mustFindOffset(tracker suballoc.Tracker, handle suballoc.RegionHandle) int {
	offset, err := tracker.AllocationOffset(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting allocation offset: %+v", err))
	}

	return offset
}

func (c *Context[T]) getMoveData(handle suballoc.RegionHandle, tracker suballoc.Tracker) (MoveAllocationData[T], bool) {
	userData, err := tracker.AllocationUserData(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when retrieving allocation user data: %+v", err))
	}

	// Destination allocations reserved earlier in this run carry the context
	// itself as user data and must not be moved again
	if userData == c {
		return MoveAllocationData[T]{}, true
	}

	return c.BlockList.MoveDataForUserData(userData), false
}

func (c *Context[T]) allocFromBlock(blockIndex int, tracker suballoc.Tracker, size int, alignment uint, flags uint32, userData any, allocType uint32, outAlloc *T) (common.VkResult, error) {
	success, request, err := tracker.PlanAllocation(size, alignment, false, allocType, 0, math.MaxInt)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	} else if !success {
		return core1_0.VKErrorOutOfDeviceMemory, nil
	}

	return c.BlockList.CommitDefragRequest(request, blockIndex, alignment, flags, userData, allocType, outAlloc)
}

func (c *Context[T]) allocInOtherBlock(start, end int, data *MoveAllocationData[T]) bool {
	for ; start < end; start++ {
		dstTracker := c.BlockList.TrackerForBlock(start)
		if dstTracker.MayFit(data.AllocType, data.Move.Size) {
			data.Move.DstTmpAllocation = c.BlockList.CreateAlloc()
			res, err := c.allocFromBlock(start, dstTracker,
				data.Move.Size,
				data.Alignment,
				data.Flags,
				c,
				data.AllocType,
				data.Move.DstTmpAllocation)
			if err != nil {
				panic(fmt.Sprintf("unexpected error while allocating: %+v", err))
			} else if res == core1_0.VKSuccess {
				data.Move.DstTracker = dstTracker
				c.moves = append(c.moves, data.Move)
				return true
			}
		}
	}

	return false
}

type walkHandler[T any] func(pass *PassContext, blockIndex int, tracker suballoc.Tracker, handle suballoc.RegionHandle, moveData MoveAllocationData[T]) bool

func (c *Context[T]) walkSuballocations(pass *PassContext, suballocHandler walkHandler[T]) bool {
	// Go through allocations in the last blocks and try to fit them inside
	// the first ones
	for blockIndex := c.BlockList.BlockCount() - 1; blockIndex > c.immovableBlockCount; blockIndex-- {
		if c.walkBlock(pass, blockIndex, suballocHandler) {
			return true
		}
	}

	return false
}

func (c *Context[T]) walkBlock(pass *PassContext, blockIndex int, suballocHandler walkHandler[T]) bool {
	tracker := c.BlockList.TrackerForBlock(blockIndex)

	for handle := c.mustFirstAllocation(tracker); handle != suballoc.NoRegion; handle = c.mustNextAllocation(tracker, handle) {
		moveData, immobile := c.getMoveData(handle, tracker)
		if immobile {
			continue
		}

		counter := pass.checkCounters(moveData.Move.Size)
		switch counter {
		case counterIgnore:
			continue
		case counterEnd:
			return true
		case counterPass:
			break
		default:
			panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
		}

		if suballocHandler(pass, blockIndex, tracker, handle, moveData) {
			return true
		}
	}

	return false
}

// allocIfLowerOffset reserves a new position for the allocation within its own
// block if one exists below the provided offset. When requireNoOverlap is set,
// the new position must also end at or before the old offset so the consumer
// can copy without the ranges aliasing.
func (c *Context[T]) allocIfLowerOffset(offset int, blockIndex int, tracker suballoc.Tracker, moveData *MoveAllocationData[T], requireNoOverlap bool) bool {
	success, request, err := tracker.PlanAllocation(
		moveData.Move.Size,
		moveData.Alignment,
		false,
		moveData.AllocType,
		suballoc.StrategyMinOffset,
		offset,
	)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when populating allocation request for defrag: %+v", err))
	}

	if !success {
		return false
	}

	newOffset := c.mustFindOffset(tracker, request.Handle)
	if newOffset >= offset {
		return false
	}
	if requireNoOverlap && newOffset+moveData.Move.Size > offset {
		return false
	}

	moveData.Move.DstTmpAllocation = c.BlockList.CreateAlloc()
	res, err := c.BlockList.CommitDefragRequest(
		request,
		blockIndex,
		moveData.Alignment,
		moveData.Flags,
		c,
		moveData.AllocType,
		moveData.Move.DstTmpAllocation,
	)
	if err == nil {
		moveData.Move.DstTracker = tracker
		c.moves = append(c.moves, moveData.Move)
		return true
	} else if res == core1_0.VKErrorUnknown {
		panic(fmt.Sprintf("unexpected error when committing allocation request for defragment: %+v", err))
	}

	return false
}

func (c *Context[T]) reallocSuballocHandler(pass *PassContext, blockIndex int, tracker suballoc.Tracker, handle suballoc.RegionHandle, moveData MoveAllocationData[T]) bool {
	offset := c.mustFindOffset(tracker, handle)
	if offset != 0 && tracker.MayFit(moveData.AllocType, moveData.Move.Size) {
		if c.allocIfLowerOffset(offset, blockIndex, tracker, &moveData, false) {
			return pass.incrementCounters(moveData.Move.Size)
		}
	}

	return false
}

func (c *Context[T]) fastSuballocHandler(pass *PassContext, blockIndex int, tracker suballoc.Tracker, handle suballoc.RegionHandle, moveData MoveAllocationData[T]) bool {
	if blockIndex == 0 {
		return true
	}

	success := c.allocInOtherBlock(0, blockIndex, &moveData)
	if !success {
		return false
	}

	// Have we crossed our threshold for this pass?
	return pass.incrementCounters(moveData.Move.Size)
}

func (c *Context[T]) fullSuballocHandler(pass *PassContext, blockIndex int, tracker suballoc.Tracker, handle suballoc.RegionHandle, moveData MoveAllocationData[T]) bool {
	// Check all previous blocks for free space
	prevMoveCount := len(c.moves)
	if blockIndex > 0 && c.allocInOtherBlock(0, blockIndex, &moveData) {
		return pass.incrementCounters(moveData.Move.Size)
	}

	// If no room found then realloc within the block for a lower offset
	offset := c.mustFindOffset(tracker, handle)
	if prevMoveCount == len(c.moves) &&
		offset > 0 &&
		tracker.MayFit(moveData.AllocType, moveData.Move.Size) {

		if c.allocIfLowerOffset(offset, blockIndex, tracker, &moveData, false) {
			return pass.incrementCounters(moveData.Move.Size)
		}
	}

	return false
}

func (c *Context[T]) balancedSuballocHandler(pass *PassContext, blockIndex int, tracker suballoc.Tracker, handle suballoc.RegionHandle, moveData MoveAllocationData[T]) bool {
	prevMoveCount := len(c.moves)
	if blockIndex > 0 && c.allocInOtherBlock(0, blockIndex, &moveData) {
		return pass.incrementCounters(moveData.Move.Size)
	}

	// In-block moves only when the new position doesn't alias the old one
	offset := c.mustFindOffset(tracker, handle)
	if prevMoveCount == len(c.moves) &&
		offset > 0 &&
		tracker.MayFit(moveData.AllocType, moveData.Move.Size) {

		if c.allocIfLowerOffset(offset, blockIndex, tracker, &moveData, true) {
			return pass.incrementCounters(moveData.Move.Size)
		}
	}

	return false
}

func (c *Context[T]) extensiveSuballocHandler(pass *PassContext, blockIndex int, tracker suballoc.Tracker, handle suballoc.RegionHandle, moveData MoveAllocationData[T]) bool {
	// Without a meaningful granularity there is nothing to gain over the full
	// algorithm
	if c.BlockList.BufferImageGranularity() <= 1 {
		return c.fullSuballocHandler(pass, blockIndex, tracker, handle, moveData)
	}

	// Try to empty this block entirely: any other block will do as a
	// destination, later ones included
	if c.allocInOtherBlock(0, blockIndex, &moveData) ||
		c.allocInOtherBlock(blockIndex+1, c.BlockList.BlockCount(), &moveData) {
		return pass.incrementCounters(moveData.Move.Size)
	}

	return false
}
