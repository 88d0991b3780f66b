package vkmem

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/cobaltgfx/vkmem/defrag"
)

// DefragmentationFlags is a set of bitflags that specify behavior for the DefragmentationContext
type DefragmentationFlags uint32

const (
	// DefragmentationFlagAlgorithmFast indicates that the DefragmentationContext should use a "fast"
	// algorithm that is less thorough about compacting data within blocks, but requires fewer passes
	// to complete a full run. It is not compatible with the other algorithm flags.
	DefragmentationFlagAlgorithmFast DefragmentationFlags = 1 << iota
	// DefragmentationFlagAlgorithmBalanced indicates that the DefragmentationContext should move
	// allocations between blocks like DefragmentationFlagAlgorithmFast, and additionally compact
	// memory within a block when the gain is large enough. It is not compatible with the other
	// algorithm flags.
	//
	// This is the default algorithm if none is specified.
	DefragmentationFlagAlgorithmBalanced
	// DefragmentationFlagAlgorithmFull indicates that the DefragmentationContext should use an algorithm
	// that is somewhat slower than DefragmentationFlagAlgorithmBalanced but will always compact memory
	// within blocks, allowing subsequent passes to compact memory across blocks to use the space that
	// was just freed up. It is not compatible with the other algorithm flags.
	DefragmentationFlagAlgorithmFull
	// DefragmentationFlagAlgorithmExtensive indicates that the DefragmentationContext should try to
	// empty out whole blocks so the block list can release them, in addition to everything
	// DefragmentationFlagAlgorithmFull does. It is the slowest algorithm and moves the most data.
	// It is not compatible with the other algorithm flags.
	DefragmentationFlagAlgorithmExtensive

	DefragmentationFlagAlgorithmMask = DefragmentationFlagAlgorithmFast |
		DefragmentationFlagAlgorithmBalanced |
		DefragmentationFlagAlgorithmFull |
		DefragmentationFlagAlgorithmExtensive
)

var defragmentationFlagsMapping = map[DefragmentationFlags]string{
	DefragmentationFlagAlgorithmFast:      "DefragmentationFlagAlgorithmFast",
	DefragmentationFlagAlgorithmBalanced:  "DefragmentationFlagAlgorithmBalanced",
	DefragmentationFlagAlgorithmFull:      "DefragmentationFlagAlgorithmFull",
	DefragmentationFlagAlgorithmExtensive: "DefragmentationFlagAlgorithmExtensive",
}

func (f DefragmentationFlags) String() string {
	return defragmentationFlagsMapping[f]
}

// DefragmentationInfo is used to specify options for a defragmentation run when populating a
// DefragmentationContext.
type DefragmentationInfo struct {
	// Flags specifies optional DefragmentationFlags
	Flags DefragmentationFlags
	// Pool indicates a custom memory pool to defragment. This is usually nil, in which case the
	// Allocator will be defragmented
	Pool *Pool

	// MaxBytesPerPass is the maximum number of bytes to relocate in each pass. This can be used
	// to restrict the amount of compute and GPU that will be spent on a single pass of the
	// defragmentation algorithm. If one pass is performed per frame (or some other mechanism to
	// limit throughput), then the amount of resources spent on the defragmentation process can
	// be controlled.
	MaxBytesPerPass int
	// MaxAllocationsPerPass is the maximum number of Allocation objects to relocate in each pass.
	// Since the number of relocations is almost a direct proxy for the number of go allocations
	// made, this is an important value for managing go memory throughput and CPU usage spent on
	// the defragmentation process.
	MaxAllocationsPerPass int
}

type lockOperation struct {
	alloc     *Allocation
	waitGroup *sync.WaitGroup
}

var lockAllocationChan = make(chan lockOperation, 50)

func asyncLockMutexes() {
	for lockOp := range lockAllocationChan {
		lockOp.alloc.mapLock.Lock()
		lockOp.waitGroup.Done()
	}
}

func init() {
	for i := 0; i < 5; i++ {
		go asyncLockMutexes()
	}
}

// DefragmentationContext is an object that represents a single run of the defragmentation
// algorithm, although that run will consist of multiple passes that may be spread out over an
// extended period of time. This object is populated by Allocator.BeginDefragmentation.
// DefragmentationContext objects can be reused for multiple defragmentation runs in order to
// reduce allocations, if desired.
type DefragmentationContext struct {
	MaxPassBytes       int
	MaxPassAllocations int

	context           []defrag.Context[Allocation]
	logger            *slog.Logger
	scopeFlag         *int32
	blockListProgress int
	pass              defrag.PassContext
	stats             defrag.DefragmentationStats
}

func (c *DefragmentationContext) init(o *DefragmentationInfo) error {
	c.MaxPassBytes = o.MaxBytesPerPass
	c.MaxPassAllocations = o.MaxAllocationsPerPass
	c.blockListProgress = 0
	c.stats = defrag.DefragmentationStats{}

	if c.MaxPassBytes == 0 {
		c.MaxPassBytes = math.MaxInt
	}

	if c.MaxPassAllocations == 0 {
		c.MaxPassAllocations = math.MaxInt
	}

	algorithmFlags := o.Flags & DefragmentationFlagAlgorithmMask
	var algorithm defrag.Algorithm
	switch algorithmFlags {
	case DefragmentationFlagAlgorithmFast:
		algorithm = defrag.AlgorithmFast
	case DefragmentationFlagAlgorithmBalanced, 0:
		algorithm = defrag.AlgorithmBalanced
	case DefragmentationFlagAlgorithmFull:
		algorithm = defrag.AlgorithmFull
	case DefragmentationFlagAlgorithmExtensive:
		algorithm = defrag.AlgorithmExtensive
	default:
		return errors.Newf("more than one defragmentation algorithm was requested: %s", algorithmFlags.String())
	}

	for index := range c.context {
		if c.context[index].BlockList == nil {
			continue
		}

		c.context[index].Handler = c.completePassForMove
		c.context[index].Algorithm = algorithm

		err := c.context[index].Init()
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *DefragmentationContext) initForPool(pool *Pool, o *DefragmentationInfo) error {
	c.context = []defrag.Context[Allocation]{
		{
			BlockList: &pool.blockList,
		},
	}
	c.logger = pool.logger
	c.scopeFlag = &pool.defragInProgress
	pool.blockList.incrementalSort = false
	pool.blockList.SortByFreeSize()
	return c.init(o)
}

func (c *DefragmentationContext) initForAllocator(allocator *Allocator, o *DefragmentationInfo) error {
	c.context = make([]defrag.Context[Allocation], common.MaxMemoryTypes)
	c.logger = allocator.logger
	c.scopeFlag = &allocator.defragInProgress

	for index := range c.context {
		if allocator.memoryBlockLists[index] != nil {
			c.context[index].BlockList = allocator.memoryBlockLists[index]
			allocator.memoryBlockLists[index].incrementalSort = false
			allocator.memoryBlockLists[index].SortByFreeSize()
		}
	}

	return c.init(o)
}

// BeginDefragmentation populates a DefragmentationContext for a run against this Allocator's
// default pools (or the custom pool named in o.Pool). Only one run may be active per Allocator
// or per Pool at a time; a second concurrent run fails with an error. Custom pools created
// with PoolCreateLinearAlgorithm cannot be defragmented.
func (a *Allocator) BeginDefragmentation(o DefragmentationInfo, context *DefragmentationContext) (common.VkResult, error) {
	a.logger.Debug("Allocator::BeginDefragmentation")

	if context == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to begin defragmentation with a nil context")
	}

	if o.Pool != nil {
		if o.Pool.blockList.algorithm&PoolCreateLinearAlgorithm != 0 {
			return core1_0.VKErrorFeatureNotPresent, errors.New("pools created with PoolCreateLinearAlgorithm cannot be defragmented")
		}

		if !atomic.CompareAndSwapInt32(&o.Pool.defragInProgress, 0, 1) {
			return core1_0.VKErrorUnknown, errors.New("a defragmentation run is already active for this pool")
		}

		err := context.initForPool(o.Pool, &o)
		if err != nil {
			atomic.StoreInt32(&o.Pool.defragInProgress, 0)
			return core1_0.VKErrorUnknown, err
		}

		return core1_0.VKSuccess, nil
	}

	if !atomic.CompareAndSwapInt32(&a.defragInProgress, 0, 1) {
		return core1_0.VKErrorUnknown, errors.New("a defragmentation run is already active for this allocator")
	}

	err := context.initForAllocator(a, &o)
	if err != nil {
		atomic.StoreInt32(&a.defragInProgress, 0)
		return core1_0.VKErrorUnknown, err
	}

	return core1_0.VKSuccess, nil
}

// BeginAllocationPass collects a number of relocations to be performed for a single pass of the
// defragmentation run and returns those relocations. Before returning, the Allocation objects
// being relocated (defrag.Move.SrcAllocation) will be write-locked, causing any
// device-memory-accessing method calls to block until EndAllocationPass is called. Before
// calling EndAllocationPass, the caller should copy the memory data from SrcAllocation to
// DstTmpAllocation and rebind any relevant resources (buffers, images, etc.) to the
// DstTmpAllocation. If it is necessary to map SrcAllocation's memory in order to accomplish
// that, then MapSourceAllocation and UnmapSourceAllocation are available for use, since
// Allocation.Map will block forever.
//
// Alternatively, defrag.Move.MoveOperation can be set to defrag.MoveIgnore or
// defrag.MoveDestroy instead to prevent the relocation or simply destroy SrcAllocation without
// moving it.
func (c *DefragmentationContext) BeginAllocationPass() []defrag.Move[Allocation] {
	c.logger.Debug("DefragmentationContext::BeginAllocationPass")

	c.pass = defrag.PassContext{
		MaxPassBytes:       c.MaxPassBytes,
		MaxPassAllocations: c.MaxPassAllocations,
	}

	var moves []defrag.Move[Allocation]

	for ; c.blockListProgress < len(c.context); c.blockListProgress++ {
		if c.context[c.blockListProgress].BlockList == nil {
			continue
		}

		if c.context[c.blockListProgress].CollectMoves(&c.pass) {
			break
		}

		moves = c.context[c.blockListProgress].Moves()

		if len(moves) > 0 {
			break
		}
	}

	var wg sync.WaitGroup
	for _, move := range moves {
		// Waiting on several goroutines that will live like 100ns is slow, so only do this
		// async if there's actually something to wait on
		if !move.SrcAllocation.mapLock.TryLock() {
			wg.Add(1)
			lockAllocationChan <- lockOperation{
				alloc:     move.SrcAllocation,
				waitGroup: &wg,
			}
		}
	}
	wg.Wait()
	return moves
}

// EndAllocationPass will complete the relocation of the allocations collected in
// BeginAllocationPass, inject DstTmpAllocation's data into SrcAllocation (so the old Allocation
// object can continue to be used), release the write lock on SrcAllocation, and free the old
// memory that was relocated.
//
// This method may return any error that Allocation.Unmap does if any of the various Unmap
// operations it performs fail. Otherwise, it will return true if the defragmentation run has
// ended after this pass, or false if additional passes are necessary.
func (c *DefragmentationContext) EndAllocationPass() (bool, error) {
	c.logger.Debug("DefragmentationContext::EndAllocationPass")

	if c.blockListProgress >= len(c.context) {
		return true, nil
	}

	if len(c.context[c.blockListProgress].Moves()) == 0 {
		return true, nil
	}

	err := c.context[c.blockListProgress].CompletePass(&c.pass)
	c.stats.Add(c.pass.Stats)

	return false, err
}

// Finish performs some vital cleanup duties after the last defragmentation pass has run. This
// should be called whenever EndAllocationPass returns true. Blocks the run emptied out are
// released back to the device here and show up in outStats as freed bytes and freed blocks.
func (c *DefragmentationContext) Finish(outStats *defrag.DefragmentationStats) {
	c.logger.Debug("DefragmentationContext::Finish")

	for index := range c.context {
		if c.context[index].BlockList != nil {
			blockList := c.context[index].BlockList.(*memoryBlockList)
			blocksFreed, bytesFreed := blockList.freeEmptyBlocks()
			c.stats.DeviceMemoryBlocksFreed += blocksFreed
			c.stats.BytesFreed += bytesFreed
			blockList.incrementalSort = true
		}
	}

	if outStats != nil {
		*outStats = c.stats
	}

	if c.scopeFlag != nil {
		atomic.StoreInt32(c.scopeFlag, 0)
		c.scopeFlag = nil
	}
}

func (c *DefragmentationContext) completePassForMove(move defrag.Move[Allocation]) error {
	switch move.MoveOperation {
	case defrag.MoveCopy:
		mapCount, err := move.SrcAllocation.swapBlockAllocation(move.DstTmpAllocation)
		if err != nil {
			move.SrcAllocation.mapLock.Unlock()
			return err
		}

		// Carry the caller's map references over to the new memory
		if mapCount > 0 {
			_, _, err = move.SrcAllocation.memory.Map(mapCount, 0, common.WholeSize, 0)
		}
		move.SrcAllocation.mapLock.Unlock()
		if err != nil {
			return err
		}

	case defrag.MoveDestroy:
		move.SrcAllocation.mapLock.Unlock()
		err := move.SrcAllocation.free()
		if err != nil {
			panic(fmt.Sprintf("failed to free source allocation on Destroy move: %+v", err))
		}
	default:
		move.SrcAllocation.mapLock.Unlock()
	}

	err := move.DstTmpAllocation.free()
	if err != nil {
		panic(fmt.Sprintf("failed to free temporary defrag allocation: %+v", err))
	}

	return nil
}

// MapSourceAllocation is roughly equivalent to calling Allocation.Map- however, Allocation.Map
// cannot be called on an Allocation object in the midst of being relocated as part of a
// defragmentation pass, because a write lock has been taken out on the Allocation. If it is
// necessary to map data as part of the relocation process, use this method. Because this
// ignores Allocation thread-safety primitives, calling this on an Allocation that is not
// currently being relocated by this DefragmentationContext is dangerous.
func (c *DefragmentationContext) MapSourceAllocation(alloc *Allocation) (unsafe.Pointer, common.VkResult, error) {
	return alloc.mapOptionalLock(false)
}

// UnmapSourceAllocation should be called after MapSourceAllocation to clean up the mapping
func (c *DefragmentationContext) UnmapSourceAllocation(alloc *Allocation) error {
	return alloc.memory.Unmap(1)
}
