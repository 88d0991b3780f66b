package defrag_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/cobaltgfx/vkmem/defrag"
	"github.com/cobaltgfx/vkmem/memutil"
	"github.com/cobaltgfx/vkmem/suballoc"
)

// noGranularity is a pass-through granularity handler for block lists with no
// inter-type placement rules.
type noGranularity struct{}

func (g noGranularity) AllocPages(allocType uint32, offset, size int) {}
func (g noGranularity) FreePages(offset, size int)                    {}
func (g noGranularity) Clear()                                        {}
func (g noGranularity) CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int, allocType uint32) (int, bool) {
	return allocOffset, true
}
func (g noGranularity) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}
func (g noGranularity) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return false
}
func (g noGranularity) StartValidation() any                     { return nil }
func (g noGranularity) Validate(ctx any, offset, size int) error { return nil }
func (g noGranularity) FinishValidation(ctx any) error           { return nil }

const freeSlot = -1

// blockAlloc seeds a single region when building a block's initial layout.
// Id freeSlot produces a hole at that position instead of a live allocation.
type blockAlloc struct {
	Id   int
	Size int
}

type blockState struct {
	Size   int
	Allocs []blockAlloc
}

type fakeAlloc struct {
	id      int
	size    int
	tracker suballoc.Tracker
}

// fakeBlockList drives the defragmentation engine with real trackers but
// without real device memory. Destination allocations are reported back as
// their committed offset.
type fakeBlockList struct {
	t           *testing.T
	granularity int
	trackers    []suballoc.Tracker
	byId        map[int]*fakeAlloc
	swaps       [][2]int
}

func newFakeBlockList(t *testing.T, granularity int, blocks []blockState) *fakeBlockList {
	list := &fakeBlockList{
		t:           t,
		granularity: granularity,
		byId:        make(map[int]*fakeAlloc),
	}

	for _, block := range blocks {
		tracker := suballoc.NewGeneralTracker(granularity, noGranularity{})
		tracker.Init(block.Size)

		var holes []suballoc.RegionHandle
		for _, alloc := range block.Allocs {
			success, request, err := tracker.PlanAllocation(alloc.Size, 1, false, 1, suballoc.StrategyMinOffset, math.MaxInt)
			require.NoError(t, err)
			require.True(t, success)

			if alloc.Id == freeSlot {
				require.NoError(t, tracker.Allocate(request, 1, &struct{}{}))
				holes = append(holes, request.Handle)
				continue
			}

			entry := &fakeAlloc{id: alloc.Id, size: alloc.Size, tracker: tracker}
			require.NoError(t, tracker.Allocate(request, 1, entry.id))
			list.byId[alloc.Id] = entry
		}

		for _, hole := range holes {
			require.NoError(t, tracker.Free(hole))
		}

		list.trackers = append(list.trackers, tracker)
	}

	return list
}

func (f *fakeBlockList) TrackerForBlock(index int) suballoc.Tracker { return f.trackers[index] }
func (f *fakeBlockList) BlockCount() int                            { return len(f.trackers) }
func (f *fakeBlockList) BufferImageGranularity() int                { return f.granularity }
func (f *fakeBlockList) Lock()                                      {}
func (f *fakeBlockList) Unlock()                                    {}
func (f *fakeBlockList) CreateAlloc() *int                          { return new(int) }

func (f *fakeBlockList) AddStatistics(stats *memutil.Statistics) {
	for _, tracker := range f.trackers {
		tracker.AddStatistics(stats)
	}
}

func (f *fakeBlockList) MoveDataForUserData(userData any) defrag.MoveAllocationData[int] {
	entry := f.byId[userData.(int)]
	return defrag.MoveAllocationData[int]{
		Alignment: 1,
		AllocType: 1,
		Move: defrag.Move[int]{
			MoveOperation: defrag.MoveCopy,
			Size:          entry.size,
			SrcTracker:    entry.tracker,
			SrcAllocation: &entry.id,
		},
	}
}

func (f *fakeBlockList) CommitDefragRequest(request suballoc.Request, blockIndex int, alignment uint, flags uint32, userData any, allocType uint32, outAlloc *int) (common.VkResult, error) {
	tracker := f.trackers[blockIndex]
	err := tracker.Allocate(request, allocType, userData)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	offset, err := tracker.AllocationOffset(request.Handle)
	require.NoError(f.t, err)
	*outAlloc = offset

	return core1_0.VKSuccess, nil
}

func (f *fakeBlockList) SwapBlocks(leftIndex, rightIndex int) {
	f.trackers[leftIndex], f.trackers[rightIndex] = f.trackers[rightIndex], f.trackers[leftIndex]
	f.swaps = append(f.swaps, [2]int{leftIndex, rightIndex})
}

func (f *fakeBlockList) blockIndexOf(tracker suballoc.Tracker) int {
	for i, candidate := range f.trackers {
		if candidate == tracker {
			return i
		}
	}
	return -1
}

// observedMove is the portion of a collected Move that tests assert on. The
// destination offset comes from the fake's CommitDefragRequest.
type observedMove struct {
	SourceId  int
	DstBlock  int
	DstOffset int
	Size      int
}

func TestDefragCollectMoves(t *testing.T) {
	tests := map[string]struct {
		algorithm          defrag.Algorithm
		granularity        int
		maxPassBytes       int
		maxPassAllocations int
		blocks             []blockState
		expectedMoves      []observedMove
		expectedExhausted  bool
	}{
		"FullAlgoSimpleMoveWithinBlock": {
			algorithm: defrag.AlgorithmFull,
			blocks: []blockState{
				{Size: 250, Allocs: []blockAlloc{{freeSlot, 100}, {1, 100}}},
			},
			expectedMoves: []observedMove{
				{SourceId: 1, DstBlock: 0, DstOffset: 0, Size: 100},
			},
		},
		"FullAlgoNoWorkToDo": {
			algorithm: defrag.AlgorithmFull,
			blocks: []blockState{
				{Size: 250, Allocs: []blockAlloc{{1, 100}}},
			},
		},
		"FastAlgoSimpleMoveBetweenBlocks": {
			algorithm: defrag.AlgorithmFast,
			blocks: []blockState{
				{Size: 250, Allocs: []blockAlloc{{freeSlot, 100}, {2, 100}}},
				{Size: 250, Allocs: []blockAlloc{{1, 99}}},
			},
			expectedMoves: []observedMove{
				{SourceId: 1, DstBlock: 0, DstOffset: 0, Size: 99},
			},
		},
		"FastAlgoNoWorkToDo": {
			algorithm: defrag.AlgorithmFast,
			blocks: []blockState{
				{Size: 250, Allocs: []blockAlloc{{1, 100}}},
				{Size: 250},
			},
		},
		"EnforceMaxBytes": {
			algorithm:    defrag.AlgorithmFull,
			maxPassBytes: 100,
			blocks: []blockState{
				{Size: 500, Allocs: []blockAlloc{{freeSlot, 200}, {1, 200}}},
			},
		},
		"EnforceMaxAllocations": {
			algorithm:          defrag.AlgorithmFull,
			maxPassAllocations: 1,
			blocks: []blockState{
				{Size: 500, Allocs: []blockAlloc{{freeSlot, 200}, {1, 100}, {2, 100}}},
			},
			// Allocations are visited from the end of the block, so the budget
			// goes to the highest-offset allocation
			expectedMoves: []observedMove{
				{SourceId: 2, DstBlock: 0, DstOffset: 0, Size: 100},
			},
			expectedExhausted: true,
		},
		"FullAlgoMultiAllocation": {
			algorithm: defrag.AlgorithmFull,
			blocks: []blockState{
				{Size: 500, Allocs: []blockAlloc{{freeSlot, 200}, {1, 100}, {2, 99}}},
			},
			expectedMoves: []observedMove{
				{SourceId: 2, DstBlock: 0, DstOffset: 0, Size: 99},
				{SourceId: 1, DstBlock: 0, DstOffset: 99, Size: 100},
			},
		},
		"FastAlgoMultiAllocation": {
			algorithm: defrag.AlgorithmFast,
			blocks: []blockState{
				{Size: 300, Allocs: []blockAlloc{{freeSlot, 200}, {1, 100}}},
				{Size: 100, Allocs: []blockAlloc{{2, 50}, {3, 49}}},
			},
			expectedMoves: []observedMove{
				{SourceId: 3, DstBlock: 0, DstOffset: 0, Size: 49},
				{SourceId: 2, DstBlock: 0, DstOffset: 49, Size: 50},
			},
		},
		"FullAlgoCrossBlock": {
			algorithm: defrag.AlgorithmFull,
			blocks: []blockState{
				{Size: 200, Allocs: []blockAlloc{{freeSlot, 100}, {1, 100}}},
				{Size: 100, Allocs: []blockAlloc{{2, 99}}},
			},
			expectedMoves: []observedMove{
				{SourceId: 2, DstBlock: 0, DstOffset: 0, Size: 99},
			},
		},
		"FullAlgoWithinLateBlock": {
			algorithm: defrag.AlgorithmFull,
			blocks: []blockState{
				{Size: 150, Allocs: []blockAlloc{{freeSlot, 50}, {1, 100}}},
				{Size: 200, Allocs: []blockAlloc{{freeSlot, 100}, {2, 99}}},
			},
			expectedMoves: []observedMove{
				{SourceId: 2, DstBlock: 1, DstOffset: 0, Size: 99},
			},
		},
		"BalancedAlgoCrossBlock": {
			algorithm: defrag.AlgorithmBalanced,
			blocks: []blockState{
				{Size: 100},
				{Size: 300, Allocs: []blockAlloc{{freeSlot, 50}, {1, 100}}},
			},
			expectedMoves: []observedMove{
				{SourceId: 1, DstBlock: 0, DstOffset: 0, Size: 100},
			},
		},
		"BalancedAlgoWithinBlock": {
			algorithm: defrag.AlgorithmBalanced,
			blocks: []blockState{
				{Size: 10, Allocs: []blockAlloc{{9, 10}}},
				{Size: 300, Allocs: []blockAlloc{{freeSlot, 120}, {1, 100}}},
			},
			expectedMoves: []observedMove{
				{SourceId: 1, DstBlock: 1, DstOffset: 0, Size: 100},
			},
		},
		"ExtensiveAlgoLaterBlock": {
			algorithm:   defrag.AlgorithmExtensive,
			granularity: 8,
			blocks: []blockState{
				{Size: 64, Allocs: []blockAlloc{{9, 64}}},
				{Size: 128, Allocs: []blockAlloc{{freeSlot, 64}, {1, 64}}},
				{Size: 128},
			},
			// Block 0 has no room, so emptying block 1 means moving forward
			// into block 2
			expectedMoves: []observedMove{
				{SourceId: 1, DstBlock: 2, DstOffset: 0, Size: 64},
			},
		},
		"ExtensiveAlgoNoGranularityActsAsFull": {
			algorithm:   defrag.AlgorithmExtensive,
			granularity: 1,
			blocks: []blockState{
				{Size: 64, Allocs: []blockAlloc{{9, 64}}},
				{Size: 128, Allocs: []blockAlloc{{freeSlot, 64}, {1, 64}}},
			},
			expectedMoves: []observedMove{
				{SourceId: 1, DstBlock: 1, DstOffset: 0, Size: 64},
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			granularity := test.granularity
			if granularity == 0 {
				granularity = 1
			}

			list := newFakeBlockList(t, granularity, test.blocks)
			context := defrag.Context[int]{
				Algorithm: test.algorithm,
				BlockList: list,
			}
			require.NoError(t, context.Init())

			pass := defrag.PassContext{
				MaxPassBytes:       test.maxPassBytes,
				MaxPassAllocations: test.maxPassAllocations,
			}
			if pass.MaxPassBytes == 0 {
				pass.MaxPassBytes = math.MaxInt
			}
			if pass.MaxPassAllocations == 0 {
				pass.MaxPassAllocations = math.MaxInt
			}

			exhausted := context.CollectMoves(&pass)
			require.Equal(t, test.expectedExhausted, exhausted)

			moves := context.Moves()
			observed := make([]observedMove, 0, len(moves))
			var observedBytes int
			for _, move := range moves {
				require.Equal(t, defrag.MoveCopy, move.MoveOperation)
				require.NotNil(t, move.SrcAllocation)
				require.NotNil(t, move.DstTmpAllocation)

				srcBlock := list.blockIndexOf(move.SrcTracker)
				require.GreaterOrEqual(t, srcBlock, 0)

				observed = append(observed, observedMove{
					SourceId:  *move.SrcAllocation,
					DstBlock:  list.blockIndexOf(move.DstTracker),
					DstOffset: *move.DstTmpAllocation,
					Size:      move.Size,
				})
				observedBytes += move.Size
			}

			require.ElementsMatch(t, test.expectedMoves, observed)
			require.Equal(t, observedBytes, pass.Stats.BytesMoved)
			require.Equal(t, len(moves), pass.Stats.AllocationsMoved)

			for _, tracker := range list.trackers {
				require.NoError(t, tracker.Validate())
			}
		})
	}
}

func TestDefragInitRejectsLinearBlocks(t *testing.T) {
	linear := suballoc.NewLinearTracker(1, noGranularity{})
	linear.Init(1000)

	list := &fakeBlockList{
		t:           t,
		granularity: 1,
		byId:        make(map[int]*fakeAlloc),
		trackers:    []suballoc.Tracker{linear},
	}

	context := defrag.Context[int]{
		Algorithm: defrag.AlgorithmFull,
		BlockList: list,
	}
	require.Error(t, context.Init())
}

func TestDefragSingleBlockFastNoMoves(t *testing.T) {
	list := newFakeBlockList(t, 1, []blockState{
		{Size: 250, Allocs: []blockAlloc{{freeSlot, 100}, {1, 100}}},
	})

	context := defrag.Context[int]{
		Algorithm: defrag.AlgorithmFast,
		BlockList: list,
	}
	require.NoError(t, context.Init())

	pass := defrag.PassContext{
		MaxPassBytes:       math.MaxInt,
		MaxPassAllocations: math.MaxInt,
	}
	require.False(t, context.CollectMoves(&pass))
	require.Empty(t, context.Moves())
}
