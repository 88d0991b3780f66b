package defrag_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/cobaltgfx/vkmem/defrag"
)

func TestSimpleCompletePass(t *testing.T) {
	list := newFakeBlockList(t, 1, []blockState{
		{Size: 200, Allocs: []blockAlloc{{freeSlot, 100}, {1, 100}}},
		{Size: 200, Allocs: []blockAlloc{{2, 100}}},
	})

	sourceId := 2
	context := defrag.ContextWithMoves([]defrag.Move[int]{
		{
			MoveOperation: defrag.MoveCopy,
			Size:          100,
			SrcTracker:    list.trackers[1],
			SrcAllocation: &sourceId,
		},
	})
	context.BlockList = list

	var handled []defrag.Move[int]
	context.Handler = func(move defrag.Move[int]) error {
		handled = append(handled, move)
		return nil
	}

	pass := defrag.PassContext{
		Stats: defrag.DefragmentationStats{
			BytesMoved:       100,
			AllocationsMoved: 1,
		},
	}
	require.NoError(t, context.CompletePass(&pass))

	require.Len(t, handled, 1)
	require.Equal(t, sourceId, *handled[0].SrcAllocation)
	require.Equal(t, defrag.DefragmentationStats{
		BytesMoved:       100,
		AllocationsMoved: 1,
	}, pass.Stats)

	// Completing a pass consumes the collected moves
	require.Empty(t, context.Moves())
	require.Empty(t, list.swaps)
}

func TestDestroyAllocCompletePass(t *testing.T) {
	list := newFakeBlockList(t, 1, []blockState{
		{Size: 200, Allocs: []blockAlloc{{freeSlot, 100}, {1, 100}}},
	})

	sourceId := 1
	context := defrag.ContextWithMoves([]defrag.Move[int]{
		{
			MoveOperation: defrag.MoveDestroy,
			Size:          100,
			SrcTracker:    list.trackers[0],
			SrcAllocation: &sourceId,
		},
	})
	context.BlockList = list

	handledCount := 0
	context.Handler = func(move defrag.Move[int]) error {
		handledCount++
		require.Equal(t, defrag.MoveDestroy, move.MoveOperation)
		return nil
	}

	pass := defrag.PassContext{
		Stats: defrag.DefragmentationStats{
			BytesMoved:       100,
			AllocationsMoved: 1,
		},
	}
	require.NoError(t, context.CompletePass(&pass))

	// Destroyed allocations don't count as moved
	require.Equal(t, 1, handledCount)
	require.Equal(t, defrag.DefragmentationStats{}, pass.Stats)
}

func TestIgnoreAllocCompletePass(t *testing.T) {
	list := newFakeBlockList(t, 1, []blockState{
		{Size: 200},
		{Size: 200},
		{Size: 200, Allocs: []blockAlloc{{1, 100}}},
	})
	immovableTracker := list.trackers[2]

	sourceId := 1
	context := defrag.ContextWithMoves([]defrag.Move[int]{
		{
			MoveOperation: defrag.MoveIgnore,
			Size:          100,
			SrcTracker:    immovableTracker,
			SrcAllocation: &sourceId,
		},
	})
	context.BlockList = list

	context.Handler = func(move defrag.Move[int]) error {
		return nil
	}

	pass := defrag.PassContext{
		Stats: defrag.DefragmentationStats{
			BytesMoved:       100,
			AllocationsMoved: 1,
		},
	}
	require.NoError(t, context.CompletePass(&pass))

	require.Equal(t, defrag.DefragmentationStats{}, pass.Stats)

	// The block holding the ignored allocation moves to the front so later
	// passes leave it alone
	require.Equal(t, [][2]int{{2, 0}}, list.swaps)
	require.Same(t, immovableTracker, list.trackers[0])
}

func TestBlockFreedCompletePass(t *testing.T) {
	list := newFakeBlockList(t, 1, []blockState{
		{Size: 200, Allocs: []blockAlloc{{freeSlot, 100}, {1, 100}}},
		{Size: 200},
	})

	sourceId := 1
	context := defrag.ContextWithMoves([]defrag.Move[int]{
		{
			MoveOperation: defrag.MoveCopy,
			Size:          100,
			SrcTracker:    list.trackers[0],
			SrcAllocation: &sourceId,
		},
	})
	context.BlockList = list

	// Relocating the last allocation out of a block lets the handler release
	// the block entirely
	context.Handler = func(move defrag.Move[int]) error {
		list.trackers = list.trackers[:1]
		return nil
	}

	pass := defrag.PassContext{
		Stats: defrag.DefragmentationStats{
			BytesMoved:       100,
			AllocationsMoved: 1,
		},
	}
	require.NoError(t, context.CompletePass(&pass))

	require.Equal(t, defrag.DefragmentationStats{
		BytesMoved:              100,
		AllocationsMoved:        1,
		BytesFreed:              200,
		DeviceMemoryBlocksFreed: 1,
	}, pass.Stats)
}

func TestCompletePassHandlerError(t *testing.T) {
	list := newFakeBlockList(t, 1, []blockState{
		{Size: 200, Allocs: []blockAlloc{{1, 100}}},
	})

	sourceId := 1
	context := defrag.ContextWithMoves([]defrag.Move[int]{
		{
			MoveOperation: defrag.MoveDestroy,
			Size:          100,
			SrcTracker:    list.trackers[0],
			SrcAllocation: &sourceId,
		},
	})
	context.BlockList = list

	handlerErr := errors.New("failed to rebind resource")
	context.Handler = func(move defrag.Move[int]) error {
		return handlerErr
	}

	pass := defrag.PassContext{
		Stats: defrag.DefragmentationStats{
			BytesMoved:       100,
			AllocationsMoved: 1,
		},
	}
	err := context.CompletePass(&pass)
	require.ErrorIs(t, err, handlerErr)

	// Failed relocations leave the pass statistics untouched
	require.Equal(t, defrag.DefragmentationStats{
		BytesMoved:       100,
		AllocationsMoved: 1,
	}, pass.Stats)
}
