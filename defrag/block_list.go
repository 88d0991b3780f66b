package defrag

import (
	"github.com/vkngwrapper/core/v2/common"

	"github.com/cobaltgfx/vkmem/memutil"
	"github.com/cobaltgfx/vkmem/suballoc"
)

// BlockList is the windowed view of a memory pool that a Context defragments.
// The Context plans destination allocations through it and reorders its blocks
// to push immovable ones toward the front.
type BlockList[T any] interface {
	TrackerForBlock(index int) suballoc.Tracker
	BlockCount() int
	AddStatistics(stats *memutil.Statistics)
	MoveDataForUserData(userData any) MoveAllocationData[T]
	BufferImageGranularity() int

	Lock()
	Unlock()

	CreateAlloc() *T
	CommitDefragRequest(request suballoc.Request, blockIndex int, alignment uint, flags uint32, userData any, allocType uint32, outAlloc *T) (common.VkResult, error)
	SwapBlocks(leftIndex, rightIndex int)
}
