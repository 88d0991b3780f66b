package defrag

import (
	"github.com/cobaltgfx/vkmem/suballoc"
)

type MoveOperation uint32

const (
	// MoveCopy relocates the allocation to its destination. This is the state
	// every collected move starts in.
	MoveCopy MoveOperation = iota
	// MoveIgnore abandons the relocation and leaves the allocation where it is.
	// The block holding it is treated as immovable for the rest of the run.
	MoveIgnore
	// MoveDestroy frees the source allocation instead of relocating it
	MoveDestroy
)

var moveOperationMapping = map[MoveOperation]string{
	MoveCopy:    "MoveCopy",
	MoveIgnore:  "MoveIgnore",
	MoveDestroy: "MoveDestroy",
}

func (o MoveOperation) String() string {
	return moveOperationMapping[o]
}

// OperationHandler completes a single relocation: copy the memory contents from
// source to destination (or don't, depending on Move.MoveOperation), rebind
// resources, and free whichever allocation is no longer live.
type OperationHandler[T any] func(move Move[T]) error

// Move is a single planned relocation within a defragmentation pass. The
// destination has already been reserved in DstTracker; the consumer decides the
// final MoveOperation before the pass completes.
type Move[T any] struct {
	MoveOperation MoveOperation

	Size             int
	SrcTracker       suballoc.Tracker
	SrcAllocation    *T
	DstTracker       suballoc.Tracker
	DstTmpAllocation *T
}

// MoveAllocationData carries the placement requirements of an allocation being
// considered for relocation, as reported by the BlockList.
type MoveAllocationData[T any] struct {
	Alignment uint
	AllocType uint32
	Flags     uint32
	Move      Move[T]
}
