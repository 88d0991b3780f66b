package suballoc

// GranularityHandler lets the consumer impose placement rules between allocations
// of different types, such as the buffer/image granularity padding required by
// graphics APIs. Trackers call into the handler when planning, committing, and
// freeing allocations. Systems with no such rules should provide a handler whose
// methods no-op and whose CheckConflictAndAlignUp always succeeds.
type GranularityHandler interface {
	// AllocPages records that an allocation of the given type now occupies the
	// pages overlapping [offset, offset+size)
	AllocPages(allocType uint32, offset, size int)
	// FreePages records that the pages overlapping [offset, offset+size) lost an
	// occupant
	FreePages(offset, size int)
	// Clear drops all page records
	Clear()

	// CheckConflictAndAlignUp aligns a candidate allocation up to avoid sharing
	// a page with a conflicting allocation type. It returns the adjusted offset
	// and false if the adjusted allocation no longer fits the free region.
	CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int, allocType uint32) (int, bool)
	// RoundUpAllocRequest pads a requested size and alignment so granularity
	// conflicts become impossible or unlikely for the given allocation type
	RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint)
	// AllocationsConflict reports whether two allocation types may not share a page
	AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool

	// StartValidation begins a consistency sweep; the returned context is passed
	// to Validate and FinishValidation
	StartValidation() any
	// Validate replays one live allocation into the sweep
	Validate(ctx any, offset, size int) error
	// FinishValidation completes the sweep and reports mismatches with the
	// handler's page records
	FinishValidation(ctx any) error
}
