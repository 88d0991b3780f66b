package defrag

import "fmt"

// Algorithm identifies which defragmentation algorithm will be used for defrag passes
type Algorithm uint32

const (
	// AlgorithmFast only moves allocations out of later blocks into free space in
	// earlier ones. It is less thorough about compacting data within blocks, but
	// requires fewer passes to complete a full run.
	AlgorithmFast Algorithm = iota + 1
	// AlgorithmBalanced moves allocations between blocks like AlgorithmFast, and
	// additionally compacts within a block when the allocation can be relocated
	// without overlapping its old position. Overlapping in-block moves force the
	// consumer to double-buffer the copy, so balanced runs avoid them.
	AlgorithmBalanced
	// AlgorithmFull moves allocations between blocks and compacts within blocks
	// whenever a lower offset is available, even when the old and new positions
	// overlap.
	//
	// This is the default algorithm if none is specified.
	AlgorithmFull
	// AlgorithmExtensive tries to empty whole blocks by moving their allocations
	// into any other block with room, later blocks included, so the emptied
	// block can be released. When the block list has no meaningful allocation
	// granularity it behaves like AlgorithmFull.
	AlgorithmExtensive
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmFast:      "AlgorithmFast",
	AlgorithmBalanced:  "AlgorithmBalanced",
	AlgorithmFull:      "AlgorithmFull",
	AlgorithmExtensive: "AlgorithmExtensive",
}

func (a Algorithm) String() string {
	return algorithmMapping[a]
}

type counterStatus uint32

const (
	counterPass counterStatus = iota
	counterIgnore
	counterEnd
)

var counterStatusMapping = map[counterStatus]string{
	counterPass:   "counterPass",
	counterIgnore: "counterIgnore",
	counterEnd:    "counterEnd",
}

func (s counterStatus) String() string {
	return counterStatusMapping[s]
}

// DefragmentationStats contains basic metrics for defragmentation over time
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// BytesFreed is the number of bytes that have been freed. Relocating an
	// allocation doesn't necessarily free its memory- only if a run completely
	// empties a block and the BlockList chooses to release it will this value
	// increase
	BytesFreed int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// DeviceMemoryBlocksFreed is the number of memory blocks that the BlockList
	// has chosen to release as a consequence of relocating allocations out of them
	DeviceMemoryBlocksFreed int
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.BytesFreed += stats.BytesFreed
	s.AllocationsMoved += stats.AllocationsMoved
	s.DeviceMemoryBlocksFreed += stats.DeviceMemoryBlocksFreed
}

// PassContext tracks data for the current defragmentation pass across multiple
// relocations
type PassContext struct {
	// MaxPassBytes is the maximum number of bytes to relocate in each pass. There
	// is no guarantee that this many bytes will actually be relocated in any given
	// pass, based on how easy it is to find additional relocations to fit within
	// the budget
	MaxPassBytes int
	// MaxPassAllocations is the maximum number of relocations to perform in each
	// pass. There is no guarantee that this many allocations will actually be
	// relocated in any given pass, based on how easy it is to find additional
	// relocations to fit within the budget. This value is a close proxy for the
	// number of go allocations made for each pass, so managing this and
	// MaxPassBytes can help you control memory and cpu throughput of the
	// defragmentation process.
	MaxPassAllocations int
	// Stats contains statistics for the current pass, such as bytes moved,
	// allocations performed, etc.
	Stats         DefragmentationStats
	ignoredAllocs int
}

const maxAllocsToIgnore = 16

func (p *PassContext) checkCounters(bytes int) counterStatus {
	// Ignore the allocation if it would exceed the byte budget for this pass
	if p.Stats.BytesMoved+bytes > p.MaxPassBytes {
		p.ignoredAllocs++
		if p.ignoredAllocs < maxAllocsToIgnore {
			return counterIgnore
		} else {
			return counterEnd
		}
	} else {
		p.ignoredAllocs = 0
	}

	return counterPass
}

func (p *PassContext) incrementCounters(bytes int) bool {
	p.Stats.BytesMoved += bytes
	p.Stats.AllocationsMoved++

	// Early return when max found
	if p.Stats.AllocationsMoved >= p.MaxPassAllocations || p.Stats.BytesMoved >= p.MaxPassBytes {
		if p.Stats.AllocationsMoved != p.MaxPassAllocations && p.Stats.BytesMoved != p.MaxPassBytes {
			panic(fmt.Sprintf("somehow passed maximum pass thresholds: bytes %d, allocs %d", p.Stats.BytesMoved, p.Stats.AllocationsMoved))
		}

		return true
	}

	return false
}
