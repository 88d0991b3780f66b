package suballoc

import "math"

// RegionHandle is an opaque numeric handle identifying a single region (allocated
// or free) inside one tracked block. Handles are only meaningful to the Tracker
// that issued them.
type RegionHandle uint64

const (
	// NoRegion is the RegionHandle value used to indicate the absence of a region
	NoRegion RegionHandle = math.MaxUint64
)

// Region describes one contiguous byte range within a block
type Region struct {
	Offset   int
	Size     int
	UserData any
	Type     uint32
}
