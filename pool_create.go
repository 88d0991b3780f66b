package vkmem

import "github.com/vkngwrapper/core/v2/common"

type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateIgnoreBufferImageGranularity promises that this pool will only
	// ever hold buffers and linear images, or only optimal images, so no
	// granularity padding is needed between neighboring suballocations.
	//
	// Entry points that see the resource (CreateBuffer, CreateImage,
	// AllocateMemoryForBuffer) already apply granularity precisely, but
	// AllocateMemory and AllocateMemoryForImage have to pad conservatively
	// without this promise. Making the promise skips the bookkeeping and packs
	// the pool tighter.
	PoolCreateIgnoreBufferImageGranularity PoolCreateFlags = 1 << iota
	// PoolCreateLinearAlgorithm switches the pool to the linear allocation
	// algorithm, which always appends after the most recent allocation and never
	// reuses holes freed in between. It trades memory consumption for a much
	// simpler and faster data structure, and supports free-at-once, stack, ring
	// buffer, and double stack usage patterns.
	PoolCreateLinearAlgorithm

	PoolCreateAlgorithmMask = PoolCreateLinearAlgorithm
)

func init() {
	PoolCreateIgnoreBufferImageGranularity.Register("PoolCreateIgnoreBufferImageGranularity")
	PoolCreateLinearAlgorithm.Register("PoolCreateLinearAlgorithm")
}
