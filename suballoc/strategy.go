package suballoc

// Strategy biases where a Tracker places a new allocation. Multiple strategies may
// be combined and the tracker will honor one of them; with none set, a balanced
// default is used.
type Strategy uint32

const (
	// StrategyMinMemory prefers the smallest sufficient free region, minimizing
	// fragmentation at some cost in search time
	StrategyMinMemory Strategy = 1 << iota
	// StrategyMinTime prefers whichever suitable free region is fastest to find,
	// which is not necessarily the smallest or the lowest-addressed
	StrategyMinTime
	// StrategyMinOffset prefers the lowest available offset, producing tightly
	// packed blocks. Used by defragmentation; rarely useful elsewhere.
	StrategyMinOffset
)
