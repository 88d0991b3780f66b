package suballoc

// RequestType identifies which placement path produced a Request
type RequestType uint32

const (
	// RequestGeneral indicates the request was produced by a GeneralTracker
	RequestGeneral RequestType = iota
	// RequestUpperAddress indicates the request targets the upper side of a
	// LinearTracker double stack
	RequestUpperAddress
	// RequestEndOfFirst indicates the request appends to the end of a
	// LinearTracker's first suballocation vector
	RequestEndOfFirst
	// RequestEndOfSecond indicates the request appends to the end of a
	// LinearTracker's second suballocation vector
	RequestEndOfSecond
)

var requestTypeNames = map[RequestType]string{
	RequestGeneral:      "General",
	RequestUpperAddress: "UpperAddress",
	RequestEndOfFirst:   "EndOfFirst",
	RequestEndOfSecond:  "EndOfSecond",
}

func (t RequestType) String() string {
	return requestTypeNames[t]
}

// Request describes where and how a Tracker intends to place a new allocation.
// It is produced by Tracker.PlanAllocation and committed with Tracker.Allocate.
// A Request becomes stale as soon as any other allocation or free touches the
// regions it references; committing a stale Request returns an error.
type Request struct {
	// Handle identifies the free region the allocation will be carved from
	Handle RegionHandle
	// Size is the full size of the planned allocation, which may be larger than
	// what the caller asked for due to granularity rounding
	Size int
	// Item carries the placement details of the planned allocation
	Item Region
	// Type identifies the placement path that produced this request
	Type RequestType

	// AllocType is the consumer-defined allocation type the request was planned for
	AllocType uint32
	// AlgorithmData is tracker-private bookkeeping carried between PlanAllocation
	// and Allocate
	AlgorithmData uint64
}
