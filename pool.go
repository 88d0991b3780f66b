package vkmem

import (
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"

	"github.com/cobaltgfx/vkmem/memutil"
)

// PoolCreateInfo configures a custom memory pool created with
// Allocator.CreatePool
type PoolCreateInfo struct {
	// MemoryTypeIndex is the index of the memory type that all of the pool's
	// blocks will be allocated from
	MemoryTypeIndex int
	Flags           PoolCreateFlags

	// BlockSize forces a specific block size when nonzero. When zero, block
	// sizes are chosen heuristically from the heap size.
	BlockSize     int
	MinBlockCount int
	// MaxBlockCount caps the number of blocks. Zero means no cap.
	MaxBlockCount int

	Priority               float32
	MinAllocationAlignment uint
	MemoryAllocateNext     common.Options
}

// Pool is a custom set of memory blocks with its own block size, algorithm,
// and growth policy, separate from the allocator's per-memory-type block lists
type Pool struct {
	logger               *slog.Logger
	blockList            memoryBlockList
	dedicatedAllocations dedicatedAllocationList
	parentAllocator      *Allocator

	id               int
	name             string
	prev             *Pool
	next             *Pool
	defragInProgress int32
}

func (p *Pool) SetName(name string) {
	p.logger.Debug("Pool::SetName")

	p.name = name
}

func (p *Pool) SetID(id int) error {
	if p.id != 0 {
		return errors.New("attempted to set id on a pool that already has one")
	}
	p.id = id
	return nil
}

// Destroy tears the pool down and returns its blocks to the device. It fails
// if any allocations made from the pool are still live.
func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	p.parentAllocator.poolsMutex.Lock()
	defer p.parentAllocator.poolsMutex.Unlock()

	return p.destroyAfterLock()
}

func (p *Pool) destroyAfterLock() error {
	memutil.DebugValidate(&p.dedicatedAllocations)
	if p.dedicatedAllocations.count > 0 {
		return errors.Errorf("the pool still has %d dedicated allocations that remain unfreed", p.dedicatedAllocations.count)
	}

	err := p.blockList.Destroy()
	if err != nil {
		return err
	}

	next := p.next
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p.prev != nil {
		p.prev.next = next
	}

	if p.parentAllocator.pools == p {
		p.parentAllocator.pools = next
	}

	return nil
}

func (p *Pool) CheckCorruption() (common.VkResult, error) {
	p.logger.Debug("Pool::CheckCorruption")
	return p.blockList.CheckCorruption()
}

func (p *Pool) ID() int {
	return p.id
}

func (p *Pool) Name() string {
	p.logger.Debug("Pool::Name")

	return p.name
}

// Statistics adds the pool's current block and allocation counters to stats
func (p *Pool) Statistics(stats *memutil.Statistics) {
	p.logger.Debug("Pool::Statistics")

	p.blockList.AddStatistics(stats)
	p.dedicatedAllocations.AddStatistics(stats)
}

// CalculateStatistics adds slower, more precise occupancy data for the pool to
// stats, including unused range sizes. It walks every block.
func (p *Pool) CalculateStatistics(stats *memutil.DetailedStatistics) {
	p.logger.Debug("Pool::CalculateStatistics")

	p.blockList.AddDetailedStatistics(stats)
	p.dedicatedAllocations.AddDetailedStatistics(stats)
}
