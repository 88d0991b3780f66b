package vkmem

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/cobaltgfx/vkmem/memutil"
)

const (
	// MaxLowBufferImageGranularity is the largest buffer/image granularity that
	// is still handled by conservative request rounding instead of per-page
	// conflict tracking
	MaxLowBufferImageGranularity uint = 256
)

type granularityPage struct {
	allocType  SuballocationType
	allocCount uint16
}

type granularityValidation struct {
	pageAllocs []uint16
}

// BlockBufferImageGranularity enforces the Vulkan bufferImageGranularity rule
// inside a single block: linear and non-linear resources may not share a
// granularity page. Small granularities are handled by rounding requests up;
// large ones track per-page occupancy so only real conflicts cost padding.
type BlockBufferImageGranularity struct {
	bufferImageGranularity uint
	pages                  []granularityPage
}

// NewBlockBufferImageGranularity builds a handler for the device's reported
// bufferImageGranularity. A granularity of 1 disables every rule.
func NewBlockBufferImageGranularity(bufferImageGranularity int) *BlockBufferImageGranularity {
	return &BlockBufferImageGranularity{
		bufferImageGranularity: uint(bufferImageGranularity),
	}
}

func (g *BlockBufferImageGranularity) Init(size int) {
	if g.IsEnabled() {
		count := size / int(g.bufferImageGranularity)
		if size%int(g.bufferImageGranularity) > 0 {
			count++
		}

		if len(g.pages) >= count {
			g.pages = g.pages[:count]
		} else {
			g.pages = make([]granularityPage, count)
		}
	}
}

func (g *BlockBufferImageGranularity) Destroy() {
	if g.pages != nil {
		g.pages = nil
	}
}

func (g *BlockBufferImageGranularity) AllocationsConflict(
	firstAllocType uint32,
	secondAllocType uint32,
) bool {
	first := SuballocationType(firstAllocType)
	second := SuballocationType(secondAllocType)

	if first > second {
		first, second = second, first
	}

	switch first {
	case SuballocationFree:
		return false
	case SuballocationUnknown:
		return true
	case SuballocationBuffer:
		return second == SuballocationImageUnknown || second == SuballocationImageOptimal
	case SuballocationImageUnknown:
		return second == SuballocationImageUnknown || second == SuballocationImageLinear ||
			second == SuballocationImageOptimal
	case SuballocationImageLinear:
		return second == SuballocationImageOptimal
	case SuballocationImageOptimal:
		return false
	}

	return false
}

func (g *BlockBufferImageGranularity) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	suballocType := SuballocationType(allocType)

	if g.bufferImageGranularity > 1 &&
		g.bufferImageGranularity <= MaxLowBufferImageGranularity &&
		(suballocType == SuballocationUnknown ||
			suballocType == SuballocationImageUnknown ||
			suballocType == SuballocationImageOptimal) {

		if allocAlignment < g.bufferImageGranularity {
			allocAlignment = g.bufferImageGranularity
		}

		allocSize = memutil.AlignUp(allocSize, g.bufferImageGranularity)
	}

	return allocSize, allocAlignment
}

func (g *BlockBufferImageGranularity) CheckConflictAndAlignUp(
	allocOffset, allocSize, regionOffset, regionSize int,
	allocType uint32,
) (int, bool) {
	if !g.IsEnabled() {
		return allocOffset, true
	}

	startPage := g.startPage(allocOffset)
	if g.pages[startPage].allocCount > 0 &&
		g.AllocationsConflict(uint32(g.pages[startPage].allocType), allocType) {

		allocOffset = memutil.AlignUp(allocOffset, g.bufferImageGranularity)

		if regionSize < allocSize+allocOffset-regionOffset {
			return allocOffset, false
		}

		startPage++
	}

	endPage := g.endPage(allocOffset, allocSize)
	if endPage != startPage && g.pages[endPage].allocCount > 0 &&
		g.AllocationsConflict(uint32(g.pages[endPage].allocType), allocType) {
		return allocOffset, false
	}

	return allocOffset, true
}

func (g *BlockBufferImageGranularity) AllocPages(allocType uint32, offset, size int) {
	if !g.IsEnabled() {
		return
	}

	startPage := g.startPage(offset)
	g.allocPage(&g.pages[startPage], SuballocationType(allocType))

	endPage := g.endPage(offset, size)
	if startPage != endPage {
		g.allocPage(&g.pages[endPage], SuballocationType(allocType))
	}
}

func (g *BlockBufferImageGranularity) FreePages(offset, size int) {
	if !g.IsEnabled() {
		return
	}

	startPage := g.startPage(offset)
	g.pages[startPage].allocCount--
	if g.pages[startPage].allocCount == 0 {
		g.pages[startPage].allocType = SuballocationFree
	}

	endPage := g.endPage(offset, size)
	if startPage != endPage {
		g.pages[endPage].allocCount--
		if g.pages[endPage].allocCount == 0 {
			g.pages[endPage].allocType = SuballocationFree
		}
	}
}

func (g *BlockBufferImageGranularity) Clear() {
	if g.pages != nil {
		g.pages = make([]granularityPage, len(g.pages))
	}
}

func (g *BlockBufferImageGranularity) StartValidation() any {
	context := &granularityValidation{}

	if g.IsEnabled() {
		context.pageAllocs = make([]uint16, len(g.pages))
	}

	return context
}

func (g *BlockBufferImageGranularity) Validate(anyCtx any, offset, size int) error {
	if !g.IsEnabled() {
		return nil
	}

	ctx := anyCtx.(*granularityValidation)
	start := g.startPage(offset)
	ctx.pageAllocs[start]++
	if g.pages[start].allocCount < 1 {
		return errors.Errorf("no allocations in start page %d", start)
	}

	end := g.endPage(offset, size)
	if start != end {
		ctx.pageAllocs[end]++
		if g.pages[end].allocCount < 1 {
			return errors.Errorf("no allocations in end page %d", end)
		}
	}

	return nil
}

func (g *BlockBufferImageGranularity) FinishValidation(anyCtx any) error {
	if !g.IsEnabled() {
		return nil
	}

	ctx := anyCtx.(*granularityValidation)

	for pageIndex, page := range g.pages {
		if ctx.pageAllocs[pageIndex] != page.allocCount {
			return errors.Errorf("allocation count mismatch on page %d", pageIndex)
		}
	}
	ctx.pageAllocs = nil

	return nil
}

func (g *BlockBufferImageGranularity) allocPage(page *granularityPage, allocType SuballocationType) {
	if page.allocCount == 0 || (page.allocCount > 0 && page.allocType == SuballocationFree) {
		page.allocType = allocType
	}

	page.allocCount++
}

func (g *BlockBufferImageGranularity) IsEnabled() bool {
	return g.bufferImageGranularity > MaxLowBufferImageGranularity
}

func (g *BlockBufferImageGranularity) startPage(offset int) int {
	return g.pageIndex(offset & int(^(g.bufferImageGranularity - 1)))
}

func (g *BlockBufferImageGranularity) endPage(offset int, size int) int {
	return g.pageIndex((offset + size - 1) & int(^(g.bufferImageGranularity - 1)))
}

func (g *BlockBufferImageGranularity) pageIndex(offset int) int {
	return offset >> (63 - bits.LeadingZeros64(uint64(g.bufferImageGranularity)))
}
