package vkmem

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/cobaltgfx/vkmem/internal/vkdev"
	"github.com/cobaltgfx/vkmem/memutil"
	"github.com/cobaltgfx/vkmem/suballoc"
)

// deviceMemoryBlock pairs one real DeviceMemory object with the tracker that
// suballocates it
type deviceMemoryBlock struct {
	id              int
	memory          *vkdev.SynchronizedMemory
	parentPool      *Pool
	memoryTypeIndex int
	logger          *slog.Logger

	tracker            suballoc.Tracker
	deviceMemory       *vkdev.DeviceMemoryProperties
	granularityHandler BlockBufferImageGranularity
}

func (b *deviceMemoryBlock) Init(
	logger *slog.Logger,
	pool *Pool,
	deviceMemory *vkdev.DeviceMemoryProperties,
	newMemoryTypeIndex int,
	newMemory *vkdev.SynchronizedMemory,
	newSize int,
	id int,
	algorithm PoolCreateFlags,
	bufferImageGranularity int,
) {
	if b.memory != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.parentPool = pool
	b.memoryTypeIndex = newMemoryTypeIndex
	b.id = id
	b.memory = newMemory
	b.deviceMemory = deviceMemory
	b.logger = logger
	b.granularityHandler.bufferImageGranularity = uint(bufferImageGranularity)
	b.granularityHandler.Init(newSize)

	switch algorithm {
	case 0:
		b.tracker = suballoc.NewGeneralTracker(bufferImageGranularity, &b.granularityHandler)
	case PoolCreateLinearAlgorithm:
		b.tracker = suballoc.NewLinearTracker(bufferImageGranularity, &b.granularityHandler)
	default:
		panic(fmt.Sprintf("unknown pool algorithm: %s", algorithm.String()))
	}

	b.tracker.Init(newSize)
}

func (b *deviceMemoryBlock) Destroy() error {
	if !b.tracker.IsEmpty() {
		// Log all remaining allocations
		err := b.tracker.VisitAllRegions(func(handle suballoc.RegionHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.New("some allocations were not freed before the destruction of this memory block!")
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing vulkan memory handle")
	}

	b.deviceMemory.FreeVulkanMemory(b.memoryTypeIndex, b.tracker.Size(), b.memory)

	b.memory = nil
	b.tracker = nil
	return nil
}

func (b *deviceMemoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	allocation := userData.(*Allocation)
	userData = allocation.UserData()
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
		slog.String("name", name),
	)
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.tracker.Size() < 1 {
		return errors.New("this memory block's tracker has an invalid size")
	}

	err := b.tracker.VisitAllRegions(func(handle suballoc.RegionHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Errorf("a region at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Errorf("a region at offset %d is marked as allocated but has no allocation object", offset)
		}

		return nil
	})

	if err != nil {
		return err
	}

	return b.tracker.Validate()
}

func (b *deviceMemoryBlock) CheckCorruption() (res common.VkResult, err error) {
	data, res, err := b.memory.Map(1, 0, common.WholeSize, 0)
	if err != nil {
		return res, err
	}
	defer func() {
		unmapErr := b.memory.Unmap(1)
		if err == nil && unmapErr != nil {
			err = unmapErr
			res = core1_0.VKErrorUnknown
		}
	}()

	err = b.tracker.CheckCorruption(data)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return core1_0.VKSuccess, nil
}

func (b *deviceMemoryBlock) WriteGuardAfterAllocation(allocOffset int, allocSize int) (res common.VkResult, err error) {
	if memutil.GuardMargin == 0 {
		return core1_0.VKErrorUnknown, errors.New("attempting to write a guard margin without guard margins active")
	} else if memutil.GuardMargin%4 != 0 {
		panic(fmt.Sprintf("invalid guard margin: guard margin %d must be a multiple of 4", memutil.GuardMargin))
	}

	data, res, err := b.memory.Map(1, 0, common.WholeSize, 0)
	if err != nil {
		return res, err
	}
	defer func() {
		unmapErr := b.memory.Unmap(1)
		if err == nil && unmapErr != nil {
			err = unmapErr
			res = core1_0.VKErrorUnknown
		}
	}()

	memutil.WriteGuard(data, allocOffset+allocSize)

	return res, nil
}

func (b *deviceMemoryBlock) ValidateGuardAfterAllocation(allocOffset int, allocSize int) (common.VkResult, error) {
	if memutil.GuardMargin == 0 {
		panic("attempting to validate a guard margin without guard margins active")
	} else if memutil.GuardMargin%4 != 0 {
		panic(fmt.Sprintf("invalid guard margin: guard margin %d must be a multiple of 4", memutil.GuardMargin))
	}

	data, res, err := b.memory.Map(1, 0, common.WholeSize, 0)
	if err != nil {
		return res, err
	}
	defer func() {
		err = b.memory.Unmap(1)
		if err != nil {
			res = core1_0.VKErrorUnknown
		}
	}()

	if !memutil.CheckGuard(data, allocOffset+allocSize) {
		panic("MEMORY CORRUPTION DETECTED AFTER FREED ALLOCATION")
	}

	return res, nil
}
