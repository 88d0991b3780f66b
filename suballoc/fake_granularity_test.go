package suballoc

// A granularity handler that never conflicts
type FakeGranularity struct{}

func (c FakeGranularity) AllocPages(allocType uint32, offset, size int) {}
func (c FakeGranularity) FreePages(offset, size int)                    {}
func (c FakeGranularity) Clear()                                        {}
func (c FakeGranularity) CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int, allocType uint32) (int, bool) {
	return allocOffset, true
}
func (c FakeGranularity) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}
func (c FakeGranularity) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return false
}
func (c FakeGranularity) StartValidation() any {
	return nil
}
func (c FakeGranularity) Validate(ctx any, offset, size int) error {
	return nil
}
func (c FakeGranularity) FinishValidation(ctx any) error {
	return nil
}
