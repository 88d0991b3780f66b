//go:build debug_mem_guards

package memutil

import "unsafe"

const (
	// GuardMargin is the number of guard bytes placed between suballocations when
	// the debug_mem_guards build tag is present
	GuardMargin int = 16
	// guardPattern is the 4-byte value stamped across each guard margin
	guardPattern uint32 = 0x7F84E666
)

// WriteGuard stamps the guard pattern across GuardMargin bytes at data+offset.
// It no-ops unless the debug_mem_guards build tag is present.
func WriteGuard(data unsafe.Pointer, offset int) {
	ptr := unsafe.Add(data, offset)
	words := GuardMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < words; i++ {
		*(*uint32)(ptr) = guardPattern
		ptr = unsafe.Add(ptr, unsafe.Sizeof(uint32(0)))
	}
}

// CheckGuard reports whether the guard pattern written by WriteGuard is intact.
// It always returns true unless the debug_mem_guards build tag is present.
func CheckGuard(data unsafe.Pointer, offset int) bool {
	ptr := unsafe.Add(data, offset)
	words := GuardMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < words; i++ {
		if *(*uint32)(ptr) != guardPattern {
			return false
		}
		ptr = unsafe.Add(ptr, unsafe.Sizeof(uint32(0)))
	}

	return true
}

// DebugValidate runs the object's Validate method and panics on failure. It
// no-ops unless the debug_mem_guards build tag is present.
func DebugValidate(v Validatable) {
	err := v.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if the provided value is not a power of two. It no-ops
// unless the debug_mem_guards build tag is present.
func DebugCheckPow2[T Integer](value T, name string) {
	err := CheckPow2(value, name)
	if err != nil {
		panic(err)
	}
}
