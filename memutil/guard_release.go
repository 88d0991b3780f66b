//go:build !debug_mem_guards

package memutil

import "unsafe"

const (
	// GuardMargin is the number of guard bytes placed between suballocations when
	// the debug_mem_guards build tag is present
	GuardMargin int = 0
)

// WriteGuard stamps the guard pattern across GuardMargin bytes at data+offset.
// It no-ops unless the debug_mem_guards build tag is present.
func WriteGuard(data unsafe.Pointer, offset int) {}

// CheckGuard reports whether the guard pattern written by WriteGuard is intact.
// It always returns true unless the debug_mem_guards build tag is present.
func CheckGuard(data unsafe.Pointer, offset int) bool {
	return true
}

// DebugValidate runs the object's Validate method and panics on failure. It
// no-ops unless the debug_mem_guards build tag is present.
func DebugValidate(v Validatable) {}

// DebugCheckPow2 panics if the provided value is not a power of two. It no-ops
// unless the debug_mem_guards build tag is present.
func DebugCheckPow2[T Integer](value T, name string) {}
