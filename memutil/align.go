package memutil

import (
	"github.com/cockroachdb/errors"
	pkgerrors "github.com/pkg/errors"
)

// ErrNotPow2 is returned from CheckPow2 when the tested value is not a power of two
var ErrNotPow2 error = pkgerrors.New("value must be a power of two")

type Integer interface {
	~int | ~uint
}

// CheckPow2 verifies that the provided value is a power of two. The name is
// included in the returned error to identify which caller-provided value was bad.
func CheckPow2[T Integer](value T, name string) error {
	if value&(value-1) != 0 {
		return errors.Wrapf(ErrNotPow2, "%s is %d", name, value)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment, which must be a
// power of two
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the nearest multiple of alignment, which must be
// a power of two
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// Validatable is accepted by DebugValidate so that consistency checks can be
// compiled out of release builds
type Validatable interface {
	Validate() error
}
