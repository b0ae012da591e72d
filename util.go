package devheap

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

// Address is the set of unsigned integer types that can identify a byte offset within a managed
// device range. Lengths within a range are expressed with the same type.
type Address interface {
	~uint32 | ~uint64
}

// DevicePtr32 is a 32-bit device address. It is distinct from host pointers and uintptr so the two
// are never mixed by accident.
type DevicePtr32 uint32

// DevicePtr64 is a 64-bit device address.
type DevicePtr64 uint64

// CheckPow2 returns an error wrapping ErrPowerOfTwo if number is not a power of two
func CheckPow2[T Address](number T, name string) error {
	if !IsPow2(number) {
		return cerrors.Wrapf(ErrPowerOfTwo, "%s is %d", name, uint64(number))
	}
	return nil
}

// IsPow2 reports whether number is a non-zero power of two
func IsPow2[T Address](number T) bool {
	return number != 0 && number&(number-1) == 0
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Address](value, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to a multiple of alignment, which must be a power of two
func AlignDown[T Address](value, alignment T) T {
	return value &^ (alignment - 1)
}

// NextPow2 returns the smallest power of two greater than or equal to value. NextPow2(0) is 1.
// The result is 0 when the power of two does not fit in T.
func NextPow2[T Address](value T) T {
	if value <= 1 {
		return 1
	}

	shift := bits.Len64(uint64(value - 1))
	if shift >= bits.Len64(uint64(^T(0))) {
		return 0
	}
	return T(1) << shift
}
