package devheap

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
)

var (
	// ErrPowerOfTwo is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	ErrPowerOfTwo = cerrors.New("number must be a power of two")
	// ErrNotAllocated is returned when freeing an address that is not the start of a live allocation
	ErrNotAllocated = cerrors.New("no allocation at the given address")
	// ErrOutOfMemory is the cause of every OutOfMemoryError
	ErrOutOfMemory = cerrors.New("out of memory")
	// ErrStateTooLarge is returned when a heap's bookkeeping has outgrown the store that holds it.
	// Malloc treats it like running out of memory.
	ErrStateTooLarge = cerrors.New("heap state does not fit in its backing store")
)

// OutOfMemoryError reports an allocation request that no free extent in a heap could satisfy.
// errors.Is(err, ErrOutOfMemory) is true for every OutOfMemoryError.
type OutOfMemoryError struct {
	// Size is the requested size after rounding to the heap's block size
	Size uint64
	// Start is the first address managed by the heap
	Start uint64
	// Length is the total number of bytes managed by the heap
	Length uint64
}

func (e *OutOfMemoryError) Error() string {
	last := e.Start
	if e.Length > 0 {
		last = e.Start + e.Length - 1
	}
	return fmt.Sprintf("malloc failed for size 0x%x from range (0x%x, 0x%x)", e.Size, e.Start, last)
}

func (e *OutOfMemoryError) Unwrap() error {
	return ErrOutOfMemory
}
