package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/metadata"
	"golang.org/x/exp/slog"
)

// Heap hands out ranges of a contiguous device address range. Its bookkeeping never lives inside
// the managed range, so the range may be memory the host cannot address at all.
//
// Every operation is one critical section under the lock provided by the heap's Scope, except
// GarbageCollect, which releases the lock between finding allocations and freeing them.
type Heap[A devheap.Address] struct {
	logger *slog.Logger
	scope  Scope[A]
	name   string
	fatal  FatalHandler
}

var _ devheap.Validatable = &Heap[uint64]{}

// Name returns the name the heap was created with
func (h *Heap[A]) Name() string {
	return h.name
}

// Scope returns the scope holding the heap's state
func (h *Heap[A]) Scope() Scope[A] {
	return h.scope
}

func (h *Heap[A]) fail(err error) error {
	h.fatal(err)
	return err
}

// withState runs fn against the locked heap state. Failures of the backing store are handed to
// the fatal handler. Errors returned by fn are passed through untouched.
func (h *Heap[A]) withState(op string, fn func(state *metadata.State[A]) (bool, error)) error {
	opErr, storeErr := h.access(op, fn)
	if storeErr != nil {
		return h.fail(storeErr)
	}
	return opErr
}

// access runs fn against the locked heap state and returns the error from fn and any failure of
// the backing store separately. When storing a modified state fails, the scope keeps the state it
// held before fn ran.
func (h *Heap[A]) access(op string, fn func(state *metadata.State[A]) (bool, error)) (opErr error, storeErr error) {
	state, err := h.scope.Lock()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: could not access %s", op, h.name)
	}

	modified, opErr := fn(state)
	if modified {
		devheap.DebugValidate(state)
	}

	if err := h.scope.Unlock(modified); err != nil {
		return opErr, errors.Wrapf(err, "%s: could not store %s", op, h.name)
	}
	return opErr, nil
}

// Configure sets the range this heap manages. Only the first call with a non-zero length has any
// effect, so several parties sharing one heap may all attempt it.
//
// start - The first address to manage
//
// length - The number of bytes to manage
//
// minBlockSize - The allocation granularity. It must be a power of two, or 0 for byte granularity.
func (h *Heap[A]) Configure(start, length, minBlockSize A) error {
	h.logger.Debug("Heap::Configure", slog.String("Heap", h.name), slog.Uint64("Start", uint64(start)), slog.Uint64("Length", uint64(length)), slog.Uint64("MinBlockSize", uint64(minBlockSize)))

	if minBlockSize != 0 {
		if err := devheap.CheckPow2(minBlockSize, "minBlockSize"); err != nil {
			return err
		}
	}
	if length != 0 && start+(length-1) < start {
		return errors.Newf("range starting at 0x%x with length 0x%x overflows the address type", uint64(start), uint64(length))
	}

	return h.withState("Heap::Configure", func(state *metadata.State[A]) (bool, error) {
		return state.Configure(start, length, minBlockSize), nil
	})
}

// SetAdditionalAlignmentRequirements aligns every later allocation to the smallest power of two
// that holds it, up to maxAlignment. It is ignored once any allocation is live or if it has been
// applied before.
func (h *Heap[A]) SetAdditionalAlignmentRequirements(maxAlignment A) error {
	h.logger.Debug("Heap::SetAdditionalAlignmentRequirements", slog.String("Heap", h.name), slog.Uint64("MaxAlignment", uint64(maxAlignment)))

	if err := devheap.CheckPow2(maxAlignment, "maxAlignment"); err != nil {
		return err
	}

	return h.withState("Heap::SetAdditionalAlignmentRequirements", func(state *metadata.State[A]) (bool, error) {
		return state.SetPow2Alignment(maxAlignment), nil
	})
}

// Malloc allocates size bytes, rounded up to the heap's block size, from the lowest-addressed free
// extent that can hold them at the required alignment, and returns the first address.
//
// When no extent fits and allowFail is true, Malloc returns 0 and no error. When allowFail is false
// the *devheap.OutOfMemoryError is passed to the fatal handler, which exits the process unless the
// heap was created with a different handler. A state that has grown too large for the scope to
// store is treated the same way.
func (h *Heap[A]) Malloc(size A, allowFail bool) (A, error) {
	h.logger.Debug("Heap::Malloc", slog.String("Heap", h.name), slog.Uint64("Size", uint64(size)))

	var addr A
	var oom *devheap.OutOfMemoryError

	_, storeErr := h.access("Heap::Malloc", func(state *metadata.State[A]) (bool, error) {
		var rounded A
		var ok bool
		addr, rounded, ok = state.Allocate(size, h.scope.Owner())
		if ok {
			return true, nil
		}

		oom = &devheap.OutOfMemoryError{
			Size:   uint64(rounded),
			Start:  uint64(state.Start),
			Length: uint64(state.Length),
		}
		if rounded == 0 {
			oom.Size = uint64(size)
		}
		return false, nil
	})
	if storeErr != nil {
		// A state too large to store is one more allocation than the heap can hold
		if allowFail && errors.Is(storeErr, devheap.ErrStateTooLarge) {
			h.logger.Debug("    Heap::Malloc FAILED", slog.String("Heap", h.name), slog.Any("Error", storeErr))
			return 0, nil
		}
		return 0, h.fail(storeErr)
	}

	if oom == nil {
		h.logger.Debug("    Allocated", slog.String("Heap", h.name), slog.Uint64("Address", uint64(addr)))
		return addr, nil
	}

	if allowFail {
		h.logger.Debug("    Heap::Malloc FAILED", slog.String("Heap", h.name), slog.Uint64("Size", oom.Size))
		return 0, nil
	}

	return 0, h.fail(oom)
}

// Free returns the allocation starting at addr to the heap. If addr is not the start of a live
// allocation, Free returns an error wrapping devheap.ErrNotAllocated and changes nothing.
func (h *Heap[A]) Free(addr A) error {
	h.logger.Debug("Heap::Free", slog.String("Heap", h.name), slog.Uint64("Address", uint64(addr)))

	return h.withState("Heap::Free", func(state *metadata.State[A]) (bool, error) {
		if _, ok := state.Release(addr); !ok {
			return false, errors.Wrapf(devheap.ErrNotAllocated, "%s has no allocation at 0x%x", h.name, uint64(addr))
		}
		return true, nil
	})
}

// MaxBlockSize returns the start and length of the largest free extent. When several extents share
// the largest length, the lowest-addressed one is returned.
func (h *Heap[A]) MaxBlockSize() (A, A, error) {
	h.logger.Debug("Heap::MaxBlockSize", slog.String("Heap", h.name))

	var largest metadata.FreeExtent[A]
	err := h.withState("Heap::MaxBlockSize", func(state *metadata.State[A]) (bool, error) {
		largest = state.MaxBlock()
		return false, nil
	})
	return largest.Start, largest.Length, err
}

// Available returns the number of unallocated bytes
func (h *Heap[A]) Available() (A, error) {
	var available A
	err := h.withState("Heap::Available", func(state *metadata.State[A]) (bool, error) {
		available = state.Available
		return false, nil
	})
	return available, err
}

// Size returns the number of bytes the heap was configured to manage
func (h *Heap[A]) Size() (A, error) {
	var size A
	err := h.withState("Heap::Size", func(state *metadata.State[A]) (bool, error) {
		size = state.Length
		return false, nil
	})
	return size, err
}

// Snapshot returns a copy of the heap state taken under the heap's lock
func (h *Heap[A]) Snapshot() (*metadata.State[A], error) {
	var snapshot *metadata.State[A]
	err := h.withState("Heap::Snapshot", func(state *metadata.State[A]) (bool, error) {
		snapshot = state.Clone()
		return false, nil
	})
	return snapshot, err
}

// Validate performs internal consistency checks on the heap. When the heap is functioning
// correctly it should not be possible for this method to return an error.
func (h *Heap[A]) Validate() error {
	var validateErr error
	err := h.withState("Heap::Validate", func(state *metadata.State[A]) (bool, error) {
		validateErr = state.Validate()
		return false, nil
	})
	if err != nil {
		return err
	}
	if validateErr != nil {
		return errors.Wrapf(validateErr, "%s failed validation", h.name)
	}
	return nil
}
