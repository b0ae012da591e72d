package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/metadata"
	"golang.org/x/exp/slog"
)

//go:generate mockgen -source gc.go -destination ./mocks/liveness.go -package mocks

// Liveness reports whether an owner recorded against allocations is still running
type Liveness interface {
	Exists(pid int) bool
}

// GarbageCollect frees every allocation recorded against owner and returns how many were freed.
// Heaps whose scope does not track owners have nothing to collect.
//
// The allocations are found under the heap's lock, and the lock is released before they are
// freed one at a time. An allocation freed by someone else in between is skipped.
func (h *Heap[A]) GarbageCollect(owner metadata.Owner) (int, error) {
	h.logger.Debug("Heap::GarbageCollect", slog.String("Heap", h.name), slog.Uint64("Owner", uint64(owner)))

	if !h.scope.TracksOwners() {
		return 0, nil
	}

	var addrs []A
	err := h.withState("Heap::GarbageCollect", func(state *metadata.State[A]) (bool, error) {
		addrs = state.AllocTable().OwnedBy(owner)
		return false, nil
	})
	if err != nil {
		return 0, err
	}

	return h.freeAll(addrs)
}

// GarbageCollectDead frees every allocation whose owner liveness reports as gone. It returns the
// number of allocations freed.
func (h *Heap[A]) GarbageCollectDead(liveness Liveness) (int, error) {
	h.logger.Debug("Heap::GarbageCollectDead", slog.String("Heap", h.name))

	if !h.scope.TracksOwners() {
		return 0, nil
	}

	var owners []metadata.Owner
	err := h.withState("Heap::GarbageCollectDead", func(state *metadata.State[A]) (bool, error) {
		owners = state.AllocTable().Owners()
		return false, nil
	})
	if err != nil {
		return 0, err
	}

	freed := 0
	for _, owner := range owners {
		if owner == metadata.NoOwner || liveness.Exists(int(owner)) {
			continue
		}

		h.logger.Debug("    Collecting dead owner", slog.String("Heap", h.name), slog.Uint64("Owner", uint64(owner)))
		count, err := h.GarbageCollect(owner)
		freed += count
		if err != nil {
			return freed, err
		}
	}

	return freed, nil
}

func (h *Heap[A]) freeAll(addrs []A) (int, error) {
	freed := 0
	for _, addr := range addrs {
		err := h.Free(addr)
		if errors.Is(err, devheap.ErrNotAllocated) {
			continue
		} else if err != nil {
			return freed, err
		}
		freed++
	}
	return freed, nil
}
