package registry

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/heap"
	"github.com/vkngwrapper/devheap/metadata"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

const (
	// DDRHeap1Name is the heap over persistently mapped off-chip memory
	DDRHeap1Name = "ddr_heap1"
	// DDRHeap2Name is the heap over off-chip memory that is mapped on demand
	DDRHeap2Name = "ddr_heap2"
	// MSMCHeapName is the heap over on-chip shared memory
	MSMCHeapName = "msmc_heap"

	// DefaultBlockSize is the allocation granularity of persistent and on-chip heaps
	DefaultBlockSize devheap.DevicePtr64 = 128
	// OnDemandBlockSize is the allocation granularity of the on-demand heap
	OnDemandBlockSize devheap.DevicePtr64 = 4096
	// OnDemandMaxAlignment caps the power-of-two alignment of on-demand allocations
	OnDemandMaxAlignment devheap.DevicePtr64 = 512 * 1024 * 1024

	// ExtendedAddressBase is the first address above the persistently mapped window. Addresses at or
	// above it belong to the on-demand heap.
	ExtendedAddressBase devheap.DevicePtr64 = 0x800000000

	// persistentShareDivisor keeps large buffers out of the persistent heap unless it has at least
	// this many times the requested size in one free extent
	persistentShareDivisor = 8
)

// Heap is the heap type used for device memory
type Heap = heap.Heap[devheap.DevicePtr64]

// Heaps is the set of heaps a device runtime allocates buffers from
type Heaps struct {
	logger *slog.Logger

	DDR1 *Heap
	DDR2 *Heap
	MSMC *Heap

	closer func() error
}

// Options controls how a set of heaps is created
type Options struct {
	// Logger receives every heap's debug trace and fatal errors. It may be nil.
	Logger *slog.Logger
	// Flags is passed to the scope of every private heap. Shared heaps ignore it.
	Flags heap.CreateFlags
	// Fatal is passed to every heap
	Fatal heap.FatalHandler
}

func (o Options) createOptions(name string) heap.CreateOptions {
	return heap.CreateOptions{
		Name:  name,
		Fatal: o.Fatal,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewPrivate creates a set of heaps that only this process uses
func NewPrivate(options Options) *Heaps {
	logger := options.logger()
	create := func(name string) *Heap {
		return heap.New[devheap.DevicePtr64](logger, heap.NewThreadScope[devheap.DevicePtr64](options.Flags), options.createOptions(name))
	}

	return &Heaps{
		logger: logger,
		DDR1:   create(DDRHeap1Name),
		DDR2:   create(DDRHeap2Name),
		MSMC:   create(MSMCHeapName),
	}
}

// All returns every heap in the set
func (h *Heaps) All() []*Heap {
	return []*Heap{h.DDR1, h.DDR2, h.MSMC}
}

// Lookup returns the heap with the given name
func (h *Heaps) Lookup(name string) (*Heap, bool) {
	for _, candidate := range h.All() {
		if candidate.Name() == name {
			return candidate, true
		}
	}
	return nil, false
}

// ConfigurePersistent hands a persistently mapped off-chip range to DDR1
func (h *Heaps) ConfigurePersistent(start, length devheap.DevicePtr64) error {
	return h.DDR1.Configure(start, length, DefaultBlockSize)
}

// ConfigureOnDemand hands an on-demand mapped off-chip range to DDR2. Allocations from it are
// aligned to their own size, up to OnDemandMaxAlignment, so each can be mapped on its own.
func (h *Heaps) ConfigureOnDemand(start, length devheap.DevicePtr64) error {
	if err := h.DDR2.Configure(start, length, OnDemandBlockSize); err != nil {
		return err
	}
	return h.DDR2.SetAdditionalAlignmentRequirements(OnDemandMaxAlignment)
}

// ConfigureOnChip hands an on-chip range to MSMC
func (h *Heaps) ConfigureOnChip(start, length devheap.DevicePtr64) error {
	return h.MSMC.Configure(start, length, DefaultBlockSize)
}

// AllocateOnChip allocates from on-chip memory. It returns 0 if the request cannot be satisfied.
func (h *Heaps) AllocateOnChip(size devheap.DevicePtr64) (devheap.DevicePtr64, error) {
	return h.MSMC.Malloc(size, true)
}

// FreeOnChip releases an allocation made by AllocateOnChip
func (h *Heaps) FreeOnChip(addr devheap.DevicePtr64) error {
	return h.MSMC.Free(addr)
}

// AllocateGlobal allocates off-chip memory. With preferPersistent set, only the persistent heap is
// tried. Otherwise small requests go to the persistent heap while it has plenty of room, and the
// rest go to the on-demand heap, falling back to the persistent heap if that fails. It returns 0 if
// neither heap can satisfy the request.
func (h *Heaps) AllocateGlobal(size devheap.DevicePtr64, preferPersistent bool) (devheap.DevicePtr64, error) {
	h.logger.Debug("Heaps::AllocateGlobal", slog.Uint64("Size", uint64(size)), slog.Bool("PreferPersistent", preferPersistent))

	if preferPersistent {
		return h.DDR1.Malloc(size, true)
	}

	_, largest, err := h.DDR1.MaxBlockSize()
	if err != nil {
		return 0, err
	}

	if size == 0 || largest/size > persistentShareDivisor {
		addr, err := h.DDR1.Malloc(size, true)
		if err != nil || addr != 0 {
			return addr, err
		}
	}

	addr, err := h.DDR2.Malloc(size, true)
	if err != nil || addr != 0 {
		return addr, err
	}

	return h.DDR1.Malloc(size, true)
}

// FreeGlobal releases an allocation made by AllocateGlobal
func (h *Heaps) FreeGlobal(addr devheap.DevicePtr64) error {
	if addr < ExtendedAddressBase {
		return h.DDR1.Free(addr)
	}
	return h.DDR2.Free(addr)
}

// GarbageCollect frees every allocation owned by owner in every heap and returns how many were
// freed
func (h *Heaps) GarbageCollect(owner metadata.Owner) (int, error) {
	return h.collect(func(target *Heap) (int, error) {
		return target.GarbageCollect(owner)
	})
}

// GarbageCollectDead frees every allocation, in every heap, whose owner liveness reports as gone
func (h *Heaps) GarbageCollectDead(liveness heap.Liveness) (int, error) {
	return h.collect(func(target *Heap) (int, error) {
		return target.GarbageCollectDead(liveness)
	})
}

func (h *Heaps) collect(fn func(target *Heap) (int, error)) (int, error) {
	heaps := h.All()
	counts := make([]int, len(heaps))

	var group errgroup.Group
	for index, target := range heaps {
		index, target := index, target
		group.Go(func() error {
			count, err := fn(target)
			counts[index] = count
			if err != nil {
				return errors.Wrapf(err, "could not collect %s", target.Name())
			}
			return nil
		})
	}
	err := group.Wait()

	total := 0
	for _, count := range counts {
		total += count
	}
	return total, err
}

// AddDetailedStatistics sums the statistics of every configured heap into stats
func (h *Heaps) AddDetailedStatistics(stats *devheap.DetailedStatistics) error {
	for _, target := range h.All() {
		if err := target.AddDetailedStatistics(stats); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the set. Heaps shared with other processes first have every allocation made by
// this process freed, so none outlive it.
func (h *Heaps) Close() error {
	if h.closer == nil {
		return nil
	}

	var err error
	if h.DDR1.Scope().TracksOwners() {
		_, err = h.GarbageCollect(heap.CurrentProcess())
	}

	err = errors.CombineErrors(err, h.closer())
	h.closer = nil
	return err
}
