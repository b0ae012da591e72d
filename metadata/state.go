package metadata

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/devheap"
)

// State is the complete bookkeeping of one out-of-line heap: the managed range, its allocation
// policy, the free list and the allocation table. None of it lives inside the managed range.
//
// State is not safe for concurrent use. Heaps wrap it in whatever lock their scope provides.
type State[A devheap.Address] struct {
	// Start is the first managed address
	Start A
	// Length is the total number of managed bytes. It is zero until Configure succeeds.
	Length A
	// MinBlockSize is the allocation granularity. Every allocation size is rounded up to a
	// multiple of it.
	MinBlockSize A
	// Available is the number of free bytes, maintained as allocations are made and released
	Available A
	// Pow2Alignment, when set, aligns each allocation to the smallest power of two that holds it,
	// capped at MaxPow2Alignment
	Pow2Alignment    bool
	MaxPow2Alignment A

	free   *FreeList[A]
	allocs *AllocTable[A]
}

var _ devheap.Validatable = &State[uint64]{}

func NewState[A devheap.Address]() *State[A] {
	return &State[A]{
		free:   NewFreeList[A](),
		allocs: NewAllocTable[A](),
	}
}

// FreeList exposes the free extents for inspection
func (s *State[A]) FreeList() *FreeList[A] { return s.free }

// AllocTable exposes the live allocations for inspection
func (s *State[A]) AllocTable() *AllocTable[A] { return s.allocs }

// IsConfigured returns true once Configure has accepted a range
func (s *State[A]) IsConfigured() bool { return s.Length != 0 }

// Configure sets the managed range the first time it is called with a non-zero length.
// Subsequent calls leave the state untouched and return false.
func (s *State[A]) Configure(start, length, minBlockSize A) bool {
	if s.Length != 0 || length == 0 {
		return false
	}

	if minBlockSize == 0 {
		minBlockSize = 1
	}

	s.Start = start
	s.Length = length
	s.MinBlockSize = minBlockSize
	s.Available = length
	s.free.Insert(FreeExtent[A]{Start: start, Length: length})
	return true
}

// SetPow2Alignment turns on power-of-two alignment. It only takes effect while there are no live
// allocations and the mode has not been turned on before.
func (s *State[A]) SetPow2Alignment(maxAlignment A) bool {
	if s.Pow2Alignment || !s.allocs.IsEmpty() {
		return false
	}

	s.Pow2Alignment = true
	s.MaxPow2Alignment = maxAlignment
	return true
}

// RoundSize rounds a request up to a whole number of blocks. A zero-byte request takes one block.
// The result is zero if the rounded size does not fit in A.
func (s *State[A]) RoundSize(size A) A {
	if size == 0 {
		return s.MinBlockSize
	}

	rounded := devheap.AlignUp(size, s.MinBlockSize)
	if rounded < size {
		return 0
	}
	return rounded
}

// Alignment returns the address alignment for an allocation of an already-rounded size
func (s *State[A]) Alignment(size A) A {
	if !s.Pow2Alignment {
		return s.MinBlockSize
	}

	align := devheap.NextPow2(size)
	if align == 0 || align > s.MaxPow2Alignment {
		align = s.MaxPow2Alignment
	}
	return align
}

// Allocate carves size bytes out of the lowest-addressed free extent that can hold them at the
// required alignment. It returns the aligned start address and the rounded size, or false if no
// extent fits.
func (s *State[A]) Allocate(size A, owner Owner) (A, A, bool) {
	size = s.RoundSize(size)
	if size == 0 || size > s.Available {
		return 0, size, false
	}
	align := s.Alignment(size)

	var chosen FreeExtent[A]
	var addr A
	var found bool

	s.free.Ascend(func(extent FreeExtent[A]) bool {
		aligned := devheap.AlignUp(extent.Start, align)
		gap := aligned - extent.Start

		var usable A
		if aligned >= extent.Start && gap < extent.Length {
			usable = extent.Length - gap
		}

		if usable < size {
			return true
		}

		chosen, addr, found = extent, aligned, true
		return false
	})

	if !found {
		return 0, size, false
	}

	gap := addr - chosen.Start
	usable := chosen.Length - gap

	// Leave the alignment gap at the front of the extent as a free extent of its own
	if gap != 0 {
		s.free.Insert(FreeExtent[A]{Start: chosen.Start, Length: gap})
	} else {
		s.free.Delete(chosen.Start)
	}

	if usable > size {
		s.free.Insert(FreeExtent[A]{Start: addr + size, Length: usable - size})
	}

	s.allocs.Insert(AllocatedBlock[A]{Start: addr, Length: size, Owner: owner})
	s.Available -= size
	return addr, size, true
}

// Release returns the allocation starting at addr to the free list, merging it with the free
// extents immediately before and after it. It returns false if addr is not a live allocation.
func (s *State[A]) Release(addr A) (AllocatedBlock[A], bool) {
	block, ok := s.allocs.Remove(addr)
	if !ok {
		return block, false
	}
	s.Available += block.Length

	merged := FreeExtent[A]{Start: block.Start, Length: block.Length}

	next, hasNext := s.free.Successor(block.Start)
	if hasNext && merged.Last()+1 == next.Start {
		merged.Length += next.Length
		s.free.Delete(next.Start)
	}

	prev, hasPrev := s.free.Predecessor(block.Start)
	if hasPrev && prev.Last()+1 == block.Start {
		// Inserting at prev.Start replaces prev
		merged.Start = prev.Start
		merged.Length += prev.Length
	}

	s.free.Insert(merged)
	return block, true
}

// MaxBlock returns the largest free extent. When several extents share the largest size, the one
// with the lowest address wins.
func (s *State[A]) MaxBlock() FreeExtent[A] {
	var largest FreeExtent[A]
	s.free.Ascend(func(extent FreeExtent[A]) bool {
		if extent.Length > largest.Length {
			largest = extent
		}
		return true
	})
	return largest
}

// Validate performs internal consistency checks on the state. When the heap is functioning
// correctly it should not be possible for this method to return an error.
func (s *State[A]) Validate() error {
	if s.Length == 0 {
		if s.free.Len() != 0 || !s.allocs.IsEmpty() {
			return errors.New("an unconfigured heap has free extents or allocations")
		}
		return nil
	}

	last := s.Start + (s.Length - 1)
	if last < s.Start {
		return errors.Errorf("heap range starting at 0x%x with length 0x%x overflows the address type", uint64(s.Start), uint64(s.Length))
	}

	var sumFree A
	var prev *FreeExtent[A]
	var err error
	s.free.Ascend(func(extent FreeExtent[A]) bool {
		if extent.Length == 0 {
			err = errors.Errorf("free extent at 0x%x is empty", uint64(extent.Start))
			return false
		}
		if extent.Start < s.Start || extent.Last() > last || extent.Last() < extent.Start {
			err = errors.Errorf("free extent at 0x%x with size 0x%x lies outside the heap", uint64(extent.Start), uint64(extent.Length))
			return false
		}
		if prev != nil && prev.Last() >= extent.Start-1 {
			if prev.Last()+1 == extent.Start {
				err = errors.Errorf("free extents at 0x%x and 0x%x are adjacent but were not merged", uint64(prev.Start), uint64(extent.Start))
			} else {
				err = errors.Errorf("free extents at 0x%x and 0x%x overlap", uint64(prev.Start), uint64(extent.Start))
			}
			return false
		}

		sumFree += extent.Length
		current := extent
		prev = &current
		return true
	})
	if err != nil {
		return err
	}

	blocks := s.allocs.Blocks()
	extents := s.free.Extents()

	var sumAlloc A
	extentIndex := 0
	for blockIndex, block := range blocks {
		if block.Length == 0 {
			return errors.Errorf("allocation at 0x%x is empty", uint64(block.Start))
		}
		if block.Start < s.Start || block.Last() > last || block.Last() < block.Start {
			return errors.Errorf("allocation at 0x%x with size 0x%x lies outside the heap", uint64(block.Start), uint64(block.Length))
		}
		if blockIndex > 0 && blocks[blockIndex-1].Last() >= block.Start {
			return errors.Errorf("allocations at 0x%x and 0x%x overlap", uint64(blocks[blockIndex-1].Start), uint64(block.Start))
		}

		for extentIndex < len(extents) && extents[extentIndex].Last() < block.Start {
			extentIndex++
		}
		if extentIndex < len(extents) && extents[extentIndex].Start <= block.Last() {
			return errors.Errorf("allocation at 0x%x overlaps the free extent at 0x%x", uint64(block.Start), uint64(extents[extentIndex].Start))
		}

		sumAlloc += block.Length
	}

	if sumFree+sumAlloc != s.Length {
		return errors.Errorf("free bytes 0x%x and allocated bytes 0x%x do not add up to the heap size 0x%x", uint64(sumFree), uint64(sumAlloc), uint64(s.Length))
	}

	if s.Available != sumFree {
		return errors.Errorf("the heap reports 0x%x bytes available, but the free list holds 0x%x", uint64(s.Available), uint64(sumFree))
	}

	return nil
}

// AddDetailedStatistics sums this heap's allocation statistics into the statistics currently present
// in the provided devheap.DetailedStatistics object.
func (s *State[A]) AddDetailedStatistics(stats *devheap.DetailedStatistics) {
	if s.Length == 0 {
		return
	}

	stats.BlockCount++
	stats.BlockBytes += uint64(s.Length)

	s.free.Ascend(func(extent FreeExtent[A]) bool {
		stats.AddUnusedRange(uint64(extent.Length))
		return true
	})

	for _, block := range s.allocs.Blocks() {
		stats.AddAllocation(uint64(block.Length))
	}
}

// AddStatistics sums this heap's allocation statistics into the statistics currently present in the
// provided devheap.Statistics object.
func (s *State[A]) AddStatistics(stats *devheap.Statistics) {
	if s.Length == 0 {
		return
	}

	stats.BlockCount++
	stats.BlockBytes += uint64(s.Length)
	stats.AllocationCount += s.allocs.Len()
	stats.AllocationBytes += uint64(s.Length - s.Available)
}

// BlockJsonData populates a json object with information about this heap
func (s *State[A]) BlockJsonData(json jwriter.ObjectState) {
	json.Name("Start").String(hex(s.Start))
	json.Name("TotalBytes").String(hex(s.Length))
	json.Name("UnusedBytes").String(hex(s.Available))
	json.Name("Granularity").String(hex(s.MinBlockSize))
	json.Name("Pow2Alignment").Bool(s.Pow2Alignment)
	if s.Pow2Alignment {
		json.Name("MaxPow2Alignment").String(hex(s.MaxPow2Alignment))
	}
	json.Name("Allocations").Int(s.allocs.Len())
	json.Name("UnusedRanges").Int(s.free.Len())
}

// Clone returns a deep copy of the state
func (s *State[A]) Clone() *State[A] {
	clone := NewState[A]()
	clone.Start = s.Start
	clone.Length = s.Length
	clone.MinBlockSize = s.MinBlockSize
	clone.Available = s.Available
	clone.Pow2Alignment = s.Pow2Alignment
	clone.MaxPow2Alignment = s.MaxPow2Alignment

	s.free.Ascend(func(extent FreeExtent[A]) bool {
		clone.free.Insert(extent)
		return true
	})
	for _, block := range s.allocs.Blocks() {
		clone.allocs.Insert(block)
	}
	return clone
}

func hex[A devheap.Address](value A) string {
	return fmt.Sprintf("0x%x", uint64(value))
}
