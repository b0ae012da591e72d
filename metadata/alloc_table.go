package metadata

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/devheap"
	"golang.org/x/exp/slices"
)

const allocTableInitialSize = 64

type allocEntry[A devheap.Address] struct {
	length A
	owner  Owner
}

// AllocTable maps the start address of every live allocation to its length and owner
type AllocTable[A devheap.Address] struct {
	entries *swiss.Map[A, allocEntry[A]]
}

func NewAllocTable[A devheap.Address]() *AllocTable[A] {
	return &AllocTable[A]{
		entries: swiss.NewMap[A, allocEntry[A]](allocTableInitialSize),
	}
}

func (t *AllocTable[A]) Len() int {
	return t.entries.Count()
}

func (t *AllocTable[A]) IsEmpty() bool {
	return t.entries.Count() == 0
}

func (t *AllocTable[A]) Insert(block AllocatedBlock[A]) {
	t.entries.Put(block.Start, allocEntry[A]{length: block.Length, owner: block.Owner})
}

func (t *AllocTable[A]) Get(start A) (AllocatedBlock[A], bool) {
	entry, ok := t.entries.Get(start)
	if !ok {
		return AllocatedBlock[A]{}, false
	}
	return AllocatedBlock[A]{Start: start, Length: entry.length, Owner: entry.owner}, true
}

// Remove deletes the allocation starting at start and returns it
func (t *AllocTable[A]) Remove(start A) (AllocatedBlock[A], bool) {
	block, ok := t.Get(start)
	if !ok {
		return block, false
	}
	t.entries.Delete(start)
	return block, true
}

// OwnedBy returns the start address of every allocation recorded for owner, ascending
func (t *AllocTable[A]) OwnedBy(owner Owner) []A {
	var addrs []A
	t.entries.Iter(func(start A, entry allocEntry[A]) bool {
		if entry.owner == owner {
			addrs = append(addrs, start)
		}
		return false
	})
	slices.Sort(addrs)
	return addrs
}

// Owners returns every distinct owner with at least one live allocation, ascending
func (t *AllocTable[A]) Owners() []Owner {
	seen := make(map[Owner]struct{})
	t.entries.Iter(func(_ A, entry allocEntry[A]) bool {
		seen[entry.owner] = struct{}{}
		return false
	})

	owners := make([]Owner, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	slices.Sort(owners)
	return owners
}

// Blocks returns a copy of every allocation in ascending address order
func (t *AllocTable[A]) Blocks() []AllocatedBlock[A] {
	starts := make([]A, 0, t.entries.Count())
	t.entries.Iter(func(start A, _ allocEntry[A]) bool {
		starts = append(starts, start)
		return false
	})
	slices.Sort(starts)

	blocks := make([]AllocatedBlock[A], 0, len(starts))
	for _, start := range starts {
		entry, _ := t.entries.Get(start)
		blocks = append(blocks, AllocatedBlock[A]{Start: start, Length: entry.length, Owner: entry.owner})
	}
	return blocks
}
