package metadata

import (
	"github.com/google/btree"
	"github.com/vkngwrapper/devheap"
)

const freeListDegree = 16

// FreeList holds free extents ordered by start address. It does not merge on its own: callers
// are responsible for keeping extents disjoint and non-adjacent.
type FreeList[A devheap.Address] struct {
	tree *btree.BTreeG[FreeExtent[A]]
}

func NewFreeList[A devheap.Address]() *FreeList[A] {
	return &FreeList[A]{
		tree: btree.NewG[FreeExtent[A]](freeListDegree, func(a, b FreeExtent[A]) bool {
			return a.Start < b.Start
		}),
	}
}

// Len returns the number of extents in the list
func (l *FreeList[A]) Len() int {
	return l.tree.Len()
}

// Insert adds an extent, replacing any extent that starts at the same address
func (l *FreeList[A]) Insert(extent FreeExtent[A]) {
	l.tree.ReplaceOrInsert(extent)
}

// Delete removes the extent starting at start, if there is one
func (l *FreeList[A]) Delete(start A) (FreeExtent[A], bool) {
	return l.tree.Delete(FreeExtent[A]{Start: start})
}

// Get returns the extent starting at start, if there is one
func (l *FreeList[A]) Get(start A) (FreeExtent[A], bool) {
	return l.tree.Get(FreeExtent[A]{Start: start})
}

// Predecessor returns the extent with the greatest start address strictly below addr
func (l *FreeList[A]) Predecessor(addr A) (FreeExtent[A], bool) {
	var found FreeExtent[A]
	var ok bool
	l.tree.DescendLessOrEqual(FreeExtent[A]{Start: addr}, func(item FreeExtent[A]) bool {
		if item.Start == addr {
			return true
		}
		found, ok = item, true
		return false
	})

	return found, ok
}

// Successor returns the extent with the lowest start address at or above addr
func (l *FreeList[A]) Successor(addr A) (FreeExtent[A], bool) {
	var found FreeExtent[A]
	var ok bool
	l.tree.AscendGreaterOrEqual(FreeExtent[A]{Start: addr}, func(item FreeExtent[A]) bool {
		found, ok = item, true
		return false
	})

	return found, ok
}

// Ascend calls visit for each extent in ascending address order until visit returns false.
// The list must not be modified from inside visit.
func (l *FreeList[A]) Ascend(visit func(extent FreeExtent[A]) bool) {
	l.tree.Ascend(btree.ItemIteratorG[FreeExtent[A]](visit))
}

// Extents returns a copy of every extent in ascending address order
func (l *FreeList[A]) Extents() []FreeExtent[A] {
	extents := make([]FreeExtent[A], 0, l.tree.Len())
	l.tree.Ascend(func(item FreeExtent[A]) bool {
		extents = append(extents, item)
		return true
	})
	return extents
}
