package metadata

import (
	"fmt"

	"github.com/vkngwrapper/devheap"
)

// Owner identifies the party that made an allocation. Heaps shared between processes record
// the allocating process id; heaps private to one process record NoOwner.
type Owner uint32

const (
	// NoOwner is recorded for allocations made by a heap that does not track ownership
	NoOwner Owner = 0
)

// FreeExtent is one maximal run of unallocated addresses
type FreeExtent[A devheap.Address] struct {
	Start  A
	Length A
}

// Last returns the final address inside the extent. Unlike the address past the extent, it
// cannot wrap when the extent reaches the top of the address type.
func (e FreeExtent[A]) Last() A {
	return e.Start + (e.Length - 1)
}

func (e FreeExtent[A]) String() string {
	return fmt.Sprintf("addr: 0x%x size: 0x%x", uint64(e.Start), uint64(e.Length))
}

// AllocatedBlock is one live allocation handed out by a heap
type AllocatedBlock[A devheap.Address] struct {
	Start  A
	Length A
	Owner  Owner
}

// Last returns the final address inside the allocation
func (b AllocatedBlock[A]) Last() A {
	return b.Start + (b.Length - 1)
}

func (b AllocatedBlock[A]) String() string {
	return fmt.Sprintf("addr: 0x%x size: 0x%x pid: %d", uint64(b.Start), uint64(b.Length), b.Owner)
}
