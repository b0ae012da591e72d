package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devheap/metadata"
)

func TestFreeListNeighbors(t *testing.T) {
	list := metadata.NewFreeList[uint32]()
	list.Insert(metadata.FreeExtent[uint32]{Start: 200, Length: 50})
	list.Insert(metadata.FreeExtent[uint32]{Start: 0, Length: 100})
	list.Insert(metadata.FreeExtent[uint32]{Start: 400, Length: 10})

	require.Equal(t, []metadata.FreeExtent[uint32]{
		{Start: 0, Length: 100},
		{Start: 200, Length: 50},
		{Start: 400, Length: 10},
	}, list.Extents())

	prev, ok := list.Predecessor(200)
	require.True(t, ok)
	require.Equal(t, uint32(0), prev.Start)

	prev, ok = list.Predecessor(300)
	require.True(t, ok)
	require.Equal(t, uint32(200), prev.Start)

	_, ok = list.Predecessor(0)
	require.False(t, ok)

	next, ok := list.Successor(100)
	require.True(t, ok)
	require.Equal(t, uint32(200), next.Start)

	next, ok = list.Successor(200)
	require.True(t, ok)
	require.Equal(t, uint32(200), next.Start)

	_, ok = list.Successor(401)
	require.False(t, ok)

	removed, ok := list.Delete(200)
	require.True(t, ok)
	require.Equal(t, uint32(50), removed.Length)
	require.Equal(t, 2, list.Len())

	_, ok = list.Get(200)
	require.False(t, ok)
}

func TestAllocTableOwners(t *testing.T) {
	table := metadata.NewAllocTable[uint64]()
	require.True(t, table.IsEmpty())

	table.Insert(metadata.AllocatedBlock[uint64]{Start: 0x300, Length: 0x80, Owner: 7})
	table.Insert(metadata.AllocatedBlock[uint64]{Start: 0x100, Length: 0x80, Owner: 7})
	table.Insert(metadata.AllocatedBlock[uint64]{Start: 0x200, Length: 0x100, Owner: 9})

	require.Equal(t, 3, table.Len())
	require.Equal(t, []uint64{0x100, 0x300}, table.OwnedBy(7))
	require.Equal(t, []uint64{0x200}, table.OwnedBy(9))
	require.Empty(t, table.OwnedBy(11))
	require.Equal(t, []metadata.Owner{7, 9}, table.Owners())

	blocks := table.Blocks()
	require.Len(t, blocks, 3)
	require.Equal(t, uint64(0x100), blocks[0].Start)
	require.Equal(t, uint64(0x200), blocks[1].Start)
	require.Equal(t, uint64(0x300), blocks[2].Start)

	block, ok := table.Remove(0x200)
	require.True(t, ok)
	require.Equal(t, metadata.AllocatedBlock[uint64]{Start: 0x200, Length: 0x100, Owner: 9}, block)

	_, ok = table.Remove(0x200)
	require.False(t, ok)
}
