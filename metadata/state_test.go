package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/metadata"
)

func configured(t *testing.T, start, length, minBlockSize uint64) *metadata.State[uint64] {
	state := metadata.NewState[uint64]()
	require.True(t, state.Configure(start, length, minBlockSize))
	require.NoError(t, state.Validate())
	return state
}

func TestStateConfigureIsIdempotent(t *testing.T) {
	state := configured(t, 0x1000, 0x10000, 0x80)

	require.False(t, state.Configure(0x8000, 0x400, 0x10))
	require.Equal(t, uint64(0x1000), state.Start)
	require.Equal(t, uint64(0x10000), state.Length)
	require.Equal(t, uint64(0x80), state.MinBlockSize)
	require.Equal(t, uint64(0x10000), state.Available)
	require.Equal(t, []metadata.FreeExtent[uint64]{{Start: 0x1000, Length: 0x10000}}, state.FreeList().Extents())

	empty := metadata.NewState[uint64]()
	require.False(t, empty.Configure(0, 0, 0x80))
	require.False(t, empty.IsConfigured())
	require.NoError(t, empty.Validate())
}

func TestStateFirstFit(t *testing.T) {
	state := configured(t, 0, 250, 1)

	// Carve the range into free extents (0,100) and (200,50)
	addr, _, ok := state.Allocate(100, metadata.NoOwner)
	require.True(t, ok)
	require.Equal(t, uint64(0), addr)
	hole, _, ok := state.Allocate(100, metadata.NoOwner)
	require.True(t, ok)
	require.Equal(t, uint64(100), hole)
	_, ok = state.Release(addr)
	require.True(t, ok)
	require.Equal(t, []metadata.FreeExtent[uint64]{{Start: 0, Length: 100}, {Start: 200, Length: 50}}, state.FreeList().Extents())

	addr, size, ok := state.Allocate(40, metadata.NoOwner)
	require.True(t, ok)
	require.Equal(t, uint64(0), addr)
	require.Equal(t, uint64(40), size)
	require.Equal(t, []metadata.FreeExtent[uint64]{{Start: 40, Length: 60}, {Start: 200, Length: 50}}, state.FreeList().Extents())
	require.NoError(t, state.Validate())
}

func TestStateFragmentationMerge(t *testing.T) {
	state := configured(t, 0x10000, 0x300, 0x100)
	original := state.FreeList().Extents()

	a, _, ok := state.Allocate(0x100, metadata.NoOwner)
	require.True(t, ok)
	b, _, ok := state.Allocate(0x100, metadata.NoOwner)
	require.True(t, ok)
	c, _, ok := state.Allocate(0x100, metadata.NoOwner)
	require.True(t, ok)
	require.Equal(t, []uint64{0x10000, 0x10100, 0x10200}, []uint64{a, b, c})
	require.Zero(t, state.FreeList().Len())
	require.Zero(t, state.Available)

	_, ok = state.Release(b)
	require.True(t, ok)
	require.Equal(t, []metadata.FreeExtent[uint64]{{Start: b, Length: 0x100}}, state.FreeList().Extents())
	require.NoError(t, state.Validate())

	_, ok = state.Release(a)
	require.True(t, ok)
	require.Equal(t, []metadata.FreeExtent[uint64]{{Start: a, Length: 0x200}}, state.FreeList().Extents())
	require.NoError(t, state.Validate())

	_, ok = state.Release(c)
	require.True(t, ok)
	require.Equal(t, original, state.FreeList().Extents())
	require.Equal(t, uint64(0x300), state.Available)
	require.NoError(t, state.Validate())
}

func TestStateMergeWithFollowingExtentOnly(t *testing.T) {
	state := configured(t, 0, 0x400, 0x100)

	a, _, _ := state.Allocate(0x100, metadata.NoOwner)
	b, _, _ := state.Allocate(0x100, metadata.NoOwner)
	require.Equal(t, []metadata.FreeExtent[uint64]{{Start: 0x200, Length: 0x200}}, state.FreeList().Extents())

	_, ok := state.Release(b)
	require.True(t, ok)
	require.Equal(t, []metadata.FreeExtent[uint64]{{Start: 0x100, Length: 0x300}}, state.FreeList().Extents())

	_, ok = state.Release(a)
	require.True(t, ok)
	require.Equal(t, []metadata.FreeExtent[uint64]{{Start: 0, Length: 0x400}}, state.FreeList().Extents())
	require.NoError(t, state.Validate())
}

func TestStateReleaseUnknownAddress(t *testing.T) {
	state := configured(t, 0, 0x1000, 0x80)
	addr, _, ok := state.Allocate(0x80, metadata.NoOwner)
	require.True(t, ok)

	before := state.Clone()
	_, ok = state.Release(addr + 0x80)
	require.False(t, ok)
	require.Equal(t, before.FreeList().Extents(), state.FreeList().Extents())
	require.Equal(t, before.AllocTable().Blocks(), state.AllocTable().Blocks())

	_, ok = state.Release(addr)
	require.True(t, ok)
	_, ok = state.Release(addr)
	require.False(t, ok)
}

func TestStateRoundsSizes(t *testing.T) {
	state := configured(t, 0, 0x1000, 0x80)

	addr, size, ok := state.Allocate(1, metadata.NoOwner)
	require.True(t, ok)
	require.Equal(t, uint64(0), addr)
	require.Equal(t, uint64(0x80), size)

	addr, size, ok = state.Allocate(0, metadata.NoOwner)
	require.True(t, ok)
	require.Equal(t, uint64(0x80), addr)
	require.Equal(t, uint64(0x80), size)

	addr, size, ok = state.Allocate(0x81, metadata.NoOwner)
	require.True(t, ok)
	require.Equal(t, uint64(0x100), addr)
	require.Equal(t, uint64(0x100), size)

	require.Equal(t, uint64(0x1000-0x200), state.Available)

	_, _, ok = state.Allocate(math.MaxUint64, metadata.NoOwner)
	require.False(t, ok)
}

func TestStatePow2Alignment(t *testing.T) {
	state := configured(t, 0x40, 0x10000, 0x10)
	require.True(t, state.SetPow2Alignment(4096))

	addr, size, ok := state.Allocate(100, metadata.NoOwner)
	require.True(t, ok)
	require.Equal(t, uint64(112), size)
	require.Zero(t, addr%128)
	require.Equal(t, uint64(0x80), addr)

	// The alignment gap stays on the free list
	require.Equal(t, metadata.FreeExtent[uint64]{Start: 0x40, Length: 0x40}, state.FreeList().Extents()[0])

	big, size, ok := state.Allocate(0x2001, metadata.NoOwner)
	require.True(t, ok)
	require.Equal(t, uint64(0x2010), size)
	require.Zero(t, big%4096)

	require.NoError(t, state.Validate())

	// Mode changes are ignored once allocations exist
	require.False(t, state.SetPow2Alignment(64))
	require.Equal(t, uint64(4096), state.MaxPow2Alignment)
}

func TestStatePow2AlignmentRequiresEmptyHeap(t *testing.T) {
	state := configured(t, 0, 0x1000, 0x10)
	addr, _, ok := state.Allocate(0x10, metadata.NoOwner)
	require.True(t, ok)

	require.False(t, state.SetPow2Alignment(0x100))
	require.False(t, state.Pow2Alignment)

	_, ok = state.Release(addr)
	require.True(t, ok)
	require.True(t, state.SetPow2Alignment(0x100))
	require.False(t, state.SetPow2Alignment(0x200))
	require.Equal(t, uint64(0x100), state.MaxPow2Alignment)
}

func TestStateMaxBlockPrefersLowestAddress(t *testing.T) {
	state := configured(t, 0, 0x500, 0x100)

	var addrs []uint64
	for i := 0; i < 5; i++ {
		addr, _, ok := state.Allocate(0x100, metadata.NoOwner)
		require.True(t, ok)
		addrs = append(addrs, addr)
	}

	require.Equal(t, metadata.FreeExtent[uint64]{}, state.MaxBlock())

	_, _ = state.Release(addrs[1])
	_, _ = state.Release(addrs[3])
	require.Equal(t, metadata.FreeExtent[uint64]{Start: 0x100, Length: 0x100}, state.MaxBlock())

	_, _ = state.Release(addrs[4])
	require.Equal(t, metadata.FreeExtent[uint64]{Start: 0x300, Length: 0x200}, state.MaxBlock())
}

func TestStateStatistics(t *testing.T) {
	state := configured(t, 0, 1000, 1)
	_, _, _ = state.Allocate(100, 1)
	_, _, _ = state.Allocate(50, 1)

	var stats devheap.DetailedStatistics
	stats.Clear()
	state.AddDetailedStatistics(&stats)

	require.Equal(t, devheap.DetailedStatistics{
		Statistics: devheap.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 150,
		},
		UnusedRangeCount:   1,
		UnusedBytes:        850,
		AllocationSizeMin:  50,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 850,
		UnusedRangeSizeMax: 850,
	}, stats)

	var basic devheap.Statistics
	state.AddStatistics(&basic)
	require.Equal(t, stats.Statistics, basic)
}

func TestStateValidateDetectsAdjacentExtents(t *testing.T) {
	state := configured(t, 0, 0x200, 0x100)
	_, _, ok := state.Allocate(0x200, metadata.NoOwner)
	require.True(t, ok)
	_, _ = state.AllocTable().Remove(0)
	state.Available = 0x200
	state.FreeList().Insert(metadata.FreeExtent[uint64]{Start: 0, Length: 0x100})
	state.FreeList().Insert(metadata.FreeExtent[uint64]{Start: 0x100, Length: 0x100})

	require.ErrorContains(t, state.Validate(), "adjacent")
}

func TestStateRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	state := configured(t, 0x80000000, 0x100000, 0x80)
	require.True(t, state.SetPow2Alignment(0x4000))

	live := map[uint64]uint64{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for addr := range live {
				block, ok := state.Release(addr)
				require.True(t, ok)
				require.Equal(t, live[addr], block.Length)
				delete(live, addr)
				break
			}
		} else {
			addr, size, ok := state.Allocate(uint64(rng.Intn(0x3000)+1), metadata.Owner(rng.Intn(4)))
			if ok {
				require.Zero(t, addr%state.Alignment(size))
				live[addr] = size
			}
		}

		require.NoError(t, state.Validate())
	}

	for addr := range live {
		_, ok := state.Release(addr)
		require.True(t, ok)
	}
	require.Equal(t, []metadata.FreeExtent[uint64]{{Start: 0x80000000, Length: 0x100000}}, state.FreeList().Extents())
}
