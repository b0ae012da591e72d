package registry_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/metadata"
	"github.com/vkngwrapper/devheap/registry"
)

const (
	persistentBase devheap.DevicePtr64 = 0x80000000
	persistentSize devheap.DevicePtr64 = 16 * 1024 * 1024
	onDemandBase   devheap.DevicePtr64 = 0x840000000
	onDemandSize   devheap.DevicePtr64 = 256 * 1024 * 1024
	onChipBase     devheap.DevicePtr64 = 0x0C000000
	onChipSize     devheap.DevicePtr64 = 6 * 1024 * 1024
)

func configureAll(t *testing.T, heaps *registry.Heaps) {
	require.NoError(t, heaps.ConfigurePersistent(persistentBase, persistentSize))
	require.NoError(t, heaps.ConfigureOnDemand(onDemandBase, onDemandSize))
	require.NoError(t, heaps.ConfigureOnChip(onChipBase, onChipSize))
}

func TestAllocateGlobal(t *testing.T) {
	heaps := registry.NewPrivate(registry.Options{})
	configureAll(t, heaps)

	small, err := heaps.AllocateGlobal(4096, false)
	require.NoError(t, err)
	require.Equal(t, persistentBase, small)

	large, err := heaps.AllocateGlobal(4*1024*1024, false)
	require.NoError(t, err)
	require.Equal(t, onDemandBase, large)

	preferred, err := heaps.AllocateGlobal(4*1024*1024, true)
	require.NoError(t, err)
	require.True(t, preferred >= persistentBase && preferred < persistentBase+persistentSize)

	tooLarge, err := heaps.AllocateGlobal(512*1024*1024, false)
	require.NoError(t, err)
	require.Equal(t, devheap.DevicePtr64(0), tooLarge)

	require.NoError(t, heaps.FreeGlobal(small))
	require.NoError(t, heaps.FreeGlobal(large))
	require.NoError(t, heaps.FreeGlobal(preferred))

	for _, h := range heaps.All() {
		require.NoError(t, h.Validate())
	}

	available, err := heaps.DDR2.Available()
	require.NoError(t, err)
	require.Equal(t, onDemandSize, available)
}

func TestConfigureOnDemand_AlignsToSize(t *testing.T) {
	heaps := registry.NewPrivate(registry.Options{})
	configureAll(t, heaps)

	first, err := heaps.DDR2.Malloc(4096, false)
	require.NoError(t, err)
	require.Equal(t, onDemandBase, first)

	second, err := heaps.DDR2.Malloc(64*1024, false)
	require.NoError(t, err)
	require.Equal(t, devheap.DevicePtr64(0), second%(64*1024))
	require.Equal(t, onDemandBase+64*1024, second)

	// Sizes round up to the on-demand block size
	third, err := heaps.DDR2.Malloc(1, false)
	require.NoError(t, err)
	require.Equal(t, onDemandBase+4096, third)
}

func TestAllocateOnChip(t *testing.T) {
	heaps := registry.NewPrivate(registry.Options{})
	configureAll(t, heaps)

	addr, err := heaps.AllocateOnChip(100)
	require.NoError(t, err)
	require.Equal(t, onChipBase, addr)

	available, err := heaps.MSMC.Available()
	require.NoError(t, err)
	require.Equal(t, onChipSize-registry.DefaultBlockSize, available)

	require.NoError(t, heaps.FreeOnChip(addr))
	require.True(t, errors.Is(heaps.FreeOnChip(addr), devheap.ErrNotAllocated))
}

func TestLookup(t *testing.T) {
	heaps := registry.NewPrivate(registry.Options{})

	h, ok := heaps.Lookup(registry.MSMCHeapName)
	require.True(t, ok)
	require.Same(t, heaps.MSMC, h)

	_, ok = heaps.Lookup("l2_heap")
	require.False(t, ok)
}

func TestPrivate_GarbageCollectIsNoop(t *testing.T) {
	heaps := registry.NewPrivate(registry.Options{})
	configureAll(t, heaps)

	_, err := heaps.AllocateOnChip(128)
	require.NoError(t, err)

	freed, err := heaps.GarbageCollect(metadata.NoOwner)
	require.NoError(t, err)
	require.Equal(t, 0, freed)
	require.NoError(t, heaps.Close())

	var stats devheap.DetailedStatistics
	stats.Clear()
	require.NoError(t, heaps.AddDetailedStatistics(&stats))
	require.Equal(t, 3, stats.BlockCount)
	require.Equal(t, 1, stats.AllocationCount)
}
