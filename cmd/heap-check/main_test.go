//go:build linux

package main

import (
	"bytes"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/heap"
	"github.com/vkngwrapper/devheap/internal/shm"
	"github.com/vkngwrapper/devheap/metadata"
	"github.com/vkngwrapper/devheap/registry"
)

const segmentName = "HeapCheckTest"

// exitedPid returns the pid of a process that has already exited
func exitedPid(t *testing.T) metadata.Owner {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return metadata.Owner(cmd.ProcessState.Pid())
}

// ownedHeap opens DDR1 in the segment as if it were the process owner
func ownedHeap(t *testing.T, dir string, owner metadata.Owner) *heap.Heap[devheap.DevicePtr64] {
	segment, err := shm.Open(segmentName, shm.Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = segment.Close() })

	slot, err := segment.FindOrConstruct(registry.DDRHeap1Name)
	require.NoError(t, err)

	return heap.New[devheap.DevicePtr64](nil, heap.NewProcessScope[devheap.DevicePtr64](slot, owner), heap.CreateOptions{
		Name: registry.DDRHeap1Name,
		Fatal: func(err error) {
			t.Fatalf("unexpected fatal heap error: %+v", err)
		},
	})
}

func createHeaps(t *testing.T) (string, *heap.Heap[devheap.DevicePtr64]) {
	dir := t.TempDir()
	require.NoError(t, registry.CreateSegment(registry.SharedOptions{Segment: segmentName, Dir: dir}))

	// Process 1 outlives any test
	alive := ownedHeap(t, dir, 1)
	require.NoError(t, alive.Configure(0x80000000, 0x100000, registry.DefaultBlockSize))
	addr, err := alive.Malloc(4096, false)
	require.NoError(t, err)
	require.Equal(t, devheap.DevicePtr64(0x80000000), addr)

	dead := ownedHeap(t, dir, exitedPid(t))
	addr, err = dead.Malloc(8192, false)
	require.NoError(t, err)
	require.Equal(t, devheap.DevicePtr64(0x80001000), addr)

	return dir, alive
}

func TestRun_CleanJSON(t *testing.T) {
	dir, alive := createHeaps(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-c", "--json", "--segment=" + segmentName, "--dir=" + dir}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	require.JSONEq(t, `{
		"Heaps": [{
			"Name": "ddr_heap1",
			"Start": "0x80000000",
			"TotalBytes": "0x100000",
			"UnusedBytes": "0xff000",
			"Granularity": "0x80",
			"Pow2Alignment": false,
			"Allocations": 1,
			"UnusedRanges": 1,
			"Suballocations": [
				{"Offset": "0x80000000", "Type": "Allocated", "Size": "0x1000", "Owner": 1},
				{"Offset": "0x80001000", "Type": "Free", "Size": "0xff000"}
			]
		}],
		"Total": {
			"BlockCount": 1,
			"BlockBytes": "0x100000",
			"AllocationCount": 1,
			"AllocationBytes": "0x1000",
			"UnusedRangeCount": 1,
			"UnusedBytes": "0xff000",
			"AllocationSizeMin": "0x1000",
			"AllocationSizeMax": "0x1000",
			"UnusedRangeSizeMin": "0xff000",
			"UnusedRangeSizeMax": "0xff000"
		}
	}`, stdout.String())

	// The cleaned state is visible to every other mapping
	state, err := alive.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []metadata.AllocatedBlock[devheap.DevicePtr64]{
		{Start: 0x80000000, Length: 0x1000, Owner: 1},
	}, state.AllocTable().Blocks())
	require.NoError(t, alive.Validate())
}

func TestRun_Text(t *testing.T) {
	dir, alive := createHeaps(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"--segment=" + segmentName, "--dir=" + dir}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	require.Contains(t, stdout.String(), "-- ddr_heap1 ---")
	require.Contains(t, stdout.String(), "addr: 0x80001000 size: 0x2000 pid: ")
	require.Contains(t, stdout.String(), "Total: heaps: 1 size: 0x100000 allocated: 0x3000 in 2 free: 0xfd000 in 1\n")
	require.NotContains(t, stdout.String(), "ddr_heap2")

	// Without -c nothing is freed
	available, err := alive.Available()
	require.NoError(t, err)
	require.Equal(t, devheap.DevicePtr64(0xfd000), available)
}

func TestRun_MissingSegment(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--segment=" + segmentName, "--dir=" + t.TempDir()}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Equal(t, "Device heaps do not exist\n", stdout.String())
}
