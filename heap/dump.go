package heap

import (
	"bufio"
	"fmt"
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/metadata"
	"golang.org/x/exp/slog"
)

// Dump writes a human-readable report of the heap to w: its range, granularity and alignment
// mode, then every free extent and every allocation in address order. The report reflects a
// single consistent moment.
func (h *Heap[A]) Dump(w io.Writer) error {
	h.logger.Debug("Heap::Dump", slog.String("Heap", h.name))

	state, err := h.Snapshot()
	if err != nil {
		return err
	}

	out := bufio.NewWriter(w)
	fmt.Fprintf(out, "-- %s ------------------------------\n", h.name)
	fmt.Fprintf(out, "   Addr: 0x%x\n", uint64(state.Start))
	fmt.Fprintf(out, "   Size: 0x%x\n", uint64(state.Length))
	fmt.Fprintf(out, "   Algn: 0x%x\n", uint64(state.MinBlockSize))
	fmt.Fprintf(out, "   Pow2: %t\n", state.Pow2Alignment)
	fmt.Fprintf(out, "   Free:\n")
	for _, extent := range state.FreeList().Extents() {
		fmt.Fprintf(out, "        %s\n", extent)
	}
	fmt.Fprintf(out, "   Aloc:\n")
	for _, block := range state.AllocTable().Blocks() {
		fmt.Fprintf(out, "        %s\n", block)
	}
	fmt.Fprintf(out, "-----------------------------------------\n")

	return out.Flush()
}

// DumpJSON writes the heap's summary and every free and allocated range, in address order, as a
// JSON object
func (h *Heap[A]) DumpJSON(writer *jwriter.Writer) error {
	h.logger.Debug("Heap::DumpJSON", slog.String("Heap", h.name))

	state, err := h.Snapshot()
	if err != nil {
		return err
	}

	objState := writer.Object()
	defer objState.End()

	objState.Name("Name").String(h.name)
	state.BlockJsonData(objState)
	printDetailedMapRanges(state, objState)

	return nil
}

func printDetailedMapRanges[A devheap.Address](state *metadata.State[A], json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	extents := state.FreeList().Extents()
	blocks := state.AllocTable().Blocks()

	for len(extents) > 0 || len(blocks) > 0 {
		if len(blocks) == 0 || (len(extents) > 0 && extents[0].Start < blocks[0].Start) {
			obj := arrayState.Object()
			obj.Name("Offset").String(fmt.Sprintf("0x%x", uint64(extents[0].Start)))
			obj.Name("Type").String("Free")
			obj.Name("Size").String(fmt.Sprintf("0x%x", uint64(extents[0].Length)))
			obj.End()

			extents = extents[1:]
			continue
		}

		obj := arrayState.Object()
		obj.Name("Offset").String(fmt.Sprintf("0x%x", uint64(blocks[0].Start)))
		obj.Name("Type").String("Allocated")
		obj.Name("Size").String(fmt.Sprintf("0x%x", uint64(blocks[0].Length)))
		obj.Name("Owner").Int(int(blocks[0].Owner))
		obj.End()

		blocks = blocks[1:]
	}
}

// AddDetailedStatistics sums this heap's statistics into stats
func (h *Heap[A]) AddDetailedStatistics(stats *devheap.DetailedStatistics) error {
	return h.withState("Heap::AddDetailedStatistics", func(state *metadata.State[A]) (bool, error) {
		state.AddDetailedStatistics(stats)
		return false, nil
	})
}

// AddStatistics sums this heap's block and allocation totals into stats
func (h *Heap[A]) AddStatistics(stats *devheap.Statistics) error {
	return h.withState("Heap::AddStatistics", func(state *metadata.State[A]) (bool, error) {
		state.AddStatistics(stats)
		return false, nil
	})
}
