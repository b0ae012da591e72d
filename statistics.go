package devheap

import (
	"fmt"
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics holds running totals over one or more heaps
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      uint64
	AllocationBytes uint64
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with size ranges of allocations and free extents.
// Call Clear before accumulating into a fresh value so the minimums start at their sentinels.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	UnusedBytes        uint64
	AllocationSizeMin  uint64
	AllocationSizeMax  uint64
	UnusedRangeSizeMin uint64
	UnusedRangeSizeMax uint64
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.UnusedBytes = 0
	s.AllocationSizeMin = math.MaxUint64
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxUint64
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size uint64) {
	s.UnusedRangeCount++
	s.UnusedBytes += size

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size uint64) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedBytes += other.UnusedBytes

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// PrintJson writes the statistics into a json object. Byte counts are written as hex strings, like
// the heaps' own JSON dumps, and size ranges are left out while nothing has been counted in them.
func (s *DetailedStatistics) PrintJson(json jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").String(hexBytes(s.BlockBytes))
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").String(hexBytes(s.AllocationBytes))
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)
	json.Name("UnusedBytes").String(hexBytes(s.UnusedBytes))

	if s.AllocationCount > 0 {
		json.Name("AllocationSizeMin").String(hexBytes(s.AllocationSizeMin))
		json.Name("AllocationSizeMax").String(hexBytes(s.AllocationSizeMax))
	}
	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").String(hexBytes(s.UnusedRangeSizeMin))
		json.Name("UnusedRangeSizeMax").String(hexBytes(s.UnusedRangeSizeMax))
	}
}

// String summarizes the totals on one line
func (s *DetailedStatistics) String() string {
	return fmt.Sprintf("heaps: %d size: %s allocated: %s in %d free: %s in %d",
		s.BlockCount, hexBytes(s.BlockBytes),
		hexBytes(s.AllocationBytes), s.AllocationCount,
		hexBytes(s.UnusedBytes), s.UnusedRangeCount)
}

func hexBytes(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}
