//go:build linux

package registry

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/heap"
	"github.com/vkngwrapper/devheap/internal/shm"
)

const (
	// DefaultSegmentName names the shared memory segment holding every shared heap
	DefaultSegmentName = "HeapManager"

	// SegmentEnv overrides the segment name
	SegmentEnv = "DEVHEAP_SEGMENT"
	// DirEnv overrides the directory the segment is created in
	DirEnv = "DEVHEAP_SHM_DIR"
)

// ErrNoHeaps is returned when opening shared heaps that no process has created
var ErrNoHeaps = errors.New("heaps do not exist")

// SharedOptions controls how a set of heaps shared between processes is opened
type SharedOptions struct {
	Options

	// Segment is the name of the shared memory segment. When empty, SegmentEnv or
	// DefaultSegmentName is used.
	Segment string
	// Dir is the directory holding the segment. When empty, DirEnv or /dev/shm is used.
	Dir string
	// OpenExisting fails with ErrNoHeaps instead of creating a missing segment
	OpenExisting bool
}

func (o SharedOptions) segmentName() string {
	if o.Segment != "" {
		return o.Segment
	}
	if name := os.Getenv(SegmentEnv); name != "" {
		return name
	}
	return DefaultSegmentName
}

func (o SharedOptions) segmentOptions() shm.Options {
	dir := o.Dir
	if dir == "" {
		dir = os.Getenv(DirEnv)
	}
	return shm.Options{Dir: dir}
}

// CreateSegment creates the shared segment, if it does not exist yet, and registers every heap in
// it. Processes that open the heaps later find them already present.
func CreateSegment(options SharedOptions) error {
	segment, err := shm.OpenOrCreate(options.segmentName(), options.segmentOptions())
	if err != nil {
		return err
	}

	for _, name := range []string{DDRHeap1Name, DDRHeap2Name, MSMCHeapName} {
		if _, err := segment.FindOrConstruct(name); err != nil {
			return errors.CombineErrors(err, segment.Close())
		}
	}

	return segment.Close()
}

// RemoveSegment deletes the shared segment. Processes that have it open keep working with their
// mapping, but no new process will find the heaps.
func RemoveSegment(options SharedOptions) error {
	return shm.Remove(options.segmentName(), options.segmentOptions())
}

// SegmentPath returns the file backing the shared segment
func SegmentPath(options SharedOptions) string {
	return options.segmentOptions().Path(options.segmentName())
}

// OpenShared opens the set of heaps shared by every process on the host. Allocations made through
// it are attributed to the calling process, and Close frees any this process still holds.
func OpenShared(options SharedOptions) (*Heaps, error) {
	var segment *shm.Segment
	var err error
	if options.OpenExisting {
		segment, err = shm.Open(options.segmentName(), options.segmentOptions())
		if errors.Is(err, shm.ErrSegmentNotFound) {
			return nil, errors.Wrapf(ErrNoHeaps, "%s", SegmentPath(options))
		}
	} else {
		segment, err = shm.OpenOrCreate(options.segmentName(), options.segmentOptions())
	}
	if err != nil {
		return nil, err
	}

	logger := options.logger()
	owner := heap.CurrentProcess()

	create := func(name string) (*Heap, error) {
		slot, err := segment.FindOrConstruct(name)
		if err != nil {
			return nil, err
		}
		scope := heap.NewProcessScope[devheap.DevicePtr64](slot, owner)
		return heap.New[devheap.DevicePtr64](logger, scope, options.createOptions(name)), nil
	}

	heaps := &Heaps{
		logger: logger,
		closer: segment.Close,
	}

	heaps.DDR1, err = create(DDRHeap1Name)
	if err == nil {
		heaps.DDR2, err = create(DDRHeap2Name)
	}
	if err == nil {
		heaps.MSMC, err = create(MSMCHeapName)
	}
	if err != nil {
		return nil, errors.CombineErrors(err, segment.Close())
	}

	return heaps, nil
}
