//go:build linux

package shm

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devheap"
	"golang.org/x/sys/unix"
)

const (
	// DefaultDir is where named segments live, so every process on the host can map them
	DefaultDir = "/dev/shm"
	// DefaultSize is the size of a newly created segment
	DefaultSize = 1 << 20
	// DefaultSlotSize is the number of bytes reserved for each named record in a new segment.
	// Three slots fit behind the header of a default segment.
	DefaultSlotSize = 340 << 10

	segmentMagic   uint32 = 0x50414548
	segmentVersion uint32 = 1

	// magic, version, size, slot size and slot count come first, then the name directory
	headerSize    = 4096
	directoryBase = 32
	nameSize      = 32
	maxSlots      = (headerSize - directoryBase) / nameSize

	// generation, payload length, reserved
	slotHeaderSize = 8 + 4 + 4
)

var (
	ErrSegmentNotFound = errors.New("shared memory segment does not exist")
	ErrCorruptSegment  = errors.New("shared memory segment is corrupt")
	ErrSegmentFull     = errors.New("shared memory segment has no free slots")
	ErrSlotOverflow    = errors.Mark(errors.New("record does not fit in its shared memory slot"), devheap.ErrStateTooLarge)
	ErrInvalidName     = errors.New("invalid record name")
)

// Options controls where a segment lives and how a new segment is laid out. Segments that
// already exist keep the layout they were created with.
type Options struct {
	Dir      string
	Size     int
	SlotSize int
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	if o.Size == 0 {
		o.Size = DefaultSize
	}
	if o.SlotSize == 0 {
		o.SlotSize = DefaultSlotSize
	}
	return o
}

// Path returns the file backing the named segment
func (o Options) Path(name string) string {
	return filepath.Join(o.withDefaults().Dir, name)
}

// Segment is a named region of shared memory holding a directory of fixed-size named slots.
// Any number of processes may map the same segment. The directory and each slot are guarded by
// their own byte-range lock on the backing file, so slots can be used independently.
//
// A Segment is safe for concurrent use by multiple goroutines.
type Segment struct {
	name string
	path string
	file *os.File
	data []byte

	slotSize  int
	slotCount int

	mutex sync.Mutex
	slots map[int]*Slot
}

// Open maps an existing named segment. It returns an error wrapping ErrSegmentNotFound if the
// segment has not been created.
func Open(name string, options Options) (*Segment, error) {
	return open(name, options, false)
}

// OpenOrCreate maps the named segment, creating and formatting it first if it does not exist
func OpenOrCreate(name string, options Options) (*Segment, error) {
	return open(name, options, true)
}

// Remove deletes the named segment. Processes that still have it mapped keep their mapping.
func Remove(name string, options Options) error {
	err := os.Remove(options.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "could not remove segment %s", name)
	}
	return nil
}

func open(name string, options Options, create bool) (*Segment, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	options = options.withDefaults()
	path := options.Path(name)

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0666)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrSegmentNotFound, "%s", path)
	} else if err != nil {
		return nil, errors.Wrapf(err, "could not open segment %s", path)
	}

	segment := &Segment{
		name:  name,
		path:  path,
		file:  file,
		slots: make(map[int]*Slot),
	}

	err = segment.mapSegment(options, create)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return segment, nil
}

func (s *Segment) mapSegment(options Options, create bool) error {
	// Formatting happens under the directory lock so two processes racing to create the
	// segment agree on a single layout
	if err := s.lockRange(0, headerSize, unix.F_WRLCK); err != nil {
		return err
	}
	defer func() { _ = s.lockRange(0, headerSize, unix.F_UNLCK) }()

	var stat unix.Stat_t
	if err := unix.Fstat(int(s.file.Fd()), &stat); err != nil {
		return errors.Wrapf(err, "could not stat segment %s", s.path)
	}

	size := int(stat.Size)
	format := false
	if size == 0 {
		if !create {
			return errors.Wrapf(ErrSegmentNotFound, "%s is empty", s.path)
		}

		slotCount := (options.Size - headerSize) / options.SlotSize
		if slotCount <= 0 || slotCount > maxSlots || options.SlotSize <= slotHeaderSize {
			return errors.Newf("segment size %d cannot hold slots of size %d", options.Size, options.SlotSize)
		}

		size = options.Size
		if err := unix.Ftruncate(int(s.file.Fd()), int64(size)); err != nil {
			return errors.Wrapf(err, "could not size segment %s", s.path)
		}
		format = true
	}

	if size < headerSize {
		return errors.Wrapf(ErrCorruptSegment, "%s is only %d bytes", s.path, size)
	}

	data, err := unix.Mmap(int(s.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "could not map segment %s", s.path)
	}
	s.data = data

	if format {
		slotCount := (size - headerSize) / options.SlotSize
		binary.LittleEndian.PutUint32(data[0:], segmentMagic)
		binary.LittleEndian.PutUint32(data[4:], segmentVersion)
		binary.LittleEndian.PutUint64(data[8:], uint64(size))
		binary.LittleEndian.PutUint64(data[16:], uint64(options.SlotSize))
		binary.LittleEndian.PutUint32(data[24:], uint32(slotCount))
	}

	if err := s.readHeader(); err != nil {
		_ = unix.Munmap(s.data)
		s.data = nil
		return err
	}

	return nil
}

func (s *Segment) readHeader() error {
	if binary.LittleEndian.Uint32(s.data[0:]) != segmentMagic {
		return errors.Wrapf(ErrCorruptSegment, "%s has the wrong magic number", s.path)
	}
	if version := binary.LittleEndian.Uint32(s.data[4:]); version != segmentVersion {
		return errors.Wrapf(ErrCorruptSegment, "%s has unsupported version %d", s.path, version)
	}

	size := binary.LittleEndian.Uint64(s.data[8:])
	slotSize := binary.LittleEndian.Uint64(s.data[16:])
	slotCount := binary.LittleEndian.Uint32(s.data[24:])

	if size != uint64(len(s.data)) || slotCount > maxSlots || slotSize <= slotHeaderSize ||
		headerSize+uint64(slotCount)*slotSize > size {
		return errors.Wrapf(ErrCorruptSegment, "%s has an inconsistent layout", s.path)
	}

	s.slotSize = int(slotSize)
	s.slotCount = int(slotCount)
	return nil
}

// Name returns the name the segment was opened with
func (s *Segment) Name() string { return s.name }

// Path returns the file backing the segment
func (s *Segment) Path() string { return s.path }

// SlotCount returns the number of named slots the segment can hold
func (s *Segment) SlotCount() int { return s.slotCount }

// Close unmaps the segment. Slots obtained from it must not be used afterward. The segment
// itself persists until Remove is called.
func (s *Segment) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	return errors.CombineErrors(err, s.file.Close())
}

// Find returns the slot registered under name, if there is one
func (s *Segment) Find(name string) (*Slot, bool, error) {
	return s.lookup(name, false)
}

// FindOrConstruct returns the slot registered under name, claiming an empty slot for it if
// no process has registered the name yet
func (s *Segment) FindOrConstruct(name string) (*Slot, error) {
	slot, _, err := s.lookup(name, true)
	return slot, err
}

// Names returns the name of every registered slot in directory order
func (s *Segment) Names() ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.lockRange(0, headerSize, unix.F_RDLCK); err != nil {
		return nil, err
	}
	defer func() { _ = s.lockRange(0, headerSize, unix.F_UNLCK) }()

	var names []string
	for index := 0; index < s.slotCount; index++ {
		if name := s.slotName(index); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *Segment) lookup(name string, construct bool) (*Slot, bool, error) {
	if err := checkName(name); err != nil {
		return nil, false, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.data == nil {
		return nil, false, errors.Newf("segment %s is closed", s.name)
	}

	lockType := int16(unix.F_RDLCK)
	if construct {
		lockType = unix.F_WRLCK
	}
	if err := s.lockRange(0, headerSize, lockType); err != nil {
		return nil, false, err
	}
	defer func() { _ = s.lockRange(0, headerSize, unix.F_UNLCK) }()

	empty := -1
	for index := 0; index < s.slotCount; index++ {
		existing := s.slotName(index)
		if existing == name {
			return s.slot(index), true, nil
		}
		if existing == "" && empty < 0 {
			empty = index
		}
	}

	if !construct {
		return nil, false, nil
	}
	if empty < 0 {
		return nil, false, errors.Wrapf(ErrSegmentFull, "cannot register %s in %s", name, s.name)
	}

	// A fresh slot starts at generation zero with no payload
	slot := s.slot(empty)
	zero(s.data[slot.offset : slot.offset+slotHeaderSize])
	entry := s.data[directoryBase+empty*nameSize : directoryBase+(empty+1)*nameSize]
	zero(entry)
	copy(entry, name)

	return slot, true, nil
}

func (s *Segment) slotName(index int) string {
	entry := s.data[directoryBase+index*nameSize : directoryBase+(index+1)*nameSize]
	if end := strings.IndexByte(string(entry), 0); end >= 0 {
		return string(entry[:end])
	}
	return string(entry)
}

func (s *Segment) slot(index int) *Slot {
	slot, ok := s.slots[index]
	if !ok {
		slot = newSlot(s, index)
		s.slots[index] = slot
	}
	return slot
}

// lockRange applies an open-file-description lock to part of the backing file. OFD locks
// exclude other open files, including ones in this process, but not other goroutines sharing
// this file; callers pair them with an in-process mutex.
func (s *Segment) lockRange(start, length int, lockType int16) error {
	lock := unix.Flock_t{
		Type:   lockType,
		Whence: io.SeekStart,
		Start:  int64(start),
		Len:    int64(length),
	}

	for {
		err := unix.FcntlFlock(s.file.Fd(), unix.F_OFD_SETLKW, &lock)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "could not lock bytes %d-%d of segment %s", start, start+length, s.name)
		}
		return nil
	}
}

func checkName(name string) error {
	if name == "" || len(name) > nameSize || strings.ContainsAny(name, "/\x00") {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
