//go:build linux

package shm

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devheap/internal/utils"
	"golang.org/x/sys/unix"
)

// Slot is one named record inside a Segment. Its contents are an opaque payload plus a
// generation counter that advances on every write, so readers can tell whether a cached copy
// of the payload is still current.
//
// Lock must be held around Generation, Read and Write. It excludes other goroutines in this
// process as well as other processes mapping the same segment.
type Slot struct {
	segment *Segment
	index   int
	offset  int
	size    int

	mutex utils.OptionalMutex
	lock  utils.LockChain
}

type slotRangeLock struct {
	slot *Slot
}

func (l slotRangeLock) Lock() error {
	return l.slot.segment.lockRange(l.slot.offset, l.slot.size, unix.F_WRLCK)
}

func (l slotRangeLock) Unlock() error {
	return l.slot.segment.lockRange(l.slot.offset, l.slot.size, unix.F_UNLCK)
}

func newSlot(segment *Segment, index int) *Slot {
	slot := &Slot{
		segment: segment,
		index:   index,
		offset:  headerSize + index*segment.slotSize,
		size:    segment.slotSize,
	}
	slot.mutex.UseMutex = true
	slot.lock = utils.LockChain{&slot.mutex, slotRangeLock{slot: slot}}
	return slot
}

// Lock acquires exclusive access to the slot
func (s *Slot) Lock() error {
	return s.lock.Lock()
}

// Unlock releases exclusive access to the slot
func (s *Slot) Unlock() error {
	return s.lock.Unlock()
}

// Capacity is the largest payload the slot can hold
func (s *Slot) Capacity() int {
	return s.size - slotHeaderSize
}

// Generation returns the number of writes made to the slot since it was constructed
func (s *Slot) Generation() uint64 {
	return binary.LittleEndian.Uint64(s.segment.data[s.offset:])
}

// Read returns a copy of the slot's payload. A slot that has never been written has an empty
// payload.
func (s *Slot) Read() ([]byte, error) {
	length := int(binary.LittleEndian.Uint32(s.segment.data[s.offset+8:]))
	if length > s.Capacity() {
		return nil, errors.Wrapf(ErrCorruptSegment, "slot %d claims a payload of %d bytes", s.index, length)
	}

	start := s.offset + slotHeaderSize
	payload := make([]byte, length)
	copy(payload, s.segment.data[start:start+length])
	return payload, nil
}

// Write replaces the slot's payload and returns the new generation
func (s *Slot) Write(payload []byte) (uint64, error) {
	if len(payload) > s.Capacity() {
		return 0, errors.Wrapf(ErrSlotOverflow, "payload of %d bytes exceeds slot capacity of %d", len(payload), s.Capacity())
	}

	start := s.offset + slotHeaderSize
	copy(s.segment.data[start:], payload)
	binary.LittleEndian.PutUint32(s.segment.data[s.offset+8:], uint32(len(payload)))

	generation := s.Generation() + 1
	binary.LittleEndian.PutUint64(s.segment.data[s.offset:], generation)
	return generation, nil
}
