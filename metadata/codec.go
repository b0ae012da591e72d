package metadata

import (
	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/devheap"
)

// An encoded state is a version number followed by unsigned varints. Free extents and allocations
// are written in address order as the distance from the end of the previous entry and a length, so
// each entry costs a few bytes no matter how high in the address space the heap lives.
const stateEncodingVersion = 1

// MarshalState encodes the complete state, suitable for UnmarshalState
func MarshalState[A devheap.Address](s *State[A]) []byte {
	blocks := s.allocs.Blocks()
	buf := proto.NewBuffer(make([]byte, 0, 64+6*s.free.Len()+10*len(blocks)))
	put := func(value uint64) {
		// Appending to a Buffer cannot fail
		_ = buf.EncodeVarint(value)
	}

	put(stateEncodingVersion)
	put(uint64(s.Start))
	put(uint64(s.Length))
	put(uint64(s.MinBlockSize))
	put(uint64(s.Available))
	if s.Pow2Alignment {
		put(1)
	} else {
		put(0)
	}
	put(uint64(s.MaxPow2Alignment))

	put(uint64(s.free.Len()))
	cursor := s.Start
	s.free.Ascend(func(extent FreeExtent[A]) bool {
		put(uint64(extent.Start - cursor))
		put(uint64(extent.Length))
		cursor = extent.Last() + 1
		return true
	})

	put(uint64(len(blocks)))
	cursor = s.Start
	for _, block := range blocks {
		put(uint64(block.Start - cursor))
		put(uint64(block.Length))
		put(uint64(block.Owner))
		cursor = block.Last() + 1
	}

	return buf.Bytes()
}

// UnmarshalState decodes a state previously encoded with MarshalState. The decoded state must pass
// Validate.
func UnmarshalState[A devheap.Address](data []byte) (*State[A], error) {
	d := &stateDecoder[A]{data: data}

	if version := d.varint(); d.err == nil && version != stateEncodingVersion {
		return nil, errors.Errorf("unknown heap state encoding version %d", version)
	}

	s := NewState[A]()
	s.Start = d.addr()
	s.Length = d.addr()
	s.MinBlockSize = d.addr()
	s.Available = d.addr()
	switch pow2 := d.varint(); pow2 {
	case 0, 1:
		s.Pow2Alignment = pow2 == 1
	default:
		d.fail(errors.Errorf("invalid alignment mode %d", pow2))
	}
	s.MaxPow2Alignment = d.addr()

	cursor, exhausted := s.Start, false
	for count := d.varint(); count > 0 && d.err == nil; count-- {
		start, length := d.entry(&cursor, &exhausted)
		s.free.Insert(FreeExtent[A]{Start: start, Length: length})
	}

	cursor, exhausted = s.Start, false
	for count := d.varint(); count > 0 && d.err == nil; count-- {
		start, length := d.entry(&cursor, &exhausted)
		owner := d.varint()
		if d.err == nil && uint64(Owner(owner)) != owner {
			d.fail(errors.Errorf("owner %d of allocation at 0x%x is out of range", owner, uint64(start)))
		}
		s.allocs.Insert(AllocatedBlock[A]{Start: start, Length: length, Owner: Owner(owner)})
	}

	if d.err == nil && len(d.data) > 0 {
		d.fail(errors.Errorf("%d unexpected bytes follow the heap state", len(d.data)))
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "could not decode heap state")
	}

	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "decoded heap state is inconsistent")
	}
	return s, nil
}

type stateDecoder[A devheap.Address] struct {
	data []byte
	err  error
}

func (d *stateDecoder[A]) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *stateDecoder[A]) varint() uint64 {
	if d.err != nil {
		return 0
	}

	value, n := proto.DecodeVarint(d.data)
	if n == 0 {
		d.fail(errors.New("heap state is truncated"))
		return 0
	}
	d.data = d.data[n:]
	return value
}

func (d *stateDecoder[A]) addr() A {
	value := d.varint()
	if d.err == nil && uint64(A(value)) != value {
		d.fail(errors.Errorf("address %d does not fit in the heap's address type", value))
	}
	return A(value)
}

// entry reads the next extent or allocation, which lies after cursor, and moves cursor past it
func (d *stateDecoder[A]) entry(cursor *A, exhausted *bool) (A, A) {
	gap := d.addr()
	length := d.addr()
	if d.err != nil {
		return 0, 0
	}

	start := *cursor + gap
	last := start + (length - 1)
	if *exhausted || start < *cursor || length == 0 || last < start {
		d.fail(errors.Errorf("entry 0x%x bytes after 0x%x with size 0x%x does not fit in the address type", uint64(gap), uint64(*cursor), uint64(length)))
		return 0, 0
	}

	*cursor = last + 1
	*exhausted = *cursor == 0
	return start, length
}
