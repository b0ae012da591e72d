package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/metadata"
)

// SharedRecord is a lockable, versioned byte record visible to every process that uses a heap.
// Lock must exclude both other goroutines and other processes. Generation must change whenever
// Write is called. Write must fail with an error matching devheap.ErrStateTooLarge when the payload
// exceeds the record's capacity, leaving the previous payload in place.
type SharedRecord interface {
	Lock() error
	Unlock() error
	Generation() uint64
	Read() ([]byte, error)
	Write(payload []byte) (uint64, error)
}

// ProcessScope keeps heap state in a SharedRecord so that several processes can allocate from the
// same range. Each allocation is attributed to the owner the scope was created with, normally the
// calling process, so allocations left behind by a process that died can be collected.
//
// The decoded state is cached between calls and only decoded again when another party has written
// the record since.
type ProcessScope[A devheap.Address] struct {
	record SharedRecord
	owner  metadata.Owner

	cached     *metadata.State[A]
	generation uint64
}

var _ Scope[uint64] = &ProcessScope[uint64]{}

// NewProcessScope creates a scope backed by record. owner should be CurrentProcess() unless the
// caller is acting on behalf of another process.
func NewProcessScope[A devheap.Address](record SharedRecord, owner metadata.Owner) *ProcessScope[A] {
	return &ProcessScope[A]{
		record: record,
		owner:  owner,
	}
}

func (s *ProcessScope[A]) Lock() (*metadata.State[A], error) {
	if err := s.record.Lock(); err != nil {
		return nil, errors.Wrap(err, "could not lock shared heap record")
	}

	state, err := s.load()
	if err != nil {
		return nil, errors.CombineErrors(err, s.record.Unlock())
	}
	return state, nil
}

func (s *ProcessScope[A]) load() (*metadata.State[A], error) {
	generation := s.record.Generation()
	if s.cached != nil && s.generation == generation {
		return s.cached, nil
	}

	payload, err := s.record.Read()
	if err != nil {
		return nil, errors.Wrap(err, "could not read shared heap record")
	}

	state := metadata.NewState[A]()
	if len(payload) > 0 {
		state, err = metadata.UnmarshalState[A](payload)
		if err != nil {
			return nil, errors.Wrapf(err, "shared heap record at generation %d is unreadable", generation)
		}
	}

	s.cached = state
	s.generation = generation
	return state, nil
}

func (s *ProcessScope[A]) Unlock(modified bool) error {
	var err error
	if modified {
		err = s.publish()
		if err != nil {
			// The record still holds the state from before this change
			s.cached = nil
		}
	}

	if unlockErr := s.record.Unlock(); unlockErr != nil {
		err = errors.CombineErrors(err, errors.Wrap(unlockErr, "could not unlock shared heap record"))
	}
	return err
}

func (s *ProcessScope[A]) publish() error {
	generation, err := s.record.Write(metadata.MarshalState(s.cached))
	if err != nil {
		return errors.Wrap(err, "could not write shared heap record")
	}
	s.generation = generation
	return nil
}

func (s *ProcessScope[A]) Owner() metadata.Owner {
	return s.owner
}

func (s *ProcessScope[A]) TracksOwners() bool {
	return true
}
