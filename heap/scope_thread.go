package heap

import (
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/internal/utils"
	"github.com/vkngwrapper/devheap/metadata"
)

// ThreadScope keeps heap state in this process's memory behind an in-process mutex. Allocations are
// not attributed to any owner.
type ThreadScope[A devheap.Address] struct {
	mutex utils.OptionalMutex
	state *metadata.State[A]
}

var _ Scope[uint64] = &ThreadScope[uint64]{}

// NewThreadScope creates an empty, unconfigured ThreadScope. If flags include
// CreateExternallySynchronized, no mutex is used.
func NewThreadScope[A devheap.Address](flags CreateFlags) *ThreadScope[A] {
	return &ThreadScope[A]{
		mutex: utils.OptionalMutex{UseMutex: flags&CreateExternallySynchronized == 0},
		state: metadata.NewState[A](),
	}
}

func (s *ThreadScope[A]) Lock() (*metadata.State[A], error) {
	if err := s.mutex.Lock(); err != nil {
		return nil, err
	}
	return s.state, nil
}

func (s *ThreadScope[A]) Unlock(modified bool) error {
	return s.mutex.Unlock()
}

func (s *ThreadScope[A]) Owner() metadata.Owner {
	return metadata.NoOwner
}

func (s *ThreadScope[A]) TracksOwners() bool {
	return false
}
