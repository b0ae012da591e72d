package heap

import (
	"os"

	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/metadata"
)

// Scope decides where a heap's state is stored, how access to it is serialized, and what owner is
// recorded against each allocation.
type Scope[A devheap.Address] interface {
	// Lock acquires exclusive access to the heap state and returns it. The state must not be used
	// after the matching Unlock.
	Lock() (*metadata.State[A], error)
	// Unlock releases the heap state. modified indicates that the state was changed while locked
	// and must be published before other parties can see it.
	Unlock(modified bool) error
	// Owner is recorded against every allocation made through this scope
	Owner() metadata.Owner
	// TracksOwners is false if Owner always returns metadata.NoOwner
	TracksOwners() bool
}

// CurrentProcess returns the owner id of the calling process
func CurrentProcess() metadata.Owner {
	return metadata.Owner(os.Getpid())
}
