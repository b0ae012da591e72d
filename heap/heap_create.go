package heap

import (
	"io"
	"os"

	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate. They are given to the
// scope holding a heap's state, since that is where locking happens.
type CreateFlags int32

var createFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that a heap created with a thread scope will not be
	// synchronized internally. The consumer must guarantee it is used from only one goroutine at a
	// time or is synchronized by some other mechanism. It has no effect on a process scope, which
	// must always exclude other processes.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

// FatalHandler receives failures the heap cannot recover from: an allocation that could not be
// satisfied when the caller did not allow it to fail, and failures of the heap's backing store.
// If the handler returns, the failing operation returns the error to its caller.
type FatalHandler func(err error)

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Name identifies the heap in log output and dumps
	Name string
	// Fatal is called with unrecoverable errors. When it is nil, the error is logged and the process
	// exits with status 1.
	Fatal FatalHandler
}

// New creates a Heap whose state is held by scope
//
// logger - Receives a debug trace of every heap operation and any fatal errors. It may be nil.
//
// scope - Decides where the heap's state lives, how it is locked, and who owns each allocation
//
// options - Optional parameters: it is valid to leave all the fields blank
func New[A devheap.Address](logger *slog.Logger, scope Scope[A], options CreateOptions) *Heap[A] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	heap := &Heap[A]{
		logger: logger,
		scope:  scope,
		name:   options.Name,
		fatal:  options.Fatal,
	}

	if heap.name == "" {
		heap.name = "heap"
	}

	if heap.fatal == nil {
		heap.fatal = func(err error) {
			heap.logger.Error("Fatal heap error", slog.String("Heap", heap.name), slog.Any("Error", err))
			os.Exit(1)
		}
	}

	return heap
}
