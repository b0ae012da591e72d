package utils

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Locker is a mutex whose acquisition can fail, such as a lock shared with other processes
type Locker interface {
	Lock() error
	Unlock() error
}

// OptionalMutex is an in-process mutex that can be switched off when the consumer
// guarantees external synchronization
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() error {
	if m.UseMutex {
		m.Mutex.Lock()
	}
	return nil
}

func (m *OptionalMutex) Unlock() error {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
	return nil
}

// LockChain acquires its lockers in order and releases them in reverse order. If acquiring
// a locker fails, every locker already held is released again.
type LockChain []Locker

func (c LockChain) Lock() error {
	for i, locker := range c {
		if err := locker.Lock(); err != nil {
			for j := i - 1; j >= 0; j-- {
				err = errors.CombineErrors(err, c[j].Unlock())
			}
			return err
		}
	}
	return nil
}

func (c LockChain) Unlock() error {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, c[i].Unlock())
	}
	return err
}
