package vkutil

import (
	"sync"
)

// OptionalMutex is a mutex that only locks when Enabled is set. Allocators
// created for externally-synchronized use skip the locking overhead entirely.
type OptionalMutex struct {
	Mutex   sync.Mutex
	Enabled bool
}

func (m *OptionalMutex) Lock() {
	if m.Enabled {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.Enabled {
		m.Mutex.Unlock()
	}
}

// OptionalRWMutex is an RWMutex that only locks when Enabled is set
type OptionalRWMutex struct {
	Mutex   sync.RWMutex
	Enabled bool
}

func (m *OptionalRWMutex) TryLock() bool {
	if m.Enabled {
		return m.Mutex.TryLock()
	}

	return true
}

func (m *OptionalRWMutex) Lock() {
	if m.Enabled {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.Enabled {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.Enabled {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.Enabled {
		m.Mutex.RUnlock()
	}
}
