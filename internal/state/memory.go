package state

import (
	"context"
	"slices"
	"strconv"
	"sync"
)

// #region memory-store
// MemoryStore is an in-process Get/Put store. Versions are not retained.
type MemoryStore struct {
	mu      sync.RWMutex
	blobs   map[Key][]byte
	version uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[Key][]byte)}
}

// Get returns a copy of the bytes stored for key, or ErrNoState.
func (m *MemoryStore) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNoState
	}
	return slices.Clone(b), nil
}

// Put replaces the bytes for key. The returned version is a process-local counter.
func (m *MemoryStore) Put(_ context.Context, key Key, blob []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = slices.Clone(blob)
	m.version++
	return "mem-" + strconv.FormatUint(m.version, 10), nil
}

// #endregion memory-store
