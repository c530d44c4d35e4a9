package blobstore

import (
	"context"
	"sync"
)

// MemoryRefs is an in-process RefCounter
type MemoryRefs struct {
	mu   sync.Mutex
	refs map[string]int64
}

// NewMemoryRefs returns an empty counter
func NewMemoryRefs() *MemoryRefs {
	return &MemoryRefs{refs: make(map[string]int64)}
}

func (m *MemoryRefs) IncrementBlobRef(_ context.Context, hash string, _ int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[hash]++
	return m.refs[hash], nil
}

func (m *MemoryRefs) DecrementBlobRef(_ context.Context, hash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.refs[hash] - 1
	if n <= 0 {
		delete(m.refs, hash)
		return 0, nil
	}
	m.refs[hash] = n
	return n, nil
}

func (m *MemoryRefs) BlobRefCount(_ context.Context, hash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[hash], nil
}

func (m *MemoryRefs) ListBlobRefs(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.refs))
	for k, v := range m.refs {
		out[k] = v
	}
	return out, nil
}
