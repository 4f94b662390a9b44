// Package archive writes finalized evidence bundles to immutable object
// storage. Archival is best effort from the caller's point of view: a
// failed upload is logged and retried out of band, it never fails the
// evidence export itself.
package archive

import (
	"context"
	"fmt"
	"sync"
)

// Store is the write-once bundle store.
type Store interface {
	// Put uploads data under key. Re-uploading an existing key is a no-op.
	Put(ctx context.Context, key string, data []byte) error
	// Get retrieves a previously archived bundle.
	Get(ctx context.Context, key string) ([]byte, error)
}

// MemoryStore is the in-process backend used by tests and dev deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; exists {
		return nil
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("archive: object %s not found", key)
	}
	return append([]byte(nil), data...), nil
}

// Len reports the number of archived objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
