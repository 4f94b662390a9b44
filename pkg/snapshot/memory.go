package snapshot

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is the in-process backend used by tests and single-node
// deployments. Mutations are serialized by a mutex, which gives the same
// at-most-one-writer-per-version guarantee the relational backend provides.
type MemoryStore struct {
	mu      sync.RWMutex
	key     string
	version uint64
	state   json.RawMessage
	updated string
	clock   func() time.Time
}

// NewMemoryStore creates an empty store for key.
func NewMemoryStore(key string) *MemoryStore {
	return &MemoryStore{key: key, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Key() string { return s.key }

func (s *MemoryStore) Read(_ context.Context) (StateVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StateVersion{
		Version:   s.version,
		State:     cloneRaw(s.state),
		UpdatedAt: s.updated,
	}, nil
}

func (s *MemoryStore) Mutate(_ context.Context, fn MutateFunc) (StateVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(cloneRaw(s.state))
	if err != nil {
		return StateVersion{}, err
	}

	s.version++
	s.state = cloneRaw(next)
	s.updated = s.clock().UTC().Format(time.RFC3339Nano)
	return StateVersion{Version: s.version, State: cloneRaw(s.state), UpdatedAt: s.updated}, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
