// Package snapshot implements the versioned key-to-state store every
// service persists through. One logical JSON state per store key, mutated
// under a serializable transaction; each committed mutation increments a
// monotonic version.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConflict is returned when a concurrent writer won the version race.
// Callers may retry idempotently.
var ErrConflict = errors.New("snapshot: serialization conflict")

// StateVersion is one committed value of a store key.
type StateVersion struct {
	Version   uint64          `json:"version"`
	State     json.RawMessage `json:"state"`
	UpdatedAt string          `json:"updated_at"`
}

// MutateFunc receives the latest committed state (nil when the key has never
// been written) and returns the replacement state.
type MutateFunc func(state json.RawMessage) (json.RawMessage, error)

// Store is a single-writer versioned store for one state key. Read returns
// a copy of the last committed value; Mutate applies fn under a
// serializable transaction and persists with version = prev+1.
type Store interface {
	Key() string
	Read(ctx context.Context) (StateVersion, error)
	Mutate(ctx context.Context, fn MutateFunc) (StateVersion, error)
}

// Load reads the store key and unmarshals it into a fresh T. A never-written
// key yields the zero value.
func Load[T any](ctx context.Context, st Store) (T, uint64, error) {
	var out T
	sv, err := st.Read(ctx)
	if err != nil {
		return out, 0, err
	}
	if len(sv.State) == 0 {
		return out, sv.Version, nil
	}
	if err := json.Unmarshal(sv.State, &out); err != nil {
		return out, 0, fmt.Errorf("snapshot: decode %s state: %w", st.Key(), err)
	}
	return out, sv.Version, nil
}

// Update loads the typed state, lets fn mutate it in place, and persists the
// result. Unknown fields present in the stored JSON are dropped by the
// typed round trip only if T omits them; state structs therefore carry the
// full persisted schema.
func Update[T any](ctx context.Context, st Store, fn func(*T) error) error {
	_, err := st.Mutate(ctx, func(raw json.RawMessage) (json.RawMessage, error) {
		var state T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, fmt.Errorf("snapshot: decode %s state: %w", st.Key(), err)
			}
		}
		if err := fn(&state); err != nil {
			return nil, err
		}
		next, err := json.Marshal(&state)
		if err != nil {
			return nil, fmt.Errorf("snapshot: encode %s state: %w", st.Key(), err)
		}
		return next, nil
	})
	return err
}
