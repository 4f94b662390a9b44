package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the relational backend: one row per store key holding
// (version, state_json, updated_at). The table schema and role grants live
// in external migrations; the store only assumes the row shape.
type PostgresStore struct {
	db  *sql.DB
	key string
}

// NewPostgresStore wraps db for a single store key.
func NewPostgresStore(db *sql.DB, key string) *PostgresStore {
	return &PostgresStore{db: db, key: key}
}

func (s *PostgresStore) Key() string { return s.key }

func (s *PostgresStore) Read(ctx context.Context) (StateVersion, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT version, state_json, updated_at FROM snapshot_states WHERE store_key = $1",
		s.key)

	var sv StateVersion
	var updated time.Time
	err := row.Scan(&sv.Version, &sv.State, &updated)
	if err == sql.ErrNoRows {
		return StateVersion{}, nil
	}
	if err != nil {
		return StateVersion{}, fmt.Errorf("snapshot: read %s: %w", s.key, err)
	}
	sv.UpdatedAt = updated.UTC().Format(time.RFC3339Nano)
	return sv, nil
}

// Mutate runs fn inside a serializable transaction with the key's row locked
// for update. A serialization failure surfaces as ErrConflict so the caller
// can retry; every other failure rolls back unchanged.
func (s *PostgresStore) Mutate(ctx context.Context, fn MutateFunc) (StateVersion, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return StateVersion{}, fmt.Errorf("snapshot: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT version, state_json FROM snapshot_states WHERE store_key = $1 FOR UPDATE",
		s.key)

	var version uint64
	var state []byte
	err = row.Scan(&version, &state)
	if err != nil && err != sql.ErrNoRows {
		return StateVersion{}, fmt.Errorf("snapshot: read-for-update %s: %w", s.key, err)
	}

	next, err := fn(state)
	if err != nil {
		return StateVersion{}, err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_states (store_key, version, state_json, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (store_key) DO UPDATE SET
			version = EXCLUDED.version,
			state_json = EXCLUDED.state_json,
			updated_at = EXCLUDED.updated_at
	`, s.key, version+1, []byte(next), now)
	if err != nil {
		return StateVersion{}, wrapPgErr(s.key, err)
	}

	if err := tx.Commit(); err != nil {
		return StateVersion{}, wrapPgErr(s.key, err)
	}

	return StateVersion{
		Version:   version + 1,
		State:     next,
		UpdatedAt: now.Format(time.RFC3339Nano),
	}, nil
}

func wrapPgErr(key string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "40001" {
		// serialization_failure
		return fmt.Errorf("snapshot: mutate %s: %w", key, ErrConflict)
	}
	return fmt.Errorf("snapshot: mutate %s: %w", key, err)
}
