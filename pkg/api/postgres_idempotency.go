package api

import (
	"database/sql"
	"log/slog"
	"time"
)

// PostgresIdempotencyStore is the durable idempotency backend; cached
// responses survive process restarts.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore wraps an open connection pool.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

func (s *PostgresIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	var statusCode int
	var contentType string
	var body []byte
	var cachedAt time.Time

	err := s.db.QueryRow(
		`SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &contentType, &body, &cachedAt)
	if err != nil {
		return nil, false
	}
	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}
	return &cachedResponse{
		StatusCode:  statusCode,
		ContentType: contentType,
		Body:        body,
		CachedAt:    cachedAt,
	}, true
}

func (s *PostgresIdempotencyStore) Set(key string, statusCode int, contentType string, body []byte) {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, content_type, body, cached_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO NOTHING`,
		key, statusCode, contentType, body,
	)
	if err != nil {
		// Best effort: a failed insert only costs replay protection.
		slog.Error("idempotency: store key", "key", key, "error", err)
	}
}

// Cleanup removes entries older than the TTL.
func (s *PostgresIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE cached_at < $1`, time.Now().Add(-s.ttl))
}
