package archive

import (
	"context"
	"fmt"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
)

// Config selects and parameterizes an archive backend.
type Config struct {
	Backend       string
	Bucket        string
	Region        string
	Endpoint      string
	Prefix        string
	RetentionDays int
}

// New builds the configured archive backend. An empty backend selects the
// in-memory store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:        cfg.Bucket,
			Region:        cfg.Region,
			Endpoint:      cfg.Endpoint,
			Prefix:        cfg.Prefix,
			RetentionDays: cfg.RetentionDays,
		})
	case BackendGCS:
		return newGCSBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
}
