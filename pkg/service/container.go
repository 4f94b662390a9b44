// Package service is the composition root: it turns a Config into the
// fully wired restore control service and its HTTP handler.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rezilient-Labs/restore-control/core/pkg/api"
	"github.com/Rezilient-Labs/restore-control/core/pkg/archive"
	"github.com/Rezilient-Labs/restore-control/core/pkg/auth"
	"github.com/Rezilient-Labs/restore-control/core/pkg/config"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/evidence"
	"github.com/Rezilient-Labs/restore-control/core/pkg/execution"
	"github.com/Rezilient-Labs/restore-control/core/pkg/freshness"
	"github.com/Rezilient-Labs/restore-control/core/pkg/job"
	"github.com/Rezilient-Labs/restore-control/core/pkg/observability"
	"github.com/Rezilient-Labs/restore-control/core/pkg/plan"
	"github.com/Rezilient-Labs/restore-control/core/pkg/registry"
	"github.com/Rezilient-Labs/restore-control/core/pkg/scopelock"
	"github.com/Rezilient-Labs/restore-control/core/pkg/snapshot"
)

// Container holds every wired component of the service.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	DB    *sql.DB
	Redis *redis.Client

	Freshness  freshness.StateSource
	Plans      *plan.Service
	Jobs       *job.Service
	Executions *execution.Service
	Evidence   *evidence.Service

	Tracker *observability.SLOTracker
	Handler http.Handler
}

// New wires the service. Components fall back to in-memory backends when
// the corresponding connection string is absent.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = newLogger(cfg.LogLevel)
	}
	c := &Container{Config: cfg, Logger: logger}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("service: open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("service: ping database: %w", err)
		}
		c.DB = db
		logger.InfoContext(ctx, "postgres connected")
	}
	if cfg.RedisAddr != "" {
		c.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("service: ping redis: %w", err)
		}
		logger.InfoContext(ctx, "redis connected", "addr", cfg.RedisAddr)
	}

	mappings, err := LoadMappings(cfg.SourceMappingsFile)
	if err != nil {
		return nil, err
	}
	resolver := registry.NewStaticResolver(mappings)
	admission := registry.NewAdmission(resolver, registry.NewSourceRegistry(mappings), logger)

	var oracle freshness.StateSource
	if c.Redis != nil {
		oracle = freshness.NewRedisSource(c.Redis, "restore-control")
	} else {
		oracle = freshness.NewMemorySource()
	}
	c.Freshness = oracle
	reader := freshness.NewReader(oracle, time.Duration(cfg.StaleAfterSeconds)*time.Second)

	c.Plans = plan.NewService(c.store(contracts.StoreKeyPlanState), admission, reader, logger)
	if err := c.Plans.Hydrate(ctx); err != nil {
		return nil, err
	}
	c.Jobs = job.NewService(c.store(contracts.StoreKeyJobState), c.Plans, admission, scopelock.NewManager(), logger)
	if err := c.Jobs.Hydrate(ctx); err != nil {
		return nil, err
	}
	c.Executions = execution.NewService(c.store(contracts.StoreKeyExecutionState), c.Plans, c.Jobs, c.limits(), logger)
	if err := c.Executions.Hydrate(ctx); err != nil {
		return nil, err
	}

	signer, err := c.signer()
	if err != nil {
		return nil, err
	}
	bundles, err := archive.New(ctx, archive.Config{
		Backend:       cfg.ArchiveBackend,
		Bucket:        cfg.ArchiveBucket,
		Region:        cfg.ArchiveRegion,
		Endpoint:      cfg.ArchiveEndpoint,
		Prefix:        cfg.ArchivePrefix,
		RetentionDays: cfg.ArchiveRetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("service: archive backend: %w", err)
	}
	retention := contracts.ImmutableStorage{WormEnabled: cfg.WormEnabled, RetentionClass: cfg.RetentionClass}
	c.Evidence = evidence.NewService(c.store(contracts.StoreKeyEvidenceState), c.Plans, c.Jobs, c.Executions, signer, bundles, retention, logger)
	if err := c.Evidence.Hydrate(ctx); err != nil {
		return nil, err
	}

	var verifier *auth.Verifier
	if cfg.AuthSecret != "" {
		verifier, err = auth.NewVerifier([]byte(cfg.AuthSecret), cfg.AuthIssuer, cfg.AuthAudience)
		if err != nil {
			return nil, err
		}
	} else {
		logger.WarnContext(ctx, "AUTH_SECRET not set, all authenticated requests will be rejected")
	}

	var counter auth.CounterStore
	if cfg.RateLimitPerMinute > 0 {
		if c.Redis != nil {
			counter = auth.NewRedisCounter(c.Redis)
		} else {
			counter = auth.NewMemoryCounter()
		}
	}

	server := &api.Server{Plans: c.Plans, Jobs: c.Jobs, Executions: c.Executions, Evidence: c.Evidence}
	c.Tracker = observability.NewSLOTracker()

	inner := server.Handler(verifier, counter, auth.RateLimitPolicy{RequestsPerMinute: cfg.RateLimitPerMinute},
		api.NewIdempotencyStore(time.Duration(cfg.IdempotencyTTLSeconds)*time.Second))

	mux := http.NewServeMux()
	mux.Handle("/", inner)
	mux.HandleFunc("GET /internal/slo", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{"slos": c.Tracker.Statuses()})
	})
	c.Handler = observability.HTTPMiddleware(c.Tracker)(mux)

	return c, nil
}

// Close releases the container's connections.
func (c *Container) Close() error {
	var firstErr error
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadMappings reads the admitted source mappings. An empty path yields no
// mappings, which admits nothing.
func LoadMappings(path string) ([]contracts.SourceMapping, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("service: read source mappings: %w", err)
	}
	var mappings []contracts.SourceMapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("service: parse source mappings: %w", err)
	}
	return mappings, nil
}

func (c *Container) store(key string) snapshot.Store {
	if c.DB != nil {
		return snapshot.NewPostgresStore(c.DB, key)
	}
	return snapshot.NewMemoryStore(key)
}

func (c *Container) limits() execution.Limits {
	cfg := c.Config
	return execution.Limits{
		DefaultChunkSize:         cfg.DefaultChunkSize,
		MaxRows:                  cfg.MaxRows,
		ElevatedSkipRatioPercent: float64(cfg.ElevatedSkipRatioPercent),
		MediaMaxItems:            cfg.MediaMaxItems,
		MediaMaxBytes:            cfg.MediaMaxBytes,
		MaxChunksPerAttempt:      cfg.MaxChunksPerAttempt,
		MediaMaxRetryAttempts:    cfg.MediaMaxRetryAttempts,
	}
}

func (c *Container) signer() (*evidence.Signer, error) {
	cfg := c.Config
	if cfg.EvidenceSignerPrivatePEM != "" && cfg.EvidenceSignerPublicPEM != "" {
		return evidence.NewSigner(cfg.EvidenceSignerKeyID, cfg.EvidenceSignerPrivatePEM, cfg.EvidenceSignerPublicPEM)
	}
	// Ephemeral key: evidence signed by this process cannot be verified
	// after a restart. Acceptable for development only.
	c.Logger.Warn("evidence signer PEM not configured, generating ephemeral key", "key_id", cfg.EvidenceSignerKeyID)
	return evidence.GenerateSigner(cfg.EvidenceSignerKeyID)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
