package freshness

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// RedisSource reads the oracle's indexed state out of Redis: one hash per
// (tenant, instance, source), one field per (topic, partition). Ingestion
// into that hash is owned by the oracle; this side only reads, except for
// Put which backfills in tests and ops tooling.
type RedisSource struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisSource wraps an existing client. keyPrefix defaults to "rcs".
func NewRedisSource(client *redis.Client, keyPrefix string) *RedisSource {
	if keyPrefix == "" {
		keyPrefix = "rcs"
	}
	return &RedisSource{client: client, keyPrefix: keyPrefix}
}

func (s *RedisSource) hashKey(tenantID, instanceID, source string) string {
	return fmt.Sprintf("%s:wm:%s:%s:%s", s.keyPrefix, tenantID, instanceID, source)
}

func fieldKey(topic string, partition int) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}

// Put writes a watermark record into the hash.
func (s *RedisSource) Put(ctx context.Context, w contracts.Watermark) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("freshness: encode watermark: %w", err)
	}
	key := s.hashKey(w.TenantID, w.InstanceID, w.Source)
	if err := s.client.HSet(ctx, key, fieldKey(w.Topic, w.Partition), payload).Err(); err != nil {
		return fmt.Errorf("freshness: redis hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisSource) Get(ctx context.Context, tenantID, instanceID, source, topic string, partition int) (*contracts.Watermark, error) {
	key := s.hashKey(tenantID, instanceID, source)
	raw, err := s.client.HGet(ctx, key, fieldKey(topic, partition)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("freshness: redis hget %s: %w", key, err)
	}
	var w contracts.Watermark
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("freshness: decode watermark %s: %w", key, err)
	}
	return &w, nil
}

func (s *RedisSource) List(ctx context.Context, tenantID, instanceID, source string) ([]contracts.Watermark, error) {
	key := s.hashKey(tenantID, instanceID, source)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("freshness: redis hgetall %s: %w", key, err)
	}
	out := make([]contracts.Watermark, 0, len(fields))
	for _, raw := range fields {
		var w contracts.Watermark
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("freshness: decode watermark %s: %w", key, err)
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}
