package freshness

import (
	"context"
	"sort"
	"sync"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// MemorySource is the in-process StateSource used by tests and by
// deployments whose oracle pushes watermarks over the ops surface.
type MemorySource struct {
	mu      sync.RWMutex
	records map[sourceKey]map[partitionKey]contracts.Watermark
}

type sourceKey struct {
	tenantID   string
	instanceID string
	source     string
}

type partitionKey struct {
	topic     string
	partition int
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{records: make(map[sourceKey]map[partitionKey]contracts.Watermark)}
}

// Put stores or replaces a partition's watermark record.
func (s *MemorySource) Put(w contracts.Watermark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := sourceKey{w.TenantID, w.InstanceID, w.Source}
	if s.records[sk] == nil {
		s.records[sk] = make(map[partitionKey]contracts.Watermark)
	}
	s.records[sk][partitionKey{w.Topic, w.Partition}] = w
}

func (s *MemorySource) Get(_ context.Context, tenantID, instanceID, source, topic string, partition int) (*contracts.Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	partitions, ok := s.records[sourceKey{tenantID, instanceID, source}]
	if !ok {
		return nil, nil
	}
	w, ok := partitions[partitionKey{topic, partition}]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *MemorySource) List(_ context.Context, tenantID, instanceID, source string) ([]contracts.Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	partitions := s.records[sourceKey{tenantID, instanceID, source}]
	out := make([]contracts.Watermark, 0, len(partitions))
	for _, w := range partitions {
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
