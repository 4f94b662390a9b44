// Package freshness implements the restore index reader: per-partition
// watermarks with oracle-derived freshness. Caller-supplied freshness fields
// are never trusted; every returned watermark is recomputed against the
// request's measured_at.
package freshness

import (
	"context"
	"fmt"
	"time"

	"github.com/Rezilient-Labs/restore-control/core/pkg/canonicalize"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// DefaultStaleAfter is the inclusive freshness boundary: lag <= threshold
// is fresh, lag > threshold is stale.
const DefaultStaleAfter = 120 * time.Second

// StateSource is the consumed read contract of the freshness oracle's
// indexed state. Get returns nil when the partition has no stored record.
type StateSource interface {
	Get(ctx context.Context, tenantID, instanceID, source, topic string, partition int) (*contracts.Watermark, error)
	List(ctx context.Context, tenantID, instanceID, source string) ([]contracts.Watermark, error)
}

// Query names the partitions a gate decision must consult.
type Query struct {
	TenantID   string
	InstanceID string
	Source     string
	MeasuredAt string
	Partitions []contracts.PartitionRef
}

// Reader derives fresh/stale/unknown watermarks from the oracle state.
type Reader struct {
	source     StateSource
	staleAfter time.Duration
}

// NewReader wraps the state source. staleAfter <= 0 selects the default.
func NewReader(source StateSource, staleAfter time.Duration) *Reader {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reader{source: source, staleAfter: staleAfter}
}

// ReadWatermarksForPartitions returns one derived watermark per requested
// partition, in request order. Missing partitions yield a synthetic
// unknown/blocked record with a zero offset and measured_at as coverage.
func (r *Reader) ReadWatermarksForPartitions(ctx context.Context, q Query) ([]contracts.Watermark, error) {
	measuredAt, err := canonicalize.NormalizeISO(q.MeasuredAt)
	if err != nil {
		return nil, fmt.Errorf("freshness: bad measured_at: %w", err)
	}

	out := make([]contracts.Watermark, 0, len(q.Partitions))
	for _, p := range q.Partitions {
		stored, err := r.source.Get(ctx, q.TenantID, q.InstanceID, q.Source, p.Topic, p.Partition)
		if err != nil {
			return nil, fmt.Errorf("freshness: read %s/%d: %w", p.Topic, p.Partition, err)
		}
		if stored == nil {
			out = append(out, syntheticUnknown(q, p, measuredAt))
			continue
		}
		out = append(out, r.derive(*stored, measuredAt))
	}
	return out, nil
}

// ListWatermarksForSource enumerates every stored partition for the source,
// rederived against measuredAt.
func (r *Reader) ListWatermarksForSource(ctx context.Context, tenantID, instanceID, source, measuredAt string) ([]contracts.Watermark, error) {
	normalized, err := canonicalize.NormalizeISO(measuredAt)
	if err != nil {
		return nil, fmt.Errorf("freshness: bad measured_at: %w", err)
	}
	stored, err := r.source.List(ctx, tenantID, instanceID, source)
	if err != nil {
		return nil, fmt.Errorf("freshness: list %s: %w", source, err)
	}
	out := make([]contracts.Watermark, 0, len(stored))
	for _, w := range stored {
		out = append(out, r.derive(w, normalized))
	}
	return out, nil
}

// derive recomputes the freshness triple, discarding whatever the stored or
// caller-supplied record claimed.
func (r *Reader) derive(w contracts.Watermark, measuredAt string) contracts.Watermark {
	w.MeasuredAt = measuredAt

	if offset, err := canonicalize.CanonicalOffsetDecimal(w.IndexedThroughOffset); err == nil {
		w.IndexedThroughOffset = offset
	}

	indexed, err := canonicalize.ParseISO(w.IndexedThroughTime)
	if err != nil {
		w.Freshness = contracts.FreshnessUnknown
		w.Executability = contracts.ExecutabilityBlocked
		w.ReasonCode = contracts.ReasonBlockedFreshnessUnknown
		return w
	}
	measured, err := canonicalize.ParseISO(measuredAt)
	if err != nil {
		w.Freshness = contracts.FreshnessUnknown
		w.Executability = contracts.ExecutabilityBlocked
		w.ReasonCode = contracts.ReasonBlockedFreshnessUnknown
		return w
	}

	if lag := measured.Sub(indexed); lag > r.staleAfter {
		w.Freshness = contracts.FreshnessStale
		w.Executability = contracts.ExecutabilityPreviewOnly
		w.ReasonCode = contracts.ReasonBlockedFreshnessStale
		return w
	}
	w.Freshness = contracts.FreshnessFresh
	w.Executability = contracts.ExecutabilityExecutable
	w.ReasonCode = contracts.ReasonNone
	return w
}

func syntheticUnknown(q Query, p contracts.PartitionRef, measuredAt string) contracts.Watermark {
	return contracts.Watermark{
		TenantID:             q.TenantID,
		InstanceID:           q.InstanceID,
		Source:               q.Source,
		Topic:                p.Topic,
		Partition:            p.Partition,
		IndexedThroughOffset: "0",
		CoverageStart:        measuredAt,
		CoverageEnd:          measuredAt,
		MeasuredAt:           measuredAt,
		Freshness:            contracts.FreshnessUnknown,
		Executability:        contracts.ExecutabilityBlocked,
		ReasonCode:           contracts.ReasonBlockedFreshnessUnknown,
	}
}
