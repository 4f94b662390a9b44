// Package registry joins the statically configured source mapping list with
// the live Auth Control Plane resolver and applies the effective canonical
// source admission policy used on every plan and job admission.
package registry

import (
	"context"
	"sync"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// SourceRegistry holds the statically configured (tenant, instance, source)
// tuples. It is the fallback authority when no resolver is configured.
type SourceRegistry struct {
	mu       sync.RWMutex
	mappings map[registryKey]contracts.SourceMapping
}

type registryKey struct {
	tenantID   string
	instanceID string
}

// NewSourceRegistry builds a registry from the configured mapping list.
func NewSourceRegistry(mappings []contracts.SourceMapping) *SourceRegistry {
	r := &SourceRegistry{mappings: make(map[registryKey]contracts.SourceMapping, len(mappings))}
	for _, m := range mappings {
		r.mappings[registryKey{m.TenantID, m.InstanceID}] = m
	}
	return r
}

// Lookup returns the static mapping for (tenant, instance).
func (r *SourceRegistry) Lookup(tenantID, instanceID string) (contracts.SourceMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[registryKey{tenantID, instanceID}]
	return m, ok
}

// Contains reports whether the exact tuple is registered.
func (r *SourceRegistry) Contains(tenantID, instanceID, source string) bool {
	m, ok := r.Lookup(tenantID, instanceID)
	return ok && m.Source == source
}

// ResolveOutcome classifies a resolver response.
type ResolveOutcome string

const (
	OutcomeFound    ResolveOutcome = "found"
	OutcomeNotFound ResolveOutcome = "not_found"
	OutcomeOutage   ResolveOutcome = "outage"
)

// ResolveRequest asks the Auth Control Plane for the canonical mapping.
type ResolveRequest struct {
	TenantID     string
	InstanceID   string
	ServiceScope string
}

// ResolveResult is the resolver's verdict. CanonicalSource is meaningful
// only when Outcome is found.
type ResolveResult struct {
	Outcome         ResolveOutcome
	Mapping         contracts.SourceMapping
	ServiceAllowed  bool
	CanonicalSource string
	Message         string
}

// MappingResolver is the consumed Auth Control Plane contract.
type MappingResolver interface {
	ResolveSourceMapping(ctx context.Context, req ResolveRequest) (ResolveResult, error)
}
