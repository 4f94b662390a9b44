package registry

import (
	"context"
	"log/slog"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// Admission applies the effective canonical source policy: the live
// resolver is authoritative when configured, the static registry is the
// fallback only when it is not, and a resolver outage denies the request
// rather than degrading to the fallback.
type Admission struct {
	resolver MappingResolver
	registry *SourceRegistry
	logger   *slog.Logger
}

// NewAdmission wires the policy. resolver may be nil (registry-only mode).
func NewAdmission(resolver MappingResolver, reg *SourceRegistry, logger *slog.Logger) *Admission {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{resolver: resolver, registry: reg, logger: logger}
}

// EffectiveSource admits or denies the (claims, requested source) pair and
// returns the canonical source on admission.
func (a *Admission) EffectiveSource(ctx context.Context, claims contracts.Claims, requestSource string) (string, *contracts.Fault) {
	if a.resolver == nil {
		if a.registry != nil && a.registry.Contains(claims.TenantID, claims.InstanceID, requestSource) {
			return requestSource, nil
		}
		return "", contracts.Forbidden(contracts.ReasonBlockedUnknownSourceMapping,
			"no source mapping registered for tenant %s instance %s", claims.TenantID, claims.InstanceID)
	}

	result, err := a.resolver.ResolveSourceMapping(ctx, ResolveRequest{
		TenantID:     claims.TenantID,
		InstanceID:   claims.InstanceID,
		ServiceScope: claims.ServiceScope,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "mapping resolver call failed",
			"tenant_id", claims.TenantID, "instance_id", claims.InstanceID, "error", err)
		return "", contracts.DependencyOutage("auth_control_plane",
			contracts.ReasonBlockedAuthControlPlaneOutage,
			"source mapping resolution unavailable: %v", err)
	}

	switch result.Outcome {
	case OutcomeFound:
		if !result.ServiceAllowed {
			return "", contracts.Forbidden(contracts.ReasonBlockedUnknownSourceMapping,
				"service scope %s is not entitled for tenant %s", claims.ServiceScope, claims.TenantID)
		}
		if result.Mapping.Source != requestSource {
			return "", contracts.Forbidden(contracts.ReasonBlockedUnknownSourceMapping,
				"request source does not match canonical mapping for tenant %s", claims.TenantID)
		}
		return result.CanonicalSource, nil

	case OutcomeOutage:
		return "", contracts.DependencyOutage("auth_control_plane",
			contracts.ReasonBlockedAuthControlPlaneOutage,
			"auth control plane outage: %s", result.Message)

	default:
		// A configured resolver is authoritative; the static registry may
		// not resurrect a mapping the control plane does not know.
		return "", contracts.Forbidden(contracts.ReasonBlockedUnknownSourceMapping,
			"unknown source mapping for tenant %s instance %s", claims.TenantID, claims.InstanceID)
	}
}

// StaticResolver is a deterministic MappingResolver backed by a mapping
// list, with a switchable outage mode. Used by tests and by deployments
// that pin their control-plane snapshot.
type StaticResolver struct {
	registry *SourceRegistry
	outage   bool
	message  string
}

// NewStaticResolver builds a resolver over the given mappings.
func NewStaticResolver(mappings []contracts.SourceMapping) *StaticResolver {
	return &StaticResolver{registry: NewSourceRegistry(mappings)}
}

// SetOutage toggles outage mode.
func (r *StaticResolver) SetOutage(outage bool, message string) {
	r.outage = outage
	r.message = message
}

func (r *StaticResolver) ResolveSourceMapping(_ context.Context, req ResolveRequest) (ResolveResult, error) {
	if r.outage {
		return ResolveResult{Outcome: OutcomeOutage, Message: r.message}, nil
	}
	m, ok := r.registry.Lookup(req.TenantID, req.InstanceID)
	if !ok {
		return ResolveResult{Outcome: OutcomeNotFound}, nil
	}
	allowed := false
	for _, svc := range m.AllowedServices {
		if svc == req.ServiceScope {
			allowed = true
			break
		}
	}
	return ResolveResult{
		Outcome:         OutcomeFound,
		Mapping:         m,
		ServiceAllowed:  allowed,
		CanonicalSource: m.Source,
	}, nil
}
