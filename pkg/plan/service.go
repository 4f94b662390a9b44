// Package plan implements dry-run plan creation: admission against the
// source mapping, canonical plan-hash computation, and the executability
// gate derived from oracle watermarks and unresolved candidates.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rezilient-Labs/restore-control/core/pkg/canonicalize"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/freshness"
	"github.com/Rezilient-Labs/restore-control/core/pkg/registry"
	"github.com/Rezilient-Labs/restore-control/core/pkg/snapshot"
)

// State is the persisted projection of every plan, one entry per scoped
// plan key. Stored as a single JSON object under the plan_state store key.
type State struct {
	Plans map[string]contracts.DryRunPlan `json:"plans"`
}

// Service creates and serves immutable dry-run plans.
type Service struct {
	store     snapshot.Store
	admission *registry.Admission
	reader    *freshness.Reader
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]contracts.DryRunPlan
}

// NewService wires the plan service. The cache starts empty; call Hydrate
// before serving reads.
func NewService(store snapshot.Store, admission *registry.Admission, reader *freshness.Reader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		admission: admission,
		reader:    reader,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[string]contracts.DryRunPlan),
	}
}

// WithClock overrides the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Hydrate loads the persisted plan state into the read cache.
func (s *Service) Hydrate(ctx context.Context) error {
	state, _, err := snapshot.Load[State](ctx, s.store)
	if err != nil {
		return fmt.Errorf("plan: hydrate: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]contracts.DryRunPlan, len(state.Plans))
	for k, p := range state.Plans {
		s.cache[k] = p
	}
	return nil
}

func planKey(tenantID, instanceID, source, planID string) string {
	return strings.Join([]string{tenantID, instanceID, source, planID}, "|")
}

// CreateDryRunPlan validates and admits the request, computes the canonical
// plan hash, derives the gate, and persists the immutable plan.
func (s *Service) CreateDryRunPlan(ctx context.Context, req contracts.CreateDryRunPlanRequest, claims contracts.Claims) (contracts.DryRunPlan, *contracts.Fault) {
	raw, err := json.Marshal(req)
	if err != nil {
		return contracts.DryRunPlan{}, contracts.Internal("encode plan request: %v", err)
	}
	if err := validateCreatePlanShape(raw); err != nil {
		return contracts.DryRunPlan{}, contracts.InvalidRequest("plan request schema: %v", err)
	}
	if !claims.MatchesScope(req.TenantID, req.InstanceID, req.Source) {
		return contracts.DryRunPlan{}, contracts.InvalidRequest(
			"claim triple does not match request scope for plan %s", req.PlanID)
	}
	source, fault := s.admission.EffectiveSource(ctx, claims, req.Source)
	if fault != nil {
		return contracts.DryRunPlan{}, fault
	}

	if fault := validateRequestIdentifiers(req); fault != nil {
		return contracts.DryRunPlan{}, fault
	}

	normalized, fault := normalizeRequest(req)
	if fault != nil {
		return contracts.DryRunPlan{}, fault
	}

	hashInput, err := buildPlanHashInput(normalized)
	if err != nil {
		return contracts.DryRunPlan{}, contracts.Internal("build plan hash input: %v", err)
	}
	canonicalInput, err := canonicalize.CanonicalJSON(hashInput)
	if err != nil {
		return contracts.DryRunPlan{}, contracts.Internal("canonicalize plan hash input: %v", err)
	}
	planHash := canonicalize.SHA256Hex([]byte(canonicalInput))

	measuredAt := canonicalize.FormatISO(s.now())
	watermarks, fault := s.gateWatermarks(ctx, normalized, source, measuredAt)
	if fault != nil {
		return contracts.DryRunPlan{}, fault
	}
	gate := deriveGate(normalized, watermarks)

	p := contracts.DryRunPlan{
		PlanID:           normalized.PlanID,
		TenantID:         normalized.TenantID,
		InstanceID:       normalized.InstanceID,
		Source:           source,
		PlanHash:         planHash,
		PlanHashInput:    json.RawMessage(canonicalInput),
		Pit:              normalized.Pit,
		Scope:            normalized.Scope,
		ExecutionOptions: normalized.ExecutionOptions,
		Rows:             normalized.Rows,
		Conflicts:        normalized.Conflicts,
		DeleteCandidates: normalized.DeleteCandidates,
		MediaCandidates:  normalized.MediaCandidates,
		PitResolutions:   resolvePit(normalized),
		Watermarks:       watermarks,
		Gate:             gate,
		GeneratedAt:      measuredAt,
		RequestedBy:      normalized.RequestedBy,
	}

	key := planKey(p.TenantID, p.InstanceID, p.Source, p.PlanID)
	err = snapshot.Update(ctx, s.store, func(state *State) error {
		if state.Plans == nil {
			state.Plans = make(map[string]contracts.DryRunPlan)
		}
		if _, exists := state.Plans[key]; exists {
			return contracts.StateConflict("", "plan %s already exists for this scope", p.PlanID)
		}
		state.Plans[key] = p
		return nil
	})
	if err != nil {
		return contracts.DryRunPlan{}, contracts.AsFault(err)
	}

	s.mu.Lock()
	s.cache[key] = p
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "dry-run plan created",
		"tenant_id", p.TenantID, "instance_id", p.InstanceID, "plan_id", p.PlanID,
		"plan_hash", p.PlanHash, "rows", len(p.Rows),
		"executability", p.Gate.Executability, "reason_code", p.Gate.ReasonCode)
	return p, nil
}

// GetPlan returns the plan when it exists and its triple matches the claims;
// a scoped-out plan is indistinguishable from an absent one.
func (s *Service) GetPlan(_ context.Context, planID string, claims contracts.Claims) (contracts.DryRunPlan, *contracts.Fault) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.cache[planKey(claims.TenantID, claims.InstanceID, claims.Source, planID)]
	if !ok {
		return contracts.DryRunPlan{}, contracts.NotFound("plan %s not found", planID)
	}
	return p, nil
}

// ListPlans returns every plan visible to the claims, ordered by plan_id.
func (s *Service) ListPlans(_ context.Context, claims contracts.Claims) []contracts.DryRunPlan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.DryRunPlan
	for _, p := range s.cache {
		if claims.MatchesScope(p.TenantID, p.InstanceID, p.Source) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out
}

func validateRequestIdentifiers(req contracts.CreateDryRunPlanRequest) *contracts.Fault {
	rowIDs := make(map[string]struct{}, len(req.Rows))
	for _, r := range req.Rows {
		if _, dup := rowIDs[r.RowID]; dup {
			return contracts.InvalidRequest("duplicate row_id %s", r.RowID)
		}
		rowIDs[r.RowID] = struct{}{}
	}
	for _, c := range req.Conflicts {
		if _, ok := rowIDs[c.RowID]; !ok {
			return contracts.InvalidRequest("conflict %s references unknown row_id %s", c.ConflictID, c.RowID)
		}
	}
	seen := map[string]struct{}{}
	checkCandidate := func(kind, id string) *contracts.Fault {
		key := kind + "|" + id
		if _, dup := seen[key]; dup {
			return contracts.InvalidRequest("duplicate %s candidate_id %s", kind, id)
		}
		seen[key] = struct{}{}
		return nil
	}
	for _, d := range req.DeleteCandidates {
		if f := checkCandidate("delete", d.CandidateID); f != nil {
			return f
		}
	}
	for _, m := range req.MediaCandidates {
		if f := checkCandidate("media", m.CandidateID); f != nil {
			return f
		}
	}
	for _, p := range req.PitCandidates {
		if f := checkCandidate("pit", p.CandidateID); f != nil {
			return f
		}
	}
	conflictIDs := map[string]struct{}{}
	for _, c := range req.Conflicts {
		if _, dup := conflictIDs[c.ConflictID]; dup {
			return contracts.InvalidRequest("duplicate conflict_id %s", c.ConflictID)
		}
		conflictIDs[c.ConflictID] = struct{}{}
	}
	return nil
}

// normalizeRequest canonicalizes everything the plan hash depends on: rows
// sorted by row_id, candidate lists sorted by id, timestamps in canonical
// ISO form, execution options folded to lower case.
func normalizeRequest(req contracts.CreateDryRunPlanRequest) (contracts.CreateDryRunPlanRequest, *contracts.Fault) {
	out := req

	restoreTime, err := canonicalize.NormalizeISO(req.Pit.RestoreTime)
	if err != nil {
		return out, contracts.InvalidRequest("pit.restore_time: %v", err)
	}
	out.Pit.RestoreTime = restoreTime

	out.ExecutionOptions = contracts.ExecutionOptions{
		MissingRowMode:          normalizeOption(req.ExecutionOptions.MissingRowMode),
		ConflictPolicy:          normalizeOption(req.ExecutionOptions.ConflictPolicy),
		SchemaCompatibilityMode: normalizeOption(req.ExecutionOptions.SchemaCompatibilityMode),
		WorkflowMode:            normalizeOption(req.ExecutionOptions.WorkflowMode),
	}

	out.Rows = append([]contracts.PlanRow(nil), req.Rows...)
	sort.Slice(out.Rows, func(i, j int) bool { return out.Rows[i].RowID < out.Rows[j].RowID })

	out.Scope.Tables = append([]string(nil), req.Scope.Tables...)
	sort.Strings(out.Scope.Tables)

	out.Conflicts = append([]contracts.Conflict(nil), req.Conflicts...)
	for i := range out.Conflicts {
		out.Conflicts[i].Class = contracts.NormalizeConflictClass(out.Conflicts[i].Class)
	}
	sort.Slice(out.Conflicts, func(i, j int) bool { return out.Conflicts[i].ConflictID < out.Conflicts[j].ConflictID })

	out.DeleteCandidates = append([]contracts.DeleteCandidate(nil), req.DeleteCandidates...)
	sort.Slice(out.DeleteCandidates, func(i, j int) bool {
		return out.DeleteCandidates[i].CandidateID < out.DeleteCandidates[j].CandidateID
	})

	out.MediaCandidates = append([]contracts.MediaCandidate(nil), req.MediaCandidates...)
	sort.Slice(out.MediaCandidates, func(i, j int) bool {
		return out.MediaCandidates[i].CandidateID < out.MediaCandidates[j].CandidateID
	})

	out.PitCandidates = append([]contracts.PitCandidate(nil), req.PitCandidates...)
	for i := range out.PitCandidates {
		t, err := canonicalize.NormalizeISO(out.PitCandidates[i].CandidateTime)
		if err != nil {
			return out, contracts.InvalidRequest("pit_candidates[%s].candidate_time: %v", out.PitCandidates[i].CandidateID, err)
		}
		out.PitCandidates[i].CandidateTime = t
	}
	sort.Slice(out.PitCandidates, func(i, j int) bool {
		return out.PitCandidates[i].CandidateID < out.PitCandidates[j].CandidateID
	})

	return out, nil
}

func normalizeOption(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// planHashInput is the exact value hashed into plan_hash: the sorted row set
// plus normalized scope, pit, options, conflicts and candidates. Watermarks
// and operator identity are excluded so the hash reflects restore content
// only.
type planHashInput struct {
	TenantID         string                       `json:"tenant_id"`
	InstanceID       string                       `json:"instance_id"`
	Source           string                       `json:"source"`
	PlanID           string                       `json:"plan_id"`
	Pit              contracts.Pit                `json:"pit"`
	Scope            contracts.Scope              `json:"scope"`
	ExecutionOptions contracts.ExecutionOptions   `json:"execution_options"`
	Rows             []contracts.PlanRow          `json:"rows"`
	Conflicts        []contracts.Conflict         `json:"conflicts"`
	DeleteCandidates []contracts.DeleteCandidate  `json:"delete_candidates"`
	MediaCandidates  []contracts.MediaCandidate   `json:"media_candidates"`
	PitCandidates    []contracts.PitCandidate     `json:"pit_candidates"`
}

func buildPlanHashInput(req contracts.CreateDryRunPlanRequest) (planHashInput, error) {
	return planHashInput{
		TenantID:         req.TenantID,
		InstanceID:       req.InstanceID,
		Source:           req.Source,
		PlanID:           req.PlanID,
		Pit:              req.Pit,
		Scope:            req.Scope,
		ExecutionOptions: req.ExecutionOptions,
		Rows:             req.Rows,
		Conflicts:        req.Conflicts,
		DeleteCandidates: req.DeleteCandidates,
		MediaCandidates:  req.MediaCandidates,
		PitCandidates:    req.PitCandidates,
	}, nil
}

// gateWatermarks fetches authoritative watermarks for every distinct
// partition the plan touches: one per row table plus every caller-supplied
// watermark partition. Caller-supplied freshness fields never survive.
func (s *Service) gateWatermarks(ctx context.Context, req contracts.CreateDryRunPlanRequest, source, measuredAt string) ([]contracts.Watermark, *contracts.Fault) {
	partitions := map[contracts.PartitionRef]struct{}{}
	for _, r := range req.Rows {
		partitions[contracts.PartitionRef{Topic: topicForTable(r.Table), Partition: 0}] = struct{}{}
	}
	for _, w := range req.Watermarks {
		partitions[contracts.PartitionRef{Topic: w.Topic, Partition: w.Partition}] = struct{}{}
	}

	refs := make([]contracts.PartitionRef, 0, len(partitions))
	for p := range partitions {
		refs = append(refs, p)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Topic != refs[j].Topic {
			return refs[i].Topic < refs[j].Topic
		}
		return refs[i].Partition < refs[j].Partition
	})

	watermarks, err := s.reader.ReadWatermarksForPartitions(ctx, freshness.Query{
		TenantID:   req.TenantID,
		InstanceID: req.InstanceID,
		Source:     source,
		MeasuredAt: measuredAt,
		Partitions: refs,
	})
	if err != nil {
		return nil, contracts.Internal("read watermarks: %v", err)
	}
	return watermarks, nil
}

// topicForTable maps a plan table onto its change-stream topic.
func topicForTable(table string) string {
	return "cdc." + table
}

// deriveGate applies the gate policy in priority order.
func deriveGate(req contracts.CreateDryRunPlanRequest, watermarks []contracts.Watermark) contracts.Gate {
	for _, w := range watermarks {
		if w.Freshness == contracts.FreshnessUnknown {
			return contracts.Gate{Executability: contracts.ExecutabilityBlocked, ReasonCode: contracts.ReasonBlockedFreshnessUnknown}
		}
	}
	for _, w := range watermarks {
		if w.Freshness == contracts.FreshnessStale {
			return contracts.Gate{Executability: contracts.ExecutabilityPreviewOnly, ReasonCode: contracts.ReasonBlockedFreshnessStale}
		}
	}
	for _, d := range req.DeleteCandidates {
		if d.Decision == "" {
			return contracts.Gate{Executability: contracts.ExecutabilityBlocked, ReasonCode: contracts.ReasonBlockedUnresolvedDeleteCandidates}
		}
	}
	for _, m := range req.MediaCandidates {
		if m.Decision == "" {
			return contracts.Gate{Executability: contracts.ExecutabilityBlocked, ReasonCode: contracts.ReasonBlockedUnresolvedMediaCandidates}
		}
	}
	for _, c := range req.Conflicts {
		if contracts.NormalizeConflictClass(c.Class) == contracts.ConflictClassReference {
			return contracts.Gate{Executability: contracts.ExecutabilityBlocked, ReasonCode: contracts.ReasonBlockedReferenceConflict}
		}
		if c.Resolution == contracts.ResolutionAbortAndReplan {
			return contracts.Gate{Executability: contracts.ExecutabilityBlocked, ReasonCode: conflictGateReason(c.Class)}
		}
	}
	return contracts.Gate{Executability: contracts.ExecutabilityExecutable, ReasonCode: contracts.ReasonNone}
}

// conflictGateReason maps a conflict class onto its blocking reason code.
func conflictGateReason(class contracts.ConflictClass) contracts.ReasonCode {
	switch contracts.NormalizeConflictClass(class) {
	case contracts.ConflictClassReference:
		return contracts.ReasonBlockedReferenceConflict
	case contracts.ConflictClassSchema:
		return contracts.ReasonFailedSchemaConflict
	case contracts.ConflictClassPermission:
		return contracts.ReasonFailedPermissionConflict
	default:
		return contracts.ReasonBlockedReferenceConflict
	}
}

// resolvePit selects one resolved time per row from the caller's pit
// candidates, preferring the latest candidate_time at or before the restore
// point; ties fall to the first configured tie breaker.
func resolvePit(req contracts.CreateDryRunPlanRequest) []contracts.PitResolution {
	byRow := map[string][]contracts.PitCandidate{}
	for _, c := range req.PitCandidates {
		byRow[c.RowID] = append(byRow[c.RowID], c)
	}
	rowIDs := make([]string, 0, len(byRow))
	for id := range byRow {
		rowIDs = append(rowIDs, id)
	}
	sort.Strings(rowIDs)

	tieBreaker := ""
	if len(req.Pit.TieBreaker) > 0 {
		tieBreaker = req.Pit.TieBreaker[0]
	}

	out := make([]contracts.PitResolution, 0, len(rowIDs))
	for _, rowID := range rowIDs {
		candidates := byRow[rowID]
		best := candidates[0]
		tied := false
		for _, c := range candidates[1:] {
			switch {
			case c.CandidateTime > best.CandidateTime && c.CandidateTime <= req.Pit.RestoreTime:
				best, tied = c, false
			case c.CandidateTime == best.CandidateTime:
				tied = true
			}
		}
		res := contracts.PitResolution{RowID: rowID, ResolvedTime: best.CandidateTime}
		if tied {
			res.TieBreakerUsed = tieBreaker
		}
		out = append(out, res)
	}
	return out
}
