// Package job owns the restore job lifecycle: admission against an
// executable plan, the scope-lock handshake, the state machine across
// queued, running, paused and terminal states, and the append-only event
// log with its cross-service audit projection.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rezilient-Labs/restore-control/core/pkg/canonicalize"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/registry"
	"github.com/Rezilient-Labs/restore-control/core/pkg/scopelock"
	"github.com/Rezilient-Labs/restore-control/core/pkg/snapshot"
)

// PlanReader is the slice of the plan service jobs depend on.
type PlanReader interface {
	GetPlan(ctx context.Context, planID string, claims contracts.Claims) (contracts.DryRunPlan, *contracts.Fault)
}

// State is the persisted job projection: every job plus the ordered event
// log, stored as one JSON object under the job_state store key.
type State struct {
	Jobs   map[string]contracts.Job `json:"jobs"`
	Events []contracts.JobEvent     `json:"events"`
}

// Service runs the job lifecycle.
type Service struct {
	store     snapshot.Store
	plans     PlanReader
	admission *registry.Admission
	locks     *scopelock.Manager
	logger    *slog.Logger
	now       func() time.Time
	salt      func() string

	mu    sync.RWMutex
	cache map[string]contracts.Job
}

// NewService wires the job service. Call Hydrate before serving reads.
func NewService(store snapshot.Store, plans PlanReader, admission *registry.Admission, locks *scopelock.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		plans:     plans,
		admission: admission,
		locks:     locks,
		logger:    logger,
		now:       time.Now,
		salt:      uuid.NewString,
		cache:     make(map[string]contracts.Job),
	}
}

// WithClock overrides the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSalt overrides the job-id salt generator.
func (s *Service) WithSalt(salt func() string) *Service {
	s.salt = salt
	return s
}

// Hydrate loads persisted jobs into the read cache and re-seats lock state
// for every non-terminal job so a restart preserves running and queued
// scopes in their original admission order.
func (s *Service) Hydrate(ctx context.Context) error {
	state, _, err := snapshot.Load[State](ctx, s.store)
	if err != nil {
		return fmt.Errorf("job: hydrate: %w", err)
	}
	s.mu.Lock()
	s.cache = make(map[string]contracts.Job, len(state.Jobs))
	for id, j := range state.Jobs {
		s.cache[id] = j
	}
	s.mu.Unlock()

	live := make([]contracts.Job, 0, len(state.Jobs))
	for _, j := range state.Jobs {
		if !j.Status.Terminal() {
			live = append(live, j)
		}
	}
	// Running and paused jobs re-acquire first; queued jobs follow in their
	// recorded queue order.
	sort.Slice(live, func(i, j int) bool {
		qi, qj := live[i].Status == contracts.JobStatusQueued, live[j].Status == contracts.JobStatusQueued
		if qi != qj {
			return !qi
		}
		if qi {
			return live[i].QueuePosition < live[j].QueuePosition
		}
		return live[i].RequestedAt < live[j].RequestedAt
	})
	for _, j := range live {
		s.locks.Acquire(scopelock.Request{
			TenantID:   j.TenantID,
			InstanceID: j.InstanceID,
			JobID:      j.JobID,
			Tables:     j.LockScopeTables,
		})
	}
	return nil
}

// NewJobID derives a job id from the scope triple, the plan and a random
// salt.
func NewJobID(tenantID, instanceID, planID, salt string) string {
	sum := canonicalize.SHA256Hex([]byte(strings.Join([]string{tenantID, instanceID, planID, salt}, "|")))
	return "job_" + sum[:24]
}

// CreateJob admits a job against an existing executable plan, acquires the
// scope lock, and persists the job as running or queued.
func (s *Service) CreateJob(ctx context.Context, req contracts.CreateJobRequest, claims contracts.Claims) (contracts.Job, *contracts.Fault) {
	if req.PlanID == "" || req.PlanHash == "" || req.RequestedBy == "" {
		return contracts.Job{}, contracts.InvalidRequest("plan_id, plan_hash and requested_by are required")
	}
	if !claims.MatchesScope(req.TenantID, req.InstanceID, req.Source) {
		return contracts.Job{}, contracts.InvalidRequest(
			"claim triple does not match request scope for plan %s", req.PlanID)
	}
	source, fault := s.admission.EffectiveSource(ctx, claims, req.Source)
	if fault != nil {
		return contracts.Job{}, fault
	}

	p, fault := s.plans.GetPlan(ctx, req.PlanID, claims)
	if fault != nil {
		return contracts.Job{}, fault
	}
	if p.PlanHash != req.PlanHash {
		return contracts.Job{}, contracts.StateConflict(contracts.ReasonBlockedPlanHashMismatch,
			"plan %s hash does not match the submitted plan_hash", req.PlanID)
	}
	if p.Gate.Executability != contracts.ExecutabilityExecutable {
		return contracts.Job{}, contracts.StateConflict(p.Gate.ReasonCode,
			"plan %s gate is %s", req.PlanID, p.Gate.Executability)
	}

	tables := req.LockScopeTables
	if len(tables) == 0 {
		tables = p.Scope.Tables
	}

	jobID := NewJobID(req.TenantID, req.InstanceID, req.PlanID, s.salt())
	now := canonicalize.FormatISO(s.now())

	decision := s.locks.Acquire(scopelock.Request{
		TenantID:   req.TenantID,
		InstanceID: req.InstanceID,
		JobID:      jobID,
		Tables:     tables,
	})

	j := contracts.Job{
		JobID:                jobID,
		TenantID:             req.TenantID,
		InstanceID:           req.InstanceID,
		Source:               source,
		PlanID:               req.PlanID,
		PlanHash:             req.PlanHash,
		StatusReasonCode:     contracts.ReasonNone,
		RequiredCapabilities: req.RequiredCapabilities,
		LockScopeTables:      tables,
		RequestedBy:          req.RequestedBy,
		RequestedAt:          now,
	}
	events := []contracts.JobEvent{s.event(jobID, contracts.PhasePlan, "job_created", "accepted", contracts.ReasonNone, now)}
	if decision.Status == scopelock.StatusRunning {
		j.Status = contracts.JobStatusRunning
		j.StartedAt = now
	} else {
		j.Status = contracts.JobStatusQueued
		j.WaitReasonCode = decision.ReasonCode
		j.QueuePosition = decision.QueuePosition
		events = append(events, s.event(jobID, contracts.PhaseExecute, "queued_for_lock", "queued", decision.ReasonCode, now))
	}

	if fault := s.persist(ctx, j, events...); fault != nil {
		// Admission failed at the store; do not strand the lock.
		s.locks.Release(req.TenantID, req.InstanceID, jobID)
		return contracts.Job{}, fault
	}

	s.logger.InfoContext(ctx, "job created",
		"job_id", jobID, "plan_id", req.PlanID, "tenant_id", req.TenantID,
		"status", j.Status, "queue_position", j.QueuePosition)
	return j, nil
}

// GetJob returns the job when its triple matches the claims.
func (s *Service) GetJob(_ context.Context, jobID string, claims contracts.Claims) (contracts.Job, *contracts.Fault) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.cache[jobID]
	if !ok || !claims.MatchesScope(j.TenantID, j.InstanceID, j.Source) {
		return contracts.Job{}, contracts.NotFound("job %s not found", jobID)
	}
	return j, nil
}

// ListJobs returns every job visible to the claims, ordered by request time
// then id.
func (s *Service) ListJobs(_ context.Context, claims contracts.Claims) []contracts.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Job
	for _, j := range s.cache {
		if claims.MatchesScope(j.TenantID, j.InstanceID, j.Source) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt != out[j].RequestedAt {
			return out[i].RequestedAt < out[j].RequestedAt
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

// PauseJob transitions a running job to paused. The scope lock stays held
// for the whole pause.
func (s *Service) PauseJob(ctx context.Context, jobID string, reason contracts.ReasonCode, claims contracts.Claims) (contracts.Job, *contracts.Fault) {
	j, fault := s.GetJob(ctx, jobID, claims)
	if fault != nil {
		return contracts.Job{}, fault
	}
	if j.Status != contracts.JobStatusRunning {
		return contracts.Job{}, contracts.StateConflict("", "job %s is %s, only running jobs pause", jobID, j.Status)
	}
	now := canonicalize.FormatISO(s.now())
	j.Status = contracts.JobStatusPaused
	j.StatusReasonCode = reason
	if fault := s.persist(ctx, j, s.event(jobID, contracts.PhaseExecute, "paused", "paused", reason, now)); fault != nil {
		return contracts.Job{}, fault
	}
	s.logger.InfoContext(ctx, "job paused", "job_id", jobID, "reason_code", reason)
	return j, nil
}

// ResumePausedJob transitions a paused job back to running.
func (s *Service) ResumePausedJob(ctx context.Context, jobID string, claims contracts.Claims) (contracts.Job, *contracts.Fault) {
	j, fault := s.GetJob(ctx, jobID, claims)
	if fault != nil {
		return contracts.Job{}, fault
	}
	if j.Status != contracts.JobStatusPaused {
		return contracts.Job{}, contracts.StateConflict("", "job %s is %s, only paused jobs resume", jobID, j.Status)
	}
	now := canonicalize.FormatISO(s.now())
	j.Status = contracts.JobStatusRunning
	j.StatusReasonCode = contracts.ReasonNone
	if fault := s.persist(ctx, j, s.event(jobID, contracts.PhaseExecute, "resumed", "running", contracts.ReasonNone, now)); fault != nil {
		return contracts.Job{}, fault
	}
	s.logger.InfoContext(ctx, "job resumed", "job_id", jobID)
	return j, nil
}

// CompleteJob settles a job on a terminal status, releases its scope lock,
// and promotes every queued job the release unblocks. Promoted job ids are
// returned in FIFO order.
func (s *Service) CompleteJob(ctx context.Context, jobID string, outcome contracts.JobStatus, reason contracts.ReasonCode, claims contracts.Claims) (contracts.Job, []string, *contracts.Fault) {
	if !outcome.Terminal() {
		return contracts.Job{}, nil, contracts.InvalidRequest("%s is not a terminal status", outcome)
	}
	j, fault := s.GetJob(ctx, jobID, claims)
	if fault != nil {
		return contracts.Job{}, nil, fault
	}
	if j.Status.Terminal() {
		return contracts.Job{}, nil, contracts.StateConflict("", "job %s already settled as %s", jobID, j.Status)
	}

	now := canonicalize.FormatISO(s.now())
	j.Status = outcome
	j.StatusReasonCode = reason
	j.CompletedAt = now
	j.WaitReasonCode = ""
	j.QueuePosition = 0

	promoted := s.locks.Release(j.TenantID, j.InstanceID, jobID)
	promotedSet := make(map[string]bool, len(promoted))
	for _, id := range promoted {
		promotedSet[id] = true
	}

	events := []contracts.JobEvent{s.event(jobID, contracts.PhaseExecute, "completed", string(outcome), reason, now)}
	promotedJobs := make([]contracts.Job, 0, len(promoted))
	s.mu.RLock()
	for _, id := range promoted {
		p, ok := s.cache[id]
		if !ok {
			continue
		}
		p.Status = contracts.JobStatusRunning
		p.WaitReasonCode = ""
		p.QueuePosition = 0
		p.StartedAt = now
		promotedJobs = append(promotedJobs, p)
		events = append(events, s.event(id, contracts.PhaseExecute, "promoted", "running", contracts.ReasonNone, now))
	}
	// Waiters left behind moved up: re-read their positions from the lock
	// manager so stored jobs keep reporting the live queue order.
	var requeued []contracts.Job
	for id, q := range s.cache {
		if id == jobID || promotedSet[id] || q.Status != contracts.JobStatusQueued {
			continue
		}
		if q.TenantID != j.TenantID || q.InstanceID != j.InstanceID {
			continue
		}
		pos := s.locks.QueuePosition(q.TenantID, q.InstanceID, id)
		if pos > 0 && pos != q.QueuePosition {
			q.QueuePosition = pos
			requeued = append(requeued, q)
		}
	}
	s.mu.RUnlock()

	changed := append([]contracts.Job{j}, promotedJobs...)
	changed = append(changed, requeued...)
	if fault := s.persistMany(ctx, changed, events); fault != nil {
		return contracts.Job{}, nil, fault
	}

	s.logger.InfoContext(ctx, "job completed",
		"job_id", jobID, "status", outcome, "reason_code", reason, "promoted", promoted)
	return j, promoted, nil
}

// ListJobEvents returns the job's event log in append order.
func (s *Service) ListJobEvents(ctx context.Context, jobID string, claims contracts.Claims) ([]contracts.JobEvent, *contracts.Fault) {
	if _, fault := s.GetJob(ctx, jobID, claims); fault != nil {
		return nil, fault
	}
	state, _, err := snapshot.Load[State](ctx, s.store)
	if err != nil {
		return nil, contracts.Internal("load job state: %v", err)
	}
	var out []contracts.JobEvent
	for _, e := range state.Events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListCrossServiceJobEvents projects every visible job event onto the
// normalized audit contract.
func (s *Service) ListCrossServiceJobEvents(ctx context.Context, claims contracts.Claims) ([]contracts.CrossServiceJobEvent, *contracts.Fault) {
	state, _, err := snapshot.Load[State](ctx, s.store)
	if err != nil {
		return nil, contracts.Internal("load job state: %v", err)
	}
	var out []contracts.CrossServiceJobEvent
	for _, e := range state.Events {
		j, ok := state.Jobs[e.JobID]
		if !ok || !claims.MatchesScope(j.TenantID, j.InstanceID, j.Source) {
			continue
		}
		out = append(out, contracts.CrossServiceJobEvent{
			ContractVersion: contracts.AuditContractVersion,
			SchemaVersion:   contracts.AuditEventSchemaVersion,
			Service:         contracts.ServiceScopeRestore,
			TenantID:        j.TenantID,
			InstanceID:      j.InstanceID,
			Source:          j.Source,
			PlanID:          j.PlanID,
			JobID:           e.JobID,
			Lifecycle:       e.Phase,
			Action:          e.Action,
			Outcome:         e.Outcome,
			ReasonCode:      e.ReasonCode,
			At:              e.At,
		})
	}
	return out, nil
}

// GetLockSnapshot exposes the scope-lock holders and waiters.
func (s *Service) GetLockSnapshot(_ context.Context) []scopelock.ScopeSnapshot {
	return s.locks.Snapshot()
}

func (s *Service) event(jobID, phase, action, outcome string, reason contracts.ReasonCode, at string) contracts.JobEvent {
	return contracts.JobEvent{
		EventID:    "evt_" + uuid.NewString(),
		JobID:      jobID,
		Phase:      phase,
		Action:     action,
		Outcome:    outcome,
		ReasonCode: reason,
		At:         at,
	}
}

// persist writes the job and appends events under one store mutation, then
// refreshes the cache.
func (s *Service) persist(ctx context.Context, j contracts.Job, events ...contracts.JobEvent) *contracts.Fault {
	return s.persistMany(ctx, []contracts.Job{j}, events)
}

func (s *Service) persistMany(ctx context.Context, jobs []contracts.Job, events []contracts.JobEvent) *contracts.Fault {
	err := snapshot.Update(ctx, s.store, func(state *State) error {
		if state.Jobs == nil {
			state.Jobs = make(map[string]contracts.Job)
		}
		for _, j := range jobs {
			state.Jobs[j.JobID] = j
		}
		state.Events = append(state.Events, events...)
		return nil
	})
	if err != nil {
		return contracts.AsFault(err)
	}
	s.mu.Lock()
	for _, j := range jobs {
		s.cache[j.JobID] = j
	}
	s.mu.Unlock()
	return nil
}
