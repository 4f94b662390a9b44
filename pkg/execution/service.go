// Package execution drives the chunked apply of a running restore job:
// capability admission, the checkpointed chunk loop with its rollback
// journal, the pause/resume handshake with the job service, and the media
// pipeline on the completing attempt.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Rezilient-Labs/restore-control/core/pkg/canonicalize"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/snapshot"
)

// PlanReader is the slice of the plan service executions depend on.
type PlanReader interface {
	GetPlan(ctx context.Context, planID string, claims contracts.Claims) (contracts.DryRunPlan, *contracts.Fault)
}

// JobController is the job-lifecycle surface execution drives.
type JobController interface {
	GetJob(ctx context.Context, jobID string, claims contracts.Claims) (contracts.Job, *contracts.Fault)
	PauseJob(ctx context.Context, jobID string, reason contracts.ReasonCode, claims contracts.Claims) (contracts.Job, *contracts.Fault)
	ResumePausedJob(ctx context.Context, jobID string, claims contracts.Claims) (contracts.Job, *contracts.Fault)
	CompleteJob(ctx context.Context, jobID string, outcome contracts.JobStatus, reason contracts.ReasonCode, claims contracts.Claims) (contracts.Job, []string, *contracts.Fault)
}

// State is the persisted execution projection under the execution_state
// store key.
type State struct {
	Records map[string]contracts.ExecutionRecord       `json:"records"`
	Journal map[string][]contracts.RollbackJournalEntry `json:"rollback_journal"`
	Mirrors map[string][]contracts.MirrorEntry          `json:"mirrors"`
}

// Result is the outcome of an execute or resume attempt. StatusCode is 202
// while the attempt paused on its chunk budget and 200 once terminal.
type Result struct {
	StatusCode     int
	Record         contracts.ExecutionRecord
	PromotedJobIDs []string
}

// Service runs executions.
type Service struct {
	store  snapshot.Store
	plans  PlanReader
	jobs   JobController
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]contracts.ExecutionRecord
}

// NewService wires the execution service. Call Hydrate before serving reads.
func NewService(store snapshot.Store, plans PlanReader, jobs JobController, limits Limits, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.DefaultChunkSize <= 0 {
		limits.DefaultChunkSize = DefaultLimits().DefaultChunkSize
	}
	if limits.MediaMaxRetryAttempts <= 0 {
		limits.MediaMaxRetryAttempts = DefaultLimits().MediaMaxRetryAttempts
	}
	return &Service{
		store:  store,
		plans:  plans,
		jobs:   jobs,
		limits: limits,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]contracts.ExecutionRecord),
	}
}

// WithClock overrides the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Hydrate loads persisted execution records into the read cache.
func (s *Service) Hydrate(ctx context.Context) error {
	state, _, err := snapshot.Load[State](ctx, s.store)
	if err != nil {
		return fmt.Errorf("execution: hydrate: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]contracts.ExecutionRecord, len(state.Records))
	for id, r := range state.Records {
		s.cache[id] = r
	}
	return nil
}

// ExecuteJob starts the chunked apply of a running job.
func (s *Service) ExecuteJob(ctx context.Context, jobID string, req contracts.ExecuteJobRequest, claims contracts.Claims) (Result, *contracts.Fault) {
	job, fault := s.jobs.GetJob(ctx, jobID, claims)
	if fault != nil {
		return Result{}, fault
	}
	if job.Status != contracts.JobStatusRunning {
		return Result{}, contracts.StateConflict("", "job %s is %s, execution requires a running job", jobID, job.Status)
	}
	if _, exists := s.record(jobID); exists {
		return Result{}, contracts.StateConflict("", "job %s already has an execution, resume it instead", jobID)
	}

	p, fault := s.admitPlan(ctx, job, req.RuntimeConflicts, claims)
	if fault != nil {
		return Result{}, fault
	}

	required, exceeded := requiredCapabilities(p, req.RuntimeConflicts, s.limits)
	if fault := checkCapabilities(required, exceeded, req.OperatorCapabilities, req.ElevatedConfirmation); fault != nil {
		return Result{}, fault
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.limits.DefaultChunkSize
	}
	totalChunks := 0
	if len(p.Rows) > 0 {
		totalChunks = (len(p.Rows) + chunkSize - 1) / chunkSize
	}

	now := canonicalize.FormatISO(s.now())
	preconditionChecksum, err := preconditionChecksum(p)
	if err != nil {
		return Result{}, contracts.Internal("compute precondition checksum: %v", err)
	}

	record := contracts.ExecutionRecord{
		JobID:                    jobID,
		PlanID:                   p.PlanID,
		PlanHash:                 p.PlanHash,
		PlanChecksum:             canonicalize.SHA256Hex(p.PlanHashInput),
		PreconditionChecksum:     preconditionChecksum,
		Status:                   contracts.ExecutionStatusRunning,
		ReasonCode:               contracts.ReasonNone,
		ChunkSize:                chunkSize,
		CapabilitiesUsed:         required,
		ElevatedConfirmationUsed: len(exceeded) > 0 && req.ElevatedConfirmation.Valid(),
		Checkpoint: &contracts.Checkpoint{
			CheckpointID:    "ckpt_" + jobID,
			NextChunkIndex:  0,
			TotalChunks:     totalChunks,
			RowAttemptByRow: map[string]int{},
			UpdatedAt:       now,
		},
		Summary:   contracts.ExecutionSummary{PlannedRows: len(p.Rows)},
		StartedAt: now,
	}
	if req.Workflow != nil {
		record.WorkflowMode = req.Workflow.Mode
		record.WorkflowAllowlist = req.Workflow.Allowlist
	} else {
		record.WorkflowMode = p.ExecutionOptions.WorkflowMode
	}

	return s.runAttempt(ctx, &record, p, req.RuntimeConflicts, req.OperatorID, claims)
}

// ResumeJob continues a paused execution from its checkpoint. Resume after a
// terminal status is idempotent: the prior record comes back unchanged.
func (s *Service) ResumeJob(ctx context.Context, jobID string, req contracts.ResumeJobRequest, claims contracts.Claims) (Result, *contracts.Fault) {
	job, fault := s.jobs.GetJob(ctx, jobID, claims)
	if fault != nil {
		return Result{}, fault
	}
	record, exists := s.record(jobID)
	if !exists {
		return Result{}, contracts.StateConflict(contracts.ReasonBlockedResumeCheckpointMissing,
			"job %s has no execution to resume", jobID)
	}
	if record.Status.Terminal() {
		return Result{StatusCode: http.StatusOK, Record: record}, nil
	}
	if job.Status != contracts.JobStatusPaused {
		return Result{}, contracts.StateConflict("", "job %s is %s, resume requires a paused job", jobID, job.Status)
	}
	if record.Checkpoint == nil {
		return Result{}, contracts.StateConflict(contracts.ReasonBlockedResumeCheckpointMissing,
			"job %s has no checkpoint", jobID)
	}

	p, fault := s.admitPlan(ctx, job, req.RuntimeConflicts, claims)
	if fault != nil {
		return Result{}, fault
	}

	currentPrecondition, err := preconditionChecksum(p)
	if err != nil {
		return Result{}, contracts.Internal("compute precondition checksum: %v", err)
	}
	currentPlanChecksum := canonicalize.SHA256Hex(p.PlanHashInput)
	if req.ExpectedPlanChecksum != "" && req.ExpectedPlanChecksum != record.PlanChecksum {
		return Result{}, contracts.StateConflict(contracts.ReasonBlockedResumePreconditionMismatch,
			"expected plan checksum does not match the recorded execution")
	}
	if currentPlanChecksum != record.PlanChecksum {
		return Result{}, contracts.StateConflict(contracts.ReasonBlockedResumePreconditionMismatch,
			"plan content changed since the execution started")
	}
	if req.ExpectedPreconditionChecksum != "" && req.ExpectedPreconditionChecksum != record.PreconditionChecksum {
		return Result{}, contracts.StateConflict(contracts.ReasonBlockedResumePreconditionMismatch,
			"expected precondition checksum does not match the recorded execution")
	}
	if currentPrecondition != record.PreconditionChecksum {
		return Result{}, contracts.StateConflict(contracts.ReasonBlockedResumePreconditionMismatch,
			"plan preconditions changed since the execution started")
	}

	if fault := checkCapabilities(record.CapabilitiesUsed, nil, req.OperatorCapabilities, nil); fault != nil {
		return Result{}, fault
	}

	if _, fault := s.jobs.ResumePausedJob(ctx, jobID, claims); fault != nil {
		return Result{}, fault
	}
	record.Status = contracts.ExecutionStatusRunning
	record.ReasonCode = contracts.ReasonNone

	return s.runAttempt(ctx, &record, p, req.RuntimeConflicts, req.OperatorID, claims)
}

// runAttempt advances the chunk loop under the per-attempt budget, then
// either pauses the job or settles it terminally (running media exactly
// once, on the completing attempt).
func (s *Service) runAttempt(ctx context.Context, record *contracts.ExecutionRecord, p contracts.DryRunPlan, runtimeConflicts []contracts.Conflict, operatorID string, claims contracts.Claims) (Result, *contracts.Fault) {
	now := canonicalize.FormatISO(s.now())
	out := runChunks(record, p, runtimeConflicts, operatorID, now, s.limits.MaxChunksPerAttempt)
	if out.processedChunks > 0 || record.ResumeAttemptCount == 0 {
		record.ResumeAttemptCount++
	}

	if record.Checkpoint.NextChunkIndex < record.Checkpoint.TotalChunks {
		record.Status = contracts.ExecutionStatusPaused
		record.ReasonCode = contracts.ReasonPausedTokenRefreshGraceExhausted
		// Durable record first: the job only leaves running once the
		// checkpoint that resume depends on is written.
		if fault := s.persist(ctx, *record, out.journal, out.mirrors); fault != nil {
			return Result{}, fault
		}
		if _, fault := s.jobs.PauseJob(ctx, record.JobID, contracts.ReasonPausedTokenRefreshGraceExhausted, claims); fault != nil {
			return Result{}, fault
		}
		s.logger.InfoContext(ctx, "execution paused on chunk budget",
			"job_id", record.JobID, "next_chunk_index", record.Checkpoint.NextChunkIndex,
			"total_chunks", record.Checkpoint.TotalChunks, "resume_attempt_count", record.ResumeAttemptCount)
		return Result{StatusCode: http.StatusAccepted, Record: *record}, nil
	}

	if len(record.MediaOutcomes) == 0 {
		runMedia(record, p, s.limits)
	}

	status := contracts.ExecutionStatusCompleted
	reason := contracts.ReasonNone
	if record.Summary.FailedRows > 0 || record.Summary.MediaFailed > 0 {
		status = contracts.ExecutionStatusFailed
		reason = firstFailureReason(*record)
	}
	record.Status = status
	record.ReasonCode = reason
	record.CompletedAt = now

	// Same ordering as the pause path: a job never turns terminal while the
	// record of what was applied is still unwritten.
	if fault := s.persist(ctx, *record, out.journal, out.mirrors); fault != nil {
		return Result{}, fault
	}
	_, promoted, fault := s.jobs.CompleteJob(ctx, record.JobID, contracts.JobStatus(status), reason, claims)
	if fault != nil {
		return Result{}, fault
	}
	s.logger.InfoContext(ctx, "execution settled",
		"job_id", record.JobID, "status", status, "reason_code", reason,
		"applied_rows", record.Summary.AppliedRows, "media_failed", record.Summary.MediaFailed,
		"resume_attempt_count", record.ResumeAttemptCount)
	return Result{StatusCode: http.StatusOK, Record: *record, PromotedJobIDs: promoted}, nil
}

// admitPlan re-checks the plan binding, the gate and every conflict on each
// attempt.
func (s *Service) admitPlan(ctx context.Context, job contracts.Job, runtimeConflicts []contracts.Conflict, claims contracts.Claims) (contracts.DryRunPlan, *contracts.Fault) {
	p, fault := s.plans.GetPlan(ctx, job.PlanID, claims)
	if fault != nil {
		return contracts.DryRunPlan{}, fault
	}
	if p.PlanHash != job.PlanHash {
		return contracts.DryRunPlan{}, contracts.StateConflict(contracts.ReasonBlockedPlanHashMismatch,
			"plan %s hash does not match job %s", job.PlanID, job.JobID)
	}
	if p.Gate.Executability != contracts.ExecutabilityExecutable {
		return contracts.DryRunPlan{}, contracts.StateConflict(p.Gate.ReasonCode,
			"plan %s gate is %s", p.PlanID, p.Gate.Executability)
	}
	if fault := validatePlanConflicts(p); fault != nil {
		return contracts.DryRunPlan{}, fault
	}
	if fault := validateRuntimeConflicts(p, runtimeConflicts); fault != nil {
		return contracts.DryRunPlan{}, fault
	}
	return p, nil
}

// GetExecution returns the job's execution record, scoped by the job.
func (s *Service) GetExecution(ctx context.Context, jobID string, claims contracts.Claims) (contracts.ExecutionRecord, *contracts.Fault) {
	if _, fault := s.jobs.GetJob(ctx, jobID, claims); fault != nil {
		return contracts.ExecutionRecord{}, fault
	}
	record, ok := s.record(jobID)
	if !ok {
		return contracts.ExecutionRecord{}, contracts.NotFound("job %s has no execution", jobID)
	}
	return record, nil
}

// ListExecutions returns every execution whose job is visible to the claims,
// ordered by job id.
func (s *Service) ListExecutions(ctx context.Context, claims contracts.Claims) []contracts.ExecutionRecord {
	s.mu.RLock()
	records := make([]contracts.ExecutionRecord, 0, len(s.cache))
	for _, r := range s.cache {
		records = append(records, r)
	}
	s.mu.RUnlock()

	var out []contracts.ExecutionRecord
	for _, r := range records {
		if _, fault := s.jobs.GetJob(ctx, r.JobID, claims); fault == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// GetCheckpoint returns the execution's checkpoint.
func (s *Service) GetCheckpoint(ctx context.Context, jobID string, claims contracts.Claims) (contracts.Checkpoint, *contracts.Fault) {
	record, fault := s.GetExecution(ctx, jobID, claims)
	if fault != nil {
		return contracts.Checkpoint{}, fault
	}
	if record.Checkpoint == nil {
		return contracts.Checkpoint{}, contracts.NotFound("job %s has no checkpoint", jobID)
	}
	return *record.Checkpoint, nil
}

// GetRollbackJournal returns the job's journal entries and their mirrors in
// append order.
func (s *Service) GetRollbackJournal(ctx context.Context, jobID string, claims contracts.Claims) ([]contracts.RollbackJournalEntry, []contracts.MirrorEntry, *contracts.Fault) {
	if _, fault := s.jobs.GetJob(ctx, jobID, claims); fault != nil {
		return nil, nil, fault
	}
	state, _, err := snapshot.Load[State](ctx, s.store)
	if err != nil {
		return nil, nil, contracts.Internal("load execution state: %v", err)
	}
	return state.Journal[jobID], state.Mirrors[jobID], nil
}

func (s *Service) record(jobID string) (contracts.ExecutionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cache[jobID]
	return r, ok
}

func (s *Service) persist(ctx context.Context, record contracts.ExecutionRecord, journal []contracts.RollbackJournalEntry, mirrors []contracts.MirrorEntry) *contracts.Fault {
	err := snapshot.Update(ctx, s.store, func(state *State) error {
		if state.Records == nil {
			state.Records = make(map[string]contracts.ExecutionRecord)
		}
		if state.Journal == nil {
			state.Journal = make(map[string][]contracts.RollbackJournalEntry)
		}
		if state.Mirrors == nil {
			state.Mirrors = make(map[string][]contracts.MirrorEntry)
		}
		state.Records[record.JobID] = record
		state.Journal[record.JobID] = append(state.Journal[record.JobID], journal...)
		state.Mirrors[record.JobID] = append(state.Mirrors[record.JobID], mirrors...)
		return nil
	})
	if err != nil {
		return contracts.AsFault(err)
	}
	s.mu.Lock()
	s.cache[record.JobID] = record
	s.mu.Unlock()
	return nil
}

// preconditionChecksum hashes the gate and every resolution-bearing input
// the execution admission depended on, in a sorted canonical shape.
func preconditionChecksum(p contracts.DryRunPlan) (string, error) {
	deletes := append([]contracts.DeleteCandidate(nil), p.DeleteCandidates...)
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].CandidateID < deletes[j].CandidateID })
	conflicts := append([]contracts.Conflict(nil), p.Conflicts...)
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ConflictID < conflicts[j].ConflictID })
	watermarks := append([]contracts.Watermark(nil), p.Watermarks...)
	sort.Slice(watermarks, func(i, j int) bool {
		if watermarks[i].Topic != watermarks[j].Topic {
			return watermarks[i].Topic < watermarks[j].Topic
		}
		return watermarks[i].Partition < watermarks[j].Partition
	})
	return canonicalize.HashValue(struct {
		Gate             contracts.Gate              `json:"gate"`
		DeleteCandidates []contracts.DeleteCandidate `json:"delete_candidates"`
		Conflicts        []contracts.Conflict        `json:"conflicts"`
		Watermarks       []contracts.Watermark       `json:"watermarks"`
	}{
		Gate:             p.Gate,
		DeleteCandidates: deletes,
		Conflicts:        conflicts,
		Watermarks:       watermarks,
	})
}

// firstFailureReason surfaces the reason code of the first failed row or
// media outcome.
func firstFailureReason(record contracts.ExecutionRecord) contracts.ReasonCode {
	for _, r := range record.RowOutcomes {
		if r.Outcome == "failed" && r.ReasonCode != "" {
			return r.ReasonCode
		}
	}
	for _, m := range record.MediaOutcomes {
		if m.Outcome == "failed" && m.ReasonCode != "" {
			return m.ReasonCode
		}
	}
	return contracts.ReasonFailedInternalError
}
