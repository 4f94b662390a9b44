// Package evidence assembles, signs and verifies the canonical evidence
// bundle of a terminal execution: four canonicalized artifacts, a report
// hash over the summary fields, and an ed25519-signed manifest. A record
// that fails verification stays marked; it is never silently healed.
package evidence

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rezilient-Labs/restore-control/core/pkg/archive"
	"github.com/Rezilient-Labs/restore-control/core/pkg/canonicalize"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/snapshot"
)

// PlanReader is the slice of the plan service evidence depends on.
type PlanReader interface {
	GetPlan(ctx context.Context, planID string, claims contracts.Claims) (contracts.DryRunPlan, *contracts.Fault)
}

// JobReader supplies the job and its event log.
type JobReader interface {
	GetJob(ctx context.Context, jobID string, claims contracts.Claims) (contracts.Job, *contracts.Fault)
	ListJobEvents(ctx context.Context, jobID string, claims contracts.Claims) ([]contracts.JobEvent, *contracts.Fault)
}

// ExecutionReader supplies the execution record and rollback journal.
type ExecutionReader interface {
	GetExecution(ctx context.Context, jobID string, claims contracts.Claims) (contracts.ExecutionRecord, *contracts.Fault)
	GetRollbackJournal(ctx context.Context, jobID string, claims contracts.Claims) ([]contracts.RollbackJournalEntry, []contracts.MirrorEntry, *contracts.Fault)
}

// State is the persisted evidence projection under the evidence_state store
// key, keyed by job id.
type State struct {
	Records map[string]contracts.EvidenceRecord `json:"records"`
}

// ExportResult reports whether an export created or reused a record.
type ExportResult struct {
	StatusCode int
	Reused     bool
	Record     contracts.EvidenceRecord
}

// Service exports and verifies evidence records.
type Service struct {
	store      snapshot.Store
	plans      PlanReader
	jobs       JobReader
	executions ExecutionReader
	signer     *Signer
	bundles    archive.Store
	retention  contracts.ImmutableStorage
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]contracts.EvidenceRecord
}

// NewService wires the evidence service. Call Hydrate before serving reads.
func NewService(store snapshot.Store, plans PlanReader, jobs JobReader, executions ExecutionReader, signer *Signer, bundles archive.Store, retention contracts.ImmutableStorage, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		plans:      plans,
		jobs:       jobs,
		executions: executions,
		signer:     signer,
		bundles:    bundles,
		retention:  retention,
		logger:     logger,
		now:        time.Now,
		cache:      make(map[string]contracts.EvidenceRecord),
	}
}

// WithClock overrides the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Hydrate loads persisted evidence records into the read cache.
func (s *Service) Hydrate(ctx context.Context) error {
	state, _, err := snapshot.Load[State](ctx, s.store)
	if err != nil {
		return fmt.Errorf("evidence: hydrate: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]contracts.EvidenceRecord, len(state.Records))
	for id, r := range state.Records {
		s.cache[id] = r
	}
	return nil
}

// NewEvidenceID derives the evidence id from the job, the plan hash and the
// execution completion time.
func NewEvidenceID(jobID, planHash, completedAt string) string {
	sum := canonicalize.SHA256Hex([]byte(strings.Join([]string{jobID, planHash, completedAt}, "|")))
	return "evidence_" + sum[:24]
}

// ExportEvidence assembles, signs and persists the evidence record for a
// terminally executed job. A second export for the same job returns the
// stored record with Reused set.
func (s *Service) ExportEvidence(ctx context.Context, jobID string, claims contracts.Claims) (ExportResult, *contracts.Fault) {
	job, fault := s.jobs.GetJob(ctx, jobID, claims)
	if fault != nil {
		return ExportResult{}, fault
	}
	if existing, ok := s.recordForJob(jobID); ok {
		return ExportResult{StatusCode: http.StatusOK, Reused: true, Record: existing}, nil
	}

	exec, fault := s.executions.GetExecution(ctx, jobID, claims)
	if fault != nil || !exec.Status.Terminal() {
		return ExportResult{}, contracts.StateConflict(contracts.ReasonBlockedEvidenceNotReady,
			"job %s has no terminal execution", jobID)
	}
	p, fault := s.plans.GetPlan(ctx, job.PlanID, claims)
	if fault != nil {
		return ExportResult{}, contracts.StateConflict(contracts.ReasonFailedInternalError,
			"plan %s missing for job %s", job.PlanID, jobID)
	}
	events, fault := s.jobs.ListJobEvents(ctx, jobID, claims)
	if fault != nil {
		return ExportResult{}, fault
	}
	journal, _, fault := s.executions.GetRollbackJournal(ctx, jobID, claims)
	if fault != nil {
		return ExportResult{}, fault
	}

	record, err := s.assemble(job, p, exec, events, journal)
	if err != nil {
		return ExportResult{}, contracts.Internal("assemble evidence: %v", err)
	}

	persistErr := snapshot.Update(ctx, s.store, func(state *State) error {
		if state.Records == nil {
			state.Records = make(map[string]contracts.EvidenceRecord)
		}
		if _, exists := state.Records[jobID]; exists {
			return nil
		}
		state.Records[jobID] = record
		return nil
	})
	if persistErr != nil {
		return ExportResult{}, contracts.AsFault(persistErr)
	}
	s.mu.Lock()
	s.cache[jobID] = record
	s.mu.Unlock()

	s.archiveBundle(ctx, record)

	s.logger.InfoContext(ctx, "evidence exported",
		"job_id", jobID, "evidence_id", record.EvidenceID,
		"verification", record.ManifestSignature.SignatureVerification)
	return ExportResult{StatusCode: http.StatusCreated, Reused: false, Record: record}, nil
}

// EnsureEvidence exports the record when absent and reuses it otherwise.
func (s *Service) EnsureEvidence(ctx context.Context, jobID string, claims contracts.Claims) (ExportResult, *contracts.Fault) {
	return s.ExportEvidence(ctx, jobID, claims)
}

// GetEvidence returns the job's evidence record.
func (s *Service) GetEvidence(ctx context.Context, jobID string, claims contracts.Claims) (contracts.EvidenceRecord, *contracts.Fault) {
	if _, fault := s.jobs.GetJob(ctx, jobID, claims); fault != nil {
		return contracts.EvidenceRecord{}, fault
	}
	record, ok := s.recordForJob(jobID)
	if !ok {
		return contracts.EvidenceRecord{}, contracts.NotFound("job %s has no evidence", jobID)
	}
	return record, nil
}

// GetEvidenceByID returns the record carrying the given evidence id.
func (s *Service) GetEvidenceByID(ctx context.Context, evidenceID string, claims contracts.Claims) (contracts.EvidenceRecord, *contracts.Fault) {
	s.mu.RLock()
	var found *contracts.EvidenceRecord
	for _, r := range s.cache {
		if r.EvidenceID == evidenceID {
			rc := r
			found = &rc
			break
		}
	}
	s.mu.RUnlock()
	if found == nil {
		return contracts.EvidenceRecord{}, contracts.NotFound("evidence %s not found", evidenceID)
	}
	if _, fault := s.jobs.GetJob(ctx, found.JobID, claims); fault != nil {
		return contracts.EvidenceRecord{}, contracts.NotFound("evidence %s not found", evidenceID)
	}
	return *found, nil
}

// ListEvidence returns every record whose job is visible to the claims,
// ordered by evidence id.
func (s *Service) ListEvidence(ctx context.Context, claims contracts.Claims) []contracts.EvidenceRecord {
	s.mu.RLock()
	records := make([]contracts.EvidenceRecord, 0, len(s.cache))
	for _, r := range s.cache {
		records = append(records, r)
	}
	s.mu.RUnlock()

	var out []contracts.EvidenceRecord
	for _, r := range records {
		if _, fault := s.jobs.GetJob(ctx, r.JobID, claims); fault == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvidenceID < out[j].EvidenceID })
	return out
}

// ValidateEvidenceRecord re-derives every hash link of the record and
// verifies the manifest signature. The first broken link names the failure.
func (s *Service) ValidateEvidenceRecord(record contracts.EvidenceRecord) (string, contracts.ReasonCode) {
	return validateRecord(record, s.signer.Verify)
}

// VerifyRecord validates an exported record against a standalone public key,
// for offline verification of archived bundles.
func VerifyRecord(record contracts.EvidenceRecord, publicPEM string) (string, contracts.ReasonCode, error) {
	pub, err := parsePublicPEM(normalizePEM(publicPEM))
	if err != nil {
		return "", contracts.ReasonNone, fmt.Errorf("evidence: public key: %w", err)
	}
	verdict, reason := validateRecord(record, func(payload []byte, signatureB64 string) bool {
		sig, err := base64.StdEncoding.DecodeString(signatureB64)
		if err != nil {
			return false
		}
		return ed25519.Verify(pub, payload, sig)
	})
	return verdict, reason, nil
}

func validateRecord(record contracts.EvidenceRecord, verify func(payload []byte, signatureB64 string) bool) (string, contracts.ReasonCode) {
	recomputed := make([]contracts.ArtifactHash, 0, len(record.Artifacts))
	for _, a := range record.Artifacts {
		recomputed = append(recomputed, contracts.ArtifactHash{
			ArtifactID: a.ArtifactID,
			SHA256:     canonicalize.SHA256Hex([]byte(a.CanonicalJSON)),
		})
	}
	sort.Slice(recomputed, func(i, j int) bool { return recomputed[i].ArtifactID < recomputed[j].ArtifactID })
	if !artifactHashesEqual(recomputed, record.ArtifactHashes) {
		return contracts.SignatureVerificationFailed, contracts.ReasonFailedEvidenceArtifactHashMismatch
	}

	reportHash, err := canonicalize.HashValue(reportPayloadOf(record))
	if err != nil || reportHash != record.ReportHash {
		return contracts.SignatureVerificationFailed, contracts.ReasonFailedEvidenceReportHashMismatch
	}

	manifest, err := canonicalize.CanonicalJSON(manifestPayloadOf(record))
	if err != nil || !verify([]byte(manifest), record.ManifestSignature.Signature) {
		return contracts.SignatureVerificationFailed, contracts.ReasonFailedEvidenceSignatureVerify
	}
	return contracts.SignatureVerified, contracts.ReasonNone
}

// reportPayload is the exact value hashed into report_hash. Field names are
// the persisted evidence field names; artifact hashes are sorted by
// artifact_id.
type reportPayload struct {
	ContractVersion         string                   `json:"contract_version"`
	EvidenceID              string                   `json:"evidence_id"`
	JobID                   string                   `json:"job_id"`
	PlanHash                string                   `json:"plan_hash"`
	PitAlgorithmVersion     string                   `json:"pit_algorithm_version"`
	BackupTimestamp         string                   `json:"backup_timestamp"`
	ApprovedScope           contracts.Scope          `json:"approved_scope"`
	SchemaDriftSummary      map[string]int           `json:"schema_drift_summary"`
	ConflictSummary         map[string]int           `json:"conflict_summary"`
	DeleteDecisionSummary   map[string]int           `json:"delete_decision_summary"`
	ExecutionOutcomes       contracts.ExecutionSummary `json:"execution_outcomes"`
	ResumeMetadata          contracts.ResumeMetadata `json:"resume_metadata"`
	ArtifactHashes          []contracts.ArtifactHash `json:"artifact_hashes"`
	CanonicalizationVersion string                   `json:"canonicalization_version"`
	ImmutableStorage        contracts.ImmutableStorage `json:"immutable_storage"`
	Approval                map[string]string        `json:"approval"`
}

// manifestPayload is what the ed25519 signature covers: the report payload
// plus the report hash itself.
type manifestPayload struct {
	reportPayload
	ReportHash string `json:"report_hash"`
}

func reportPayloadOf(record contracts.EvidenceRecord) reportPayload {
	hashes := append([]contracts.ArtifactHash(nil), record.ArtifactHashes...)
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].ArtifactID < hashes[j].ArtifactID })
	return reportPayload{
		ContractVersion:         record.ContractVersion,
		EvidenceID:              record.EvidenceID,
		JobID:                   record.JobID,
		PlanHash:                record.PlanHash,
		PitAlgorithmVersion:     record.PitAlgorithmVersion,
		BackupTimestamp:         record.BackupTimestamp,
		ApprovedScope:           record.ApprovedScope,
		SchemaDriftSummary:      record.SchemaDriftSummary,
		ConflictSummary:         record.ConflictSummary,
		DeleteDecisionSummary:   record.DeleteDecisionSummary,
		ExecutionOutcomes:       record.ExecutionOutcomes,
		ResumeMetadata:          record.ResumeMetadata,
		ArtifactHashes:          hashes,
		CanonicalizationVersion: record.CanonicalizationVersion,
		ImmutableStorage:        record.ImmutableStorage,
		Approval:                record.Approval,
	}
}

func manifestPayloadOf(record contracts.EvidenceRecord) manifestPayload {
	return manifestPayload{
		reportPayload: reportPayloadOf(record),
		ReportHash:    record.ReportHash,
	}
}

func (s *Service) assemble(job contracts.Job, p contracts.DryRunPlan, exec contracts.ExecutionRecord, events []contracts.JobEvent, journal []contracts.RollbackJournalEntry) (contracts.EvidenceRecord, error) {
	evidenceID := NewEvidenceID(job.JobID, job.PlanHash, exec.CompletedAt)

	artifacts, err := buildArtifacts(p, exec, events, journal)
	if err != nil {
		return contracts.EvidenceRecord{}, err
	}
	hashes := make([]contracts.ArtifactHash, 0, len(artifacts))
	for _, a := range artifacts {
		hashes = append(hashes, contracts.ArtifactHash{ArtifactID: a.ArtifactID, SHA256: a.SHA256})
	}

	record := contracts.EvidenceRecord{
		EvidenceID:              evidenceID,
		ContractVersion:         contracts.EvidenceContractVersion,
		JobID:                   job.JobID,
		PlanHash:                job.PlanHash,
		PitAlgorithmVersion:     p.Pit.PitAlgorithmVersion,
		BackupTimestamp:         p.Pit.RestoreTime,
		ApprovedScope:           p.Scope,
		SchemaDriftSummary:      summarizeByClass(p.Conflicts, contracts.ConflictClassSchema),
		ConflictSummary:         summarizeConflicts(p.Conflicts),
		DeleteDecisionSummary:   summarizeDeleteDecisions(p.DeleteCandidates),
		ExecutionOutcomes:       exec.Summary,
		ResumeMetadata: contracts.ResumeMetadata{
			ResumeAttemptCount: exec.ResumeAttemptCount,
			TotalChunks:        checkpointTotalChunks(exec),
			CompletedAt:        exec.CompletedAt,
		},
		Artifacts:               artifacts,
		ArtifactHashes:          hashes,
		CanonicalizationVersion: contracts.CanonicalizationVersion,
		ImmutableStorage:        s.retention,
		Approval:                p.Approval,
		ReasonCode:              contracts.ReasonNone,
		CreatedAt:               canonicalize.FormatISO(s.now()),
	}

	reportHash, err := canonicalize.HashValue(reportPayloadOf(record))
	if err != nil {
		return contracts.EvidenceRecord{}, fmt.Errorf("compute report hash: %w", err)
	}
	record.ReportHash = reportHash

	manifest, err := canonicalize.CanonicalJSON(manifestPayloadOf(record))
	if err != nil {
		return contracts.EvidenceRecord{}, fmt.Errorf("canonicalize manifest: %w", err)
	}
	signature := s.signer.Sign([]byte(manifest))
	record.ManifestSignature = contracts.ManifestSignature{
		SignatureAlgorithm:    "ed25519",
		SignerKeyID:           s.signer.KeyID(),
		Signature:             signature,
		SignatureVerification: contracts.SignatureVerified,
		SignedAt:              record.CreatedAt,
	}
	// Self-check the fresh signature; a broken signer marks the record
	// instead of shipping silently bad evidence.
	if !s.signer.Verify([]byte(manifest), signature) {
		record.ManifestSignature.SignatureVerification = contracts.SignatureVerificationFailed
		record.ReasonCode = contracts.ReasonFailedEvidenceSignatureVerify
	}
	return record, nil
}

func buildArtifacts(p contracts.DryRunPlan, exec contracts.ExecutionRecord, events []contracts.JobEvent, journal []contracts.RollbackJournalEntry) ([]contracts.EvidenceArtifact, error) {
	if events == nil {
		events = []contracts.JobEvent{}
	}
	if journal == nil {
		journal = []contracts.RollbackJournalEntry{}
	}
	sources := []struct {
		id    string
		value any
	}{
		{contracts.ArtifactExecution, exec},
		{contracts.ArtifactJobEvents, events},
		{contracts.ArtifactPlan, p},
		{contracts.ArtifactRollbackJournal, journal},
	}
	out := make([]contracts.EvidenceArtifact, 0, len(sources))
	for _, src := range sources {
		canonical, err := canonicalize.CanonicalJSON(src.value)
		if err != nil {
			return nil, fmt.Errorf("canonicalize artifact %s: %w", src.id, err)
		}
		out = append(out, contracts.EvidenceArtifact{
			ArtifactID:    src.id,
			CanonicalJSON: canonical,
			SHA256:        canonicalize.SHA256Hex([]byte(canonical)),
			ByteLength:    len(canonical),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out, nil
}

// archiveBundle uploads the record to immutable storage. Failure is logged
// and never fails the export.
func (s *Service) archiveBundle(ctx context.Context, record contracts.EvidenceRecord) {
	if s.bundles == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.ErrorContext(ctx, "encode evidence bundle for archive", "evidence_id", record.EvidenceID, "error", err)
		return
	}
	key := "evidence/" + record.EvidenceID + ".json"
	if err := s.bundles.Put(ctx, key, payload); err != nil {
		s.logger.ErrorContext(ctx, "archive evidence bundle", "evidence_id", record.EvidenceID, "key", key, "error", err)
	}
}

func (s *Service) recordForJob(jobID string) (contracts.EvidenceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cache[jobID]
	return r, ok
}

func artifactHashesEqual(a, b []contracts.ArtifactHash) bool {
	if len(a) != len(b) {
		return false
	}
	sorted := append([]contracts.ArtifactHash(nil), b...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ArtifactID < sorted[j].ArtifactID })
	for i := range a {
		if a[i] != sorted[i] {
			return false
		}
	}
	return true
}

func summarizeConflicts(conflicts []contracts.Conflict) map[string]int {
	out := map[string]int{}
	for _, c := range conflicts {
		out[string(contracts.NormalizeConflictClass(c.Class))]++
	}
	return out
}

func summarizeByClass(conflicts []contracts.Conflict, class contracts.ConflictClass) map[string]int {
	out := map[string]int{}
	for _, c := range conflicts {
		if contracts.NormalizeConflictClass(c.Class) == class {
			out[c.RowID]++
		}
	}
	return out
}

func summarizeDeleteDecisions(candidates []contracts.DeleteCandidate) map[string]int {
	out := map[string]int{}
	for _, d := range candidates {
		decision := d.Decision
		if decision == "" {
			decision = "undecided"
		}
		out[decision]++
	}
	return out
}

func checkpointTotalChunks(exec contracts.ExecutionRecord) int {
	if exec.Checkpoint != nil {
		return exec.Checkpoint.TotalChunks
	}
	return exec.Summary.ChunkCount
}
