package evidence

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rezilient-Labs/restore-control/core/pkg/archive"
	"github.com/Rezilient-Labs/restore-control/core/pkg/canonicalize"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/snapshot"
)

const (
	testTenant   = "tenant-acme"
	testInstance = "sn-dev-01"
	testSource   = "sn://acme-dev.service-now.com"
)

var testNow = time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)

func testClaims() contracts.Claims {
	return contracts.Claims{TenantID: testTenant, InstanceID: testInstance, Source: testSource}
}

type planStub struct {
	plans map[string]contracts.DryRunPlan
}

func (p *planStub) GetPlan(_ context.Context, planID string, claims contracts.Claims) (contracts.DryRunPlan, *contracts.Fault) {
	plan, ok := p.plans[planID]
	if !ok || !claims.MatchesScope(plan.TenantID, plan.InstanceID, plan.Source) {
		return contracts.DryRunPlan{}, contracts.NotFound("plan %s not found", planID)
	}
	return plan, nil
}

type jobStub struct {
	jobs   map[string]contracts.Job
	events map[string][]contracts.JobEvent
}

func (j *jobStub) GetJob(_ context.Context, jobID string, claims contracts.Claims) (contracts.Job, *contracts.Fault) {
	job, ok := j.jobs[jobID]
	if !ok || !claims.MatchesScope(job.TenantID, job.InstanceID, job.Source) {
		return contracts.Job{}, contracts.NotFound("job %s not found", jobID)
	}
	return job, nil
}

func (j *jobStub) ListJobEvents(_ context.Context, jobID string, _ contracts.Claims) ([]contracts.JobEvent, *contracts.Fault) {
	return j.events[jobID], nil
}

type execStub struct {
	records map[string]contracts.ExecutionRecord
	journal map[string][]contracts.RollbackJournalEntry
}

func (e *execStub) GetExecution(_ context.Context, jobID string, _ contracts.Claims) (contracts.ExecutionRecord, *contracts.Fault) {
	rec, ok := e.records[jobID]
	if !ok {
		return contracts.ExecutionRecord{}, contracts.NotFound("job %s has no execution", jobID)
	}
	return rec, nil
}

func (e *execStub) GetRollbackJournal(_ context.Context, jobID string, _ contracts.Claims) ([]contracts.RollbackJournalEntry, []contracts.MirrorEntry, *contracts.Fault) {
	return e.journal[jobID], nil, nil
}

type failingArchive struct{}

func (failingArchive) Put(context.Context, string, []byte) error {
	return errors.New("bucket unavailable")
}

func (failingArchive) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket unavailable")
}

type harness struct {
	svc     *Service
	plans   *planStub
	jobs    *jobStub
	execs   *execStub
	bundles *archive.MemoryStore
	signer  *Signer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer, err := GenerateSigner("key-test-01")
	require.NoError(t, err)

	h := &harness{
		plans:   &planStub{plans: map[string]contracts.DryRunPlan{}},
		jobs:    &jobStub{jobs: map[string]contracts.Job{}, events: map[string][]contracts.JobEvent{}},
		execs:   &execStub{records: map[string]contracts.ExecutionRecord{}, journal: map[string][]contracts.RollbackJournalEntry{}},
		bundles: archive.NewMemoryStore(),
		signer:  signer,
	}
	store := snapshot.NewMemoryStore(contracts.StoreKeyEvidenceState)
	retention := contracts.ImmutableStorage{WormEnabled: true, RetentionClass: "compliance-7y"}
	h.svc = NewService(store, h.plans, h.jobs, h.execs, signer, h.bundles, retention, slog.Default()).
		WithClock(func() time.Time { return testNow })
	return h
}

func (h *harness) seedTerminalJob(jobID, planID string) {
	plan := contracts.DryRunPlan{
		PlanID:     planID,
		TenantID:   testTenant,
		InstanceID: testInstance,
		Source:     testSource,
		PlanHash:   "hash-" + planID,
		Pit: contracts.Pit{
			RestoreTime:         "2026-02-15T09:30:00.000Z",
			PitAlgorithmVersion: "pit.v2",
		},
		Scope: contracts.Scope{Mode: "tables", Tables: []string{"incident"}},
		Conflicts: []contracts.Conflict{
			{ConflictID: "cf-1", RowID: "row-2", Class: contracts.ConflictClassSchema, Resolution: "skip"},
		},
		DeleteCandidates: []contracts.DeleteCandidate{
			{CandidateID: "del-1", RowID: "row-9", Table: "incident", Decision: "keep"},
		},
		Approval: map[string]string{"approved_by": "ops-lead"},
	}
	h.plans.plans[planID] = plan
	h.jobs.jobs[jobID] = contracts.Job{
		JobID:      jobID,
		TenantID:   testTenant,
		InstanceID: testInstance,
		Source:     testSource,
		PlanID:     planID,
		PlanHash:   plan.PlanHash,
		Status:     contracts.JobStatusCompleted,
	}
	h.jobs.events[jobID] = []contracts.JobEvent{
		{EventID: "evt_1", JobID: jobID, Phase: contracts.PhaseExecute, Action: "started", Outcome: "running", ReasonCode: contracts.ReasonNone, At: "2026-02-16T11:00:00.000Z"},
		{EventID: "evt_2", JobID: jobID, Phase: contracts.PhaseExecute, Action: "completed", Outcome: "completed", ReasonCode: contracts.ReasonNone, At: "2026-02-16T11:05:00.000Z"},
	}
	h.execs.records[jobID] = contracts.ExecutionRecord{
		JobID:              jobID,
		PlanID:             planID,
		PlanHash:           plan.PlanHash,
		Status:             contracts.ExecutionStatusCompleted,
		ResumeAttemptCount: 2,
		Checkpoint:         &contracts.Checkpoint{CheckpointID: "ckpt_" + jobID, NextChunkIndex: 3, TotalChunks: 3},
		Summary:            contracts.ExecutionSummary{PlannedRows: 3, AppliedRows: 2, SkippedRows: 1, ChunkCount: 3},
		StartedAt:          "2026-02-16T11:00:00.000Z",
		CompletedAt:        "2026-02-16T11:05:00.000Z",
	}
	h.execs.journal[jobID] = []contracts.RollbackJournalEntry{
		{JournalID: "j-1", JobID: jobID, PlanRowID: "row-1", Table: "incident", Action: "update", ChunkID: "chunk-0000", RowAttempt: 1},
	}
}

func TestExportEvidence_CreatesSignedRecord(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")

	res, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.False(t, res.Reused)

	rec := res.Record
	assert.Equal(t, NewEvidenceID("job_a", "hash-plan-a", "2026-02-16T11:05:00.000Z"), rec.EvidenceID)
	assert.Equal(t, contracts.EvidenceContractVersion, rec.ContractVersion)
	assert.Equal(t, "pit.v2", rec.PitAlgorithmVersion)
	assert.Equal(t, "2026-02-15T09:30:00.000Z", rec.BackupTimestamp)
	assert.Equal(t, 2, rec.ResumeMetadata.ResumeAttemptCount)
	assert.Equal(t, 3, rec.ResumeMetadata.TotalChunks)
	assert.Equal(t, map[string]string{"approved_by": "ops-lead"}, rec.Approval)
	assert.True(t, rec.ImmutableStorage.WormEnabled)

	require.Len(t, rec.Artifacts, 4)
	ids := []string{rec.Artifacts[0].ArtifactID, rec.Artifacts[1].ArtifactID, rec.Artifacts[2].ArtifactID, rec.Artifacts[3].ArtifactID}
	assert.Equal(t, []string{
		contracts.ArtifactExecution,
		contracts.ArtifactJobEvents,
		contracts.ArtifactPlan,
		contracts.ArtifactRollbackJournal,
	}, ids)
	for i, a := range rec.Artifacts {
		assert.Equal(t, canonicalize.SHA256Hex([]byte(a.CanonicalJSON)), a.SHA256)
		assert.Equal(t, len(a.CanonicalJSON), a.ByteLength)
		assert.Equal(t, rec.ArtifactHashes[i].SHA256, a.SHA256)
	}

	assert.NotEmpty(t, rec.ReportHash)
	assert.Equal(t, "ed25519", rec.ManifestSignature.SignatureAlgorithm)
	assert.Equal(t, "key-test-01", rec.ManifestSignature.SignerKeyID)
	assert.Equal(t, contracts.SignatureVerified, rec.ManifestSignature.SignatureVerification)
	assert.Equal(t, contracts.ReasonNone, rec.ReasonCode)

	verification, reason := h.svc.ValidateEvidenceRecord(rec)
	assert.Equal(t, contracts.SignatureVerified, verification)
	assert.Equal(t, contracts.ReasonNone, reason)
}

func TestExportEvidence_SecondExportReusesRecord(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")

	first, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Record.EvidenceID, second.Record.EvidenceID)
	assert.Equal(t, first.Record.ManifestSignature.Signature, second.Record.ManifestSignature.Signature)
}

func TestExportEvidence_RequiresTerminalExecution(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")

	rec := h.execs.records["job_a"]
	rec.Status = contracts.ExecutionStatusPaused
	h.execs.records["job_a"] = rec

	_, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusConflict, fault.StatusCode)
	assert.Equal(t, contracts.ReasonBlockedEvidenceNotReady, fault.ReasonCode)

	delete(h.execs.records, "job_a")
	_, fault = h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.NotNil(t, fault)
	assert.Equal(t, contracts.ReasonBlockedEvidenceNotReady, fault.ReasonCode)
}

func TestExportEvidence_MissingPlanIsInternal(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")
	delete(h.plans.plans, "plan-a")

	_, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusConflict, fault.StatusCode)
	assert.Equal(t, contracts.ReasonFailedInternalError, fault.ReasonCode)
}

func TestExportEvidence_ScopedOutJob(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")

	other := testClaims()
	other.TenantID = "tenant-other"
	_, fault := h.svc.ExportEvidence(context.Background(), "job_a", other)
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusNotFound, fault.StatusCode)
}

func TestExportEvidence_ArchivesBundle(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")

	res, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)

	stored, err := h.bundles.Get(context.Background(), "evidence/"+res.Record.EvidenceID+".json")
	require.NoError(t, err)
	assert.Contains(t, string(stored), res.Record.EvidenceID)
}

func TestExportEvidence_ArchiveFailureDoesNotFailExport(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")
	h.svc.bundles = failingArchive{}

	res, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestValidateEvidenceRecord_TamperDetection(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")

	res, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)

	t.Run("tampered artifact", func(t *testing.T) {
		rec := res.Record
		rec.Artifacts = append([]contracts.EvidenceArtifact(nil), rec.Artifacts...)
		rec.Artifacts[0].CanonicalJSON = `{"status":"completed","tampered":true}`
		verification, reason := h.svc.ValidateEvidenceRecord(rec)
		assert.Equal(t, contracts.SignatureVerificationFailed, verification)
		assert.Equal(t, contracts.ReasonFailedEvidenceArtifactHashMismatch, reason)
	})

	t.Run("tampered summary field", func(t *testing.T) {
		rec := res.Record
		rec.ExecutionOutcomes.AppliedRows = 999
		verification, reason := h.svc.ValidateEvidenceRecord(rec)
		assert.Equal(t, contracts.SignatureVerificationFailed, verification)
		assert.Equal(t, contracts.ReasonFailedEvidenceReportHashMismatch, reason)
	})

	t.Run("tampered signature", func(t *testing.T) {
		rec := res.Record
		rec.ManifestSignature.Signature = "ZmFrZS1zaWduYXR1cmU="
		verification, reason := h.svc.ValidateEvidenceRecord(rec)
		assert.Equal(t, contracts.SignatureVerificationFailed, verification)
		assert.Equal(t, contracts.ReasonFailedEvidenceSignatureVerify, reason)
	})

	t.Run("untouched record verifies", func(t *testing.T) {
		verification, reason := h.svc.ValidateEvidenceRecord(res.Record)
		assert.Equal(t, contracts.SignatureVerified, verification)
		assert.Equal(t, contracts.ReasonNone, reason)
	})
}

func TestGetEvidence(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")

	_, fault := h.svc.GetEvidence(context.Background(), "job_a", testClaims())
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusNotFound, fault.StatusCode)

	res, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)

	got, fault := h.svc.GetEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)
	assert.Equal(t, res.Record.EvidenceID, got.EvidenceID)

	byID, fault := h.svc.GetEvidenceByID(context.Background(), res.Record.EvidenceID, testClaims())
	require.Nil(t, fault)
	assert.Equal(t, "job_a", byID.JobID)

	other := testClaims()
	other.TenantID = "tenant-other"
	_, fault = h.svc.GetEvidenceByID(context.Background(), res.Record.EvidenceID, other)
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusNotFound, fault.StatusCode)
}

func TestListEvidence_ScopedAndSorted(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")
	h.seedTerminalJob("job_b", "plan-b")

	_, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)
	_, fault = h.svc.ExportEvidence(context.Background(), "job_b", testClaims())
	require.Nil(t, fault)

	records := h.svc.ListEvidence(context.Background(), testClaims())
	require.Len(t, records, 2)
	assert.Less(t, records[0].EvidenceID, records[1].EvidenceID)

	other := testClaims()
	other.TenantID = "tenant-other"
	assert.Empty(t, h.svc.ListEvidence(context.Background(), other))
}

func TestHydrate_RestoresRecords(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")

	res, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)

	restarted := NewService(h.svc.store, h.plans, h.jobs, h.execs, h.svc.signer, h.bundles, h.svc.retention, slog.Default())
	require.NoError(t, restarted.Hydrate(context.Background()))

	got, fault := restarted.GetEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)
	assert.Equal(t, res.Record.EvidenceID, got.EvidenceID)
	verification, reason := restarted.ValidateEvidenceRecord(got)
	assert.Equal(t, contracts.SignatureVerified, verification)
	assert.Equal(t, contracts.ReasonNone, reason)
}

func TestVerifyRecord_OfflineWithPublicPEM(t *testing.T) {
	h := newHarness(t)
	h.seedTerminalJob("job_a", "plan-a")

	res, fault := h.svc.ExportEvidence(context.Background(), "job_a", testClaims())
	require.Nil(t, fault)

	pubPEM, err := h.signer.PublicPEM()
	require.NoError(t, err)

	verdict, reason, err := VerifyRecord(res.Record, pubPEM)
	require.NoError(t, err)
	assert.Equal(t, contracts.SignatureVerified, verdict)
	assert.Equal(t, contracts.ReasonNone, reason)

	tampered := res.Record
	tampered.ExecutionOutcomes.AppliedRows++
	verdict, reason, err = VerifyRecord(tampered, pubPEM)
	require.NoError(t, err)
	assert.Equal(t, contracts.SignatureVerificationFailed, verdict)
	assert.Equal(t, contracts.ReasonFailedEvidenceReportHashMismatch, reason)

	_, _, err = VerifyRecord(res.Record, "not a pem")
	assert.Error(t, err)
}

func TestSigner_PEMRoundTrip(t *testing.T) {
	signer, err := GenerateSigner("key-rt-01")
	require.NoError(t, err)

	privPEM, err := signer.PrivatePEM()
	require.NoError(t, err)
	pubPEM, err := signer.PublicPEM()
	require.NoError(t, err)

	reloaded, err := NewSigner("key-rt-01", privPEM, pubPEM)
	require.NoError(t, err)

	sig := signer.Sign([]byte("payload"))
	assert.True(t, reloaded.Verify([]byte("payload"), sig))
}
