package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Rezilient-Labs/restore-control/core/pkg/auth"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/evidence"
	"github.com/Rezilient-Labs/restore-control/core/pkg/execution"
	"github.com/Rezilient-Labs/restore-control/core/pkg/job"
	"github.com/Rezilient-Labs/restore-control/core/pkg/plan"
	"github.com/Rezilient-Labs/restore-control/core/pkg/scopelock"
)

const maxBodyBytes = 4 << 20

// Server exposes the restore control operations over HTTP. Authentication,
// request ids, CORS, idempotency replay and rate limiting are middleware
// concerns layered by Handler.
type Server struct {
	Plans      *plan.Service
	Jobs       *job.Service
	Executions *execution.Service
	Evidence   *evidence.Service
}

// Routes registers every operation on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleHealth)

	mux.HandleFunc("POST /v1/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /v1/plans", s.handleListPlans)
	mux.HandleFunc("GET /v1/plans/{planID}", s.handleGetPlan)

	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{jobID}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{jobID}/events", s.handleListJobEvents)
	mux.HandleFunc("GET /v1/audit/job-events", s.handleAuditJobEvents)
	mux.HandleFunc("GET /v1/locks", s.handleLockSnapshot)

	mux.HandleFunc("POST /v1/jobs/{jobID}/execute", s.handleExecuteJob)
	mux.HandleFunc("POST /v1/jobs/{jobID}/resume", s.handleResumeJob)
	mux.HandleFunc("GET /v1/jobs/{jobID}/execution", s.handleGetExecution)
	mux.HandleFunc("GET /v1/jobs/{jobID}/checkpoint", s.handleGetCheckpoint)
	mux.HandleFunc("GET /v1/jobs/{jobID}/rollback-journal", s.handleGetRollbackJournal)
	mux.HandleFunc("GET /v1/executions", s.handleListExecutions)

	mux.HandleFunc("POST /v1/jobs/{jobID}/evidence", s.handleExportEvidence)
	mux.HandleFunc("GET /v1/jobs/{jobID}/evidence", s.handleGetEvidence)
	mux.HandleFunc("GET /v1/evidence", s.handleListEvidence)
	mux.HandleFunc("GET /v1/evidence/{evidenceID}", s.handleGetEvidenceByID)
	mux.HandleFunc("POST /v1/evidence/{evidenceID}/verify", s.handleVerifyEvidence)

	return mux
}

// Handler wraps the routes with the standard middleware chain.
func (s *Server) Handler(verifier *auth.Verifier, counter auth.CounterStore, policy auth.RateLimitPolicy, idem IdempotencyStorer) http.Handler {
	var h http.Handler = s.Routes()
	h = IdempotencyMiddleware(idem)(h)
	h = auth.RateLimitMiddleware(counter, policy)(h)
	h = auth.Middleware(verifier)(h)
	h = auth.CORSMiddleware(nil)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func claimsOr401(w http.ResponseWriter, r *http.Request) (contracts.Claims, bool) {
	claims, err := auth.ClaimsFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return contracts.Claims{}, false
	}
	return claims, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	var req contracts.CreateDryRunPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, fault := s.Plans.CreateDryRunPlan(r.Context(), req, claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	p, fault := s.Plans.GetPlan(r.Context(), r.PathValue("planID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"plans": s.Plans.ListPlans(r.Context(), claims)})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	var req contracts.CreateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	j, fault := s.Jobs.CreateJob(r.Context(), req, claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	status := http.StatusCreated
	if j.Status == contracts.JobStatusQueued {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	j, fault := s.Jobs.GetJob(r.Context(), r.PathValue("jobID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": s.Jobs.ListJobs(r.Context(), claims)})
}

func (s *Server) handleListJobEvents(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	events, fault := s.Jobs.ListJobEvents(r.Context(), r.PathValue("jobID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAuditJobEvents(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	events, fault := s.Jobs.ListCrossServiceJobEvents(r.Context(), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleLockSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := claimsOr401(w, r); !ok {
		return
	}
	snapshotOut := s.Jobs.GetLockSnapshot(r.Context())
	if snapshotOut == nil {
		snapshotOut = []scopelock.ScopeSnapshot{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"scopes": snapshotOut})
}

func (s *Server) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	var req contracts.ExecuteJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, fault := s.Executions.ExecuteJob(r.Context(), r.PathValue("jobID"), req, claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, res.StatusCode, res.Record)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	var req contracts.ResumeJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, fault := s.Executions.ResumeJob(r.Context(), r.PathValue("jobID"), req, claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, res.StatusCode, res.Record)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	record, fault := s.Executions.GetExecution(r.Context(), r.PathValue("jobID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"executions": s.Executions.ListExecutions(r.Context(), claims)})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	ckpt, fault := s.Executions.GetCheckpoint(r.Context(), r.PathValue("jobID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, http.StatusOK, ckpt)
}

func (s *Server) handleGetRollbackJournal(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	journal, mirrors, fault := s.Executions.GetRollbackJournal(r.Context(), r.PathValue("jobID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	if journal == nil {
		journal = []contracts.RollbackJournalEntry{}
	}
	if mirrors == nil {
		mirrors = []contracts.MirrorEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"journal": journal, "mirrors": mirrors})
}

func (s *Server) handleExportEvidence(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	res, fault := s.Evidence.ExportEvidence(r.Context(), r.PathValue("jobID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, res.StatusCode, map[string]any{"reused": res.Reused, "evidence": res.Record})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	record, fault := s.Evidence.GetEvidence(r.Context(), r.PathValue("jobID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"evidence": s.Evidence.ListEvidence(r.Context(), claims)})
}

func (s *Server) handleGetEvidenceByID(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	record, fault := s.Evidence.GetEvidenceByID(r.Context(), r.PathValue("evidenceID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

func (s *Server) handleVerifyEvidence(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOr401(w, r)
	if !ok {
		return
	}
	record, fault := s.Evidence.GetEvidenceByID(r.Context(), r.PathValue("evidenceID"), claims)
	if fault != nil {
		WriteFault(w, fault)
		return
	}
	verification, reason := s.Evidence.ValidateEvidenceRecord(record)
	out := map[string]any{
		"evidence_id":            record.EvidenceID,
		"signature_verification": verification,
	}
	if reason != contracts.ReasonNone {
		out["reason_code"] = reason
	}
	WriteJSON(w, http.StatusOK, out)
}
