package job

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/registry"
	"github.com/Rezilient-Labs/restore-control/core/pkg/scopelock"
	"github.com/Rezilient-Labs/restore-control/core/pkg/snapshot"
)

const (
	tenantID   = "tenant-acme"
	instanceID = "sn-dev-01"
	source     = "sn://acme-dev.service-now.com"
)

var now = time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)

func testClaims() contracts.Claims {
	return contracts.Claims{
		TenantID:     tenantID,
		InstanceID:   instanceID,
		Source:       source,
		ServiceScope: contracts.ServiceScopeRestore,
	}
}

// planStub serves a fixed set of executable plans.
type planStub struct {
	plans map[string]contracts.DryRunPlan
}

func (p *planStub) GetPlan(_ context.Context, planID string, claims contracts.Claims) (contracts.DryRunPlan, *contracts.Fault) {
	pl, ok := p.plans[planID]
	if !ok || !claims.MatchesScope(pl.TenantID, pl.InstanceID, pl.Source) {
		return contracts.DryRunPlan{}, contracts.NotFound("plan %s not found", planID)
	}
	return pl, nil
}

func executablePlan(planID string, tables ...string) contracts.DryRunPlan {
	return contracts.DryRunPlan{
		PlanID:     planID,
		TenantID:   tenantID,
		InstanceID: instanceID,
		Source:     source,
		PlanHash:   "hash-" + planID,
		Scope:      contracts.Scope{Mode: "tables", Tables: tables},
		Gate:       contracts.Gate{Executability: contracts.ExecutabilityExecutable, ReasonCode: contracts.ReasonNone},
	}
}

func newTestService(t *testing.T, plans ...contracts.DryRunPlan) (*Service, *scopelock.Manager) {
	t.Helper()
	stub := &planStub{plans: map[string]contracts.DryRunPlan{}}
	for _, p := range plans {
		stub.plans[p.PlanID] = p
	}
	resolver := registry.NewStaticResolver([]contracts.SourceMapping{{
		TenantID:        tenantID,
		InstanceID:      instanceID,
		Source:          source,
		AllowedServices: []string{contracts.ServiceScopeRestore},
	}})
	locks := scopelock.NewManager()
	store := snapshot.NewMemoryStore(contracts.StoreKeyJobState)
	svc := NewService(store, stub, registry.NewAdmission(resolver, nil, nil), locks, nil).
		WithClock(func() time.Time { return now })
	require.NoError(t, svc.Hydrate(context.Background()))
	return svc, locks
}

func createReq(planID string) contracts.CreateJobRequest {
	return contracts.CreateJobRequest{
		TenantID:             tenantID,
		InstanceID:           instanceID,
		Source:               source,
		PlanID:               planID,
		PlanHash:             "hash-" + planID,
		RequiredCapabilities: []string{contracts.CapabilityRestoreExecute},
		RequestedBy:          "operator-1",
	}
}

func TestCreateJob_RunsWhenScopeFree(t *testing.T) {
	svc, _ := newTestService(t, executablePlan("plan-a", "incident"))

	j, fault := svc.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.Nil(t, fault)

	assert.Equal(t, contracts.JobStatusRunning, j.Status)
	assert.Equal(t, contracts.ReasonNone, j.StatusReasonCode)
	assert.Regexp(t, "^job_[0-9a-f]{24}$", j.JobID)
	assert.Equal(t, []string{"incident"}, j.LockScopeTables)
	assert.Equal(t, "2026-02-16T12:00:00.000Z", j.StartedAt)

	events, fault := svc.ListJobEvents(context.Background(), j.JobID, testClaims())
	require.Nil(t, fault)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.PhasePlan, events[0].Phase)
	assert.Equal(t, "job_created", events[0].Action)
	assert.Equal(t, "accepted", events[0].Outcome)
}

func TestCreateJob_QueuesOnOverlap(t *testing.T) {
	svc, _ := newTestService(t, executablePlan("plan-a", "incident"), executablePlan("plan-b", "incident"))

	a, fault := svc.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.Nil(t, fault)
	b, fault := svc.CreateJob(context.Background(), createReq("plan-b"), testClaims())
	require.Nil(t, fault)

	assert.Equal(t, contracts.JobStatusRunning, a.Status)
	require.Equal(t, contracts.JobStatusQueued, b.Status)
	assert.Equal(t, contracts.ReasonQueuedScopeLock, b.WaitReasonCode)
	assert.Equal(t, 1, b.QueuePosition)

	events, fault := svc.ListJobEvents(context.Background(), b.JobID, testClaims())
	require.Nil(t, fault)
	require.Len(t, events, 2)
	assert.Equal(t, "queued_for_lock", events[1].Action)
	assert.Equal(t, "queued", events[1].Outcome)
}

func TestCreateJob_PlanHashMismatchRejected(t *testing.T) {
	svc, _ := newTestService(t, executablePlan("plan-a", "incident"))

	req := createReq("plan-a")
	req.PlanHash = "deadbeef"
	_, fault := svc.CreateJob(context.Background(), req, testClaims())
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusConflict, fault.StatusCode)
	assert.Equal(t, contracts.ReasonBlockedPlanHashMismatch, fault.ReasonCode)
}

func TestCreateJob_NonExecutableGateRejected(t *testing.T) {
	p := executablePlan("plan-a", "incident")
	p.Gate = contracts.Gate{Executability: contracts.ExecutabilityPreviewOnly, ReasonCode: contracts.ReasonBlockedFreshnessStale}
	svc, _ := newTestService(t, p)

	_, fault := svc.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusConflict, fault.StatusCode)
	assert.Equal(t, contracts.ReasonBlockedFreshnessStale, fault.ReasonCode)
}

func TestCreateJob_ScopeMismatchIsNotFound(t *testing.T) {
	svc, _ := newTestService(t, executablePlan("plan-a", "incident"))

	claims := testClaims()
	claims.TenantID = "tenant-beta"
	req := createReq("plan-a")
	req.TenantID = "tenant-beta"
	_, fault := svc.CreateJob(context.Background(), req, claims)
	require.NotNil(t, fault)
	// Either admission or plan lookup scopes the request out; never a leak
	// of the other tenant's plan.
	assert.NotEqual(t, http.StatusOK, fault.StatusCode)
}

func TestCompleteJob_PromotesQueuedJob(t *testing.T) {
	svc, _ := newTestService(t, executablePlan("plan-a", "incident"), executablePlan("plan-b", "incident"))

	a, fault := svc.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.Nil(t, fault)
	b, fault := svc.CreateJob(context.Background(), createReq("plan-b"), testClaims())
	require.Nil(t, fault)

	done, promoted, fault := svc.CompleteJob(context.Background(), a.JobID, contracts.JobStatusCompleted, contracts.ReasonNone, testClaims())
	require.Nil(t, fault)
	assert.Equal(t, contracts.JobStatusCompleted, done.Status)
	assert.Equal(t, "2026-02-16T12:00:00.000Z", done.CompletedAt)
	require.Equal(t, []string{b.JobID}, promoted)

	got, fault := svc.GetJob(context.Background(), b.JobID, testClaims())
	require.Nil(t, fault)
	assert.Equal(t, contracts.JobStatusRunning, got.Status)
	assert.Zero(t, got.QueuePosition)
	assert.Empty(t, got.WaitReasonCode)

	events, fault := svc.ListJobEvents(context.Background(), b.JobID, testClaims())
	require.Nil(t, fault)
	last := events[len(events)-1]
	assert.Equal(t, "promoted", last.Action)
	assert.Equal(t, "running", last.Outcome)
}

func TestCompleteJob_AdvancesRemainingWaiters(t *testing.T) {
	svc, _ := newTestService(t,
		executablePlan("plan-a", "incident"),
		executablePlan("plan-b", "incident"),
		executablePlan("plan-c", "incident"))

	a, fault := svc.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.Nil(t, fault)
	b, fault := svc.CreateJob(context.Background(), createReq("plan-b"), testClaims())
	require.Nil(t, fault)
	c, fault := svc.CreateJob(context.Background(), createReq("plan-c"), testClaims())
	require.Nil(t, fault)
	require.Equal(t, 1, b.QueuePosition)
	require.Equal(t, 2, c.QueuePosition)

	_, promoted, fault := svc.CompleteJob(context.Background(), a.JobID, contracts.JobStatusCompleted, contracts.ReasonNone, testClaims())
	require.Nil(t, fault)
	require.Equal(t, []string{b.JobID}, promoted)

	// c is still queued but now at the head of the wait line, and the
	// stored job reflects it.
	got, fault := svc.GetJob(context.Background(), c.JobID, testClaims())
	require.Nil(t, fault)
	assert.Equal(t, contracts.JobStatusQueued, got.Status)
	assert.Equal(t, contracts.ReasonQueuedScopeLock, got.WaitReasonCode)
	assert.Equal(t, 1, got.QueuePosition)

	_, promoted, fault = svc.CompleteJob(context.Background(), b.JobID, contracts.JobStatusCompleted, contracts.ReasonNone, testClaims())
	require.Nil(t, fault)
	require.Equal(t, []string{c.JobID}, promoted)
	got, fault = svc.GetJob(context.Background(), c.JobID, testClaims())
	require.Nil(t, fault)
	assert.Equal(t, contracts.JobStatusRunning, got.Status)
	assert.Zero(t, got.QueuePosition)
}

func TestCompleteJob_TerminalTwiceRejected(t *testing.T) {
	svc, _ := newTestService(t, executablePlan("plan-a", "incident"))

	j, fault := svc.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.Nil(t, fault)
	_, _, fault = svc.CompleteJob(context.Background(), j.JobID, contracts.JobStatusFailed, contracts.ReasonFailedMediaRetryExhausted, testClaims())
	require.Nil(t, fault)

	_, _, fault = svc.CompleteJob(context.Background(), j.JobID, contracts.JobStatusCompleted, contracts.ReasonNone, testClaims())
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusConflict, fault.StatusCode)
}

func TestPauseResumeKeepsLock(t *testing.T) {
	svc, locks := newTestService(t, executablePlan("plan-a", "incident"), executablePlan("plan-b", "incident"))

	a, fault := svc.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.Nil(t, fault)

	paused, fault := svc.PauseJob(context.Background(), a.JobID, contracts.ReasonPausedTokenRefreshGraceExhausted, testClaims())
	require.Nil(t, fault)
	assert.Equal(t, contracts.JobStatusPaused, paused.Status)
	assert.Equal(t, contracts.ReasonPausedTokenRefreshGraceExhausted, paused.StatusReasonCode)

	// The pause keeps the scope held: a new overlapping job still queues.
	b, fault := svc.CreateJob(context.Background(), createReq("plan-b"), testClaims())
	require.Nil(t, fault)
	assert.Equal(t, contracts.JobStatusQueued, b.Status)
	require.Len(t, locks.Snapshot(), 1)

	resumed, fault := svc.ResumePausedJob(context.Background(), a.JobID, testClaims())
	require.Nil(t, fault)
	assert.Equal(t, contracts.JobStatusRunning, resumed.Status)
	assert.Equal(t, contracts.ReasonNone, resumed.StatusReasonCode)
}

func TestPauseJob_RequiresRunning(t *testing.T) {
	svc, _ := newTestService(t, executablePlan("plan-a", "incident"), executablePlan("plan-b", "incident"))

	_, fault := svc.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.Nil(t, fault)
	b, fault := svc.CreateJob(context.Background(), createReq("plan-b"), testClaims())
	require.Nil(t, fault)

	_, fault = svc.PauseJob(context.Background(), b.JobID, contracts.ReasonPausedTokenRefreshGraceExhausted, testClaims())
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusConflict, fault.StatusCode)
}

func TestListCrossServiceJobEvents_Projection(t *testing.T) {
	svc, _ := newTestService(t, executablePlan("plan-a", "incident"))

	j, fault := svc.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.Nil(t, fault)

	events, fault := svc.ListCrossServiceJobEvents(context.Background(), testClaims())
	require.Nil(t, fault)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, contracts.AuditContractVersion, e.ContractVersion)
	assert.Equal(t, contracts.AuditEventSchemaVersion, e.SchemaVersion)
	assert.Equal(t, contracts.ServiceScopeRestore, e.Service)
	assert.Equal(t, j.JobID, e.JobID)
	assert.Equal(t, "plan-a", e.PlanID)
	assert.Equal(t, contracts.PhasePlan, e.Lifecycle)

	other := testClaims()
	other.TenantID = "tenant-beta"
	scoped, fault := svc.ListCrossServiceJobEvents(context.Background(), other)
	require.Nil(t, fault)
	assert.Empty(t, scoped)
}

func TestHydrateReseatsLocks(t *testing.T) {
	stub := &planStub{plans: map[string]contracts.DryRunPlan{
		"plan-a": executablePlan("plan-a", "incident"),
		"plan-b": executablePlan("plan-b", "incident"),
	}}
	resolver := registry.NewStaticResolver([]contracts.SourceMapping{{
		TenantID: tenantID, InstanceID: instanceID, Source: source,
		AllowedServices: []string{contracts.ServiceScopeRestore},
	}})
	store := snapshot.NewMemoryStore(contracts.StoreKeyJobState)

	first := NewService(store, stub, registry.NewAdmission(resolver, nil, nil), scopelock.NewManager(), nil).
		WithClock(func() time.Time { return now })
	require.NoError(t, first.Hydrate(context.Background()))
	a, fault := first.CreateJob(context.Background(), createReq("plan-a"), testClaims())
	require.Nil(t, fault)
	b, fault := first.CreateJob(context.Background(), createReq("plan-b"), testClaims())
	require.Nil(t, fault)
	require.Equal(t, contracts.JobStatusQueued, b.Status)

	// Restart: a fresh manager must rebuild running and queued scopes.
	locks := scopelock.NewManager()
	second := NewService(store, stub, registry.NewAdmission(resolver, nil, nil), locks, nil).
		WithClock(func() time.Time { return now })
	require.NoError(t, second.Hydrate(context.Background()))

	snap := locks.Snapshot()
	require.Len(t, snap, 1)
	require.Len(t, snap[0].Running, 1)
	assert.Equal(t, a.JobID, snap[0].Running[0].JobID)
	require.Len(t, snap[0].Queue, 1)
	assert.Equal(t, b.JobID, snap[0].Queue[0].JobID)

	_, promoted, fault := second.CompleteJob(context.Background(), a.JobID, contracts.JobStatusCompleted, contracts.ReasonNone, testClaims())
	require.Nil(t, fault)
	assert.Equal(t, []string{b.JobID}, promoted)
}
