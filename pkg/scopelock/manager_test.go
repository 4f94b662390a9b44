package scopelock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

func req(jobID string, tables ...string) Request {
	return Request{TenantID: "tenant-acme", InstanceID: "sn-dev-01", JobID: jobID, Tables: tables}
}

func TestManager_DisjointTablesRunConcurrently(t *testing.T) {
	m := NewManager()

	a := m.Acquire(req("job_a", "incident"))
	b := m.Acquire(req("job_b", "task"))

	assert.Equal(t, StatusRunning, a.Status)
	assert.Equal(t, StatusRunning, b.Status)
	assert.Equal(t, contracts.ReasonNone, a.ReasonCode)
}

func TestManager_OverlapQueuesWithBlockedTables(t *testing.T) {
	m := NewManager()

	m.Acquire(req("job_a", "incident", "task"))
	b := m.Acquire(req("job_b", "task", "problem"))

	require.Equal(t, StatusQueued, b.Status)
	assert.Equal(t, contracts.ReasonQueuedScopeLock, b.ReasonCode)
	assert.Equal(t, []string{"task"}, b.BlockedTables)
	assert.Equal(t, 1, b.QueuePosition)
}

func TestManager_ScopeKeysAreIndependent(t *testing.T) {
	m := NewManager()

	m.Acquire(req("job_a", "incident"))
	other := m.Acquire(Request{TenantID: "tenant-beta", InstanceID: "sn-dev-01", JobID: "job_x", Tables: []string{"incident"}})

	assert.Equal(t, StatusRunning, other.Status)
}

func TestManager_ReleasePromotesFIFO(t *testing.T) {
	m := NewManager()

	m.Acquire(req("job_a", "incident"))
	b := m.Acquire(req("job_b", "incident"))
	c := m.Acquire(req("job_c", "incident"))
	require.Equal(t, 1, b.QueuePosition)
	require.Equal(t, 2, c.QueuePosition)

	promoted := m.Release("tenant-acme", "sn-dev-01", "job_a")
	assert.Equal(t, []string{"job_b"}, promoted)
	assert.Equal(t, 1, m.QueuePosition("tenant-acme", "sn-dev-01", "job_c"))

	promoted = m.Release("tenant-acme", "sn-dev-01", "job_b")
	assert.Equal(t, []string{"job_c"}, promoted)

	promoted = m.Release("tenant-acme", "sn-dev-01", "job_c")
	assert.Empty(t, promoted)
	assert.Empty(t, m.Snapshot())
}

// A later waiter never overtakes an earlier waiter whose tables it overlaps,
// even when the earlier waiter is itself still blocked.
func TestManager_PromotionNeverOvertakes(t *testing.T) {
	m := NewManager()

	m.Acquire(req("job_a", "incident"))
	m.Acquire(req("job_b", "task"))
	// C waits on both; D overlaps only C's task claim.
	c := m.Acquire(req("job_c", "incident", "task"))
	d := m.Acquire(req("job_d", "task"))
	require.Equal(t, StatusQueued, c.Status)
	require.Equal(t, StatusQueued, d.Status)

	// Releasing A leaves C blocked on B's task; D must stay behind C.
	promoted := m.Release("tenant-acme", "sn-dev-01", "job_a")
	assert.Empty(t, promoted)
	assert.Equal(t, 1, m.QueuePosition("tenant-acme", "sn-dev-01", "job_c"))
	assert.Equal(t, 2, m.QueuePosition("tenant-acme", "sn-dev-01", "job_d"))

	// Releasing B unblocks C; D still overlaps C and stays queued.
	promoted = m.Release("tenant-acme", "sn-dev-01", "job_b")
	assert.Equal(t, []string{"job_c"}, promoted)
	assert.Equal(t, 1, m.QueuePosition("tenant-acme", "sn-dev-01", "job_d"))

	promoted = m.Release("tenant-acme", "sn-dev-01", "job_c")
	assert.Equal(t, []string{"job_d"}, promoted)
}

func TestManager_AcquireBehindQueuedWaiter(t *testing.T) {
	m := NewManager()

	m.Acquire(req("job_a", "incident"))
	m.Acquire(req("job_b", "incident", "task"))

	// C does not overlap the running holder, but admitting it would
	// overtake the queued B on task.
	c := m.Acquire(req("job_c", "task"))
	require.Equal(t, StatusQueued, c.Status)
	assert.Equal(t, []string{"task"}, c.BlockedTables)
	assert.Equal(t, 2, c.QueuePosition)
}

func TestManager_ReleaseQueuedJobReindexesQueue(t *testing.T) {
	m := NewManager()

	m.Acquire(req("job_a", "incident"))
	m.Acquire(req("job_b", "incident"))
	m.Acquire(req("job_c", "incident"))

	promoted := m.Release("tenant-acme", "sn-dev-01", "job_b")
	assert.Empty(t, promoted)
	assert.Equal(t, 1, m.QueuePosition("tenant-acme", "sn-dev-01", "job_c"))
}

func TestManager_ReleaseUnknownJobIsNoop(t *testing.T) {
	m := NewManager()
	m.Acquire(req("job_a", "incident"))

	assert.Empty(t, m.Release("tenant-acme", "sn-dev-01", "job_zzz"))
	assert.Empty(t, m.Release("tenant-acme", "other", "job_a"))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "job_a", snap[0].Running[0].JobID)
}

func TestManager_SnapshotOrdering(t *testing.T) {
	m := NewManager()

	m.Acquire(Request{TenantID: "tenant-beta", InstanceID: "sn-1", JobID: "job_x", Tables: []string{"task"}})
	m.Acquire(req("job_a", "incident"))
	m.Acquire(req("job_b", "incident"))

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "tenant-acme", snap[0].TenantID)
	require.Len(t, snap[0].Queue, 1)
	assert.Equal(t, "job_b", snap[0].Queue[0].JobID)
	assert.Equal(t, 1, snap[0].Queue[0].QueuePosition)
	assert.Equal(t, "tenant-beta", snap[1].TenantID)
}

func TestManager_TablesNormalized(t *testing.T) {
	m := NewManager()

	m.Acquire(req("job_a", "task", "incident", "task", ""))
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, []string{"incident", "task"}, snap[0].Running[0].Tables)
}

func TestManager_ConcurrentAcquireRelease(t *testing.T) {
	m := NewManager()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			jobID := "job_" + string(rune('a'+id))
			m.Acquire(req(jobID, "incident"))
			m.Release("tenant-acme", "sn-dev-01", jobID)
		}(i)
	}
	wg.Wait()

	// Every job released itself; nothing may remain held or queued.
	for i := 0; i < 16; i++ {
		m.Release("tenant-acme", "sn-dev-01", "job_"+string(rune('a'+i)))
	}
	assert.Empty(t, m.Snapshot())
}
