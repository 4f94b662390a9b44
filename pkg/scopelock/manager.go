// Package scopelock serializes overlapping restore scopes. A scope key is
// (tenant_id, instance_id); within a key, jobs whose table sets intersect
// are mutually exclusive, admission order is FIFO, and promotion on release
// never overtakes an earlier queued entry.
package scopelock

import (
	"sort"
	"sync"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// Status of an acquire decision.
type Status string

const (
	StatusRunning Status = "running"
	StatusQueued  Status = "queued"
)

// Request asks for exclusive use of a table set under a scope key.
type Request struct {
	TenantID   string
	InstanceID string
	JobID      string
	Tables     []string
}

// Decision is the outcome of an acquire.
type Decision struct {
	Status        Status
	ReasonCode    contracts.ReasonCode
	BlockedTables []string
	QueuePosition int // 1-based, only when queued
}

// Entry is one holder or waiter, as exposed by Snapshot.
type Entry struct {
	JobID         string   `json:"job_id"`
	Tables        []string `json:"tables"`
	QueuePosition int      `json:"queue_position,omitempty"`
}

// ScopeSnapshot is the observable state of one scope key.
type ScopeSnapshot struct {
	TenantID   string  `json:"tenant_id"`
	InstanceID string  `json:"instance_id"`
	Running    []Entry `json:"running"`
	Queue      []Entry `json:"queue"`
}

type scopeKey struct {
	tenantID   string
	instanceID string
}

type entry struct {
	jobID  string
	tables []string
}

type scopeState struct {
	running []entry
	queue   []entry
}

// Manager is the in-memory lock authority. Acquire, Release and Snapshot
// are atomic with respect to each other.
type Manager struct {
	mu     sync.Mutex
	scopes map[scopeKey]*scopeState
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{scopes: make(map[scopeKey]*scopeState)}
}

// Acquire grants the scope immediately when the table set overlaps neither
// a running holder nor any queued waiter; otherwise it appends the request
// to the FIFO queue.
func (m *Manager) Acquire(req Request) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	tables := normalizeTables(req.Tables)
	key := scopeKey{req.TenantID, req.InstanceID}
	state := m.scopes[key]
	if state == nil {
		state = &scopeState{}
		m.scopes[key] = state
	}

	blocked := map[string]struct{}{}
	for _, e := range state.running {
		for _, t := range intersect(e.tables, tables) {
			blocked[t] = struct{}{}
		}
	}
	// Queued waiters block too: admitting around them would overtake FIFO.
	for _, e := range state.queue {
		for _, t := range intersect(e.tables, tables) {
			blocked[t] = struct{}{}
		}
	}

	if len(blocked) == 0 {
		state.running = append(state.running, entry{jobID: req.JobID, tables: tables})
		return Decision{Status: StatusRunning, ReasonCode: contracts.ReasonNone}
	}

	state.queue = append(state.queue, entry{jobID: req.JobID, tables: tables})
	return Decision{
		Status:        StatusQueued,
		ReasonCode:    contracts.ReasonQueuedScopeLock,
		BlockedTables: sortedKeys(blocked),
		QueuePosition: len(state.queue),
	}
}

// Release removes the job from its scope (running or queued) and promotes
// every queued entry that no longer overlaps a remaining running entry or
// an earlier entry still stuck in the queue. Promoted job ids are returned
// in FIFO order.
func (m *Manager) Release(tenantID, instanceID, jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopeKey{tenantID, instanceID}
	state := m.scopes[key]
	if state == nil {
		return nil
	}

	state.running = removeJob(state.running, jobID)
	state.queue = removeJob(state.queue, jobID)

	var promoted []string
	var stillQueued []entry
	for _, candidate := range state.queue {
		if overlapsAny(candidate.tables, state.running) || overlapsAny(candidate.tables, stillQueued) {
			stillQueued = append(stillQueued, candidate)
			continue
		}
		state.running = append(state.running, candidate)
		promoted = append(promoted, candidate.jobID)
	}
	state.queue = stillQueued

	if len(state.running) == 0 && len(state.queue) == 0 {
		delete(m.scopes, key)
	}
	return promoted
}

// QueuePosition returns the 1-based queue position of jobID, or 0 when the
// job is not queued under the key.
func (m *Manager) QueuePosition(tenantID, instanceID, jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.scopes[scopeKey{tenantID, instanceID}]
	if state == nil {
		return 0
	}
	for i, e := range state.queue {
		if e.jobID == jobID {
			return i + 1
		}
	}
	return 0
}

// Snapshot returns every scope key's holders and waiters, ordered by key.
func (m *Manager) Snapshot() []ScopeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ScopeSnapshot, 0, len(m.scopes))
	for key, state := range m.scopes {
		snap := ScopeSnapshot{TenantID: key.tenantID, InstanceID: key.instanceID}
		for _, e := range state.running {
			snap.Running = append(snap.Running, Entry{JobID: e.jobID, Tables: append([]string(nil), e.tables...)})
		}
		for i, e := range state.queue {
			snap.Queue = append(snap.Queue, Entry{JobID: e.jobID, Tables: append([]string(nil), e.tables...), QueuePosition: i + 1})
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

func normalizeTables(tables []string) []string {
	seen := map[string]struct{}{}
	for _, t := range tables {
		if t != "" {
			seen[t] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	var out []string
	for _, t := range b {
		if _, ok := set[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func overlapsAny(tables []string, entries []entry) bool {
	for _, e := range entries {
		if len(intersect(e.tables, tables)) > 0 {
			return true
		}
	}
	return false
}

func removeJob(entries []entry, jobID string) []entry {
	out := entries[:0]
	for _, e := range entries {
		if e.jobID != jobID {
			out = append(out, e)
		}
	}
	return out
}
