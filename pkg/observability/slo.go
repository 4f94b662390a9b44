package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tracked operations.
const (
	OperationCreatePlan     = "create_plan"
	OperationCreateJob      = "create_job"
	OperationExecute        = "execute"
	OperationResume         = "resume"
	OperationExportEvidence = "export_evidence"
	OperationRead           = "read"
)

// SLOTarget is the objective for one operation.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0..1
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is one recorded request.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports the current compliance of one target.
type SLOStatus struct {
	SLOID          string  `json:"slo_id"`
	Operation      string  `json:"operation"`
	CurrentP99     float64 `json:"current_p99_ms"`
	CurrentSuccess float64 `json:"current_success_rate"`
	InCompliance   bool    `json:"in_compliance"`
	// BurnRate above 1 means the error budget drains faster than the
	// window allows.
	BurnRate     float64 `json:"burn_rate"`
	Observations int     `json:"observations"`
}

// SLOTracker records observations and evaluates targets over a sliding
// window.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]SLOTarget // by operation
	observations map[string][]SLOObservation
	now          func() time.Time
}

// NewSLOTracker builds a tracker with the default restore targets.
func NewSLOTracker() *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]SLOTarget),
		observations: make(map[string][]SLOObservation),
		now:          time.Now,
	}
	for _, target := range []SLOTarget{
		{SLOID: "slo-create-plan", Operation: OperationCreatePlan, LatencyP99: 2 * time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-create-job", Operation: OperationCreateJob, LatencyP99: time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-execute", Operation: OperationExecute, LatencyP99: 30 * time.Second, SuccessRate: 0.95, WindowHours: 24},
		{SLOID: "slo-resume", Operation: OperationResume, LatencyP99: 30 * time.Second, SuccessRate: 0.95, WindowHours: 24},
		{SLOID: "slo-export-evidence", Operation: OperationExportEvidence, LatencyP99: 5 * time.Second, SuccessRate: 0.99, WindowHours: 24},
	} {
		t.targets[target.Operation] = target
	}
	return t
}

// SetTarget registers or replaces a target.
func (t *SLOTracker) SetTarget(target SLOTarget) error {
	if target.SLOID == "" || target.Operation == "" {
		return fmt.Errorf("observability: slo target requires id and operation")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
	return nil
}

// Observe records one request outcome.
func (t *SLOTracker) Observe(operation string, latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observations[operation] = append(t.observations[operation], SLOObservation{
		Operation: operation,
		Latency:   latency,
		Success:   success,
		Timestamp: t.now(),
	})
}

// Status evaluates the target for one operation against its window.
func (t *SLOTracker) Status(operation string) (SLOStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return SLOStatus{}, false
	}
	cutoff := t.now().Add(-time.Duration(target.WindowHours) * time.Hour)

	var inWindow []SLOObservation
	for _, o := range t.observations[operation] {
		if !o.Timestamp.Before(cutoff) {
			inWindow = append(inWindow, o)
		}
	}
	t.observations[operation] = inWindow

	status := SLOStatus{
		SLOID:        target.SLOID,
		Operation:    operation,
		InCompliance: true,
		Observations: len(inWindow),
	}
	if len(inWindow) == 0 {
		return status, true
	}

	latencies := make([]time.Duration, 0, len(inWindow))
	successes := 0
	for _, o := range inWindow {
		latencies = append(latencies, o.Latency)
		if o.Success {
			successes++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (len(latencies) * 99) / 100
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}

	status.CurrentP99 = float64(latencies[idx].Milliseconds())
	status.CurrentSuccess = float64(successes) / float64(len(inWindow))
	status.InCompliance = latencies[idx] <= target.LatencyP99 && status.CurrentSuccess >= target.SuccessRate

	if budget := 1 - target.SuccessRate; budget > 0 {
		status.BurnRate = (1 - status.CurrentSuccess) / budget
	}
	return status, true
}

// Statuses evaluates every registered target, ordered by operation.
func (t *SLOTracker) Statuses() []SLOStatus {
	t.mu.Lock()
	operations := make([]string, 0, len(t.targets))
	for op := range t.targets {
		operations = append(operations, op)
	}
	t.mu.Unlock()
	sort.Strings(operations)

	out := make([]SLOStatus, 0, len(operations))
	for _, op := range operations {
		if status, ok := t.Status(op); ok {
			out = append(out, status)
		}
	}
	return out
}
