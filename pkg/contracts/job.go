package contracts

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status releases the scope lock.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is an admitted restore job bound to a plan by (plan_id, plan_hash).
type Job struct {
	JobID                string     `json:"job_id"`
	TenantID             string     `json:"tenant_id"`
	InstanceID           string     `json:"instance_id"`
	Source               string     `json:"source"`
	PlanID               string     `json:"plan_id"`
	PlanHash             string     `json:"plan_hash"`
	Status               JobStatus  `json:"status"`
	StatusReasonCode     ReasonCode `json:"status_reason_code"`
	WaitReasonCode       ReasonCode `json:"wait_reason_code,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	LockScopeTables      []string   `json:"lock_scope_tables"`
	RequestedBy          string     `json:"requested_by"`
	RequestedAt          string     `json:"requested_at"`
	StartedAt            string     `json:"started_at,omitempty"`
	CompletedAt          string     `json:"completed_at,omitempty"`
	QueuePosition        int        `json:"queue_position,omitempty"`
}

// Job event phases and lifecycle stages.
const (
	PhasePlan     = "plan"
	PhaseExecute  = "execute"
	PhaseEvidence = "evidence"
)

// JobEvent is one entry of a job's strictly append-ordered event log.
type JobEvent struct {
	EventID    string     `json:"event_id"`
	JobID      string     `json:"job_id"`
	Phase      string     `json:"phase"`
	Action     string     `json:"action"`
	Outcome    string     `json:"outcome"`
	ReasonCode ReasonCode `json:"reason_code"`
	At         string     `json:"at"`
}

// CrossServiceJobEvent is the normalized audit projection of a JobEvent,
// versioned by the audit contract constants.
type CrossServiceJobEvent struct {
	ContractVersion string     `json:"contract_version"`
	SchemaVersion   string     `json:"schema_version"`
	Service         string     `json:"service"`
	TenantID        string     `json:"tenant_id"`
	InstanceID      string     `json:"instance_id"`
	Source          string     `json:"source"`
	PlanID          string     `json:"plan_id"`
	JobID           string     `json:"job_id"`
	Lifecycle       string     `json:"lifecycle"`
	Action          string     `json:"action"`
	Outcome         string     `json:"outcome"`
	ReasonCode      ReasonCode `json:"reason_code"`
	At              string     `json:"at"`
}
