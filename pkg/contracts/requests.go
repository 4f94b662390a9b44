package contracts

// CreateDryRunPlanRequest is the public contract for plan creation. Field
// names are persisted verbatim into the plan-hash input.
type CreateDryRunPlanRequest struct {
	TenantID         string            `json:"tenant_id"`
	InstanceID       string            `json:"instance_id"`
	Source           string            `json:"source"`
	PlanID           string            `json:"plan_id"`
	RequestedBy      string            `json:"requested_by"`
	Pit              Pit               `json:"pit"`
	Scope            Scope             `json:"scope"`
	ExecutionOptions ExecutionOptions  `json:"execution_options"`
	Rows             []PlanRow         `json:"rows"`
	Conflicts        []Conflict        `json:"conflicts,omitempty"`
	DeleteCandidates []DeleteCandidate `json:"delete_candidates,omitempty"`
	MediaCandidates  []MediaCandidate  `json:"media_candidates,omitempty"`
	PitCandidates    []PitCandidate    `json:"pit_candidates,omitempty"`
	Watermarks       []Watermark       `json:"watermarks,omitempty"`
}

// CreateJobRequest admits a job against an existing executable plan.
type CreateJobRequest struct {
	TenantID             string   `json:"tenant_id"`
	InstanceID           string   `json:"instance_id"`
	Source               string   `json:"source"`
	PlanID               string   `json:"plan_id"`
	PlanHash             string   `json:"plan_hash"`
	LockScopeTables      []string `json:"lock_scope_tables"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	RequestedBy          string   `json:"requested_by"`
}

// ElevatedConfirmation is the explicit token required to bypass soft caps.
type ElevatedConfirmation struct {
	Confirmed    bool   `json:"confirmed"`
	Confirmation string `json:"confirmation"`
	Reason       string `json:"reason"`
}

// Valid reports whether the confirmation satisfies the capability policy.
func (e *ElevatedConfirmation) Valid() bool {
	return e != nil && e.Confirmed && e.Confirmation == "I UNDERSTAND" && e.Reason != ""
}

// WorkflowRequest selects the workflow handling mode for an execution.
type WorkflowRequest struct {
	Mode      string   `json:"mode"`
	Allowlist []string `json:"allowlist,omitempty"`
}

// ExecuteJobRequest starts the chunked apply of a running job.
type ExecuteJobRequest struct {
	OperatorID           string                `json:"operator_id"`
	OperatorCapabilities []string              `json:"operator_capabilities"`
	ChunkSize            int                   `json:"chunk_size,omitempty"`
	Workflow             *WorkflowRequest      `json:"workflow,omitempty"`
	RuntimeConflicts     []Conflict            `json:"runtime_conflicts,omitempty"`
	ElevatedConfirmation *ElevatedConfirmation `json:"elevated_confirmation,omitempty"`
}

// ResumeJobRequest continues a paused execution from its checkpoint.
type ResumeJobRequest struct {
	OperatorID                   string     `json:"operator_id"`
	OperatorCapabilities         []string   `json:"operator_capabilities"`
	RuntimeConflicts             []Conflict `json:"runtime_conflicts,omitempty"`
	ExpectedPlanChecksum         string     `json:"expected_plan_checksum,omitempty"`
	ExpectedPreconditionChecksum string     `json:"expected_precondition_checksum,omitempty"`
}
