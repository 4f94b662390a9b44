package contracts

import "encoding/json"

// RowAction is what the restore will do to a single record.
type RowAction string

const (
	RowActionUpdate RowAction = "update"
	RowActionInsert RowAction = "insert"
	RowActionDelete RowAction = "delete"
	RowActionSkip   RowAction = "skip"
)

// RowValues carries the opaque encrypted value envelopes of a row. Which of
// the three is present, together with the action, tags the row variant.
// Payload bodies stay opaque end to end.
type RowValues struct {
	DiffEnc        string `json:"diff_enc,omitempty"`
	BeforeImageEnc string `json:"before_image_enc,omitempty"`
	AfterImageEnc  string `json:"after_image_enc,omitempty"`
}

// HasBeforeImageCandidate reports whether applying this row can journal a
// before image. Rows without one are applied but never journaled.
func (v RowValues) HasBeforeImageCandidate() bool {
	return v.BeforeImageEnc != "" || v.DiffEnc != "" || v.AfterImageEnc != ""
}

// PlanRow is one record-level operation of a dry-run plan.
type PlanRow struct {
	RowID            string            `json:"row_id"`
	Table            string            `json:"table"`
	RecordSysID      string            `json:"record_sys_id"`
	Action           RowAction         `json:"action"`
	PreconditionHash string            `json:"precondition_hash,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Values           RowValues         `json:"values"`
}

// ConflictClass partitions plan and runtime conflicts. Classes other than
// reference may resolve to skip; reference forbids it.
type ConflictClass string

const (
	ConflictClassValue              ConflictClass = "value"
	ConflictClassMissingRow         ConflictClass = "missing_row"
	ConflictClassUnexpectedExisting ConflictClass = "unexpected_existing"
	ConflictClassReference          ConflictClass = "reference"
	ConflictClassSchema             ConflictClass = "schema"
	ConflictClassPermission         ConflictClass = "permission"
	ConflictClassStale              ConflictClass = "stale"
)

// NormalizeConflictClass folds the historical "<class>_conflict" spelling
// onto the canonical class names.
func NormalizeConflictClass(c ConflictClass) ConflictClass {
	const suffix = "_conflict"
	s := string(c)
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return ConflictClass(s[:len(s)-len(suffix)])
	}
	return c
}

// Conflict resolutions.
const (
	ResolutionSkip          = "skip"
	ResolutionAbortAndReplan = "abort_and_replan"
)

// Conflict is a detected divergence between the plan and the record system.
type Conflict struct {
	ConflictID string        `json:"conflict_id"`
	RowID      string        `json:"row_id"`
	Class      ConflictClass `json:"class"`
	Resolution string        `json:"resolution,omitempty"`
	ReasonCode ReasonCode    `json:"reason_code,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// DeleteCandidate is a row the plan would delete, pending an explicit
// operator decision.
type DeleteCandidate struct {
	CandidateID string `json:"candidate_id"`
	RowID       string `json:"row_id"`
	Table       string `json:"table"`
	RecordSysID string `json:"record_sys_id"`
	Decision    string `json:"decision,omitempty"` // allow_deletion | keep
	Reason      string `json:"reason,omitempty"`
}

// MediaCandidate is an attachment the plan would restore.
type MediaCandidate struct {
	CandidateID        string `json:"candidate_id"`
	RowID              string `json:"row_id"`
	Table              string `json:"table"`
	RecordSysID        string `json:"record_sys_id"`
	FileName           string `json:"file_name"`
	SizeBytes          int64  `json:"size_bytes"`
	ExpectedHash       string `json:"expected_hash,omitempty"`
	ObservedHash       string `json:"observed_hash,omitempty"`
	ParentRecordExists bool   `json:"parent_record_exists"`
	Decision           string `json:"decision,omitempty"` // include | exclude
	// MaxRetryAttempts overrides the configured media retry budget when > 0.
	MaxRetryAttempts int `json:"max_retry_attempts,omitempty"`
	// RetryableFailures is the number of simulated transient failures the
	// media effector will produce before an attempt succeeds.
	RetryableFailures int `json:"retryable_failures,omitempty"`
}

// PitCandidate is a caller-proposed point-in-time resolution for a row.
type PitCandidate struct {
	CandidateID   string `json:"candidate_id"`
	RowID         string `json:"row_id"`
	CandidateTime string `json:"candidate_time"`
	SourceOffset  string `json:"source_offset,omitempty"`
}

// PitResolution records which candidate won for a row and why.
type PitResolution struct {
	RowID          string `json:"row_id"`
	ResolvedTime   string `json:"resolved_time"`
	TieBreakerUsed string `json:"tie_breaker_used,omitempty"`
}

// Pit is the point-in-time the plan restores to.
type Pit struct {
	RestoreTime         string   `json:"restore_time"`
	RestoreTimezone     string   `json:"restore_timezone"`
	PitAlgorithmVersion string   `json:"pit_algorithm_version"`
	TieBreaker          []string `json:"tie_breaker,omitempty"`
	TieBreakerFallback  []string `json:"tie_breaker_fallback,omitempty"`
}

// Scope bounds what the plan touches.
type Scope struct {
	Mode         string   `json:"mode"`
	Tables       []string `json:"tables"`
	EncodedQuery string   `json:"encoded_query,omitempty"`
}

// ExecutionOptions tune how the plan is applied.
type ExecutionOptions struct {
	MissingRowMode          string `json:"missing_row_mode"`
	ConflictPolicy          string `json:"conflict_policy"`
	SchemaCompatibilityMode string `json:"schema_compatibility_mode"`
	WorkflowMode            string `json:"workflow_mode"`
}

// DryRunPlan is the immutable, hash-identified output of plan creation.
type DryRunPlan struct {
	PlanID           string            `json:"plan_id"`
	TenantID         string            `json:"tenant_id"`
	InstanceID       string            `json:"instance_id"`
	Source           string            `json:"source"`
	PlanHash         string            `json:"plan_hash"`
	PlanHashInput    json.RawMessage   `json:"plan_hash_input"`
	Pit              Pit               `json:"pit"`
	Scope            Scope             `json:"scope"`
	ExecutionOptions ExecutionOptions  `json:"execution_options"`
	Rows             []PlanRow         `json:"rows"`
	Conflicts        []Conflict        `json:"conflicts"`
	DeleteCandidates []DeleteCandidate `json:"delete_candidates"`
	MediaCandidates  []MediaCandidate  `json:"media_candidates"`
	PitResolutions   []PitResolution   `json:"pit_resolutions"`
	Watermarks       []Watermark       `json:"watermarks"`
	Gate             Gate              `json:"gate"`
	GeneratedAt      string            `json:"generated_at"`
	RequestedBy      string            `json:"requested_by"`
	// Approval is a placeholder populated by the (out-of-scope) approval
	// workflow; it rides along unmodified.
	Approval map[string]string `json:"approval,omitempty"`
}
