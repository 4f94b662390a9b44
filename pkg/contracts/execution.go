package contracts

// ExecutionStatus is the execution lifecycle state. Executions mirror job
// status while running and settle on a terminal value of their own.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the execution finished (successfully or not).
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Checkpoint is the minimum persisted state required to resume a paused
// execution exactly once per row.
type Checkpoint struct {
	CheckpointID    string         `json:"checkpoint_id"`
	NextChunkIndex  int            `json:"next_chunk_index"`
	TotalChunks     int            `json:"total_chunks"`
	LastChunkID     string         `json:"last_chunk_id,omitempty"`
	RowAttemptByRow map[string]int `json:"row_attempt_by_row"`
	UpdatedAt       string         `json:"updated_at"`
}

// ChunkOutcome summarizes one applied chunk.
type ChunkOutcome struct {
	ChunkID     string `json:"chunk_id"`
	ChunkIndex  int    `json:"chunk_index"`
	RowFallback bool   `json:"row_fallback"`
	AppliedRows int    `json:"applied_rows"`
	SkippedRows int    `json:"skipped_rows"`
	FailedRows  int    `json:"failed_rows"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

// RowOutcome records the terminal disposition of one plan row.
type RowOutcome struct {
	RowID      string     `json:"row_id"`
	ChunkID    string     `json:"chunk_id"`
	Outcome    string     `json:"outcome"` // applied | skipped | failed
	ReasonCode ReasonCode `json:"reason_code"`
	Resolution string     `json:"resolution,omitempty"`
	RowAttempt int        `json:"row_attempt"`
}

// MediaOutcome records the disposition of one media candidate.
type MediaOutcome struct {
	CandidateID string     `json:"candidate_id"`
	Outcome     string     `json:"outcome"` // applied | skipped | failed
	ReasonCode  ReasonCode `json:"reason_code"`
	Attempts    int        `json:"attempts"`
}

// ExecutionSummary aggregates row counts across all attempts.
type ExecutionSummary struct {
	PlannedRows int `json:"planned_rows"`
	AppliedRows int `json:"applied_rows"`
	SkippedRows int `json:"skipped_rows"`
	FailedRows  int `json:"failed_rows"`
	ChunkCount  int `json:"chunk_count"`
	MediaApplied int `json:"media_applied"`
	MediaSkipped int `json:"media_skipped"`
	MediaFailed  int `json:"media_failed"`
}

// ExecutionRecord is the authoritative state of a job's chunked apply.
type ExecutionRecord struct {
	JobID                    string          `json:"job_id"`
	PlanID                   string          `json:"plan_id"`
	PlanHash                 string          `json:"plan_hash"`
	PlanChecksum             string          `json:"plan_checksum"`
	PreconditionChecksum     string          `json:"precondition_checksum"`
	Status                   ExecutionStatus `json:"status"`
	ReasonCode               ReasonCode      `json:"reason_code"`
	ChunkSize                int             `json:"chunk_size"`
	WorkflowMode             string          `json:"workflow_mode,omitempty"`
	WorkflowAllowlist        []string        `json:"workflow_allowlist,omitempty"`
	CapabilitiesUsed         []string        `json:"capabilities_used"`
	ElevatedConfirmationUsed bool            `json:"elevated_confirmation_used"`
	ResumeAttemptCount       int             `json:"resume_attempt_count"`
	Checkpoint               *Checkpoint     `json:"checkpoint,omitempty"`
	Summary                  ExecutionSummary `json:"summary"`
	Chunks                   []ChunkOutcome  `json:"chunks"`
	RowOutcomes              []RowOutcome    `json:"row_outcomes"`
	MediaOutcomes            []MediaOutcome  `json:"media_outcomes,omitempty"`
	StartedAt                string          `json:"started_at"`
	CompletedAt              string          `json:"completed_at,omitempty"`
}

// RollbackJournalEntry is the authoritative before-image record of an
// applied row. journal_id = hash(job_id | plan_hash | row_id | row_attempt).
type RollbackJournalEntry struct {
	JournalID      string    `json:"journal_id"`
	JobID          string    `json:"job_id"`
	PlanRowID      string    `json:"plan_row_id"`
	Table          string    `json:"table"`
	RecordSysID    string    `json:"record_sys_id"`
	Action         RowAction `json:"action"`
	BeforeImageEnc string    `json:"before_image_enc,omitempty"`
	ChunkID        string    `json:"chunk_id"`
	RowAttempt     int       `json:"row_attempt"`
	ExecutedBy     string    `json:"executed_by"`
	ExecutedAt     string    `json:"executed_at"`
}

// MirrorEntry is the derived external-index reference to a journal entry.
// mirror_id = hash(journal_id).
type MirrorEntry struct {
	MirrorID    string     `json:"mirror_id"`
	JournalID   string     `json:"journal_id"`
	JobID       string     `json:"job_id"`
	PlanRowID   string     `json:"plan_row_id"`
	Table       string     `json:"table"`
	RecordSysID string     `json:"record_sys_id"`
	Outcome     string     `json:"outcome"`
	ReasonCode  ReasonCode `json:"reason_code"`
	LinkedAt    string     `json:"linked_at"`
}
