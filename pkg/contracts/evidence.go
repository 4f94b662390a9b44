package contracts

// Evidence artifact ids, fixed vocabulary, sorted order fixed by artifact_id.
const (
	ArtifactExecution       = "execution.json"
	ArtifactJobEvents       = "job-events.json"
	ArtifactPlan            = "plan.json"
	ArtifactRollbackJournal = "rollback-journal.json"
)

// SignatureVerification states of an evidence manifest signature.
const (
	SignatureVerified            = "verified"
	SignatureVerificationPending = "verification_pending"
	SignatureVerificationFailed  = "verification_failed"
)

// EvidenceArtifact is one canonicalized artifact of the evidence bundle.
type EvidenceArtifact struct {
	ArtifactID    string `json:"artifact_id"`
	CanonicalJSON string `json:"canonical_json"`
	SHA256        string `json:"sha256"`
	ByteLength    int    `json:"byte_length"`
}

// ArtifactHash is the hash-only projection referenced by the manifest.
type ArtifactHash struct {
	ArtifactID string `json:"artifact_id"`
	SHA256     string `json:"sha256"`
}

// ImmutableStorage declares the retention posture of the archived bundle.
type ImmutableStorage struct {
	WormEnabled    bool   `json:"worm_enabled"`
	RetentionClass string `json:"retention_class"`
}

// ManifestSignature is the detached ed25519 signature over the manifest
// payload.
type ManifestSignature struct {
	SignatureAlgorithm    string `json:"signature_algorithm"`
	SignerKeyID           string `json:"signer_key_id"`
	Signature             string `json:"signature"` // base64
	SignatureVerification string `json:"signature_verification"`
	SignedAt              string `json:"signed_at"`
}

// EvidenceRecord is the canonical, hash-linked, signed bundle summarizing a
// terminal execution. evidence_id is a pure function of
// (job_id, plan_hash, execution.completed_at).
type EvidenceRecord struct {
	EvidenceID             string             `json:"evidence_id"`
	ContractVersion        string             `json:"contract_version"`
	JobID                  string             `json:"job_id"`
	PlanHash               string             `json:"plan_hash"`
	PitAlgorithmVersion    string             `json:"pit_algorithm_version"`
	BackupTimestamp        string             `json:"backup_timestamp"`
	ApprovedScope          Scope              `json:"approved_scope"`
	SchemaDriftSummary     map[string]int     `json:"schema_drift_summary"`
	ConflictSummary        map[string]int     `json:"conflict_summary"`
	DeleteDecisionSummary  map[string]int     `json:"delete_decision_summary"`
	ExecutionOutcomes      ExecutionSummary   `json:"execution_outcomes"`
	ResumeMetadata         ResumeMetadata     `json:"resume_metadata"`
	Artifacts              []EvidenceArtifact `json:"artifacts"`
	ArtifactHashes         []ArtifactHash     `json:"artifact_hashes"`
	ReportHash             string             `json:"report_hash"`
	CanonicalizationVersion string            `json:"canonicalization_version"`
	ImmutableStorage       ImmutableStorage   `json:"immutable_storage"`
	Approval               map[string]string  `json:"approval,omitempty"`
	ManifestSignature      ManifestSignature  `json:"manifest_signature"`
	ReasonCode             ReasonCode         `json:"reason_code"`
	CreatedAt              string             `json:"created_at"`
}

// ResumeMetadata summarizes the attempt history embedded in evidence.
type ResumeMetadata struct {
	ResumeAttemptCount int    `json:"resume_attempt_count"`
	TotalChunks        int    `json:"total_chunks"`
	CompletedAt        string `json:"completed_at"`
}
