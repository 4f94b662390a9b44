// Package contracts holds the shared persisted and wire types of the
// Restore Control Service: claims, plans, jobs, executions, evidence, and
// the closed reason-code vocabulary every component speaks.
package contracts

// ReasonCode is a member of the closed enum that explains every blocked,
// queued, paused, or failed state. Components never invent codes outside
// this set.
type ReasonCode string

const (
	ReasonNone ReasonCode = "none"

	ReasonQueuedScopeLock ReasonCode = "queued_scope_lock"

	ReasonBlockedUnknownSourceMapping       ReasonCode = "blocked_unknown_source_mapping"
	ReasonBlockedAuthControlPlaneOutage     ReasonCode = "blocked_auth_control_plane_outage"
	ReasonBlockedMissingCapability          ReasonCode = "blocked_missing_capability"
	ReasonBlockedUnresolvedDeleteCandidates ReasonCode = "blocked_unresolved_delete_candidates"
	ReasonBlockedUnresolvedMediaCandidates  ReasonCode = "blocked_unresolved_media_candidates"
	ReasonBlockedReferenceConflict          ReasonCode = "blocked_reference_conflict"
	ReasonBlockedFreshnessStale             ReasonCode = "blocked_freshness_stale"
	ReasonBlockedFreshnessUnknown           ReasonCode = "blocked_freshness_unknown"
	ReasonBlockedPlanHashMismatch           ReasonCode = "blocked_plan_hash_mismatch"
	ReasonBlockedEvidenceNotReady           ReasonCode = "blocked_evidence_not_ready"
	ReasonBlockedResumePreconditionMismatch ReasonCode = "blocked_resume_precondition_mismatch"
	ReasonBlockedResumeCheckpointMissing    ReasonCode = "blocked_resume_checkpoint_missing"

	ReasonPausedTokenRefreshGraceExhausted ReasonCode = "paused_token_refresh_grace_exhausted"
	ReasonPausedEntitlementDisabled        ReasonCode = "paused_entitlement_disabled"
	ReasonPausedInstanceDisabled           ReasonCode = "paused_instance_disabled"

	ReasonFailedMediaParentMissing  ReasonCode = "failed_media_parent_missing"
	ReasonFailedMediaHashMismatch   ReasonCode = "failed_media_hash_mismatch"
	ReasonFailedMediaRetryExhausted ReasonCode = "failed_media_retry_exhausted"

	ReasonFailedEvidenceArtifactHashMismatch ReasonCode = "failed_evidence_artifact_hash_mismatch"
	ReasonFailedEvidenceReportHashMismatch   ReasonCode = "failed_evidence_report_hash_mismatch"
	ReasonFailedEvidenceSignatureVerify      ReasonCode = "failed_evidence_signature_verification"

	ReasonFailedSchemaConflict     ReasonCode = "failed_schema_conflict"
	ReasonFailedPermissionConflict ReasonCode = "failed_permission_conflict"
	ReasonFailedInternalError      ReasonCode = "failed_internal_error"
)

// Capability names required by the execution admission policy.
const (
	CapabilityRestoreExecute        = "restore_execute"
	CapabilityRestoreDelete         = "restore_delete"
	CapabilityRestoreSchemaOverride = "restore_schema_override"
	CapabilityRestoreOverrideCaps   = "restore_override_caps"
)

// Service scopes a bearer token may carry.
const (
	ServiceScopeRegistry = "reg"
	ServiceScopeRestore  = "rrs"
)

// SnapshotStore keys. Each key holds one JSON object.
const (
	StoreKeyPlanState      = "plan_state"
	StoreKeyJobState       = "job_state"
	StoreKeyExecutionState = "execution_state"
	StoreKeyEvidenceState  = "evidence_state"
)

// Versioning constants embedded in evidence. Opaque; change deliberately.
const (
	CanonicalizationVersion = "rcs.canonical.v1"
	AuditContractVersion    = "audit.contracts.v1"
	AuditEventSchemaVersion = "audit.event.v1"
	EvidenceContractVersion = "rcs.evidence.v1"
)
