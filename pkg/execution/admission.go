package execution

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// Limits are the execution-time caps and defaults.
type Limits struct {
	DefaultChunkSize         int
	MaxRows                  int
	ElevatedSkipRatioPercent float64
	MediaMaxItems            int
	MediaMaxBytes            int64
	MaxChunksPerAttempt      int
	MediaMaxRetryAttempts    int
}

// DefaultLimits returns the stock caps.
func DefaultLimits() Limits {
	return Limits{
		DefaultChunkSize:         100,
		MaxRows:                  10000,
		ElevatedSkipRatioPercent: 50,
		MediaMaxItems:            500,
		MediaMaxBytes:            1 << 30,
		MaxChunksPerAttempt:      0,
		MediaMaxRetryAttempts:    3,
	}
}

// Cap-exceeded message fragments. The capability fault message cites every
// exceeded cap verbatim.
const (
	capMsgRows      = "planned row count exceeds cap"
	capMsgSkipRatio = "predicted skip ratio exceeds cap"
	capMsgMediaItem = "attachment/media item count exceeds cap"
	capMsgMediaByte = "byte total exceeds cap"
)

// requiredCapabilities computes the capability set an execution of this plan
// needs, plus the list of exceeded-cap reasons that forced
// restore_override_caps into the set.
func requiredCapabilities(p contracts.DryRunPlan, runtimeConflicts []contracts.Conflict, limits Limits) (caps []string, exceeded []string) {
	set := map[string]struct{}{contracts.CapabilityRestoreExecute: {}}

	for _, r := range p.Rows {
		if r.Action == contracts.RowActionDelete {
			set[contracts.CapabilityRestoreDelete] = struct{}{}
			break
		}
	}
	for _, d := range p.DeleteCandidates {
		if d.Decision == "allow_deletion" {
			set[contracts.CapabilityRestoreDelete] = struct{}{}
			break
		}
	}
	if p.ExecutionOptions.SchemaCompatibilityMode == "manual_override" {
		set[contracts.CapabilityRestoreSchemaOverride] = struct{}{}
	}

	if limits.MaxRows > 0 && len(p.Rows) > limits.MaxRows {
		exceeded = append(exceeded, capMsgRows)
	}
	if planned := len(p.Rows); planned > 0 && limits.ElevatedSkipRatioPercent > 0 {
		skips := 0
		for _, r := range p.Rows {
			if r.Action == contracts.RowActionSkip {
				skips++
			}
		}
		ratio := float64(skips+len(runtimeConflicts)) / float64(planned) * 100
		if ratio > limits.ElevatedSkipRatioPercent {
			exceeded = append(exceeded, capMsgSkipRatio)
		}
	}
	included := 0
	var totalBytes int64
	for _, m := range p.MediaCandidates {
		if m.Decision == "exclude" {
			continue
		}
		included++
		totalBytes += m.SizeBytes
	}
	if limits.MediaMaxItems > 0 && included > limits.MediaMaxItems {
		exceeded = append(exceeded, capMsgMediaItem)
	}
	if limits.MediaMaxBytes > 0 && totalBytes > limits.MediaMaxBytes {
		exceeded = append(exceeded, capMsgMediaByte)
	}
	if len(exceeded) > 0 {
		set[contracts.CapabilityRestoreOverrideCaps] = struct{}{}
	}

	caps = make([]string, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps, exceeded
}

// checkCapabilities enforces the operator's capability set and the elevated
// confirmation token against the computed requirements.
func checkCapabilities(required, exceeded, operator []string, confirmation *contracts.ElevatedConfirmation) *contracts.Fault {
	have := make(map[string]struct{}, len(operator))
	for _, c := range operator {
		have[c] = struct{}{}
	}
	var missing []string
	for _, c := range required {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		msg := fmt.Sprintf("missing capabilities: %s", strings.Join(missing, ", "))
		if len(exceeded) > 0 {
			msg += "; " + strings.Join(exceeded, "; ")
		}
		return contracts.Forbidden(contracts.ReasonBlockedMissingCapability, "%s", msg)
	}
	if len(exceeded) > 0 && !confirmation.Valid() {
		return contracts.Forbidden(contracts.ReasonBlockedMissingCapability,
			"elevated confirmation required: %s", strings.Join(exceeded, "; "))
	}
	return nil
}

// validatePlanConflicts requires every plan conflict to be resolved and
// executable: no reference conflicts, no abort_and_replan.
func validatePlanConflicts(p contracts.DryRunPlan) *contracts.Fault {
	for _, c := range p.Conflicts {
		class := contracts.NormalizeConflictClass(c.Class)
		if class == contracts.ConflictClassReference {
			return contracts.StateConflict(contracts.ReasonBlockedReferenceConflict,
				"conflict %s on row %s is a reference conflict", c.ConflictID, c.RowID)
		}
		if c.Resolution == "" || c.Resolution == contracts.ResolutionAbortAndReplan {
			return contracts.StateConflict(contracts.ReasonBlockedReferenceConflict,
				"conflict %s on row %s is unresolved", c.ConflictID, c.RowID)
		}
	}
	return nil
}

// validateRuntimeConflicts checks the request's runtime conflicts against
// the plan: known rows only, no duplicates, and reference conflicts may
// neither skip nor stay unresolved.
func validateRuntimeConflicts(p contracts.DryRunPlan, conflicts []contracts.Conflict) *contracts.Fault {
	rows := make(map[string]struct{}, len(p.Rows))
	for _, r := range p.Rows {
		rows[r.RowID] = struct{}{}
	}
	seenConflict := map[string]struct{}{}
	seenRow := map[string]struct{}{}
	for _, c := range conflicts {
		if _, ok := rows[c.RowID]; !ok {
			return contracts.InvalidRequest("runtime conflict %s references unknown row_id %s", c.ConflictID, c.RowID)
		}
		if _, dup := seenConflict[c.ConflictID]; dup {
			return contracts.InvalidRequest("duplicate runtime conflict_id %s", c.ConflictID)
		}
		seenConflict[c.ConflictID] = struct{}{}
		if _, dup := seenRow[c.RowID]; dup {
			return contracts.InvalidRequest("duplicate runtime conflict for row_id %s", c.RowID)
		}
		seenRow[c.RowID] = struct{}{}

		if contracts.NormalizeConflictClass(c.Class) == contracts.ConflictClassReference {
			if c.Resolution == contracts.ResolutionSkip || c.Resolution == "" {
				return contracts.StateConflict(contracts.ReasonBlockedReferenceConflict,
					"runtime conflict %s on row %s: reference conflicts cannot be skipped", c.ConflictID, c.RowID)
			}
		}
	}
	return nil
}
