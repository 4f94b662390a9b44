package execution

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Rezilient-Labs/restore-control/core/pkg/canonicalize"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// attemptOutput is what one attempt of the chunk loop produced.
type attemptOutput struct {
	processedChunks int
	journal         []contracts.RollbackJournalEntry
	mirrors         []contracts.MirrorEntry
}

// JournalID derives the content address of a rollback journal entry.
func JournalID(jobID, planHash, rowID string, rowAttempt int) string {
	return canonicalize.SHA256Hex([]byte(strings.Join([]string{
		jobID, planHash, rowID, fmt.Sprintf("%d", rowAttempt),
	}, "|")))
}

// MirrorID derives the external-index address of a journal entry.
func MirrorID(journalID string) string {
	return canonicalize.SHA256Hex([]byte(journalID))
}

// runChunks advances the execution from its checkpoint, applying up to
// chunkBudget chunks (0 means unlimited). The record's checkpoint, summary,
// chunks and row outcomes are updated in place.
func runChunks(record *contracts.ExecutionRecord, p contracts.DryRunPlan, runtimeConflicts []contracts.Conflict, operatorID, now string, chunkBudget int) attemptOutput {
	conflictByRow := make(map[string]contracts.Conflict, len(runtimeConflicts))
	for _, c := range runtimeConflicts {
		conflictByRow[c.RowID] = c
	}

	var out attemptOutput
	cp := record.Checkpoint
	for cp.NextChunkIndex < cp.TotalChunks {
		if chunkBudget > 0 && out.processedChunks >= chunkBudget {
			break
		}
		idx := cp.NextChunkIndex
		start := idx * record.ChunkSize
		end := start + record.ChunkSize
		if end > len(p.Rows) {
			end = len(p.Rows)
		}
		rows := p.Rows[start:end]
		chunkID := fmt.Sprintf("chunk-%04d", idx)

		fallback := false
		for _, r := range rows {
			if _, ok := conflictByRow[r.RowID]; ok {
				fallback = true
				break
			}
		}

		chunk := contracts.ChunkOutcome{
			ChunkID:     chunkID,
			ChunkIndex:  idx,
			RowFallback: fallback,
			StartedAt:   now,
		}
		for _, r := range rows {
			attempt := cp.RowAttemptByRow[r.RowID] + 1
			switch {
			case r.Action == contracts.RowActionSkip:
				chunk.SkippedRows++
				record.RowOutcomes = append(record.RowOutcomes, contracts.RowOutcome{
					RowID:      r.RowID,
					ChunkID:    chunkID,
					Outcome:    "skipped",
					ReasonCode: contracts.ReasonNone,
					RowAttempt: attempt,
				})
			case fallbackConflict(conflictByRow, r.RowID) != nil:
				c := fallbackConflict(conflictByRow, r.RowID)
				chunk.SkippedRows++
				record.RowOutcomes = append(record.RowOutcomes, contracts.RowOutcome{
					RowID:      r.RowID,
					ChunkID:    chunkID,
					Outcome:    "skipped",
					ReasonCode: conflictReason(*c),
					Resolution: contracts.ResolutionSkip,
					RowAttempt: attempt,
				})
			default:
				chunk.AppliedRows++
				record.RowOutcomes = append(record.RowOutcomes, contracts.RowOutcome{
					RowID:      r.RowID,
					ChunkID:    chunkID,
					Outcome:    "applied",
					ReasonCode: contracts.ReasonNone,
					RowAttempt: attempt,
				})
				if r.Values.HasBeforeImageCandidate() {
					journalID := JournalID(record.JobID, record.PlanHash, r.RowID, attempt)
					out.journal = append(out.journal, contracts.RollbackJournalEntry{
						JournalID:      journalID,
						JobID:          record.JobID,
						PlanRowID:      r.RowID,
						Table:          r.Table,
						RecordSysID:    r.RecordSysID,
						Action:         r.Action,
						BeforeImageEnc: r.Values.BeforeImageEnc,
						ChunkID:        chunkID,
						RowAttempt:     attempt,
						ExecutedBy:     operatorID,
						ExecutedAt:     now,
					})
					out.mirrors = append(out.mirrors, contracts.MirrorEntry{
						MirrorID:    MirrorID(journalID),
						JournalID:   journalID,
						JobID:       record.JobID,
						PlanRowID:   r.RowID,
						Table:       r.Table,
						RecordSysID: r.RecordSysID,
						Outcome:     "applied",
						ReasonCode:  contracts.ReasonNone,
						LinkedAt:    now,
					})
				}
			}
			cp.RowAttemptByRow[r.RowID] = attempt
		}
		chunk.CompletedAt = now
		record.Chunks = append(record.Chunks, chunk)

		record.Summary.AppliedRows += chunk.AppliedRows
		record.Summary.SkippedRows += chunk.SkippedRows
		record.Summary.FailedRows += chunk.FailedRows
		record.Summary.ChunkCount++

		cp.NextChunkIndex = idx + 1
		cp.LastChunkID = chunkID
		cp.UpdatedAt = now
		out.processedChunks++
	}
	return out
}

func fallbackConflict(byRow map[string]contracts.Conflict, rowID string) *contracts.Conflict {
	if c, ok := byRow[rowID]; ok {
		return &c
	}
	return nil
}

// conflictReason picks the reason code recorded for a conflict-skipped row.
func conflictReason(c contracts.Conflict) contracts.ReasonCode {
	if c.ReasonCode != "" {
		return c.ReasonCode
	}
	switch contracts.NormalizeConflictClass(c.Class) {
	case contracts.ConflictClassSchema:
		return contracts.ReasonFailedSchemaConflict
	case contracts.ConflictClassPermission:
		return contracts.ReasonFailedPermissionConflict
	case contracts.ConflictClassStale:
		return contracts.ReasonBlockedFreshnessStale
	default:
		return contracts.ReasonNone
	}
}

// runMedia settles every media candidate once, on the attempt that completes
// the last chunk. Retries are simulated against the candidate's declared
// transient-failure budget.
func runMedia(record *contracts.ExecutionRecord, p contracts.DryRunPlan, limits Limits) {
	candidates := append([]contracts.MediaCandidate(nil), p.MediaCandidates...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CandidateID < candidates[j].CandidateID })

	for _, m := range candidates {
		outcome := settleMedia(m, limits)
		record.MediaOutcomes = append(record.MediaOutcomes, outcome)
		switch outcome.Outcome {
		case "applied":
			record.Summary.MediaApplied++
		case "skipped":
			record.Summary.MediaSkipped++
		default:
			record.Summary.MediaFailed++
		}
	}
}

func settleMedia(m contracts.MediaCandidate, limits Limits) contracts.MediaOutcome {
	if m.Decision == "exclude" {
		return contracts.MediaOutcome{CandidateID: m.CandidateID, Outcome: "skipped", ReasonCode: contracts.ReasonNone}
	}
	if !m.ParentRecordExists {
		return contracts.MediaOutcome{CandidateID: m.CandidateID, Outcome: "failed", ReasonCode: contracts.ReasonFailedMediaParentMissing}
	}
	if m.ExpectedHash != "" && m.ObservedHash != "" && m.ExpectedHash != m.ObservedHash {
		return contracts.MediaOutcome{CandidateID: m.CandidateID, Outcome: "failed", ReasonCode: contracts.ReasonFailedMediaHashMismatch}
	}

	maxAttempts := limits.MediaMaxRetryAttempts
	if m.MaxRetryAttempts > 0 {
		maxAttempts = m.MaxRetryAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	// Attempt n fails while transient failures remain; numbering starts at 1.
	if m.RetryableFailures >= maxAttempts {
		return contracts.MediaOutcome{
			CandidateID: m.CandidateID,
			Outcome:     "failed",
			ReasonCode:  contracts.ReasonFailedMediaRetryExhausted,
			Attempts:    maxAttempts,
		}
	}
	return contracts.MediaOutcome{
		CandidateID: m.CandidateID,
		Outcome:     "applied",
		ReasonCode:  contracts.ReasonNone,
		Attempts:    m.RetryableFailures + 1,
	}
}
