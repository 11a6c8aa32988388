package model

import "time"

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimedOut Decision = "timed_out"
)

// ApprovalDecision records what was decided, by whom, and exactly what
// the approver was shown. A decision binds to one revision: a newer
// revision requires a fresh request.
type ApprovalDecision struct {
	Token      string      `json:"token"`
	RunID      int64       `json:"run_id"`
	RevisionID string      `json:"revision_id"`
	Decision   Decision    `json:"decision"`
	Approver   string      `json:"approver,omitempty"`
	Verdict    ScanVerdict `json:"verdict"`
	DecidedAt  time.Time   `json:"decided_at"`
}
