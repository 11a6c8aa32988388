package model

import "time"

// Stage is one ordered phase of a pipeline run. The order is fixed and
// no stage may be skipped: each stage's outcome gates the next.
type Stage string

const (
	StageSource   Stage = "source"
	StageValidate Stage = "validate"
	StageScan     Stage = "scan"
	StageApproval Stage = "approval"
	StageApply    Stage = "apply"
)

// StageOrder is the fixed total order of stages.
var StageOrder = []Stage{StageSource, StageValidate, StageScan, StageApproval, StageApply}

// Status is the overall state of a pipeline run.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusApplying         Status = "applying"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusRolledBack       Status = "rolled_back"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// Outcome is the result of executing one stage.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// StageResult records the execution of one stage. It is immutable once
// appended to a run.
type StageResult struct {
	Stage      Stage     `json:"stage"`
	Outcome    Outcome   `json:"outcome"`
	Findings   []Finding `json:"findings,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// LogRef is the artifact store id of the captured stage output,
	// empty when the stage produced none.
	LogRef string `json:"log_ref,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PipelineRun is one execution attempt for a revision. It is owned and
// mutated exclusively by the controller and retained after reaching a
// terminal status.
type PipelineRun struct {
	ID       int64         `json:"id"`
	Target   string        `json:"target"`
	Revision Revision      `json:"revision"`
	Status   Status        `json:"status"`
	Stage    Stage         `json:"stage"`
	Results  []StageResult `json:"results"`
	// ExpectedStateVersion is the DeploymentState version observed when
	// the run was started, checked again before apply.
	ExpectedStateVersion int64        `json:"expected_state_version"`
	Verdict              *ScanVerdict `json:"verdict,omitempty"`
	ApprovalToken        string       `json:"approval_token,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Result returns the recorded result for a stage, or nil.
func (r *PipelineRun) Result(stage Stage) *StageResult {
	for i := range r.Results {
		if r.Results[i].Stage == stage {
			return &r.Results[i]
		}
	}
	return nil
}
