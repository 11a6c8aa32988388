package pipeline

import (
	"errors"
	"fmt"
)

// ConflictError signals lock or concurrent-run contention. It is
// recoverable: the caller may retry or queue behind the active run.
type ConflictError struct {
	Target string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on target %s: %s", e.Target, e.Reason)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ValidationError is a policy rejection from the validate stage. It is
// terminal for the run and never retried automatically.
type ValidationError struct {
	RunID  int64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for run %d: %s", e.RunID, e.Reason)
}

// ScanFailure is a policy rejection from the scan stage, carrying the
// full verdict so the triggering actor sees every finding.
type ScanFailure struct {
	RunID    int64
	Findings int
}

func (e *ScanFailure) Error() string {
	return fmt.Sprintf("scan failed for run %d with %d finding(s)", e.RunID, e.Findings)
}

// ExecutionError is an environment fault: a tool crashed, timed out,
// or could not start. Retried up to the configured limit, then
// surfaced as a terminal failure.
type ExecutionError struct {
	Stage string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error in %s stage: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ApplyError is fatal for the run. DeploymentState stays at the last
// known good version and the lock is released so a remediation run can
// proceed.
type ApplyError struct {
	RunID int64
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed for run %d: %v", e.RunID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ErrApprovalTimeout marks an approval deadline that elapsed with no
// decision. Fail-closed: silence never implies consent.
var ErrApprovalTimeout = errors.New("approval deadline elapsed without a decision")

// ErrStaleState marks a pre-apply version check failure: the target
// moved since the run was started, so the run must fail and a fresh
// run re-validate against the current state.
var ErrStaleState = errors.New("deployment state changed since run started")
