// Package pipeline drives a run through the fixed Source → Validate →
// Scan → Approval → Apply sequence. The controller owns transition
// legality: no apply ever happens without a passing scan verdict bound
// to the exact revision being applied.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gatecrane-io/gatecrane/internal/apply"
	"github.com/gatecrane-io/gatecrane/internal/approval"
	"github.com/gatecrane-io/gatecrane/internal/artifact"
	"github.com/gatecrane-io/gatecrane/internal/config"
	"github.com/gatecrane-io/gatecrane/internal/logging"
	"github.com/gatecrane-io/gatecrane/internal/model"
	"github.com/gatecrane-io/gatecrane/internal/notify"
	"github.com/gatecrane-io/gatecrane/internal/scan"
	"github.com/gatecrane-io/gatecrane/internal/stage"
	"github.com/gatecrane-io/gatecrane/internal/state"
)

// Deps carries the collaborators the controller composes.
type Deps struct {
	Runs       *RunStore
	Artifacts  artifact.Store
	States     state.Store
	Locker     state.Locker
	Executor   *stage.Executor
	Aggregator *scan.Aggregator
	Checkers   []scan.Checker
	Gate       *approval.Gate
	Applier    apply.Applier
	Notifier   notify.Notifier
}

// Controller owns PipelineRun lifecycle for one deployment target.
type Controller struct {
	mu   sync.Mutex
	cfg  *config.PipelineConfig
	deps Deps

	retry *stage.RetryPolicy
}

func NewController(cfg *config.PipelineConfig, deps Deps) *Controller {
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	retry := stage.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	return &Controller{cfg: cfg, deps: deps, retry: retry}
}

// Start creates a run for rev. At most one non-terminal run may exist
// per target: later triggers get a ConflictError (the default policy
// rejects and notifies; with the queue policy the caller retries once
// the active run finishes).
func (c *Controller) Start(ctx context.Context, rev model.Revision) (*model.PipelineRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.cfg.Target
	active, err := c.deps.Runs.Active(target)
	if err != nil {
		return nil, err
	}
	if active != nil {
		reason := fmt.Sprintf("run %d is still %s", active.ID, active.Status)
		if c.cfg.QueuePolicy == "queue" {
			reason += "; retry once it reaches a terminal state"
		}
		logging.Warn("run rejected", "target", target, "revision", rev.ID, "reason", reason)
		return nil, &ConflictError{Target: target, Reason: reason}
	}

	current, err := c.deps.States.Current(ctx, target)
	if err != nil {
		return nil, err
	}
	id, err := c.deps.Runs.NextID(target)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &model.PipelineRun{
		ID:                   id,
		Target:               target,
		Revision:             rev,
		Status:               model.StatusPending,
		ExpectedStateVersion: current.Version,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := c.deps.Runs.Save(run); err != nil {
		return nil, err
	}

	c.publish(ctx, run, "run started")
	return run, nil
}

// Advance executes the run's next step. Policy rejections (failed
// validation, failed scan, rejected or timed-out approval) transition
// the run to Failed and return nil; the caller inspects run.Status.
// Errors are returned for infrastructure faults and for lock
// contention at apply, where the run legitimately stays queued.
func (c *Controller) Advance(ctx context.Context, run *model.PipelineRun) error {
	if run.Status.Terminal() {
		return fmt.Errorf("run %d is already %s", run.ID, run.Status)
	}
	if err := c.hydrate(ctx, run); err != nil {
		return err
	}

	switch {
	case run.Status == model.StatusPending:
		return c.runSource(ctx, run)
	case run.Status == model.StatusRunning && run.Stage == model.StageSource:
		return c.runValidate(ctx, run)
	case run.Status == model.StatusRunning && run.Stage == model.StageValidate:
		return c.runScan(ctx, run)
	case run.Status == model.StatusRunning && run.Stage == model.StageScan:
		return c.requestApproval(ctx, run)
	case run.Status == model.StatusAwaitingApproval:
		return c.resolveApproval(ctx, run)
	case run.Status == model.StatusApproved:
		return c.runApply(ctx, run)
	case run.Status == model.StatusApplying:
		// The previous process crashed mid-apply. Appliers are required
		// to tolerate re-invocation with the same desired state, so the
		// run is re-driven rather than wedged.
		return c.runApply(ctx, run)
	default:
		return fmt.Errorf("run %d is in unexpected state %s/%s", run.ID, run.Status, run.Stage)
	}
}

// RunToCompletion advances until the run reaches a terminal state. At
// the approval gate it blocks until a decision arrives or the deadline
// elapses when waitApproval is set, and returns with the run awaiting
// approval otherwise.
func (c *Controller) RunToCompletion(ctx context.Context, run *model.PipelineRun, waitApproval bool) error {
	for !run.Status.Terminal() {
		if run.Status == model.StatusAwaitingApproval {
			if !waitApproval {
				return nil
			}
			if _, err := c.deps.Gate.WaitDecision(ctx, run.ApprovalToken, run.Revision.ID, time.Second); err != nil &&
				!errors.Is(err, approval.ErrRevisionSuperseded) {
				return err
			}
		}
		if err := c.Advance(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

// Cancel aborts a run that has not yet entered apply. Once the lock is
// held the apply is a non-cancellable critical section; partial
// applies are a rollback concern, not a cancellation one.
func (c *Controller) Cancel(ctx context.Context, run *model.PipelineRun, reason string) error {
	switch run.Status {
	case model.StatusPending, model.StatusRunning, model.StatusAwaitingApproval:
	default:
		return fmt.Errorf("cannot cancel run %d in status %s", run.ID, run.Status)
	}

	// Withdraw the open approval token so a late decision is rejected
	// instead of landing in the audit trail against a cancelled run.
	if run.Status == model.StatusAwaitingApproval && c.deps.Gate != nil {
		c.deps.Gate.Withdraw(run.ID)
	}

	c.skipRemaining(run)
	run.Status = model.StatusCancelled
	run.UpdatedAt = time.Now().UTC()
	if err := c.deps.Runs.Save(run); err != nil {
		return err
	}
	c.publish(ctx, run, "run cancelled: "+reason)
	return nil
}

// runSource pulls the revision into the artifact store and runs the
// optional source command.
func (c *Controller) runSource(ctx context.Context, run *model.PipelineRun) error {
	started := time.Now().UTC()
	run.Status = model.StatusRunning
	run.Stage = model.StageSource

	manifest := make(map[string]string, len(run.Revision.Files))
	for path, content := range run.Revision.Files {
		id, err := c.deps.Artifacts.Put(ctx, content)
		if err != nil {
			return c.failStage(ctx, run, model.StageResult{
				Stage:      model.StageSource,
				Outcome:    model.OutcomeError,
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
				Reason:     fmt.Sprintf("failed to store %s: %v", path, err),
			})
		}
		manifest[path] = id
	}
	run.Revision.Manifest = manifest

	if spec, ok := c.cfg.Stages[string(model.StageSource)]; ok {
		result, err := c.executeWithRetry(ctx, run, model.StageSource, spec)
		if err != nil || result.Outcome != model.OutcomePass {
			return c.failStage(ctx, run, result)
		}
		return c.passStage(run, result)
	}

	return c.passStage(run, model.StageResult{
		Stage:      model.StageSource,
		Outcome:    model.OutcomePass,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	})
}

func (c *Controller) runValidate(ctx context.Context, run *model.PipelineRun) error {
	spec, ok := c.cfg.Stages[string(model.StageValidate)]
	if !ok {
		return c.passStage(run, model.StageResult{
			Stage:      model.StageValidate,
			Outcome:    model.OutcomePass,
			StartedAt:  time.Now().UTC(),
			FinishedAt: time.Now().UTC(),
			Reason:     "no validate command configured",
		})
	}

	result, err := c.executeWithRetry(ctx, run, model.StageValidate, spec)
	if err != nil || result.Outcome != model.OutcomePass {
		return c.failStage(ctx, run, result)
	}
	return c.passStage(run, result)
}

func (c *Controller) runScan(ctx context.Context, run *model.PipelineRun) error {
	started := time.Now().UTC()

	verdict := c.deps.Aggregator.Evaluate(ctx, run.Revision, c.deps.Checkers)
	for attempt := 0; attempt < c.retry.MaxRetries && verdictOnlyTransientErrors(verdict); attempt++ {
		logging.WithRun(run.Target, run.ID).Warn("retrying scan after transient checker errors",
			"attempt", attempt+1)
		verdict = c.deps.Aggregator.Evaluate(ctx, run.Revision, c.deps.Checkers)
	}
	run.Verdict = &verdict

	result := model.StageResult{
		Stage:      model.StageScan,
		Outcome:    verdict.Outcome,
		Findings:   verdict.Findings,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if data, err := json.Marshal(verdict); err == nil {
		if ref, err := c.deps.Artifacts.Put(ctx, data); err == nil {
			result.LogRef = ref
		}
	}

	if verdict.Outcome != model.OutcomePass {
		return c.failStage(ctx, run, result)
	}
	return c.passStage(run, result)
}

func (c *Controller) requestApproval(ctx context.Context, run *model.PipelineRun) error {
	token, err := c.deps.Gate.Request(run, *run.Verdict)
	if err != nil {
		return err
	}
	run.ApprovalToken = token.Token
	run.Stage = model.StageApproval
	run.Status = model.StatusAwaitingApproval
	run.UpdatedAt = time.Now().UTC()
	if err := c.deps.Runs.Save(run); err != nil {
		return err
	}
	c.publish(ctx, run, "awaiting approval")
	return nil
}

func (c *Controller) resolveApproval(ctx context.Context, run *model.PipelineRun) error {
	started := time.Now().UTC()
	decision, pending, err := c.deps.Gate.Resolve(run.ApprovalToken, run.Revision.ID)
	if err != nil {
		return c.failStage(ctx, run, model.StageResult{
			Stage:      model.StageApproval,
			Outcome:    model.OutcomeError,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Reason:     err.Error(),
		})
	}
	if pending {
		return nil
	}

	result := model.StageResult{
		Stage:      model.StageApproval,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	switch decision.Decision {
	case model.DecisionApproved:
		result.Outcome = model.OutcomePass
		result.Reason = "approved by " + decision.Approver
		if err := c.passStage(run, result); err != nil {
			return err
		}
		run.Status = model.StatusApproved
		run.UpdatedAt = time.Now().UTC()
		return c.deps.Runs.Save(run)
	case model.DecisionRejected:
		result.Outcome = model.OutcomeFail
		result.Reason = "rejected by " + decision.Approver
		return c.failStage(ctx, run, result)
	default: // TimedOut
		result.Outcome = model.OutcomeError
		result.Reason = ErrApprovalTimeout.Error()
		return c.failStage(ctx, run, result)
	}
}

// runApply acquires the target's lock, re-validates the expected state
// version, and drives the apply collaborator. This is the only stage
// permitted to mutate DeploymentState.
func (c *Controller) runApply(ctx context.Context, run *model.PipelineRun) error {
	started := time.Now().UTC()

	// Core safety invariant, re-checked at the door: a passing verdict
	// for this exact revision must exist.
	if run.Verdict == nil || run.Verdict.Outcome != model.OutcomePass || run.Verdict.RevisionID != run.Revision.ID {
		return c.failStage(ctx, run, model.StageResult{
			Stage:      model.StageApply,
			Outcome:    model.OutcomeError,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Reason:     "no passing scan verdict bound to this revision",
		})
	}

	desired, ok := run.Revision.Files[c.cfg.DesiredStatePath]
	if !ok {
		return c.failStage(ctx, run, model.StageResult{
			Stage:      model.StageApply,
			Outcome:    model.OutcomeError,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Reason:     fmt.Sprintf("snapshot has no desired-state payload at %s", c.cfg.DesiredStatePath),
		})
	}

	handle, err := c.deps.Locker.Acquire(ctx, run.Target, run.ID, c.cfg.LockLease.Std())
	if err != nil {
		if errors.Is(err, state.ErrLockHeld) {
			// The run stays queued; the caller retries after the
			// holder releases.
			return &ConflictError{Target: run.Target, Reason: err.Error()}
		}
		return err
	}
	defer func() {
		if relErr := c.deps.Locker.Release(context.WithoutCancel(ctx), handle); relErr != nil {
			logging.WithRun(run.Target, run.ID).Warn("failed to release state lock", "error", relErr)
		}
	}()

	// The lease must outlive the apply, so it is renewed for as long as
	// the lock is held. stopRenew runs before the release above.
	lease := c.cfg.LockLease.Std()
	if lease <= 0 {
		lease = state.DefaultLease
	}
	renewCtx, stopRenew := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRenew()
	go c.renewLease(renewCtx, handle, lease)

	run.Status = model.StatusApplying
	run.Stage = model.StageApply
	run.UpdatedAt = time.Now().UTC()
	if err := c.deps.Runs.Save(run); err != nil {
		return err
	}
	c.publish(ctx, run, "applying")

	current, err := c.deps.States.Current(ctx, run.Target)
	if err != nil {
		return err
	}

	// A crashed process may have advanced the state before finalizing
	// the run record. Re-driving such a run completes it instead of
	// re-applying or reporting its own append as stale.
	if current.RunID == run.ID && current.Version == run.ExpectedStateVersion+1 {
		return c.succeed(ctx, run, model.StageResult{
			Stage:      model.StageApply,
			Outcome:    model.OutcomePass,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Reason:     fmt.Sprintf("deployment state already advanced to version %d", current.Version),
		})
	}

	if current.Version != run.ExpectedStateVersion {
		return c.failStage(ctx, run, model.StageResult{
			Stage:      model.StageApply,
			Outcome:    model.OutcomeFail,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Reason: fmt.Sprintf("%s: expected version %d, found %d",
				ErrStaleState.Error(), run.ExpectedStateVersion, current.Version),
		})
	}

	// Idempotence: a target already at the desired state keeps its
	// version and the run still succeeds.
	if current.Version > 0 && bytes.Equal(current.Desired, desired) {
		return c.succeed(ctx, run, model.StageResult{
			Stage:      model.StageApply,
			Outcome:    model.OutcomePass,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Reason:     fmt.Sprintf("target already at desired state (version %d)", current.Version),
		})
	}

	// Once the lock is held the apply is not cancellable; it runs
	// under its own timeout, detached from the caller's context.
	timeout := c.cfg.StageTimeout.Std()
	if timeout <= 0 {
		timeout = stage.DefaultTimeout
	}
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := c.deps.Applier.Apply(applyCtx, run.Target, desired); err != nil {
		// DeploymentState stays at the last known good version; the
		// deferred release frees the lock for a remediation run.
		return c.failStage(ctx, run, model.StageResult{
			Stage:      model.StageApply,
			Outcome:    model.OutcomeFail,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Reason:     err.Error(),
		})
	}

	if err := c.deps.States.Append(ctx, &model.DeploymentState{
		Target:    run.Target,
		Version:   current.Version + 1,
		RunID:     run.ID,
		Desired:   desired,
		AppliedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	return c.succeed(ctx, run, model.StageResult{
		Stage:      model.StageApply,
		Outcome:    model.OutcomePass,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Reason:     fmt.Sprintf("deployment state advanced to version %d", current.Version+1),
	})
}

// renewLease extends the lock lease at a third of its duration until
// ctx is cancelled, so an apply that outlasts the original lease never
// loses the lock to an expired-lease reclaim.
func (c *Controller) renewLease(ctx context.Context, h *state.Handle, lease time.Duration) {
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.deps.Locker.Renew(ctx, h, lease); err != nil {
				logging.WithRun(h.Target, h.RunID).Warn("failed to renew state lock", "error", err)
				return
			}
		}
	}
}

// executeWithRetry runs a stage command, retrying transient execution
// errors with backoff. Deterministic tool rejections are never retried.
func (c *Controller) executeWithRetry(ctx context.Context, run *model.PipelineRun, st model.Stage, spec config.StageCommand) (model.StageResult, error) {
	var result model.StageResult
	cmd := stage.CommandSpec{Argv: spec.Argv, Env: spec.Env}
	err := stage.RetryWithBackoff(ctx, c.retry, func() error {
		res, execErr := c.deps.Executor.Run(ctx, st, run.Revision, cmd)
		result = res
		return execErr
	}, stage.IsTransientError)
	return result, err
}

func (c *Controller) passStage(run *model.PipelineRun, result model.StageResult) error {
	run.Results = append(run.Results, result)
	run.Stage = result.Stage
	run.Status = model.StatusRunning
	run.UpdatedAt = time.Now().UTC()
	return c.deps.Runs.Save(run)
}

// failStage records the failing result, marks every remaining stage
// Skipped, and halts the run permanently. A fix requires a new
// revision and a new run.
func (c *Controller) failStage(ctx context.Context, run *model.PipelineRun, result model.StageResult) error {
	run.Results = append(run.Results, result)
	c.skipRemaining(run)
	run.Status = model.StatusFailed
	run.UpdatedAt = time.Now().UTC()
	if err := c.deps.Runs.Save(run); err != nil {
		return err
	}
	c.publish(ctx, run, fmt.Sprintf("%s stage %s: %s", result.Stage, result.Outcome, result.Reason))
	return nil
}

func (c *Controller) succeed(ctx context.Context, run *model.PipelineRun, result model.StageResult) error {
	run.Results = append(run.Results, result)
	run.Status = model.StatusSucceeded
	run.UpdatedAt = time.Now().UTC()
	if err := c.deps.Runs.Save(run); err != nil {
		return err
	}
	c.publish(ctx, run, result.Reason)
	return nil
}

// skipRemaining records Skipped results for stages that will never
// execute, so the audit trail always covers the full stage order.
func (c *Controller) skipRemaining(run *model.PipelineRun) {
	now := time.Now().UTC()
	for _, st := range model.StageOrder {
		if run.Result(st) == nil {
			run.Results = append(run.Results, model.StageResult{
				Stage:      st,
				Outcome:    model.OutcomeSkipped,
				StartedAt:  now,
				FinishedAt: now,
			})
		}
	}
}

// hydrate reloads snapshot contents from the artifact store after a
// restart, when only the manifest survived serialization.
func (c *Controller) hydrate(ctx context.Context, run *model.PipelineRun) error {
	if len(run.Revision.Files) > 0 || len(run.Revision.Manifest) == 0 {
		return nil
	}
	files := make(map[string][]byte, len(run.Revision.Manifest))
	for path, id := range run.Revision.Manifest {
		content, err := c.deps.Artifacts.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to hydrate snapshot file %s: %w", path, err)
		}
		files[path] = content
	}
	run.Revision.Files = files
	return nil
}

// publish emits a run-state-changed event. Delivery failures are
// logged and never gate the pipeline.
func (c *Controller) publish(ctx context.Context, run *model.PipelineRun, msg string) {
	event := notify.Event{
		Target:   run.Target,
		RunID:    run.ID,
		Revision: run.Revision.ID,
		Status:   run.Status,
		Stage:    run.Stage,
		Seq:      len(run.Results),
		Message:  msg,
		At:       time.Now().UTC(),
	}
	if err := c.deps.Notifier.Publish(ctx, event); err != nil {
		logging.WithRun(run.Target, run.ID).Warn("failed to publish run event", "error", err)
	}
}

// TerminalError maps a failed run to its typed error, letting callers
// distinguish policy rejections from environment faults without
// parsing reasons. Returns nil unless the run is Failed.
func TerminalError(run *model.PipelineRun) error {
	if run.Status != model.StatusFailed {
		return nil
	}
	for _, res := range run.Results {
		if res.Outcome == model.OutcomePass || res.Outcome == model.OutcomeSkipped {
			continue
		}
		switch res.Stage {
		case model.StageValidate:
			return &ValidationError{RunID: run.ID, Reason: res.Reason}
		case model.StageScan:
			return &ScanFailure{RunID: run.ID, Findings: len(res.Findings)}
		case model.StageApproval:
			if res.Reason == ErrApprovalTimeout.Error() {
				return ErrApprovalTimeout
			}
			return &ValidationError{RunID: run.ID, Reason: res.Reason}
		case model.StageApply:
			if strings.HasPrefix(res.Reason, ErrStaleState.Error()) {
				return fmt.Errorf("%w: %s", ErrStaleState, res.Reason)
			}
			return &ApplyError{RunID: run.ID, Err: errors.New(res.Reason)}
		default:
			return &ExecutionError{Stage: string(res.Stage), Err: errors.New(res.Reason)}
		}
	}
	return fmt.Errorf("run %d failed", run.ID)
}

// verdictOnlyTransientErrors reports whether every non-pass checker
// result is a transient execution error, making the scan worth
// retrying. A deterministic Fail is never retried.
func verdictOnlyTransientErrors(verdict model.ScanVerdict) bool {
	if verdict.Outcome == model.OutcomePass {
		return false
	}
	sawError := false
	for _, res := range verdict.Results {
		switch res.Outcome {
		case model.OutcomePass:
		case model.OutcomeError:
			if res.Reason != scan.TimeoutReason && !stage.IsTransientError(errors.New(res.Reason)) {
				return false
			}
			sawError = true
		default:
			return false
		}
	}
	return sawError
}
