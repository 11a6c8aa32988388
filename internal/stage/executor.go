// Package stage executes the external commands of one pipeline stage
// inside an isolated environment and translates process exit status
// into a structured stage result.
package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gatecrane-io/gatecrane/internal/artifact"
	"github.com/gatecrane-io/gatecrane/internal/logging"
	"github.com/gatecrane-io/gatecrane/internal/model"
)

// Executor runs stage commands against a materialized revision
// snapshot. Command output is captured and stored as the stage's raw
// log reference; it is never parsed for gating decisions here.
type Executor struct {
	runner    Runner
	artifacts artifact.Store
	timeout   time.Duration
}

func NewExecutor(runner Runner, artifacts artifact.Store, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{runner: runner, artifacts: artifacts, timeout: timeout}
}

// Run executes the command of one stage over rev's snapshot. The
// returned error is non-nil only for environment faults (tool could
// not run, timed out, snapshot could not be materialized), which are
// candidates for retry. A command that runs to completion and exits
// non-zero is recorded as OutcomeError with no error returned, since
// no stage defines expected-fail semantics.
func (e *Executor) Run(ctx context.Context, st model.Stage, rev model.Revision, spec CommandSpec) (model.StageResult, error) {
	result := model.StageResult{
		Stage:     st,
		StartedAt: time.Now().UTC(),
	}

	dir, cleanup, err := MaterializeSnapshot(rev)
	if err != nil {
		result.Outcome = model.OutcomeError
		result.FinishedAt = time.Now().UTC()
		result.Reason = err.Error()
		return result, fmt.Errorf("failed to materialize snapshot for %s stage: %w", st, err)
	}
	defer cleanup()

	spec.Dir = dir
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	execResult, runErr := e.runner.Run(ctx, spec)
	result.FinishedAt = time.Now().UTC()

	if execResult != nil && execResult.Combined() != "" {
		logRef, putErr := e.artifacts.Put(ctx, []byte(execResult.Combined()))
		if putErr != nil {
			logging.Warn("failed to store stage log", "stage", st, "error", putErr)
		} else {
			result.LogRef = logRef
		}
	}

	if runErr != nil {
		result.Outcome = model.OutcomeError
		result.Reason = runErr.Error()
		return result, runErr
	}

	if execResult.ExitCode != 0 {
		result.Outcome = model.OutcomeError
		result.Reason = fmt.Sprintf("command exited with status %d", execResult.ExitCode)
		return result, nil
	}

	result.Outcome = model.OutcomePass
	return result, nil
}

// MaterializeSnapshot writes a revision's files into a fresh temporary
// directory so stage commands and checkers see a read-only, immutable
// view. The caller must invoke cleanup.
func MaterializeSnapshot(rev model.Revision) (string, func(), error) {
	dir, err := os.MkdirTemp("", "gatecrane-snapshot-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	for path, content := range rev.Files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to create snapshot subdirectory: %w", err)
		}
		if err := os.WriteFile(full, content, 0644); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to write snapshot file %s: %w", path, err)
		}
	}

	return dir, cleanup, nil
}
