// Package apply drives the deployment-apply collaborator. Appliers
// must be safe to re-invoke with the same desired state after a crash:
// the orchestrator may re-drive an apply against a target it cannot
// prove was fully applied.
package apply

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gatecrane-io/gatecrane/internal/stage"
)

// Applier mutates the deployment target to match an opaque desired
// state payload. The orchestrator never interprets the payload.
type Applier interface {
	Apply(ctx context.Context, target string, desired []byte) error
}

// CommandApplier shells out to an external apply tool. The desired
// state payload is materialized as a file in a scratch directory and
// its path appended to the configured argv.
type CommandApplier struct {
	argv   []string
	runner stage.Runner
}

func NewCommandApplier(argv []string, runner stage.Runner) *CommandApplier {
	if runner == nil {
		runner = stage.LocalRunner{}
	}
	return &CommandApplier{argv: argv, runner: runner}
}

func (a *CommandApplier) Apply(ctx context.Context, target string, desired []byte) error {
	if len(a.argv) == 0 {
		return fmt.Errorf("apply command not configured")
	}

	dir, err := os.MkdirTemp("", "gatecrane-apply-*")
	if err != nil {
		return fmt.Errorf("failed to create apply directory: %w", err)
	}
	defer os.RemoveAll(dir)

	payload := filepath.Join(dir, "desired.json")
	if err := os.WriteFile(payload, desired, 0600); err != nil {
		return fmt.Errorf("failed to write desired state payload: %w", err)
	}

	argv := append(append([]string{}, a.argv...), payload)
	result, err := a.runner.Run(ctx, stage.CommandSpec{
		Argv: argv,
		Dir:  dir,
		Env:  map[string]string{"GATECRANE_TARGET": target},
	})
	if err != nil {
		return fmt.Errorf("apply tool failed to run: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("apply tool exited with status %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

// Noop is an in-memory applier for tests and dry wiring. It records
// the last applied payload per target and counts invocations.
type Noop struct {
	mu      sync.Mutex
	applied map[string][]byte
	calls   int

	// FailWith, when set, makes every Apply return this error.
	FailWith error
}

func NewNoop() *Noop {
	return &Noop{applied: make(map[string][]byte)}
}

func (n *Noop) Apply(ctx context.Context, target string, desired []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailWith != nil {
		return n.FailWith
	}
	n.calls++
	n.applied[target] = append([]byte{}, desired...)
	return nil
}

// Calls returns the number of successful applies.
func (n *Noop) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// Applied reports whether target currently matches desired.
func (n *Noop) Applied(target string, desired []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return bytes.Equal(n.applied[target], desired)
}
