package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// CommandSpec describes one external command of a stage.
type CommandSpec struct {
	Argv []string          `yaml:"argv"`
	Dir  string            `yaml:"dir"`
	Env  map[string]string `yaml:"env"`
}

// ExecResult is the structured outcome of one command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr joined for log storage.
func (r *ExecResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

// Runner executes a command inside some isolation environment. A
// non-zero exit is reported through ExecResult, not through the error:
// the error is reserved for environment faults (command not found,
// daemon unreachable, context cancelled).
type Runner interface {
	Run(ctx context.Context, spec CommandSpec) (*ExecResult, error)
}

// LocalRunner executes commands as child processes.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, spec CommandSpec) (*ExecResult, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("command spec has no argv")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		// A kill triggered by the context reads as an ExitError too;
		// report it as a cancellation, not a tool rejection.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("command cancelled: %w", ctxErr)
		}
		result.ExitCode = exitErr.ExitCode()
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("command cancelled: %w", ctxErr)
		}
		return result, fmt.Errorf("command execution failed: %w", err)
	}

	return result, nil
}
