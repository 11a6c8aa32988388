package scan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gatecrane-io/gatecrane/internal/model"
	"github.com/gatecrane-io/gatecrane/internal/stage"
)

// scannerReport is the JSON document an external scanner prints on
// stdout. This adapter is the only place scanner output is parsed for
// gating decisions.
type scannerReport struct {
	Findings []struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
		Resource string `json:"resource"`
	} `json:"findings"`
}

// CommandChecker adapts an external scanner binary into a Checker. The
// scanner runs against a materialized snapshot: exit 0 means pass,
// exit 1 means fail with findings on stdout, anything else is an
// execution error.
type CommandChecker struct {
	name   string
	argv   []string
	runner stage.Runner
}

func NewCommandChecker(name string, argv []string, runner stage.Runner) *CommandChecker {
	if runner == nil {
		runner = stage.LocalRunner{}
	}
	return &CommandChecker{name: name, argv: argv, runner: runner}
}

func (c *CommandChecker) Name() string { return c.name }

func (c *CommandChecker) Check(ctx context.Context, rev model.Revision) (model.CheckerResult, error) {
	dir, cleanup, err := stage.MaterializeSnapshot(rev)
	if err != nil {
		return model.CheckerResult{}, err
	}
	defer cleanup()

	result, err := c.runner.Run(ctx, stage.CommandSpec{Argv: c.argv, Dir: dir})
	if err != nil {
		return model.CheckerResult{}, fmt.Errorf("scanner %s failed to run: %w", c.name, err)
	}

	switch result.ExitCode {
	case 0:
		return model.CheckerResult{Outcome: model.OutcomePass}, nil
	case 1:
		var report scannerReport
		if err := json.Unmarshal([]byte(result.Stdout), &report); err != nil {
			return model.CheckerResult{}, fmt.Errorf("scanner %s produced unparseable report: %w", c.name, err)
		}
		findings := make([]model.Finding, 0, len(report.Findings))
		for _, f := range report.Findings {
			findings = append(findings, model.Finding{
				Severity: model.Severity(f.Severity),
				Message:  f.Message,
				Resource: f.Resource,
			})
		}
		return model.CheckerResult{Outcome: model.OutcomeFail, Findings: findings}, nil
	default:
		return model.CheckerResult{}, fmt.Errorf("scanner %s exited with status %d: %s", c.name, result.ExitCode, result.Stderr)
	}
}
