package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs for the configured target",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}

		runs, err := a.runs.List(a.cfg.Target)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Printf("No runs for target %s.\n", a.cfg.Target)
			return nil
		}

		fmt.Printf("%-6s %-14s %-20s %-10s %s\n", "RUN", "REVISION", "STATUS", "STAGE", "STARTED")
		for _, run := range runs {
			fmt.Printf("%-6d %-14s %-20s %-10s %s\n",
				run.ID, shortID(run.Revision.ID), run.Status, run.Stage,
				run.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full record of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}

		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		run, err := a.runs.Get(a.cfg.Target, id)
		if err != nil {
			return err
		}
		renderRun(run)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run that has not started applying",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}
		ctx := cmd.Context()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		run, err := a.runs.Get(a.cfg.Target, id)
		if err != nil {
			return err
		}
		if err := a.controller.Cancel(ctx, run, "cancelled by "+currentUser()); err != nil {
			return err
		}
		writeAuditLog(a.cfg, AuditEntry{
			Operation: "cancel",
			Target:    run.Target,
			RunID:     run.ID,
			Detail:    "by " + currentUser(),
		})
		fmt.Printf("Run %d cancelled.\n", run.ID)
		return nil
	},
}

// renderRun prints the stage-by-stage record of a run.
func renderRun(run *model.PipelineRun) {
	fmt.Printf("\nRun %d  target=%s  revision=%s\n", run.ID, run.Target, shortID(run.Revision.ID))
	fmt.Printf("Status: %s%s%s\n", statusColor(run.Status), run.Status, colorize("\033[0m"))

	for _, res := range run.Results {
		symbol := " "
		switch res.Outcome {
		case model.OutcomePass:
			symbol = colorize("\033[32m") + "✓" + colorize("\033[0m")
		case model.OutcomeFail, model.OutcomeError:
			symbol = colorize("\033[31m") + "✗" + colorize("\033[0m")
		case model.OutcomeSkipped:
			symbol = "-"
		}
		fmt.Printf("  %s %-9s %-8s", symbol, res.Stage, res.Outcome)
		if res.Reason != "" {
			fmt.Printf("  %s", res.Reason)
		}
		fmt.Println()
		if len(res.Findings) > 0 {
			renderFindings(res.Findings)
		}
	}
}

func statusColor(s model.Status) string {
	switch s {
	case model.StatusSucceeded:
		return colorize("\033[32m")
	case model.StatusFailed, model.StatusCancelled:
		return colorize("\033[31m")
	case model.StatusAwaitingApproval:
		return colorize("\033[33m")
	default:
		return ""
	}
}
