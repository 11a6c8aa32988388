package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gatecrane-io/gatecrane/internal/model"
	"github.com/gatecrane-io/gatecrane/internal/pipeline"
)

var runWait bool

var runCmd = &cobra.Command{
	Use:   "run [dir]",
	Short: "Trigger a pipeline run for a source directory",
	Long: `Snapshots the source directory into an immutable revision and drives
it through the pipeline. With --wait the command blocks at the approval
gate until a decision arrives or the deadline elapses; without it the
command returns once the run is awaiting approval.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runWait, "wait", false, "Block at the approval gate until a decision arrives")
}

func runRun(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	if len(args) > 0 {
		dir, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
	}
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}

	fmt.Print("Snapshotting revision... ")
	rev, err := loadRevision(dir, a.cfg.DataDir)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Printf("OK (%s)\n", shortID(rev.ID))

	run, err := a.controller.Start(ctx, rev)
	if err != nil {
		if pipeline.IsConflict(err) {
			return fmt.Errorf("target %s is busy: %w", a.cfg.Target, err)
		}
		return err
	}
	fmt.Printf("Run %d started for target %s\n", run.ID, run.Target)

	if err := a.controller.RunToCompletion(ctx, run, runWait); err != nil {
		if pipeline.IsConflict(err) {
			fmt.Printf("\nRun %d is queued: %v\n", run.ID, err)
			fmt.Println("Re-run once the current holder releases the target.")
			return nil
		}
		return err
	}
	writeAuditLog(a.cfg, AuditEntry{
		Operation: "run",
		Target:    run.Target,
		RunID:     run.ID,
		Detail:    string(run.Status),
	})

	renderRun(run)

	if run.Status == model.StatusAwaitingApproval {
		fmt.Printf("\nRun %d is awaiting approval. Decide with:\n", run.ID)
		fmt.Printf("  gatecrane approve %s\n", run.ApprovalToken)
		fmt.Printf("  gatecrane reject %s\n", run.ApprovalToken)
		return nil
	}

	if terminalErr := pipeline.TerminalError(run); terminalErr != nil {
		var scanErr *pipeline.ScanFailure
		if errors.As(terminalErr, &scanErr) {
			fmt.Println("\nScan findings:")
			renderFindings(run.Verdict.Findings)
		}
		return terminalErr
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
