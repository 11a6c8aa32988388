package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gatecrane-io/gatecrane/internal/pipeline"
)

var advanceWait bool

var advanceCmd = &cobra.Command{
	Use:   "advance <run-id>",
	Short: "Resume a non-terminal run",
	Long: `Drives an existing run forward, typically after an approval decision
or after a lock conflict left the run queued.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdvance,
}

func init() {
	advanceCmd.Flags().BoolVar(&advanceWait, "wait", false, "Block at the approval gate until a decision arrives")
}

func runAdvance(cmd *cobra.Command, args []string) error {
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
	if run.Status.Terminal() {
		return fmt.Errorf("run %d is already %s", run.ID, run.Status)
	}

	if err := a.controller.RunToCompletion(ctx, run, advanceWait); err != nil {
		if pipeline.IsConflict(err) {
			fmt.Printf("Run %d is still queued: %v\n", run.ID, err)
			return nil
		}
		return err
	}
	renderRun(run)
	return pipeline.TerminalError(run)
}
