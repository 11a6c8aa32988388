package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the deployment state of the target",
	Long:  `Commands for inspecting the versioned deployment state history.`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show [version]",
	Short: "Show the current or a specific state version",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStateShow,
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List every recorded state version",
	RunE:  runStateHistory,
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateHistoryCmd)
}

func runStateShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}

	var st *model.DeploymentState
	if len(args) > 0 {
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid state version %q", args[0])
		}
		st, err = a.states.Get(ctx, a.cfg.Target, version)
		if err != nil {
			return err
		}
	} else {
		st, err = a.states.Current(ctx, a.cfg.Target)
		if err != nil {
			return err
		}
	}

	if st.Version == 0 {
		fmt.Printf("Target %s has never been applied.\n", a.cfg.Target)
		return nil
	}

	fmt.Printf("Target:  %s\n", st.Target)
	fmt.Printf("Version: %d\n", st.Version)
	fmt.Printf("Run:     %d\n", st.RunID)
	fmt.Printf("Applied: %s\n", st.AppliedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("\n%s\n", st.Desired)
	return nil
}

func runStateHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}

	current, err := a.states.Current(ctx, a.cfg.Target)
	if err != nil {
		return err
	}
	if current.Version == 0 {
		fmt.Printf("Target %s has never been applied.\n", a.cfg.Target)
		return nil
	}

	fmt.Printf("%-8s %-6s %s\n", "VERSION", "RUN", "APPLIED")
	for v := int64(1); v <= current.Version; v++ {
		st, err := a.states.Get(ctx, a.cfg.Target, v)
		if err != nil {
			return err
		}
		fmt.Printf("%-8d %-6d %s\n", st.Version, st.RunID, st.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
