package cli

import (
	"github.com/spf13/cobra"

	"github.com/gatecrane-io/gatecrane/internal/logging"
)

var (
	configPath string
	logLevel   string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "gatecrane",
	Short: "Gated deployment pipeline orchestrator",
	Long: `Gatecrane drives revisions through a fixed deployment pipeline:
Source, Validate, Scan, Approval, Apply.

Every stage gates the next. No revision reaches a deployment target
without a passing security scan and an explicit, recorded approval.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gatecrane.yaml", "Path to the pipeline configuration file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}
