package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

var approver string

var approveCmd = &cobra.Command{
	Use:   "approve <token>",
	Short: "Approve a pending deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <token>",
	Short: "Reject a pending deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

func init() {
	for _, cmd := range []*cobra.Command{approveCmd, rejectCmd} {
		cmd.Flags().StringVar(&approver, "approver", "", "Identity recorded with the decision (defaults to $USER)")
	}
}

func runApprove(cmd *cobra.Command, args []string) error {
	return decide(cmd, args[0], model.DecisionApproved)
}

func runReject(cmd *cobra.Command, args []string) error {
	return decide(cmd, args[0], model.DecisionRejected)
}

func decide(cmd *cobra.Command, token string, decision model.Decision) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}

	who := approver
	if who == "" {
		who = currentUser()
	}

	d, err := a.gate.Decide(token, decision, who)
	if err != nil {
		return err
	}
	writeAuditLog(a.cfg, AuditEntry{
		Operation: string(decision),
		Target:    a.cfg.Target,
		RunID:     d.RunID,
		Detail:    "by " + who,
	})

	if d.Decision == model.DecisionTimedOut {
		fmt.Printf("Run %d: the approval deadline already elapsed; the run fails closed.\n", d.RunID)
		return nil
	}
	fmt.Printf("Run %d %s by %s (revision %s)\n", d.RunID, d.Decision, who, shortID(d.RevisionID))
	return nil
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}

		pending := a.gate.Pending()
		if len(pending) == 0 {
			fmt.Println("No pending approvals.")
			return nil
		}

		for _, p := range pending {
			fmt.Printf("Token:    %s\n", p.Token)
			fmt.Printf("Run:      %d (target %s)\n", p.RunID, p.Target)
			fmt.Printf("Revision: %s\n", shortID(p.RevisionID))
			fmt.Printf("Deadline: %s\n", p.Deadline.Format("2006-01-02 15:04:05 MST"))
			if len(p.Verdict.Findings) > 0 {
				fmt.Println("Findings:")
				renderFindings(p.Verdict.Findings)
			}
			fmt.Println()
		}
		return nil
	},
}
