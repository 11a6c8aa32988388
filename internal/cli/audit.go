package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatecrane-io/gatecrane/internal/config"
)

// AuditEntry records one operator action against the pipeline.
type AuditEntry struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"` // "run", "approved", "rejected", "cancel"
	User      string `json:"user"`
	Target    string `json:"target"`
	RunID     int64  `json:"run_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// writeAuditLog appends an audit entry. Audit logging failure never
// blocks the operation itself.
func writeAuditLog(cfg *config.PipelineConfig, entry AuditEntry) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.User == "" {
		entry.User = currentUser()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	f, err := os.OpenFile(filepath.Join(cfg.DataDir, "audit.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, string(data))
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recorded operator actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		f, err := os.Open(filepath.Join(cfg.DataDir, "audit.log"))
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No audit entries.")
				return nil
			}
			return err
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var entry AuditEntry
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				continue
			}
			fmt.Printf("%-20s %-10s %-12s run=%-4d %s\n",
				entry.Timestamp, entry.Operation, entry.User, entry.RunID, entry.Detail)
		}
		return scanner.Err()
	},
}
