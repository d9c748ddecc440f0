package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/classd/internal/audit"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent operations from the audit log",
	Run:   runAudit,
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries to show")
}

func runAudit(_ *cobra.Command, _ []string) {
	cfg := loadConfig()
	if cfg.AuditPath == "" {
		exitError("audit log is not enabled; set audit_path in the config")
	}
	log, err := audit.Open(cfg.AuditPath, nil)
	if err != nil {
		exitError("failed to open audit log: %v", err)
	}
	defer log.Close()

	entries, err := log.Recent(context.Background(), auditLimit)
	if err != nil {
		exitError("%v", err)
	}

	yellow := color.New(color.FgYellow)
	for _, e := range entries {
		yellow.Printf("%-8s", e.Operation)
		fmt.Printf(" %-20s %-12s %-12s %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.ClassName, e.ObjectID, e.Actor)
	}
}
