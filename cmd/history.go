package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tracekit/pkg/audit"
)

var (
	historyPID   int
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent syscalls recorded by a previous trace --db run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dbPath == "" {
			return fmt.Errorf("--db is required to read trace history")
		}
		store, err := audit.Open(audit.DefaultConfig(dbPath))
		if err != nil {
			return fmt.Errorf("opening audit trail: %w", err)
		}
		defer store.Close()

		records, err := store.Recent(context.Background(), historyPID, historyLimit)
		if err != nil {
			return fmt.Errorf("reading audit trail: %w", err)
		}
		for _, r := range records {
			status := "ok"
			if r.IsError {
				status = "err"
			}
			fmt.Printf("%s [%-6d] %s(%s) = %d (%s)\n",
				r.Timestamp.Format("15:04:05.000"), r.PID, r.Syscall, r.Args, r.Return, status)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyPID, "pid", 0, "Restrict output to one pid (default: all)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "Maximum number of records to print")
	RootCmd.AddCommand(historyCmd)
}
