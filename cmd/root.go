package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dbPath string

var RootCmd = &cobra.Command{
	Use:   "tracekit",
	Short: "tracekit: a ptrace-based syscall interception toolkit",
	Long:  `tracekit traces, logs, filters and rewrites the syscalls a process makes.`,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Path to the SQLite audit trail (unset disables the audit trail)")
}
