package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tracekit/pkg/tracer"
)

var attachCmd = &cobra.Command{
	Use:   "attach PID",
	Short: "Attach to an already-running process and trace it until it exits or is detached",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pid %q: %w", args[0], err)
		}
		return runAttach(pid)
	},
}

func init() {
	attachCmd.Flags().StringVar(&traceLogPath, "log", "", "Path to write syscall trace lines (default: stderr)")
	attachCmd.Flags().StringVar(&traceSyscalls, "only", "", "Comma-separated syscalls to log (default: all)")
	attachCmd.Flags().StringVar(&traceDeny, "deny", "", "Comma-separated syscalls to deny with EPERM")
	RootCmd.AddCommand(attachCmd)
}

func runAttach(pid int) error {
	session, err := tracer.NewSession(tracer.OptDefault)
	if err != nil {
		return fmt.Errorf("creating trace session: %w", err)
	}

	logger, closeLogger, err := buildLogger()
	if err != nil {
		return err
	}
	if closeLogger != nil {
		defer closeLogger()
	}
	if only := splitCSV(traceSyscalls); len(only) > 0 {
		logger = &filterLogger{inner: logger, allow: toSet(only)}
	}
	session.SetLogger(logger)

	for _, name := range splitCSV(traceDeny) {
		name := name
		if err := session.SetHook(name, func(e *tracer.Event) tracer.HookResult {
			if e.Entry() {
				e.Deny(-1)
			}
			return tracer.Continue
		}); err != nil {
			return fmt.Errorf("registering deny hook for %q: %w", name, err)
		}
	}
	session.SetDefaultHook(func(e *tracer.Event) tracer.HookResult {
		return tracer.Continue
	})

	child, err := session.Attach(pid)
	if err != nil {
		return fmt.Errorf("attaching to pid %d: %w", pid, err)
	}
	defer session.RemoveChild(child)

	return session.Run()
}
