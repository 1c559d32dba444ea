package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tracekit/pkg/audit"
	"tracekit/pkg/tracer"
)

var (
	traceInteractive bool
	traceLogPath     string
	traceSyscalls    string
	traceDeny        string
)

var traceCmd = &cobra.Command{
	Use:   "trace -- COMMAND [ARGS...]",
	Short: "Run COMMAND under ptrace, logging and optionally filtering its syscalls",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrace(args)
	},
}

func init() {
	traceCmd.Flags().BoolVarP(&traceInteractive, "interactive", "i", true, "Attach a PTY and forward the controlling terminal")
	traceCmd.Flags().StringVar(&traceLogPath, "log", "", "Path to write syscall trace lines (default: stderr)")
	traceCmd.Flags().StringVar(&traceSyscalls, "only", "", "Comma-separated syscalls to log (default: all)")
	traceCmd.Flags().StringVar(&traceDeny, "deny", "", "Comma-separated syscalls to deny with EPERM")
	RootCmd.AddCommand(traceCmd)
}

func runTrace(args []string) error {
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

	only := splitCSV(traceSyscalls)
	if len(only) > 0 {
		logger = &filterLogger{inner: logger, allow: toSet(only)}
	}

	var store *audit.Store
	if dbPath != "" {
		store, err = audit.Open(audit.DefaultConfig(dbPath))
		if err != nil {
			return fmt.Errorf("opening audit trail: %w", err)
		}
		defer store.Close()
		logger = chainLoggers(logger, audit.NewLogger(store))
	}
	session.SetLogger(logger)

	for _, name := range splitCSV(traceDeny) {
		name := name
		if err := session.SetHook(name, func(e *tracer.Event) tracer.HookResult {
			if e.Entry() {
				e.Deny(-int64(syscall.EPERM))
			}
			return tracer.Continue
		}); err != nil {
			return fmt.Errorf("registering deny hook for %q: %w", name, err)
		}
	}

	session.SetDefaultHook(func(e *tracer.Event) tracer.HookResult {
		return tracer.Continue
	})

	cmd := exec.Command(args[0], args[1:]...)

	if traceInteractive && term.IsTerminal(int(os.Stdin.Fd())) {
		return runInteractiveTrace(session, cmd)
	}
	return runBatchTrace(session, cmd)
}

func buildLogger() (tracer.Logger, func(), error) {
	if traceLogPath != "" {
		fl, err := tracer.NewFileLogger(traceLogPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening trace log: %w", err)
		}
		return fl, func() { fl.Close() }, nil
	}
	return tracer.NewStreamLogger(os.Stderr), nil, nil
}

// multiLogger fans LogEntry/LogExit out to every wrapped Logger, used to
// drive both the human-readable trace and the persisted audit trail off
// one event stream.
type multiLogger struct{ loggers []tracer.Logger }

func chainLoggers(ls ...tracer.Logger) tracer.Logger {
	filtered := make([]tracer.Logger, 0, len(ls))
	for _, l := range ls {
		if l != nil {
			filtered = append(filtered, l)
		}
	}
	return &multiLogger{loggers: filtered}
}

func (m *multiLogger) LogEntry(e *tracer.Event) {
	for _, l := range m.loggers {
		l.LogEntry(e)
	}
}

func (m *multiLogger) LogExit(e *tracer.Event) {
	for _, l := range m.loggers {
		l.LogExit(e)
	}
}

// filterLogger restricts logging to a fixed set of syscall names, the same
// whitelist-or-everything behavior the teacher's shouldLog implemented.
type filterLogger struct {
	inner tracer.Logger
	allow map[string]bool
}

func (f *filterLogger) LogEntry(e *tracer.Event) {
	if f.allow[e.SyscallName()] {
		f.inner.LogEntry(e)
	}
}

func (f *filterLogger) LogExit(e *tracer.Event) {
	if f.allow[e.SyscallName()] {
		f.inner.LogExit(e)
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runInteractiveTrace runs cmd under a PTY it owns, forwarding the
// controlling terminal in raw mode and resizing the PTY on SIGWINCH.
func runInteractiveTrace(session *tracer.Session, cmd *exec.Cmd) error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("opening pty: %w", err)
	}
	defer ptmx.Close()

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true

	if _, err := session.Fork(cmd); err != nil {
		tty.Close()
		return fmt.Errorf("starting traced command: %w", err)
	}
	tty.Close()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			pty.InheritSize(os.Stdin, ptmx)
		}
	}()
	winch <- syscall.SIGWINCH

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err == nil {
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	go io.Copy(ptmx, os.Stdin)
	go io.Copy(os.Stdout, ptmx)

	return session.Run()
}

func runBatchTrace(session *tracer.Session, cmd *exec.Cmd) error {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if _, err := session.Fork(cmd); err != nil {
		return fmt.Errorf("starting traced command: %w", err)
	}
	return session.Run()
}
