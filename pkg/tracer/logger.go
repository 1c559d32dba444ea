package tracer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Logger logs syscall events
type Logger interface {
	LogEntry(e *Event)
	LogExit(e *Event)
}

// StreamLogger logs to an io.Writer
type StreamLogger struct {
	Out io.Writer
}

// NewStreamLogger creates a new StreamLogger
func NewStreamLogger(out io.Writer) *StreamLogger {
	return &StreamLogger{Out: out}
}

func (l *StreamLogger) LogEntry(e *Event) {
	name := e.SyscallName()
	args := [6]int64{e.Args.A0, e.Args.A1, e.Args.A2, e.Args.A3, e.Args.A4, e.Args.A5}
	formattedArgs := make([]string, len(args))

	// Default formatting
	for i, arg := range args {
		formattedArgs[i] = fmt.Sprintf("0x%x", arg)
	}

	readPath := func(addr int64) string {
		s, err := e.Child.ReadCString(uintptr(addr), 4096)
		if err != nil {
			return formattedArgs[0]
		}
		return fmt.Sprintf("%q", s)
	}

	// Custom formatting for known syscalls
	switch name {
	case "open", "access", "chdir", "mkdir", "rmdir", "unlink", "chmod", "chown", "lchown", "stat", "lstat", "truncate", "readlink":
		formattedArgs[0] = readPath(args[0])
	case "creat":
		formattedArgs[0] = readPath(args[0])
		formattedArgs[1] = fmt.Sprintf("0%o", args[1])
	case "openat", "mkdirat", "mknodat", "unlinkat", "fchmodat", "fchownat", "fstatat", "newfstatat", "readlinkat", "faccessat", "utimensat":
		if int32(args[0]) == -100 { // AT_FDCWD
			formattedArgs[0] = "AT_FDCWD"
		}
		formattedArgs[1] = readPath(args[1])
	case "execve", "execveat":
		formattedArgs[0] = readPath(args[0])
		// argv/envp are left as raw pointers: decoding them needs walking a
		// NULL-terminated pointer array, which is more machinery than a
		// trace line needs.
	case "rename":
		formattedArgs[0] = readPath(args[0])
		formattedArgs[1] = readPath(args[1])
	case "renameat", "renameat2":
		if int32(args[0]) == -100 {
			formattedArgs[0] = "AT_FDCWD"
		}
		formattedArgs[1] = readPath(args[1])
		if int32(args[2]) == -100 {
			formattedArgs[2] = "AT_FDCWD"
		}
		formattedArgs[3] = readPath(args[3])
	case "symlink":
		formattedArgs[0] = readPath(args[0])
		formattedArgs[1] = readPath(args[1])
	case "symlinkat":
		formattedArgs[0] = readPath(args[0])
		if int32(args[1]) == -100 {
			formattedArgs[1] = "AT_FDCWD"
		}
		formattedArgs[2] = readPath(args[2])
	case "mount":
		formattedArgs[0] = readPath(args[0])
		formattedArgs[1] = readPath(args[1])
		formattedArgs[2] = readPath(args[2])
		// arg 4 (data) may be filesystem-specific binary, left as hex
	case "umount2":
		formattedArgs[0] = readPath(args[0])
	}

	argStr := strings.Join(formattedArgs, ", ")
	fmt.Fprintf(l.Out, "[TRACE] [%-5d] → %s(%s)\n", e.Child.PID, name, argStr)
}

func (l *StreamLogger) LogExit(e *Event) {
	name := e.SyscallName()
	if e.IsError() {
		fmt.Fprintf(l.Out, "[TRACE] [%-5d] ← %s = -1 (errno=%d)\n", e.Child.PID, name, -e.Args.Return)
		return
	}
	ret := e.Args.Return
	if name == "mmap" || name == "brk" {
		fmt.Fprintf(l.Out, "[TRACE] [%-5d] ← %s = 0x%x\n", e.Child.PID, name, ret)
	} else {
		fmt.Fprintf(l.Out, "[TRACE] [%-5d] ← %s = %d\n", e.Child.PID, name, ret)
	}
}

// FileLogger logs to a file
type FileLogger struct {
	*StreamLogger
	file *os.File
}

// NewFileLogger creates a logger that writes to a file
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{
		StreamLogger: NewStreamLogger(f),
		file:         f,
	}, nil
}

func (l *FileLogger) Close() error {
	return l.file.Close()
}

// debugEnabled gates Debugf on an environment variable or a session's
// OptVerbose: ptrace plumbing is far too noisy to print by default, so
// diagnostics stay opt-in. NewSession flips this on for the whole process
// when a caller passes OptVerbose (spec.md §6 "VERBOSE").
var debugEnabled atomic.Bool

func init() {
	debugEnabled.Store(os.Getenv("TRACEKIT_DEBUG") != "")
}

// Debugf prints a timestamped diagnostic line to stderr when debugging is
// enabled (TRACEKIT_DEBUG or a session's OptVerbose). It is for developing
// hooks and the core loop, not for application-facing syscall logging,
// which goes through Logger.
func Debugf(format string, args ...any) {
	if !debugEnabled.Load() {
		return
	}
	ts := time.Now().Format(time.RFC3339Nano)
	fmt.Fprintf(os.Stderr, "[%s] "+format+"\n", append([]any{ts}, args...)...)
}
