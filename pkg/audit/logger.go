package audit

import (
	"context"
	"fmt"
	"time"

	"tracekit/pkg/tracer"
)

// Logger adapts a Store into a tracer.Logger, recording every syscall
// entry/exit pair it observes. Entries are buffered until the matching
// exit arrives, since a single audit row carries both the call and its
// result.
type Logger struct {
	store   *Store
	pending map[int]pendingCall
}

type pendingCall struct {
	syscall string
	args    string
}

// NewLogger wraps store as a tracer.Logger.
func NewLogger(store *Store) *Logger {
	return &Logger{store: store, pending: make(map[int]pendingCall)}
}

func (l *Logger) LogEntry(e *tracer.Event) {
	l.pending[e.Child.PID] = pendingCall{
		syscall: e.SyscallName(),
		args:    formatArgs(e),
	}
}

func (l *Logger) LogExit(e *tracer.Event) {
	pid := e.Child.PID
	call, ok := l.pending[pid]
	if !ok {
		call = pendingCall{syscall: e.SyscallName()}
	}
	delete(l.pending, pid)

	rec := Record{
		PID:       pid,
		Syscall:   call.syscall,
		Args:      call.args,
		Return:    e.Args.Return,
		IsError:   e.IsError(),
		Timestamp: time.Now(),
	}
	if err := l.store.Record(context.Background(), rec); err != nil {
		tracer.Debugf("audit: failed to record event for pid %d: %v", pid, err)
	}
}

func formatArgs(e *tracer.Event) string {
	return fmt.Sprintf("%#x, %#x, %#x, %#x, %#x, %#x",
		e.Args.A0, e.Args.A1, e.Args.A2, e.Args.A3, e.Args.A4, e.Args.A5)
}
