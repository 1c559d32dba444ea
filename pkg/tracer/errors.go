package tracer

import "errors"

// Error taxonomy. Recoverable errors are returned to the immediate caller;
// ErrInternal collapses the event loop into returning a nil event, and the
// caller's contract is then to tear the session down.
var (
	// ErrKernelRefused means the trace primitive returned an error the
	// library cannot work around: detach failed, registers unreadable,
	// or the tracee is simply gone from under us.
	ErrKernelRefused = errors.New("tracer: kernel refused the operation")

	// ErrChildGone means the tracee died between two operations. Not
	// fatal: the operation returns this error. The failing operation does
	// not remove the child from the registry; WaitEvent removes it when it
	// reaps the exit.
	ErrChildGone = errors.New("tracer: child is gone")

	// ErrBadArgument means the caller supplied an unknown syscall name,
	// a misaligned address, or a zero length where one is forbidden.
	ErrBadArgument = errors.New("tracer: bad argument")

	// ErrInjectionBusy means a second injection was attempted on a
	// child that is already injecting.
	ErrInjectionBusy = errors.New("tracer: injection already in progress")

	// ErrInternal means a library invariant was broken. It should not
	// occur; when it surfaces from WaitEvent the caller should tear the
	// session down.
	ErrInternal = errors.New("tracer: internal invariant violated")
)
