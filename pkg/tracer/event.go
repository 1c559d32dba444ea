package tracer

import "fmt"

// Kind is the tag of the Event variant (spec.md §3 "Event").
type Kind int

const (
	// KindNone is never delivered to a caller; it exists only as the
	// zero value.
	KindNone Kind = iota
	// KindSyscall is a syscall entry or exit stop.
	KindSyscall
	// KindSignal is a signal-delivery-stop.
	KindSignal
	// KindInternal is a group-stop or ptrace-event the library handled
	// without syscall semantics (fork/vfork/clone/exec).
	KindInternal
	// KindQuit is an exit or signal-death notification; the child is
	// removed from the registry before this event is returned.
	KindQuit
)

func (k Kind) String() string {
	switch k {
	case KindSyscall:
		return "syscall"
	case KindSignal:
		return "signal"
	case KindInternal:
		return "internal"
	case KindQuit:
		return "quit"
	default:
		return "none"
	}
}

// Args mirrors spec.md's tracy_sc_args: the six argument slots plus the
// return value, syscall number, instruction pointer and stack pointer, all
// decoded through ArchABI.
type Args struct {
	A0, A1, A2, A3, A4, A5 int64
	Return                 int64
	Syscall                int64
	IP                     uint64
	SP                     uint64
}

func (a Args) arg(i int) int64 {
	switch i {
	case 0:
		return a.A0
	case 1:
		return a.A1
	case 2:
		return a.A2
	case 3:
		return a.A3
	case 4:
		return a.A4
	case 5:
		return a.A5
	default:
		return 0
	}
}

// Event is delivered by WaitEvent. Argument decoding always reflects the
// natural syscall, never an in-flight injection (spec.md §4.6 invariant).
type Event struct {
	Kind    Kind
	Child   *Child
	Signal  int
	Args    Args
	session *Session

	// modified records whether a hook rewrote the syscall number and/or
	// arguments during a pre-stop, so Session can flush regs before
	// resuming.
	modified bool
	// retSet records whether a hook (or a pending denial) rewrote the
	// return value during a post-stop.
	retSet bool
}

// Syscall is a convenience accessor equal to Args.Syscall.
func (e *Event) Syscall() int64 { return e.Args.Syscall }

// SyscallName resolves Args.Syscall through the session's architecture.
func (e *Event) SyscallName() string {
	if e.session == nil {
		return Unknown
	}
	return SyscallName(e.session.abi.arch(), e.Args.Syscall)
}

// Entry reports whether this is a syscall-entry stop. Only meaningful when
// Kind == KindSyscall.
func (e *Event) Entry() bool {
	return e.Child != nil && e.Child.PreSyscall
}

// IsError reports whether Args.Return is in the Linux errno range
// (spec.md's MemoryIO/Injector both rely on this convention).
func (e *Event) IsError() bool {
	return e.Args.Return < 0 && e.Args.Return >= -4095
}

// Modify rewrites the syscall number and/or arguments at a pre-stop
// (spec.md §4.6 "Modify"). It is an error to call this outside a
// syscall-entry stop.
func (e *Event) Modify(nr int64, args [6]int64) error {
	if e.Kind != KindSyscall || !e.Entry() {
		return fmt.Errorf("%w: Modify called outside a syscall-entry stop", ErrBadArgument)
	}
	e.Args.Syscall = nr
	e.Args.A0, e.Args.A1, e.Args.A2 = args[0], args[1], args[2]
	e.Args.A3, e.Args.A4, e.Args.A5 = args[3], args[4], args[5]
	e.modified = true
	return nil
}

// SetReturn rewrites the return value at a post-stop.
func (e *Event) SetReturn(v int64) error {
	if e.Kind != KindSyscall || e.Entry() {
		return fmt.Errorf("%w: SetReturn called outside a syscall-exit stop", ErrBadArgument)
	}
	e.Args.Return = v
	e.retSet = true
	return nil
}

// Deny replaces the tracee's syscall with a harmless no-op and arranges for
// the post-stop return value to be substitute (spec.md §4.6 "Deny"). It may
// only be called at a pre-stop; the substitution is applied by Session at
// the matching post-stop, so the post-hook still observes it normally.
func (e *Event) Deny(substitute int64) error {
	if e.Kind != KindSyscall || !e.Entry() {
		return fmt.Errorf("%w: Deny called outside a syscall-entry stop", ErrBadArgument)
	}
	c := e.Child
	c.deniedNr = e.Args.Syscall
	c.inj.cb = nil // denial does not use the injection callback slot
	e.Args.Syscall = denyNopSyscall(e.session.abi.arch())
	e.Args.A0, e.Args.A1, e.Args.A2, e.Args.A3, e.Args.A4, e.Args.A5 = 0, 0, 0, 0, 0, 0
	e.modified = true
	c.pendingDenyRet = &substitute
	return nil
}

// denyNopSyscall picks a syscall with no observable side effect to stand in
// for a denied call: getpid on both supported architectures.
func denyNopSyscall(a Arch) int64 {
	nr, _ := SyscallNumber(a, "getpid")
	return nr
}
