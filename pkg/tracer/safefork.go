package tracer

import (
	"fmt"
	"syscall"
	"time"
)

// handleForkEvent is the default, always-on child-discovery mechanism of
// spec.md §4.5: the moment a tracee forks, clones or vforks, the kernel
// guarantees (given PTRACE_O_TRACEFORK/TRACEVFORK/TRACECLONE) that the
// newborn is held at its very first instruction until someone calls
// PTRACE_CONT on it, and that the parent's own PTRACE_EVENT_* stop carries
// the newborn's pid via GETEVENTMSG. That closes the classic attach race
// where a plain SIGSTOP-based attach can lose the newborn if it runs far
// enough to exit before the tracer gets to it. The technique here follows
// gVisor's ptrace platform (subprocess_linux.go's createStub/attachedThread
// bracketing) and DataDog's ptracer, both of which rely on the kernel's own
// event-delivery guarantee rather than racing a SIGSTOP against the
// child's own startup code.
//
// This is distinct from SafeFork below (spec.md §4.7): this path is driven
// entirely by ptrace-event stops the kernel already promised to deliver,
// with no interception of the fork-family syscall itself. SafeFork instead
// brackets the syscall explicitly, for callers who want deterministic
// control over the registers the kernel sees without depending on
// PTRACE_O_TRACEFORK/VFORK/CLONE being enabled at all.
const newbornWaitTimeout = 2 * time.Second

// handleForkEvent is invoked by the event loop when a parent's ptrace-event
// stop reports FORK, VFORK or CLONE. It resolves the newborn's pid, waits
// for the newborn's own first stop (which may already have been queued by
// the kernel or may arrive slightly later), registers it in the session's
// registry, runs the hook table's onChild callback, and applies the same
// trace options the parent carries so nested forks stay covered.
func (s *Session) handleForkEvent(parent *Child) (*Child, error) {
	newPID, err := syscall.PtraceGetEventMsg(parent.PID)
	if err != nil {
		return nil, fmt.Errorf("%w: geteventmsg after fork/vfork/clone: %v", ErrInternal, err)
	}
	pid := int(newPID)

	if err := s.waitNewbornStop(pid); err != nil {
		return nil, err
	}

	child := newChild(pid, false, s)
	s.registry.insert(child)

	if err := syscall.PtraceSetOptions(pid, s.ptraceOptions()); err != nil {
		return child, fmt.Errorf("%w: setoptions on newborn %d: %v", ErrKernelRefused, pid, err)
	}

	if s.hooks.onChild != nil {
		s.hooks.onChild(child)
	}

	return child, nil
}

// waitNewbornStop blocks until the newborn's own group-stop is reaped. A
// newborn that is already stopped (the common case: its stop was queued by
// the kernel before or concurrently with the parent's event stop) returns
// immediately; this still guards against the rarer ordering where the
// parent's event arrives first.
func (s *Session) waitNewbornStop(pid int) error {
	var ws syscall.WaitStatus
	deadline := time.Now().Add(newbornWaitTimeout)
	for {
		_, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
		if err != nil {
			return fmt.Errorf("%w: wait4 newborn %d: %v", ErrChildGone, pid, err)
		}
		if ws.Stopped() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: newborn %d did not stop within %s", ErrInternal, pid, newbornWaitTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// Linux clone(2) flag bits SafeFork rewrites into the syscall it brackets.
// CLONE_PTRACE is the pre-PTRACE_O_TRACECLONE mechanism (still honored by
// the kernel for compatibility): it forces the new task to be traced by
// its parent's tracer from the moment it's created, independent of any
// PTRACE_O_TRACE* option the tracer has set. CLONE_VM/CLONE_VFORK/SIGCHLD
// reconstruct vfork(2)'s semantics when substituting a bare vfork call.
const (
	cloneVM      = 0x00000100
	cloneVfork   = 0x00004000
	clonePtrace  = 0x00002000
	sigchldSig   = 17
)

// SafeFork implements spec.md §4.7: called from a hook at the entry-stop of
// a fork, vfork, clone or clone3 syscall, it brackets that syscall instead
// of trusting PTRACE_O_TRACEFORK/VFORK/CLONE to report it. fork and vfork
// carry no flags argument to rewrite, so both are replaced outright with an
// equivalent clone(2) call that does, with CLONE_PTRACE OR'd in; a plain
// clone call keeps its original flags with CLONE_PTRACE added. This
// guarantees the newborn is traced by construction rather than by relying
// on a ptrace-event that a caller distrusts or has disabled.
//
// SafeFork drives the syscall to completion and the newborn to its first
// stop itself, bypassing Session's normal per-event dispatch for this one
// syscall; the parent is left paused at its own (already-resolved)
// exit-stop with its original registers restored, ready for the caller's
// ordinary Continue to resume it. The syscall's own exit is therefore never
// delivered as a separate KindSyscall Event — SafeFork's return value is
// the only record of it, mirroring tracy_safe_fork(child, &new_pid).
func (s *Session) SafeFork(parent *Child) (*Child, error) {
	if parent.inj.injecting {
		return nil, ErrInjectionBusy
	}
	saved, err := s.getRegs(parent)
	if err != nil {
		return nil, err
	}

	nr := s.abi.syscallNo(&saved)
	name := SyscallName(s.abi.arch(), nr)

	working := saved
	switch name {
	case "clone":
		s.abi.setArg(&working, 0, s.abi.arg(&saved, 0)|clonePtrace)
	case "fork", "vfork", "clone3":
		cloneNr, ok := SyscallNumber(s.abi.arch(), "clone")
		if !ok {
			return nil, fmt.Errorf("%w: host architecture has no clone syscall to substitute for %s", ErrInternal, name)
		}
		flags := int64(sigchldSig | clonePtrace)
		if name == "vfork" {
			flags |= cloneVM | cloneVfork
		}
		s.abi.setSyscallNo(&working, cloneNr)
		s.abi.setArg(&working, 0, flags)
		s.abi.setArg(&working, 1, 0)
		s.abi.setArg(&working, 2, 0)
		s.abi.setArg(&working, 3, 0)
		s.abi.setArg(&working, 4, 0)
	default:
		return nil, fmt.Errorf("%w: SafeFork called at a non-fork syscall entry (%s)", ErrBadArgument, name)
	}

	if err := s.setRegs(parent, &working); err != nil {
		return nil, err
	}
	if err := syscall.PtraceSyscall(parent.PID, 0); err != nil {
		return nil, fmt.Errorf("%w: ptrace(SYSCALL) resuming for safe fork: %v", ErrKernelRefused, err)
	}
	if err := s.waitInjectedStop(parent); err != nil {
		return nil, err
	}

	after, err := s.getRegs(parent)
	if err != nil {
		return nil, err
	}
	childPID := int(s.abi.ret(&after))
	if childPID <= 0 {
		return nil, fmt.Errorf("%w: fork-family syscall returned %d", ErrKernelRefused, childPID)
	}
	parent.safeForkPID = childPID

	if err := s.waitNewbornStop(childPID); err != nil {
		return nil, err
	}
	if err := syscall.PtraceSetOptions(childPID, s.ptraceOptions()); err != nil {
		return nil, fmt.Errorf("%w: setoptions on safe-forked pid %d: %v", ErrKernelRefused, childPID, err)
	}

	child := newChild(childPID, false, s)
	s.registry.insert(child)
	if s.hooks.onChild != nil {
		s.hooks.onChild(child)
	}

	// Restore the parent's view of its own syscall: the real return value
	// and instruction pointer the kernel produced, but with the
	// CLONE_PTRACE bit (and any fork/vfork-to-clone substitution) hidden
	// from what the tracee goes on to see in its own registers.
	restored := after
	s.abi.setSyscallNo(&restored, nr)
	s.abi.setArg(&restored, 0, s.abi.arg(&saved, 0))
	if err := s.setRegs(parent, &restored); err != nil {
		return nil, err
	}
	// The parent now sits at its syscall's exit-stop, so the next
	// syscall-stop read for it is an entry.
	parent.PreSyscall = false

	if childRegs, err := s.getRegs(child); err == nil {
		s.abi.setArg(&childRegs, 0, s.abi.arg(&saved, 0))
		s.setRegs(child, &childRegs)
	}

	return child, nil
}
