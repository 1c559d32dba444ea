package tracer

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
)

// Options is the bitset passed to NewSession (spec.md §6): exactly
// TRACE_CHILDREN, VERBOSE and USE_SAFE_TRACE. Unknown bits are rejected by
// NewSession rather than silently ignored.
type Options uint32

const (
	// OptTraceChildren requests PTRACE_O_TRACEFORK/TRACEVFORK/TRACECLONE/
	// TRACEEXEC together: the default mechanism by which new tracees and
	// exec transitions are discovered (spec.md §4.5). PTRACE_O_TRACESYSGOOD
	// is always requested regardless of this bit, since the syscall-stop/
	// SIGTRAP discrimination it provides is load bearing for the whole
	// event loop.
	OptTraceChildren Options = 1 << iota

	// OptVerbose gates tracer.Debugf's diagnostic output on for the
	// lifetime of the process (spec.md §6 "VERBOSE").
	OptVerbose

	// OptUseSafeTrace marks a session as using SafeFork (spec.md §4.7) for
	// fork-family syscalls instead of relying solely on the ptrace-event
	// newborn discovery OptTraceChildren enables. It does not itself
	// change ptrace_options; it documents intent for callers deciding
	// whether to call SafeFork from their hooks.
	OptUseSafeTrace
)

// optKnownBits is the set of bits NewSession accepts.
const optKnownBits = OptTraceChildren | OptVerbose | OptUseSafeTrace

// OptDefault traces the full process tree, including exec transitions -
// the configuration every scenario in spec.md §8 assumes unless stated
// otherwise.
const OptDefault = OptTraceChildren

// Session is the EventLoop of spec.md §4.5: the single entry point owning
// the child registry, the hook table and the architecture binding, and the
// only thing callers drive through WaitEvent/Continue.
type Session struct {
	abi      abi
	registry *registry
	hooks    *hookTable
	logger   Logger
	opts     Options
	stopping bool
}

// NewSession builds a Session bound to the host architecture. opts defaults
// to OptDefault when zero is passed. Unknown bits are rejected (spec.md §6:
// "Unknown bits must be rejected").
func NewSession(opts Options) (*Session, error) {
	if opts == 0 {
		opts = OptDefault
	}
	if opts&^optKnownBits != 0 {
		return nil, fmt.Errorf("%w: unknown Options bits %#x", ErrBadArgument, opts&^optKnownBits)
	}
	if opts&OptVerbose != 0 {
		debugEnabled.Store(true)
	}
	return &Session{
		abi:      hostABI,
		registry: newRegistry(),
		hooks:    newHookTable(hostABI.arch()),
		opts:     opts,
	}, nil
}

// SetLogger installs the per-syscall event logger (spec.md's optional
// logging collaborator); nil disables logging.
func (s *Session) SetLogger(l Logger) { s.logger = l }

// SetHook registers a Hook for one syscall, resolved by name through
// names.go for the session's architecture.
func (s *Session) SetHook(name string, fn Hook) error { return s.hooks.set(name, fn) }

// SetDefaultHook installs the hook invoked for any syscall without a
// specific entry.
func (s *Session) SetDefaultHook(fn Hook) { s.hooks.setDefault(fn) }

// SetChildCreatedFunc installs the callback invoked once per newly
// registered child, including SafeFork newborns.
func (s *Session) SetChildCreatedFunc(fn ChildCreatedFunc) { s.hooks.onChild = fn }

func (s *Session) ptraceOptions() int {
	o := syscall.PTRACE_O_TRACESYSGOOD
	if s.opts&OptTraceChildren != 0 {
		o |= syscall.PTRACE_O_TRACEFORK | syscall.PTRACE_O_TRACEVFORK |
			syscall.PTRACE_O_TRACECLONE | syscall.PTRACE_O_TRACEEXEC
	}
	return o
}

// Fork starts cmd under trace (spec.md's tracy_fork): the child calls
// PTRACE_TRACEME itself via SysProcAttr.Ptrace, so the first stop this
// method waits for is the implicit SIGTRAP raised at the post-exec image.
func (s *Session) Fork(cmd *exec.Cmd) (*Child, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Ptrace = true

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting traced command: %v", ErrKernelRefused, err)
	}
	pid := cmd.Process.Pid

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("%w: wait4 for initial stop of pid %d: %v", ErrChildGone, pid, err)
	}
	if err := syscall.PtraceSetOptions(pid, s.ptraceOptions()); err != nil {
		return nil, fmt.Errorf("%w: setoptions on pid %d: %v", ErrKernelRefused, pid, err)
	}

	child := newChild(pid, false, s)
	s.registry.insert(child)
	if s.hooks.onChild != nil {
		s.hooks.onChild(child)
	}

	if err := syscall.PtraceSyscall(pid, 0); err != nil {
		return nil, fmt.Errorf("%w: ptrace(SYSCALL) starting pid %d: %v", ErrKernelRefused, pid, err)
	}
	return child, nil
}

// Attach latches onto an already-running process (spec.md's tracy_attach).
// Attached children are detached rather than killed on teardown.
func (s *Session) Attach(pid int) (*Child, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := syscall.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("%w: ptrace(ATTACH) pid %d: %v", ErrKernelRefused, pid, err)
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("%w: wait4 for attach stop of pid %d: %v", ErrChildGone, pid, err)
	}
	if err := syscall.PtraceSetOptions(pid, s.ptraceOptions()); err != nil {
		return nil, fmt.Errorf("%w: setoptions on pid %d: %v", ErrKernelRefused, pid, err)
	}

	child := newChild(pid, true, s)
	s.registry.insert(child)
	if s.hooks.onChild != nil {
		s.hooks.onChild(child)
	}

	if err := syscall.PtraceSyscall(pid, 0); err != nil {
		return nil, fmt.Errorf("%w: ptrace(SYSCALL) resuming attached pid %d: %v", ErrKernelRefused, pid, err)
	}
	return child, nil
}

// WaitEvent blocks for the next reportable stop across every traced child
// (pid == -1) or one specific child, and decodes it into an Event. The
// caller must call Continue on the returned event before the tracee makes
// further progress, except for KindQuit, which needs no further action.
func (s *Session) WaitEvent(pid int) (*Event, error) {
	for {
		if s.registry.count() == 0 {
			return nil, fmt.Errorf("%w: no children left to wait for", ErrChildGone)
		}

		var ws syscall.WaitStatus
		wpid, err := syscall.Wait4(pid, &ws, 0, nil)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			if err == syscall.ECHILD {
				return nil, fmt.Errorf("%w: no children left to wait for", ErrChildGone)
			}
			return nil, fmt.Errorf("%w: wait4: %v", ErrInternal, err)
		}

		child, ok := s.registry.lookup(wpid)
		if !ok {
			child = newChild(wpid, false, s)
			s.registry.insert(child)
			if s.hooks.onChild != nil {
				s.hooks.onChild(child)
			}
		}

		if ws.Exited() || ws.Signaled() {
			ev := &Event{Kind: KindQuit, Child: child, session: s}
			if ws.Signaled() {
				ev.Signal = int(ws.Signal())
			}
			s.registry.remove(wpid)
			return ev, nil
		}

		if !ws.Stopped() {
			continue
		}

		sig := ws.StopSignal()

		switch {
		case sig == sigTraceSyscall:
			return s.readSyscallStop(child)

		case sig == syscall.SIGTRAP:
			cause := ws.TrapCause()
			switch cause {
			case syscall.PTRACE_EVENT_FORK, syscall.PTRACE_EVENT_VFORK, syscall.PTRACE_EVENT_CLONE:
				newborn, err := s.handleForkEvent(child)
				ev := &Event{Kind: KindInternal, Child: child, session: s}
				if err == nil {
					child.safeForkPID = newborn.PID
				}
				return ev, nil
			case syscall.PTRACE_EVENT_EXEC:
				child.closeMem()
				return &Event{Kind: KindInternal, Child: child, session: s}, nil
			default:
				return &Event{Kind: KindInternal, Child: child, session: s}, nil
			}

		default:
			return &Event{Kind: KindSignal, Child: child, Signal: int(sig), session: s}, nil
		}
	}
}

// readSyscallStop decodes a syscall-entry or syscall-exit stop into an
// Event, applying any pending denial substitution at exit and toggling the
// child's pre/post state to describe this stop (the SyscallFSM of spec.md §4.4).
func (s *Session) readSyscallStop(c *Child) (*Event, error) {
	r, err := s.getRegs(c)
	if err != nil {
		return nil, err
	}
	c.regsCached = &r

	args := Args{
		A0:      s.abi.arg(&r, 0),
		A1:      s.abi.arg(&r, 1),
		A2:      s.abi.arg(&r, 2),
		A3:      s.abi.arg(&r, 3),
		A4:      s.abi.arg(&r, 4),
		A5:      s.abi.arg(&r, 5),
		Syscall: s.abi.syscallNo(&r),
		Return:  s.abi.ret(&r),
		IP:      s.abi.ip(&r),
		SP:      s.abi.sp(&r),
	}

	// Every syscall-stop after the child's first flips the pre/post state.
	// PreSyscall then describes this stop until the next one is read, so
	// hooks see Entry() for the stop they were called at.
	entry := c.PreSyscall
	if c.event.Kind == KindSyscall {
		entry = !entry
	}
	c.PreSyscall = entry

	// A denied call reports its original number and the substitute return
	// value at exit; retSet makes Continue write that value to the tracee.
	denied := false
	if !entry && c.pendingDenyRet != nil {
		args.Return = *c.pendingDenyRet
		args.Syscall = c.deniedNr
		c.pendingDenyRet = nil
		c.deniedNr = deniedNone
		denied = true
	}

	ev := &Event{Kind: KindSyscall, Child: c, Args: args, session: s, retSet: denied}
	c.event = *ev

	if s.logger != nil {
		if entry {
			s.logger.LogEntry(ev)
		} else {
			s.logger.LogExit(ev)
		}
	}

	return ev, nil
}

// Continue applies whatever mutation a hook made to e (Modify/Deny at
// entry, SetReturn at exit) and resumes the child to its next stop. Signal
// events are resumed with the signal re-delivered; internal events are
// resumed plainly.
func (s *Session) Continue(e *Event) error {
	if e.Kind == KindQuit {
		return nil
	}
	c := e.Child

	switch e.Kind {
	case KindSyscall:
		if (e.modified || e.retSet) && c.regsCached != nil {
			r := c.regsCached
			s.abi.setSyscallNo(r, e.Args.Syscall)
			s.abi.setArg(r, 0, e.Args.A0)
			s.abi.setArg(r, 1, e.Args.A1)
			s.abi.setArg(r, 2, e.Args.A2)
			s.abi.setArg(r, 3, e.Args.A3)
			s.abi.setArg(r, 4, e.Args.A4)
			s.abi.setArg(r, 5, e.Args.A5)
			s.abi.setRet(r, e.Args.Return)
			if err := s.setRegs(c, r); err != nil {
				return err
			}
		}
		return s.ptraceResume(c.PID, 0)

	case KindSignal:
		return s.ptraceResume(c.PID, e.Signal)

	default:
		return s.ptraceResume(c.PID, 0)
	}
}

func (s *Session) ptraceResume(pid, sig int) error {
	if err := syscall.PtraceSyscall(pid, sig); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("%w: ptrace(SYSCALL) resuming pid %d: %v", ErrKernelRefused, pid, err)
	}
	return nil
}

// Run drives WaitEvent/Continue in a loop, dispatching each syscall event
// through the hook table and applying its HookResult. It returns when no
// children remain or a hook returns Abort.
func (s *Session) Run() error {
	for {
		ev, err := s.WaitEvent(-1)
		if err != nil {
			if errors.Is(err, ErrChildGone) {
				return nil
			}
			return err
		}

		result := NoHook
		if ev.Kind == KindSyscall {
			result = s.hooks.dispatch(ev)
		}

		switch result {
		case KillChild:
			if err := s.KillChild(ev.Child); err != nil {
				return err
			}
			continue
		case Abort:
			return s.Quit()
		}

		if err := s.Continue(ev); err != nil {
			return err
		}
	}
}

// KillChild sends SIGKILL to one child and drops it from the registry.
func (s *Session) KillChild(c *Child) error {
	if err := syscall.Kill(c.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("%w: kill pid %d: %v", ErrKernelRefused, c.PID, err)
	}
	s.registry.remove(c.PID)
	return nil
}

// RemoveChild detaches an attached child (leaving it running free) or kills
// a forked one, per spec.md's teardown rule: attached processes are never
// killed by this library.
func (s *Session) RemoveChild(c *Child) error {
	if c.Attached {
		if err := syscall.PtraceDetach(c.PID); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("%w: detach pid %d: %v", ErrKernelRefused, c.PID, err)
		}
		s.registry.remove(c.PID)
		return nil
	}
	return s.KillChild(c)
}

// ChildrenCount reports how many tracees are currently registered.
func (s *Session) ChildrenCount() int { return s.registry.count() }

// Quit tears the session down: every attached child is detached, every
// forked child is killed (spec.md §5 "Quit").
func (s *Session) Quit() error {
	s.stopping = true
	var first error
	for _, c := range s.registry.all() {
		if err := s.RemoveChild(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Free releases the session's resources: it closes the cached
// /proc/<pid>/mem descriptor of every child still registered, without
// detaching or killing any tracee, matching tracy_free in the original API.
func (s *Session) Free() {
	for _, c := range s.registry.all() {
		c.closeMem()
	}
}
