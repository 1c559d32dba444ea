package tracer

import (
	"fmt"
	"syscall"
)

// inject.go is the Injector component of spec.md §4.6: forcing a tracee to
// execute a syscall chosen by the caller rather than the one it trapped on,
// synchronously or split across the asynchronous Start/End pair so a hook
// can return control to the event loop while the injected call runs.
//
// The synchronous path nests its own wait4 loop rather than going through
// Session's main loop, the same way tracy_inject_syscall does: injection is
// a private, blocking detour taken while the caller already owns the
// tracee's only stop.
//
// A syscall-stop's instruction pointer already sits past the trapping
// instruction (ptrace convention: the entry-stop fires after the `syscall`/
// `svc` instruction has been fetched, before the kernel dispatches it). One
// trap only ever buys one dispatch, so running an *extra* syscall through
// the same trap means rewinding the instruction pointer back onto the
// trapping instruction (abi.trapInstrSize) so the CPU re-executes it when
// resumed, then fast-forwarding back once the extra call is done so the
// syscall the tracee actually trapped on can still run to completion
// (spec.md §4.6 steps 2 and 5).

const sigTraceSyscall = syscall.SIGTRAP | 0x80

// rewindForReplay returns a copy of r with the instruction pointer moved
// back by one trapping-instruction width, so that resuming the tracee
// re-executes that instruction (and re-enters a syscall-stop) instead of
// resuming past it.
func (s *Session) rewindForReplay(r *regs) regs {
	out := *r
	s.abi.setIP(&out, s.abi.ip(&out)-s.abi.trapInstrSize())
	return out
}

// runInjectedCall rewinds from cur, substitutes nr/args, and drives the
// tracee through the injected call's own entry-stop and exit-stop,
// returning its result. The tracee is left stopped at the injected call's
// exit when this returns.
func (s *Session) runInjectedCall(c *Child, cur regs, nr int64, args [6]int64) (int64, error) {
	working := s.rewindForReplay(&cur)
	s.abi.setSyscallNo(&working, nr)
	for i, a := range args {
		s.abi.setArg(&working, i, a)
	}
	if err := s.setRegs(c, &working); err != nil {
		return 0, err
	}
	if err := syscall.PtraceSyscall(c.PID, 0); err != nil {
		return 0, fmt.Errorf("%w: ptrace(SYSCALL) during injection: %v", ErrKernelRefused, err)
	}
	if err := s.waitInjectedStop(c); err != nil { // injected call's entry-stop
		return 0, err
	}
	if err := syscall.PtraceSyscall(c.PID, 0); err != nil {
		return 0, fmt.Errorf("%w: ptrace(SYSCALL) running injected call: %v", ErrKernelRefused, err)
	}
	if err := s.waitInjectedStop(c); err != nil { // injected call's exit-stop
		return 0, err
	}
	after, err := s.getRegs(c)
	if err != nil {
		return 0, err
	}
	return s.abi.ret(&after), nil
}

// replayOriginal re-arms the trapping instruction with saved's registers so
// the syscall the tracee actually trapped on gets its own fresh entry-stop
// once resumed normally, instead of being silently skipped.
func (s *Session) replayOriginal(c *Child, saved regs) error {
	replay := s.rewindForReplay(&saved)
	if err := s.setRegs(c, &replay); err != nil {
		return err
	}
	if err := syscall.PtraceSyscall(c.PID, 0); err != nil {
		return fmt.Errorf("%w: ptrace(SYSCALL) replaying original syscall: %v", ErrKernelRefused, err)
	}
	return s.waitInjectedStop(c)
}

// InjectSyscall forces child to execute nr with args, blocking until the
// kernel delivers the injected call's exit-stop, then restores child so the
// syscall it actually trapped on still runs. Called while stopped at a
// syscall entry, the original entry is replayed so it reaches the event
// loop as a fresh Event; called at a syscall exit (the original call has
// already run), the pre-injection registers are restored as-is since
// nothing is left to replay. Only one injection may be in flight per child
// at a time.
func (s *Session) InjectSyscall(c *Child, nr int64, args [6]int64) (int64, error) {
	if c.inj.injecting {
		return 0, ErrInjectionBusy
	}
	c.inj.injecting = true
	defer func() { c.inj.injecting = false }()

	saved, err := s.getRegs(c)
	if err != nil {
		return 0, err
	}
	c.inj.saved = saved
	pre := c.PreSyscall

	ret, err := s.runInjectedCall(c, saved, nr, args)
	if err != nil {
		return 0, err
	}

	if pre {
		if err := s.replayOriginal(c, saved); err != nil {
			return 0, err
		}
		return ret, nil
	}
	if err := s.setRegs(c, &saved); err != nil {
		return 0, err
	}
	return ret, nil
}

// waitInjectedStop nests a wait4 loop until the next syscall-stop arrives,
// forwarding anything unrelated (other signals) with a best-effort
// PTRACE_SYSCALL so the tracee doesn't wedge.
func (s *Session) waitInjectedStop(c *Child) error {
	var ws syscall.WaitStatus
	for {
		_, err := syscall.Wait4(c.PID, &ws, 0, nil)
		if err != nil {
			return fmt.Errorf("%w: wait4 during injection: %v", ErrChildGone, err)
		}
		if ws.Exited() || ws.Signaled() {
			return fmt.Errorf("%w: child exited mid-injection", ErrChildGone)
		}
		if ws.Stopped() && ws.StopSignal() == sigTraceSyscall {
			return nil
		}
		sig := 0
		if ws.Stopped() {
			sig = int(ws.StopSignal())
		}
		if err := syscall.PtraceSyscall(c.PID, sig); err != nil {
			return fmt.Errorf("%w: ptrace(SYSCALL) forwarding during injection: %v", ErrKernelRefused, err)
		}
	}
}

// InjectSyscallPreStart begins an injection from a syscall-entry stop
// without blocking: the injected call runs in the background and its
// result is collected later by InjectSyscallPreEnd, which also replays the
// original entry so it still runs. This lets a hook return Continue
// immediately and let the event loop keep servicing other children while
// the injected call is in flight.
func (s *Session) InjectSyscallPreStart(c *Child, nr int64, args [6]int64) error {
	return s.injectStartAsync(c, nr, args, true)
}

// InjectSyscallPostStart is the post-stop counterpart of
// InjectSyscallPreStart, used to append an extra call after the original
// syscall has already completed.
func (s *Session) InjectSyscallPostStart(c *Child, nr int64, args [6]int64) error {
	return s.injectStartAsync(c, nr, args, false)
}

func (s *Session) injectStartAsync(c *Child, nr int64, args [6]int64, pre bool) error {
	if c.inj.injecting {
		return ErrInjectionBusy
	}
	c.inj.injecting = true
	c.inj.pre = pre
	c.inj.nr = nr
	c.inj.done = make(chan int64, 1)

	saved, err := s.getRegs(c)
	if err != nil {
		c.inj.injecting = false
		return err
	}
	c.inj.saved = saved

	done := c.inj.done
	go func() {
		ret, err := s.runInjectedCall(c, saved, nr, args)
		if err != nil {
			done <- -1
			return
		}
		done <- ret
	}()
	return nil
}

// InjectSyscallPreEnd blocks until the injection started by
// InjectSyscallPreStart completes, replays the original entry-stop so the
// syscall the tracee trapped on still runs, and returns the injected
// call's result.
func (s *Session) InjectSyscallPreEnd(c *Child) (int64, error) {
	return s.injectEndAsync(c)
}

// InjectSyscallPostEnd is the post-stop counterpart of InjectSyscallPreEnd.
// Since the original call already ran, it restores the pre-injection
// registers as-is rather than replaying anything.
func (s *Session) InjectSyscallPostEnd(c *Child) (int64, error) {
	return s.injectEndAsync(c)
}

func (s *Session) injectEndAsync(c *Child) (int64, error) {
	if !c.inj.injecting || c.inj.done == nil {
		return 0, fmt.Errorf("%w: no injection in flight for this child", ErrBadArgument)
	}
	ret := <-c.inj.done
	pre := c.inj.pre
	saved := c.inj.saved
	c.inj.injecting = false
	c.inj.done = nil
	if ret < 0 {
		return 0, fmt.Errorf("%w: injected syscall did not complete cleanly", ErrChildGone)
	}

	if pre {
		if err := s.replayOriginal(c, saved); err != nil {
			return 0, err
		}
		return ret, nil
	}
	if err := s.setRegs(c, &saved); err != nil {
		return 0, err
	}
	return ret, nil
}

func (s *Session) getRegs(c *Child) (regs, error) {
	var r regs
	if err := syscall.PtraceGetRegs(c.PID, &r); err != nil {
		return r, fmt.Errorf("%w: getregs pid %d: %v", ErrChildGone, c.PID, err)
	}
	return r, nil
}

func (s *Session) setRegs(c *Child, r *regs) error {
	if err := syscall.PtraceSetRegs(c.PID, r); err != nil {
		return fmt.Errorf("%w: setregs pid %d: %v", ErrChildGone, c.PID, err)
	}
	return nil
}
