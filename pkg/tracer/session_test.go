package tracer

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"testing"
)

// requirePtrace skips tests that need a real tracee: they must run on
// Linux, as root (or with CAP_SYS_PTRACE and a permissive yama ptrace_scope),
// and with /bin/true present.
func requirePtrace(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("ptrace is Linux-only")
	}
	if os.Geteuid() != 0 {
		t.Skip("ptrace requires root or CAP_SYS_PTRACE in this environment")
	}
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("/bin/true not found")
	}
}

// newTestSession builds a Session with opts, failing the test on the
// (only ever unknown-bits) error path.
func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestNewSessionRejectsUnknownBits(t *testing.T) {
	if _, err := NewSession(1 << 30); !errors.Is(err, ErrBadArgument) {
		t.Errorf("NewSession(unknown bit) err = %v, want ErrBadArgument", err)
	}
}

func TestSessionForkAndRunToExit(t *testing.T) {
	requirePtrace(t)

	s := newTestSession(t, OptDefault)
	cmd := exec.Command("true")

	var entries, exits int
	s.SetDefaultHook(func(e *Event) HookResult {
		if e.Entry() {
			entries++
		} else {
			exits++
		}
		return Continue
	})

	if _, err := s.Fork(cmd); err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// exit_group never returns, so the tracee's last syscall has an
	// entry-stop and no exit-stop.
	if exits == 0 || entries != exits+1 {
		t.Errorf("entries=%d exits=%d, want exits nonzero and entries = exits+1", entries, exits)
	}
	if s.ChildrenCount() != 0 {
		t.Errorf("ChildrenCount() = %d, want 0 after exit", s.ChildrenCount())
	}
}

func TestSessionDenySyscallSubstitutesReturn(t *testing.T) {
	requirePtrace(t)

	s := newTestSession(t, OptDefault)
	cmd := exec.Command("true")

	var sawDeniedEntry, sawDeniedReturn bool
	if err := s.SetHook("getpid", func(e *Event) HookResult {
		if e.Entry() {
			sawDeniedEntry = true
			e.Deny(-1)
		} else if e.Args.Return == -1 {
			sawDeniedReturn = true
		}
		return Continue
	}); err != nil {
		t.Fatalf("SetHook: %v", err)
	}
	s.SetDefaultHook(func(e *Event) HookResult { return Continue })

	if _, err := s.Fork(cmd); err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// "true" may never call getpid; the substitute is checked whenever it did.
	if sawDeniedEntry && !sawDeniedReturn {
		t.Error("getpid was denied at entry but its exit did not report the substitute return -1")
	}
}

// TestInjectSyscallReplaysOriginalAfterExtraCall exercises spec.md §8
// scenario 4: a hook injects an unrelated getpid() call from a syscall
// entry, and the syscall the tracee actually trapped on must still run to
// completion afterward instead of being silently replaced by the injected
// one.
func TestInjectSyscallReplaysOriginalAfterExtraCall(t *testing.T) {
	requirePtrace(t)

	s := newTestSession(t, OptDefault)
	cmd := exec.Command("true")

	getpidNr, ok := SyscallNumber(hostABI.arch(), "getpid")
	if !ok {
		t.Fatal("getpid not defined for host arch")
	}

	var (
		injected                bool
		injectedRet             int64
		firstEntryNr, firstExitNr int64
		sawExit                 bool
	)

	s.SetDefaultHook(func(e *Event) HookResult {
		if e.Entry() {
			if !injected {
				injected = true
				firstEntryNr = e.Syscall()
				ret, err := s.InjectSyscall(e.Child, getpidNr, [6]int64{})
				if err != nil {
					t.Errorf("InjectSyscall: %v", err)
				}
				injectedRet = ret
			}
			return Continue
		}
		if !sawExit {
			sawExit = true
			firstExitNr = e.Syscall()
		}
		return Continue
	})

	child, err := s.Fork(cmd)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !injected {
		t.Fatal("hook never saw a syscall entry to inject against")
	}
	if injectedRet != int64(child.PID) {
		t.Errorf("InjectSyscall(getpid) = %d, want the tracee's own pid %d", injectedRet, child.PID)
	}
	if firstEntryNr != firstExitNr {
		t.Errorf("first syscall trapped as nr %d but exited as nr %d; original syscall was replaced instead of replayed", firstEntryNr, firstExitNr)
	}
}

// TestSafeForkAttachesNewbornDeterministically exercises spec.md §4.7: a
// hook brackets the fork-family syscall itself via SafeFork instead of
// waiting on a ptrace-event stop, and gets back a registered Child for the
// newborn.
func TestSafeForkAttachesNewbornDeterministically(t *testing.T) {
	requirePtrace(t)

	s := newTestSession(t, OptDefault|OptUseSafeTrace)
	cmd := exec.Command("sh", "-c", "sleep 5 & wait")

	var (
		newborn *Child
		safeErr error
		gotFork bool
	)
	onForkEntry := func(e *Event) HookResult {
		if e.Entry() && !gotFork {
			gotFork = true
			newborn, safeErr = s.SafeFork(e.Child)
			return Abort
		}
		return Continue
	}
	for _, name := range []string{"clone", "fork", "vfork"} {
		_ = s.SetHook(name, onForkEntry) // names unsupported on this arch are simply skipped
	}
	s.SetDefaultHook(func(e *Event) HookResult { return Continue })

	parent, err := s.Fork(cmd)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer s.KillChild(parent)

	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !gotFork {
		t.Fatal("hook never saw a fork-family syscall entry to bracket")
	}
	if safeErr != nil {
		t.Fatalf("SafeFork: %v", safeErr)
	}
	if newborn == nil || newborn.PID <= 0 {
		t.Fatalf("SafeFork returned child = %+v", newborn)
	}
}

func TestWaitEventNoChildrenReturnsErrChildGone(t *testing.T) {
	s := newTestSession(t, OptDefault)
	_, err := s.WaitEvent(-1)
	if !errors.Is(err, ErrChildGone) {
		t.Errorf("WaitEvent with no children: err = %v, want ErrChildGone", err)
	}
}
