package tracer

import "testing"

func newTestEvent(t *testing.T, entry bool) *Event {
	c := newChild(100, false, nil)
	c.PreSyscall = entry
	s := newTestSession(t, OptDefault)
	return &Event{Kind: KindSyscall, Child: c, session: s, Args: Args{Syscall: 2}}
}

func TestEventModifyAtEntry(t *testing.T) {
	e := newTestEvent(t, true)
	if err := e.Modify(59, [6]int64{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if e.Args.Syscall != 59 || e.Args.A2 != 3 {
		t.Errorf("Modify did not apply: %+v", e.Args)
	}
	if !e.modified {
		t.Error("expected modified=true")
	}
}

func TestEventModifyRejectedAtExit(t *testing.T) {
	e := newTestEvent(t, false)
	if err := e.Modify(59, [6]int64{}); err == nil {
		t.Fatal("Modify must fail at a syscall-exit stop")
	}
}

func TestEventSetReturnAtExit(t *testing.T) {
	e := newTestEvent(t, false)
	if err := e.SetReturn(42); err != nil {
		t.Fatalf("SetReturn: %v", err)
	}
	if e.Args.Return != 42 || !e.retSet {
		t.Errorf("SetReturn did not apply: %+v", e)
	}
}

func TestEventSetReturnRejectedAtEntry(t *testing.T) {
	e := newTestEvent(t, true)
	if err := e.SetReturn(0); err == nil {
		t.Fatal("SetReturn must fail at a syscall-entry stop")
	}
}

func TestEventDenyAtEntry(t *testing.T) {
	e := newTestEvent(t, true)
	if err := e.Deny(-1); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if e.Child.deniedNr != 2 {
		t.Errorf("deniedNr = %d, want 2 (the original syscall number)", e.Child.deniedNr)
	}
	if e.Child.pendingDenyRet == nil || *e.Child.pendingDenyRet != -1 {
		t.Errorf("pendingDenyRet = %v, want -1", e.Child.pendingDenyRet)
	}
	wantNop, _ := SyscallNumber(hostABI.arch(), "getpid")
	if e.Args.Syscall != wantNop {
		t.Errorf("Args.Syscall = %d, want the getpid nop (%d)", e.Args.Syscall, wantNop)
	}
}

func TestEventDenyRejectedAtExit(t *testing.T) {
	e := newTestEvent(t, false)
	if err := e.Deny(0); err == nil {
		t.Fatal("Deny must fail at a syscall-exit stop")
	}
}

func TestEventIsError(t *testing.T) {
	e := newTestEvent(t, false)
	e.Args.Return = -1
	if !e.IsError() {
		t.Error("-1 must be in errno range")
	}
	e.Args.Return = -4096
	if e.IsError() {
		t.Error("-4096 must be outside errno range")
	}
	e.Args.Return = 4096
	if e.IsError() {
		t.Error("a large positive return must not be an error")
	}
}
