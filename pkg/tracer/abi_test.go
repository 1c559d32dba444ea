package tracer

import "testing"

func TestABIArgRoundTrip(t *testing.T) {
	var r regs
	hostABI.setSyscallNo(&r, 257)
	for i := 0; i < 6; i++ {
		hostABI.setArg(&r, i, int64(i*7+1))
	}
	hostABI.setIP(&r, 0x400000)

	if got := hostABI.syscallNo(&r); got != 257 {
		t.Errorf("syscallNo = %d, want 257", got)
	}
	for i := 0; i < 6; i++ {
		if got := hostABI.arg(&r, i); got != int64(i*7+1) {
			t.Errorf("arg(%d) = %d, want %d", i, got, i*7+1)
		}
	}
	// The return slot is set only after the argument checks: on arm64 it
	// is X0, the same register as argument 0.
	hostABI.setRet(&r, -2)
	if got := hostABI.ret(&r); got != -2 {
		t.Errorf("ret = %d, want -2", got)
	}
	if got := hostABI.ip(&r); got != 0x400000 {
		t.Errorf("ip = %#x, want 0x400000", got)
	}
}

func TestABIArgOutOfRangeIsIgnored(t *testing.T) {
	var r regs
	hostABI.setArg(&r, 6, 123) // out of range, must not panic
	if got := hostABI.arg(&r, 6); got != 0 {
		t.Errorf("arg(6) = %d, want 0", got)
	}
}

func TestABITrapInstrSize(t *testing.T) {
	if hostABI.trapInstrSize() == 0 {
		t.Fatal("trapInstrSize must be nonzero")
	}
}
