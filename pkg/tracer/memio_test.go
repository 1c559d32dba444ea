package tracer

import (
	"os/exec"
	"testing"
	"time"
)

// TestMemIOReadWriteRoundTrip exercises the full write_mem/read_mem path
// against a real stopped tracee: it forks a process that sleeps, stops it
// at its first syscall, writes a known byte pattern into its stack, and
// reads it back.
func TestMemIOReadWriteRoundTrip(t *testing.T) {
	requirePtrace(t)

	s := newTestSession(t, OptDefault)
	cmd := exec.Command("sleep", "5")

	stopped := make(chan *Child, 1)
	s.SetDefaultHook(func(e *Event) HookResult {
		if e.Entry() {
			select {
			case stopped <- e.Child:
			default:
			}
		}
		return Continue
	})

	child, err := s.Fork(cmd)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer s.KillChild(child)

	go s.Run()

	var c *Child
	select {
	case c = <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the tracee's first syscall stop")
	}

	sp := c.regsCached
	if sp == nil {
		t.Fatal("expected cached registers at a syscall stop")
	}
	addr := uintptr(s.abi.sp(sp)) - 4096 // scratch space below the stack pointer, out of the red zone

	want := []byte("tracekit-memio-roundtrip")
	if err := c.WriteMem(addr, want); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	got, err := c.ReadMem(addr, len(want))
	if err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadMem = %q, want %q", got, want)
	}
}

// TestWriteMemByWordsFallback exercises the PokeWord fallback WriteMem takes
// when mem_fd can't be opened writable (spec.md §4.2), including a
// non-word-aligned length that forces a read-modify-write of the trailing
// word.
func TestWriteMemByWordsFallback(t *testing.T) {
	requirePtrace(t)

	s := newTestSession(t, OptDefault)
	cmd := exec.Command("sleep", "5")

	stopped := make(chan *Child, 1)
	s.SetDefaultHook(func(e *Event) HookResult {
		if e.Entry() {
			select {
			case stopped <- e.Child:
			default:
			}
		}
		return Continue
	})

	child, err := s.Fork(cmd)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer s.KillChild(child)

	go s.Run()

	var c *Child
	select {
	case c = <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the tracee's first syscall stop")
	}

	sp := c.regsCached
	if sp == nil {
		t.Fatal("expected cached registers at a syscall stop")
	}
	addr := uintptr(s.abi.sp(sp)) - 8192

	sentinel := int64(-1)
	if err := c.PokeWord(addr+8, sentinel); err != nil {
		t.Fatalf("PokeWord priming the tail word: %v", err)
	}

	want := []byte("fallback-poke") // 13 bytes: spans two words, trailing word partial
	if err := c.writeMemByWords(addr, want); err != nil {
		t.Fatalf("writeMemByWords: %v", err)
	}

	got, err := c.ReadMem(addr, len(want))
	if err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadMem = %q, want %q", got, want)
	}

	tailWord, err := c.PeekWord(addr + 8)
	if err != nil {
		t.Fatalf("PeekWord: %v", err)
	}
	tailBytes := wordBuf(&tailWord)
	n := len(want) - 8
	for i := n; i < wordSize; i++ {
		if tailBytes[i] != byte(sentinel) {
			t.Errorf("writeMemByWords clobbered byte %d beyond data, tail word = %#x", 8+i, tailWord)
			break
		}
	}
}

func TestWordBufRoundTrip(t *testing.T) {
	var word int64 = 0x0102030405060708
	b := wordBuf(&word)
	if len(b) != wordSize {
		t.Fatalf("wordBuf length = %d, want %d", len(b), wordSize)
	}
	var back uint64
	for i := wordSize - 1; i >= 0; i-- {
		back = back<<8 | uint64(b[i])
	}
	if int64(back) != word {
		t.Errorf("round trip = %#x, want %#x", back, word)
	}
}
