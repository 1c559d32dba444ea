package tracer

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// deniedNone is the sentinel stored in Child.deniedNr when no syscall is
// currently being denied.
const deniedNone = -1

// injectState is the per-child injection context of spec.md §3
// ("Injection context"). pre records whether injection was started at a
// syscall entry or exit, which decides whether the original syscall is
// replayed after the injected call or the saved registers are restored as
// they were.
type injectState struct {
	injecting bool
	injected  bool
	pre       bool
	nr        int64
	saved     regs
	cb        func(retcode int64)
	done      chan int64 // used by the *_End blocking variants
}

// Child is one tracee (spec.md §3 "Child").
type Child struct {
	PID int

	// Attached is true when the library latched onto a pre-existing
	// process rather than having forked it. Attached children (and
	// their descendants) are detached, not killed, on teardown.
	Attached bool

	// PreSyscall is the SyscallFSM's pre/post toggle: true while the
	// child is stopped at a syscall entry, and, before its first
	// syscall-stop, to mark that first stop as an entry.
	PreSyscall bool

	// Custom is an opaque user pointer. The core never reads or writes
	// it; it belongs entirely to the application.
	Custom any

	// session is a non-owning back-reference to the owning Session
	// (spec.md §9: "a Child's reference is a lookup key or a borrowed
	// handle, never an ownership share"). The Session owns the
	// registry that owns this Child; this pointer is a borrow used only
	// to reach the ABI/logger when a method is called directly on Child.
	session *Session

	memFD    int // cached fd for /proc/<pid>/mem, -1 when closed
	deniedNr int64
	// pendingDenyRet is the caller-supplied substitute return value for
	// a denial issued at the last pre-stop, applied at the next
	// post-stop and then cleared.
	pendingDenyRet *int64

	inj injectState

	event Event

	// safeForkPID is the PID of the most recent newborn registered for
	// this child, set by SafeFork and by the fork-event discovery in
	// WaitEvent.
	safeForkPID int

	regsCached *regs
}

func newChild(pid int, attached bool, s *Session) *Child {
	return &Child{
		PID:        pid,
		Attached:   attached,
		PreSyscall: true,
		session:    s,
		memFD:      -1,
		deniedNr:   deniedNone,
	}
}

// closeMem closes the cached /proc/<pid>/mem descriptor, if open. Called on
// child removal and after execve (spec.md §4.2: "the cached mem_fd is
// invalidated after execve").
func (c *Child) closeMem() {
	if c.memFD >= 0 {
		syscall.Close(c.memFD)
		c.memFD = -1
	}
}

func (c *Child) memPath() string {
	return fmt.Sprintf("/proc/%d/mem", c.PID)
}

func (c *Child) openMem(write bool) (int, error) {
	if c.memFD >= 0 && !write {
		return c.memFD, nil
	}
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	fd, err := syscall.Open(c.memPath(), flag, 0)
	if err != nil {
		return -1, fmt.Errorf("tracer: open %s: %w", c.memPath(), err)
	}
	if !write {
		c.memFD = fd
	}
	return fd, nil
}

// registry is the ChildRegistry of spec.md §4.3: a collection of Child
// records keyed by PID. Iteration follows Go map order, which is
// unspecified.
type registry struct {
	mu       sync.Mutex
	children map[int]*Child
}

func newRegistry() *registry {
	return &registry{children: make(map[int]*Child)}
}

// insert adds a child on first sight of a PID: from Fork, Attach, SafeFork,
// fork-event discovery, or WaitEvent for a PID it has not seen.
func (r *registry) insert(c *Child) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[c.PID] = c
}

func (r *registry) lookup(pid int) (*Child, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.children[pid]
	return c, ok
}

// remove closes the child's mem_fd and drops it from the registry. It does
// not detach or kill the tracee; callers (Session) decide that per the
// Attached flag and teardown mode, per spec.md §4.3.
func (r *registry) remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.children[pid]; ok {
		c.closeMem()
		delete(r.children, pid)
	}
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

// all returns a snapshot slice of live children. Iteration order is not
// part of the contract (spec.md §4.3).
func (r *registry) all() []*Child {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Child, 0, len(r.children))
	for _, c := range r.children {
		out = append(out, c)
	}
	return out
}
