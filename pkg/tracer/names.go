package tracer

import (
	"fmt"
	"sync"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"
)

// names.go is the syscall/signal name table external collaborator from
// spec.md §6: name_to_number, number_to_name, signal_name. The tables are
// process-wide and immutable after package init (spec.md §9); the only
// mutable state is a small LRU memoizing the name->number direction, which
// is the one repeatedly looked up on the hot SetHook/logging paths.

// amd64Syscalls and arm64Syscalls are intentionally partial: they cover
// every syscall named anywhere in spec.md's scenarios, invariants and the
// corpus this library was grounded on. An unlisted syscall is not an error;
// SyscallName falls back to a numeric placeholder and SyscallNumber
// reports ok=false.
var amd64Syscalls = map[int64]string{
	0: "read", 1: "write", 2: "open", 3: "close", 4: "stat", 5: "fstat",
	6: "lstat", 7: "poll", 8: "lseek", 9: "mmap", 10: "mprotect", 11: "munmap",
	12: "brk", 13: "rt_sigaction", 14: "rt_sigprocmask", 16: "ioctl",
	21: "access", 22: "pipe", 23: "select", 32: "dup", 33: "dup2",
	35: "nanosleep", 39: "getpid", 41: "socket", 42: "connect", 43: "accept",
	44: "sendto", 45: "recvfrom", 56: "clone", 57: "fork", 58: "vfork",
	59: "execve", 60: "exit", 61: "wait4", 62: "kill", 63: "uname",
	72: "fcntl", 79: "getcwd", 80: "chdir", 82: "rename", 83: "mkdir",
	84: "rmdir", 86: "link", 87: "unlink", 88: "symlink", 89: "readlink",
	90: "chmod", 92: "chown", 96: "gettimeofday", 100: "times",
	101: "ptrace", 102: "getuid", 104: "getgid", 107: "geteuid",
	108: "getegid", 110: "getppid", 157: "prctl", 158: "arch_prctl",
	165: "mount", 166: "umount2", 186: "gettid", 202: "futex",
	217: "getdents64", 218: "set_tid_address", 228: "clock_gettime",
	230: "clock_nanosleep", 231: "exit_group", 257: "openat",
	258: "mkdirat", 259: "mknodat", 260: "fchownat", 262: "newfstatat",
	263: "unlinkat", 264: "renameat", 266: "symlinkat", 267: "readlinkat",
	268: "fchmodat", 269: "faccessat", 273: "set_robust_list",
	280: "utimensat", 288: "accept4", 290: "eventfd2", 291: "epoll_create1",
	292: "dup3", 293: "pipe2", 316: "renameat2", 318: "getrandom",
	319: "memfd_create", 322: "execveat", 332: "statx", 334: "rseq",
	435: "clone3", 439: "faccessat2",
}

// arm64Syscalls has no legacy "bare" path syscalls (open, access, stat,
// mkdir, rmdir, unlink, readlink, rename, pipe): arm64 only ever shipped the
// *at / generic replacements, so those names genuinely do not resolve on
// this architecture.
var arm64Syscalls = map[int64]string{
	17: "getcwd", 23: "dup", 24: "dup3", 25: "fcntl", 29: "ioctl",
	34: "mkdirat", 35: "unlinkat", 38: "renameat", 39: "umount2",
	40: "mount", 48: "faccessat", 49: "chdir", 56: "openat",
	57: "close", 59: "pipe2", 61: "getdents64", 62: "lseek",
	63: "read", 64: "write", 65: "readv", 66: "writev", 78: "readlinkat",
	79: "newfstatat", 80: "fstat", 93: "exit", 94: "exit_group",
	96: "set_tid_address", 98: "futex", 101: "nanosleep", 113: "clock_gettime",
	115: "clock_nanosleep", 122: "sched_setaffinity", 124: "sched_yield",
	129: "kill", 134: "rt_sigaction", 135: "rt_sigprocmask",
	160: "uname", 163: "getrlimit", 167: "prctl", 172: "getpid",
	173: "getppid", 174: "getuid", 175: "geteuid", 176: "getgid",
	177: "getegid", 178: "gettid", 198: "socket", 202: "accept",
	203: "connect", 206: "sendto", 207: "recvfrom", 210: "shutdown",
	214: "brk", 215: "munmap", 220: "clone", 221: "execve", 222: "mmap",
	226: "mprotect", 260: "wait4", 278: "getrandom", 279: "memfd_create",
	281: "execveat", 435: "clone3",
}

var signalNames = map[int]string{
	int(syscall.SIGHUP): "SIGHUP", int(syscall.SIGINT): "SIGINT",
	int(syscall.SIGQUIT): "SIGQUIT", int(syscall.SIGILL): "SIGILL",
	int(syscall.SIGTRAP): "SIGTRAP", int(syscall.SIGABRT): "SIGABRT",
	int(syscall.SIGBUS): "SIGBUS", int(syscall.SIGFPE): "SIGFPE",
	int(syscall.SIGKILL): "SIGKILL", int(syscall.SIGUSR1): "SIGUSR1",
	int(syscall.SIGSEGV): "SIGSEGV", int(syscall.SIGUSR2): "SIGUSR2",
	int(syscall.SIGPIPE): "SIGPIPE", int(syscall.SIGALRM): "SIGALRM",
	int(syscall.SIGTERM): "SIGTERM", int(syscall.SIGCHLD): "SIGCHLD",
	int(syscall.SIGCONT): "SIGCONT", int(syscall.SIGSTOP): "SIGSTOP",
	int(syscall.SIGTSTP): "SIGTSTP", int(syscall.SIGTTIN): "SIGTTIN",
	int(syscall.SIGTTOU): "SIGTTOU", int(syscall.SIGURG): "SIGURG",
	int(syscall.SIGXCPU): "SIGXCPU", int(syscall.SIGXFSZ): "SIGXFSZ",
	int(syscall.SIGVTALRM): "SIGVTALRM", int(syscall.SIGPROF): "SIGPROF",
	int(syscall.SIGWINCH): "SIGWINCH", int(syscall.SIGIO): "SIGIO",
	int(syscall.SIGSYS): "SIGSYS",
}

// Unknown is returned by SignalName for unresolvable numbers and prefixes
// SyscallName's numeric placeholder.
const Unknown = "<unknown>"

var nameCaches = struct {
	once sync.Once
	byArch [2]*lru.Cache[string, int64]
}{}

func nameCache(a Arch) *lru.Cache[string, int64] {
	nameCaches.once.Do(func() {
		for i := range nameCaches.byArch {
			c, _ := lru.New[string, int64](256)
			nameCaches.byArch[i] = c
		}
	})
	return nameCaches.byArch[a]
}

func tableFor(a Arch) map[int64]string {
	if a == ArchARM64 {
		return arm64Syscalls
	}
	return amd64Syscalls
}

// SyscallName resolves a syscall number to its name for the given
// architecture, or "<unknown>(nr)" if the number is not in the table.
func SyscallName(a Arch, nr int64) string {
	if name, ok := tableFor(a)[nr]; ok {
		return name
	}
	return fmt.Sprintf("%s(%d)", Unknown, nr)
}

// SyscallNumber resolves a syscall name to its number for the given
// architecture. The second return value is false if the name is unknown on
// that architecture (including legacy syscalls arm64 never implemented).
func SyscallNumber(a Arch, name string) (int64, bool) {
	cache := nameCache(a)
	if nr, ok := cache.Get(name); ok {
		return nr, true
	}
	for nr, n := range tableFor(a) {
		if n == name {
			cache.Add(name, nr)
			return nr, true
		}
	}
	return 0, false
}

// SignalName resolves a signal number to its conventional name, or Unknown.
func SignalName(sig int) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return Unknown
}
