package tracer

import (
	"fmt"
	"syscall"
)

// memio.go is the MemoryIO component of spec.md §4.2: word-granular
// PEEKDATA/POKEDATA plus bulk /proc/<pid>/mem transfers, with the bulk path
// preferred and the word path kept for platforms or offsets where the bulk
// path is unavailable.

// PeekWord reads one machine word from the child's address space at addr.
func (c *Child) PeekWord(addr uintptr) (int64, error) {
	buf := make([]byte, wordSize)
	if _, err := syscall.PtracePeekData(c.PID, addr, buf); err != nil {
		return 0, fmt.Errorf("%w: peekdata at %#x: %v", ErrChildGone, addr, err)
	}
	var word int64
	for i := wordSize - 1; i >= 0; i-- {
		word = word<<8 | int64(buf[i])
	}
	return word, nil
}

// PokeWord writes one machine word to the child's address space at addr.
func (c *Child) PokeWord(addr uintptr, word int64) error {
	if _, err := syscall.PtracePokeData(c.PID, addr, wordBuf(&word)); err != nil {
		return fmt.Errorf("%w: pokedata at %#x: %v", ErrChildGone, addr, err)
	}
	return nil
}

func wordBuf(word *int64) []byte {
	b := make([]byte, wordSize)
	v := uint64(*word)
	for i := 0; i < wordSize; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b
}

// ReadMem copies n bytes from the child's address space starting at addr,
// using /proc/<pid>/mem (spec.md §4.2 "bulk transfer"). Short reads at the
// tail of a mapped region return the partial data with a nil error, mirroring
// pread's own short-read semantics; callers that need exactly n bytes should
// check len(result).
func (c *Child) ReadMem(addr uintptr, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: ReadMem with non-positive length", ErrBadArgument)
	}
	fd, err := c.openMem(false)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := syscall.Pread(fd, buf, int64(addr))
	if err != nil {
		c.closeMem()
		return nil, fmt.Errorf("%w: pread %s at %#x: %v", ErrChildGone, c.memPath(), addr, err)
	}
	return buf[:got], nil
}

// WriteMem writes data into the child's address space starting at addr.
// mem_fd is opened read-write and not cached, since writes are rare compared
// to reads and a stale write descriptor across an execve would be a correctness
// hazard. If mem_fd can't be opened writable (older kernels, a restrictive
// yama ptrace_scope, or a tracee mid-execve), WriteMem falls back to
// PokeWord, which works off the same ptrace attachment and always a word at
// a time (spec.md §4.2).
func (c *Child) WriteMem(addr uintptr, data []byte) error {
	fd, err := c.openMem(true)
	if err != nil {
		return c.writeMemByWords(addr, data)
	}
	defer syscall.Close(fd)
	n, err := syscall.Pwrite(fd, data, int64(addr))
	if err != nil {
		return fmt.Errorf("%w: pwrite %s at %#x: %v", ErrChildGone, c.memPath(), addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write to %s at %#x: %d of %d bytes", ErrInternal, c.memPath(), addr, n, len(data))
	}
	return nil
}

// writeMemByWords writes data via repeated PokeWord calls. A partial leading
// or trailing word is read-modify-written with PeekWord so bytes outside
// data's range are left untouched.
func (c *Child) writeMemByWords(addr uintptr, data []byte) error {
	for off := 0; off < len(data); off += wordSize {
		end := off + wordSize
		var chunk [wordSize]byte
		if end > len(data) {
			existing, err := c.PeekWord(addr + uintptr(off))
			if err != nil {
				return err
			}
			copy(chunk[:], wordBuf(&existing))
		}
		copy(chunk[:], data[off:min(end, len(data))])

		var word int64
		for i := wordSize - 1; i >= 0; i-- {
			word = word<<8 | int64(chunk[i])
		}
		if err := c.PokeWord(addr+uintptr(off), word); err != nil {
			return err
		}
	}
	return nil
}

// ReadCString reads a NUL-terminated string from the child, up to maxLen
// bytes, via repeated word-sized peeks, so it does not depend on mem_fd
// being open (e.g. a tracee that just execve'd and hasn't been re-opened
// yet). StreamLogger uses it to decode path arguments.
func (c *Child) ReadCString(addr uintptr, maxLen int) (string, error) {
	out := make([]byte, 0, 64)
	for off := 0; off < maxLen; off += wordSize {
		word, err := c.PeekWord(addr + uintptr(off))
		if err != nil {
			return "", err
		}
		b := wordBuf(&word)
		for _, ch := range b {
			if ch == 0 {
				return string(out), nil
			}
			out = append(out, ch)
			if len(out) >= maxLen {
				return string(out), nil
			}
		}
	}
	return string(out), nil
}
