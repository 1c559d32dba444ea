//go:build amd64

package tracer

// amd64ABI implements abi for the x86-64 syscall convention: nr in
// Orig_rax, args in Rdi, Rsi, Rdx, R10, R8, R9, return in Rax.
// See https://github.com/torvalds/linux/blob/v5.0/arch/x86/entry/entry_64.S#L107
type amd64ABI struct{}

func newABI() abi { return amd64ABI{} }

func (amd64ABI) arch() Arch { return ArchAMD64 }

func (amd64ABI) syscallNo(r *regs) int64      { return int64(r.Orig_rax) }
func (amd64ABI) setSyscallNo(r *regs, nr int64) { r.Orig_rax = uint64(nr) }

func (amd64ABI) arg(r *regs, i int) int64 {
	switch i {
	case 0:
		return int64(r.Rdi)
	case 1:
		return int64(r.Rsi)
	case 2:
		return int64(r.Rdx)
	case 3:
		return int64(r.R10)
	case 4:
		return int64(r.R8)
	case 5:
		return int64(r.R9)
	default:
		return 0
	}
}

func (amd64ABI) setArg(r *regs, i int, v int64) {
	switch i {
	case 0:
		r.Rdi = uint64(v)
	case 1:
		r.Rsi = uint64(v)
	case 2:
		r.Rdx = uint64(v)
	case 3:
		r.R10 = uint64(v)
	case 4:
		r.R8 = uint64(v)
	case 5:
		r.R9 = uint64(v)
	}
}

func (amd64ABI) ret(r *regs) int64      { return int64(r.Rax) }
func (amd64ABI) setRet(r *regs, v int64) { r.Rax = uint64(v) }

func (amd64ABI) ip(r *regs) uint64      { return r.Rip }
func (amd64ABI) setIP(r *regs, v uint64) { r.Rip = v }

func (amd64ABI) sp(r *regs) uint64 { return r.Rsp }

// trapInstrSize is the width of the two-byte `syscall` instruction (0F 05).
func (amd64ABI) trapInstrSize() uint64 { return 2 }
