package tracer

import (
	"encoding/binary"

	sys "golang.org/x/sys/unix"
)

// WordSize is the native word size of the target.
const WordSize = 8

var wordEndian = binary.LittleEndian

// Regs wraps the platform register set with accessors for the few
// registers the injector manipulates by role rather than by name.
type Regs struct {
	sys.PtraceRegs
}

// PC returns the current instruction pointer.
func (r *Regs) PC() uint64 { return r.Rip }

// SetPC sets the instruction pointer.
func (r *Regs) SetPC(pc uint64) { r.Rip = pc }

// SP returns the current stack pointer.
func (r *Regs) SP() uint64 { return r.Rsp }

// SetSP sets the stack pointer.
func (r *Regs) SetSP(sp uint64) { r.Rsp = sp }

// ReturnValue returns the syscall return-value register as a signed
// word. By the syscall ABI, negative values denote -errno.
func (r *Regs) ReturnValue() int64 { return int64(r.Rax) }

// ClearSyscallRestart discards a pending syscall restart. A target
// stopped inside a restartable syscall carries -ERESTART* in rax and
// the syscall number in orig_rax; resuming it like that makes the
// kernel rewind the pc past the syscall instruction, off wherever the
// caller just pointed it. Setting orig_rax to an invalid syscall
// disarms that rewind.
func (r *Regs) ClearSyscallRestart() { r.Orig_rax = ^uint64(0) }
