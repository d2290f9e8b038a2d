package shellcode

import (
	"fmt"
	"strings"
)

// MaxCodeSize is the hard cap on the encoded length of any fragment,
// including the trailing breakpoint appended by the execution engine. A
// fragment this size always fits the executable page it is installed
// on.
const MaxCodeSize = 4096

// Operand is a single syscall argument: either an immediate value or a
// reference to the word at the top of the stack.
type Operand struct {
	imm      uint64
	stackTop bool
}

// Imm returns an immediate operand.
func Imm(v uint64) Operand { return Operand{imm: v} }

// StackTop returns an operand that loads the word currently at the top
// of the stack, as left there by PushString.
func StackTop() Operand { return Operand{stackTop: true} }

// Builder accumulates a machine-code fragment. Any append that would
// exceed MaxCodeSize marks the builder failed; the error surfaces from
// Finish rather than truncating silently.
type Builder struct {
	arch Arch
	code []byte
	err  error
}

// NewBuilder returns a Builder for the given architecture.
func NewBuilder(arch Arch) *Builder {
	return &Builder{arch: arch}
}

func (b *Builder) append(code []byte) {
	if b.err != nil {
		return
	}
	// Leave room for the engine's trailing breakpoint.
	if len(b.code)+len(code)+len(b.arch.BreakpointInstr()) > MaxCodeSize {
		b.err = fmt.Errorf("shellcode: fragment exceeds %d bytes", MaxCodeSize)
		return
	}
	b.code = append(b.code, code...)
}

// PushString embeds s as a NUL-terminated byte string directly in the
// instruction stream and leaves its address on the stack. The string
// bytes are unreachable as code: a call skips over them and its return
// address is the string's address.
func (b *Builder) PushString(s string) {
	if b.err != nil {
		return
	}
	if strings.IndexByte(s, 0) >= 0 {
		b.err = fmt.Errorf("shellcode: embedded string contains NUL")
		return
	}
	data := append([]byte(s), 0)
	b.append(b.arch.CallSkip(len(data)))
	b.append(data)
}

// Syscall encodes a system call: the number into the syscall-number
// register, each operand into its argument register, then the
// syscall-trap instruction.
func (b *Builder) Syscall(num uint64, args ...Operand) {
	if b.err != nil {
		return
	}
	if len(args) > b.arch.MaxSyscallArgs() {
		b.err = fmt.Errorf("shellcode: %d syscall arguments, abi allows %d", len(args), b.arch.MaxSyscallArgs())
		return
	}
	b.append(b.arch.LoadSyscallNum(num))
	for i, arg := range args {
		if arg.stackTop {
			b.append(b.arch.LoadArgStackTop(i))
		} else {
			b.append(b.arch.LoadArgImm(i, arg.imm))
		}
	}
	b.append(b.arch.SyscallInstr())
}

// Finish returns the encoded fragment, or the first error encountered
// while building it.
func (b *Builder) Finish() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.code, nil
}
