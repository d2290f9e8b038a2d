// Package shellcode synthesizes the machine-code fragments that run
// system calls inside an injection target.
package shellcode

// Arch abstracts the instruction encodings and ABI parameters needed to
// synthesize a syscall fragment. Implementations are selected at build
// time; there is exactly one per supported instruction set.
type Arch interface {
	// WordSize is the native word size in bytes.
	WordSize() int
	// RedZoneSize is the size of the ABI red zone below the stack
	// pointer that injected stack data must not overwrite.
	RedZoneSize() int
	// StackAlign is the required stack pointer alignment.
	StackAlign() int
	// MaxSyscallArgs is the number of syscall argument registers.
	MaxSyscallArgs() int

	// LoadSyscallNum encodes a load of num into the syscall-number
	// register.
	LoadSyscallNum(num uint64) []byte
	// LoadArgImm encodes a load of an immediate into argument
	// register i.
	LoadArgImm(i int, val uint64) []byte
	// LoadArgStackTop encodes a load of the word at the top of the
	// stack into argument register i.
	LoadArgStackTop(i int) []byte
	// CallSkip encodes a call over n raw data bytes that follow it,
	// leaving the address of those bytes on the stack.
	CallSkip(n int) []byte
	// SyscallInstr is the syscall-trap instruction.
	SyscallInstr() []byte
	// BreakpointInstr is the breakpoint-trap instruction.
	BreakpointInstr() []byte
}
