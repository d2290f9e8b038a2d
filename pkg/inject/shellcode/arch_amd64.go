package shellcode

import "encoding/binary"

// AMD64 encodes fragments for the x86-64 Linux syscall ABI: number in
// rax, arguments in rdi, rsi, rdx, r10, r8, r9.
type AMD64 struct{}

// Native returns the Arch for the build target.
func Native() Arch { return AMD64{} }

func (AMD64) WordSize() int       { return 8 }
func (AMD64) RedZoneSize() int    { return 128 }
func (AMD64) StackAlign() int     { return 16 }
func (AMD64) MaxSyscallArgs() int { return 6 }

// mov r64, imm64 opcodes (REX.W B8+rd) for rax and the argument
// registers in ABI order.
var amd64MovImm = [][]byte{
	{0x48, 0xbf}, // mov rdi, imm64
	{0x48, 0xbe}, // mov rsi, imm64
	{0x48, 0xba}, // mov rdx, imm64
	{0x49, 0xba}, // mov r10, imm64
	{0x49, 0xb8}, // mov r8, imm64
	{0x49, 0xb9}, // mov r9, imm64
}

// mov r64, [rsp] encodings (REX.W 8B /r with SIB) in ABI order.
var amd64MovStackTop = [][]byte{
	{0x48, 0x8b, 0x3c, 0x24}, // mov rdi, [rsp]
	{0x48, 0x8b, 0x34, 0x24}, // mov rsi, [rsp]
	{0x48, 0x8b, 0x14, 0x24}, // mov rdx, [rsp]
	{0x4c, 0x8b, 0x14, 0x24}, // mov r10, [rsp]
	{0x4c, 0x8b, 0x04, 0x24}, // mov r8, [rsp]
	{0x4c, 0x8b, 0x0c, 0x24}, // mov r9, [rsp]
}

func (AMD64) LoadSyscallNum(num uint64) []byte {
	code := make([]byte, 10)
	code[0], code[1] = 0x48, 0xb8 // mov rax, imm64
	binary.LittleEndian.PutUint64(code[2:], num)
	return code
}

func (AMD64) LoadArgImm(i int, val uint64) []byte {
	code := make([]byte, 10)
	copy(code, amd64MovImm[i])
	binary.LittleEndian.PutUint64(code[2:], val)
	return code
}

func (AMD64) LoadArgStackTop(i int) []byte {
	return amd64MovStackTop[i]
}

func (AMD64) CallSkip(n int) []byte {
	code := make([]byte, 5)
	code[0] = 0xe8 // call rel32
	binary.LittleEndian.PutUint32(code[1:], uint32(n))
	return code
}

func (AMD64) SyscallInstr() []byte { return []byte{0x0f, 0x05} }

func (AMD64) BreakpointInstr() []byte { return []byte{0xcc} }
