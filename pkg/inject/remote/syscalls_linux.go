package remote

import (
	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/inject/shellcode"
)

// Return values above this are -errno by the syscall ABI. mmap results
// are valid addresses well below it.
const maxErrno = ^uint64(0) - 4095

// run finishes the builder, executes the fragment and converts a
// negative result to the remote errno. No retries are attempted.
func (e *Engine) run(pid int, name string, b *shellcode.Builder) (uint64, error) {
	frag, err := b.Finish()
	if err != nil {
		return 0, err
	}
	res, err := e.RunAndGetResult(pid, frag)
	if err != nil {
		return 0, err
	}
	if uint64(res) > maxErrno {
		errno := sys.Errno(-res)
		e.log.Errorf("remote %s in pid %d failed: %v", name, pid, errno)
		return 0, errno
	}
	return uint64(res), nil
}

// Open runs open(2) inside the target. The path string exists only in
// the target's address space, embedded in the fragment itself.
func (e *Engine) Open(pid int, path string, flags int, mode uint32) (int, error) {
	b := shellcode.NewBuilder(e.arch)
	b.PushString(path)
	b.Syscall(sys.SYS_OPEN, shellcode.StackTop(), shellcode.Imm(uint64(flags)), shellcode.Imm(uint64(mode)))
	fd, err := e.run(pid, "open", b)
	if err != nil {
		return -1, err
	}
	return int(fd), nil
}

// Mmap runs mmap(2) inside the target and returns the mapped address.
func (e *Engine) Mmap(pid int, addr, length uint64, prot, flags, fd int, offset uint64) (uint64, error) {
	b := shellcode.NewBuilder(e.arch)
	b.Syscall(sys.SYS_MMAP,
		shellcode.Imm(addr),
		shellcode.Imm(length),
		shellcode.Imm(uint64(prot)),
		shellcode.Imm(uint64(flags)),
		shellcode.Imm(uint64(fd)),
		shellcode.Imm(offset))
	return e.run(pid, "mmap", b)
}

// Munmap runs munmap(2) inside the target.
func (e *Engine) Munmap(pid int, addr, length uint64) error {
	b := shellcode.NewBuilder(e.arch)
	b.Syscall(sys.SYS_MUNMAP, shellcode.Imm(addr), shellcode.Imm(length))
	_, err := e.run(pid, "munmap", b)
	return err
}

// Mprotect runs mprotect(2) inside the target.
func (e *Engine) Mprotect(pid int, addr, length uint64, prot int) error {
	b := shellcode.NewBuilder(e.arch)
	b.Syscall(sys.SYS_MPROTECT, shellcode.Imm(addr), shellcode.Imm(length), shellcode.Imm(uint64(prot)))
	_, err := e.run(pid, "mprotect", b)
	return err
}

// Close runs close(2) inside the target.
func (e *Engine) Close(pid, fd int) error {
	b := shellcode.NewBuilder(e.arch)
	b.Syscall(sys.SYS_CLOSE, shellcode.Imm(uint64(fd)))
	_, err := e.run(pid, "close", b)
	return err
}

// Getpid runs getpid(2) inside the target.
func (e *Engine) Getpid(pid int) (int, error) {
	b := shellcode.NewBuilder(e.arch)
	b.Syscall(sys.SYS_GETPID)
	res, err := e.run(pid, "getpid", b)
	return int(res), err
}
