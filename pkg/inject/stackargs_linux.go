package inject

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dynject/dynject/pkg/inject/tracer"
)

// stackArgsSentinel marks the block as injector-supplied arguments so
// the runtime can tell it apart from a process argc. Far larger than
// any plausible argument count.
const stackArgsSentinel uint64 = 0x646e796a

// homeDirSize fixes the layout of the home-directory field. Word and
// stack-alignment multiple, so the whole block stays both.
const homeDirSize = 128

// buildStackArgs lays out the argument block consumed by the runtime's
// entry: the register snapshot taken before the handoff, the sentinel,
// and the home directory, which the runtime needs before it can walk
// the environment itself. The block is written once and never mutated
// afterwards.
func buildStackArgs(regs *tracer.Regs) ([]byte, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("inject: could not resolve home directory: %v", err)
	}
	if len(home)+1 > homeDirSize {
		return nil, fmt.Errorf("inject: home directory path exceeds %d bytes", homeDirSize-1)
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, regs.PtraceRegs); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, stackArgsSentinel); err != nil {
		return nil, err
	}
	var dir [homeDirSize]byte
	copy(dir[:], home)
	buf.Write(dir[:])
	return buf.Bytes(), nil
}
