// Package remote executes synthesized system calls inside a stopped
// injection target.
//
// A fragment is installed over live code at the page containing the
// target's instruction pointer, run to a trailing breakpoint, and the
// original bytes and registers are restored afterwards. The target must
// already be attached and stopped.
package remote

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/dynject/dynject/pkg/inject/shellcode"
	"github.com/dynject/dynject/pkg/inject/tracer"
	"github.com/dynject/dynject/pkg/logflags"
)

// Engine runs shellcode fragments in a target process.
type Engine struct {
	t    *tracer.Tracer
	arch shellcode.Arch
	log  *logrus.Entry
}

// NewEngine returns an Engine driving the given tracer.
func NewEngine(t *tracer.Tracer, arch shellcode.Arch) *Engine {
	return &Engine{
		t:    t,
		arch: arch,
		log:  logflags.TracerLogger().WithField("kind", "remote"),
	}
}

// Tracer returns the tracer the engine drives.
func (e *Engine) Tracer() *tracer.Tracer { return e.t }

// Arch returns the architecture the engine encodes for.
func (e *Engine) Arch() shellcode.Arch { return e.arch }

// execContext is the state saved while a fragment is installed in the
// target: the pre-call register snapshot, the installation address and
// the original bytes there. Saved bytes and installed bytes are always
// the same length and are restored together.
type execContext struct {
	regs  tracer.Regs
	addr  uint64
	saved []byte
}

// RunAndGetResult installs frag at the page containing the target's
// current instruction pointer, executes it to a trailing breakpoint,
// and returns the value of the return-value register as a signed word.
// Original code bytes and the complete register snapshot are restored
// unconditionally, regardless of how execution went.
func (e *Engine) RunAndGetResult(pid int, frag []byte) (result int64, err error) {
	regs, err := e.t.GetRegs(pid)
	if err != nil {
		return 0, fmt.Errorf("remote: could not snapshot registers: %v", err)
	}

	// The fragment runs to completion by hitting this trap.
	code := append(append([]byte{}, frag...), e.arch.BreakpointInstr()...)
	// Pad to word granularity so save and restore stay word-sized.
	// Padding bytes sit after the trap and never execute.
	for len(code)%e.arch.WordSize() != 0 {
		code = append(code, e.arch.BreakpointInstr()[0])
	}
	if len(code) > shellcode.MaxCodeSize {
		return 0, fmt.Errorf("remote: fragment of %d bytes exceeds the %d byte cap", len(code), shellcode.MaxCodeSize)
	}

	// The page holding the current pc is executable, and the size cap
	// guarantees the fragment never crosses its end.
	pageSize := uint64(os.Getpagesize())
	ctx := execContext{
		regs:  regs,
		addr:  regs.PC() &^ (pageSize - 1),
		saved: make([]byte, len(code)),
	}

	if err := e.t.ReadMemory(pid, ctx.saved, ctx.addr); err != nil {
		return 0, fmt.Errorf("remote: could not save original code: %v", err)
	}
	if logflags.Tracer() {
		e.logDisasm(code, ctx.addr)
	}
	if err := e.t.WriteMemory(pid, ctx.addr, code); err != nil {
		return 0, fmt.Errorf("remote: could not install fragment: %v", err)
	}

	// From here on the target is inconsistent until both the code and
	// the registers are put back; restore no matter what happened.
	defer func() {
		if rerr := e.t.WriteMemory(pid, ctx.addr, ctx.saved); rerr != nil && err == nil {
			err = fmt.Errorf("remote: could not restore original code: %v", rerr)
		}
		if rerr := e.t.SetRegs(pid, &ctx.regs); rerr != nil && err == nil {
			err = fmt.Errorf("remote: could not restore registers: %v", rerr)
		}
	}()

	startRegs := ctx.regs
	startRegs.SetPC(ctx.addr)
	// A target parked in a restartable syscall would have its pc
	// rewound by the kernel on resume, landing before the fragment.
	startRegs.ClearSyscallRestart()
	if err := e.t.SetRegs(pid, &startRegs); err != nil {
		return 0, fmt.Errorf("remote: could not redirect pc: %v", err)
	}
	if err := e.t.ContToBreakpoint(pid); err != nil {
		return 0, fmt.Errorf("remote: fragment did not reach its trap: %w", err)
	}

	endRegs, err := e.t.GetRegs(pid)
	if err != nil {
		return 0, fmt.Errorf("remote: could not read result register: %v", err)
	}
	return endRegs.ReturnValue(), nil
}

// logDisasm logs the fragment about to be installed, one decoded
// instruction per line. Embedded string bytes do not decode; they are
// dumped as raw data.
func (e *Engine) logDisasm(code []byte, addr uint64) {
	e.log.Debugf("installing %d bytes at %#x:", len(code), addr)
	for pos := 0; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil {
			e.log.Debugf("  %#x: data % x", addr+uint64(pos), code[pos:pos+1])
			pos++
			continue
		}
		e.log.Debugf("  %#x: %s", addr+uint64(pos), x86asm.GNUSyntax(inst, addr+uint64(pos), nil))
		pos += inst.Len
	}
}
