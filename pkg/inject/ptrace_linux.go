package inject

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/inject/loader"
	"github.com/dynject/dynject/pkg/inject/remote"
	"github.com/dynject/dynject/pkg/inject/shellcode"
	"github.com/dynject/dynject/pkg/inject/tracer"
)

// State identifies how far a ptrace-method injection progressed. It is
// carried by StateError so callers can tell an attach failure apart
// from a failure after the target was already mutated.
type State int

const (
	StateAttaching State = iota
	StateStopped
	StateWalkExec
	StateLibraryOpened
	StateSegmentsMapped
	StateContextPrepared
	StateRunningInit
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateStopped:
		return "stopped"
	case StateWalkExec:
		return "walk-exec"
	case StateLibraryOpened:
		return "library-opened"
	case StateSegmentsMapped:
		return "segments-mapped"
	case StateContextPrepared:
		return "context-prepared"
	case StateRunningInit:
		return "running-init"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateError is a ptrace-method injection failure tagged with the state
// it happened in. From StateLibraryOpened onward the target has been
// mutated and nothing is unwound; callers should terminate it.
type StateError struct {
	State State
	Pid   int
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("injection into pid %d failed in state %q: %v", e.Pid, e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// injectPtrace maps the library into the target and starts its
// initialization, leaving the target stopped at the runtime's first
// breakpoint. The caller resumes it through Run.
func (h *Handle) injectPtrace(libraryPath string) error {
	if h.execSelf {
		return &StateError{State: StateAttaching, Pid: h.pid,
			Err: fmt.Errorf("the ptrace method cannot target the controller itself")}
	}

	t := tracer.New()
	h.tr = t
	state := StateAttaching
	fail := func(err error) error {
		t.Close()
		h.tr = nil
		return &StateError{State: state, Pid: h.pid, Err: err}
	}

	if err := t.Attach(h.pid); err != nil {
		return fail(err)
	}
	if _, err := t.WaitForStop(h.pid, sys.SIGSTOP); err != nil {
		return fail(err)
	}
	state = StateStopped
	h.log.Debugf("attached to pid %d", h.pid)

	if h.pipe != nil {
		// The shim is parked reading the handshake pipe. Select the
		// ptrace method, then follow the target across its exec so the
		// real program image is in place before anything is mapped.
		state = StateWalkExec
		if err := t.SetOptions(h.pid, sys.PTRACE_O_TRACEEXEC); err != nil {
			return fail(err)
		}
		if err := h.writeCommand(cmdPtrace); err != nil {
			return fail(err)
		}
		h.closePipe()
		if err := t.ContToExecTrap(h.pid); err != nil {
			return fail(err)
		}
		h.log.Debugf("pid %d stopped at exec of %s", h.pid, h.exePath)
	}

	arch := shellcode.Native()
	eng := remote.NewEngine(t, arch)

	lib, err := loader.Open(libraryPath)
	if err != nil {
		return fail(err)
	}
	defer lib.Close()

	remoteFd, err := lib.OpenInTarget(eng, h.pid)
	if err != nil {
		return fail(err)
	}
	state = StateLibraryOpened

	_, entry, err := lib.MapIntoTarget(eng, h.pid, remoteFd)
	if err != nil {
		return fail(err)
	}
	state = StateSegmentsMapped
	h.log.Debugf("mapped %s at %#x in pid %d", libraryPath, lib.Base, h.pid)

	regs, err := t.GetRegs(h.pid)
	if err != nil {
		return fail(err)
	}
	block, err := buildStackArgs(&regs)
	if err != nil {
		return fail(err)
	}
	sp := regs.SP() - uint64(arch.RedZoneSize()) - uint64(len(block))
	sp &^= uint64(arch.StackAlign() - 1)
	if err := t.WriteMemory(h.pid, sp, block); err != nil {
		return fail(err)
	}
	regs.SetSP(sp)
	regs.SetPC(entry)
	// The argument block above holds the untouched snapshot; the
	// installed registers must not carry a pending syscall restart or
	// the kernel rewinds the entry pc on resume.
	regs.ClearSyscallRestart()
	if err := t.SetRegs(h.pid, &regs); err != nil {
		return fail(err)
	}
	state = StateContextPrepared
	h.log.Debugf("argument block at %#x, entry %#x for pid %d", sp, entry, h.pid)

	state = StateRunningInit
	sig := 0
	for {
		if err := t.Cont(h.pid, sig); err != nil {
			return fail(err)
		}
		status, err := t.Wait(h.pid)
		if err != nil {
			return fail(err)
		}
		if !status.Stopped() {
			return fail(fmt.Errorf("target left the stopped state during runtime init (status %#x)", int(status)))
		}
		sig = int(status.StopSignal())
		// Early runtime initialization probes memory before its own
		// fault handlers exist; those faults are re-delivered and
		// resolved by the runtime itself.
		// TODO: bound the number of re-delivered SIGSEGVs so a runtime
		// faulting at the same pc forever becomes a hard failure
		// instead of a hang.
		if sig == int(sys.SIGSEGV) {
			h.log.Debugf("re-delivering SIGSEGV to pid %d during runtime init", h.pid)
			continue
		}
		break
	}
	if sig != int(sys.SIGTRAP) {
		return fail(&tracer.UnexpectedStopError{
			Pid:      h.pid,
			Expected: sys.SIGTRAP,
			Actual:   sys.Signal(sig),
		})
	}
	state = StateReady
	h.log.Debugf("runtime initialized in pid %d, stopped at its first breakpoint", h.pid)
	return nil
}
