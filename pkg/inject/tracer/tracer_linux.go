// Package tracer provides a thin synchronous wrapper around ptrace(2)
// for controlling an injection target.
//
// All requests issued through a Tracer are funneled onto a single locked
// OS thread, because the kernel requires every ptrace command after
// PTRACE_ATTACH to come from the thread that attached.
package tracer

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/logflags"
)

// Request identifies a ptrace request kind for diagnostics.
type Request int

const (
	ReqAttach Request = iota
	ReqDetach
	ReqCont
	ReqSetOptions
	ReqGetRegs
	ReqSetRegs
	ReqPeekData
	ReqPokeData
)

func (r Request) String() string {
	switch r {
	case ReqAttach:
		return "PTRACE_ATTACH"
	case ReqDetach:
		return "PTRACE_DETACH"
	case ReqCont:
		return "PTRACE_CONT"
	case ReqSetOptions:
		return "PTRACE_SETOPTIONS"
	case ReqGetRegs:
		return "PTRACE_GETREGS"
	case ReqSetRegs:
		return "PTRACE_SETREGS"
	case ReqPeekData:
		return "PTRACE_PEEKDATA"
	case ReqPokeData:
		return "PTRACE_POKEDATA"
	}
	return fmt.Sprintf("PTRACE_%d", int(r))
}

// UnexpectedStopError is returned by WaitForStop when the target stops
// for a different signal than the one expected. This is the most common
// injection failure mode and must stay distinguishable from a plain
// attach failure.
type UnexpectedStopError struct {
	Pid      int
	Expected sys.Signal
	Actual   sys.Signal
	Status   sys.WaitStatus
}

func (e *UnexpectedStopError) Error() string {
	return fmt.Sprintf("unexpected stop for pid %d: expected %v, got %v", e.Pid, e.Expected, e.Actual)
}

// Tracer issues ptrace requests against target processes. Callers never
// retry automatically; every request surfaces its error directly.
type Tracer struct {
	log *logrus.Entry

	ptraceChan     chan func()
	ptraceDoneChan chan struct{}
}

// New returns a Tracer with its ptrace goroutine started.
func New() *Tracer {
	t := &Tracer{
		log:            logflags.TracerLogger(),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
	}
	go t.handlePtraceFuncs()
	return t
}

// Close terminates the ptrace goroutine. The Tracer must not be used
// afterwards.
func (t *Tracer) Close() {
	close(t.ptraceChan)
}

func (t *Tracer) handlePtraceFuncs() {
	// ptrace(2) expects all commands after PTRACE_ATTACH to come from
	// the same thread.
	runtime.LockOSThread()
	for fn := range t.ptraceChan {
		fn()
		t.ptraceDoneChan <- struct{}{}
	}
}

func (t *Tracer) exec(fn func()) {
	t.ptraceChan <- fn
	<-t.ptraceDoneChan
}

// logReq logs a single request with its symbolic name. Word peeks and
// pokes are never passed here: they are far too frequent and would
// flood the diagnostics.
func (t *Tracer) logReq(req Request, pid int, addr, data uint64, err error) {
	t.log.Debugf("ptrace(%s, %d, %#x, %#x) = %v", req, pid, addr, data, err)
}

// Attach begins tracing pid. The caller must follow up with WaitForStop
// to observe the initial SIGSTOP.
func (t *Tracer) Attach(pid int) error {
	var err error
	t.exec(func() { err = sys.PtraceAttach(pid) })
	t.logReq(ReqAttach, pid, 0, 0, err)
	return err
}

// Detach stops tracing pid and lets it run.
func (t *Tracer) Detach(pid int) error {
	var err error
	t.exec(func() { err = sys.PtraceDetach(pid) })
	t.logReq(ReqDetach, pid, 0, 0, err)
	return err
}

// Cont resumes pid, delivering sig if it is nonzero.
func (t *Tracer) Cont(pid int, sig int) error {
	var err error
	t.exec(func() { err = sys.PtraceCont(pid, sig) })
	t.logReq(ReqCont, pid, 0, uint64(sig), err)
	return err
}

// SetOptions sets ptrace options (e.g. PTRACE_O_TRACEEXEC) on pid.
func (t *Tracer) SetOptions(pid int, options int) error {
	var err error
	t.exec(func() { err = sys.PtraceSetOptions(pid, options) })
	t.logReq(ReqSetOptions, pid, 0, uint64(options), err)
	return err
}

// GetRegs retrieves the full general-purpose register set of pid.
func (t *Tracer) GetRegs(pid int) (Regs, error) {
	var (
		regs Regs
		err  error
	)
	t.exec(func() { err = sys.PtraceGetRegs(pid, &regs.PtraceRegs) })
	t.logReq(ReqGetRegs, pid, 0, 0, err)
	return regs, err
}

// SetRegs installs a full general-purpose register set into pid.
func (t *Tracer) SetRegs(pid int, regs *Regs) error {
	var err error
	t.exec(func() { err = sys.PtraceSetRegs(pid, &regs.PtraceRegs) })
	t.logReq(ReqSetRegs, pid, regs.PC(), 0, err)
	return err
}

// PeekWord reads one native word from the target's memory.
func (t *Tracer) PeekWord(pid int, addr uint64) (uint64, error) {
	var (
		buf [WordSize]byte
		err error
	)
	t.exec(func() { _, err = sys.PtracePeekData(pid, uintptr(addr), buf[:]) })
	if err != nil {
		return 0, err
	}
	return wordEndian.Uint64(buf[:]), nil
}

// PokeWord writes one native word into the target's memory. Writes
// succeed even on pages mapped read-only or execute-only.
func (t *Tracer) PokeWord(pid int, addr uint64, word uint64) error {
	var (
		buf [WordSize]byte
		err error
	)
	wordEndian.PutUint64(buf[:], word)
	t.exec(func() { _, err = sys.PtracePokeData(pid, uintptr(addr), buf[:]) })
	return err
}

// Wait blocks until pid changes state and returns the raw wait status.
func (t *Tracer) Wait(pid int) (sys.WaitStatus, error) {
	var status sys.WaitStatus
	for {
		_, err := sys.Wait4(pid, &status, 0, nil)
		if err == sys.EINTR {
			continue
		}
		return status, err
	}
}

// WaitForStop waits for pid to stop and checks that it stopped for the
// expected signal. A stop for any other signal is reported as an
// UnexpectedStopError together with the pc at which it occurred.
func (t *Tracer) WaitForStop(pid int, sig sys.Signal) (sys.WaitStatus, error) {
	status, err := t.Wait(pid)
	if err != nil {
		return status, fmt.Errorf("wait for pid %d: %v", pid, err)
	}
	if status.Stopped() && status.StopSignal() == sig {
		return status, nil
	}
	serr := &UnexpectedStopError{Pid: pid, Expected: sig, Actual: status.StopSignal(), Status: status}
	if regs, rerr := t.GetRegs(pid); rerr == nil {
		t.log.Errorf("unexpected trace event for pid %d: expected %v, got %v at pc %#x", pid, sig, status.StopSignal(), regs.PC())
	} else {
		t.log.Errorf("unexpected trace event for pid %d: expected %v, got %v", pid, sig, status.StopSignal())
	}
	return status, serr
}

// ContToBreakpoint resumes pid and waits for the next SIGTRAP.
func (t *Tracer) ContToBreakpoint(pid int) error {
	if err := t.Cont(pid, 0); err != nil {
		return err
	}
	_, err := t.WaitForStop(pid, sys.SIGTRAP)
	return err
}

// ContToExecTrap resumes pid, re-delivering every signal it stops for,
// until the exec event trap fires. PTRACE_O_TRACEEXEC must already be
// set. The pre-exec image may take signals of its own (a Go launcher
// shim preempts itself with SIGURG); those are passed through rather
// than treated as failures.
func (t *Tracer) ContToExecTrap(pid int) error {
	sig := 0
	for {
		if err := t.Cont(pid, sig); err != nil {
			return err
		}
		status, err := t.Wait(pid)
		if err != nil {
			return fmt.Errorf("wait for pid %d: %v", pid, err)
		}
		if !status.Stopped() {
			return fmt.Errorf("pid %d left the stopped state before exec (status %#x)", pid, int(status))
		}
		if status.StopSignal() == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_EXEC {
			return nil
		}
		t.log.Debugf("re-delivering %v to pid %d before exec", status.StopSignal(), pid)
		sig = int(status.StopSignal())
	}
}
