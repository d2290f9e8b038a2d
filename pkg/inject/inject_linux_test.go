package inject

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/inject/tracer"
	"github.com/dynject/dynject/pkg/logflags"
)

// helperEnv switches the re-executed test binary into one of its helper
// roles: "shim" runs the handshake child, "exit" stands in for a target
// program with a recognizable exit status.
const helperEnv = "DYNJECT_TEST_HELPER"

const helperExitCode = 42

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "shim":
		// Whatever the handshake asks this shim to exec is the test
		// binary again; make that incarnation exit immediately.
		os.Setenv(helperEnv, "exit")
		if err := RunShim(os.Args[1], os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(127)
	case "exit":
		os.Exit(helperExitCode)
	}
	logflags.Setup(false, "")
	os.Exit(m.Run())
}

// launchShimTarget launches the test binary as its own handshake shim,
// parked on the pipe until a method command arrives.
func launchShimTarget(t *testing.T) *Handle {
	t.Helper()
	t.Setenv(helperEnv, "shim")
	h, err := Launch(os.Args[0], []string{os.Args[0]}, LaunchOptions{
		ShimArgv: []string{os.Args[0]},
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.ExitStatus(true) })
	return h
}

func TestNativeRunExitStatus(t *testing.T) {
	h := launchShimTarget(t)

	// No command written: closing the pipe runs the target natively.
	require.NoError(t, h.Run())
	require.True(t, h.WaitForExit(10*time.Second))

	ws := sys.WaitStatus(h.ExitStatus(false))
	require.True(t, ws.Exited())
	assert.Equal(t, helperExitCode, ws.ExitStatus())
	assert.True(t, h.Exited())

	// The pid may have been reused; the cached status must be returned
	// without waiting again.
	assert.Equal(t, int(ws), h.ExitStatus(false))
	assert.Equal(t, int(ws), h.ExitStatus(true))
}

// TestHandshakeWalkExec drives the ptrace half of the handshake by
// hand: the exec trap must fire exactly once, surviving any signals
// the shim's own runtime takes before exec, after which the target
// runs its original image unmodified.
func TestHandshakeWalkExec(t *testing.T) {
	h := launchShimTarget(t)

	tr := tracer.New()
	defer tr.Close()
	require.NoError(t, tr.Attach(h.pid))
	_, err := tr.WaitForStop(h.pid, sys.SIGSTOP)
	require.NoError(t, err)
	require.NoError(t, tr.SetOptions(h.pid, sys.PTRACE_O_TRACEEXEC))

	require.NoError(t, h.writeCommand(cmdPtrace))
	h.closePipe()

	require.NoError(t, tr.ContToExecTrap(h.pid))

	// No second trap: the next event is the target's own exit.
	require.NoError(t, tr.Cont(h.pid, 0))
	status, err := tr.Wait(h.pid)
	require.NoError(t, err)
	require.True(t, status.Exited())
	assert.Equal(t, helperExitCode, status.ExitStatus())
	h.exited, h.status = true, status
}

func TestInjectWritesHandshakeCommand(t *testing.T) {
	for _, tc := range []struct {
		method Method
		want   string
	}{
		{MethodPreload, "ld_preload /opt/rt/librt.so"},
		{MethodEarly, "exec_dr /opt/rt/librt.so"},
	} {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		h := &Handle{pid: 1, pipe: w, method: tc.method, log: logflags.InjectorLogger()}

		require.NoError(t, h.Inject("/opt/rt/librt.so"))
		h.closePipe()
		data, err := ioutil.ReadAll(r)
		r.Close()
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(data), "method %s", tc.method)
	}
}

func TestInjectWithoutPipe(t *testing.T) {
	h := &Handle{pid: 1, method: MethodPreload, log: logflags.InjectorLogger()}
	assert.Error(t, h.Inject("/opt/rt/librt.so"))
}

func TestWaitForExitDeadline(t *testing.T) {
	cmd := exec.Command("sleep", "3600")
	require.NoError(t, cmd.Start())
	h := &Handle{pid: cmd.Process.Pid, log: logflags.InjectorLogger()}

	start := time.Now()
	assert.False(t, h.WaitForExit(300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, h.Exited())

	ws := sys.WaitStatus(h.ExitStatus(true))
	require.True(t, ws.Signaled())
	assert.Equal(t, sys.SIGKILL, ws.Signal())
	assert.True(t, h.Exited())
}

func TestBuildStackArgs(t *testing.T) {
	var regs tracer.Regs
	regs.SetPC(0x401000)
	regs.SetSP(0x7ffdeadb0000)

	block, err := buildStackArgs(&regs)
	require.NoError(t, err)

	assert.Zero(t, len(block)%16, "block must keep the stack aligned")

	regsSize := binary.Size(regs.PtraceRegs)
	require.Greater(t, len(block), regsSize+8)
	assert.Equal(t, stackArgsSentinel, binary.LittleEndian.Uint64(block[regsSize:]))

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	dir := block[regsSize+8:]
	assert.Equal(t, home, string(dir[:len(home)]))
	assert.Equal(t, byte(0), dir[len(home)])
}

func TestSetPreloadEnv(t *testing.T) {
	t.Setenv(ldLibraryPathEnvVar, "/usr/lib")
	t.Setenv(ldPreloadEnvVar, "")
	t.Setenv(ldUseLoadBiasEnvVar, "")

	setPreloadEnv("/opt/rt/librt.so")
	assert.Equal(t, "/opt/rt:/usr/lib", os.Getenv(ldLibraryPathEnvVar))
	assert.Equal(t, "librt.so", os.Getenv(ldPreloadEnvVar))
	assert.Equal(t, "1", os.Getenv(ldUseLoadBiasEnvVar))
}

func TestParseMethod(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Method
	}{
		{"ptrace", MethodPtrace},
		{"preload", MethodPreload},
		{"early", MethodEarly},
	} {
		got, err := ParseMethod(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.in, got.String())
	}
	_, err := ParseMethod("osmosis")
	assert.Error(t, err)
}

func TestPrepareToExecRejectsPtrace(t *testing.T) {
	_, err := PrepareToExec("/bin/true", nil, MethodPtrace)
	assert.Error(t, err)
}

func TestLaunchMissingExecutable(t *testing.T) {
	_, err := Launch("/definitely/not/here", nil, LaunchOptions{})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "attaching", StateAttaching.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "state(99)", State(99).String())
}

func TestStateErrorUnwrap(t *testing.T) {
	inner := &tracer.UnexpectedStopError{Pid: 7, Expected: sys.SIGTRAP, Actual: sys.SIGSEGV}
	err := &StateError{State: StateRunningInit, Pid: 7, Err: inner}

	var serr *tracer.UnexpectedStopError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, err.Error(), "running-init")
}
