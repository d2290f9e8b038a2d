package tracer

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/logflags"
)

func TestMain(m *testing.M) {
	logflags.Setup(false, "")
	os.Exit(m.Run())
}

// startSleeper launches a single-threaded child and waits until it is
// parked inside its sleep syscall, so the first trace stop a test sees
// is the one caused by its own attach and the target is in the idle
// state a real injection target is found in.
func startSleeper(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "3600")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	for i := 0; i < 400; i++ {
		exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
		if err == nil && strings.HasSuffix(exe, "sleep") && parkedInSyscall(pid) {
			return pid
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sleep child did not park in its sleep syscall")
	return 0
}

func parkedInSyscall(pid int) bool {
	data, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/syscall", pid))
	if err != nil {
		return false
	}
	return !strings.HasPrefix(strings.TrimSpace(string(data)), "running")
}

func attachStopped(t *testing.T, pid int) *Tracer {
	t.Helper()
	tr := New()
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Attach(pid))
	_, err := tr.WaitForStop(pid, sys.SIGSTOP)
	require.NoError(t, err)
	return tr
}

func TestAttachAndDetach(t *testing.T) {
	pid := startSleeper(t)
	tr := attachStopped(t, pid)

	regs, err := tr.GetRegs(pid)
	require.NoError(t, err)
	assert.NotZero(t, regs.PC())
	assert.NotZero(t, regs.SP())

	assert.NoError(t, tr.Detach(pid))
}

func TestMemoryRoundTrip(t *testing.T) {
	pid := startSleeper(t)
	tr := attachStopped(t, pid)

	regs, err := tr.GetRegs(pid)
	require.NoError(t, err)
	// A word-aligned scratch region on the target's stack, below the
	// red zone.
	addr := (regs.SP() &^ (WordSize - 1)) - 512

	saved := make([]byte, 32)
	require.NoError(t, tr.ReadMemory(pid, saved, addr))

	data := []byte("word granularity round trip data")
	require.Len(t, data, 32)
	require.NoError(t, tr.WriteMemory(pid, addr, data))

	got := make([]byte, len(data))
	require.NoError(t, tr.ReadMemory(pid, got, addr))
	assert.Equal(t, data, got)

	require.NoError(t, tr.WriteMemory(pid, addr, saved))
}

func TestMemoryRejectsPartialWords(t *testing.T) {
	tr := New()
	defer tr.Close()

	err := tr.ReadMemory(0, make([]byte, 5), 0)
	assert.ErrorIs(t, err, ErrNotWordMultiple)
	err = tr.WriteMemory(0, 0, make([]byte, WordSize+1))
	assert.ErrorIs(t, err, ErrNotWordMultiple)
}

func TestPokePeekWord(t *testing.T) {
	pid := startSleeper(t)
	tr := attachStopped(t, pid)

	regs, err := tr.GetRegs(pid)
	require.NoError(t, err)
	addr := (regs.SP() &^ (WordSize - 1)) - 1024

	saved, err := tr.PeekWord(pid, addr)
	require.NoError(t, err)

	const word = uint64(0x1122334455667788)
	require.NoError(t, tr.PokeWord(pid, addr, word))
	got, err := tr.PeekWord(pid, addr)
	require.NoError(t, err)
	assert.Equal(t, word, got)

	require.NoError(t, tr.PokeWord(pid, addr, saved))
}

func TestWaitForStopUnexpectedSignal(t *testing.T) {
	pid := startSleeper(t)
	tr := New()
	defer tr.Close()
	require.NoError(t, tr.Attach(pid))

	// The attach stop delivers SIGSTOP, not the signal expected here.
	_, err := tr.WaitForStop(pid, sys.SIGUSR1)
	require.Error(t, err)
	var serr *UnexpectedStopError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, sys.SIGUSR1, serr.Expected)
	assert.Equal(t, sys.SIGSTOP, serr.Actual)
	assert.Equal(t, pid, serr.Pid)
}

// TestParkedSleeperSyscallState checks the precondition the remote
// engine has to cope with: a target stopped inside a restartable
// syscall carries the syscall number in orig_rax and a negative
// restart code in rax, which ClearSyscallRestart disarms.
func TestParkedSleeperSyscallState(t *testing.T) {
	pid := startSleeper(t)
	tr := attachStopped(t, pid)

	regs, err := tr.GetRegs(pid)
	require.NoError(t, err)
	assert.NotEqual(t, ^uint64(0), regs.Orig_rax)
	assert.Less(t, int64(regs.Rax), int64(0))

	regs.ClearSyscallRestart()
	assert.Equal(t, ^uint64(0), regs.Orig_rax)
}

func TestRequestString(t *testing.T) {
	assert.Equal(t, "PTRACE_ATTACH", ReqAttach.String())
	assert.Equal(t, "PTRACE_SETREGS", ReqSetRegs.String())
	assert.Equal(t, "PTRACE_99", Request(99).String())
}
