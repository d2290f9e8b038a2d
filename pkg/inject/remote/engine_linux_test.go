package remote_test

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/inject/remote"
	"github.com/dynject/dynject/pkg/inject/shellcode"
	"github.com/dynject/dynject/pkg/inject/tracer"
	"github.com/dynject/dynject/pkg/logflags"
)

func TestMain(m *testing.M) {
	logflags.Setup(false, "")
	os.Exit(m.Run())
}

// startSleeper launches a single-threaded child and waits until it is
// parked inside its sleep syscall, the idle state a real injection
// target is found in. A child caught mid-startup has no pending
// syscall restart and would not exercise the resume path.
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

func attachedEngine(t *testing.T) (*remote.Engine, int) {
	t.Helper()
	pid := startSleeper(t)
	tr := tracer.New()
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Attach(pid))
	_, err := tr.WaitForStop(pid, sys.SIGSTOP)
	require.NoError(t, err)
	return remote.NewEngine(tr, shellcode.Native()), pid
}

func TestRemoteGetpid(t *testing.T) {
	eng, pid := attachedEngine(t)

	got, err := eng.Getpid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, got)
}

func TestStateRestoration(t *testing.T) {
	eng, pid := attachedEngine(t)
	tr := eng.Tracer()

	before, err := tr.GetRegs(pid)
	require.NoError(t, err)
	pageSize := uint64(os.Getpagesize())
	addr := before.PC() &^ (pageSize - 1)
	savedCode := make([]byte, 128)
	require.NoError(t, tr.ReadMemory(pid, savedCode, addr))

	_, err = eng.Getpid(pid)
	require.NoError(t, err)

	after, err := tr.GetRegs(pid)
	require.NoError(t, err)
	assert.Equal(t, before.PtraceRegs, after.PtraceRegs)

	nowCode := make([]byte, len(savedCode))
	require.NoError(t, tr.ReadMemory(pid, nowCode, addr))
	assert.Equal(t, savedCode, nowCode)
}

// TestStateRestorationAfterFault runs a fragment that faults instead
// of reaching its trap; the original bytes and the full register
// snapshot must come back regardless.
func TestStateRestorationAfterFault(t *testing.T) {
	eng, pid := attachedEngine(t)
	tr := eng.Tracer()

	before, err := tr.GetRegs(pid)
	require.NoError(t, err)
	pageSize := uint64(os.Getpagesize())
	addr := before.PC() &^ (pageSize - 1)
	savedCode := make([]byte, 128)
	require.NoError(t, tr.ReadMemory(pid, savedCode, addr))

	// mov rax, [0]: a load from the null page.
	frag := []byte{0x48, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00}
	_, err = eng.RunAndGetResult(pid, frag)
	require.Error(t, err)
	var serr *tracer.UnexpectedStopError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, sys.SIGSEGV, serr.Actual)

	after, err := tr.GetRegs(pid)
	require.NoError(t, err)
	assert.Equal(t, before.PtraceRegs, after.PtraceRegs)

	nowCode := make([]byte, len(savedCode))
	require.NoError(t, tr.ReadMemory(pid, nowCode, addr))
	assert.Equal(t, savedCode, nowCode)
}

func TestRemoteOpenAndClose(t *testing.T) {
	eng, pid := attachedEngine(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "lib.so")
	require.NoError(t, ioutil.WriteFile(path, []byte("x"), 0644))

	fd, err := eng.Open(pid, path, sys.O_RDONLY, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, 0)
	assert.NoError(t, eng.Close(pid, fd))
}

func TestRemoteOpenMissing(t *testing.T) {
	eng, pid := attachedEngine(t)

	fd, err := eng.Open(pid, "/definitely/not/here.so", sys.O_RDONLY, 0)
	assert.Equal(t, -1, fd)
	assert.ErrorIs(t, err, sys.ENOENT)
}

func TestRemoteMmapMunmap(t *testing.T) {
	eng, pid := attachedEngine(t)

	length := uint64(os.Getpagesize())
	addr, err := eng.Mmap(pid, 0, length, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, -1, 0)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.Zero(t, addr%length)

	assert.NoError(t, eng.Mprotect(pid, addr, length, sys.PROT_READ))
	assert.NoError(t, eng.Munmap(pid, addr, length))
}

func TestFragmentSizeCapEnforced(t *testing.T) {
	eng, pid := attachedEngine(t)

	_, err := eng.RunAndGetResult(pid, make([]byte, shellcode.MaxCodeSize))
	assert.Error(t, err)
}
