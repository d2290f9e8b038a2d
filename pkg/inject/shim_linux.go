package inject

import (
	"fmt"
	"io"
	"os"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/logflags"
)

// handshakeFd is where the launcher puts the read end of the handshake
// pipe in the child.
const handshakeFd = 3

// RunShim is the child half of the launcher handshake. It blocks until
// the controller's command arrives and the pipe is closed, applies the
// environment changes the command asks for, and replaces itself with
// the target image. exe is the resolved target path; argv is the full
// argument vector including argv[0].
//
// An empty command runs the target natively. The ptrace command also
// execs the unmodified target: the controller is already attached and
// regains control at the exec boundary.
func RunShim(exe string, argv []string) error {
	log := logflags.HandshakeLogger()
	if len(argv) == 0 {
		argv = []string{exe}
	}

	pipe := os.NewFile(handshakeFd, "handshake")
	data, err := io.ReadAll(pipe)
	pipe.Close()
	if err != nil {
		return fmt.Errorf("inject: handshake read: %v", err)
	}
	cmdline := strings.TrimSpace(string(data))
	log.Debugf("<- %q for %s", cmdline, exe)

	image := exe
	switch {
	case cmdline == "":
	case cmdline == cmdPtrace:
	case strings.HasPrefix(cmdline, cmdPreloadPrefix):
		setPreloadEnv(strings.TrimPrefix(cmdline, cmdPreloadPrefix))
	case strings.HasPrefix(cmdline, cmdExecPrefix):
		os.Setenv(ExePathEnvVar, exe)
		image = strings.TrimPrefix(cmdline, cmdExecPrefix)
	default:
		return fmt.Errorf("inject: unknown handshake command %q", cmdline)
	}
	return sys.Exec(image, argv, os.Environ())
}
