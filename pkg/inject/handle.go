// Package inject launches or attaches to a target process and places a
// runtime library inside it.
//
// Three methods are supported. The early method makes the library the
// target's process image and hands it the original executable path
// through the environment. The preload method asks the dynamic linker
// to pull the library in before the target image runs. The ptrace
// method needs no cooperation from the target at all: the library is
// mapped and started entirely through tracing primitives.
//
// A launched target starts as a shim child parked on a handshake pipe;
// the method is selected by writing a single command line to that pipe.
// An attached target only supports the ptrace method.
package inject

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/inject/tracer"
	"github.com/dynject/dynject/pkg/logflags"
)

// Method selects how the runtime library enters the target.
type Method int

const (
	MethodPtrace Method = iota
	MethodPreload
	MethodEarly
)

func (m Method) String() string {
	switch m {
	case MethodPtrace:
		return "ptrace"
	case MethodPreload:
		return "preload"
	case MethodEarly:
		return "early"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethod converts a method name from the command line or a
// configuration file.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "ptrace":
		return MethodPtrace, nil
	case "preload":
		return MethodPreload, nil
	case "early":
		return MethodEarly, nil
	}
	return 0, fmt.Errorf("inject: unknown injection method %q", s)
}

// Environment variables read by an injected runtime.
const (
	// ExePathEnvVar carries the original executable path to a runtime
	// injected with the early method, whose own image replaced it.
	ExePathEnvVar = "DYNJECT_EXE_PATH"
	// OptionsEnvVar carries runtime options into the target.
	OptionsEnvVar = "DYNJECT_OPTIONS"

	ldPreloadEnvVar     = "LD_PRELOAD"
	ldLibraryPathEnvVar = "LD_LIBRARY_PATH"
	ldUseLoadBiasEnvVar = "LD_USE_LOAD_BIAS"
)

// Handshake commands, written once to the pipe as a single line.
const (
	cmdPtrace        = "ptrace"
	cmdPreloadPrefix = "ld_preload "
	cmdExecPrefix    = "exec_dr "
)

// Handle is the controller's view of one target process. Exactly one
// Handle exists per target; it is never shared across concurrent
// injection attempts.
type Handle struct {
	pid       int
	exePath   string
	imageName string
	argv      []string

	// Write end of the handshake pipe. Present only when the controller
	// launched the target itself; closing it releases the parked shim.
	pipe *os.File

	method   Method
	execSelf bool
	killpg   bool

	// Image exec'd by Run in the exec-self case. Defaults to exePath;
	// the early method repoints it at the library.
	execImage string

	tr *tracer.Tracer

	exited bool
	status sys.WaitStatus

	log *logrus.Entry
}

// LaunchOptions controls Launch.
type LaunchOptions struct {
	// Method to negotiate once Inject is called.
	Method Method

	// ShimArgv overrides the command used to start the handshake shim.
	// The child becomes "<ShimArgv...> <exe> <argv...>". When empty the
	// current binary is re-executed with its shim subcommand.
	ShimArgv []string

	// Options is handed to the injected runtime through its options
	// environment variable.
	Options string
}

// Launch starts exe as a shim child parked on the handshake pipe. argv
// is the full argument vector including argv[0]; when empty it defaults
// to the executable name. The child does not exec the real image until
// a method command is written and the pipe is closed.
func Launch(exe string, argv []string, opts LaunchOptions) (*Handle, error) {
	exePath, err := exec.LookPath(exe)
	if err != nil {
		return nil, fmt.Errorf("inject: %v", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		argv = []string{exe}
	}

	shim := opts.ShimArgv
	if len(shim) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("inject: could not locate own binary for the shim: %v", err)
		}
		shim = []string{self, "shim"}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	args := append([]string{}, shim[1:]...)
	args = append(args, exePath)
	args = append(args, argv...)
	cmd := exec.Command(shim[0], args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The read end lands on handshakeFd in the child.
	cmd.ExtraFiles = []*os.File{r}
	if opts.Options != "" {
		cmd.Env = append(os.Environ(), OptionsEnvVar+"="+opts.Options)
	}
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("inject: could not launch shim for %s: %v", exePath, err)
	}
	r.Close()

	h := &Handle{
		pid:       cmd.Process.Pid,
		exePath:   exePath,
		imageName: filepath.Base(exePath),
		argv:      argv,
		pipe:      w,
		method:    opts.Method,
		log:       logflags.InjectorLogger(),
	}
	h.log.Debugf("launched %s as pid %d (method %s)", h.imageName, h.pid, h.method)
	return h, nil
}

// Attach returns a Handle for an already-running process. Only the
// ptrace method applies: there is no handshake pipe to negotiate over.
func Attach(pid int) (*Handle, error) {
	h := &Handle{
		pid:    pid,
		method: MethodPtrace,
		log:    logflags.InjectorLogger(),
	}
	if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		h.exePath = exe
		h.imageName = filepath.Base(exe)
	}
	return h, nil
}

// PrepareToExec returns a Handle under which the controller itself
// becomes the target: Run replaces the current process image instead of
// resuming a child.
func PrepareToExec(exe string, argv []string, method Method) (*Handle, error) {
	if method == MethodPtrace {
		return nil, errors.New("inject: the ptrace method cannot target the controller itself")
	}
	exePath, err := exec.LookPath(exe)
	if err != nil {
		return nil, fmt.Errorf("inject: %v", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		argv = []string{exe}
	}
	return &Handle{
		pid:       os.Getpid(),
		exePath:   exePath,
		imageName: filepath.Base(exePath),
		argv:      argv,
		method:    method,
		execSelf:  true,
		execImage: exePath,
		log:       logflags.InjectorLogger(),
	}, nil
}

// PrepareToPtrace switches a launched target to the ptrace method
// before Inject is called.
func (h *Handle) PrepareToPtrace() error {
	if h.execSelf {
		return errors.New("inject: the ptrace method cannot target the controller itself")
	}
	h.method = MethodPtrace
	return nil
}

// PrepareNewProcessGroup moves the target into its own process group so
// a later terminate kills the whole group.
func (h *Handle) PrepareNewProcessGroup() error {
	if err := sys.Setpgid(h.pid, h.pid); err != nil {
		return fmt.Errorf("inject: setpgid(%d): %v", h.pid, err)
	}
	h.killpg = true
	return nil
}

// Pid returns the target's process id.
func (h *Handle) Pid() int { return h.pid }

// ExePath returns the resolved path of the target executable.
func (h *Handle) ExePath() string { return h.exePath }

// ImageName returns the basename of the target executable.
func (h *Handle) ImageName() string { return h.imageName }

// Method returns the injection method in effect.
func (h *Handle) Method() Method { return h.method }

// Inject places the runtime library at libraryPath into the target
// using the handle's method. For a launched target the early and
// preload methods only write the handshake command; the work happens in
// the shim once Run releases it. The ptrace method completes the whole
// load before returning, leaving the target stopped at the runtime's
// first breakpoint.
func (h *Handle) Inject(libraryPath string) error {
	lib, err := filepath.Abs(libraryPath)
	if err != nil {
		return err
	}
	switch h.method {
	case MethodEarly:
		if h.execSelf {
			os.Setenv(ExePathEnvVar, h.exePath)
			h.execImage = lib
			return nil
		}
		return h.writeCommand(cmdExecPrefix + lib)
	case MethodPreload:
		if h.execSelf {
			setPreloadEnv(lib)
			return nil
		}
		return h.writeCommand(cmdPreloadPrefix + lib)
	case MethodPtrace:
		return h.injectPtrace(lib)
	}
	return fmt.Errorf("inject: unknown injection method %v", h.method)
}

// writeCommand writes one handshake command. The pipe stays open; the
// shim only sees the command when Run closes it.
func (h *Handle) writeCommand(cmd string) error {
	if h.pipe == nil {
		return errors.New("inject: no handshake pipe for this target")
	}
	logflags.HandshakeLogger().Debugf("-> %q to pid %d", cmd, h.pid)
	if _, err := h.pipe.WriteString(cmd); err != nil {
		return fmt.Errorf("inject: handshake write to pid %d: %v", h.pid, err)
	}
	return nil
}

func (h *Handle) closePipe() {
	if h.pipe != nil {
		h.pipe.Close()
		h.pipe = nil
	}
}

// Run hands control to the target. In the exec-self case the controller
// becomes the target image. For a launched child the handshake pipe is
// closed, releasing the shim; with no command written the target runs
// natively. A ptrace-method target is detached and resumes from the
// runtime's first breakpoint.
func (h *Handle) Run() error {
	if h.execSelf {
		h.log.Debugf("exec %s as %s", h.execImage, h.imageName)
		return sys.Exec(h.execImage, h.argv, os.Environ())
	}
	h.closePipe()
	if h.tr != nil {
		err := h.tr.Detach(h.pid)
		h.tr.Close()
		h.tr = nil
		if err != nil {
			return fmt.Errorf("inject: could not detach from pid %d: %v", h.pid, err)
		}
	}
	return nil
}

// setPreloadEnv points the dynamic linker at the runtime library before
// the target image runs. The load-bias hint keeps the kernel from
// placing the main executable where the runtime prefers to live.
func setPreloadEnv(libraryPath string) {
	dir := filepath.Dir(libraryPath)
	if cur := os.Getenv(ldLibraryPathEnvVar); cur != "" {
		dir = dir + ":" + cur
	}
	os.Setenv(ldLibraryPathEnvVar, dir)

	pre := filepath.Base(libraryPath)
	if cur := os.Getenv(ldPreloadEnvVar); cur != "" {
		pre = pre + " " + cur
	}
	os.Setenv(ldPreloadEnvVar, pre)

	os.Setenv(ldUseLoadBiasEnvVar, "1")
}
