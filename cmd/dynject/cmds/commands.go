// Package cmds implements the dynject command line interface.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/config"
	"github.com/dynject/dynject/pkg/inject"
	"github.com/dynject/dynject/pkg/logflags"
	"github.com/dynject/dynject/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of layers that should produce
	// debug output: inject, tracer, loader, handshake.
	logOutput string

	// methodFlag is the injection method name.
	methodFlag string
	// library is the runtime library to inject.
	library string
	// options is passed to the injected runtime.
	options string
	// timeout bounds how long run waits for the target to exit.
	timeout time.Duration
	// newProcessGroup moves the target into its own process group so a
	// timeout kill takes the target's children with it.
	newProcessGroup bool
	// native launches the target without injecting anything.
	native bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dynjectLongDesc = `Dynject places a runtime library inside a target process.

A target can be launched under dynject or already running. Three methods are
available: ptrace needs no cooperation from the target and maps the library
through tracing primitives alone; preload asks the dynamic linker to pull the
library in before the target image runs; early makes the library the process
image itself and hands it the original executable path.

Pass arguments to the target program using ` + "`--`" + `, for example:

` + "`dynject run -l ./librt.so ./server -- --port 8080`"

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "dynject",
		Short: "Dynject injects a runtime library into uncooperative processes.",
		Long:  dynjectLongDesc,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", conf.LogOutput, "Comma separated list of layers that should produce debug output (inject, tracer, loader, handshake).")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Dynject Injector\n%s\n", version.DynjectVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	runCommand := &cobra.Command{
		Use:   "run [flags] <executable> [-- <args>...]",
		Short: "Launch a program with the runtime library injected.",
		Long: `Launches the program under the handshake shim, injects the runtime library
with the selected method and resumes the target. With --timeout the target is
killed when it outlives the deadline; dynject exits with the target's own
exit status.`,
		RunE: runCmd,
	}
	addInjectFlags(runCommand.Flags())
	runCommand.Flags().DurationVar(&timeout, "timeout", 0, "Kill the target if it has not exited after this long. 0 waits forever.")
	runCommand.Flags().BoolVar(&newProcessGroup, "new-process-group", false, "Run the target in its own process group and kill the whole group on timeout.")
	runCommand.Flags().BoolVar(&native, "native", false, "Launch the target without injecting anything.")
	rootCommand.AddCommand(runCommand)

	attachCommand := &cobra.Command{
		Use:   "attach <pid>",
		Short: "Inject the runtime library into a running process.",
		Long: `Attaches to the process, maps the runtime library through the ptrace method
and detaches once the runtime reached its first breakpoint. Only the ptrace
method applies to a running process.`,
		RunE: attachCmd,
	}
	attachCommand.Flags().StringVarP(&library, "library", "l", conf.Library, "Runtime library to inject.")
	rootCommand.AddCommand(attachCommand)

	execCommand := &cobra.Command{
		Use:   "exec [flags] <executable> [-- <args>...]",
		Short: "Replace dynject itself with the injected target.",
		Long: `Sets up injection in the current process and execs the target image directly,
with no intermediate child. Only the preload and early methods apply.`,
		RunE: execCmd,
	}
	addInjectFlags(execCommand.Flags())
	rootCommand.AddCommand(execCommand)

	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Manage the dynject configuration file.",
	}
	configSaveCommand := &cobra.Command{
		Use:   "save",
		Short: "Persist the given defaults to the config file.",
		Long: `Writes the method, library, options and log-output values in effect, flags
included, back to the config file so later runs pick them up as defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf.Method = methodFlag
			conf.Library = library
			conf.Options = options
			conf.LogOutput = logOutput
			return config.SaveConfig(conf)
		},
	}
	addInjectFlags(configSaveCommand.Flags())
	configCommand.AddCommand(configSaveCommand)
	rootCommand.AddCommand(configCommand)

	shimCommand := &cobra.Command{
		Use:    "shim <executable> <argv>...",
		Hidden: true,
		Short:  "Handshake child for launched targets.",
		// The target's argv must pass through untouched.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return errors.New("shim: no executable")
			}
			return inject.RunShim(args[0], args[1:])
		},
	}
	rootCommand.AddCommand(shimCommand)

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if !log {
			// A configured default log-output only applies when --log
			// is given.
			return logflags.Setup(false, "")
		}
		return logflags.Setup(true, logOutput)
	}
	return rootCommand
}

func addInjectFlags(fs *pflag.FlagSet) {
	defMethod := conf.Method
	if defMethod == "" {
		defMethod = "ptrace"
	}
	fs.StringVarP(&methodFlag, "method", "m", defMethod, "Injection method: ptrace, preload or early.")
	fs.StringVarP(&library, "library", "l", conf.Library, "Runtime library to inject.")
	fs.StringVar(&options, "options", conf.Options, "Options handed to the injected runtime.")
}

func requireLibrary() error {
	if library == "" {
		return errors.New("no runtime library: pass --library or set it in the config file")
	}
	return nil
}

func runCmd(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("no executable to run")
	}
	if !native {
		if err := requireLibrary(); err != nil {
			return err
		}
	}
	method, err := inject.ParseMethod(methodFlag)
	if err != nil {
		return err
	}

	opts := inject.LaunchOptions{Method: method, Options: options}
	if conf.Shim != "" {
		opts.ShimArgv = config.SplitQuotedFields(conf.Shim, '\'')
	}
	h, err := inject.Launch(args[0], args, opts)
	if err != nil {
		return err
	}
	if newProcessGroup {
		if err := h.PrepareNewProcessGroup(); err != nil {
			h.ExitStatus(true)
			return err
		}
	}
	if !native {
		if err := h.Inject(library); err != nil {
			h.ExitStatus(true)
			return err
		}
	}
	if err := h.Run(); err != nil {
		h.ExitStatus(true)
		return err
	}

	if h.WaitForExit(timeout) {
		exitWithStatus(h.ExitStatus(false))
	}
	fmt.Fprintf(os.Stderr, "timeout after %v, killing pid %d\n", timeout, h.Pid())
	exitWithStatus(h.ExitStatus(true))
	return nil
}

func attachCmd(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errors.New("attach takes exactly one pid")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	if err := requireLibrary(); err != nil {
		return err
	}
	h, err := inject.Attach(pid)
	if err != nil {
		return err
	}
	if err := h.Inject(library); err != nil {
		return err
	}
	return h.Run()
}

func execCmd(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("no executable to exec")
	}
	if err := requireLibrary(); err != nil {
		return err
	}
	method, err := inject.ParseMethod(methodFlag)
	if err != nil {
		return err
	}
	h, err := inject.PrepareToExec(args[0], args, method)
	if err != nil {
		return err
	}
	if options != "" {
		os.Setenv(inject.OptionsEnvVar, options)
	}
	if err := h.Inject(library); err != nil {
		return err
	}
	// Does not return on success.
	return h.Run()
}

// exitWithStatus maps a raw wait status onto the controller's own exit
// code: the target's exit status, or 128 plus the fatal signal number.
func exitWithStatus(status int) {
	if status < 0 {
		os.Exit(1)
	}
	ws := sys.WaitStatus(status)
	switch {
	case ws.Exited():
		os.Exit(ws.ExitStatus())
	case ws.Signaled():
		os.Exit(128 + int(ws.Signal()))
	}
	os.Exit(1)
}
