package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cosiner/argv"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/regtrace/regtrace/pkg/config"
	"github.com/regtrace/regtrace/pkg/logflags"
	"github.com/regtrace/regtrace/pkg/proc/linutil"
	"github.com/regtrace/regtrace/pkg/proc/native"
	"github.com/regtrace/regtrace/pkg/regtrace"
	"github.com/regtrace/regtrace/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// entryPoint is the address or symbol where recording starts.
	entryPoint string
	// excludeSections are the names of the sections never instrumented.
	excludeSections []string
	// exclusionPolicy selects the excluded sections when several match.
	exclusionPolicy string
	// output is the path of the trace, standard error if empty.
	output string

	// disableASLR launches targets without address space randomization.
	disableASLR bool
	// fastForward runs targets at full speed until the entry point.
	fastForward bool
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to trace.
	tty string
	// codeCacheSize is the number of instrumented addresses remembered.
	codeCacheSize int
	// profileMode enables profiling of regtrace itself.
	profileMode string

	// commandLine is the target command line, as a single string.
	commandLine string
	// scanChecks are addresses whose eligibility scan reports.
	scanChecks []string
	// diffIgnore are the registers diff does not compare.
	diffIgnore []string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const regtraceCommandLongDesc = `regtrace records the values of the general purpose registers before every
instruction a program executes, starting from its entry point.

Instructions are recorded only if they belong to the executable image that
contains the entry point and are not part of its procedure linkage table.
Recording starts the first time the entry point executes and lasts until
the program exits. Every line of the trace has the form

	RIP=0000000000401126 RAX=... RBX=... ... R15=...

Pass flags to the program you are tracing using ` + "`--`" + `, for example:

` + "`regtrace exec --entrypoint main ./hello -- --config conf/config.toml`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main regtrace root command.
	rootCommand = &cobra.Command{
		Use:   "regtrace",
		Short: "regtrace is a register state tracer for x86 programs.",
		Long:  regtraceCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable regtrace logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'regtrace help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'regtrace help log').")

	rootCommand.PersistentFlags().StringVarP(&entryPoint, "entrypoint", "e", conf.EntryPoint, "Address or symbol where recording starts. Addresses take a 0x, 0o or 0b prefix.")
	rootCommand.PersistentFlags().StringSliceVar(&excludeSections, "exclude-section", conf.ExcludeSections, `Sections never instrumented (default ".plt").`)
	rootCommand.PersistentFlags().StringVar(&exclusionPolicy, "exclusion-policy", conf.ExclusionPolicy, `Sections excluded when several match: "last", "first" or "union" (default "last").`)
	rootCommand.PersistentFlags().StringVarP(&output, "output", "o", conf.Output, "Write the trace to a file instead of standard error. A .zst suffix compresses it.")
	rootCommand.PersistentFlags().StringVar(&profileMode, "profile", "", `Profile regtrace itself: "cpu" or "mem". Profiles are written to the working directory.`)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args]",
		Short: "Trace a program from its entry point.",
		Long: `Launch a program and record its registers from the entry point until it exits.

The program is started with address space randomization disabled, so that
two runs of the same program with the same input produce the same trace.
Use --cmd to give the whole command line as a single, shell quoted, string.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if commandLine == "" && len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: execCmd,
	}
	execCommand.Flags().StringVar(&commandLine, "cmd", "", `Command line of the program, for example --cmd "./hello 'a b' c".`)
	execCommand.Flags().BoolVar(&disableASLR, "disable-aslr", conf.DisableASLROrDefault(), "Disable address space randomization.")
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().StringVarP(&tty, "tty", "t", "", "TTY to use for the target program.")
	addTraceFlags(execCommand)
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process and trace it.",
		Long: `Attach to an already running process and record its registers.

Every thread is traced from the instruction it was stopped at. Recording
starts when a thread executes the entry point. Interrupting regtrace
detaches from the process and lets it continue.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	addTraceFlags(attachCommand)
	rootCommand.AddCommand(attachCommand)

	// 'scan' subcommand.
	scanCommand := &cobra.Command{
		Use:   "scan <path/to/binary>",
		Short: "Print the address ranges an executable would be traced with.",
		Long: `Load an executable at its link addresses and print the inclusion and
exclusion ranges chosen for the entry point, without running it.

The entry point defaults to the one in the ELF header. Use --check to ask
whether particular addresses would be recorded.
`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(scan(args[0], os.Stdout))
		},
	}
	scanCommand.Flags().StringSliceVar(&scanChecks, "check", nil, "Addresses to check for eligibility.")
	rootCommand.AddCommand(scanCommand)

	// 'diff' subcommand.
	diffCommand := &cobra.Command{
		Use:   "diff <want> <got>",
		Short: "Compare two traces.",
		Long: `Compare two traces line by line and report the first divergence.

Exits with status 1 if the traces differ. Traces with a .zst suffix are
decompressed.
`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(diff(args[0], args[1], diffIgnore, os.Stdout))
		},
	}
	diffCommand.Flags().StringSliceVar(&diffIgnore, "ignore", conf.DiffIgnore, "Registers not compared, for example RSP,RBP.")
	rootCommand.AddCommand(diffCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("regtrace\n%s\n", version.RegtraceVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	tracer	Log image scanning, the recording trigger and a session summary (default)
	images	Log images found in the memory map of the target
	ptrace	Log thread creation, signals and breakpoints
	disasm	Log every newly discovered instruction, disassembled

Warnings that explain an empty trace are always printed. Logs are written
to standard error, or to standard output when the trace itself goes to
standard error.

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	if docCall {
		rootCommand.DisableAutoGenTag = true
	}
	return rootCommand
}

func addTraceFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&fastForward, "fast-forward", conf.FastForwardOrDefault(), "Run at full speed until the entry point is reached.")
	cmd.Flags().IntVar(&codeCacheSize, "code-cache-size", conf.CodeCacheSizeOrDefault(), "Number of instruction addresses whose instrumentation is cached.")
}

func execCmd(cmd *cobra.Command, args []string) {
	processArgs, err := processCommandLine(cmd, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(execute(0, processArgs))
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil))
}

// processCommandLine returns the argument vector of the target, from
// --cmd or from the positional arguments.
func processCommandLine(cmd *cobra.Command, args []string) ([]string, error) {
	var processArgs []string
	if commandLine != "" {
		if len(args) > 0 {
			return nil, errors.New("--cmd can not be used with a path to a binary")
		}
		var err error
		processArgs, err = parseCommandLine(commandLine)
		if err != nil {
			return nil, err
		}
	} else {
		regtraceArgs, targetArgs := splitArgs(cmd, args)
		if len(regtraceArgs) != 1 {
			return nil, fmt.Errorf("expected one binary, got %q", regtraceArgs)
		}
		processArgs = append([]string{regtraceArgs[0]}, targetArgs...)
	}
	path, err := resolveBinary(processArgs[0])
	if err != nil {
		return nil, err
	}
	processArgs[0] = path
	return processArgs, nil
}

// parseCommandLine splits a shell quoted command line.
func parseCommandLine(s string) ([]string, error) {
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", s)
	}
	if len(v[0]) == 0 {
		return nil, errors.New("empty command line")
	}
	return v[0], nil
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

// resolveBinary returns the absolute path of the program to run. Names
// without a path separator are looked up in PATH.
func resolveBinary(name string) (string, error) {
	if !strings.ContainsRune(name, filepath.Separator) {
		if path, err := exec.LookPath(name); err == nil {
			name = path
		}
	}
	path, err := filepath.Abs(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// tracerConfig builds the tracer configuration from the command line
// flags, whose defaults come from the configuration file.
// An invalid entry point is reported and replaced by the zero entry
// point, so that the program still runs, untraced.
func tracerConfig() (regtrace.Config, error) {
	entry, err := regtrace.ParseEntryPoint(entryPoint)
	if err != nil {
		var invalid *regtrace.ErrInvalidEntryPoint
		if !errors.As(err, &invalid) {
			return regtrace.Config{}, err
		}
		logflags.DiagnosticsLogger().Warnf("%v, using 0", err)
		entry = regtrace.EntryPoint{}
	}
	policy, err := regtrace.ParseExclusionPolicy(exclusionPolicy)
	if err != nil {
		return regtrace.Config{}, err
	}
	var markers []string
	if len(excludeSections) > 0 {
		markers = excludeSections
	}
	return regtrace.Config{
		Entry:            entry,
		ExclusionMarkers: markers,
		ExclusionPolicy:  policy,
	}, nil
}

func startProfile() (interface{ Stop() }, error) {
	switch profileMode {
	case "":
		return nil, nil
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return nil, fmt.Errorf("unknown profile %q, expected cpu or mem", profileMode)
}

// setupLogging configures the loggers. Without --log-dest logs go to
// standard output when the trace is written to standard error, so that
// the trace stream only holds trace lines.
func setupLogging() error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	if output == "" {
		logflags.SetDefaultOutput(os.Stdout)
	}
	return nil
}

// entryHint reports where the program starts when no entry point was
// given.
func entryHint(pid int) {
	entry, interp, err := linutil.ProcessEntry(pid)
	if err != nil {
		logflags.PtraceLogger().Debugf("could not read entry point of %d: %v", pid, err)
		return
	}
	diag := logflags.DiagnosticsLogger()
	if interp != 0 {
		diag.Warnf("process %d: program entry point %#x, dynamic linker loaded at %#x", pid, entry, interp)
		return
	}
	diag.Warnf("process %d: program entry point %#x", pid, entry)
}

// execute traces a launched or attached process and returns the exit
// status regtrace should exit with: the target's, or 1 if tracing failed.
func execute(attachPid int, processArgs []string) int {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	prof, err := startProfile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if prof != nil {
		defer prof.Stop()
	}

	cfg, err := tracerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	out, err := openOutput(output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open trace output: %v\n", err)
		return 1
	}
	defer out.Close()
	cfg.Output = out
	tracer := regtrace.New(cfg)

	var p *native.Process
	if attachPid != 0 {
		p, err = native.Attach(attachPid, codeCacheSize)
	} else {
		p, err = native.Launch(processArgs, native.LaunchConfig{
			Wd:            workingDir,
			DisableASLR:   disableASLR,
			TTY:           tty,
			CodeCacheSize: codeCacheSize,
		})
	}
	if err != nil {
		if attachPid != 0 {
			fmt.Fprintf(os.Stderr, "could not attach to pid %d: %v\n", attachPid, err)
		} else {
			fmt.Fprintf(os.Stderr, "could not launch process: %v\n", err)
		}
		return 1
	}
	if cfg.Entry.IsZero() {
		entryHint(p.Pid())
	}
	tracer.Attach(p)
	if fastForward {
		p.FastForward(tracer.EntryPoint)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	status, err := p.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		if attachPid != 0 {
			fmt.Fprintf(os.Stderr, "regtrace interrupted, detached from process %d\n", p.Pid())
		} else {
			fmt.Fprintf(os.Stderr, "regtrace interrupted, process %d killed\n", p.Pid())
		}
		status = 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := tracer.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "could not write trace: %v\n", err)
		return 1
	}
	if err := out.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "could not write trace: %v\n", err)
		return 1
	}
	return status
}

// scan prints the ranges a binary would be traced with.
func scan(path string, w io.Writer) int {
	img, err := linutil.OpenImageFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open %s: %v\n", path, err)
		return 1
	}
	cfg, err := tracerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	entry := cfg.Entry.Addr
	switch {
	case cfg.Entry.Symbol != "":
		var ok bool
		entry, ok = img.Symbols.LookupSymbol(cfg.Entry.Symbol)
		if !ok {
			fmt.Fprintf(os.Stderr, "symbol %s not found in %s\n", cfg.Entry.Symbol, path)
			return 1
		}
	case entry == 0:
		entry, err = linutil.ELFEntry(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}

	markers := cfg.ExclusionMarkers
	if markers == nil {
		markers = regtrace.DefaultExclusionMarkers
	}
	fmt.Fprintf(w, "image\t%s\n", img)
	fmt.Fprintf(w, "entry\t%#x\n", entry)
	r, ok := regtrace.ScanImage(img, entry, regtrace.NewMarkerSet(markers...), cfg.ExclusionPolicy)
	if !ok {
		fmt.Fprintf(w, "entry point outside of the image, nothing would be traced\n")
		return 1
	}
	table, err := regtrace.RegisterTableForPtrSize(r.PtrSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Fprintf(w, "regs\t%s\n", table)
	fmt.Fprintf(w, "include\t%s %d bytes\n", r.Inclusion, r.Inclusion.Size())
	for _, x := range r.Exclusion {
		fmt.Fprintf(w, "exclude\t%s\n", x)
	}
	for _, sec := range r.Matched {
		fmt.Fprintf(w, "matched\t%s %s\n", sec.Name, sec.Range())
	}

	for _, s := range scanChecks {
		addr, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid address %q: %v\n", s, err)
			return 1
		}
		verdict := "traced"
		switch {
		case !r.Inclusion.Contains(addr):
			verdict = "outside image"
		case r.Excludes(addr):
			verdict = "excluded"
		}
		fmt.Fprintf(w, "check\t%#x %s\n", addr, verdict)
	}
	return 0
}

// diff compares two traces and returns 1 if they differ.
func diff(wantPath, gotPath string, ignore []string, w io.Writer) int {
	want, err := openTrace(wantPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	defer want.Close()
	got, err := openTrace(gotPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	defer got.Close()

	d, err := regtrace.Compare(want, got, ignore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if d != nil {
		fmt.Fprintln(w, d)
		return 1
	}
	return 0
}
