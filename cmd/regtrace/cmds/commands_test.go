package cmds

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/regtrace/regtrace/pkg/config"
	"github.com/regtrace/regtrace/pkg/logflags"
	"github.com/regtrace/regtrace/pkg/proc/linutil"
	"github.com/regtrace/regtrace/pkg/regtrace"
)

const (
	traceA = "RIP=1000 RAX=0001 RSP=8000\nRIP=1004 RAX=0002 RSP=7ff8\nRIP=1008 RAX=0002 RSP=7ff8\n"
	traceB = "RIP=1000 RAX=0001 RSP=8000\nRIP=1004 RAX=0002 RSP=7ff0\nRIP=1008 RAX=0002 RSP=7ff0\n"
)

func writeTrace(t *testing.T, path, content string) {
	t.Helper()
	out, err := openOutput(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(out, content); err != nil {
		t.Fatal(err)
	}
	if err := out.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTraceOutputRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"trace.log", "trace.log.zst"} {
		path := filepath.Join(dir, name)
		writeTrace(t, path, traceA)

		r, err := openTrace(path)
		if err != nil {
			t.Fatal(err)
		}
		buf, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatal(err)
		}
		if string(buf) != traceA {
			t.Errorf("%s: read back %q", name, buf)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "trace.log.zst"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("RIP=")) {
		t.Error("zst output is not compressed")
	}
}

func TestDiff(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log.zst")
	writeTrace(t, a, traceA)
	writeTrace(t, b, traceB)

	var out bytes.Buffer
	if status := diff(a, a, nil, &out); status != 0 {
		t.Errorf("identical traces: status %d, %s", status, out.String())
	}

	out.Reset()
	if status := diff(a, b, nil, &out); status != 1 {
		t.Errorf("different traces: status %d", status)
	}
	if !strings.Contains(out.String(), "line 2: RSP differ") {
		t.Errorf("unexpected report %q", out.String())
	}

	out.Reset()
	if status := diff(a, b, []string{"rsp"}, &out); status != 0 {
		t.Errorf("ignoring RSP: status %d, %s", status, out.String())
	}

	if status := diff(a, filepath.Join(dir, "missing"), nil, &out); status != 2 {
		t.Errorf("missing trace: status %d", status)
	}
}

func TestParseCommandLine(t *testing.T) {
	v, err := parseCommandLine(`./hello 'a b' "c d" e`)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"./hello", "a b", "c d", "e"}; !reflect.DeepEqual(v, want) {
		t.Errorf("got %q, want %q", v, want)
	}
	for _, bad := range []string{"", "ls | wc", "echo `id`"} {
		if _, err := parseCommandLine(bad); err == nil {
			t.Errorf("parseCommandLine(%q) succeeded", bad)
		}
	}
}

func TestProcessCommandLine(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not found")
	}
	truePath, _ = filepath.Abs(truePath)
	defer func() { commandLine = "" }()

	cmd := &cobra.Command{Use: "exec"}
	if err := cmd.Flags().Parse([]string{"true", "--", "-x", "y"}); err != nil {
		t.Fatal(err)
	}
	args, err := processCommandLine(cmd, cmd.Flags().Args())
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{truePath, "-x", "y"}; !reflect.DeepEqual(args, want) {
		t.Errorf("got %q, want %q", args, want)
	}

	commandLine = "true 'a b'"
	args, err = processCommandLine(&cobra.Command{Use: "exec"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{truePath, "a b"}; !reflect.DeepEqual(args, want) {
		t.Errorf("got %q, want %q", args, want)
	}

	if _, err := processCommandLine(&cobra.Command{Use: "exec"}, []string{"true"}); err == nil {
		t.Error("--cmd and a binary were both accepted")
	}
}

func TestTracerConfig(t *testing.T) {
	defer func() {
		entryPoint, exclusionPolicy, excludeSections = "", "", nil
	}()

	entryPoint, exclusionPolicy, excludeSections = "0x401126", "union", []string{".plt", ".plt.sec"}
	cfg, err := tracerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Entry.Addr != 0x401126 || cfg.ExclusionPolicy.String() != "union" || len(cfg.ExclusionMarkers) != 2 {
		t.Errorf("unexpected config %+v", cfg)
	}

	var diag bytes.Buffer
	logflags.SetDefaultOutput(&diag)
	defer logflags.Close()
	for _, bad := range []string{"0xZZ", "not a symbol"} {
		entryPoint = bad
		cfg, err := tracerConfig()
		if err != nil {
			t.Fatalf("entry point %q: %v", bad, err)
		}
		if !cfg.Entry.IsZero() {
			t.Errorf("entry point %q: got %v, want the zero entry point", bad, cfg.Entry)
		}
		if !strings.Contains(diag.String(), fmt.Sprintf("invalid entry point %q", bad)) {
			t.Errorf("entry point %q not reported: %q", bad, diag.String())
		}
	}

	entryPoint, exclusionPolicy = "main", "most"
	if _, err := tracerConfig(); err == nil {
		t.Error("invalid exclusion policy accepted")
	}
}

func TestScanSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF only")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	entry, err := linutil.ELFEntry(exe)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { scanChecks = nil }()
	scanChecks = []string{fmt.Sprintf("%#x", entry), "0x1"}

	var out bytes.Buffer
	if status := scan(exe, &out); status != 0 {
		t.Fatalf("status %d: %s", status, out.String())
	}
	for _, want := range []string{
		fmt.Sprintf("entry\t%#x\n", entry),
		"include\t[",
		fmt.Sprintf("check\t%#x traced\n", entry),
		"check\t0x1 outside image\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q in\n%s", want, out.String())
		}
	}
}

func TestNewCommandTree(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(cfgPath, []byte("entrypoint: main\nexclusion-policy: first\ndiff-ignore: [RSP]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.ConfigEnv, cfgPath)

	root := New(false)
	for _, name := range []string{"exec", "attach", "scan", "diff", "version", "log"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %s not found: %v", name, err)
		}
	}
	if f := root.PersistentFlags().Lookup("entrypoint"); f == nil || f.DefValue != "main" {
		t.Errorf("entrypoint default not taken from the configuration file: %+v", f)
	}
	if f := root.PersistentFlags().Lookup("exclusion-policy"); f == nil || f.DefValue != "first" {
		t.Errorf("exclusion-policy default not taken from the configuration file: %+v", f)
	}
	diffCmd, _, _ := root.Find([]string{"diff"})
	if f := diffCmd.Flags().Lookup("ignore"); f == nil || f.DefValue != "[RSP]" {
		t.Errorf("diff --ignore default not taken from the configuration file: %+v", f)
	}
}

type instruction struct {
	addr  uint64
	hooks []regtrace.Hook
}

func (ins *instruction) Address() uint64 {
	return ins.addr
}

func (ins *instruction) InsertCallBefore(h regtrace.Hook) {
	ins.hooks = append(ins.hooks, h)
}

// traceToStderr runs a tracing session with the default destinations,
// standard streams redirected to files, and returns what was written to
// standard error and standard output.
func traceToStderr(t *testing.T) (stderr, stdout string) {
	t.Helper()
	dir := t.TempDir()
	errf, err := os.Create(filepath.Join(dir, "stderr"))
	if err != nil {
		t.Fatal(err)
	}
	outf, err := os.Create(filepath.Join(dir, "stdout"))
	if err != nil {
		t.Fatal(err)
	}
	oldStderr, oldStdout := os.Stderr, os.Stdout
	os.Stderr, os.Stdout = errf, outf
	defer func() {
		os.Stderr, os.Stdout = oldStderr, oldStdout
		errf.Close()
		outf.Close()
	}()

	output, logDest = "", ""
	if err := setupLogging(); err != nil {
		t.Fatal(err)
	}
	defer logflags.Close()
	out, err := openOutput(output)
	if err != nil {
		t.Fatal(err)
	}
	tr := regtrace.New(regtrace.Config{Entry: regtrace.EntryPoint{Addr: 0x401000}, Output: out})
	// a static binary, without .plt
	tr.ImageLoaded(&regtrace.Image{Name: "/tmp/static", Low: 0x401000, High: 0x402000, PtrSize: 8})
	for _, pc := range []uint64{0x401000, 0x401004, 0x401008} {
		ins := &instruction{addr: pc}
		tr.InstructionDiscovered(ins)
		for _, h := range ins.hooks {
			h(&linutil.AMD64PtraceRegs{Rip: pc, Rax: pc - 0x401000, Rsp: 0x7ffffffde000})
		}
	}
	tr.Fini(0)
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	e, err := os.ReadFile(errf.Name())
	if err != nil {
		t.Fatal(err)
	}
	o, err := os.ReadFile(outf.Name())
	if err != nil {
		t.Fatal(err)
	}
	return string(e), string(o)
}

func TestTraceOnStderrIsDeterministic(t *testing.T) {
	trace1, diag := traceToStderr(t)
	trace2, _ := traceToStderr(t)
	if trace1 != trace2 {
		t.Fatalf("identical sessions produced different traces:\n%s\n%s", trace1, trace2)
	}
	lines := strings.Split(strings.TrimSuffix(trace1, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", trace1)
	}
	for _, line := range lines {
		if !regtrace.IsTraceLine(line) {
			t.Errorf("not a trace line: %q", line)
		}
	}
	if !strings.Contains(diag, "has no [.plt] section") {
		t.Errorf("missing .plt diagnostic on standard output: %q", diag)
	}
}
