package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

const RegtraceMainPackagePath = "github.com/regtrace/regtrace/cmd/regtrace"

var Verbose bool
var Short bool
var TestSet, TestRegex string

func NewMakeCommands() *cobra.Command {
	RootCommand := &cobra.Command{
		Use:   "make.go",
		Short: "make script for regtrace.",
	}

	RootCommand.AddCommand(&cobra.Command{
		Use:   "build",
		Short: "Build regtrace",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "build", buildFlags(), RegtraceMainPackagePath)
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs regtrace",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "install", buildFlags(), RegtraceMainPackagePath)
			fmt.Printf("installed %s\n", installedExecutablePath())
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Uninstalls regtrace",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "clean", "-i", RegtraceMainPackagePath)
		},
	})

	test := &cobra.Command{
		Use:   "test",
		Short: "Tests regtrace",
		Long: `Tests regtrace.

Use -s to restrict the run to one package, named by its import path or its
last path element, and -r to select tests in it. Tracing tests need
ptrace(2) and are skipped when the kernel refuses it.
`,
		Run: testCmd,
	}
	test.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose tests")
	test.PersistentFlags().BoolVarP(&Short, "short", "", false, "Skip tests that single step a whole dynamic loader")
	test.PersistentFlags().StringVarP(&TestSet, "test-set", "s", "", "Package to test, all packages by default")
	test.PersistentFlags().StringVarP(&TestRegex, "test-run", "r", "", "Only runs the tests matching the specified regex, requires --test-set")
	RootCommand.AddCommand(test)

	return RootCommand
}

func strflatten(args []interface{}) []string {
	out := []string{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			if arg != "" {
				out = append(out, arg)
			}
		case []string:
			out = append(out, arg...)
		}
	}
	return out
}

func executeq(cmd string, args ...interface{}) {
	x := exec.Command(cmd, strflatten(args)...)
	x.Stdout = os.Stdout
	x.Stderr = os.Stderr
	x.Env = os.Environ()
	if err := x.Run(); err != nil {
		log.Fatal(err)
	}
}

func execute(cmd string, args ...interface{}) {
	fmt.Printf("%s %s\n", cmd, strings.Join(quotemaybe(strflatten(args)), " "))
	executeq(cmd, args...)
}

func quotemaybe(args []string) []string {
	for i := range args {
		if strings.Contains(args[i], " ") {
			args[i] = fmt.Sprintf("%q", args[i])
		}
	}
	return args
}

func getoutput(cmd string, args ...interface{}) string {
	x := exec.Command(cmd, strflatten(args)...)
	x.Env = os.Environ()
	out, err := x.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		log.Fatal(err)
	}
	return string(out)
}

func installedExecutablePath() string {
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		return filepath.Join(gobin, "regtrace")
	}
	gopath := strings.Split(getoutput("go", "env", "GOPATH"), ":")
	return filepath.Join(strings.TrimSpace(gopath[0]), "bin", "regtrace")
}

func buildFlags() []string {
	buildSHA, err := exec.Command("git", "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		// Source tarballs have no history.
		return nil
	}
	return []string{"-ldflags=-X main.Build=" + strings.TrimSpace(string(buildSHA))}
}

func testFlags() []string {
	testFlags := []string{"-count", "1", "-p", "1"}
	if Verbose {
		testFlags = append(testFlags, "-v")
	}
	if Short {
		testFlags = append(testFlags, "-short")
	}
	return testFlags
}

func testCmd(cmd *cobra.Command, args []string) {
	if TestRegex != "" && TestSet == "" {
		fmt.Printf("Can not use --test-run without --test-set\n")
		os.Exit(1)
	}
	testPackages := testSetToPackages(TestSet)
	if len(testPackages) == 0 {
		fmt.Printf("Unknown test set %q\n", TestSet)
		os.Exit(1)
	}
	if TestRegex != "" {
		execute("go", "test", testFlags(), testPackages, "-run="+TestRegex)
		return
	}
	execute("go", "test", testFlags(), testPackages)
}

func testSetToPackages(testSet string) []string {
	if testSet == "" || testSet == "all" {
		return allPackages()
	}
	for _, pkg := range allPackages() {
		if pkg == testSet || strings.HasSuffix(pkg, "/"+testSet) {
			return []string{pkg}
		}
	}
	return nil
}

func allPackages() []string {
	r := []string{}
	for _, dir := range strings.Split(getoutput("go", "list", "./..."), "\n") {
		dir = strings.TrimSpace(dir)
		if dir == "" || strings.Contains(dir, "/_scripts") {
			continue
		}
		r = append(r, dir)
	}
	sort.Strings(r)
	return r
}

func main() {
	NewMakeCommands().Execute()
}
