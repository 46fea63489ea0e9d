//go:build ignore

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/regtrace/regtrace/cmd/regtrace/cmds"
	"github.com/regtrace/regtrace/cmd/regtrace/cmds/helphelpers"
	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0o755); err != nil {
		log.Fatal(err)
	}
	root := cmds.New(true)

	cmdnames := []string{}
	for _, subcmd := range root.Commands() {
		cmdnames = append(cmdnames, subcmd.Name())
	}
	helphelpers.Prepare(root)
	genPage(root, filepath.Join(usageDir, "regtrace.md"))
	// Prepare hides flags shared with the root command, each page needs
	// a fresh tree.
	for _, cmdname := range cmdnames {
		cmd, _, err := cmds.New(true).Find([]string{cmdname})
		if err != nil {
			log.Fatal(err)
		}
		helphelpers.Prepare(cmd)
		genPage(cmd, filepath.Join(usageDir, "regtrace_"+cmdname+".md"))
	}
	fh, err := os.OpenFile(filepath.Join(usageDir, "regtrace.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to regtrace.md: %v", err)
	}
	defer fh.Close()
	fmt.Fprintln(fh, "* [regtrace log](regtrace_log.md)\t - Help about logging flags")
}

func genPage(cmd *cobra.Command, path string) {
	fh, err := os.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	defer fh.Close()
	if err := doc.GenMarkdown(cmd, fh); err != nil {
		log.Fatalf("generating %s: %v", path, err)
	}
}
