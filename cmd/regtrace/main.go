package main

import (
	"os"

	"github.com/regtrace/regtrace/cmd/regtrace/cmds"
	"github.com/regtrace/regtrace/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RegtraceVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
