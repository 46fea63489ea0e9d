package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding root flags that have no effect on cmd. The tracing flags are
// persistent so that
//
//	regtrace -e main -o trace.log exec ./hello
//
// parses, but diff and version ignore them.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "regtrace", "help", "version":
		hideAllFlags(cmd)
	case "diff":
		hideFlag(cmd, "entrypoint")
		hideFlag(cmd, "exclude-section")
		hideFlag(cmd, "exclusion-policy")
		hideFlag(cmd, "output")
		hideFlag(cmd, "profile")
	case "scan":
		hideFlag(cmd, "output")
		hideFlag(cmd, "profile")
	case "exec", "attach":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
