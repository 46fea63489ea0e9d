package helphelpers

import (
	"testing"

	"github.com/spf13/cobra"
)

func newTree() (root, diff, exec *cobra.Command) {
	root = &cobra.Command{Use: "regtrace"}
	root.PersistentFlags().String("entrypoint", "", "")
	root.PersistentFlags().String("output", "", "")
	root.PersistentFlags().Bool("log", false, "")
	diff = &cobra.Command{Use: "diff", Run: func(*cobra.Command, []string) {}}
	diff.Flags().StringSlice("ignore", nil, "")
	exec = &cobra.Command{Use: "exec", Run: func(*cobra.Command, []string) {}}
	exec.Flags().Bool("fast-forward", false, "")
	root.AddCommand(diff, exec)
	return root, diff, exec
}

func TestPrepareDiff(t *testing.T) {
	_, diff, _ := newTree()
	Prepare(diff)
	for name, hidden := range map[string]bool{"entrypoint": true, "output": true, "log": false, "ignore": false} {
		f := diff.Flags().Lookup(name)
		if f == nil {
			f = diff.InheritedFlags().Lookup(name)
		}
		if f == nil {
			t.Fatalf("flag %s not found", name)
		}
		if f.Hidden != hidden {
			t.Errorf("flag %s: hidden %v", name, f.Hidden)
		}
	}
}

func TestPrepareExec(t *testing.T) {
	_, _, exec := newTree()
	Prepare(exec)
	if f := exec.InheritedFlags().Lookup("entrypoint"); f == nil || f.Hidden {
		t.Errorf("entrypoint hidden for exec: %+v", f)
	}
}

func TestPrepareRoot(t *testing.T) {
	root, _, _ := newTree()
	Prepare(root)
	for _, name := range []string{"entrypoint", "output", "log"} {
		if f := root.PersistentFlags().Lookup(name); !f.Hidden {
			t.Errorf("flag %s not hidden", name)
		}
	}
}
