//go:build linux && (amd64 || 386)

package native

import (
	"fmt"
	"os"
	"os/exec"

	isatty "github.com/mattn/go-isatty"
)

// attachProcessToTTY starts process in a new session whose controlling
// terminal is tty, also used for its standard streams. The returned file
// must stay open until the process exits.
func attachProcessToTTY(process *exec.Cmd, tty string) (*os.File, error) {
	f, err := os.OpenFile(tty, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open tty %s: %w", tty, err)
	}
	if !isatty.IsTerminal(f.Fd()) {
		f.Close()
		return nil, fmt.Errorf("could not use %s: is not a terminal", tty)
	}
	process.Stdin, process.Stdout, process.Stderr = f, f, f
	// setsid makes the process the leader of its own process group, which
	// is what requestStop kills.
	process.SysProcAttr.Setpgid = false
	process.SysProcAttr.Setsid = true
	process.SysProcAttr.Setctty = true
	// Ctty is a descriptor number in the child, where the terminal is
	// standard input.
	process.SysProcAttr.Ctty = 0
	return f, nil
}
