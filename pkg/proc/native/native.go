// Package native is a regtrace.Host that runs the traced program under
// ptrace(2), one instruction at a time.
package native

import (
	"errors"
	"os"
)

// ErrNativeBackendDisabled is returned on platforms where processes can
// not be traced.
var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// ErrProcessExited is returned by Run when the process was already run
// to completion.
var ErrProcessExited = errors.New("process already exited")

// DefaultCodeCacheSize is the number of instrumented addresses remembered
// when LaunchConfig.CodeCacheSize is 0.
const DefaultCodeCacheSize = 1 << 16

// LaunchConfig describes how a process is started.
type LaunchConfig struct {
	// Wd is the working directory of the process.
	Wd string
	// DisableASLR runs the process with address space randomization
	// disabled, so that two runs produce the same addresses.
	DisableASLR bool
	// TTY is the path of a terminal used as the controlling terminal
	// and standard streams of the process.
	TTY string
	// Stdin, Stdout and Stderr default to the tracer's own.
	Stdin, Stdout, Stderr *os.File
	// CodeCacheSize is the number of instrumented addresses remembered.
	CodeCacheSize int
}
