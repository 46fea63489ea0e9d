//go:build !linux || !(amd64 || 386)

package native

import (
	"context"

	"github.com/regtrace/regtrace/pkg/regtrace"
)

// Process is not supported on this platform.
type Process struct{}

// Launch returns ErrNativeBackendDisabled.
func Launch(_ []string, _ LaunchConfig) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int, _ int) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

func (*Process) Pid() int { return 0 }
func (*Process) AddImageLoadFunc(func(*regtrace.Image)) {}
func (*Process) AddInstructionFunc(func(regtrace.Instruction)) {}
func (*Process) AddFiniFunc(func(int)) {}
func (*Process) FlushCodeCache() {}
func (*Process) FastForward(func() (uint64, bool)) {}

// Run returns ErrNativeBackendDisabled.
func (*Process) Run(context.Context) (int, error) {
	return 0, ErrNativeBackendDisabled
}
