package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/regtrace/regtrace/pkg/proc/linutil"
)

type archRegs = linutil.AMD64PtraceRegs

func ptraceGetRegs(tid int, regs *archRegs) error {
	return sys.PtraceGetRegs(tid, (*sys.PtraceRegs)(regs))
}

func ptraceSetRegs(tid int, regs *archRegs) error {
	return sys.PtraceSetRegs(tid, (*sys.PtraceRegs)(regs))
}

func setPC(regs *archRegs, pc uint64) {
	regs.Rip = pc
}

// decodeMode returns the x86asm mode of the code the thread is executing.
func decodeMode(regs *archRegs) int {
	// user code segment of 32-bit processes on x86-64
	if regs.Cs == 0x23 {
		return 32
	}
	return 64
}
