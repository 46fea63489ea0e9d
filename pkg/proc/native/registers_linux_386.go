package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/regtrace/regtrace/pkg/proc/linutil"
)

type archRegs = linutil.I386PtraceRegs

func ptraceGetRegs(tid int, regs *archRegs) error {
	return sys.PtraceGetRegs(tid, (*sys.PtraceRegs)(regs))
}

func ptraceSetRegs(tid int, regs *archRegs) error {
	return sys.PtraceSetRegs(tid, (*sys.PtraceRegs)(regs))
}

func setPC(regs *archRegs, pc uint64) {
	regs.Eip = int32(pc)
}

func decodeMode(*archRegs) int {
	return 32
}
