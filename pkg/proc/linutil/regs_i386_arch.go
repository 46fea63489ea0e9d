package linutil

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// I386PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for I386 CPUs.
type I386PtraceRegs struct {
	Ebx      int32
	Ecx      int32
	Edx      int32
	Esi      int32
	Edi      int32
	Ebp      int32
	Eax      int32
	Xds      int32
	Xes      int32
	Xfs      int32
	Xgs      int32
	Orig_eax int32
	Eip      int32
	Xcs      int32
	Eflags   int32
	Esp      int32
	Xss      int32
}

// PC returns the value of EIP.
func (r *I386PtraceRegs) PC() uint64 {
	return uint64(uint32(r.Eip))
}

// Reg returns the value of the specified register.
func (r *I386PtraceRegs) Reg(reg x86asm.Reg) (uint64, error) {
	var v int32
	switch reg {
	case x86asm.EIP:
		v = r.Eip
	case x86asm.EAX:
		v = r.Eax
	case x86asm.EBX:
		v = r.Ebx
	case x86asm.ECX:
		v = r.Ecx
	case x86asm.EDX:
		v = r.Edx
	case x86asm.ESI:
		v = r.Esi
	case x86asm.EDI:
		v = r.Edi
	case x86asm.EBP:
		v = r.Ebp
	case x86asm.ESP:
		v = r.Esp
	default:
		return 0, fmt.Errorf("register %v not available on 386", reg)
	}
	return uint64(uint32(v)), nil
}
