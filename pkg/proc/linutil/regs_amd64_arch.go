package linutil

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// AMD64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for AMD64 CPUs. It is also what a 64-bit
// tracer receives for 32-bit tracees, with the 32-bit registers in the low
// half of their 64-bit counterparts.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// PC returns the value of RIP.
func (r *AMD64PtraceRegs) PC() uint64 {
	return r.Rip
}

// Reg returns the value of the specified register. Both the 64-bit
// registers and their 32-bit halves can be read.
func (r *AMD64PtraceRegs) Reg(reg x86asm.Reg) (uint64, error) {
	switch reg {
	case x86asm.RIP:
		return r.Rip, nil
	case x86asm.RAX:
		return r.Rax, nil
	case x86asm.RBX:
		return r.Rbx, nil
	case x86asm.RCX:
		return r.Rcx, nil
	case x86asm.RDX:
		return r.Rdx, nil
	case x86asm.RSI:
		return r.Rsi, nil
	case x86asm.RDI:
		return r.Rdi, nil
	case x86asm.RBP:
		return r.Rbp, nil
	case x86asm.RSP:
		return r.Rsp, nil
	case x86asm.R8:
		return r.R8, nil
	case x86asm.R9:
		return r.R9, nil
	case x86asm.R10:
		return r.R10, nil
	case x86asm.R11:
		return r.R11, nil
	case x86asm.R12:
		return r.R12, nil
	case x86asm.R13:
		return r.R13, nil
	case x86asm.R14:
		return r.R14, nil
	case x86asm.R15:
		return r.R15, nil
	case x86asm.EIP:
		return r.Rip & 0xffffffff, nil
	case x86asm.EAX:
		return r.Rax & 0xffffffff, nil
	case x86asm.EBX:
		return r.Rbx & 0xffffffff, nil
	case x86asm.ECX:
		return r.Rcx & 0xffffffff, nil
	case x86asm.EDX:
		return r.Rdx & 0xffffffff, nil
	case x86asm.ESI:
		return r.Rsi & 0xffffffff, nil
	case x86asm.EDI:
		return r.Rdi & 0xffffffff, nil
	case x86asm.EBP:
		return r.Rbp & 0xffffffff, nil
	case x86asm.ESP:
		return r.Rsp & 0xffffffff, nil
	}
	return 0, fmt.Errorf("register %v not available on amd64", reg)
}
