package regtrace

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// RegisterDescriptor names one register of a RegisterTable. Reg is an
// opaque handle that the host's RegisterFile knows how to read.
type RegisterDescriptor struct {
	Name string
	Reg  x86asm.Reg
}

// RegisterTable is the ordered list of registers written on every trace
// line. The first register must be the instruction pointer.
type RegisterTable struct {
	Name      string
	PtrSize   int
	Registers []RegisterDescriptor
}

// Width returns the number of hexadecimal digits used for every value.
func (t *RegisterTable) Width() int {
	return t.PtrSize * 2
}

// PC returns the descriptor of the instruction pointer.
func (t *RegisterTable) PC() RegisterDescriptor {
	return t.Registers[0]
}

func (t *RegisterTable) String() string {
	return fmt.Sprintf("%s (%d registers, %d digits)", t.Name, len(t.Registers), t.Width())
}

// AMD64Registers is the register table used for 64-bit images.
var AMD64Registers = &RegisterTable{
	Name:    "amd64",
	PtrSize: 8,
	Registers: []RegisterDescriptor{
		{"RIP", x86asm.RIP},
		{"RAX", x86asm.RAX},
		{"RBX", x86asm.RBX},
		{"RCX", x86asm.RCX},
		{"RDX", x86asm.RDX},
		{"RSI", x86asm.RSI},
		{"RDI", x86asm.RDI},
		{"RBP", x86asm.RBP},
		{"RSP", x86asm.RSP},
		{"R8", x86asm.R8},
		{"R9", x86asm.R9},
		{"R10", x86asm.R10},
		{"R11", x86asm.R11},
		{"R12", x86asm.R12},
		{"R13", x86asm.R13},
		{"R14", x86asm.R14},
		{"R15", x86asm.R15},
	},
}

// I386Registers is the register table used for 32-bit images.
var I386Registers = &RegisterTable{
	Name:    "386",
	PtrSize: 4,
	Registers: []RegisterDescriptor{
		{"EIP", x86asm.EIP},
		{"EAX", x86asm.EAX},
		{"EBX", x86asm.EBX},
		{"ECX", x86asm.ECX},
		{"EDX", x86asm.EDX},
		{"ESI", x86asm.ESI},
		{"EDI", x86asm.EDI},
		{"EBP", x86asm.EBP},
		{"ESP", x86asm.ESP},
	},
}

// RegisterTableForPtrSize returns the register table for images whose
// pointers are ptrSize bytes wide.
func RegisterTableForPtrSize(ptrSize int) (*RegisterTable, error) {
	switch ptrSize {
	case 8:
		return AMD64Registers, nil
	case 4:
		return I386Registers, nil
	}
	return nil, fmt.Errorf("no register table for pointer size %d", ptrSize)
}

// RegisterFile gives read access to the registers of a stopped thread.
type RegisterFile interface {
	Reg(reg x86asm.Reg) (uint64, error)
}
