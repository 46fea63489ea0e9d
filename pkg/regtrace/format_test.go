package regtrace

import (
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

var tinyTable = &RegisterTable{
	Name:    "tiny",
	PtrSize: 2,
	Registers: []RegisterDescriptor{
		{"IP", x86asm.IP},
		{"A", x86asm.AX},
		{"B", x86asm.BX},
		{"C", x86asm.CX},
	},
}

func TestFormatLineTinyTable(t *testing.T) {
	f := NewFormatter(tinyTable)
	line, err := f.FormatLine(fakeRegs{x86asm.IP: 0x1000, x86asm.AX: 0x2, x86asm.BX: 0, x86asm.CX: 0xff})
	if err != nil {
		t.Fatal(err)
	}
	const want = "IP=1000 A=0002 B=0000 C=00ff"
	if line != want {
		t.Fatalf("got %q, want %q", line, want)
	}
}

func TestFormatLineAMD64(t *testing.T) {
	f := NewFormatter(AMD64Registers)
	regs := fakeRegs{x86asm.RIP: 0x401126, x86asm.RSP: 0x7fffffffe3a8, x86asm.R15: 0xffffffffffffffff}
	line, err := f.FormatLine(regs)
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Split(line, " ")
	if len(fields) != len(AMD64Registers.Registers) {
		t.Fatalf("expected %d fields, got %d: %q", len(AMD64Registers.Registers), len(fields), line)
	}
	for i, field := range fields {
		name := AMD64Registers.Registers[i].Name
		if !strings.HasPrefix(field, name+"=") || len(field) != len(name)+1+16 {
			t.Errorf("field %d: %q", i, field)
		}
	}
	if fields[0] != "RIP=0000000000401126" {
		t.Errorf("first field %q", fields[0])
	}
	if fields[8] != "RSP=00007fffffffe3a8" {
		t.Errorf("RSP field %q", fields[8])
	}
	if fields[16] != "R15=ffffffffffffffff" {
		t.Errorf("R15 field %q", fields[16])
	}
}

func TestFormatLineI386Width(t *testing.T) {
	f := NewFormatter(I386Registers)
	line, err := f.FormatLine(fakeRegs{x86asm.EIP: 0x8049000, x86asm.EAX: 0xdeadbeef})
	if err != nil {
		t.Fatal(err)
	}
	const want = "EIP=08049000 EAX=deadbeef EBX=00000000 ECX=00000000 EDX=00000000 ESI=00000000 EDI=00000000 EBP=00000000 ESP=00000000"
	if line != want {
		t.Fatalf("got %q\nwant %q", line, want)
	}
}

func TestFormatLineWideValueNotTruncated(t *testing.T) {
	f := NewFormatter(tinyTable)
	line, err := f.FormatLine(fakeRegs{x86asm.IP: 0x12345})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "IP=12345 ") {
		t.Fatalf("got %q", line)
	}
}

func TestFormatLineRegisterError(t *testing.T) {
	table := &RegisterTable{Name: "bad", PtrSize: 8, Registers: []RegisterDescriptor{{"RIP", x86asm.RIP}, {"CR0", x86asm.CR0}}}
	if _, err := NewFormatter(table).FormatLine(fakeRegs{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRegisterTableForPtrSize(t *testing.T) {
	for _, tc := range []struct {
		ptrSize int
		want    *RegisterTable
	}{
		{8, AMD64Registers},
		{4, I386Registers},
	} {
		got, err := RegisterTableForPtrSize(tc.ptrSize)
		if err != nil || got != tc.want {
			t.Errorf("RegisterTableForPtrSize(%d) = %v, %v", tc.ptrSize, got, err)
		}
		if got.PC().Name[1:] != "IP" {
			t.Errorf("first register of %s is %s", got.Name, got.PC().Name)
		}
	}
	if _, err := RegisterTableForPtrSize(2); err == nil {
		t.Error("expected error for pointer size 2")
	}
}
