package linutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	_AT_NULL  = 0
	_AT_BASE  = 7
	_AT_ENTRY = 9
)

// readUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}

// ReadAuxv returns the contents of /proc/<pid>/auxv.
func ReadAuxv(pid int) ([]byte, error) {
	return os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
}

// EntryPointFromAuxv searches the elf auxiliary vector for the entry point
// address.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
// System V Application Binary Interface, Intel386 Architecture Processor
// Supplement (fourth edition), section 3-28.
func EntryPointFromAuxv(auxv []byte, ptrSize int) uint64 {
	return auxvLookup(auxv, ptrSize, _AT_ENTRY)
}

// InterpreterBaseFromAuxv returns the load address of the dynamic linker,
// 0 for statically linked programs.
func InterpreterBaseFromAuxv(auxv []byte, ptrSize int) uint64 {
	return auxvLookup(auxv, ptrSize, _AT_BASE)
}

// ProcessEntry returns the entry point of the program running as pid and
// the address of its dynamic linker, 0 if it has none. The word size of
// the auxiliary vector is the ELF class of /proc/<pid>/exe.
func ProcessEntry(pid int) (entry, interp uint64, err error) {
	f, err := elf.Open(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return 0, 0, err
	}
	size := ptrSize(f)
	f.Close()
	if size == 0 {
		return 0, 0, fmt.Errorf("process %d: unknown ELF class", pid)
	}
	auxv, err := ReadAuxv(pid)
	if err != nil {
		return 0, 0, err
	}
	entry = EntryPointFromAuxv(auxv, size)
	if entry == 0 {
		return 0, 0, fmt.Errorf("process %d: no AT_ENTRY in auxiliary vector", pid)
	}
	return entry, InterpreterBaseFromAuxv(auxv, size), nil
}

func auxvLookup(auxv []byte, ptrSize int, want uint64) uint64 {
	rd := bytes.NewBuffer(auxv)

	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}

		switch tag {
		case _AT_NULL:
			return 0
		case want:
			return val
		}
	}
}
