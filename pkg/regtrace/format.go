package regtrace

import (
	"fmt"
	"strconv"
)

// Formatter renders register snapshots as trace lines.
type Formatter struct {
	table *RegisterTable
	width int
}

// NewFormatter returns a Formatter for table.
func NewFormatter(table *RegisterTable) *Formatter {
	return &Formatter{table: table, width: table.Width()}
}

// Table returns the register table used by f.
func (f *Formatter) Table() *RegisterTable {
	return f.table
}

// AppendLine appends to dst one NAME=VALUE token per register of the
// table, in table order, separated by a single space. Values are lower
// case hexadecimal, zero padded to the table width. No newline is added.
func (f *Formatter) AppendLine(dst []byte, regs RegisterFile) ([]byte, error) {
	for i, rd := range f.table.Registers {
		v, err := regs.Reg(rd.Reg)
		if err != nil {
			return dst, fmt.Errorf("could not read %s: %w", rd.Name, err)
		}
		if i > 0 {
			dst = append(dst, ' ')
		}
		dst = append(dst, rd.Name...)
		dst = append(dst, '=')
		dst = appendHex(dst, v, f.width)
	}
	return dst, nil
}

// FormatLine is like AppendLine but returns a string.
func (f *Formatter) FormatLine(regs RegisterFile) (string, error) {
	b, err := f.AppendLine(make([]byte, 0, len(f.table.Registers)*(f.width+5)), regs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func appendHex(dst []byte, v uint64, width int) []byte {
	var buf [16]byte
	digits := strconv.AppendUint(buf[:0], v, 16)
	for i := len(digits); i < width; i++ {
		dst = append(dst, '0')
	}
	return append(dst, digits...)
}
