package regtrace

import (
	"fmt"
	"strconv"
	"strings"
)

// EntryPoint is the configured address where recording starts. It is
// either a numeric address or the name of a symbol, resolved when the first
// image defining it is loaded.
type EntryPoint struct {
	Addr   uint64
	Symbol string
}

// IsZero returns true for the default entry point, which never matches a
// real instruction pointer.
func (e EntryPoint) IsZero() bool {
	return e.Addr == 0 && e.Symbol == ""
}

func (e EntryPoint) String() string {
	if e.Symbol != "" {
		return e.Symbol
	}
	return fmt.Sprintf("%#x", e.Addr)
}

// ErrInvalidEntryPoint is returned by ParseEntryPoint for values that look
// like numbers but are not valid addresses.
type ErrInvalidEntryPoint struct {
	Value string
	Err   error
}

func (e *ErrInvalidEntryPoint) Error() string {
	return fmt.Sprintf("invalid entry point %q: %v", e.Value, e.Err)
}

func (e *ErrInvalidEntryPoint) Unwrap() error {
	return e.Err
}

// ParseEntryPoint parses an entry point setting. The empty string is the
// zero entry point. Values starting with a digit are parsed as addresses
// with strconv base prefixes (0x, 0o, 0b); anything else is a symbol name.
func ParseEntryPoint(s string) (EntryPoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EntryPoint{}, nil
	}
	if s[0] >= '0' && s[0] <= '9' {
		addr, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return EntryPoint{}, &ErrInvalidEntryPoint{Value: s, Err: err}
		}
		return EntryPoint{Addr: addr}, nil
	}
	if strings.ContainsAny(s, " \t\n") {
		return EntryPoint{}, &ErrInvalidEntryPoint{Value: s, Err: fmt.Errorf("symbol names can not contain spaces")}
	}
	return EntryPoint{Symbol: s}, nil
}
