package regtrace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Field is one NAME=VALUE token of a trace line.
type Field struct {
	Name  string
	Value uint64
}

// ParseLine splits a trace line into its fields.
func ParseLine(line string) ([]Field, error) {
	toks := strings.Fields(line)
	fields := make([]Field, 0, len(toks))
	for _, tok := range toks {
		eq := strings.IndexByte(tok, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed field %q", tok)
		}
		v, err := strconv.ParseUint(tok[eq+1:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed value in %q: %w", tok, err)
		}
		fields = append(fields, Field{Name: tok[:eq], Value: v})
	}
	return fields, nil
}

// IsTraceLine returns true if line is made of NAME=VALUE fields only.
func IsTraceLine(line string) bool {
	fields, err := ParseLine(line)
	return err == nil && len(fields) > 0
}

// Divergence describes the first difference between two traces.
type Divergence struct {
	// Line is the 1-based index of the first differing trace line. Lines
	// that are not trace lines are not counted.
	Line int
	// Want and Got are the differing lines, empty if that trace ended.
	Want, Got string
	// Registers lists the registers whose values differ. It is empty if
	// one of the traces ended or the lines have different layouts.
	Registers []string
}

func (d *Divergence) String() string {
	switch {
	case d.Want == "":
		return fmt.Sprintf("line %d: expected end of trace, got %q", d.Line, d.Got)
	case d.Got == "":
		return fmt.Sprintf("line %d: trace ended, expected %q", d.Line, d.Want)
	case len(d.Registers) == 0:
		return fmt.Sprintf("line %d: layout differs\n- %s\n+ %s", d.Line, d.Want, d.Got)
	}
	return fmt.Sprintf("line %d: %s differ\n- %s\n+ %s", d.Line, strings.Join(d.Registers, ", "), d.Want, d.Got)
}

// Compare reads two traces in lock step and returns the first divergence,
// or nil if they are equal. Registers named in ignore (case-insensitive)
// are not compared. Lines that are not trace lines, such as diagnostics or
// the output of the traced program on a shared stream, are skipped.
func Compare(want, got io.Reader, ignore []string) (*Divergence, error) {
	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[strings.ToUpper(name)] = true
	}
	ws := newTraceScanner(want)
	gs := newTraceScanner(got)

	for lineno := 1; ; lineno++ {
		wok, gok := ws.next(), gs.next()
		if !wok || !gok {
			if err := ws.Err(); err != nil {
				return nil, err
			}
			if err := gs.Err(); err != nil {
				return nil, err
			}
			switch {
			case wok:
				return &Divergence{Line: lineno, Want: ws.Text()}, nil
			case gok:
				return &Divergence{Line: lineno, Got: gs.Text()}, nil
			}
			return nil, nil
		}
		if ws.Text() == gs.Text() {
			continue
		}
		d, err := compareLines(ws.Text(), gs.Text(), skip)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		if d != nil {
			d.Line = lineno
			return d, nil
		}
	}
}

func compareLines(want, got string, skip map[string]bool) (*Divergence, error) {
	wf, err := ParseLine(want)
	if err != nil {
		return nil, err
	}
	gf, err := ParseLine(got)
	if err != nil {
		return nil, err
	}
	d := &Divergence{Want: want, Got: got}
	if len(wf) != len(gf) {
		return d, nil
	}
	for i := range wf {
		if wf[i].Name != gf[i].Name {
			d.Registers = nil
			return d, nil
		}
		if skip[strings.ToUpper(wf[i].Name)] {
			continue
		}
		if wf[i].Value != gf[i].Value {
			d.Registers = append(d.Registers, wf[i].Name)
		}
	}
	if len(d.Registers) == 0 {
		// only ignored registers, or padding, differ
		return nil, nil
	}
	return d, nil
}

type traceScanner struct {
	*bufio.Scanner
}

func newTraceScanner(r io.Reader) traceScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	return traceScanner{s}
}

// next advances to the next trace line.
func (s traceScanner) next() bool {
	for s.Scan() {
		if IsTraceLine(s.Text()) {
			return true
		}
	}
	return false
}
