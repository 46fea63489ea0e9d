package linutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Inode      uint64
	Path       string
}

// Contains returns true if addr is inside the mapping.
func (m *Mapping) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End
}

// Executable returns true if the mapping has execute permission.
func (m *Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// FileBacked returns true for mappings of regular files, as opposed to
// anonymous memory and pseudo mappings like [stack] or [vdso].
func (m *Mapping) FileBacked() bool {
	return m.Inode != 0 && strings.HasPrefix(m.Path, "/")
}

// ReadMaps parses /proc/<pid>/maps.
func ReadMaps(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMaps(f)
}

// ParseMaps parses the format of /proc/<pid>/maps, see proc(5):
//
//	address           perms offset  dev   inode       pathname
//	00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	s := bufio.NewScanner(r)
	for lineno := 1; s.Scan(); lineno++ {
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := parseMapsLine(line)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %w", lineno, err)
		}
		maps = append(maps, m)
	}
	return maps, s.Err()
}

func parseMapsLine(line string) (Mapping, error) {
	var m Mapping
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return m, fmt.Errorf("malformed line %q", line)
	}
	dash := strings.IndexByte(fields[0], '-')
	if dash < 0 {
		return m, fmt.Errorf("malformed address range %q", fields[0])
	}
	var err error
	if m.Start, err = strconv.ParseUint(fields[0][:dash], 16, 64); err != nil {
		return m, err
	}
	if m.End, err = strconv.ParseUint(fields[0][dash+1:], 16, 64); err != nil {
		return m, err
	}
	m.Perms = fields[1]
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return m, err
	}
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return m, err
	}
	if len(fields) > 5 {
		// paths may contain spaces
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, nil
}
