package regtrace

import (
	"fmt"
	"strings"

	"github.com/derekparker/trie"
)

// Section is one entry of an image's section table, with Addr already
// relocated to the address the image was loaded at.
type Section struct {
	Name string
	Addr uint64
	Size uint64
}

// Range returns the addresses covered by the section.
func (s Section) Range() AddressRange {
	return AddressRange{Low: s.Addr, High: s.Addr + s.Size}
}

// SymbolTable resolves symbol names to load addresses.
type SymbolTable interface {
	LookupSymbol(name string) (uint64, bool)
}

// Image describes a module (executable or shared object) loaded in the
// traced process.
type Image struct {
	Name      string
	Low, High uint64
	// PtrSize is the pointer size of the image's architecture, 0 if unknown.
	PtrSize  int
	Sections []Section
	// Symbols may be nil.
	Symbols SymbolTable
}

// Range returns the addresses spanned by the image.
func (img *Image) Range() AddressRange {
	return AddressRange{Low: img.Low, High: img.High}
}

func (img *Image) String() string {
	return fmt.Sprintf("%s %s", img.Name, img.Range())
}

// DefaultExclusionMarkers are the section names excluded when none are
// configured: the procedure linkage table of the dynamic linker.
var DefaultExclusionMarkers = []string{".plt"}

// MarkerSet is a case-insensitive set of section names.
type MarkerSet struct {
	t     *trie.Trie
	names []string
}

// NewMarkerSet returns a MarkerSet containing names.
func NewMarkerSet(names ...string) *MarkerSet {
	m := &MarkerSet{t: trie.New()}
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		if _, found := m.t.Find(key); found {
			continue
		}
		m.t.Add(key, name)
		m.names = append(m.names, name)
	}
	return m
}

// Match returns true if section matches one of the markers.
func (m *MarkerSet) Match(section string) bool {
	_, found := m.t.Find(strings.ToLower(section))
	return found
}

// Names returns the markers in the order they were added.
func (m *MarkerSet) Names() []string {
	return m.names
}

// ExclusionPolicy decides which sections are excluded when more than one
// section of the traced image matches an exclusion marker.
type ExclusionPolicy uint8

const (
	// ExcludeLast excludes only the last matching section of the table.
	ExcludeLast ExclusionPolicy = iota
	// ExcludeFirst excludes only the first matching section of the table.
	ExcludeFirst
	// ExcludeUnion excludes every matching section.
	ExcludeUnion
)

func (p ExclusionPolicy) String() string {
	switch p {
	case ExcludeLast:
		return "last"
	case ExcludeFirst:
		return "first"
	case ExcludeUnion:
		return "union"
	}
	return fmt.Sprintf("ExclusionPolicy(%d)", uint8(p))
}

// ParseExclusionPolicy parses "last", "first" or "union". The empty string
// selects ExcludeLast.
func ParseExclusionPolicy(s string) (ExclusionPolicy, error) {
	switch strings.ToLower(s) {
	case "", "last":
		return ExcludeLast, nil
	case "first":
		return ExcludeFirst, nil
	case "union":
		return ExcludeUnion, nil
	}
	return ExcludeLast, fmt.Errorf("unknown exclusion policy %q (want last, first or union)", s)
}

// ImageRanges is the outcome of scanning the image that contains the
// entry point.
type ImageRanges struct {
	Image     string
	PtrSize   int
	Inclusion AddressRange
	Exclusion []AddressRange
	// Matched lists every section that matched an exclusion marker, in
	// section table order, regardless of policy.
	Matched []Section
}

// Excludes returns true if addr falls in one of the exclusion ranges.
func (r *ImageRanges) Excludes(addr uint64) bool {
	for _, x := range r.Exclusion {
		if x.Contains(addr) {
			return true
		}
	}
	return false
}

// ScanImage checks whether entry lies inside img. If it does the image
// bounds become the inclusion range and the sections matching markers
// become the exclusion ranges, chosen according to policy.
func ScanImage(img *Image, entry uint64, markers *MarkerSet, policy ExclusionPolicy) (ImageRanges, bool) {
	if !img.Range().Contains(entry) {
		return ImageRanges{}, false
	}
	r := ImageRanges{
		Image:     img.Name,
		PtrSize:   img.PtrSize,
		Inclusion: img.Range(),
	}
	for _, sec := range img.Sections {
		if markers != nil && markers.Match(sec.Name) {
			r.Matched = append(r.Matched, sec)
		}
	}
	if len(r.Matched) == 0 {
		return r, true
	}
	switch policy {
	case ExcludeFirst:
		r.Exclusion = []AddressRange{r.Matched[0].Range()}
	case ExcludeUnion:
		for _, sec := range r.Matched {
			r.Exclusion = append(r.Exclusion, sec.Range())
		}
	default:
		r.Exclusion = []AddressRange{r.Matched[len(r.Matched)-1].Range()}
	}
	return r, true
}
