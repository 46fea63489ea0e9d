package linutil

import (
	"debug/elf"
	"fmt"
	"os"
	"sync"

	"github.com/regtrace/regtrace/pkg/regtrace"
)

// ImageMappings are the mappings of one file, in address order.
type ImageMappings struct {
	Path     string
	Mappings []Mapping
}

// Range returns the lowest and highest (exclusive) mapped address.
func (im *ImageMappings) Range() (low, high uint64) {
	for i, m := range im.Mappings {
		if i == 0 || m.Start < low {
			low = m.Start
		}
		if m.End > high {
			high = m.End
		}
	}
	return low, high
}

// GroupImageMappings groups the file backed mappings of maps by path. The
// result is ordered by the lowest address of each file.
func GroupImageMappings(maps []Mapping) []ImageMappings {
	var r []ImageMappings
	idx := make(map[string]int)
	for _, m := range maps {
		if !m.FileBacked() {
			continue
		}
		i, ok := idx[m.Path]
		if !ok {
			i = len(r)
			idx[m.Path] = i
			r = append(r, ImageMappings{Path: m.Path})
		}
		r[i].Mappings = append(r[i].Mappings, m)
	}
	return r
}

// LoadImage builds the image descriptor of a file mapped by the traced
// process. The section table is relocated by the load bias, computed from
// the mapping of the lowest file offset.
func LoadImage(im *ImageMappings) (*regtrace.Image, error) {
	f, err := elf.Open(im.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	low, high := im.Range()
	bias, err := loadBias(f, im.Mappings)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", im.Path, err)
	}
	return newImage(f, im.Path, low, high, bias), nil
}

// OpenImageFile builds the image descriptor of an ELF file as if it was
// loaded at its link addresses.
func OpenImageFile(path string) (*regtrace.Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var low, high uint64
	first := true
	pageSize := uint64(os.Getpagesize())
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		start := pageDown(p.Vaddr, pageSize)
		end := pageUp(p.Vaddr+p.Memsz, pageSize)
		if first || start < low {
			low = start
		}
		if end > high {
			high = end
		}
		first = false
	}
	if first {
		return nil, fmt.Errorf("%s: no loadable segments", path)
	}
	return newImage(f, path, low, high, 0), nil
}

// ELFEntry returns the entry point recorded in the ELF header of path.
func ELFEntry(path string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.Entry, nil
}

func newImage(f *elf.File, path string, low, high, bias uint64) *regtrace.Image {
	img := &regtrace.Image{
		Name:    path,
		Low:     low,
		High:    high,
		PtrSize: ptrSize(f),
		Symbols: &elfSymbols{path: path, bias: bias},
	}
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Addr == 0 {
			continue
		}
		img.Sections = append(img.Sections, regtrace.Section{
			Name: s.Name,
			Addr: bias + s.Addr,
			Size: s.Size,
		})
	}
	return img
}

func ptrSize(f *elf.File) int {
	switch f.Class {
	case elf.ELFCLASS64:
		return 8
	case elf.ELFCLASS32:
		return 4
	}
	return 0
}

func loadBias(f *elf.File, maps []Mapping) (uint64, error) {
	if len(maps) == 0 {
		return 0, fmt.Errorf("no mappings")
	}
	pageSize := uint64(os.Getpagesize())
	first := maps[0]
	for _, m := range maps[1:] {
		if m.Offset < first.Offset {
			first = m
		}
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if pageDown(p.Off, pageSize) == first.Offset {
			return first.Start - pageDown(p.Vaddr, pageSize), nil
		}
	}
	return 0, fmt.Errorf("no loadable segment at file offset %#x", first.Offset)
}

func pageDown(addr, pageSize uint64) uint64 {
	return addr &^ (pageSize - 1)
}

func pageUp(addr, pageSize uint64) uint64 {
	return (addr + pageSize - 1) &^ (pageSize - 1)
}

// elfSymbols reads the symbol tables of an ELF file the first time a
// symbol is looked up.
type elfSymbols struct {
	path string
	bias uint64

	once sync.Once
	syms map[string]uint64
}

func (s *elfSymbols) LookupSymbol(name string) (uint64, bool) {
	s.once.Do(s.load)
	v, ok := s.syms[name]
	if !ok {
		return 0, false
	}
	return s.bias + v, true
}

func (s *elfSymbols) load() {
	s.syms = make(map[string]uint64)
	f, err := elf.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()
	// .symtab wins over .dynsym when both define a name
	dyn, _ := f.DynamicSymbols()
	syms, _ := f.Symbols()
	for _, tab := range [][]elf.Symbol{dyn, syms} {
		for _, sym := range tab {
			if sym.Section == elf.SHN_UNDEF || sym.Value == 0 || sym.Name == "" {
				continue
			}
			switch elf.ST_TYPE(sym.Info) {
			case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
				s.syms[sym.Name] = sym.Value
			}
		}
	}
}
