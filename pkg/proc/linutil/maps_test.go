package linutil

import (
	"strings"
	"testing"
)

const testMaps = `555555554000-555555556000 r--p 00000000 fd:01 1835078                    /usr/bin/true
555555556000-55555555a000 r-xp 00002000 fd:01 1835078                    /usr/bin/true
55555555a000-55555555c000 r--p 00006000 fd:01 1835078                    /usr/bin/true
55555555d000-55555555e000 rw-p 00008000 fd:01 1835078                    /usr/bin/true
55555555e000-55555557f000 rw-p 00000000 00:00 0                          [heap]
7ffff7fc3000-7ffff7fc7000 r--p 00000000 00:00 0                          [vvar]
7ffff7fc7000-7ffff7fc9000 r-xp 00000000 00:00 0                          [vdso]
7ffff7fc9000-7ffff7fca000 r--p 00000000 fd:01 1837351                    /usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2
7ffff7fca000-7ffff7ff1000 r-xp 00001000 fd:01 1837351                    /usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2
7ffff7ffb000-7ffff7ffd000 r--p 00032000 fd:01 1837351                    /usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2
7ffff7ffd000-7ffff7fff000 rw-p 00034000 fd:01 1837351                    /usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2
7ffffffde000-7ffffffff000 rw-p 00000000 00:00 0                          [stack]
7ffff7e00000-7ffff7e01000 r--p 00000000 fd:01 99                         /tmp/dir with space/lib.so
`

func TestParseMaps(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(testMaps))
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 13 {
		t.Fatalf("expected 13 mappings, got %d", len(maps))
	}
	m := maps[1]
	if m.Start != 0x555555556000 || m.End != 0x55555555a000 || m.Offset != 0x2000 || m.Inode != 1835078 || m.Path != "/usr/bin/true" {
		t.Errorf("unexpected mapping %+v", m)
	}
	if !m.Executable() || maps[0].Executable() {
		t.Error("wrong executable permission")
	}
	if !m.Contains(0x555555556000) || m.Contains(0x55555555a000) {
		t.Error("wrong Contains")
	}
	if maps[4].FileBacked() || maps[6].FileBacked() || !maps[7].FileBacked() {
		t.Error("wrong FileBacked")
	}
	if maps[12].Path != "/tmp/dir with space/lib.so" {
		t.Errorf("path %q", maps[12].Path)
	}
}

func TestParseMapsMalformed(t *testing.T) {
	for _, in := range []string{"zzzz-1000 r--p 0 00:00 0", "1000 r--p 0 00:00 0", "1000-2000 r--p"} {
		if _, err := ParseMaps(strings.NewReader(in)); err == nil {
			t.Errorf("ParseMaps(%q) succeeded", in)
		}
	}
}

func TestGroupImageMappings(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(testMaps))
	if err != nil {
		t.Fatal(err)
	}
	images := GroupImageMappings(maps)
	if len(images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(images))
	}
	if images[0].Path != "/usr/bin/true" || len(images[0].Mappings) != 4 {
		t.Errorf("unexpected first image %+v", images[0])
	}
	low, high := images[0].Range()
	if low != 0x555555554000 || high != 0x55555555e000 {
		t.Errorf("range [%#x, %#x)", low, high)
	}
	if images[1].Path != "/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2" {
		t.Errorf("second image %s", images[1].Path)
	}
}
