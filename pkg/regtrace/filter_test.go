package regtrace

import "testing"

func TestEligibleNestedExclusion(t *testing.T) {
	incl := AddressRange{0x1000, 0x2000}
	excl := []AddressRange{{0x1800, 0x1900}}
	for _, tc := range []struct {
		addr uint64
		want bool
	}{
		{0x1850, false},
		{0x1500, true},
		{0x1000, true},
		{0x1fff, true},
		{0x2000, false},
		{0xfff, false},
		{0x1800, false},
		{0x18ff, false},
		{0x1900, true},
	} {
		if got := Eligible(tc.addr, incl, excl); got != tc.want {
			t.Errorf("Eligible(%#x) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestEligiblePredicate(t *testing.T) {
	incl := AddressRange{0x400, 0x800}
	excl := []AddressRange{{0x500, 0x540}}
	for addr := uint64(0); addr < 0x1000; addr++ {
		want := 0x400 <= addr && addr < 0x800 && !(0x500 <= addr && addr < 0x540)
		if got := Eligible(addr, incl, excl); got != want {
			t.Fatalf("Eligible(%#x) = %v, want %v", addr, got, want)
		}
	}
}

func TestEligibleEmptyRanges(t *testing.T) {
	for _, addr := range []uint64{0, 1, 0x1000, ^uint64(0)} {
		if Eligible(addr, AddressRange{}, nil) {
			t.Errorf("%#x eligible with empty inclusion range", addr)
		}
	}
	if !Eligible(0x1000, AddressRange{0x1000, 0x1001}, []AddressRange{{}}) {
		t.Error("empty exclusion range excluded an address")
	}
}
