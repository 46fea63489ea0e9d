package regtrace

import "fmt"

// AddressRange is the half-open interval [Low, High).
type AddressRange struct {
	Low, High uint64
}

// Contains returns true if addr is inside the range.
func (r AddressRange) Contains(addr uint64) bool {
	return r.Low <= addr && addr < r.High
}

// Empty returns true if the range contains no address.
func (r AddressRange) Empty() bool {
	return r.High <= r.Low
}

// Size returns the number of addresses in the range.
func (r AddressRange) Size() uint64 {
	if r.Empty() {
		return 0
	}
	return r.High - r.Low
}

func (r AddressRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Low, r.High)
}
