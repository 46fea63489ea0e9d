package regtrace

// Eligible reports whether the instruction at addr should be captured:
// it must lie in inclusion and in none of the exclusion ranges.
func Eligible(addr uint64, inclusion AddressRange, exclusion []AddressRange) bool {
	if !inclusion.Contains(addr) {
		return false
	}
	for _, x := range exclusion {
		if x.Contains(addr) {
			return false
		}
	}
	return true
}
