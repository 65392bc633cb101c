package format

// Alignment utilities for the heap layout.

// Align16 returns n aligned up to the next 16-byte boundary.
// The second result is false when the rounding wraps.
//
// Example:
//
//	Align16(1)  = 16
//	Align16(16) = 16
//	Align16(17) = 32
func Align16(n uint64) (uint64, bool) {
	r := (n + AlignmentMask) &^ uint64(AlignmentMask)
	return r, r >= n
}

// AlignUp returns n rounded up to a multiple of unit (a power of two).
// The second result is false when the rounding wraps.
func AlignUp(n, unit uint64) (uint64, bool) {
	r := (n + unit - 1) &^ (unit - 1)
	return r, r >= n
}

// AlignDown returns n rounded down to a multiple of unit (a power of two).
func AlignDown(n, unit uint64) uint64 {
	return n &^ (unit - 1)
}

// IsAligned reports whether n is a multiple of the allocation unit.
func IsAligned(n uint64) bool {
	return n&AlignmentMask == 0
}
