package safe

import (
	"math"
)

// Uint64ToInt64 converts val, clamping to math.MaxInt64. The bool reports clamping.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// Uint32ToInt32 converts val, clamping to math.MaxInt32. The bool reports clamping.
func Uint32ToInt32(val uint32) (int32, bool) {
	if val > math.MaxInt32 {
		return math.MaxInt32, true
	}
	return int32(val), false
}

// IntToUint64 converts val, clamping negatives to zero. The bool reports clamping.
func IntToUint64(val int) (uint64, bool) {
	if val < 0 {
		return 0, true
	}
	return uint64(val), false
}
