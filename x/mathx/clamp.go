package mathx

import "golang.org/x/exp/constraints"

// AtLeast raises v to floor when it is below it.
func AtLeast[T constraints.Ordered](v, floor T) T {
	if v < floor {
		return floor
	}
	return v
}

// FloorDiv divides non-negative a by positive b, truncating.
// Negative a yields 0 and b <= 0 yields 0.
func FloorDiv[T constraints.Integer](a, b T) T {
	if b <= 0 || a <= 0 {
		return 0
	}
	return a / b
}
