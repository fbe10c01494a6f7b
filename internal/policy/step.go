package policy

import "math"

// stepToward sizes a capacity delta proportionally to the demand gap,
// bounded to [1, stepMax]. Rounding then clamping to >=1 guarantees
// forward progress even when the proportion yields less than one.
func stepToward(gap int, proportion float64, stepMax int) int {
	step := int(math.Round(float64(gap) * proportion))
	if step < 1 {
		step = 1
	}
	if step > stepMax {
		step = stepMax
	}
	return step
}

func clampCapacity(n, minInstances, maxInstances int) int {
	if n < minInstances {
		return minInstances
	}
	if n > maxInstances {
		return maxInstances
	}
	return n
}
