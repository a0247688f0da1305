package training

import "math"

// metricImproved reports whether value beats best under the configured
// direction. NaN never improves.
func metricImproved(value, best float64, higherIsBetter bool) bool {
	if math.IsNaN(value) {
		return false
	}
	if higherIsBetter {
		return value > best
	}
	return value < best
}

// initialBest returns the identity element for the improvement comparison,
// so the first finite measurement always counts as an improvement.
func initialBest(higherIsBetter bool) float64 {
	if higherIsBetter {
		return math.Inf(-1)
	}
	return math.Inf(1)
}
