package problem

import "github.com/noah-isme/gema-grader/internal/capa/correctmap"

// Score sums the awarded points over the inputs in maxPoints. With a weight
// the result is rescaled to weight × earned / possible and possible becomes
// the weight.
func Score(maxPoints map[string]float64, cmap *correctmap.CorrectMap, weight *float64) (earned, possible float64) {
	for id, points := range maxPoints {
		possible += points
		if cmap != nil {
			earned += cmap.GetNPoints(id)
		}
	}
	if weight == nil {
		return earned, possible
	}
	if possible == 0 {
		return 0, *weight
	}
	return *weight * earned / possible, *weight
}
