package util

import "math"

// RoundPrice rounds a price to the US equity tick size: whole cents at or
// above $1, four decimal places below.
func RoundPrice(p float64) float64 {
	if p >= 1 {
		return math.Round(p*100) / 100
	}
	return math.Round(p*10000) / 10000
}

// RoundPriceDown rounds toward zero on the tick grid. Long stops use it so
// that rounding never tightens the stop.
func RoundPriceDown(p float64) float64 {
	if p >= 1 {
		return math.Floor(p*100+1e-9) / 100
	}
	return math.Floor(p*10000+1e-9) / 10000
}

// RoundPriceUp rounds away from zero on the tick grid.
func RoundPriceUp(p float64) float64 {
	if p >= 1 {
		return math.Ceil(p*100-1e-9) / 100
	}
	return math.Ceil(p*10000-1e-9) / 10000
}
