package utils

import (
	"math"
	"time"
)

// DaysBetween returns the whole number of days from start to end. Dates from
// the store are midnight-aligned, so truncating the hour difference is exact.
func DaysBetween(start, end time.Time) int {
	return int(end.Sub(start).Hours() / 24)
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
