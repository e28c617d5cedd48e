// Package util contains misc internal utilities.
package util

import "math"

// Limiter is a software limit on an axis, in the axis' own units.
type Limiter struct {
	Min float64 `json:"min" yaml:"min" koanf:"min"`
	Max float64 `json:"max" yaml:"max" koanf:"max"`
}

// Check returns true if min <= input <= max
func (l Limiter) Check(input float64) bool {
	return input >= l.Min && input <= l.Max
}

// Clamp limits input to the range [low, high]
func Clamp(input, low, high float64) float64 {
	return math.Max(low, math.Min(input, high))
}
