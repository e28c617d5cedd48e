// Package mathx provides small numeric helpers and a planar vector type shared
// by the stage, the evaluators and the controller.
package mathx

import (
	"fmt"
	"math"
)

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero.
func Round(x, unit float64) float64 {
	if x < 0 {
		return -float64(int64(-x/unit+0.5)) * unit
	}
	return float64(int64(x/unit+0.5)) * unit
}

// Vec2 is a planar (x, y) quantity.  Depending on context it is a position or
// offset in millimeters or in pixels.
type Vec2 struct {
	X float64 `json:"x" yaml:"x" koanf:"x"`
	Y float64 `json:"y" yaml:"y" koanf:"y"`
}

// Add returns v+o
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{v.X + o.X, v.Y + o.Y}
}

// Sub returns v-o
func (v Vec2) Sub(o Vec2) Vec2 {
	return Vec2{v.X - o.X, v.Y - o.Y}
}

// Scale returns v*s
func (v Vec2) Scale(s float64) Vec2 {
	return Vec2{v.X * s, v.Y * s}
}

// Abs returns the elementwise absolute value of v
func (v Vec2) Abs() Vec2 {
	return Vec2{math.Abs(v.X), math.Abs(v.Y)}
}

// Within is true if |v.X| <= lim.X and |v.Y| <= lim.Y
func (v Vec2) Within(lim Vec2) bool {
	a := v.Abs()
	return a.X <= lim.X && a.Y <= lim.Y
}

// Norm is the Euclidean length of v
func (v Vec2) Norm() float64 {
	return math.Hypot(v.X, v.Y)
}

// String formats v as a tuple, "(x, y)"
func (v Vec2) String() string {
	return fmt.Sprintf("(%g, %g)", v.X, v.Y)
}
