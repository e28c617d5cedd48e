package util_test

import (
	"fmt"
	"testing"

	"github.com/Daan4/vision-well-position-controller/util"
)

func ExampleClamp() {
	fmt.Println(util.Clamp(3.5, 0, 2.5))
	// Output: 2.5
}

func ExampleLimiter_Check() {
	lim := util.Limiter{Min: -150, Max: 0}
	fmt.Println(lim.Check(-45.5), lim.Check(12))
	// Output: true false
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestLimiterInclusive(t *testing.T) {
	lim := util.Limiter{Min: 1, Max: 2}
	if !lim.Check(1) || !lim.Check(2) {
		t.Error("expected the limits themselves to pass the check")
	}
}
