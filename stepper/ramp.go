package stepper

import (
	"math"
	"time"
)

// Level is one step of a velocity ramp: Steps pulses at Frequency (Hz)
type Level struct {
	Frequency float64
	Steps     int
}

// HalfPeriod is the duration of the on (and the off) half of one pulse at this level
func (l Level) HalfPeriod() time.Duration {
	return time.Duration(math.Round(500000/l.Frequency)) * time.Microsecond
}

// Duration is the time needed to emit the whole level
func (l Level) Duration() time.Duration {
	return 2 * l.HalfPeriod() * time.Duration(l.Steps)
}

// Profile is a trapezoidal move: accelerate, cruise, decelerate.
// Down is the mirror of Up.
type Profile struct {
	Up     []Level
	Cruise []Level
	Down   []Level
}

// RampUp returns the acceleration levels toward cruise, one step each, at
// cruise*i/n for i in [1, n)
func RampUp(cruise float64, n int) []Level {
	if n < 2 {
		return nil
	}
	out := make([]Level, 0, n-1)
	for i := 1; i < n; i++ {
		out = append(out, Level{Frequency: cruise * float64(i) / float64(n), Steps: 1})
	}
	return out
}

// Mirror returns levels in reverse order
func Mirror(levels []Level) []Level {
	if len(levels) == 0 {
		return nil
	}
	out := make([]Level, len(levels))
	for i, l := range levels {
		out[len(levels)-1-i] = l
	}
	return out
}

// NewProfile builds a profile of exactly steps pulses.  Moves too short to
// reach cruise use a truncated ramp and cruise at the highest frequency
// reached.
func NewProfile(steps int, cruise float64, rampSteps int) Profile {
	if steps <= 0 {
		return Profile{}
	}
	full := RampUp(cruise, rampSteps)
	k := len(full)
	if 2*k > steps {
		k = steps / 2
	}
	up := full[:k]
	top := cruise
	if k < len(full) {
		if k > 0 {
			top = up[k-1].Frequency
		} else {
			top = full[0].Frequency
		}
	}
	p := Profile{Up: up, Down: Mirror(up)}
	if rest := steps - 2*k; rest > 0 {
		p.Cruise = []Level{{Frequency: top, Steps: rest}}
	}
	return p
}

// Steps is the total number of pulses in the profile
func (p Profile) Steps() int {
	return sumSteps(p.Up) + sumSteps(p.Cruise) + sumSteps(p.Down)
}

// Duration is the time needed to emit the whole profile
func (p Profile) Duration() time.Duration {
	return sumDuration(p.Up) + sumDuration(p.Cruise) + sumDuration(p.Down)
}

func sumSteps(levels []Level) int {
	n := 0
	for _, l := range levels {
		n += l.Steps
	}
	return n
}

func sumDuration(levels []Level) time.Duration {
	var d time.Duration
	for _, l := range levels {
		d += l.Duration()
	}
	return d
}
