package stepper

import (
	"fmt"
	"math"
)

// Driver is a stepper driver model, which determines the microstep mode table
type Driver string

const (
	// A4988 is the Allegro A4988, full to 1/16 steps
	A4988 Driver = "A4988"

	// DRV8825 is the TI DRV8825, full to 1/32 steps
	DRV8825 Driver = "DRV8825"
)

// mode pin levels (M0, M1, M2) by microsteps per full step
var modeTables = map[Driver]map[int][3]bool{
	A4988: {
		1:  {false, false, false},
		2:  {true, false, false},
		4:  {false, true, false},
		8:  {true, true, false},
		16: {true, true, true},
	},
	DRV8825: {
		1:  {false, false, false},
		2:  {true, false, false},
		4:  {false, true, false},
		8:  {true, true, false},
		16: {false, false, true},
		32: {true, false, true},
	},
}

// SetResolution selects the microstep resolution on the driver's mode pins and
// rescales the travel per step accordingly
func (s *Stepper) SetResolution(microsteps int) error {
	if len(s.cfg.ModePins) == 0 {
		return ErrNoModePins
	}
	table, ok := modeTables[s.cfg.Driver]
	if !ok {
		return &ConfigurationError{Axis: s.cfg.Name, Msg: fmt.Sprintf("unknown driver %q", s.cfg.Driver)}
	}
	levels, ok := table[microsteps]
	if !ok {
		return &ConfigurationError{Axis: s.cfg.Name, Msg: fmt.Sprintf("driver %s does not support 1/%d steps", s.cfg.Driver, microsteps)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	for i, pin := range s.cfg.ModePins {
		if i >= len(levels) {
			break
		}
		if err := s.p.Write(uint(pin), levels[i]); err != nil {
			return s.hwErr("set resolution", err)
		}
	}
	velocity := s.cruise * s.mmPerStep
	pos := float64(s.position) * s.mmPerStep
	s.mmPerStep = s.cfg.MMPerStep * float64(s.cfg.Microsteps) / float64(microsteps)
	s.cruise = s.clampFrequency(velocity / s.mmPerStep)
	s.position = int64(math.Round(pos / s.mmPerStep))
	return nil
}
