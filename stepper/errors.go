package stepper

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is generated when a motion is requested on an axis that is already moving
	ErrAlreadyRunning = errors.New("axis is already running")

	// ErrInvalidArgument is generated when a distance does not name exactly one of steps or millimeters,
	// or names a negative amount
	ErrInvalidArgument = errors.New("distance must give exactly one non-negative amount of steps or millimeters")

	// ErrStopped is generated when a motion is interrupted by Stop before reaching its target
	ErrStopped = errors.New("motion stopped before reaching target")

	// ErrNoModePins is generated when the microstep resolution is set on an axis without mode pins
	ErrNoModePins = errors.New("axis has no microstep mode pins configured")
)

// ConfigurationError is generated when an axis cannot be set up as configured
type ConfigurationError struct {
	Axis string
	Msg  string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("axis %s: configuration error: %s: %v", e.Axis, e.Msg, e.Err)
	}
	return fmt.Sprintf("axis %s: configuration error: %s", e.Axis, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// HardwareError is generated when the pulse generation layer fails.  The axis
// is left disabled.
type HardwareError struct {
	Axis string
	Op   string
	Err  error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("axis %s: hardware error during %s: %v", e.Axis, e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }
