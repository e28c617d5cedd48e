package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Daan4/vision-well-position-controller/mathx"
)

var (
	// ErrPrecondition is generated when a run is started without a target
	ErrPrecondition = errors.New("target is not set, calibrate or set it before running")

	// ErrBusy is generated when a run or calibration is started while another is in progress
	ErrBusy = errors.New("controller is busy")

	// ErrCardinality is generated when there is not one correction per setpoint
	ErrCardinality = errors.New("setpoint and correction counts differ")
)

// CalibrationFailedError is generated when no evaluator located the target
// within the allowed number of attempts
type CalibrationFailedError struct {
	Attempts int
	Err      error
}

func (e *CalibrationFailedError) Error() string {
	return fmt.Sprintf("calibration failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the error of the last attempt
func (e *CalibrationFailedError) Unwrap() error {
	return e.Err
}

// ConvergenceFailedError is generated when a setpoint is still out of
// tolerance after the maximum number of corrective moves
type ConvergenceFailedError struct {
	Index       int
	Setpoint    mathx.Vec2
	Corrections int
	LastOffset  mathx.Vec2

	// Missed is the number of frames in a row without a detection, if that
	// is what ended the attempt
	Missed int
}

func (e *ConvergenceFailedError) Error() string {
	if e.Missed > 0 {
		return fmt.Sprintf("setpoint %d %s: nothing detected in %d frames after %d corrections",
			e.Index, e.Setpoint, e.Missed, e.Corrections)
	}
	return fmt.Sprintf("setpoint %d %s did not converge after %d corrections, last offset %s mm",
		e.Index, e.Setpoint, e.Corrections, e.LastOffset)
}

// RunError reports the setpoints of a completed run that did not converge.
// Their corrections were left unchanged.
type RunError struct {
	Failed []*ConvergenceFailedError
}

func (e *RunError) Error() string {
	idx := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		idx[i] = fmt.Sprint(f.Index)
	}
	return fmt.Sprintf("%d setpoints did not converge: %s", len(e.Failed), strings.Join(idx, ", "))
}

// Unwrap returns the first failure, so errors.As finds a ConvergenceFailedError
func (e *RunError) Unwrap() error {
	if len(e.Failed) == 0 {
		return nil
	}
	return e.Failed[0]
}
