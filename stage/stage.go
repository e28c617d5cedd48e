// Package stage combines two stepper axes into the X/Y well-plate stage.
//
// The axes are independent; a planar move is two single-axis moves joined
// before returning.  Stage satisfies the motion controller interfaces of
// generichttp/motion with axes named "x" and "y".
package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/Daan4/vision-well-position-controller/mathx"
	"github.com/Daan4/vision-well-position-controller/stepper"
	"github.com/Daan4/vision-well-position-controller/util"
)

var (
	// ErrUnknownAxis is generated when an axis other than x or y is addressed
	ErrUnknownAxis = errors.New("unknown axis, must be x or y")

	// ErrOutOfLimits is generated when a move would leave the software limits
	ErrOutOfLimits = errors.New("requested position violates software limits, aborted")

	// ErrJogLimited is generated when a continuous move is requested on an
	// axis with software limits, which a continuous move cannot honor
	ErrJogLimited = errors.New("continuous moves are not allowed on an axis with software limits")
)

// Config holds the stage options
type Config struct {
	// Concurrent moves both axes at the same time.  Pulse generators that
	// can only run one train at a time (pigpiod) need sequential moves.
	Concurrent bool `koanf:"concurrent" yaml:"concurrent"`

	// InvertX and InvertY flip which direction is positive
	InvertX bool `koanf:"invert_x" yaml:"invert_x"`
	InvertY bool `koanf:"invert_y" yaml:"invert_y"`

	// Limits are optional software limits in mm, keyed by axis name
	Limits map[string]util.Limiter `koanf:"limits" yaml:"limits"`
}

type axis struct {
	*stepper.Stepper
	invert bool
}

// sign is the direction of positive travel as seen by the stepper
func (a axis) sign() float64 {
	if a.invert {
		return -1
	}
	return 1
}

// pos is the axis position in stage coordinates
func (a axis) pos() float64 {
	return a.sign() * a.Position()
}

// Stage is a two axis stage
type Stage struct {
	cfg Config
	x   axis
	y   axis
}

// New returns a stage over the two axes
func New(x, y *stepper.Stepper, cfg Config) *Stage {
	return &Stage{
		cfg: cfg,
		x:   axis{Stepper: x, invert: cfg.InvertX},
		y:   axis{Stepper: y, invert: cfg.InvertY},
	}
}

func (s *Stage) lookup(name string) (axis, error) {
	switch strings.ToLower(name) {
	case "x":
		return s.x, nil
	case "y":
		return s.y, nil
	default:
		return axis{}, ErrUnknownAxis
	}
}

func (s *Stage) checkLimit(name string, target float64) error {
	lim, ok := s.cfg.Limits[strings.ToLower(name)]
	if ok && !lim.Check(target) {
		return fmt.Errorf("%w: %s to %f outside [%f, %f]", ErrOutOfLimits, name, target, lim.Min, lim.Max)
	}
	return nil
}

// move drives one axis by delta mm in stage coordinates
func (s *Stage) move(ctx context.Context, a axis, delta float64) error {
	d := delta * a.sign()
	steps := int(math.Round(math.Abs(d) / a.MMPerStep()))
	if steps == 0 {
		return nil
	}
	dir := stepper.Clockwise
	if d < 0 {
		dir = stepper.CounterClockwise
	}
	_, err := a.MoveDistance(ctx, stepper.Steps(steps), dir)
	return err
}

// MoveBy moves the stage by delta mm and returns once both axes have stopped.
// If either axis fails, both are stopped and the first error is returned.
func (s *Stage) MoveBy(ctx context.Context, delta mathx.Vec2) error {
	pos := s.Position()
	if err := s.checkLimit("x", pos.X+delta.X); err != nil {
		return err
	}
	if err := s.checkLimit("y", pos.Y+delta.Y); err != nil {
		return err
	}
	if !s.cfg.Concurrent {
		if err := s.move(ctx, s.x, delta.X); err != nil {
			s.Abort()
			return err
		}
		if err := s.move(ctx, s.y, delta.Y); err != nil {
			s.Abort()
			return err
		}
		return nil
	}

	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = s.move(ctx, s.x, delta.X)
		if errs[0] != nil {
			s.y.Stop()
		}
	}()
	go func() {
		defer wg.Done()
		errs[1] = s.move(ctx, s.y, delta.Y)
		if errs[1] != nil {
			s.x.Stop()
		}
	}()
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Position returns the stage position in mm
func (s *Stage) Position() mathx.Vec2 {
	return mathx.Vec2{X: s.x.pos(), Y: s.y.pos()}
}

// Abort stops both axes, ramping them down and disabling them
func (s *Stage) Abort() error {
	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = s.x.Stop() }()
	go func() { defer wg.Done(); _, errs[1] = s.y.Stop() }()
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Moving is true while either axis is running
func (s *Stage) Moving() bool {
	return s.x.Running() || s.y.Running()
}

// GetPos returns the position of an axis in mm
func (s *Stage) GetPos(name string) (float64, error) {
	a, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	return a.pos(), nil
}

// MoveAbs moves an axis to an absolute position in mm
func (s *Stage) MoveAbs(name string, pos float64) error {
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	if err = s.checkLimit(name, pos); err != nil {
		return err
	}
	return s.move(context.Background(), a, pos-a.pos())
}

// MoveRel moves an axis by a relative amount in mm
func (s *Stage) MoveRel(name string, delta float64) error {
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	if err = s.checkLimit(name, a.pos()+delta); err != nil {
		return err
	}
	return s.move(context.Background(), a, delta)
}

// Home makes the current position of an axis its origin.  The stage has no
// limit switches, so the plate must be placed at the first well by hand.
func (s *Stage) Home(name string) error {
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	return a.Zero()
}

// MoveContinuous runs an axis in the positive or negative direction until it
// is stopped
func (s *Stage) MoveContinuous(name string, positive bool) error {
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	if _, limited := s.cfg.Limits[strings.ToLower(name)]; limited {
		return ErrJogLimited
	}
	dir := stepper.Clockwise
	if positive == a.invert {
		dir = stepper.CounterClockwise
	}
	return a.Stepper.MoveContinuous(dir)
}

// Stop stops one axis
func (s *Stage) Stop(name string) error {
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	_, err = a.Stepper.Stop()
	return err
}

// GetInPosition is true when an axis is not moving
func (s *Stage) GetInPosition(name string) (bool, error) {
	a, err := s.lookup(name)
	if err != nil {
		return false, err
	}
	return !a.Running(), nil
}

// GetVelocity returns the cruise velocity of an axis in mm/s
func (s *Stage) GetVelocity(name string) (float64, error) {
	a, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	return a.Velocity(), nil
}

// SetVelocity sets the cruise velocity of an axis in mm/s
func (s *Stage) SetVelocity(name string, vel float64) error {
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	return a.Stepper.SetVelocity(vel)
}
