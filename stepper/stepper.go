/*Package stepper drives step/direction stepper motor axes with ramped pulse trains.

Each axis has three GPIO lines: an active-low enable (high = disabled), a
direction line, and a step line that receives one pulse per (micro)step.
Motions always ramp up from a low frequency, cruise, and ramp back down, and
the emitted pulses are tallied by counting edges on the step line (two edges
per step).

The pulse generation itself is delegated to a Pulser, which is backed by the
pigpio daemon on real hardware, or by MockPulser for simulation and tests.
*/
package stepper

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/Daan4/vision-well-position-controller/util"
)

// MaxPin is the highest GPIO number accepted for an axis line
const MaxPin = 26

// Direction is the rotation direction, latched on the direction line
type Direction bool

const (
	// Clockwise drives the direction line high
	Clockwise Direction = true

	// CounterClockwise drives the direction line low
	CounterClockwise Direction = false
)

func (d Direction) String() string {
	if d {
		return "cw"
	}
	return "ccw"
}

// Distance is a relative move length.  Exactly one of the fields must be set.
type Distance struct {
	Steps       *int
	Millimeters *float64
}

// Steps returns a Distance of n steps
func Steps(n int) Distance {
	return Distance{Steps: &n}
}

// Millimeters returns a Distance of mm millimeters
func Millimeters(mm float64) Distance {
	return Distance{Millimeters: &mm}
}

// Pulser generates and tallies step pulse trains on GPIO lines
type Pulser interface {
	// SetOutput configures a GPIO as an output
	SetOutput(pin uint) error

	// Write sets the level of a GPIO
	Write(pin uint, high bool) error

	// Transmit emits levels as pulses on pin.  If repeatLast is true the last
	// level repeats until Halt.  Transmit does not block.
	Transmit(pin uint, levels []Level, repeatLast bool) error

	// Busy is true while a transmission on pin is in progress
	Busy(pin uint) (bool, error)

	// Halt stops any transmission on pin
	Halt(pin uint) error

	// Edges returns the number of edges emitted on pin since the last ResetEdges
	Edges(pin uint) (uint64, error)

	// ResetEdges zeroes the edge tally of pin
	ResetEdges(pin uint) error
}

// Config is the static configuration of one axis
type Config struct {
	// Name identifies the axis in logs and errors
	Name string `koanf:"name" yaml:"name"`

	// EnablePin, StepPin and DirPin are GPIO numbers in [0, MaxPin]
	EnablePin int `koanf:"enable_pin" yaml:"enable_pin"`
	StepPin   int `koanf:"step_pin" yaml:"step_pin"`
	DirPin    int `koanf:"dir_pin" yaml:"dir_pin"`

	// ModePins are the optional microstep select lines (M0, M1, M2)
	ModePins []int `koanf:"mode_pins" yaml:"mode_pins"`

	// Driver is the microstepping driver model, used with ModePins
	Driver Driver `koanf:"driver" yaml:"driver"`

	// MMPerStep is the stage travel per pulse at Microsteps resolution
	MMPerStep float64 `koanf:"mm_per_step" yaml:"mm_per_step"`

	// Microsteps is the resolution MMPerStep refers to, 1 for full steps
	Microsteps int `koanf:"microsteps" yaml:"microsteps"`

	// CruiseFrequency is the step rate reached after the ramp, Hz
	CruiseFrequency float64 `koanf:"cruise_frequency" yaml:"cruise_frequency"`

	// MaxFrequency caps the cruise step rate set at runtime, Hz
	MaxFrequency float64 `koanf:"max_frequency" yaml:"max_frequency"`

	// RampSteps is the number of levels from standstill to cruise
	RampSteps int `koanf:"ramp_steps" yaml:"ramp_steps"`

	// StopTolerance is how many steps short of the target a move may end
	StopTolerance int `koanf:"stop_tolerance" yaml:"stop_tolerance"`

	// DirSettle is the delay between latching the direction and the first pulse
	DirSettle time.Duration `koanf:"dir_settle" yaml:"dir_settle"`

	// PollInterval is the period at which a running transmission is checked
	PollInterval time.Duration `koanf:"poll_interval" yaml:"poll_interval"`

	// TallySettle bounds the wait for the edge tally to catch up after a move
	TallySettle time.Duration `koanf:"tally_settle" yaml:"tally_settle"`
}

// DefaultConfig returns a configuration with the stock ramp and timing
func DefaultConfig(name string, enable, step, dir int) Config {
	return Config{
		Name:            name,
		EnablePin:       enable,
		StepPin:         step,
		DirPin:          dir,
		Driver:          A4988,
		MMPerStep:       0.005,
		Microsteps:      1,
		CruiseFrequency: 1000,
		MaxFrequency:    50000,
		RampSteps:       20,
		StopTolerance:   10,
		DirSettle:       time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		TallySettle:     50 * time.Millisecond,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig(c.Name, c.EnablePin, c.StepPin, c.DirPin)
	if c.Microsteps == 0 {
		c.Microsteps = d.Microsteps
	}
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.CruiseFrequency == 0 {
		c.CruiseFrequency = d.CruiseFrequency
	}
	if c.MaxFrequency == 0 {
		c.MaxFrequency = d.MaxFrequency
	}
	if c.RampSteps == 0 {
		c.RampSteps = d.RampSteps
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.TallySettle == 0 {
		c.TallySettle = d.TallySettle
	}
}

func (c Config) validate() error {
	pins := []int{c.EnablePin, c.StepPin, c.DirPin}
	pins = append(pins, c.ModePins...)
	seen := map[int]bool{}
	for _, p := range pins {
		if p < 0 || p > MaxPin {
			return &ConfigurationError{Axis: c.Name, Msg: fmt.Sprintf("pin %d outside [0, %d]", p, MaxPin)}
		}
		if seen[p] {
			return &ConfigurationError{Axis: c.Name, Msg: fmt.Sprintf("pin %d used twice", p)}
		}
		seen[p] = true
	}
	if c.MMPerStep <= 0 {
		return &ConfigurationError{Axis: c.Name, Msg: "mm_per_step must be positive"}
	}
	if c.CruiseFrequency <= 0 || c.RampSteps < 1 || c.StopTolerance < 0 {
		return &ConfigurationError{Axis: c.Name, Msg: "ramp must have a positive cruise frequency and at least one level"}
	}
	if c.CruiseFrequency > c.MaxFrequency {
		return &ConfigurationError{Axis: c.Name, Msg: fmt.Sprintf("cruise frequency %g above max_frequency %g", c.CruiseFrequency, c.MaxFrequency)}
	}
	return nil
}

// Stepper is one step/direction axis.  At most one motion is in flight at a
// time; the enable line is only asserted while a motion runs.
type Stepper struct {
	cfg Config
	p   Pulser

	// hw is held while a continuous motion is being started or stopped
	hw sync.Mutex

	mu         sync.Mutex
	running    bool
	stopping   bool
	continuous bool
	dir        Direction
	abort      chan struct{}
	done       chan struct{}
	tally      uint64
	position   int64
	cruise     float64
	mmPerStep  float64
}

// New configures the axis lines and returns a disabled axis.  A
// *ConfigurationError is returned for invalid pins or if the lines cannot be
// claimed.
func New(cfg Config, p Pulser) (*Stepper, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Stepper{cfg: cfg, p: p, cruise: cfg.CruiseFrequency, mmPerStep: cfg.MMPerStep}
	pins := append([]int{cfg.EnablePin, cfg.StepPin, cfg.DirPin}, cfg.ModePins...)
	for _, pin := range pins {
		if err := p.SetOutput(uint(pin)); err != nil {
			return nil, &ConfigurationError{Axis: cfg.Name, Msg: fmt.Sprintf("cannot claim pin %d", pin), Err: err}
		}
	}
	// enable logic is inverted, high disables the driver
	if err := p.Write(uint(cfg.EnablePin), true); err != nil {
		return nil, &ConfigurationError{Axis: cfg.Name, Msg: "cannot drive enable line", Err: err}
	}
	if err := p.Write(uint(cfg.StepPin), false); err != nil {
		return nil, &ConfigurationError{Axis: cfg.Name, Msg: "cannot drive step line", Err: err}
	}
	if len(cfg.ModePins) > 0 {
		if err := s.SetResolution(cfg.Microsteps); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the name of the axis
func (s *Stepper) Name() string {
	return s.cfg.Name
}

// Running is true while a motion is in flight
func (s *Stepper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tally returns the edge tally of the last completed motion
func (s *Stepper) Tally() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tally
}

// Position returns the position in mm accumulated from completed motions,
// clockwise positive
func (s *Stepper) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.position) * s.mmPerStep
}

// Zero makes the current position the origin
func (s *Stepper) Zero() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.position = 0
	return nil
}

// MMPerStep returns the travel per pulse at the current resolution
func (s *Stepper) MMPerStep() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mmPerStep
}

// Velocity returns the cruise velocity in mm/s
func (s *Stepper) Velocity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cruise * s.mmPerStep
}

// SetVelocity sets the cruise velocity in mm/s for subsequent motions.  The
// step rate is capped at MaxFrequency.
func (s *Stepper) SetVelocity(mmPerSec float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mmPerSec <= 0 {
		return fmt.Errorf("axis %s: velocity must be positive, got %f", s.cfg.Name, mmPerSec)
	}
	s.cruise = s.clampFrequency(mmPerSec / s.mmPerStep)
	return nil
}

func (s *Stepper) clampFrequency(f float64) float64 {
	c := util.Clamp(f, 1, s.cfg.MaxFrequency)
	if c != f {
		log.Printf("stepper %s: step rate %.1f Hz clamped to %.1f Hz\n", s.cfg.Name, f, c)
	}
	return c
}

// steps converts a distance to a pulse count
func (s *Stepper) steps(d Distance) (int, error) {
	switch {
	case d.Steps != nil && d.Millimeters == nil:
		if *d.Steps < 0 {
			return 0, ErrInvalidArgument
		}
		return *d.Steps, nil
	case d.Millimeters != nil && d.Steps == nil:
		if *d.Millimeters < 0 || math.IsNaN(*d.Millimeters) {
			return 0, ErrInvalidArgument
		}
		return int(math.Round(*d.Millimeters / s.MMPerStep())), nil
	default:
		return 0, ErrInvalidArgument
	}
}

// claim marks the axis running, or returns ErrAlreadyRunning
func (s *Stepper) claim(dir Direction, continuous bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopping = false
	s.continuous = continuous
	s.dir = dir
	s.abort = make(chan struct{})
	s.done = make(chan struct{})
	return nil
}

// release records the outcome of a motion and marks the axis idle
func (s *Stepper) release(edges uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tally = edges
	steps := int64(edges / 2)
	if s.dir == Clockwise {
		s.position += steps
	} else {
		s.position -= steps
	}
	s.running = false
	s.stopping = false
	close(s.done)
}

func (s *Stepper) hwErr(op string, err error) error {
	return &HardwareError{Axis: s.cfg.Name, Op: op, Err: err}
}

// start latches the direction, zeroes the tally and enables the driver
func (s *Stepper) start(dir Direction) error {
	if err := s.p.Write(uint(s.cfg.DirPin), bool(dir)); err != nil {
		return s.hwErr("set direction", err)
	}
	if err := s.p.ResetEdges(uint(s.cfg.StepPin)); err != nil {
		return s.hwErr("reset tally", err)
	}
	if err := s.p.Write(uint(s.cfg.EnablePin), false); err != nil {
		return s.hwErr("enable", err)
	}
	if s.cfg.DirSettle > 0 {
		time.Sleep(s.cfg.DirSettle)
	}
	return nil
}

// disable halts any pulses and deasserts enable, best effort.  It is used on
// error paths, where the original error is the one worth reporting.
func (s *Stepper) disable() {
	if err := s.p.Halt(uint(s.cfg.StepPin)); err != nil {
		log.Printf("stepper %s: halt failed: %v\n", s.cfg.Name, err)
	}
	if err := s.p.Write(uint(s.cfg.EnablePin), true); err != nil {
		log.Printf("stepper %s: disable failed: %v\n", s.cfg.Name, err)
	}
}

// edges reads the tally, returning zero if it cannot be read
func (s *Stepper) edges() uint64 {
	e, err := s.p.Edges(uint(s.cfg.StepPin))
	if err != nil {
		log.Printf("stepper %s: reading tally failed: %v\n", s.cfg.Name, err)
	}
	return e
}

// wait blocks until the transmission on the step line ends, ctx is done, or
// abort is closed
func (s *Stepper) wait(ctx context.Context, abort <-chan struct{}) error {
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		busy, err := s.p.Busy(uint(s.cfg.StepPin))
		if err != nil {
			return s.hwErr("poll", err)
		}
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-abort:
			return ErrStopped
		case <-tick.C:
		}
	}
}

// rampDown halts the current transmission if asked, emits the deceleration
// levels, waits for them, then disables the driver
func (s *Stepper) rampDown(down []Level, halt bool) error {
	pin := uint(s.cfg.StepPin)
	if halt {
		if err := s.p.Halt(pin); err != nil {
			s.disable()
			return s.hwErr("halt", err)
		}
	}
	if len(down) > 0 {
		if err := s.p.Transmit(pin, down, false); err != nil {
			s.disable()
			return s.hwErr("ramp down", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*sumDuration(down)+time.Second)
		err := s.wait(ctx, nil)
		cancel()
		if err != nil {
			s.disable()
			return s.hwErr("ramp down", err)
		}
	}
	if err := s.p.Write(uint(s.cfg.EnablePin), true); err != nil {
		return s.hwErr("disable", err)
	}
	return nil
}

// MoveContinuous ramps up to cruise and keeps stepping until Stop is called
func (s *Stepper) MoveContinuous(dir Direction) error {
	s.hw.Lock()
	defer s.hw.Unlock()
	if err := s.claim(dir, true); err != nil {
		return err
	}
	s.mu.Lock()
	cruise := s.cruise
	s.mu.Unlock()
	if err := s.start(dir); err != nil {
		s.disable()
		s.release(s.edges())
		return err
	}
	levels := append(RampUp(cruise, s.cfg.RampSteps), Level{Frequency: cruise, Steps: 1})
	if err := s.p.Transmit(uint(s.cfg.StepPin), levels, true); err != nil {
		s.disable()
		s.release(s.edges())
		return s.hwErr("transmit", err)
	}
	return nil
}

// MoveDistance moves the axis by d in direction dir and blocks until the move
// is complete, returning the edge tally.  The tally is reset at the start of
// the call.  If ctx is cancelled or Stop is called during the move, the axis
// ramps down and is disabled, and ctx.Err() or ErrStopped is returned.
func (s *Stepper) MoveDistance(ctx context.Context, d Distance, dir Direction) (uint64, error) {
	n, err := s.steps(d)
	if err != nil {
		return 0, err
	}
	if err = s.claim(dir, false); err != nil {
		return 0, err
	}
	if n == 0 {
		s.release(0)
		return 0, nil
	}
	s.mu.Lock()
	prof := NewProfile(n, s.cruise, s.cfg.RampSteps)
	abort := s.abort
	s.mu.Unlock()

	if err = s.start(dir); err != nil {
		s.disable()
		s.release(s.edges())
		return 0, err
	}
	pin := uint(s.cfg.StepPin)
	head := append(append([]Level{}, prof.Up...), prof.Cruise...)
	var waitErr error
	if len(head) > 0 {
		if err = s.p.Transmit(pin, head, false); err != nil {
			s.disable()
			s.release(s.edges())
			return 0, s.hwErr("transmit", err)
		}
		waitErr = s.wait(ctx, abort)
		if _, ok := waitErr.(*HardwareError); ok {
			s.disable()
			e := s.edges()
			s.release(e)
			return e, waitErr
		}
	}
	downErr := s.rampDown(prof.Down, waitErr != nil)

	var want uint64
	if n > s.cfg.StopTolerance {
		want = uint64(2 * (n - s.cfg.StopTolerance))
	}
	e := s.edges()
	if waitErr == nil && downErr == nil {
		deadline := time.Now().Add(s.cfg.TallySettle)
		for e < want && time.Now().Before(deadline) {
			time.Sleep(s.cfg.PollInterval)
			e = s.edges()
		}
	}
	s.release(e)
	switch {
	case waitErr != nil:
		log.Printf("stepper %s: move of %d steps interrupted after %d edges\n", s.cfg.Name, n, e)
		return e, waitErr
	case downErr != nil:
		return e, downErr
	case e < want:
		return e, s.hwErr("tally", fmt.Errorf("%d steps emitted of %d requested", e/2, n))
	}
	return e, nil
}

// Stop ramps a running axis down and disables it, returning the final tally.
// It is a no-op on an idle axis and safe to call concurrently.
func (s *Stepper) Stop() (uint64, error) {
	s.mu.Lock()
	if !s.running {
		t := s.tally
		s.mu.Unlock()
		return t, nil
	}
	done := s.done
	if s.stopping || !s.continuous {
		if !s.stopping {
			s.stopping = true
			close(s.abort)
		}
		s.mu.Unlock()
		<-done
		t := s.Tally()
		log.Printf("stepper %s: stopped, tally %d\n", s.cfg.Name, t)
		return t, nil
	}
	s.stopping = true
	cruise := s.cruise
	s.mu.Unlock()

	s.hw.Lock()
	defer s.hw.Unlock()

	// the start may have failed and released the axis while we waited
	s.mu.Lock()
	if !s.running || s.done != done {
		t := s.tally
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	err := s.rampDown(Mirror(RampUp(cruise, s.cfg.RampSteps)), true)
	e := s.edges()
	s.release(e)
	log.Printf("stepper %s: stopped, tally %d\n", s.cfg.Name, e)
	return e, err
}
