/*Package controller closes the loop between the camera and the stage.

A run visits every setpoint in order.  The stage is first moved open loop to
the setpoint plus its learned correction (feed forward), then frames are
evaluated and corrective moves made until the well is within the allowed
offset of the target.  The total of the corrective moves, added to the old
correction, is the new correction for the setpoint; all corrections are
written back when the run completes.

The target is the pixel position the well must be brought to.  It is found
by calibration, or set directly.
*/
package controller

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/Daan4/vision-well-position-controller/evaluator"
	"github.com/Daan4/vision-well-position-controller/frame"
	"github.com/Daan4/vision-well-position-controller/mathx"
	"github.com/Daan4/vision-well-position-controller/runlog"
	"github.com/Daan4/vision-well-position-controller/setpoint"
)

// State is the phase the controller is in
type State int

const (
	// Uncalibrated means there is no target yet
	Uncalibrated State = iota

	// Calibrating means the target is being located
	Calibrating

	// Ready means a target is known and nothing is running
	Ready

	// FeedForward means the stage is moving to a corrected setpoint
	FeedForward

	// Correcting means frames are being evaluated and corrective moves made
	Correcting

	// Finished means the last run visited every setpoint
	Finished

	// Failed means the last run or calibration ended on an error
	Failed

	// Aborted means the last run or calibration was cancelled
	Aborted
)

var stateNames = [...]string{
	Uncalibrated: "Uncalibrated",
	Calibrating:  "Calibrating",
	Ready:        "Ready",
	FeedForward:  "FeedForward",
	Correcting:   "Correcting",
	Finished:     "Finished",
	Failed:       "Failed",
	Aborted:      "Aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Config holds the controller options
type Config struct {
	// MMPerPixel converts image offsets to stage travel
	MMPerPixel float64 `koanf:"mm_per_pixel" yaml:"mm_per_pixel"`

	// MaxOffset is the largest offset from the target, per axis in mm, that passes
	MaxOffset mathx.Vec2 `koanf:"max_offset" yaml:"max_offset"`

	// MaxCorrections bounds the corrective moves per setpoint, 0 for no bound
	MaxCorrections int `koanf:"max_corrections" yaml:"max_corrections"`

	// MaxMissedDetections bounds the consecutive frames without a detection
	// per setpoint, 0 for no bound
	MaxMissedDetections int `koanf:"max_missed_detections" yaml:"max_missed_detections"`

	// CalibrationRetries is the number of extra frames tried when
	// calibrating, 0 to retry until cancelled
	CalibrationRetries uint64 `koanf:"calibration_retries" yaml:"calibration_retries"`

	// CalibrationInterval is the wait between calibration attempts
	CalibrationInterval time.Duration `koanf:"calibration_interval" yaml:"calibration_interval"`

	// FrameRetries is the number of times a frame is re-requested from a
	// source that is not producing yet, 0 to retry until cancelled
	FrameRetries uint64 `koanf:"frame_retries" yaml:"frame_retries"`

	// FrameRetryInterval is the wait between those requests
	FrameRetryInterval time.Duration `koanf:"frame_retry_interval" yaml:"frame_retry_interval"`

	// Settle is a pause after every move before a frame is requested
	Settle time.Duration `koanf:"settle" yaml:"settle"`

	// Debug perturbs every feed forward move to exercise the correction
	// loop, and keeps corrections from being saved
	Debug bool `koanf:"debug" yaml:"debug"`

	// DebugMinError and DebugMaxError bound the perturbation per axis, mm
	DebugMinError float64 `koanf:"debug_min_error" yaml:"debug_min_error"`
	DebugMaxError float64 `koanf:"debug_max_error" yaml:"debug_max_error"`

	// Target is an optional known target in px, skipping calibration
	Target *mathx.Vec2 `koanf:"target" yaml:"target,omitempty"`
}

// DefaultConfig returns the stock configuration
func DefaultConfig() Config {
	return Config{
		MMPerPixel:          0.0254,
		MaxOffset:           mathx.Vec2{X: 0.2, Y: 0.2},
		MaxCorrections:      25,
		CalibrationRetries:  10,
		CalibrationInterval: 200 * time.Millisecond,
		FrameRetries:        50,
		FrameRetryInterval:  100 * time.Millisecond,
		DebugMinError:       0.5,
		DebugMaxError:       2.5,
	}
}

// Mover is the stage as seen by the controller
type Mover interface {
	// MoveBy moves by delta mm and returns once the stage has stopped
	MoveBy(ctx context.Context, delta mathx.Vec2) error

	// Abort stops all motion
	Abort() error
}

// FrameRequester hands out frames captured after the request was made
type FrameRequester interface {
	Request(ctx context.Context) (frame.Frame, error)
}

// RunLog records the evaluations of a run
type RunLog interface {
	Log(runlog.Entry) error
	Close() error
}

// LogOpener creates the log of a new run
type LogOpener func() (RunLog, error)

// Status is a snapshot of the controller
type Status struct {
	State State `json:"-"`

	// StateName is State as text
	StateName string `json:"state"`

	// Index is the setpoint being worked on, -1 outside a run
	Index int `json:"index"`

	// Total is the number of setpoints in the run
	Total int `json:"total"`

	// Target is the calibrated target in px, nil if unknown
	Target *mathx.Vec2 `json:"target"`

	// LastOffset is the most recent combined offset, mm
	LastOffset mathx.Vec2 `json:"lastOffset"`

	// LastPass is whether LastOffset was within tolerance
	LastPass bool `json:"lastPass"`

	// Corrections holds the number of corrective moves per setpoint
	Corrections []int `json:"corrections"`

	// Err is the error the last run or calibration ended with
	Err string `json:"error,omitempty"`
}

// Controller runs the well positioning loop
type Controller struct {
	cfg    Config
	stage  Mover
	frames FrameRequester
	ens    evaluator.Ensemble

	// OpenLog, if not nil, is called at the start of every run
	OpenLog LogOpener

	// OnProgress, if not nil, is called with a snapshot on every state change
	OnProgress func(Status)

	rng *rand.Rand

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	status Status
}

// New returns a controller.  It starts out Ready if the configuration
// carries a target, Uncalibrated otherwise.
func New(cfg Config, stage Mover, frames FrameRequester, ens evaluator.Ensemble) (*Controller, error) {
	if err := ens.Validate(); err != nil {
		return nil, err
	}
	if cfg.MMPerPixel <= 0 {
		return nil, errors.New("mm_per_pixel must be positive")
	}
	if cfg.DebugMaxError < cfg.DebugMinError {
		return nil, errors.New("debug_max_error is less than debug_min_error")
	}
	c := &Controller{
		cfg:    cfg,
		stage:  stage,
		frames: frames,
		ens:    ens,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		status: Status{State: Uncalibrated, Index: -1},
	}
	if cfg.Target != nil {
		t := *cfg.Target
		c.status.Target = &t
		c.status.State = Ready
	}
	return c, nil
}

// Config returns the configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// Ensemble returns the evaluators
func (c *Controller) Ensemble() evaluator.Ensemble {
	return c.ens
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() Status {
	s := c.status
	s.StateName = s.State.String()
	if s.Target != nil {
		t := *s.Target
		s.Target = &t
	}
	s.Corrections = append([]int(nil), s.Corrections...)
	return s
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

// Busy is true while a run or calibration is in progress
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// update applies fn to the status under the lock and reports the result
func (c *Controller) update(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	s := c.snapshot()
	c.mu.Unlock()
	if c.OnProgress != nil {
		c.OnProgress(s)
	}
}

func (c *Controller) setState(st State) {
	c.update(func(s *Status) { s.State = st })
}

// Target returns the target in px, and false if there is none
func (c *Controller) Target() (mathx.Vec2, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Target == nil {
		return mathx.Vec2{}, false
	}
	return *c.status.Target, true
}

// SetTarget injects a known target, making the controller Ready
func (c *Controller) SetTarget(t mathx.Vec2) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()
	c.update(func(s *Status) {
		s.Target = &t
		s.State = Ready
		s.Err = ""
	})
	return nil
}

// begin claims the controller for a run or calibration.  The returned
// context is cancelled by Abort.
func (c *Controller) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return nil, ErrBusy
	}
	c.busy = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.status.Err = ""
	return ctx, nil
}

func (c *Controller) end(err error) {
	c.mu.Lock()
	c.cancel()
	c.busy = false
	c.cancel = nil
	if err != nil {
		c.status.Err = err.Error()
	}
	c.mu.Unlock()
}

// Abort cancels the run or calibration in progress and stops the stage
func (c *Controller) Abort() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	return c.stage.Abort()
}

// fail stops the stage after a fatal error or cancellation and records the
// terminal state
func (c *Controller) fail(ctx context.Context, err error) error {
	if aerr := c.stage.Abort(); aerr != nil {
		log.Println("stopping stage:", aerr)
	}
	if ctx.Err() != nil {
		c.setState(Aborted)
		return errors.Wrap(ctx.Err(), "run aborted")
	}
	c.setState(Failed)
	return err
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// move moves the stage and lets it settle
func (c *Controller) move(ctx context.Context, delta mathx.Vec2) error {
	if err := c.stage.MoveBy(ctx, delta); err != nil {
		return errors.Wrapf(err, "moving by %s mm", delta)
	}
	return sleep(ctx, c.cfg.Settle)
}

// acquire requests a frame, waiting for a source that has not started
// producing yet
func (c *Controller) acquire(ctx context.Context) (frame.Frame, error) {
	var f frame.Frame
	op := func() error {
		var err error
		f, err = c.frames.Request(ctx)
		if err == nil || errors.Is(err, frame.ErrSourceNotReady) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.FrameRetryInterval), c.cfg.FrameRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return frame.Frame{}, errors.Wrap(err, "requesting frame")
	}
	return f, nil
}

// Calibrate locates the target in fresh frames.  Frames without a detection
// are retried; when the retries run out a *CalibrationFailedError is returned.
func (c *Controller) Calibrate(ctx context.Context) (mathx.Vec2, error) {
	ctx, err := c.begin(ctx)
	if err != nil {
		return mathx.Vec2{}, err
	}
	var target mathx.Vec2
	err = c.calibrate(ctx, &target)
	c.end(err)
	return target, err
}

func (c *Controller) calibrate(ctx context.Context, target *mathx.Vec2) error {
	c.setState(Calibrating)
	attempts := 0
	var last error
	op := func() error {
		attempts++
		f, err := c.acquire(ctx)
		if err != nil {
			last = err
			if errors.Is(err, frame.ErrFrameTimeout) {
				return err
			}
			return backoff.Permanent(err)
		}
		pos, _, err := c.ens.Locate(f.Gray())
		last = err
		if err != nil {
			return err
		}
		*target = pos
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.CalibrationInterval), c.cfg.CalibrationRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			c.setState(Aborted)
			return errors.Wrap(ctx.Err(), "calibration aborted")
		}
		c.setState(Failed)
		if last == nil {
			last = err
		}
		return &CalibrationFailedError{Attempts: attempts, Err: last}
	}
	t := *target
	log.Printf("calibrated target %s px after %d attempts\n", t, attempts)
	c.update(func(s *Status) {
		s.Target = &t
		s.State = Ready
	})
	return nil
}

// perturb returns a random offset with a magnitude in
// [DebugMinError, DebugMaxError] and a random sign on each axis
func (c *Controller) perturb() mathx.Vec2 {
	one := func() float64 {
		v := c.cfg.DebugMinError + c.rng.Float64()*(c.cfg.DebugMaxError-c.cfg.DebugMinError)
		if c.rng.Intn(2) == 0 {
			v = -v
		}
		return v
	}
	return mathx.Vec2{X: one(), Y: one()}
}

// Run visits the setpoints, corrected by corrections, and returns the new
// corrections.  Setpoints that do not converge keep their old correction and
// are reported in a *RunError once every setpoint has been visited; the
// returned corrections are valid in that case.  On any other error the stage
// is stopped and no corrections are returned.
func (c *Controller) Run(ctx context.Context, setpoints, corrections []mathx.Vec2) ([]mathx.Vec2, error) {
	if len(setpoints) != len(corrections) {
		return nil, errors.Wrapf(ErrCardinality, "%d setpoints, %d corrections", len(setpoints), len(corrections))
	}
	ctx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	out, err := c.run(ctx, setpoints, corrections)
	c.end(err)
	return out, err
}

func (c *Controller) run(ctx context.Context, setpoints, corrections []mathx.Vec2) ([]mathx.Vec2, error) {
	target, ok := c.Target()
	if !ok {
		c.setState(Failed)
		return nil, ErrPrecondition
	}
	var rl RunLog
	if c.OpenLog != nil {
		var err error
		if rl, err = c.OpenLog(); err != nil {
			c.setState(Failed)
			return nil, errors.Wrap(err, "opening run log")
		}
		defer func() {
			if err := rl.Close(); err != nil {
				log.Println("closing run log:", err)
			}
		}()
	}
	c.update(func(s *Status) {
		s.Index = 0
		s.Total = len(setpoints)
		s.Corrections = make([]int, len(setpoints))
	})

	out := append([]mathx.Vec2(nil), corrections...)
	var (
		believed mathx.Vec2
		failed   []*ConvergenceFailedError
	)
	for i, sp := range setpoints {
		c.update(func(s *Status) {
			s.Index = i
			s.State = FeedForward
		})
		delta := sp.Add(corrections[i]).Sub(believed)
		if c.cfg.Debug {
			delta = delta.Add(c.perturb())
		}
		if err := c.move(ctx, delta); err != nil {
			return nil, c.fail(ctx, err)
		}
		believed = believed.Add(delta)

		c.setState(Correcting)
		total, err := c.correct(ctx, i, sp, target, rl, &believed)
		var cf *ConvergenceFailedError
		switch {
		case errors.As(err, &cf):
			log.Println(cf)
			failed = append(failed, cf)
		case err != nil:
			return nil, c.fail(ctx, err)
		default:
			out[i] = total.Add(corrections[i])
		}
	}
	c.update(func(s *Status) {
		s.Index = -1
		s.State = Finished
	})
	if len(failed) > 0 {
		return out, &RunError{Failed: failed}
	}
	return out, nil
}

// correct evaluates frames and moves the stage until the well is within
// tolerance, and returns the sum of the corrective moves.  believed tracks
// the commanded stage position.
func (c *Controller) correct(ctx context.Context, i int, sp, target mathx.Vec2, rl RunLog, believed *mathx.Vec2) (mathx.Vec2, error) {
	var (
		total  mathx.Vec2
		moves  int
		missed int
		last   mathx.Vec2
	)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		f, err := c.acquire(ctx)
		if err != nil {
			return total, err
		}
		img := f.Gray()
		px, results, err := c.ens.Combine(img, target)
		entry := runlog.Entry{
			Time:     time.Now(),
			Target:   target,
			Setpoint: sp,
			Results:  results,
			Image:    img,
		}
		if errors.Is(err, evaluator.ErrNoDetection) {
			c.record(rl, entry)
			missed++
			if c.cfg.MaxMissedDetections > 0 && missed >= c.cfg.MaxMissedDetections {
				return total, &ConvergenceFailedError{Index: i, Setpoint: sp, Corrections: moves, LastOffset: last, Missed: missed}
			}
			continue
		}
		if err != nil {
			return total, err
		}
		missed = 0

		mm := px.Scale(c.cfg.MMPerPixel)
		pass := mm.Within(c.cfg.MaxOffset)
		entry.Total = px
		entry.Pass = pass
		c.record(rl, entry)
		last = mm
		c.update(func(s *Status) {
			s.LastOffset = mm
			s.LastPass = pass
		})
		if pass {
			return total, nil
		}
		if c.cfg.MaxCorrections > 0 && moves >= c.cfg.MaxCorrections {
			return total, &ConvergenceFailedError{Index: i, Setpoint: sp, Corrections: moves, LastOffset: mm}
		}
		if err := c.move(ctx, mm); err != nil {
			return total, err
		}
		*believed = believed.Add(mm)
		total = total.Add(mm)
		moves++
		c.update(func(s *Status) { s.Corrections[i] = moves })
	}
}

// record writes a log row.  A failing log does not stop the stage.
func (c *Controller) record(rl RunLog, e runlog.Entry) {
	if rl == nil {
		return
	}
	if err := rl.Log(e); err != nil {
		log.Println("run log:", err)
	}
}

// load reads a setpoint file and its corrections, creating a zero
// correction file if there is none
func load(path string) (sp, corr []mathx.Vec2, cpath string, err error) {
	sp, err = setpoint.Load(path)
	if err != nil {
		return nil, nil, "", err
	}
	cpath = setpoint.CorrectionPath(path)
	corr, err = setpoint.LoadCorrections(cpath, len(sp))
	return sp, corr, cpath, err
}

// save writes the corrections of a run that visited every setpoint
func (c *Controller) save(cpath string, out []mathx.Vec2, err error) error {
	var re *RunError
	if err != nil && !errors.As(err, &re) {
		return err
	}
	if c.cfg.Debug {
		log.Println("debug mode, corrections not saved")
		return err
	}
	if serr := setpoint.SaveCorrections(cpath, out); serr != nil {
		return errors.Wrap(serr, "saving corrections")
	}
	log.Printf("saved %d corrections to %s\n", len(out), cpath)
	return err
}

// RunFile runs the setpoints in a file against the corrections next to it,
// creating a zero correction file if there is none.  The new corrections are
// saved when every setpoint was visited, unless in debug mode.
func (c *Controller) RunFile(ctx context.Context, path string) error {
	sp, corr, cpath, err := load(path)
	if err != nil {
		return err
	}
	out, err := c.Run(ctx, sp, corr)
	return c.save(cpath, out, err)
}

// Start is RunFile in the background.  It returns once the run has started,
// or with the error that kept it from starting.  started, if not nil, is
// called once the controller is committed to the run and before it begins;
// done, if not nil, is called with the outcome of the run.  Neither is
// called if Start returns an error.
func (c *Controller) Start(path string, started func(), done func(error)) error {
	sp, corr, cpath, err := load(path)
	if err != nil {
		return err
	}
	ctx, err := c.begin(context.Background())
	if err != nil {
		return err
	}
	if started != nil {
		started()
	}
	go func() {
		out, err := c.run(ctx, sp, corr)
		c.end(err)
		err = c.save(cpath, out, err)
		if err != nil {
			log.Println("run:", err)
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}
