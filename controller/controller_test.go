package controller_test

import (
	"context"
	"errors"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Daan4/vision-well-position-controller/controller"
	"github.com/Daan4/vision-well-position-controller/evaluator"
	"github.com/Daan4/vision-well-position-controller/frame"
	"github.com/Daan4/vision-well-position-controller/mathx"
	"github.com/Daan4/vision-well-position-controller/runlog"
	"github.com/Daan4/vision-well-position-controller/setpoint"
	"github.com/Daan4/vision-well-position-controller/stage"
	"github.com/Daan4/vision-well-position-controller/stepper"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

// fakeStage records moves.  If block is set MoveBy waits for the context.
type fakeStage struct {
	mu     sync.Mutex
	moves  []mathx.Vec2
	aborts int
	block  bool
}

func (s *fakeStage) MoveBy(ctx context.Context, delta mathx.Vec2) error {
	s.mu.Lock()
	s.moves = append(s.moves, delta)
	block := s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeStage) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return nil
}

func (s *fakeStage) Moves() []mathx.Vec2 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mathx.Vec2(nil), s.moves...)
}

// blankFrames hands out an empty frame on every request
type blankFrames struct{}

func (blankFrames) Request(ctx context.Context) (frame.Frame, error) {
	return frame.Frame{Image: image.NewGray(image.Rect(0, 0, 4, 4)), Time: time.Now()}, nil
}

// step is one scripted evaluation; a nil offset is a missed detection
type step *mathx.Vec2

func off(x, y float64) step {
	return &mathx.Vec2{X: x, Y: y}
}

// script plays back offsets, then repeats the last one forever
type script struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (s *script) Name() string { return "Script" }

func (s *script) next() (mathx.Vec2, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	if s.steps[i] == nil {
		return mathx.Vec2{}, false
	}
	return *s.steps[i], true
}

func (s *script) Evaluate(*image.Gray, mathx.Vec2) (mathx.Vec2, bool) { return s.next() }

func (s *script) Locate(*image.Gray) (mathx.Vec2, bool) { return s.next() }

type memLog struct {
	entries []runlog.Entry
	closed  bool
}

func (l *memLog) Log(e runlog.Entry) error {
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) Close() error {
	l.closed = true
	return nil
}

// testConfig has a unit image scale so offsets are mm
func testConfig() controller.Config {
	cfg := controller.DefaultConfig()
	cfg.MMPerPixel = 1
	cfg.CalibrationInterval = time.Millisecond
	cfg.FrameRetryInterval = time.Millisecond
	cfg.Target = &mathx.Vec2{X: 320, Y: 240}
	return cfg
}

func newController(t *testing.T, cfg controller.Config, steps ...step) (*controller.Controller, *fakeStage, *memLog) {
	t.Helper()
	st := &fakeStage{}
	ens := evaluator.Ensemble{{Evaluator: &script{steps: steps}, Weight: 1}}
	c, err := controller.New(cfg, st, blankFrames{}, ens)
	if err != nil {
		t.Fatal(err)
	}
	l := &memLog{}
	c.OpenLog = func() (controller.RunLog, error) { return l, nil }
	return c, st, l
}

func TestStateString(t *testing.T) {
	if s := controller.FeedForward.String(); s != "FeedForward" {
		t.Errorf("expected FeedForward, got %s", s)
	}
	if s := controller.State(42).String(); s != "Unknown" {
		t.Errorf("expected Unknown, got %s", s)
	}
}

func TestRunWithoutTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Target = nil
	c, st, _ := newController(t, cfg, off(0, 0))
	if c.State() != controller.Uncalibrated {
		t.Errorf("expected Uncalibrated, got %s", c.State())
	}
	_, err := c.Run(context.Background(), []mathx.Vec2{{X: 1}}, []mathx.Vec2{{}})
	if !errors.Is(err, controller.ErrPrecondition) {
		t.Errorf("expected ErrPrecondition, got %v", err)
	}
	if len(st.Moves()) != 0 {
		t.Errorf("expected no moves, got %v", st.Moves())
	}
}

func TestRunCardinality(t *testing.T) {
	c, _, _ := newController(t, testConfig(), off(0, 0))
	_, err := c.Run(context.Background(), []mathx.Vec2{{X: 1}, {X: 2}}, []mathx.Vec2{{}})
	if !errors.Is(err, controller.ErrCardinality) {
		t.Errorf("expected ErrCardinality, got %v", err)
	}
}

func TestPassWithoutCorrectiveMove(t *testing.T) {
	c, st, l := newController(t, testConfig(), off(0.01, 0.01))
	sp := []mathx.Vec2{{X: -13, Y: 0}}
	corr := []mathx.Vec2{{X: 0.1, Y: -0.2}}
	out, err := c.Run(context.Background(), sp, corr)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]mathx.Vec2{{X: -12.9, Y: -0.2}}, st.Moves(), approx); diff != "" {
		t.Errorf("moves mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(corr, out, approx); diff != "" {
		t.Errorf("corrections mismatch (-want +got):\n%s", diff)
	}
	if len(l.entries) != 1 || !l.entries[0].Pass || !l.closed {
		t.Errorf("expected one passing row in a closed log, got %+v", l.entries)
	}
	if c.State() != controller.Finished {
		t.Errorf("expected Finished, got %s", c.State())
	}
}

func TestCorrectiveMoves(t *testing.T) {
	c, st, l := newController(t, testConfig(), off(0.5, 0.5), off(0.01, 0.01))
	sp := []mathx.Vec2{{X: -13, Y: 0}, {X: -26, Y: 0}}
	corr := []mathx.Vec2{{X: 1, Y: 1}, {X: 2, Y: 2}}
	out, err := c.Run(context.Background(), sp, corr)
	if err != nil {
		t.Fatal(err)
	}
	want := []mathx.Vec2{
		{X: -12, Y: 1},     // feed forward to sp0 + corr0
		{X: 0.5, Y: 0.5},   // correction
		{X: -12.5, Y: 0.5}, // from (-11.5, 1.5) to sp1 + corr1 = (-24, 2)
	}
	if diff := cmp.Diff(want, st.Moves(), approx); diff != "" {
		t.Errorf("moves mismatch (-want +got):\n%s", diff)
	}
	wantCorr := []mathx.Vec2{{X: 1.5, Y: 1.5}, {X: 2, Y: 2}}
	if diff := cmp.Diff(wantCorr, out, approx); diff != "" {
		t.Errorf("corrections mismatch (-want +got):\n%s", diff)
	}
	if len(l.entries) != 3 || l.entries[0].Pass || !l.entries[1].Pass {
		t.Errorf("expected a failing and two passing rows, got %d rows", len(l.entries))
	}
	if s := c.Status(); s.Corrections[0] != 1 || s.Corrections[1] != 0 {
		t.Errorf("expected corrective move counts [1 0], got %v", s.Corrections)
	}
}

func TestFirstRunOnZeroCorrections(t *testing.T) {
	c, st, _ := newController(t, testConfig(), off(0, 0))
	sp := []mathx.Vec2{{X: -13, Y: 0}, {X: -13, Y: -13}, {X: 0, Y: -13}}
	out, err := c.Run(context.Background(), sp, make([]mathx.Vec2, 3))
	if err != nil {
		t.Fatal(err)
	}
	want := []mathx.Vec2{{X: -13}, {Y: -13}, {X: 13}}
	if diff := cmp.Diff(want, st.Moves(), approx); diff != "" {
		t.Errorf("moves mismatch (-want +got):\n%s", diff)
	}
	for i, v := range out {
		if v != (mathx.Vec2{}) {
			t.Errorf("setpoint %d: expected a zero correction, got %v", i, v)
		}
	}
}

func TestConvergenceFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCorrections = 2
	// first setpoint never converges, the second passes at once
	c, st, _ := newController(t, cfg, off(1, 0), off(1, 0), off(1, 0), off(0, 0))
	sp := []mathx.Vec2{{X: -13}, {X: -26}}
	corr := []mathx.Vec2{{X: 0.3}, {X: 0.4}}
	out, err := c.Run(context.Background(), sp, corr)
	var re *controller.RunError
	if !errors.As(err, &re) {
		t.Fatalf("expected a RunError, got %v", err)
	}
	var cf *controller.ConvergenceFailedError
	if !errors.As(err, &cf) || cf.Index != 0 || cf.Corrections != 2 {
		t.Errorf("expected setpoint 0 to fail after 2 corrections, got %+v", cf)
	}
	if diff := cmp.Diff(corr, out, approx); diff != "" {
		t.Errorf("corrections mismatch (-want +got):\n%s", diff)
	}
	if n := len(st.Moves()); n != 4 {
		t.Errorf("expected 4 moves (2 feed forward, 2 corrections), got %d", n)
	}
	if c.State() != controller.Finished {
		t.Errorf("expected Finished, got %s", c.State())
	}
}

func TestMissedDetectionsRetried(t *testing.T) {
	c, st, l := newController(t, testConfig(), nil, nil, off(0, 0))
	if _, err := c.Run(context.Background(), []mathx.Vec2{{X: 1}}, []mathx.Vec2{{}}); err != nil {
		t.Fatal(err)
	}
	if len(st.Moves()) != 1 {
		t.Errorf("expected only the feed forward move, got %v", st.Moves())
	}
	if len(l.entries) != 3 {
		t.Errorf("expected a row per evaluation, got %d", len(l.entries))
	}
}

func TestMissedDetectionsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMissedDetections = 3
	c, _, _ := newController(t, cfg, nil)
	_, err := c.Run(context.Background(), []mathx.Vec2{{X: 1}}, []mathx.Vec2{{}})
	var cf *controller.ConvergenceFailedError
	if !errors.As(err, &cf) || cf.Missed != 3 {
		t.Errorf("expected a convergence failure after 3 missed frames, got %v", err)
	}
}

func TestAbortStopsStage(t *testing.T) {
	c, st, _ := newController(t, testConfig(), off(0, 0))
	st.block = true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := c.Run(ctx, []mathx.Vec2{{X: 1}}, []mathx.Vec2{{}})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
	if st.aborts == 0 {
		t.Error("expected the stage to be stopped")
	}
	if c.State() != controller.Aborted {
		t.Errorf("expected Aborted, got %s", c.State())
	}
}

func TestBusy(t *testing.T) {
	c, st, _ := newController(t, testConfig(), off(0, 0))
	st.block = true
	go c.Run(context.Background(), []mathx.Vec2{{X: 1}}, []mathx.Vec2{{}})
	deadline := time.Now().Add(time.Second)
	for !c.Busy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := c.Calibrate(context.Background()); !errors.Is(err, controller.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if err := c.SetTarget(mathx.Vec2{}); !errors.Is(err, controller.ErrBusy) {
		t.Errorf("expected ErrBusy from SetTarget, got %v", err)
	}
	if err := c.Abort(); err != nil {
		t.Fatal(err)
	}
	for c.Busy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Busy() {
		t.Error("expected Abort to end the run")
	}
}

func TestCalibrate(t *testing.T) {
	cfg := testConfig()
	cfg.Target = nil
	c, _, _ := newController(t, cfg, nil, nil, off(330, 250))
	var states []controller.State
	c.OnProgress = func(s controller.Status) { states = append(states, s.State) }
	got, err := c.Calibrate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != (mathx.Vec2{X: 330, Y: 250}) {
		t.Errorf("expected target (330, 250), got %v", got)
	}
	if tgt, ok := c.Target(); !ok || tgt != got {
		t.Errorf("expected the target to be stored, got %v", tgt)
	}
	want := []controller.State{controller.Calibrating, controller.Ready}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestCalibrationFails(t *testing.T) {
	cfg := testConfig()
	cfg.Target = nil
	cfg.CalibrationRetries = 2
	c, _, _ := newController(t, cfg, nil)
	_, err := c.Calibrate(context.Background())
	var cf *controller.CalibrationFailedError
	if !errors.As(err, &cf) {
		t.Fatalf("expected a CalibrationFailedError, got %v", err)
	}
	if cf.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cf.Attempts)
	}
	if !errors.Is(err, evaluator.ErrNoDetection) {
		t.Errorf("expected the error to wrap ErrNoDetection, got %v", cf.Err)
	}
	if c.State() != controller.Failed {
		t.Errorf("expected Failed, got %s", c.State())
	}
}

func TestDebugPerturbation(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = true
	c, st, _ := newController(t, cfg, off(0, 0))
	if _, err := c.Run(context.Background(), make([]mathx.Vec2, 5), make([]mathx.Vec2, 5)); err != nil {
		t.Fatal(err)
	}
	var pos mathx.Vec2
	for i, m := range st.Moves() {
		// every move starts from the believed position, so each commanded
		// position is the (zero) setpoint plus one bounded error
		pos = pos.Add(m)
		a := pos.Abs()
		if a.X < cfg.DebugMinError-1e-9 || a.X > cfg.DebugMaxError+1e-9 || a.Y < cfg.DebugMinError-1e-9 || a.Y > cfg.DebugMaxError+1e-9 {
			t.Errorf("move %d: position %v outside the perturbation bounds", i, pos)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0666); err != nil {
		t.Fatal(err)
	}
}

func TestRunFileSavesCorrections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setpoints.csv")
	writeFile(t, path, "-13, 0\n-26, 0\n")
	c, _, _ := newController(t, testConfig(), off(0.5, -0.25), off(0, 0))
	if err := c.RunFile(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	got, err := setpoint.Load(setpoint.CorrectionPath(path))
	if err != nil {
		t.Fatal(err)
	}
	want := []mathx.Vec2{{X: 0.5, Y: -0.25}, {}}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, setpoint.Precision)); diff != "" {
		t.Errorf("corrections mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFileDebugDoesNotSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setpoints.csv")
	writeFile(t, path, "-13, 0\n")
	cfg := testConfig()
	cfg.Debug = true
	c, _, _ := newController(t, cfg, off(0.5, 0.5), off(0, 0))
	if err := c.RunFile(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	got, err := setpoint.Load(setpoint.CorrectionPath(path))
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != (mathx.Vec2{}) {
		t.Errorf("expected the bootstrapped zero correction to be kept, got %v", got[0])
	}
}

func TestClosedLoop(t *testing.T) {
	m := stepper.NewMockPulser(1000)
	x, err := stepper.New(stepper.DefaultConfig("x", 14, 15, 18), m)
	if err != nil {
		t.Fatal(err)
	}
	y, err := stepper.New(stepper.DefaultConfig("y", 23, 24, 25), m)
	if err != nil {
		t.Fatal(err)
	}
	st := stage.New(x, y, stage.Config{})

	center := mathx.Vec2{X: 320, Y: 240}
	wellErr := mathx.Vec2{X: 0.3, Y: 0.3}
	sp := []mathx.Vec2{{X: 1, Y: -1}}
	src := &frame.Synthetic{
		Width: 640, Height: 480, FPS: 100, MMPerPixel: 0.01,
		Center: center, Radius: 50,
		Wells:    []mathx.Vec2{sp[0].Add(wellErr)},
		Position: st.Position,
	}
	ch := frame.NewChannel(2 * time.Second)
	if err := src.Start(ch.Publish); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	cfg := controller.DefaultConfig()
	cfg.MMPerPixel = 0.01
	cfg.MaxOffset = mathx.Vec2{X: 0.05, Y: 0.05}
	cfg.FrameRetryInterval = 10 * time.Millisecond
	cfg.Target = &center
	ens := evaluator.Ensemble{{Evaluator: evaluator.NewCentroid(image.Point{X: 640, Y: 480}, false), Weight: 1}}
	c, err := controller.New(cfg, st, ch, ens)
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Run(context.Background(), sp, make([]mathx.Vec2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if d := out[0].Sub(wellErr).Abs(); d.X > 0.05 || d.Y > 0.05 {
		t.Errorf("expected a learned correction near %v, got %v", wellErr, out[0])
	}
	if d := st.Position().Sub(src.Wells[0]); math.Abs(d.X) > 0.05 || math.Abs(d.Y) > 0.05 {
		t.Errorf("expected the stage over the well at %v, got %v", src.Wells[0], st.Position())
	}
}
