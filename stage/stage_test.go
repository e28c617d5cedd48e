package stage_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Daan4/vision-well-position-controller/mathx"
	"github.com/Daan4/vision-well-position-controller/stage"
	"github.com/Daan4/vision-well-position-controller/stepper"
	"github.com/Daan4/vision-well-position-controller/util"
)

func newStage(t *testing.T, speedup float64, cfg stage.Config) (*stage.Stage, *stepper.MockPulser) {
	t.Helper()
	m := stepper.NewMockPulser(speedup)
	x, err := stepper.New(stepper.DefaultConfig("x", 14, 15, 18), m)
	if err != nil {
		t.Fatal(err)
	}
	y, err := stepper.New(stepper.DefaultConfig("y", 23, 24, 25), m)
	if err != nil {
		t.Fatal(err)
	}
	return stage.New(x, y, cfg), m
}

func near(a, b mathx.Vec2) bool {
	return math.Abs(a.X-b.X) < 1e-9 && math.Abs(a.Y-b.Y) < 1e-9
}

func TestMoveBy(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		s, m := newStage(t, 1000, stage.Config{Concurrent: concurrent})
		want := mathx.Vec2{X: 1, Y: -0.5}
		if err := s.MoveBy(context.Background(), want); err != nil {
			t.Fatal(err)
		}
		if got := s.Position(); !near(got, want) {
			t.Errorf("concurrent=%v: expected position %v, got %v", concurrent, want, got)
		}
		if s.Moving() {
			t.Error("expected both axes stopped after MoveBy")
		}
		if !m.Level(14) || !m.Level(23) {
			t.Error("expected both axes disabled after MoveBy")
		}
	}
}

func TestInvertedAxis(t *testing.T) {
	s, m := newStage(t, 1000, stage.Config{InvertY: true})
	if err := s.MoveBy(context.Background(), mathx.Vec2{Y: 0.25}); err != nil {
		t.Fatal(err)
	}
	if pos, _ := s.GetPos("y"); math.Abs(pos-0.25) > 1e-9 {
		t.Errorf("expected y at 0.25 mm, got %f", pos)
	}
	if m.Level(25) {
		t.Error("expected an inverted axis to drive its direction line low for positive moves")
	}
}

func TestLimits(t *testing.T) {
	cfg := stage.Config{Limits: map[string]util.Limiter{"x": {Min: -1, Max: 1}}}
	s, _ := newStage(t, 1000, cfg)
	err := s.MoveBy(context.Background(), mathx.Vec2{X: 2})
	if !errors.Is(err, stage.ErrOutOfLimits) {
		t.Errorf("expected ErrOutOfLimits, got %v", err)
	}
	if err = s.MoveAbs("x", -0.5); err != nil {
		t.Fatal(err)
	}
	if err = s.MoveRel("x", -0.6); !errors.Is(err, stage.ErrOutOfLimits) {
		t.Errorf("expected ErrOutOfLimits for relative move past the limit, got %v", err)
	}
}

func TestUnknownAxis(t *testing.T) {
	s, _ := newStage(t, 1000, stage.Config{})
	if _, err := s.GetPos("z"); err != stage.ErrUnknownAxis {
		t.Errorf("expected ErrUnknownAxis, got %v", err)
	}
	if err := s.Home("theta"); err != stage.ErrUnknownAxis {
		t.Errorf("expected ErrUnknownAxis, got %v", err)
	}
}

func TestAbortStopsBothAxes(t *testing.T) {
	s, m := newStage(t, 10, stage.Config{Concurrent: true})
	errc := make(chan error, 1)
	go func() {
		errc <- s.MoveBy(context.Background(), mathx.Vec2{X: 50, Y: 50})
	}()
	deadline := time.Now().Add(time.Second)
	for !s.Moving() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := s.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, stepper.ErrStopped) {
		t.Errorf("expected the move to be interrupted, got %v", err)
	}
	if s.Moving() {
		t.Error("expected no axis running after abort")
	}
	if !m.Level(14) || !m.Level(23) {
		t.Error("expected both axes disabled after abort")
	}
	if in, _ := s.GetInPosition("x"); !in {
		t.Error("expected x in position after abort")
	}
}

func TestHomeZeroes(t *testing.T) {
	s, _ := newStage(t, 1000, stage.Config{})
	if err := s.MoveRel("x", 0.1); err != nil {
		t.Fatal(err)
	}
	if err := s.Home("x"); err != nil {
		t.Fatal(err)
	}
	if pos, _ := s.GetPos("x"); pos != 0 {
		t.Errorf("expected x at 0 after home, got %f", pos)
	}
}

func TestJogAndStop(t *testing.T) {
	s, _ := newStage(t, 100, stage.Config{InvertY: true})
	if err := s.MoveContinuous("y", true); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if in, _ := s.GetInPosition("y"); in {
		t.Error("expected y to be moving while jogging")
	}
	if err := s.Stop("y"); err != nil {
		t.Fatal(err)
	}
	if pos, _ := s.GetPos("y"); pos <= 0 {
		t.Errorf("expected a positive jog to end at a positive position, got %f", pos)
	}
	if s.Moving() {
		t.Error("expected no axis running after stop")
	}

	limited, _ := newStage(t, 100, stage.Config{Limits: map[string]util.Limiter{"x": {Min: -1, Max: 1}}})
	if err := limited.MoveContinuous("x", false); !errors.Is(err, stage.ErrJogLimited) {
		t.Errorf("expected ErrJogLimited, got %v", err)
	}
}
