package main

import (
	"encoding/json"
	"fmt"
	"image"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/Daan4/vision-well-position-controller/controller"
	"github.com/Daan4/vision-well-position-controller/evaluator"
	"github.com/Daan4/vision-well-position-controller/frame"
	"github.com/Daan4/vision-well-position-controller/generichttp"
	"github.com/Daan4/vision-well-position-controller/generichttp/camera"
	"github.com/Daan4/vision-well-position-controller/generichttp/motion"
	"github.com/Daan4/vision-well-position-controller/imgrec"
	"github.com/Daan4/vision-well-position-controller/mathx"
	"github.com/Daan4/vision-well-position-controller/pigpio"
	"github.com/Daan4/vision-well-position-controller/runlog"
	"github.com/Daan4/vision-well-position-controller/server/middleware/locker"
	"github.com/Daan4/vision-well-position-controller/setpoint"
	"github.com/Daan4/vision-well-position-controller/stage"
	"github.com/Daan4/vision-well-position-controller/stepper"
)

// CameraConfig holds the capture settings
type CameraConfig struct {
	// Command is the process that writes an MJPEG stream to stdout
	Command []string `koanf:"command" yaml:"command"`

	// Width, Height and FPS are the capture resolution and frame rate
	Width  int     `koanf:"width" yaml:"width"`
	Height int     `koanf:"height" yaml:"height"`
	FPS    float64 `koanf:"fps" yaml:"fps"`

	// Timeout bounds the wait for a requested frame
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// Orientation corrects for how the camera is mounted
	Orientation frame.Orientation `koanf:"orientation" yaml:"orientation"`
}

// EvaluatorConfig selects one evaluator of the ensemble
type EvaluatorConfig struct {
	// Type is "centroid" or "wellbottomfeatures" (alias "blob")
	Type string `koanf:"type" yaml:"type"`

	Weight float64 `koanf:"weight" yaml:"weight"`

	// Debug logs the intermediate results of the image pipeline
	Debug bool `koanf:"debug" yaml:"debug"`
}

// RecordConfig holds where run logs and frames are written
type RecordConfig struct {
	// Root is the folder the per-day folders are made in
	Root string `koanf:"root" yaml:"root"`

	// Format is "fits" or "png"
	Format string `koanf:"format" yaml:"format"`

	// Frames saves the frame of every log row
	Frames bool `koanf:"frames" yaml:"frames"`
}

// SimConfig holds the simulation used in mock mode
type SimConfig struct {
	// Speedup runs the simulated stage faster than real time
	Speedup float64 `koanf:"speedup" yaml:"speedup"`

	// WellError is the offset of every simulated well from its setpoint, mm
	WellError mathx.Vec2 `koanf:"well_error" yaml:"well_error"`

	// WellRadius is the radius of a simulated well bottom, mm
	WellRadius float64 `koanf:"well_radius" yaml:"well_radius"`
}

// Config is the complete configuration of wellpos
type Config struct {
	// Addr is the address the HTTP server listens at
	Addr string `koanf:"addr" yaml:"addr"`

	// Mock simulates the stage and camera
	Mock bool `koanf:"mock" yaml:"mock"`

	// Pigpiod is the host:port of the pigpio daemon
	Pigpiod string `koanf:"pigpiod" yaml:"pigpiod"`

	// Setpoints is the setpoint file; its corrections live next to it
	Setpoints string `koanf:"setpoints" yaml:"setpoints"`

	X     stepper.Config `koanf:"x" yaml:"x"`
	Y     stepper.Config `koanf:"y" yaml:"y"`
	Stage stage.Config   `koanf:"stage" yaml:"stage"`

	Camera     CameraConfig      `koanf:"camera" yaml:"camera"`
	Evaluators []EvaluatorConfig `koanf:"evaluators" yaml:"evaluators"`
	Controller controller.Config `koanf:"controller" yaml:"controller"`
	Record     RecordConfig      `koanf:"record" yaml:"record"`

	// Plate is the grid written by gensetpoints
	Plate setpoint.Grid `koanf:"plate" yaml:"plate"`

	Sim SimConfig `koanf:"sim" yaml:"sim"`
}

// DefaultConfig is the configuration before any file or environment is applied
func DefaultConfig() Config {
	return Config{
		Addr:      ":8000",
		Pigpiod:   pigpio.DefaultAddr,
		Setpoints: "setpoints.csv",
		X:         stepper.DefaultConfig("x", 14, 15, 18),
		Y:         stepper.DefaultConfig("y", 23, 24, 25),
		Camera: CameraConfig{
			Command: []string{"libcamera-vid", "-t", "0", "-n", "--codec", "mjpeg",
				"--width", "640", "--height", "480", "--framerate", "30", "-o", "-"},
			Width:   640,
			Height:  480,
			FPS:     30,
			Timeout: 2 * time.Second,
		},
		Evaluators: []EvaluatorConfig{
			{Type: "wellbottomfeatures", Weight: 1},
			{Type: "centroid", Weight: 1},
		},
		Controller: controller.DefaultConfig(),
		Record:     RecordConfig{Root: "logs", Format: imgrec.FITS, Frames: true},
		Plate:      setpoint.Plate48,
		Sim:        SimConfig{Speedup: 1, WellError: mathx.Vec2{X: 0.3, Y: -0.2}, WellRadius: 3},
	}
}

// Ensemble builds the evaluators
func (c Config) Ensemble() (evaluator.Ensemble, error) {
	res := image.Point{X: c.Camera.Width, Y: c.Camera.Height}
	var ens evaluator.Ensemble
	for _, e := range c.Evaluators {
		var ev evaluator.Evaluator
		switch strings.ToLower(e.Type) {
		case "centroid":
			ev = evaluator.NewCentroid(res, e.Debug)
		case "wellbottomfeatures", "blob":
			ev = evaluator.NewBlob(res, e.Debug)
		default:
			return nil, fmt.Errorf("evaluator type %q not understood", e.Type)
		}
		ens = append(ens, evaluator.Weighted{Evaluator: ev, Weight: e.Weight})
	}
	return ens, ens.Validate()
}

// System is the assembled hardware and controller
type System struct {
	Stage  *stage.Stage
	Source frame.Source
	Frames *frame.Channel
	Runs   *imgrec.Recorder
	Snaps  *imgrec.Recorder
	Ctl    *controller.Controller

	closers []func() error
}

// Build wires up the stage, camera and controller, simulated if c.Mock
func Build(c Config) (*System, error) {
	s := &System{}
	var p stepper.Pulser
	if c.Mock {
		p = stepper.NewMockPulser(c.Sim.Speedup)
	} else {
		client := pigpio.NewClient(c.Pigpiod)
		if err := client.Open(); err != nil {
			return nil, fmt.Errorf("connecting to pigpiod at %s: %w", c.Pigpiod, err)
		}
		s.closers = append(s.closers, client.Close)
		pp, err := stepper.NewPigpioPulser(client, uint(c.X.StepPin), uint(c.Y.StepPin))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append([]func() error{pp.Close}, s.closers...)
		p = pp
	}
	x, err := stepper.New(c.X, p)
	if err != nil {
		s.Close()
		return nil, err
	}
	y, err := stepper.New(c.Y, p)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Stage = stage.New(x, y, c.Stage)

	if c.Mock {
		s.Source = simulation(c, s.Stage)
	} else {
		s.Source = &frame.MJPEG{Command: c.Camera.Command, FPS: c.Camera.FPS}
	}
	s.Frames = frame.NewChannel(c.Camera.Timeout)

	s.Runs = imgrec.NewRecorder(c.Record.Root, "", c.Record.Format)
	s.Runs.Enabled = c.Record.Frames
	s.Snaps = imgrec.NewRecorder(c.Record.Root, "cam", c.Record.Format)
	s.Snaps.Enabled = false

	ens, err := c.Ensemble()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Ctl, err = controller.New(c.Controller, s.Stage, s.Frames, ens)
	if err != nil {
		s.Close()
		return nil, err
	}
	cols := runlog.Columns(ens)
	s.Ctl.OpenLog = func() (controller.RunLog, error) {
		l, err := runlog.Create(s.Runs, cols, c.Controller.MMPerPixel, c.Controller.MaxOffset)
		if err != nil {
			return nil, err
		}
		log.Println("logging run to", l.Path())
		return l, nil
	}
	return s, nil
}

// simulation renders the wells of the setpoint file, displaced by the
// simulated well error, as seen from the stage position
func simulation(c Config, st *stage.Stage) *frame.Synthetic {
	sp, err := setpoint.Load(c.Setpoints)
	if err != nil {
		log.Println("simulated camera has no wells:", err)
	}
	wells := make([]mathx.Vec2, len(sp))
	for i, v := range sp {
		wells[i] = v.Add(c.Sim.WellError)
	}
	return &frame.Synthetic{
		Width:      c.Camera.Width,
		Height:     c.Camera.Height,
		FPS:        c.Camera.FPS,
		MMPerPixel: c.Controller.MMPerPixel,
		Center:     mathx.Vec2{X: float64(c.Camera.Width) / 2, Y: float64(c.Camera.Height) / 2},
		Radius:     c.Sim.WellRadius / c.Controller.MMPerPixel,
		Wells:      wells,
		Position:   st.Position,
	}
}

// Start begins frame production
func (s *System) Start(o frame.Orientation) error {
	if err := s.Source.Start(o.Wrap(s.Frames.Publish)); err != nil {
		return err
	}
	s.closers = append([]func() error{s.Source.Stop}, s.closers...)
	return nil
}

// Close stops the camera and releases the hardware
func (s *System) Close() error {
	var first error
	if s.Stage != nil {
		first = s.Stage.Abort()
	}
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// BuildMux mounts the stage, camera and controller under /stage, /camera and
// /controller.  The stage is locked while the controller runs.  The mux
// serves a special route, /endpoints, which returns a map of every node to
// its routes as JSON.
func BuildMux(c Config, s *System) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	stageLock := locker.New()
	mount := func(endpoint string, httper generichttp.HTTPer, lock locker.ManipulableLock, mw ...func(http.Handler) http.Handler) {
		hndlS := generichttp.SubMuxSanitize(endpoint)
		if lock != nil {
			locker.Inject(httper, lock)
		}
		supergraph[hndlS] = httper.RT().Endpoints()
		r := chi.NewRouter()
		r.Use(mw...)
		if lock != nil {
			r.Use(lock.Check)
		}
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}

	mc := motion.NewHTTPMotionController(s.Stage)
	limiter := motion.LimitMiddleware{Limits: c.Stage.Limits, Mov: s.Stage}
	limiter.Inject(mc)
	mount("stage", mc, stageLock, limiter.Check)

	settings := camera.Settings{Width: c.Camera.Width, Height: c.Camera.Height, FPS: c.Camera.FPS, Format: "mjpeg"}
	cam := camera.NewHTTPCamera(s.Frames, settings, s.Snaps)
	mount("camera", cam, locker.New())

	mount("controller", controller.NewHTTPWrapper(s.Ctl, c.Setpoints, stageLock), nil)

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// plate returns the grid named by arg, "24" or "48", or the configured one
func plate(c Config, arg string) (setpoint.Grid, error) {
	switch arg {
	case "":
		return c.Plate, nil
	case "24":
		return setpoint.Plate24, nil
	case "48":
		return setpoint.Plate48, nil
	}
	if _, err := strconv.Atoi(arg); err == nil {
		return setpoint.Grid{}, fmt.Errorf("no standard %s well plate, use 24 or 48", arg)
	}
	return setpoint.Grid{}, fmt.Errorf("plate %q not understood", arg)
}
