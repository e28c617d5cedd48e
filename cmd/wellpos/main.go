package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	"golang.org/x/sys/unix"

	yml "gopkg.in/yaml.v2"

	"github.com/Daan4/vision-well-position-controller/controller"
	"github.com/Daan4/vision-well-position-controller/runlog"
	"github.com/Daan4/vision-well-position-controller/setpoint"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "wellpos.yml"

	// EnvPrefix marks environment variables that override the config file,
	// WELLPOS_CONTROLLER__DEBUG=true sets controller.debug
	EnvPrefix = "WELLPOS_"

	k = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.Replace(s, "__", ".", -1)
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func config() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	if err := c.Camera.Orientation.Validate(); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `wellpos centers the wells of a well plate over a camera with an X/Y stepper stage.
Every well is visited open loop, then corrected until the camera sees it within
tolerance.  The corrections are remembered for the next run.

Usage:
	wellpos <command>

Commands:
	run [setpoints.csv]
	calibrate
	serve
	gensetpoints [24|48] [setpoints.csv]
	stats <wpc_log.csv>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `wellpos is amenable to configuration via its .yml file, wellpos.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html
Write the defaults to the file with "wellpos mkconf".  Any key can be
overridden from the environment, WELLPOS_ followed by the key path with __
between levels, e.g. WELLPOS_CONTROLLER__DEBUG=true.

The setpoints file has one "x, y" row in mm per well, in visiting order.  The
corrections learned for it are stored next to it, setpoints_corrections.csv for
setpoints.csv, and are created full of zeros on the first run.

The target, where in the image the well must be brought, is found by
calibrating with a well centered over the camera.  Put it in the config as
controller.target to skip calibration on every run.

Each run writes wpc_<timestamp>.csv and one frame per evaluation into a folder
per day under record.root.

With mock: true the stage and camera are simulated.  The simulated wells are
the setpoints displaced by sim.well_error, which the first run learns.

serve exposes the stage, camera and controller over HTTP at addr.  GET
/endpoints lists the routes.  The stage is locked for manual moves while a run
started with POST /controller/run is in progress.`
	fmt.Println(str)
}

func mkconf() {
	c := config()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("wellpos version %v\n", Version)
}

// interrupt cancels the context and aborts whatever the controller is doing,
// which stops both axes
func interrupt(ctl *controller.Controller, cancel context.CancelFunc) {
	cancel()
	if err := ctl.Abort(); err != nil {
		log.Println(err)
	}
}

// waitIdle blocks until the controller has wound down its run or
// calibration, or timeout elapses
func waitIdle(ctl *controller.Controller, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for ctl.Busy() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// abortOnSignal interrupts the controller on SIGINT or SIGTERM.  A second
// signal exits at once.
func abortOnSignal(ctl *controller.Controller, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, unix.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("%v, stopping the stage\n", sig)
		interrupt(ctl, cancel)
		<-sigs
		os.Exit(1)
	}()
}

func start(c Config) (*System, context.Context, context.CancelFunc) {
	sys, err := Build(c)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	abortOnSignal(sys.Ctl, cancel)
	if err = sys.Start(c.Camera.Orientation); err != nil {
		sys.Close()
		log.Fatal(err)
	}
	return sys, ctx, cancel
}

func spinner(msg string) *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return s
}

func calibrate(ctx context.Context, ctl *controller.Controller) {
	sp := spinner("locating the target")
	sp.Start()
	t, err := ctl.Calibrate(ctx)
	if err != nil {
		sp.StopFail()
		log.Fatal(err)
	}
	sp.StopMessage(fmt.Sprintf("target at %s px", t))
	sp.Stop()
}

func calib() {
	c := config()
	sys, ctx, cancel := start(c)
	defer cancel()
	defer sys.Close()
	calibrate(ctx, sys.Ctl)
	t, _ := sys.Ctl.Target()
	fmt.Printf("add to %s to skip calibration:\ncontroller:\n  target:\n    x: %g\n    y: %g\n", ConfigFileName, t.X, t.Y)
}

func run(args []string) {
	c := config()
	if len(args) > 0 {
		c.Setpoints = args[0]
	}
	sys, ctx, cancel := start(c)
	defer cancel()
	defer sys.Close()
	if _, ok := sys.Ctl.Target(); !ok {
		calibrate(ctx, sys.Ctl)
	}

	sp := spinner("starting")
	sys.Ctl.OnProgress = func(s controller.Status) {
		if s.Index < 0 {
			return
		}
		sp.Message(fmt.Sprintf("%s %d/%d, offset %s mm", s.State, s.Index+1, s.Total, s.LastOffset))
	}
	sp.Start()
	err := sys.Ctl.RunFile(ctx, c.Setpoints)
	var re *controller.RunError
	switch {
	case err == nil:
		sp.StopMessage("all setpoints reached")
		sp.Stop()
	case errors.As(err, &re):
		sp.StopFailMessage(err.Error())
		sp.StopFail()
	default:
		sp.StopFail()
		sys.Close()
		log.Fatal(err)
	}
	summary(sys.Ctl.Status())
}

func summary(s controller.Status) {
	green, red := color.New(color.FgGreen).SprintFunc(), color.New(color.FgRed).SprintFunc()
	for i, n := range s.Corrections {
		fmt.Printf("setpoint %3d: %s corrective moves\n", i, green(n))
	}
	if s.Err != "" {
		fmt.Println(red(s.Err))
	}
}

func serve() {
	c := config()
	sys, ctx, cancel := start(c)
	defer cancel()
	defer sys.Close()
	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(c, sys)}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Println("shutting down the server:", err)
		}
	}()
	log.Println("now listening for requests at ", c.Addr)
	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		sys.Close()
		log.Fatal(err)
	}
	if !waitIdle(sys.Ctl, 5*time.Second) {
		log.Println("controller still busy, stopping the stage anyway")
	}
}

func gensetpoints(args []string) {
	c := config()
	var name string
	if len(args) > 0 {
		name = args[0]
	}
	g, err := plate(c, name)
	if err != nil {
		log.Fatal(err)
	}
	out := c.Setpoints
	if len(args) > 1 {
		out = args[1]
	}
	f, err := os.Create(out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err = setpoint.Generate(f, g); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %d setpoints to %s\n", g.Rows*g.Columns, out)
}

func stats(args []string) {
	if len(args) == 0 {
		log.Fatal("stats needs a run log")
	}
	c := config()
	f, err := os.Open(args[0])
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	l, err := runlog.Parse(f)
	if err != nil {
		log.Fatal(err)
	}
	s := l.Summarize(c.Controller.MMPerPixel)
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("setpoints reached   %s\n", bold(s.Setpoints))
	fmt.Printf("evaluations         %s\n", bold(s.Evaluations))
	fmt.Printf("mean evaluations    %s\n", bold(fmt.Sprintf("%.2f", s.MeanIterations)))
	fmt.Printf("mean correction     %s\n", bold(fmt.Sprintf("%.3f mm", s.MeanDistance)))
	fmt.Printf("mean time/setpoint  %s\n", bold(s.MeanTime.Round(time.Millisecond)))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run(args[2:])
		return
	case "calibrate":
		calib()
		return
	case "serve":
		serve()
		return
	case "gensetpoints":
		gensetpoints(args[2:])
		return
	case "stats":
		stats(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
