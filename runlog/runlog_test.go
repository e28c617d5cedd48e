package runlog_test

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Daan4/vision-well-position-controller/evaluator"
	"github.com/Daan4/vision-well-position-controller/imgrec"
	"github.com/Daan4/vision-well-position-controller/mathx"
	"github.com/Daan4/vision-well-position-controller/runlog"
)

var cols = []runlog.Column{{Name: "Centroid", Weight: 1}, {Name: "WellBottomFeatures", Weight: 2}}

func TestHeader(t *testing.T) {
	want := []string{
		"Timestamp", "Target", "Setpoint",
		"Centroid x px (weight 1)", "Centroid y px", "Centroid x mm", "Centroid y mm",
		"WellBottomFeatures x px (weight 2)", "WellBottomFeatures y px", "WellBottomFeatures x mm", "WellBottomFeatures y mm",
		"Total px", "Total mm", "Pass (max offset mm) (0.2, 0.2)",
	}
	got := runlog.Header(cols, mathx.Vec2{X: 0.2, Y: 0.2})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestRowWithMissingDetection(t *testing.T) {
	e := runlog.Entry{
		Time:     time.Date(2019, 1, 17, 14, 3, 9, 250e6, time.Local),
		Target:   mathx.Vec2{X: 320, Y: 240},
		Setpoint: mathx.Vec2{X: -13},
		Results: []evaluator.Result{
			{Name: "Centroid", Weight: 1, Offset: mathx.Vec2{X: 10, Y: -5}, OK: true},
			{Name: "WellBottomFeatures", Weight: 2},
		},
		Total: mathx.Vec2{X: 10, Y: -5},
	}
	want := []string{
		"20190117140309.250", "(320.0, 240.0)", "(-13.000, 0.000)",
		"10.0", "-5.0", "0.2540", "-0.1270",
		"None", "None", "None", "None",
		"(10.0, -5.0)", "(0.2540, -0.1270)", "0",
	}
	got := runlog.Row(e, cols, 0.0254)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}
}

func TestLoggerRoundTrip(t *testing.T) {
	root := t.TempDir()
	rec := imgrec.NewRecorder(root, "", imgrec.PNG)
	l, err := runlog.Create(rec, cols, 0.0254, mathx.Vec2{X: 0.2, Y: 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(l.Path()), "wpc_") || filepath.Ext(l.Path()) != ".csv" {
		t.Errorf("unexpected log name %s", l.Path())
	}
	t0 := time.Date(2019, 1, 17, 14, 3, 9, 0, time.Local)
	entries := []runlog.Entry{
		{
			Time:    t0,
			Results: []evaluator.Result{{OK: true, Offset: mathx.Vec2{X: 20, Y: 20}}, {OK: true, Offset: mathx.Vec2{X: 20, Y: 20}}},
			Total:   mathx.Vec2{X: 20, Y: 20},
			Image:   image.NewGray(image.Rect(0, 0, 8, 6)),
		},
		{
			Time:    t0.Add(1500 * time.Millisecond),
			Results: []evaluator.Result{{OK: true, Offset: mathx.Vec2{X: 1}}, {}},
			Total:   mathx.Vec2{X: 1},
			Pass:    true,
			Image:   image.NewGray(image.Rect(0, 0, 8, 6)),
		},
	}
	for _, e := range entries {
		if err := l.Log(e); err != nil {
			t.Fatal(err)
		}
	}
	if l.Rows() != 2 {
		t.Errorf("expected 2 rows, got %d", l.Rows())
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Log(entries[0]); err == nil {
		t.Error("expected logging to a closed log to fail")
	}

	pngs, _ := filepath.Glob(filepath.Join(filepath.Dir(l.Path()), "*.png"))
	if len(pngs) != 2 {
		t.Errorf("expected a frame per row, found %d", len(pngs))
	}

	f, err := os.Open(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	parsed, err := runlog.Parse(f)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cols, parsed.Columns); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}
	if parsed.MaxOffset != (mathx.Vec2{X: 0.2, Y: 0.2}) {
		t.Errorf("expected max offset (0.2, 0.2), got %v", parsed.MaxOffset)
	}
	if len(parsed.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(parsed.Entries))
	}
	second := parsed.Entries[1]
	if !second.Pass || second.Results[1].OK || !second.Results[0].OK {
		t.Errorf("second entry parsed wrong: %+v", second)
	}
	if !second.Time.Equal(entries[1].Time) {
		t.Errorf("expected time %v, got %v", entries[1].Time, second.Time)
	}
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2019, 1, 17, 14, 0, 0, 0, time.Local)
	l := runlog.Log{Entries: []runlog.Entry{
		{Time: t0, Total: mathx.Vec2{X: 30, Y: 40}},
		{Time: t0.Add(time.Second), Pass: true},
		{Time: t0.Add(3 * time.Second), Pass: true},
		{Time: t0.Add(4 * time.Second), Total: mathx.Vec2{X: 100}},
	}}
	s := l.Summarize(0.1)
	want := runlog.Summary{
		Setpoints:      2,
		Evaluations:    4,
		MeanIterations: 1.5,
		MeanDistance:   2.5, // 5 mm for the first setpoint, 0 for the second
		MeanTime:       2 * time.Second,
	}
	if diff := cmp.Diff(want, s, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestBackToBackLogsGetDistinctNames(t *testing.T) {
	rec := imgrec.NewRecorder(t.TempDir(), "", imgrec.PNG)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		l, err := runlog.Create(rec, cols, 0.0254, mathx.Vec2{X: 0.2, Y: 0.2})
		if err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
		if seen[l.Path()] {
			t.Errorf("log %d reuses %s", i, l.Path())
		}
		seen[l.Path()] = true
		if err = l.Close(); err != nil {
			t.Fatal(err)
		}
	}
}
