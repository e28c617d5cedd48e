package runlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Daan4/vision-well-position-controller/evaluator"
	"github.com/Daan4/vision-well-position-controller/mathx"
)

// older logs stamp rows to the second
var timestampLayouts = []string{TimestampLayout, "20060102150405"}

var (
	weightRe = regexp.MustCompile(`\(weight ([^)]*)\)`)
	parenRe  = regexp.MustCompile(`\(([^()]*)\)`)
)

// Log is a parsed run log
type Log struct {
	Columns   []Column
	MaxOffset mathx.Vec2
	Entries   []Entry
}

func parseTuple(s string) (mathx.Vec2, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	if len(parts) != 2 {
		return mathx.Vec2{}, fmt.Errorf("%q is not an (x, y) tuple", s)
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return mathx.Vec2{}, err
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	return mathx.Vec2{X: x, Y: y}, err
}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var t time.Time
		t, err = time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func parseHeader(h []string) ([]Column, mathx.Vec2, error) {
	if len(h) < 6 || h[0] != "Timestamp" {
		return nil, mathx.Vec2{}, errors.New("not a run log, header does not start with Timestamp")
	}
	var cols []Column
	i := 3
	for ; i+3 < len(h) && !strings.HasPrefix(h[i], "Total"); i += 4 {
		m := weightRe.FindStringSubmatch(h[i])
		if m == nil {
			return nil, mathx.Vec2{}, fmt.Errorf("column %d %q has no weight", i, h[i])
		}
		w, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, mathx.Vec2{}, errors.Wrapf(err, "column %d", i)
		}
		cols = append(cols, Column{Name: strings.Fields(h[i])[0], Weight: w})
	}
	if i+2 >= len(h) || !strings.HasPrefix(h[i], "Total") {
		return nil, mathx.Vec2{}, errors.New("header has no Total columns")
	}
	var maxOff mathx.Vec2
	groups := parenRe.FindAllStringSubmatch(h[i+2], -1)
	if len(groups) >= 2 {
		v, err := parseTuple(groups[len(groups)-1][1])
		if err != nil {
			return nil, mathx.Vec2{}, errors.Wrap(err, "max offset")
		}
		maxOff = v
	}
	return cols, maxOff, nil
}

// Parse reads a run log.  Entries carry the combined offset in px; the
// per-evaluator results hold the px offsets.
func Parse(r io.Reader) (*Log, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errors.New("empty run log")
	}
	cols, maxOff, err := parseHeader(recs[0])
	if err != nil {
		return nil, err
	}
	out := &Log{Columns: cols, MaxOffset: maxOff}
	width := 3 + 4*len(cols) + 3
	for n, rec := range recs[1:] {
		if len(rec) != width {
			return nil, fmt.Errorf("row %d has %d fields, expected %d", n+1, len(rec), width)
		}
		var e Entry
		if e.Time, err = parseTime(rec[0]); err != nil {
			return nil, errors.Wrapf(err, "row %d", n+1)
		}
		if e.Target, err = parseTuple(rec[1]); err != nil {
			return nil, errors.Wrapf(err, "row %d", n+1)
		}
		if e.Setpoint, err = parseTuple(rec[2]); err != nil {
			return nil, errors.Wrapf(err, "row %d", n+1)
		}
		for i, c := range cols {
			res := evaluator.Result{Name: c.Name, Weight: c.Weight}
			x, y := rec[3+4*i], rec[4+4*i]
			if x != None && y != None {
				res.Offset.X, err = strconv.ParseFloat(x, 64)
				if err == nil {
					res.Offset.Y, err = strconv.ParseFloat(y, 64)
				}
				if err != nil {
					return nil, errors.Wrapf(err, "row %d", n+1)
				}
				res.OK = true
			}
			e.Results = append(e.Results, res)
		}
		if e.Total, err = parseTuple(rec[width-3]); err != nil {
			return nil, errors.Wrapf(err, "row %d", n+1)
		}
		e.Pass = rec[width-1] == "1"
		out.Entries = append(out.Entries, e)
	}
	return out, nil
}

// Summary holds the statistics of a run
type Summary struct {
	// Setpoints is the number of setpoints that passed
	Setpoints int

	// Evaluations is the number of rows
	Evaluations int

	// MeanIterations is the average number of evaluations per setpoint,
	// including the passing one
	MeanIterations float64

	// MeanDistance is the average of the summed correction distance per
	// setpoint, mm
	MeanDistance float64

	// MeanTime is the average time between reaching one setpoint and the
	// next
	MeanTime time.Duration
}

// Summarize computes the run statistics.  Evaluations after the last pass
// belong to an unfinished setpoint and are not counted in the means.
func (l *Log) Summarize(mmPerPixel float64) Summary {
	s := Summary{Evaluations: len(l.Entries)}
	var (
		iters, totalIters int
		dist, totalDist   float64
		totalTime         time.Duration
		timed             int
	)
	for i, e := range l.Entries {
		iters++
		mm := e.Total.Scale(mmPerPixel)
		dist += math.Hypot(mm.X, mm.Y)
		if !e.Pass {
			continue
		}
		s.Setpoints++
		totalIters += iters
		totalDist += dist
		iters, dist = 0, 0
		// time from this pass to the next one
		for j := i + 1; j < len(l.Entries); j++ {
			if l.Entries[j].Pass {
				totalTime += l.Entries[j].Time.Sub(e.Time)
				timed++
				break
			}
		}
	}
	if s.Setpoints > 0 {
		s.MeanIterations = float64(totalIters) / float64(s.Setpoints)
		s.MeanDistance = totalDist / float64(s.Setpoints)
	}
	if timed > 0 {
		s.MeanTime = totalTime / time.Duration(timed)
	}
	return s
}
