/*Package runlog writes the per-run CSV log of the well position controller.

Every evaluation of a frame while correcting a setpoint is one row:

	Timestamp, Target, Setpoint,
	<name> x px (weight w), <name> y px, <name> x mm, <name> y mm,   (per evaluator)
	Total px, Total mm, Pass (max offset mm) (x, y)

Tuples are written as "(x, y)", evaluators that found nothing as None and
the pass flag as 1 or 0.  The frame each row was computed from is saved next
to the log, named by the row's timestamp.
*/
package runlog

import (
	"encoding/csv"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"

	"github.com/Daan4/vision-well-position-controller/evaluator"
	"github.com/Daan4/vision-well-position-controller/imgrec"
	"github.com/Daan4/vision-well-position-controller/mathx"
)

// TimestampLayout formats the Timestamp column and image names
const TimestampLayout = "20060102150405.000"

// None marks a missing detection
const None = "None"

// Column describes one evaluator in the log
type Column struct {
	Name   string
	Weight float64
}

// Columns returns the log columns of an ensemble
func Columns(e evaluator.Ensemble) []Column {
	out := make([]Column, len(e))
	for i, w := range e {
		out[i] = Column{Name: w.Name(), Weight: w.Weight}
	}
	return out
}

// Entry is one row of the log
type Entry struct {
	// Time the frame was evaluated
	Time time.Time

	// Target is the reference position in the image, px
	Target mathx.Vec2

	// Setpoint is the raw setpoint being corrected, mm
	Setpoint mathx.Vec2

	// Results holds one result per evaluator, in column order
	Results []evaluator.Result

	// Total is the combined offset, px
	Total mathx.Vec2

	// Pass is true if the offset was within the allowed maximum
	Pass bool

	// Image is the evaluated frame, nil to skip saving it
	Image image.Image
}

// Logger appends rows to a run log.  It is safe for concurrent use.
type Logger struct {
	mu         sync.Mutex
	path       string
	f          *os.File
	w          *csv.Writer
	cols       []Column
	mmPerPixel float64
	maxOffset  mathx.Vec2
	rec        *imgrec.Recorder
	rows       int
}

// Create makes a new log in the per-day folder of rec, named
// wpc_<timestamp>.csv with a counter appended if that is taken, and writes
// the header.  Frames are saved with rec
// when it is enabled.
func Create(rec *imgrec.Recorder, cols []Column, mmPerPixel float64, maxOffset mathx.Vec2) (*Logger, error) {
	fldr, err := rec.Folder()
	if err != nil {
		return nil, errors.Wrap(err, "creating log folder")
	}
	base := filepath.Join(fldr, "wpc_"+time.Now().Format(TimestampLayout))
	fn := base + ".csv"
	f, err := os.OpenFile(fn, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	for i := 1; os.IsExist(err) && i < 100; i++ {
		fn = fmt.Sprintf("%s_%d.csv", base, i)
		f, err = os.OpenFile(fn, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	}
	if err != nil {
		return nil, err
	}
	l := &Logger{
		path:       fn,
		f:          f,
		w:          csv.NewWriter(f),
		cols:       cols,
		mmPerPixel: mmPerPixel,
		maxOffset:  maxOffset,
		rec:        rec,
	}
	if err = l.write(Header(cols, maxOffset)); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Header returns the header row
func Header(cols []Column, maxOffset mathx.Vec2) []string {
	h := []string{"Timestamp", "Target", "Setpoint"}
	for _, c := range cols {
		h = append(h,
			fmt.Sprintf("%s x px (weight %g)", c.Name, c.Weight),
			c.Name+" y px",
			c.Name+" x mm",
			c.Name+" y mm")
	}
	return append(h, "Total px", "Total mm", fmt.Sprintf("Pass (max offset mm) %s", maxOffset))
}

func tuple(v mathx.Vec2, prec int) string {
	return "(" + strconv.FormatFloat(v.X, 'f', prec, 64) + ", " + strconv.FormatFloat(v.Y, 'f', prec, 64) + ")"
}

func num(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// Row formats an entry
func Row(e Entry, cols []Column, mmPerPixel float64) []string {
	row := []string{e.Time.Format(TimestampLayout), tuple(e.Target, 1), tuple(e.Setpoint, 3)}
	for i := range cols {
		if i >= len(e.Results) || !e.Results[i].OK {
			row = append(row, None, None, None, None)
			continue
		}
		off := e.Results[i].Offset
		mm := off.Scale(mmPerPixel)
		row = append(row, num(off.X, 1), num(off.Y, 1), num(mm.X, 4), num(mm.Y, 4))
	}
	pass := "0"
	if e.Pass {
		pass = "1"
	}
	return append(row, tuple(e.Total, 1), tuple(e.Total.Scale(mmPerPixel), 4), pass)
}

func (l *Logger) write(rec []string) error {
	if err := l.w.Write(rec); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// Log appends a row and saves its frame.  The row is on disk when Log returns.
func (l *Logger) Log(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if err := l.write(Row(e, l.cols, l.mmPerPixel)); err != nil {
		return errors.Wrap(err, "writing run log")
	}
	l.rows++
	if e.Image == nil || !l.rec.IsEnabled() {
		return nil
	}
	cards := []fitsio.Card{
		{Name: "TARGETX", Value: e.Target.X, Comment: "target x, px"},
		{Name: "TARGETY", Value: e.Target.Y, Comment: "target y, px"},
		{Name: "SETPTX", Value: e.Setpoint.X, Comment: "setpoint x, mm"},
		{Name: "SETPTY", Value: e.Setpoint.Y, Comment: "setpoint y, mm"},
		{Name: "OFFSETX", Value: e.Total.X, Comment: "combined offset x, px"},
		{Name: "OFFSETY", Value: e.Total.Y, Comment: "combined offset y, px"},
		{Name: "PASS", Value: e.Pass, Comment: "offset within maximum"},
	}
	_, err := l.rec.Save(e.Time.Format(TimestampLayout), e.Image, cards...)
	return errors.Wrap(err, "saving frame")
}

// Path is the location of the log file
func (l *Logger) Path() string {
	return l.path
}

// Rows is the number of rows written, excluding the header
func (l *Logger) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

// Close flushes and closes the log
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	l.w.Flush()
	err := l.w.Error()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
