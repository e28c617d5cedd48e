/*Package setpoint reads the setpoints file and keeps the per-setpoint
correction offsets learned by the controller.

Both files are CSV with one "x, y" row in millimeters per setpoint.  The
correction file lives next to the setpoints file and shares its base name:

	setpoints/48.csv
	setpoints/48_corrections.csv

The correction file is created full of zeros the first time a setpoints file
is used, and is always rewritten as a whole.
*/
package setpoint

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Daan4/vision-well-position-controller/mathx"
)

// CorrectionSuffix is inserted before the extension of the setpoints file
// to name the correction file
const CorrectionSuffix = "_corrections"

// Precision is the resolution offsets are stored with, mm
const Precision = 1e-6

// CardinalityError is generated when the correction file does not hold one
// row per setpoint
type CardinalityError struct {
	Path      string
	Rows      int
	Setpoints int
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("%s has %d rows, expected one per setpoint (%d)", e.Path, e.Rows, e.Setpoints)
}

// CorrectionPath returns the correction file that belongs to a setpoints file
func CorrectionPath(setpoints string) string {
	ext := filepath.Ext(setpoints)
	return strings.TrimSuffix(setpoints, ext) + CorrectionSuffix + ext
}

// Read parses "x, y" rows
func Read(r io.Reader) ([]mathx.Vec2, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = 2
	cr.Comment = '#'
	var out []mathx.Vec2
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", len(out)+1)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", len(out)+1)
		}
		out = append(out, mathx.Vec2{X: x, Y: y})
	}
}

// Write formats rows as "x, y" with Precision
func Write(w io.Writer, rows []mathx.Vec2) error {
	for _, p := range rows {
		_, err := fmt.Fprintf(w, "%s, %s\n", format(p.X), format(p.Y))
		if err != nil {
			return err
		}
	}
	return nil
}

func format(v float64) string {
	v = mathx.Round(v, Precision)
	if v == 0 {
		v = 0 // no "-0"
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// Load reads a setpoints file.  The row order is the visiting order.
func Load(path string) ([]mathx.Vec2, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sp, err := Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading setpoints %s", path)
	}
	if len(sp) == 0 {
		return nil, fmt.Errorf("setpoints file %s is empty", path)
	}
	return sp, nil
}

// LoadCorrections reads the correction offsets for n setpoints, creating the
// file with n zero rows if it does not exist
func LoadCorrections(path string, n int) ([]mathx.Vec2, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		zeros := make([]mathx.Vec2, n)
		if err = SaveCorrections(path, zeros); err != nil {
			return nil, errors.Wrap(err, "creating correction file")
		}
		return zeros, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	corr, err := Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading corrections %s", path)
	}
	if len(corr) != n {
		return nil, &CardinalityError{Path: path, Rows: len(corr), Setpoints: n}
	}
	return corr, nil
}

// SaveCorrections replaces the correction file with offsets.  The new
// contents are written to a temporary file first, so a crash never leaves a
// partial file behind.
func SaveCorrections(path string, offsets []mathx.Vec2) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err = Write(tmp, offsets); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
