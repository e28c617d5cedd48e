/*Package evaluator estimates where the well is in a frame.

An Evaluator looks at a grayscale image and reports the pixel offset of the
feature it detects from a target point, or nothing at all.  Several evaluators
are fused by an Ensemble into one weighted average offset.  Evaluators that
can also report the absolute feature position implement Locator, which is
used to calibrate the target.
*/
package evaluator

import (
	"errors"
	"fmt"
	"image"

	"github.com/Daan4/vision-well-position-controller/mathx"
)

// ErrNoDetection is generated when no evaluator in an ensemble found its feature
var ErrNoDetection = errors.New("no evaluator detected a feature")

// Evaluator reports the offset of a detected feature from target, in pixels,
// positive right and down.  ok is false when nothing was detected.
type Evaluator interface {
	Name() string
	Evaluate(img *image.Gray, target mathx.Vec2) (offset mathx.Vec2, ok bool)
}

// Locator reports the absolute pixel position of a detected feature
type Locator interface {
	Locate(img *image.Gray) (pos mathx.Vec2, ok bool)
}

// Weighted is an evaluator and its weight in the ensemble
type Weighted struct {
	Evaluator
	Weight float64
}

// Result is the outcome of one evaluator on one frame
type Result struct {
	Name   string
	Weight float64
	Offset mathx.Vec2
	OK     bool
}

// Ensemble is an ordered set of weighted evaluators
type Ensemble []Weighted

// Validate checks the ensemble is not empty and all weights are positive
func (e Ensemble) Validate() error {
	if len(e) == 0 {
		return errors.New("evaluator ensemble is empty")
	}
	for _, w := range e {
		if w.Weight <= 0 {
			return fmt.Errorf("evaluator %s has non-positive weight %f", w.Name(), w.Weight)
		}
	}
	return nil
}

// combine is the weighted average of the detecting results
func combine(results []Result) (mathx.Vec2, error) {
	var (
		sum  mathx.Vec2
		wsum float64
	)
	for _, r := range results {
		if !r.OK {
			continue
		}
		sum = sum.Add(r.Offset.Scale(r.Weight))
		wsum += r.Weight
	}
	if wsum == 0 {
		return mathx.Vec2{}, ErrNoDetection
	}
	return sum.Scale(1 / wsum), nil
}

// Combine runs every evaluator and returns the weighted average offset of
// those that detected something, along with the individual results
func (e Ensemble) Combine(img *image.Gray, target mathx.Vec2) (mathx.Vec2, []Result, error) {
	results := make([]Result, len(e))
	for i, w := range e {
		off, ok := w.Evaluate(img, target)
		results[i] = Result{Name: w.Name(), Weight: w.Weight, Offset: off, OK: ok}
	}
	combined, err := combine(results)
	return combined, results, err
}

// Locate is Combine for absolute positions, over the evaluators that are
// Locators
func (e Ensemble) Locate(img *image.Gray) (mathx.Vec2, []Result, error) {
	results := make([]Result, 0, len(e))
	for _, w := range e {
		l, ok := w.Evaluator.(Locator)
		if !ok {
			continue
		}
		pos, ok := l.Locate(img)
		results = append(results, Result{Name: w.Name(), Weight: w.Weight, Offset: pos, OK: ok})
	}
	pos, err := combine(results)
	return pos, results, err
}
