package evaluator

import (
	"image"
	"math"

	"github.com/disintegration/gift"
)

// reference resolution the default parameters are tuned for
var refRes = image.Point{X: 640, Y: 480}

// Options tune the image pipeline shared by the evaluators
type Options struct {
	// Blur is the gaussian blur sigma, px
	Blur float32 `koanf:"blur" yaml:"blur"`

	// Gamma is applied after contrast stretching
	Gamma float32 `koanf:"gamma" yaml:"gamma"`

	// Threshold is the black/white cut, percent of full scale
	Threshold float32 `koanf:"threshold" yaml:"threshold"`

	// OpenSize is the kernel size of the morphological opening, px.  Zero
	// disables the opening.
	OpenSize int `koanf:"open_size" yaml:"open_size"`

	// MinArea is the smallest feature accepted, px
	MinArea int `koanf:"min_area" yaml:"min_area"`

	// Debug logs intermediate results
	Debug bool `koanf:"debug" yaml:"debug"`
}

// DefaultOptions returns options scaled to an image resolution
func DefaultOptions(res image.Point, debug bool) Options {
	s := float64(res.X) / float64(refRes.X)
	if s <= 0 {
		s = 1
	}
	open := int(math.Round(5*s)) | 1 // odd
	return Options{
		Blur:      float32(2 * s),
		Gamma:     1.5,
		Threshold: 50,
		OpenSize:  open,
		MinArea:   int(math.Round(5000 * s * s)),
		Debug:     debug,
	}
}

// stretch rescales the gray levels of img in place to span 0-255
func stretch(img *image.Gray) {
	lo, hi := uint8(255), uint8(0)
	for _, v := range img.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return
	}
	scale := 255 / float64(hi-lo)
	for i, v := range img.Pix {
		img.Pix[i] = uint8(math.Round(float64(v-lo) * scale))
	}
}

// binarize runs blur, stretch, gamma, threshold and optionally an opening,
// returning a zero-origin black/white image
func binarize(src *image.Gray, o Options, open bool) *image.Gray {
	blur := gift.New()
	if o.Blur > 0 {
		blur.Add(gift.GaussianBlur(o.Blur))
	}
	tmp := image.NewGray(blur.Bounds(src.Bounds()))
	blur.Draw(tmp, src)
	stretch(tmp)

	g := gift.New()
	if o.Gamma > 0 && o.Gamma != 1 {
		g.Add(gift.Gamma(o.Gamma))
	}
	g.Add(gift.Threshold(o.Threshold))
	if open && o.OpenSize > 1 {
		// erosion then dilation removes specks smaller than the kernel
		g.Add(gift.Minimum(o.OpenSize, true), gift.Maximum(o.OpenSize, true))
	}
	out := image.NewGray(g.Bounds(tmp.Bounds()))
	g.Draw(out, tmp)
	return out
}
