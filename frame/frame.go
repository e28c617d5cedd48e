/*Package frame hands camera frames from a free-running producer to the
control loop.

A Source produces frames continuously at its own rate and publishes them to a
Channel.  The control loop calls Request when it wants an image; only a frame
captured after the request is accepted, everything published while nobody is
waiting is dropped.  This keeps frames taken during stage motion from being
evaluated.
*/
package frame

import (
	"image"
	"image/draw"
	"time"

	"github.com/disintegration/gift"
)

// Frame is one image from a Source
type Frame struct {
	// Image is the pixel data.  Frames handed out by a Channel own their image.
	Image image.Image

	// Seq is the producer's frame counter
	Seq uint64

	// Time is the capture time
	Time time.Time
}

// Clone returns a deep copy of the frame
func (f Frame) Clone() Frame {
	out := f
	if f.Image != nil {
		b := f.Image.Bounds()
		var dst draw.Image
		switch f.Image.(type) {
		case *image.Gray:
			dst = image.NewGray(b)
		default:
			dst = image.NewRGBA(b)
		}
		draw.Draw(dst, b, f.Image, b.Min, draw.Src)
		out.Image = dst
	}
	return out
}

// Gray returns the frame as a single channel image
func (f Frame) Gray() *image.Gray {
	if g, ok := f.Image.(*image.Gray); ok {
		return g
	}
	g := gift.New(gift.Grayscale())
	dst := image.NewGray(g.Bounds(f.Image.Bounds()))
	g.Draw(dst, f.Image)
	return dst
}

// Source is a free-running frame producer.  Resolution, frame rate and pixel
// format are fixed when it is constructed.
type Source interface {
	// Start begins producing frames, calling publish for each one from the
	// producer's own goroutine
	Start(publish func(Frame)) error

	// Stop ends production and releases the camera
	Stop() error
}
