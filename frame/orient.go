package frame

import (
	"fmt"
	"image"

	"github.com/disintegration/gift"
)

// Orientation corrects for how the camera is mounted over the plate.
// Rotate is clockwise, in degrees, and must be a multiple of 90.
type Orientation struct {
	Rotate int  `koanf:"rotate" yaml:"rotate"`
	FlipH  bool `koanf:"flip_h" yaml:"flip_h"`
	FlipV  bool `koanf:"flip_v" yaml:"flip_v"`
}

// Validate checks the rotation
func (o Orientation) Validate() error {
	if o.Rotate%90 != 0 {
		return fmt.Errorf("rotation must be a multiple of 90 degrees, got %d", o.Rotate)
	}
	return nil
}

func (o Orientation) filter() *gift.GIFT {
	g := gift.New()
	switch ((o.Rotate % 360) + 360) % 360 {
	case 90:
		// gift rotates counter-clockwise
		g.Add(gift.Rotate270())
	case 180:
		g.Add(gift.Rotate180())
	case 270:
		g.Add(gift.Rotate90())
	}
	if o.FlipH {
		g.Add(gift.FlipHorizontal())
	}
	if o.FlipV {
		g.Add(gift.FlipVertical())
	}
	return g
}

// Identity is true when Apply would not change the image
func (o Orientation) Identity() bool {
	return o.Rotate%360 == 0 && !o.FlipH && !o.FlipV
}

// Apply returns img reoriented.  Gray images stay gray.
func (o Orientation) Apply(img image.Image) image.Image {
	if o.Identity() {
		return img
	}
	g := o.filter()
	b := g.Bounds(img.Bounds())
	if _, ok := img.(*image.Gray); ok {
		dst := image.NewGray(b)
		g.Draw(dst, img)
		return dst
	}
	dst := image.NewRGBA(b)
	g.Draw(dst, img)
	return dst
}

// Wrap returns a publish func that reorients every frame before passing it on
func (o Orientation) Wrap(publish func(Frame)) func(Frame) {
	if o.Identity() {
		return publish
	}
	return func(f Frame) {
		f.Image = o.Apply(f.Image)
		publish(f)
	}
}
