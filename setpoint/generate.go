package setpoint

import (
	"errors"
	"io"

	"github.com/Daan4/vision-well-position-controller/mathx"
)

// Grid describes the well layout of a plate, all lengths in mm
type Grid struct {
	// Origin is the position of well A1 relative to where the stage is zeroed
	Origin mathx.Vec2 `koanf:"origin" yaml:"origin"`

	// Pitch is the center to center distance of neighboring wells
	Pitch mathx.Vec2 `koanf:"pitch" yaml:"pitch"`

	// Rows is the number of wells along y
	Rows int `koanf:"rows" yaml:"rows"`

	// Columns is the number of wells along x
	Columns int `koanf:"columns" yaml:"columns"`
}

// Plate24 and Plate48 are standard plates, starting on well A1
var (
	Plate24 = Grid{Pitch: mathx.Vec2{X: 19.5, Y: 19.5}, Rows: 4, Columns: 6}
	Plate48 = Grid{Pitch: mathx.Vec2{X: 13, Y: 13}, Rows: 6, Columns: 8}
)

// Points returns the well centers in serpentine order, A1..A6, B6..B1, C1..
// and so on.  Coordinates are negated and rounded to 0.01 mm to match the
// orientation of the stage.
func (g Grid) Points() []mathx.Vec2 {
	out := make([]mathx.Vec2, 0, g.Rows*g.Columns)
	for r := 0; r < g.Rows; r++ {
		for i := 0; i < g.Columns; i++ {
			c := i
			if r%2 != 0 {
				c = g.Columns - 1 - i
			}
			p := mathx.Vec2{
				X: -mathx.Round(g.Origin.X+float64(c)*g.Pitch.X, 0.01),
				Y: -mathx.Round(g.Origin.Y+float64(r)*g.Pitch.Y, 0.01),
			}
			out = append(out, p)
		}
	}
	return out
}

// Generate writes the setpoints of a grid to w
func Generate(w io.Writer, g Grid) error {
	if g.Rows <= 0 || g.Columns <= 0 {
		return errors.New("grid must have at least one row and one column")
	}
	return Write(w, g.Points())
}
