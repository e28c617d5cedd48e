package imgrec

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
)

func fixedClock() time.Time {
	return time.Date(2019, 1, 17, 12, 0, 0, 0, time.Local)
}

func TestSaveNamesAndFolders(t *testing.T) {
	root := t.TempDir()
	r := NewRecorder(root, "wpc_", PNG)
	r.now = fixedClock
	img := image.NewGray(image.Rect(0, 0, 4, 3))
	img.SetGray(1, 1, color.Gray{Y: 200})
	fn, err := r.Save("20190117120000.000", img)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "2019-01-17", "wpc_20190117120000.000.png")
	if fn != want {
		t.Errorf("expected %s, got %s", want, fn)
	}
	f, err := os.Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if y := color.GrayModel.Convert(got.At(1, 1)).(color.Gray).Y; y != 200 {
		t.Errorf("expected pixel value 200, got %d", y)
	}
}

func TestSaveNextIncrements(t *testing.T) {
	root := t.TempDir()
	r := NewRecorder(root, "cam", FITS)
	r.now = fixedClock
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	var names []string
	for i := 0; i < 3; i++ {
		fn, err := r.SaveNext(img)
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, filepath.Base(fn))
	}
	want := []string{"cam000001.fits", "cam000002.fits", "cam000003.fits"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("file %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestWriteFitsHeader(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 5, 4))
	var buf bytes.Buffer
	cards := []fitsio.Card{{Name: "SETPTX", Value: -13.0, Comment: "setpoint x, mm"}}
	if err := WriteFits(&buf, cards, img); err != nil {
		t.Fatal(err)
	}
	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	hdr := f.HDU(0).Header()
	axes := hdr.Axes()
	if len(axes) != 2 || axes[0] != 5 || axes[1] != 4 {
		t.Errorf("expected axes [5 4], got %v", axes)
	}
	if hdr.Get("SETPTX") == nil {
		t.Error("expected the SETPTX card in the header")
	}
	if hdr.Get("BZERO") == nil {
		t.Error("expected the BZERO card in the header")
	}
}

func TestWriteFitsRejectsMixedSizes(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFits(&buf, nil, image.NewGray(image.Rect(0, 0, 2, 2)), image.NewGray(image.Rect(0, 0, 3, 3)))
	if err == nil {
		t.Error("expected an error for images of different sizes")
	}
}
