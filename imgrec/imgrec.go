// Package imgrec contains an image recorder used to automatically save frames to disk.
package imgrec

import (
	"encoding/json"
	"fmt"
	"go/types"
	"image"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/Daan4/vision-well-position-controller/generichttp"
)

// Supported formats
const (
	FITS = "fits"
	PNG  = "png"
)

// DayLayout is the layout of the per-day subfolders
const DayLayout = "2006-01-02"

// Recorder records frames in yyyy-mm-dd subfolders of Root.  Files are named
// either explicitly or with an incrementing counter.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Format is FITS or PNG; empty means FITS
	Format string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool

	// now is swapped in tests
	now func() time.Time
}

// NewRecorder returns a recorder writing below root
func NewRecorder(root, prefix, format string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Format: format, Enabled: true}
}

func (r *Recorder) ext() string {
	if strings.EqualFold(r.Format, PNG) {
		return PNG
	}
	return FITS
}

func (r *Recorder) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Folder makes the folder for today and returns it
func (r *Recorder) Folder() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mkDir()
}

func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.Root, r.clock().Format(DayLayout))
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Save writes img as <prefix><name>.<ext> in today's folder and returns the
// path.  cards are only written to FITS files.
func (r *Recorder) Save(name string, img image.Image, cards ...fitsio.Card) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(r.Prefix+name, img, cards)
}

// SaveNext writes img with the next free sequence number
func (r *Recorder) SaveNext(img image.Image, cards ...fitsio.Card) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incr()
	return r.save(fmt.Sprintf("%s%06d", r.Prefix, r.counter), img, cards)
}

func (r *Recorder) save(base string, img image.Image, cards []fitsio.Card) (string, error) {
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	fn := filepath.Join(fldr, base+"."+r.ext())
	f, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	if r.ext() == PNG {
		err = png.Encode(f, img)
	} else {
		err = WriteFits(f, cards, img)
	}
	if err != nil {
		f.Close()
		return "", err
	}
	return fn, f.Close()
}

// incr updates the filename counter; it scans the folder to do so
func (r *Recorder) incr() {
	dn, err := r.mkDir()
	if err != nil {
		r.counter++
		return
	}
	files, err := os.ReadDir(dn)
	if err != nil {
		r.counter++
		return
	}
	count := r.counter
	suffix := "." + r.ext()
	for _, file := range files {
		// skip directories, other formats, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, suffix) || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), suffix)
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}

// WriteFits streams a 16-bit fits file to w.  8-bit images are scaled to
// the full 16-bit range.  More than one image makes a cube.
func WriteFits(w io.Writer, metadata []fitsio.Card, imgs ...image.Image) error {
	if len(imgs) == 0 {
		return fmt.Errorf("no images to write")
	}
	nframes := len(imgs)
	b := imgs[0].Bounds()
	width, height := b.Dx(), b.Dy()
	for _, img := range imgs[1:] {
		if img.Bounds().Dx() != width || img.Bounds().Dy() != height {
			return fmt.Errorf("image size %v differs from %v", img.Bounds().Size(), b.Size())
		}
	}
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{width, height}
	if nframes > 1 {
		dims = append(dims, nframes)
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	ints := make([]int16, 0, width*height*nframes)
	for _, img := range imgs {
		ints = appendInt16(ints, img)
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// appendInt16 appends the pixels of img, offset by -32768
func appendInt16(dst []int16, img image.Image) []int16 {
	b := img.Bounds()
	switch im := img.(type) {
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := im.Pix[(y-b.Min.Y)*im.Stride : (y-b.Min.Y)*im.Stride+b.Dx()]
			for _, v := range row {
				dst = append(dst, int16(int(v)*257-32768))
			}
		}
	case *image.Gray16:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				dst = append(dst, int16(int(im.Gray16At(x, y).Y)-32768))
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				// luma per ITU-R 601, as image/color does
				l := (19595*r + 38470*g + 7471*bl + 1<<15) >> 16
				dst = append(dst, int16(int(l)-32768))
			}
		}
	}
	return dst
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder, prefix and format to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := h.Recorder
	rec.mu.Lock()
	rec.Root = str.Str
	_, err = rec.mkDir()
	rec.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Root}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetPrefix updates the filename prefix of the recorder
func (h HTTPWrapper) SetPrefix(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Prefix = str.Str
	h.Recorder.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Prefix}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetFormat sets the file format, fits or png
func (h HTTPWrapper) SetFormat(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f := strings.ToLower(str.Str)
	if f != FITS && f != PNG {
		http.Error(w, fmt.Sprintf("format %q not supported, use fits or png", str.Str), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Format = f
	h.Recorder.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetFormat returns the file format
func (h HTTPWrapper) GetFormat(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.ext()}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// GetEnabled returns the Recorder's Enabled field
func (h HTTPWrapper) GetEnabled(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.Bool, Bool: h.Recorder.Enabled}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetEnabled sets the recorder's Enabled field
func (h HTTPWrapper) SetEnabled(w http.ResponseWriter, r *http.Request) {
	bT := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&bT)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Enabled = bT.Bool
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// IsEnabled reads the Enabled flag under the recorder's lock
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix,
// /autowrite/format and /autowrite/enabled to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = h.SetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = h.SetPrefix
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = h.GetPrefix
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/format"}] = h.SetFormat
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/format"}] = h.GetFormat
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = h.SetEnabled
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = h.GetEnabled
}
