// Package camera provides an HTTP interface to the frame stream of a camera
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log"
	"net/http"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/Daan4/vision-well-position-controller/frame"
	"github.com/Daan4/vision-well-position-controller/generichttp"
	"github.com/Daan4/vision-well-position-controller/imgrec"
)

// FrameGetter can hand out frames
type FrameGetter interface {
	// Request blocks until a frame captured after the call arrives
	Request(context.Context) (frame.Frame, error)

	// Last returns the most recently delivered frame
	Last() (frame.Frame, bool)

	// Dropped is the number of frames nobody asked for
	Dropped() uint64
}

// MetadataMaker can produce an array of FITS cards
type MetadataMaker interface {
	// CollectHeaderMetadata produces an array of FITS cards
	CollectHeaderMetadata() []fitsio.Card
}

// Settings are the fixed capture settings of the camera
type Settings struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
	Format string  `json:"format"`
}

// HTTPCamera wraps a frame stream with HTTP
type HTTPCamera struct {
	Getter   FrameGetter
	Settings Settings

	// Meta, if not nil, adds cards to FITS frames
	Meta MetadataMaker

	// Rec, if not nil and enabled, records every frame served
	Rec *imgrec.Recorder

	RouteTable generichttp.RouteTable
}

// NewHTTPCamera returns a new HTTP wrapper with the route table pre-configured
func NewHTTPCamera(g FrameGetter, s Settings, rec *imgrec.Recorder) *HTTPCamera {
	c := &HTTPCamera{Getter: g, Settings: s, Rec: rec}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/frame"}] = c.GetFrame
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/settings"}] = c.GetSettings
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/dropped"}] = generichttp.GetInt(func() (int, error) {
		return int(g.Dropped()), nil
	})
	c.RouteTable = rt
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(c)
	}
	return c
}

// RT satisfies the HTTPer interface
func (c *HTTPCamera) RT() generichttp.RouteTable {
	return c.RouteTable
}

// GetSettings returns the capture settings as JSON
func (c *HTTPCamera) GetSettings(w http.ResponseWriter, r *http.Request) {
	generichttp.WriteJSON(w, c.Settings)
}

// fetch gets a fresh frame, or the last one if the control loop is holding
// the stream
func (c *HTTPCamera) fetch(ctx context.Context) (frame.Frame, error) {
	f, err := c.Getter.Request(ctx)
	if errors.Is(err, frame.ErrRequestPending) {
		if last, ok := c.Getter.Last(); ok {
			return last, nil
		}
	}
	return f, err
}

// GetFrame waits for a fresh frame and returns it on a GET request.
//
// the image format may be specified in the fmt query parameter, one of
// jpg, png or fits; default to jpg
func (c *HTTPCamera) GetFrame(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("fmt")
	if format == "" {
		format = "jpg"
	}
	if format != "jpg" && format != "png" && format != "fits" {
		http.Error(w, fmt.Sprintf("format %q not supported, use jpg, png or fits", format), http.StatusBadRequest)
		return
	}
	f, err := c.fetch(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, frame.ErrSourceNotReady) || errors.Is(err, frame.ErrFrameTimeout) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	cards := FrameCards(f)
	if c.Meta != nil {
		cards = append(cards, c.Meta.CollectHeaderMetadata()...)
	}
	if c.Rec != nil && c.Rec.IsEnabled() {
		if _, err := c.Rec.SaveNext(f.Image, cards...); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	hdr := w.Header()
	switch format {
	case "jpg":
		hdr.Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		err = jpeg.Encode(w, f.Image, nil)
	case "png":
		hdr.Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		err = png.Encode(w, f.Image)
	case "fits":
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=frame%06d.fits", f.Seq))
		w.WriteHeader(http.StatusOK)
		err = imgrec.WriteFits(w, cards, f.Image)
	}
	if err != nil {
		// the status line is gone already
		log.Println("camera: error encoding frame", err)
	}
}

// FrameCards returns the FITS cards describing a frame
func FrameCards(f frame.Frame) []fitsio.Card {
	var size image.Point
	if f.Image != nil {
		size = f.Image.Bounds().Size()
	}
	return []fitsio.Card{
		{Name: "FRAMESEQ", Value: int(f.Seq), Comment: "producer frame counter"},
		{Name: "DATE-OBS", Value: f.Time.UTC().Format(time.RFC3339Nano), Comment: "capture time"},
		{Name: "FRAMEW", Value: size.X, Comment: "width, px"},
		{Name: "FRAMEH", Value: size.Y, Comment: "height, px"},
	}
}
