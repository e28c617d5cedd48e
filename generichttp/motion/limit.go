package motion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	"github.com/Daan4/vision-well-position-controller/generichttp"
	"github.com/Daan4/vision-well-position-controller/mathx"
	"github.com/Daan4/vision-well-position-controller/util"
)

var (
	errClamped = errors.New("requested position violates software limits, aborted")
)

// LimitMiddleware is a type that can impose axis-specific limits on motion.
// Moves that would leave the limits are answered with StatusBadRequest
// before they reach the controller.
type LimitMiddleware struct {
	// Limits contains the server imposed limits on the controller, keyed by axis
	Limits map[string]util.Limiter

	// Mov is a reference to the mover, used to query axis positions
	Mov Mover
}

// peekBody decodes the JSON body into v and puts the body back for the
// handler downstream
func peekBody(r *http.Request, v interface{}) error {
	bodyContent, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return err
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyContent))
	return json.Unmarshal(bodyContent, v)
}

func (l *LimitMiddleware) check(axis string, target float64) error {
	limiter, ok := l.Limits[strings.ToLower(axis)]
	if !ok || limiter.Check(target) {
		return nil
	}
	return fmt.Errorf("%w: %s to %g outside [%g, %g]", errClamped, axis, target, limiter.Min, limiter.Max)
}

// Check verifies if a motion would violate an axis limit, if it exists,
// and if it does, responds with StatusBadRequest
// otherwise, flows control to the next handler
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || len(l.Limits) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		var err error
		switch {
		case strings.HasSuffix(r.URL.Path, "/xy"):
			err = l.checkXY(r)
		case strings.HasSuffix(r.URL.Path, "/pos"):
			err = l.checkAxis(r)
		}
		if errors.Is(err, errClamped) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// at this point, all checks have passed and we can move on
		next.ServeHTTP(w, r)
	})
}

// axisFromPath pulls the axis out of .../axis/{axis}/pos.  The middleware
// runs before chi has matched the route, so URL params are not available yet.
func axisFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(parts) - 2; i > 0; i-- {
		if parts[i-1] == "axis" {
			return parts[i]
		}
	}
	return ""
}

func (l *LimitMiddleware) checkAxis(r *http.Request) error {
	axis := axisFromPath(r.URL.Path)
	if _, ok := l.Limits[strings.ToLower(axis)]; !ok {
		return nil
	}
	relative := strings.EqualFold(r.URL.Query().Get("relative"), "true") || r.URL.Query().Get("relative") == "1"
	f := generichttp.FloatT{}
	if err := peekBody(r, &f); err != nil {
		return err
	}
	cmd := f.F64
	if relative {
		// in the relative case, shift the command by currPos
		currPos, err := l.Mov.GetPos(axis)
		if err != nil {
			return err
		}
		cmd += currPos
	}
	return l.check(axis, cmd)
}

func (l *LimitMiddleware) checkXY(r *http.Request) error {
	var delta mathx.Vec2
	if err := peekBody(r, &delta); err != nil {
		return err
	}
	for _, ax := range []struct {
		name string
		d    float64
	}{{"x", delta.X}, {"y", delta.Y}} {
		if _, ok := l.Limits[ax.name]; !ok {
			continue
		}
		pos, err := l.Mov.GetPos(ax.name)
		if err != nil {
			return err
		}
		if err = l.check(ax.name, pos+ax.d); err != nil {
			return err
		}
	}
	return nil
}

// Inject places a /axis/{axis}/limits route on the table of the HTTPer
func (l LimitMiddleware) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/limits"}] = Limits(l)
}

// Limits returns an HTTP handler func that returns the limits for an axis,
// or null when the axis is unlimited
func Limits(l LimitMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		lim, ok := l.Limits[strings.ToLower(axis)]
		if !ok {
			generichttp.WriteJSON(w, nil)
			return
		}
		generichttp.WriteJSON(w, lim)
	}
}
