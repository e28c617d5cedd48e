package motion

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/Daan4/vision-well-position-controller/generichttp"
	"github.com/Daan4/vision-well-position-controller/mathx"
)

// Mover describes an interface with position-related methods for axes
type Mover interface {
	// GetPos gets the current position of an axis
	GetPos(string) (float64, error)

	// MoveAbs moves an axis to an absolute position
	MoveAbs(string, float64) error

	// MoveRel moves an axis a relative amount
	MoveRel(string, float64) error

	// Home homes an axis
	Home(string) error
}

// HTTPMove adds routes for the mover to the route table
func HTTPMove(iface Mover, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/home"}] = Home(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/pos"}] = GetPos(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}] = SetPos(iface)
}

// GetPos returns an HTTP handler func from a mover that gets the position of an axis
func GetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		pos, err := m.GetPos(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
		hp.EncodeAndRespond(w, r)
	}
}

func popAxisRelative(r *http.Request) (string, bool, error) {
	axis := chi.URLParam(r, "axis")
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		relative = "false"
	}
	b, err := strconv.ParseBool(relative)
	return axis, b, err
}

// SetPos returns an HTTP handler func from a mover that triggers an absolute or
// relative move on an axis based on the relative query parameter
func SetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis, b, err := popAxisRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := generichttp.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if b {
			err = m.MoveRel(axis, f.F64)
		} else {
			err = m.MoveAbs(axis, f.F64)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Home returns an HTTP handler func from a mover that homes an axis
func Home(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		err := m.Home(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Planar is a two axis controller that moves both axes as one
type Planar interface {
	// MoveBy moves both axes by a relative amount and returns once they stopped
	MoveBy(context.Context, mathx.Vec2) error

	// Position returns the position of both axes
	Position() mathx.Vec2

	// Abort stops every axis
	Abort() error
}

// HTTPPlanar adds the /xy and /abort routes to the route table
func HTTPPlanar(p Planar, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/xy"}] = GetXY(p)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/xy"}] = MoveXY(p)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/abort"}] = Abort(p)
}

// GetXY returns an HTTP handler func that sends the position as {"x": .., "y": ..}
func GetXY(p Planar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		generichttp.WriteJSON(w, p.Position())
	}
}

// MoveXY returns an HTTP handler func that moves by the {"x": .., "y": ..} in the body.
// The move is cancelled if the client goes away.
func MoveXY(p Planar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var delta mathx.Vec2
		err := json.NewDecoder(r.Body).Decode(&delta)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = p.MoveBy(r.Context(), delta)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Abort returns an HTTP handler func that stops every axis
func Abort(p Planar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := p.Abort()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
