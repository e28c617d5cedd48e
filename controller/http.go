package controller

import (
	"encoding/json"
	"go/types"
	"log"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Daan4/vision-well-position-controller/generichttp"
	"github.com/Daan4/vision-well-position-controller/mathx"
)

// Lock is held for the duration of a run started over HTTP
type Lock interface {
	Lock()
	Unlock()
}

// HTTPWrapper provides an HTTP interface to a controller
type HTTPWrapper struct {
	C *Controller

	// Setpoints is the file run when POST /run has no body
	Setpoints string

	// Lock, if not nil, is held while a run is in progress
	Lock Lock

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(c *Controller, setpoints string, lock Lock) HTTPWrapper {
	w := HTTPWrapper{C: c, Setpoints: setpoints, Lock: lock}
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/state"}:      w.GetState,
		{Method: http.MethodGet, Path: "/status"}:     w.GetStatus,
		{Method: http.MethodGet, Path: "/target"}:     w.GetTarget,
		{Method: http.MethodPost, Path: "/target"}:    w.SetTarget,
		{Method: http.MethodPost, Path: "/calibrate"}: w.Calibrate,
		{Method: http.MethodPost, Path: "/run"}:       w.Run,
		{Method: http.MethodPost, Path: "/abort"}:     w.Abort,
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetState returns the state as {"str": state}
func (h HTTPWrapper) GetState(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: h.C.State().String()}
	hp.EncodeAndRespond(w, r)
}

// GetStatus returns the status snapshot as JSON
func (h HTTPWrapper) GetStatus(w http.ResponseWriter, r *http.Request) {
	generichttp.WriteJSON(w, h.C.Status())
}

// GetTarget returns the target as {"x": .., "y": ..}, or 404 if there is none
func (h HTTPWrapper) GetTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := h.C.Target()
	if !ok {
		http.Error(w, ErrPrecondition.Error(), http.StatusNotFound)
		return
	}
	generichttp.WriteJSON(w, t)
}

// SetTarget sets the target from {"x": .., "y": ..} in the body
func (h HTTPWrapper) SetTarget(w http.ResponseWriter, r *http.Request) {
	var t mathx.Vec2
	err := json.NewDecoder(r.Body).Decode(&t)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.C.SetTarget(t); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Calibrate locates the target and returns it.  Calibration is cancelled if
// the client goes away.
func (h HTTPWrapper) Calibrate(w http.ResponseWriter, r *http.Request) {
	t, err := h.C.Calibrate(r.Context())
	if err != nil {
		code := http.StatusInternalServerError
		var cf *CalibrationFailedError
		switch {
		case errors.Is(err, ErrBusy):
			code = http.StatusConflict
		case errors.As(err, &cf):
			code = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), code)
		return
	}
	generichttp.WriteJSON(w, t)
}

// Run starts a run in the background and returns 202 once it is under way.
// The body may name a setpoint file as {"str": path}.
func (h HTTPWrapper) Run(w http.ResponseWriter, r *http.Request) {
	path := h.Setpoints
	if r.ContentLength != 0 {
		s := generichttp.StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.Str != "" {
			path = s.Str
		}
	}
	if path == "" {
		http.Error(w, "no setpoint file given", http.StatusBadRequest)
		return
	}
	if _, ok := h.C.Target(); !ok {
		http.Error(w, ErrPrecondition.Error(), http.StatusConflict)
		return
	}
	var started func()
	if h.Lock != nil {
		started = h.Lock.Lock
	}
	err := h.C.Start(path, started, func(err error) {
		if h.Lock != nil {
			h.Lock.Unlock()
		}
		if err == nil {
			log.Printf("run of %s finished\n", path)
		}
	})
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrBusy) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Abort cancels the run or calibration in progress and stops the stage
func (h HTTPWrapper) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.C.Abort(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
