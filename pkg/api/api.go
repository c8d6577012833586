// Package api exposes the control surface over HTTP, standing in for the
// front panel: telemetry reads, run requests, setpoint, profile and gain
// edits, and explicit saves.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/itohio/goreflow/pkg/history"
	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/profile"
	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/settings"
	"github.com/itohio/goreflow/pkg/surface"
)

// RunHistory lists recorded runs.
type RunHistory interface {
	Runs(limit int) ([]history.Run, error)
	Samples(runID string) ([]history.Sample, error)
}

// Server serves the API. Store and History are optional.
type Server struct {
	log     *zap.SugaredLogger
	surface *surface.Surface
	store   settings.Store
	history RunHistory

	// saves hold the store bus for a whole session
	saveMu sync.Mutex
	router *httprouter.Router
}

// New builds the routes. store and hist may be nil.
func New(log *zap.SugaredLogger, surf *surface.Surface, store settings.Store, hist RunHistory) *Server {
	s := &Server{
		log:     log,
		surface: surf,
		store:   store,
		history: hist,
		router:  httprouter.New(),
	}

	s.router.GET("/api/state", s.state)
	s.router.POST("/api/run/manual", s.runManual)
	s.router.POST("/api/run/auto", s.runAuto)
	s.router.POST("/api/stop", s.stop)
	s.router.PUT("/api/setpoints", s.setSetpoints)
	s.router.PUT("/api/profile/selected", s.selectProfile)
	s.router.GET("/api/profiles/:index", s.getProfile)
	s.router.PUT("/api/profiles/:index", s.putProfile)
	s.router.GET("/api/gains/:zone", s.getGains)
	s.router.PUT("/api/gains/:zone", s.putGains)
	s.router.POST("/api/save", s.save)
	s.router.GET("/api/runs", s.runs)
	s.router.GET("/api/runs/:id/samples", s.samples)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "serve %s", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown API")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("error marshaling response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusOf(err), errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, surface.ErrRunActive),
		errors.Is(err, runmode.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, surface.ErrInvalidIndex),
		errors.Is(err, surface.ErrInvalidSetpoint),
		errors.Is(err, pid.ErrInvalidTuning),
		errors.Is(err, profile.ErrInvalid),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound),
		errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, settings.ErrAbsent),
		errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var (
	errBadRequest  = errors.New("bad request")
	errNotFound    = errors.New("not found")
	errUnavailable = errors.New("unavailable")
)

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(errBadRequest, "decode body: %v", err)
	}
	return nil
}
