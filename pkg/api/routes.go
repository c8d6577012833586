package api

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/profile"
	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/settings"
	"github.com/itohio/goreflow/pkg/surface"
)

type zonePair struct {
	Top    float32 `json:"top"`
	Bottom float32 `json:"bottom"`
}

func pair(v [runmode.Zones]float32) zonePair {
	return zonePair{Top: v[runmode.Top], Bottom: v[runmode.Bottom]}
}

type stateResponse struct {
	State           string                `json:"state"`
	Running         bool                  `json:"running"`
	Elapsed         uint32                `json:"elapsed"`
	PV              zonePair              `json:"pv"`
	Targets         zonePair              `json:"targets"`
	Duties          [runmode.Zones]uint16 `json:"duties"`
	Setpoints       zonePair              `json:"setpoints"`
	Flags           surface.RunFlags      `json:"flags"`
	SelectedProfile int                   `json:"selected_profile"`
	CompletedRuns   uint32                `json:"completed_runs"`
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snap := s.surface.Snapshot()
	tel, set := snap.Telemetry, snap.Settings

	s.writeJSON(w, http.StatusOK, stateResponse{
		State:           tel.State.String(),
		Running:         set.Flags.Auto || set.Flags.Manual || tel.State != runmode.Idle,
		Elapsed:         tel.Elapsed,
		PV:              pair(tel.PV),
		Targets:         pair(tel.Targets),
		Duties:          tel.Duties,
		Setpoints:       pair(set.Setpoints),
		Flags:           set.Flags,
		SelectedProfile: set.SelectedProfile,
		CompletedRuns:   tel.Completed,
	})
}

func (s *Server) runManual(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if err := s.surface.RequestManual(); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("manual run requested")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) runAuto(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if err := s.surface.RequestAuto(); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Infow("auto run requested", "profile", s.surface.SelectedProfile())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.surface.RequestStop()
	s.log.Info("stop requested")
	w.WriteHeader(http.StatusAccepted)
}

type setpointsRequest struct {
	Top    *float32 `json:"top"`
	Bottom *float32 `json:"bottom"`
}

func (s *Server) setSetpoints(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req setpointsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	for z, v := range [runmode.Zones]*float32{req.Top, req.Bottom} {
		if v == nil {
			continue
		}
		if err := s.surface.SetSetpoint(runmode.Zone(z), *v); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, zonePair{
		Top:    s.surface.Setpoint(runmode.Top),
		Bottom: s.surface.Setpoint(runmode.Bottom),
	})
}

type selectRequest struct {
	Index int `json:"index"`
}

func (s *Server) selectProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req selectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.surface.SelectProfile(req.Index); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

type profileBody struct {
	Points             []profile.Breakpoint `json:"points"`
	DualHeatStartIndex int                  `json:"dual_heat_start_index"`
}

func (s *Server) getProfile(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	i, err := index(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.surface.Profile(i)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profileBody{
		Points:             p.Points(),
		DualHeatStartIndex: int(p.DualHeatStartIndex),
	})
}

func (s *Server) putProfile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	i, err := index(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body profileBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Points) > profile.MaxBreakpoints || body.DualHeatStartIndex < 0 || body.DualHeatStartIndex > 255 {
		s.writeError(w, errors.Wrap(profile.ErrInvalid, "too many points or bad dual heat index"))
		return
	}
	if err := s.surface.SetProfile(i, profile.New(body.Points, body.DualHeatStartIndex)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) getGains(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	z, err := zone(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.surface.Gains(z))
}

func (s *Server) putGains(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	z, err := zone(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var g pid.Gains
	if err := decode(r, &g); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.surface.SetGains(z, g); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

// save writes a snapshot of the bank and gains. The store session runs
// outside the surface lock.
func (s *Server) save(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.store == nil {
		s.writeError(w, errors.Wrap(errUnavailable, "no store configured"))
		return
	}
	set := s.surface.Settings()

	s.saveMu.Lock()
	err := settings.Save(s.store, settings.Persisted{Profiles: set.Profiles, Gains: set.Gains})
	s.saveMu.Unlock()

	if err != nil {
		s.log.Warnw("failed to save settings", "err", err)
		s.writeError(w, err)
		return
	}
	s.log.Info("settings saved")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.history == nil {
		s.writeError(w, errors.Wrap(errUnavailable, "history disabled"))
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, errors.Wrapf(errBadRequest, "limit %q", v))
			return
		}
		limit = n
	}
	runs, err := s.history.Runs(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) samples(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if s.history == nil {
		s.writeError(w, errors.Wrap(errUnavailable, "history disabled"))
		return
	}
	samples, err := s.history.Samples(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, samples)
}

func index(ps httprouter.Params) (int, error) {
	v := ps.ByName("index")
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(surface.ErrInvalidIndex, "%q", v)
	}
	return i, nil
}

func zone(ps httprouter.Params) (runmode.Zone, error) {
	switch v := ps.ByName("zone"); v {
	case runmode.Top.String():
		return runmode.Top, nil
	case runmode.Bottom.String():
		return runmode.Bottom, nil
	default:
		return 0, errors.Wrapf(errNotFound, "zone %q", v)
	}
}
