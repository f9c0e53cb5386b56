package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/mission"
)

type startMissionRequest struct {
	Query  string          `json:"query"`
	Config *mission.Config `json:"config,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startMissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	var cfg mission.Config
	if req.Config != nil {
		cfg = *req.Config
	}
	m, err := s.ctl.StartMission(r.Context(), req.Query, cfg)
	if err != nil {
		code, msg := statusForError(err)
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	missions, err := s.ctl.ListMissions(r.Context(), limit)
	if err != nil {
		code, msg := statusForError(err)
		writeError(w, code, msg)
		return
	}
	if missions == nil {
		missions = []*mission.Mission{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"missions": missions})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m, err := s.ctl.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		code, msg := statusForError(err)
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctl.Report(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		code, msg := statusForError(err)
		writeError(w, code, msg)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(report))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "pause", s.ctl.PauseMission)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "resume", s.ctl.ResumeMission)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "stop", s.ctl.StopMission)
}

// lifecycle applies a state-change operation and responds with the
// mission as it stands afterwards.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) error) {
	id := mux.Vars(r)["id"]
	if err := fn(r.Context(), id); err != nil {
		code, msg := statusForError(err)
		writeError(w, code, msg)
		return
	}
	s.logger.Info("Mission lifecycle request applied",
		zap.String("mission_id", id),
		zap.String("op", op),
	)

	m, err := s.ctl.Status(r.Context(), id)
	if err != nil {
		code, msg := statusForError(err)
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	tok, err := s.authSvc.ExchangeToken(r.Context(), req.APIKey)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.health.Report(r.Context())
	code := http.StatusOK
	if !rep.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}
