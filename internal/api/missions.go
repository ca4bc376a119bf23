package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/skyloom/patternpilot/internal/db"
	"github.com/skyloom/patternpilot/internal/httputil"
	"github.com/skyloom/patternpilot/internal/trajectory"
)

// MissionResponse is a stored mission plus the waypoints regenerated from
// its request parameters.
type MissionResponse struct {
	db.MissionRecord
	Waypoints []trajectory.Waypoint `json:"waypoints"`
}

func (s *Server) listMissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.missions == nil {
		httputil.NotFound(w, "mission history is not enabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	missions, err := s.missions.ListMissions(r.Context(), r.URL.Query().Get("outcome"), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list missions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"missions": missions})
}

func (s *Server) showMission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.missions == nil {
		httputil.NotFound(w, "mission history is not enabled")
		return
	}
	id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/api/missions/"))
	if err != nil {
		httputil.BadRequest(w, "Invalid mission id")
		return
	}
	rec, err := s.missions.GetMission(r.Context(), id)
	if errors.Is(err, db.ErrMissionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load mission: %v", err))
		return
	}
	req, err := rec.Request()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Stored mission %s is invalid: %v", id, err))
		return
	}
	wps, err := s.cache.Generate(req)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to regenerate waypoints: %v", err))
		return
	}
	httputil.WriteJSONOK(w, MissionResponse{MissionRecord: rec, Waypoints: wps})
}
