package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/skyloom/patternpilot/internal/httputil"
	"github.com/skyloom/patternpilot/internal/trajectory"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

// maxBodyBytes caps command request bodies.
const maxBodyBytes = 64 << 10

// command adapts a parameterless controller command to a POST handler that
// answers {"status": status} on success.
func (s *Server) command(run func(ctx context.Context) error, status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if err := run(r.Context()); err != nil {
			writeCommandError(w, err)
			return
		}
		httputil.WriteStatus(w, status)
	}
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched so callers can pre-fill defaults.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// PatternRequest is the body of POST /api/pattern and the query of the
// preview routes. Omitted fields take the operator defaults; steps 0 picks
// the shape's own default.
type PatternRequest struct {
	Shape  string  `json:"shape"`
	Size   float64 `json:"size"`
	Height float64 `json:"height"`
	Speed  float64 `json:"speed"`
	Steps  int     `json:"steps"`
}

func defaultPatternRequest() PatternRequest {
	return PatternRequest{
		Shape:  trajectory.ShapeSquare.String(),
		Size:   trajectory.DefaultSize,
		Height: trajectory.DefaultHeight,
		Speed:  trajectory.DefaultSpeed,
	}
}

func (s *Server) startPattern(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	req := defaultPatternRequest()
	if err := decodeBody(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	active, err := s.ctrl.StartPattern(r.Context(), req.Shape, req.Size, req.Height, req.Speed, req.Steps)
	if err != nil {
		var verr *trajectory.ValidationError
		if errors.As(err, &verr) && verr.Field == "shape" {
			httputil.BadRequest(w, "unknown shape")
			return
		}
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"status":     fmt.Sprintf("%s pattern started", active.Shape),
		"mission_id": active.ID,
	})
}

func (s *Server) startOffboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	wasActive := s.ctrl.Snapshot().OffboardActive
	if err := s.ctrl.StartOffboard(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	if wasActive {
		httputil.WriteStatus(w, "offboard already active")
		return
	}
	httputil.WriteStatus(w, "offboard started")
}

func (s *Server) stopOffboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	wasActive := s.ctrl.Snapshot().OffboardActive
	if err := s.ctrl.StopOffboard(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	if !wasActive {
		httputil.WriteStatus(w, "offboard not active")
		return
	}
	httputil.WriteStatus(w, "offboard stopped")
}

// VelocityRequest is the body of POST /api/velocity, in the body frame.
type VelocityRequest struct {
	VX      float64 `json:"vx"`
	VY      float64 `json:"vy"`
	VZ      float64 `json:"vz"`
	YawRate float64 `json:"yaw_rate"`
}

func (s *Server) setVelocity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req VelocityRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	v := vehicle.VelocityBody{Forward: req.VX, Right: req.VY, Down: req.VZ, YawRateDeg: req.YawRate}
	if err := s.ctrl.SetVelocity(r.Context(), v); err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteStatus(w, "velocity set")
}

func (s *Server) showLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"logs": s.ctrl.Logs()})
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.ctrl.ClearLogs()
	httputil.WriteStatus(w, "logs cleared")
}
