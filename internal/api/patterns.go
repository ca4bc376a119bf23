package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/skyloom/patternpilot/internal/httputil"
	"github.com/skyloom/patternpilot/internal/trajectory"
)

func (s *Server) listPatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"shapes":   trajectory.Shapes(),
		"defaults": defaultPatternRequest(),
	})
}

// parsePreviewQuery reads a PatternRequest from query parameters, falling
// back to the defaults for any that are absent.
func parsePreviewQuery(q url.Values) (trajectory.Request, error) {
	p := defaultPatternRequest()
	if v := q.Get("shape"); v != "" {
		p.Shape = v
	}
	floatsByName := []struct {
		name string
		dst  *float64
	}{
		{"size", &p.Size},
		{"height", &p.Height},
		{"speed", &p.Speed},
	}
	for _, f := range floatsByName {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return trajectory.Request{}, &trajectory.ValidationError{Field: f.name, Reason: fmt.Sprintf("not a number: %q", v)}
		}
		*f.dst = n
	}
	if v := q.Get("steps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return trajectory.Request{}, &trajectory.ValidationError{Field: "steps", Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		p.Steps = n
	}
	return trajectory.NewRequest(p.Shape, p.Size, p.Height, p.Speed, p.Steps)
}

// PreviewResponse is the planned waypoint sequence for a request.
type PreviewResponse struct {
	Shape     trajectory.Shape      `json:"shape"`
	Height    float64               `json:"height"`
	Summary   trajectory.Summary    `json:"summary"`
	Waypoints []trajectory.Waypoint `json:"waypoints"`
}

func (s *Server) planPreview(w http.ResponseWriter, r *http.Request) (trajectory.Request, []trajectory.Waypoint, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return trajectory.Request{}, nil, false
	}
	req, err := parsePreviewQuery(r.URL.Query())
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return trajectory.Request{}, nil, false
	}
	wps, err := s.cache.Generate(req)
	if err != nil {
		writeCommandError(w, err)
		return trajectory.Request{}, nil, false
	}
	return req, wps, true
}

func (s *Server) previewPattern(w http.ResponseWriter, r *http.Request) {
	req, wps, ok := s.planPreview(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, PreviewResponse{
		Shape:     req.Shape,
		Height:    req.Height(),
		Summary:   trajectory.Summarize(wps, s.period),
		Waypoints: wps,
	})
}

func (s *Server) previewPatternPNG(w http.ResponseWriter, r *http.Request) {
	req, wps, ok := s.planPreview(w, r)
	if !ok {
		return
	}
	title := fmt.Sprintf("%s %.1fm @ %.1fm", req.Shape, req.Size, req.Height())
	var buf bytes.Buffer
	if err := trajectory.RenderPNG(&buf, title, wps); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render preview: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
