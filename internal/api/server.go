// Package api is the operator-facing HTTP surface: vehicle commands, pattern
// launches, telemetry, flight logs and mission history, all under /api.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/skyloom/patternpilot/internal/db"
	"github.com/skyloom/patternpilot/internal/flight"
	"github.com/skyloom/patternpilot/internal/httputil"
	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/trajectory"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// MissionStore is the read side of mission history. *db.DB satisfies it.
type MissionStore interface {
	ListMissions(ctx context.Context, outcome string, limit int) ([]db.MissionRecord, error)
	GetMission(ctx context.Context, id uuid.UUID) (db.MissionRecord, error)
}

type Server struct {
	ctrl     *flight.Controller
	cache    *trajectory.Cache
	missions MissionStore
	// period is the setpoint period used for preview durations.
	period time.Duration
}

// NewServer wires the handlers to a controller. cache and missions may be
// nil; without a store the missions routes answer 404.
func NewServer(ctrl *flight.Controller, cache *trajectory.Cache, missions MissionStore, period time.Duration) *Server {
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	return &Server{
		ctrl:     ctrl,
		cache:    cache,
		missions: missions,
		period:   period,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrade take over the connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/arm", s.command(s.ctrl.Arm, "armed"))
	mux.HandleFunc("/api/disarm", s.command(s.ctrl.Disarm, "disarmed"))
	mux.HandleFunc("/api/takeoff", s.command(s.ctrl.Takeoff, "taking off"))
	mux.HandleFunc("/api/land", s.command(s.ctrl.Land, "landing"))
	mux.HandleFunc("/api/rtl", s.command(s.ctrl.ReturnToLaunch, "returning to launch"))
	mux.HandleFunc("/api/emergency", s.command(s.ctrl.EmergencyKill, "emergency stop"))
	mux.HandleFunc("/api/pattern", s.startPattern)
	mux.HandleFunc("/api/offboard/start", s.startOffboard)
	mux.HandleFunc("/api/offboard/stop", s.stopOffboard)
	mux.HandleFunc("/api/velocity", s.setVelocity)
	mux.HandleFunc("/api/logs", s.showLogs)
	mux.HandleFunc("/api/logs/clear", s.clearLogs)
	mux.HandleFunc("/api/telemetry", s.showTelemetry)
	mux.HandleFunc("/api/telemetry/ws", s.streamTelemetry)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/patterns", s.listPatterns)
	mux.HandleFunc("/api/patterns/preview", s.previewPattern)
	mux.HandleFunc("/api/patterns/preview.png", s.previewPatternPNG)
	mux.HandleFunc("/api/missions", s.listMissions)
	mux.HandleFunc("/api/missions/", s.showMission)
	return mux
}

// writeCommandError maps a controller error to a status code: rejected
// requests are the operator's to fix, anything else came from the vehicle.
func writeCommandError(w http.ResponseWriter, err error) {
	var verr *trajectory.ValidationError
	var cerr *flight.ConcurrencyError
	switch {
	case errors.As(err, &verr), errors.As(err, &cerr):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}
