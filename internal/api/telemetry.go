package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyloom/patternpilot/internal/flight"
	"github.com/skyloom/patternpilot/internal/httputil"
	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// TelemetryResponse is the vehicle snapshot plus the controller's state.
type TelemetryResponse struct {
	vehicle.Telemetry
	State flight.State `json:"state"`
}

// StatusResponse reports link connectivity and the flight state.
type StatusResponse struct {
	Connected   bool         `json:"connected"`
	FlightState flight.State `json:"flight_state"`
	Mode        string       `json:"mode"`
}

func (s *Server) telemetrySnapshot(t vehicle.Telemetry) TelemetryResponse {
	if t.FlightMode == "" {
		t.FlightMode = vehicle.ModeUnknown
	}
	if t.GPS.FixType == "" {
		t.GPS.FixType = vehicle.FixNone
	}
	return TelemetryResponse{Telemetry: t, State: s.ctrl.Snapshot()}
}

func (s *Server) showTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.telemetrySnapshot(s.ctrl.Telemetry()))
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := s.ctrl.Snapshot()
	httputil.WriteJSONOK(w, StatusResponse{
		Connected:   s.ctrl.Connected(),
		FlightState: st,
		Mode:        st.Mode(),
	})
}

// streamTelemetry pushes a TelemetryResponse over a websocket for every
// update the link publishes.
func (s *Server) streamTelemetry(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		monitoring.Logf("[api] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	link := s.ctrl.Link()
	id, ch := link.Subscribe()
	defer link.Unsubscribe(id)

	// The client sends nothing; reading only services control frames and
	// notices when it goes away.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(t vehicle.Telemetry) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(s.telemetrySnapshot(t))
	}
	if err := write(link.Telemetry()); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case t, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "telemetry closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := write(t); err != nil {
				monitoring.Logf("[api] websocket write failed: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
