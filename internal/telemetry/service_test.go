package telemetry

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/skyloom/patternpilot/internal/flight"
	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/timeutil"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type harness struct {
	link   *vehicle.MockLink
	ctrl   *flight.Controller
	conn   *grpc.ClientConn
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	epoch := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	link := vehicle.NewMockLink()
	ctrl := flight.NewController(link, flight.Options{
		Clock:     timeutil.NewAutoClock(epoch),
		HoldClock: timeutil.NewMockClock(epoch),
	})
	t.Cleanup(ctrl.Close)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
	return &harness{link: link, ctrl: ctrl, conn: conn, client: NewClient(conn)}
}

func TestGetTelemetry(t *testing.T) {
	h := newHarness(t)
	h.link.Publish(vehicle.Telemetry{
		Battery:    vehicle.Battery{VoltageV: 15.8, RemainingPct: 0.72},
		GPS:        vehicle.GPS{Satellites: 11, FixType: "FIX_3D"},
		FlightMode: "HOLD",
		Armed:      true,
	})

	got, err := h.client.Telemetry(context.Background())
	require.NoError(t, err)
	m := got.AsMap()
	assert.Equal(t, "HOLD", m["flight_mode"])
	assert.Equal(t, true, m["armed"])
	assert.Equal(t, 11.0, m["gps"].(map[string]any)["num_satellites"])
	assert.Equal(t, 15.8, m["battery"].(map[string]any)["voltage"])
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	h.link.SetConnected(true)
	require.NoError(t, h.ctrl.Arm(context.Background()))

	got, err := h.client.Status(context.Background())
	require.NoError(t, err)
	m := got.AsMap()
	assert.Equal(t, true, m["armed"])
	assert.Equal(t, false, m["is_flying"])
	assert.Equal(t, true, m["connected"])
	assert.Equal(t, "armed", m["mode"])
	assert.Nil(t, m["current_pattern"])
	assert.Equal(t, 0.0, m["mission_count"])
}

func TestStreamTelemetry(t *testing.T) {
	h := newHarness(t)
	h.link.Publish(vehicle.Telemetry{FlightMode: "HOLD"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var modes []string
	errStop := errors.New("stop")
	err := h.client.Watch(ctx, func(s *structpb.Struct) error {
		modes = append(modes, s.Fields["flight_mode"].GetStringValue())
		switch len(modes) {
		case 1:
			// Subscribed before the first send, so this is not lost.
			h.link.Publish(vehicle.Telemetry{FlightMode: "OFFBOARD"})
		case 2:
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
	assert.Equal(t, []string{"HOLD", "OFFBOARD"}, modes)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	hc := healthpb.NewHealthClient(h.conn)

	for _, svc := range []string{"", ServiceName} {
		resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: svc})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status, "service %q", svc)
	}
}
