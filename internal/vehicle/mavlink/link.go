// Package mavlink implements vehicle.Link over MAVLink v2 for PX4 autopilots.
//
// Commands go out as COMMAND_LONG and wait for the matching COMMAND_ACK.
// Setpoints go out as SET_POSITION_TARGET_LOCAL_NED and are not
// acknowledged. Telemetry is assembled from HEARTBEAT, GLOBAL_POSITION_INT,
// SYS_STATUS and GPS_RAW_INT.
package mavlink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/timeutil"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

// Defaults applied by Dial.
const (
	DefaultSystemID        = 255
	DefaultCommandTimeout  = 3 * time.Second
	DefaultTakeoffAltitude = 2.5
	HeartbeatTimeout       = 3 * time.Second
)

// ErrAckTimeout is returned when a command is not acknowledged in time.
var ErrAckTimeout = errors.New("no COMMAND_ACK before timeout")

// Config describes how to reach the vehicle.
type Config struct {
	Endpoints []gomavlib.EndpointConf
	// SystemID is this ground station's MAVLink system id.
	SystemID byte
	// TargetSystem and TargetComponent address the autopilot. Zero means
	// learn them from the first autopilot heartbeat.
	TargetSystem    byte
	TargetComponent byte
	CommandTimeout  time.Duration
	// TakeoffAltitude is the climb above the current altitude, in metres.
	TakeoffAltitude float64
	Clock           timeutil.Clock
}

func (c Config) withDefaults() Config {
	if c.SystemID == 0 {
		c.SystemID = DefaultSystemID
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.TakeoffAltitude <= 0 {
		c.TakeoffAltitude = DefaultTakeoffAltitude
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Link is a vehicle.Link backed by a gomavlib node.
type Link struct {
	cfg   Config
	clock timeutil.Clock
	node  *gomavlib.Node
	write func(message.Message) error
	bcast *vehicle.Broadcaster
	start time.Time

	// cmdMu allows one outstanding COMMAND_LONG at a time.
	cmdMu sync.Mutex

	mu              sync.Mutex
	telem           vehicle.Telemetry
	lastHeartbeat   time.Time
	targetSystem    byte
	targetComponent byte
	pending         map[common.MAV_CMD]chan *common.MessageCommandAck
}

// Dial creates the MAVLink node. Call Run to start processing traffic.
func Dial(cfg Config) (*Link, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no mavlink endpoints configured")
	}
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:           cfg.Endpoints,
		Dialect:             common.Dialect,
		OutVersion:          gomavlib.V2,
		OutSystemID:         cfg.SystemID,
		StreamRequestEnable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mavlink node: %w", err)
	}
	l := newLink(cfg, node.WriteMessageAll)
	l.node = node
	return l, nil
}

func newLink(cfg Config, write func(message.Message) error) *Link {
	cfg = cfg.withDefaults()
	return &Link{
		cfg:             cfg,
		clock:           cfg.Clock,
		write:           write,
		bcast:           vehicle.NewBroadcaster(),
		start:           cfg.Clock.Now(),
		telem:           vehicle.EmptyTelemetry(),
		targetSystem:    cfg.TargetSystem,
		targetComponent: cfg.TargetComponent,
		pending:         make(map[common.MAV_CMD]chan *common.MessageCommandAck),
	}
}

// Run processes incoming frames until ctx is cancelled or the node stops.
func (l *Link) Run(ctx context.Context) error {
	defer l.bcast.Close()
	events := l.node.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return errors.New("mavlink node closed")
			}
			switch e := evt.(type) {
			case *gomavlib.EventChannelOpen:
				monitoring.Logf("[mavlink] channel open: %v", e.Channel)
			case *gomavlib.EventChannelClose:
				monitoring.Logf("[mavlink] channel closed: %v", e.Channel)
			case *gomavlib.EventParseError:
				monitoring.Logf("[mavlink] parse error: %v", e.Error)
			case *gomavlib.EventFrame:
				l.handle(e.SystemID(), e.ComponentID(), e.Message())
			}
		}
	}
}

// Close releases the node and its endpoints.
func (l *Link) Close() {
	if l.node != nil {
		l.node.Close()
	}
}

func (l *Link) handle(sysID, compID byte, msg message.Message) {
	now := l.clock.Now()
	l.mu.Lock()
	if _, hb := msg.(*common.MessageHeartbeat); !hb && l.targetSystem != 0 && sysID != l.targetSystem {
		// Another vehicle or ground station on the same network.
		l.mu.Unlock()
		return
	}
	publish := true
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		if m.Type == common.MAV_TYPE_GCS || m.Autopilot == common.MAV_AUTOPILOT_INVALID {
			publish = false
			break
		}
		if l.targetSystem == 0 {
			l.targetSystem, l.targetComponent = sysID, compID
			monitoring.Logf("[mavlink] autopilot found at system %d component %d", sysID, compID)
		}
		if sysID != l.targetSystem {
			publish = false
			break
		}
		l.lastHeartbeat = now
		l.telem.Armed = m.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
		if m.BaseMode&common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED != 0 {
			l.telem.FlightMode = px4ModeName(m.CustomMode)
		}

	case *common.MessageCommandAck:
		publish = false
		if ch, ok := l.pending[m.Command]; ok {
			select {
			case ch <- m:
			default:
			}
		}

	case *common.MessageGlobalPositionInt:
		l.telem.Position = vehicle.Position{
			LatDeg:  float64(m.Lat) / 1e7,
			LonDeg:  float64(m.Lon) / 1e7,
			AbsAltM: float64(m.Alt) / 1000,
			RelAltM: float64(m.RelativeAlt) / 1000,
		}

	case *common.MessageSysStatus:
		l.telem.Battery.VoltageV = float64(m.VoltageBattery) / 1000
		if m.BatteryRemaining >= 0 {
			l.telem.Battery.RemainingPct = float64(m.BatteryRemaining)
		}

	case *common.MessageGpsRawInt:
		l.telem.GPS.FixType = gpsFixName(m.FixType)
		if m.SatellitesVisible != math.MaxUint8 {
			l.telem.GPS.Satellites = int(m.SatellitesVisible)
		}

	default:
		publish = false
	}
	if publish {
		l.telem.UpdatedAt = now
	}
	snapshot := l.telem
	l.mu.Unlock()

	if publish {
		l.bcast.Publish(snapshot)
	}
}

func (l *Link) target() (byte, byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sys, comp := l.targetSystem, l.targetComponent
	if sys == 0 {
		sys = 1
	}
	if comp == 0 {
		comp = 1
	}
	return sys, comp
}

// command sends a COMMAND_LONG and waits for its acknowledgement.
func (l *Link) command(ctx context.Context, op string, cmd common.MAV_CMD, params [7]float32) error {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	if err := ctx.Err(); err != nil {
		return vehicle.WrapError(op, err)
	}

	ch := make(chan *common.MessageCommandAck, 1)
	l.mu.Lock()
	l.pending[cmd] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, cmd)
		l.mu.Unlock()
	}()

	sys, comp := l.target()
	err := l.write(&common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         cmd,
		Param1:          params[0],
		Param2:          params[1],
		Param3:          params[2],
		Param4:          params[3],
		Param5:          params[4],
		Param6:          params[5],
		Param7:          params[6],
	})
	if err != nil {
		return vehicle.WrapError(op, err)
	}

	timeout := l.clock.After(l.cfg.CommandTimeout)
	select {
	case ack := <-ch:
		switch ack.Result {
		case common.MAV_RESULT_ACCEPTED, common.MAV_RESULT_IN_PROGRESS:
			return nil
		default:
			return &vehicle.LinkError{Op: op, Err: fmt.Errorf("command %v rejected: %v", cmd, ack.Result)}
		}
	case <-timeout:
		return &vehicle.LinkError{Op: op, Err: ErrAckTimeout}
	case <-ctx.Done():
		return vehicle.WrapError(op, ctx.Err())
	}
}

func nan() float32 { return float32(math.NaN()) }

func (l *Link) Arm(ctx context.Context) error {
	return l.command(ctx, vehicle.OpArm, common.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{1})
}

func (l *Link) Disarm(ctx context.Context) error {
	return l.command(ctx, vehicle.OpDisarm, common.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{0})
}

func (l *Link) Kill(ctx context.Context) error {
	return l.command(ctx, vehicle.OpKill, common.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{0, killMagic})
}

func (l *Link) Takeoff(ctx context.Context) error {
	alt := nan()
	if t := l.Telemetry(); !t.UpdatedAt.IsZero() && t.Position.AbsAltM != 0 {
		alt = float32(t.Position.AbsAltM + l.cfg.TakeoffAltitude)
	}
	return l.command(ctx, vehicle.OpTakeoff, common.MAV_CMD_NAV_TAKEOFF,
		[7]float32{0, 0, 0, nan(), nan(), nan(), alt})
}

func (l *Link) Land(ctx context.Context) error {
	return l.command(ctx, vehicle.OpLand, common.MAV_CMD_NAV_LAND,
		[7]float32{0, 0, 0, nan(), nan(), nan(), nan()})
}

func (l *Link) ReturnToLaunch(ctx context.Context) error {
	return l.command(ctx, vehicle.OpReturnToLaunch, common.MAV_CMD_NAV_RETURN_TO_LAUNCH, [7]float32{})
}

func (l *Link) StartOffboard(ctx context.Context) error {
	return l.command(ctx, vehicle.OpStartOffboard, common.MAV_CMD_DO_SET_MODE,
		[7]float32{float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), px4MainOffboard})
}

func (l *Link) StopOffboard(ctx context.Context) error {
	return l.command(ctx, vehicle.OpStopOffboard, common.MAV_CMD_DO_SET_MODE,
		[7]float32{float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), px4MainAuto, px4AutoLoiter})
}

const (
	positionTypeMask = common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
		common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
		common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
		common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE

	velocityTypeMask = common.POSITION_TARGET_TYPEMASK_X_IGNORE |
		common.POSITION_TARGET_TYPEMASK_Y_IGNORE |
		common.POSITION_TARGET_TYPEMASK_Z_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
		common.POSITION_TARGET_TYPEMASK_YAW_IGNORE
)

func (l *Link) bootMs() uint32 {
	return uint32(l.clock.Since(l.start) / time.Millisecond)
}

func (l *Link) SetPositionNED(ctx context.Context, p vehicle.PositionNED) error {
	if err := ctx.Err(); err != nil {
		return vehicle.WrapError(vehicle.OpSetPosition, err)
	}
	sys, comp := l.target()
	return vehicle.WrapError(vehicle.OpSetPosition, l.write(&common.MessageSetPositionTargetLocalNed{
		TimeBootMs:      l.bootMs(),
		TargetSystem:    sys,
		TargetComponent: comp,
		CoordinateFrame: common.MAV_FRAME_LOCAL_NED,
		TypeMask:        positionTypeMask,
		X:               float32(p.North),
		Y:               float32(p.East),
		Z:               float32(p.Down),
		Yaw:             float32(p.YawDeg * math.Pi / 180),
	}))
}

func (l *Link) SetVelocityBody(ctx context.Context, v vehicle.VelocityBody) error {
	if err := ctx.Err(); err != nil {
		return vehicle.WrapError(vehicle.OpSetVelocity, err)
	}
	sys, comp := l.target()
	return vehicle.WrapError(vehicle.OpSetVelocity, l.write(&common.MessageSetPositionTargetLocalNed{
		TimeBootMs:      l.bootMs(),
		TargetSystem:    sys,
		TargetComponent: comp,
		CoordinateFrame: common.MAV_FRAME_BODY_NED,
		TypeMask:        velocityTypeMask,
		Vx:              float32(v.Forward),
		Vy:              float32(v.Right),
		Vz:              float32(v.Down),
		YawRate:         float32(v.YawRateDeg * math.Pi / 180),
	}))
}

func (l *Link) Telemetry() vehicle.Telemetry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.telem
}

// Connected reports whether an autopilot heartbeat arrived recently.
func (l *Link) Connected() bool {
	l.mu.Lock()
	last := l.lastHeartbeat
	l.mu.Unlock()
	return !last.IsZero() && l.clock.Since(last) < HeartbeatTimeout
}

func (l *Link) Subscribe() (string, chan vehicle.Telemetry) { return l.bcast.Subscribe() }

func (l *Link) Unsubscribe(id string) { l.bcast.Unsubscribe(id) }

var _ vehicle.Link = (*Link)(nil)
