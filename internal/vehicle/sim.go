package vehicle

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/timeutil"
)

// Simulator constants. The home position is the usual PX4 SITL field.
const (
	SimHomeLat      = 47.397742
	SimHomeLon      = 8.545594
	SimHomeAMSL     = 488.0
	SimTakeoffAlt   = 2.5
	SimOffboardLoss = 500 * time.Millisecond
	SimTelemetryHz  = 10

	simTimeConstant = 0.8 // seconds, first-order position response
	simMaxSpeed     = 5.0 // m/s
	simLandedAlt    = 0.05
	simDrainPerSec  = 0.02 // percent while armed
	metresPerDegLat = 111320.0
)

// Flight mode names reported by the simulator and the MAVLink link.
const (
	ModeHold     = "HOLD"
	ModeOffboard = "OFFBOARD"
	ModeTakeoff  = "TAKEOFF"
	ModeLand     = "LAND"
	ModeRTL      = "RETURN_TO_LAUNCH"
	ModeManual   = "MANUAL"
)

type simControl int

const (
	simIdle simControl = iota
	simPosition
	simVelocity
)

// SimLink is an in-process kinematic vehicle. It follows position
// setpoints with a first-order response, integrates body velocity
// setpoints, and drops out of offboard mode when setpoints stop arriving for
// longer than SimOffboardLoss, the way a real autopilot does.
type SimLink struct {
	clock timeutil.Clock
	bcast *Broadcaster

	mu           sync.Mutex
	armed        bool
	mode         string
	offboard     bool
	control      simControl
	pos          PositionNED // current state; YawDeg is the heading
	target       PositionNED
	velocity     VelocityBody
	spKind       simControl // last offboard setpoint received
	spPos        PositionNED
	spVel        VelocityBody
	lastSetpoint time.Time
	lastUpdate   time.Time
	battery      float64
}

// NewSimLink returns a disarmed simulator sitting at home.
func NewSimLink(clock timeutil.Clock) *SimLink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SimLink{
		clock:      clock,
		bcast:      NewBroadcaster(),
		mode:       ModeHold,
		battery:    100,
		lastUpdate: clock.Now(),
	}
}

// Run advances the simulation and publishes telemetry at SimTelemetryHz
// until ctx is cancelled.
func (s *SimLink) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(time.Second / SimTelemetryHz)
	defer ticker.Stop()
	defer s.bcast.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.bcast.Publish(s.Telemetry())
		}
	}
}

// stepLocked integrates the model up to now.
func (s *SimLink) stepLocked(now time.Time) {
	dt := now.Sub(s.lastUpdate).Seconds()
	s.lastUpdate = now
	if dt <= 0 {
		return
	}

	if s.offboard && now.Sub(s.lastSetpoint) > SimOffboardLoss {
		monitoring.Logf("[sim] no setpoint for %v, leaving offboard", now.Sub(s.lastSetpoint))
		s.offboard = false
		s.mode = ModeHold
		s.holdLocked()
	}

	if !s.armed {
		return
	}
	s.battery = math.Max(0, s.battery-simDrainPerSec*dt)

	switch s.control {
	case simVelocity:
		yaw := s.pos.YawDeg * math.Pi / 180
		v := s.velocity
		s.pos.North += (v.Forward*math.Cos(yaw) - v.Right*math.Sin(yaw)) * dt
		s.pos.East += (v.Forward*math.Sin(yaw) + v.Right*math.Cos(yaw)) * dt
		s.pos.Down += v.Down * dt
		s.pos.YawDeg = wrapDeg(s.pos.YawDeg + v.YawRateDeg*dt)
	case simPosition:
		alpha := math.Min(1, dt/simTimeConstant)
		step := func(cur, tgt float64) float64 {
			d := (tgt - cur) * alpha
			limit := simMaxSpeed * dt
			if d > limit {
				d = limit
			} else if d < -limit {
				d = -limit
			}
			return cur + d
		}
		s.pos.North = step(s.pos.North, s.target.North)
		s.pos.East = step(s.pos.East, s.target.East)
		s.pos.Down = step(s.pos.Down, s.target.Down)
		s.pos.YawDeg = wrapDeg(s.pos.YawDeg + wrapSigned(s.target.YawDeg-s.pos.YawDeg)*alpha)
	}
	if s.pos.Down > 0 {
		s.pos.Down = 0
	}

	if s.mode == ModeTakeoff && math.Abs(s.pos.Down-s.target.Down) < 0.1 {
		s.mode = ModeHold
	}
	if s.mode == ModeLand && -s.pos.Down < simLandedAlt {
		s.armed = false
		s.mode = ModeHold
		s.control = simIdle
	}
}

func (s *SimLink) holdLocked() {
	s.control = simPosition
	s.target = s.pos
}

func (s *SimLink) applySetpointLocked() {
	switch s.spKind {
	case simPosition:
		s.control = simPosition
		s.target = s.spPos
	case simVelocity:
		s.control = simVelocity
		s.velocity = s.spVel
	}
}

func (s *SimLink) command(op string, f func(now time.Time) error) error {
	s.mu.Lock()
	now := s.clock.Now()
	s.stepLocked(now)
	err := f(now)
	t := s.telemetryLocked(now)
	s.mu.Unlock()
	s.bcast.Publish(t)
	return WrapError(op, err)
}

func (s *SimLink) Arm(ctx context.Context) error {
	return s.command(OpArm, func(time.Time) error {
		s.armed = true
		s.holdLocked()
		return nil
	})
}

func (s *SimLink) Disarm(ctx context.Context) error {
	return s.command(OpDisarm, func(time.Time) error {
		if -s.pos.Down > simLandedAlt {
			return errors.New("cannot disarm in flight")
		}
		s.armed = false
		s.offboard = false
		s.control = simIdle
		s.mode = ModeHold
		return nil
	})
}

func (s *SimLink) Takeoff(ctx context.Context) error {
	return s.command(OpTakeoff, func(time.Time) error {
		if !s.armed {
			return ErrNotArmed
		}
		s.offboard = false
		s.mode = ModeTakeoff
		s.control = simPosition
		s.target = s.pos
		s.target.Down = -SimTakeoffAlt
		return nil
	})
}

func (s *SimLink) Land(ctx context.Context) error {
	return s.command(OpLand, func(time.Time) error {
		if !s.armed {
			return ErrNotArmed
		}
		s.offboard = false
		s.mode = ModeLand
		s.control = simPosition
		s.target = s.pos
		s.target.Down = 0
		return nil
	})
}

func (s *SimLink) ReturnToLaunch(ctx context.Context) error {
	return s.command(OpReturnToLaunch, func(time.Time) error {
		if !s.armed {
			return ErrNotArmed
		}
		s.offboard = false
		s.mode = ModeRTL
		s.control = simPosition
		s.target = PositionNED{Down: s.pos.Down, YawDeg: s.pos.YawDeg}
		return nil
	})
}

func (s *SimLink) Kill(ctx context.Context) error {
	return s.command(OpKill, func(time.Time) error {
		s.armed = false
		s.offboard = false
		s.control = simIdle
		s.mode = ModeManual
		s.pos.Down = 0
		return nil
	})
}

func (s *SimLink) StartOffboard(ctx context.Context) error {
	return s.command(OpStartOffboard, func(now time.Time) error {
		if !s.armed {
			return ErrNotArmed
		}
		if s.lastSetpoint.IsZero() || now.Sub(s.lastSetpoint) > SimOffboardLoss {
			return ErrOffboardRejected
		}
		s.offboard = true
		s.mode = ModeOffboard
		s.applySetpointLocked()
		return nil
	})
}

func (s *SimLink) StopOffboard(ctx context.Context) error {
	return s.command(OpStopOffboard, func(time.Time) error {
		s.offboard = false
		s.mode = ModeHold
		s.holdLocked()
		return nil
	})
}

func (s *SimLink) SetPositionNED(ctx context.Context, p PositionNED) error {
	return s.command(OpSetPosition, func(now time.Time) error {
		s.lastSetpoint = now
		s.spKind = simPosition
		s.spPos = p
		if s.offboard {
			s.applySetpointLocked()
		}
		return nil
	})
}

func (s *SimLink) SetVelocityBody(ctx context.Context, v VelocityBody) error {
	return s.command(OpSetVelocity, func(now time.Time) error {
		s.lastSetpoint = now
		s.spKind = simVelocity
		s.spVel = v
		if s.offboard {
			s.applySetpointLocked()
		}
		return nil
	})
}

// Position returns the simulated local position.
func (s *SimLink) Position() PositionNED {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepLocked(s.clock.Now())
	return s.pos
}

func (s *SimLink) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.stepLocked(now)
	return s.telemetryLocked(now)
}

func (s *SimLink) telemetryLocked(now time.Time) Telemetry {
	lat := SimHomeLat + s.pos.North/metresPerDegLat
	lon := SimHomeLon + s.pos.East/(metresPerDegLat*math.Cos(SimHomeLat*math.Pi/180))
	rel := -s.pos.Down
	return Telemetry{
		Position: Position{
			LatDeg:  lat,
			LonDeg:  lon,
			AbsAltM: SimHomeAMSL + rel,
			RelAltM: rel,
		},
		Battery: Battery{
			VoltageV:     14.8 + 2.0*s.battery/100,
			RemainingPct: s.battery,
		},
		GPS:        GPS{Satellites: 12, FixType: "FIX_3D"},
		FlightMode: s.mode,
		Armed:      s.armed,
		UpdatedAt:  now,
	}
}

func (s *SimLink) Connected() bool { return true }

func (s *SimLink) Subscribe() (string, chan Telemetry) { return s.bcast.Subscribe() }

func (s *SimLink) Unsubscribe(id string) { s.bcast.Unsubscribe(id) }

func wrapDeg(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// wrapSigned maps an angle difference into (-180, 180].
func wrapSigned(d float64) float64 {
	d = math.Mod(d+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

var _ Link = (*SimLink)(nil)
