// Package vehicle defines the boundary between the flight controller and the
// autopilot it drives: the Link interface, the setpoint and telemetry value
// types that cross it, and two in-process implementations (MockLink for tests
// and SimLink for development without hardware).
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Operation names used in LinkError and by MockLink.
const (
	OpArm            = "arm"
	OpDisarm         = "disarm"
	OpTakeoff        = "takeoff"
	OpLand           = "land"
	OpReturnToLaunch = "return_to_launch"
	OpKill           = "kill"
	OpStartOffboard  = "offboard_start"
	OpStopOffboard   = "offboard_stop"
	OpSetPosition    = "set_position_ned"
	OpSetVelocity    = "set_velocity_body"
)

// PositionNED is a position setpoint in the local north-east-down frame
// centred on the offboard origin. Down is negative above the origin.
type PositionNED struct {
	North  float64 `json:"north_m"`
	East   float64 `json:"east_m"`
	Down   float64 `json:"down_m"`
	YawDeg float64 `json:"yaw_deg"`
}

// VelocityBody is a velocity setpoint in the vehicle's body frame.
type VelocityBody struct {
	Forward    float64 `json:"forward_m_s"`
	Right      float64 `json:"right_m_s"`
	Down       float64 `json:"down_m_s"`
	YawRateDeg float64 `json:"yawspeed_deg_s"`
}

// Position is the vehicle's global position.
type Position struct {
	LatDeg  float64 `json:"latitude"`
	LonDeg  float64 `json:"longitude"`
	AbsAltM float64 `json:"absolute_altitude"`
	RelAltM float64 `json:"relative_altitude"`
}

// Battery is the primary battery state.
type Battery struct {
	VoltageV     float64 `json:"voltage"`
	RemainingPct float64 `json:"remaining_percent"`
}

// GPS is the primary receiver state.
type GPS struct {
	Satellites int    `json:"num_satellites"`
	FixType    string `json:"fix_type"`
}

// Telemetry is the latest snapshot reported by the vehicle.
type Telemetry struct {
	Position   Position  `json:"position"`
	Battery    Battery   `json:"battery"`
	GPS        GPS       `json:"gps"`
	FlightMode string    `json:"flight_mode"`
	Armed      bool      `json:"armed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Fallback labels reported before the vehicle has said anything.
const (
	FixNone     = "NO_FIX"
	ModeUnknown = "UNKNOWN"
)

// EmptyTelemetry is the snapshot reported while no data has arrived.
func EmptyTelemetry() Telemetry {
	return Telemetry{
		GPS:        GPS{FixType: FixNone},
		FlightMode: ModeUnknown,
	}
}

// Link is a connection to one vehicle. Implementations must be safe for
// concurrent use, but callers treat the offboard setpoint channel as single
// writer.
type Link interface {
	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error
	Takeoff(ctx context.Context) error
	Land(ctx context.Context) error
	ReturnToLaunch(ctx context.Context) error
	// Kill stops the motors immediately, in flight or not.
	Kill(ctx context.Context) error
	StartOffboard(ctx context.Context) error
	StopOffboard(ctx context.Context) error
	SetPositionNED(ctx context.Context, p PositionNED) error
	SetVelocityBody(ctx context.Context, v VelocityBody) error

	// Telemetry returns the latest snapshot.
	Telemetry() Telemetry
	// Connected reports whether the vehicle has been heard from.
	Connected() bool
	// Subscribe returns a channel that receives telemetry updates until
	// Unsubscribe is called with the returned id.
	Subscribe() (string, chan Telemetry)
	Unsubscribe(id string)
}

// ErrNotArmed is returned by links that refuse flight commands while
// disarmed.
var ErrNotArmed = errors.New("vehicle not armed")

// ErrOffboardRejected is returned when the vehicle refuses to enter offboard
// mode, typically because no setpoint has been streamed yet.
var ErrOffboardRejected = errors.New("offboard mode rejected")

// LinkError reports a failed vehicle command.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("vehicle %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// WrapError returns err as a LinkError for op, leaving nil and existing
// LinkErrors untouched.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *LinkError
	if errors.As(err, &le) {
		return err
	}
	return &LinkError{Op: op, Err: err}
}
