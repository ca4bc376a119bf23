package flight

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skyloom/patternpilot/internal/trajectory"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

// Command is an operator or worker event applied to the State.
type Command interface {
	// Action is the log action the command is recorded under.
	Action() string
	command()
}

type (
	Arm            struct{}
	Disarm         struct{}
	Takeoff        struct{}
	Land           struct{}
	ReturnToLaunch struct{}
	EmergencyKill  struct{}
	StartOffboard  struct{}
	StopOffboard   struct{}

	// StartPattern requests a pattern run. ID and StartedAt are chosen by
	// the caller so that planning stays deterministic.
	StartPattern struct {
		Request   trajectory.Request
		ID        uuid.UUID
		StartedAt time.Time
	}

	// PatternFinished is emitted by a pattern worker when it exits, for any
	// reason.
	PatternFinished struct {
		ID  uuid.UUID
		Err error
	}

	SetVelocity struct {
		Velocity vehicle.VelocityBody
	}
)

func (Arm) Action() string             { return "ARM" }
func (Disarm) Action() string          { return "DISARM" }
func (Takeoff) Action() string         { return "TAKEOFF" }
func (Land) Action() string            { return "LAND" }
func (ReturnToLaunch) Action() string  { return "RTL" }
func (EmergencyKill) Action() string   { return "EMERGENCY" }
func (StartOffboard) Action() string   { return "OFFBOARD" }
func (StopOffboard) Action() string    { return "OFFBOARD" }
func (StartPattern) Action() string    { return "PATTERN" }
func (PatternFinished) Action() string { return "PATTERN" }
func (SetVelocity) Action() string     { return "VELOCITY" }

func (Arm) command()             {}
func (Disarm) command()          {}
func (Takeoff) command()         {}
func (Land) command()            {}
func (ReturnToLaunch) command()  {}
func (EmergencyKill) command()   {}
func (StartOffboard) command()   {}
func (StopOffboard) command()    {}
func (StartPattern) command()    {}
func (PatternFinished) command() {}
func (SetVelocity) command()     {}

// Effect is a side effect the Controller performs, in order, to realise a
// transition.
type Effect int

const (
	// EffectCancelPattern cancels the pattern worker and tears down its
	// offboard session. It never fails.
	EffectCancelPattern Effect = iota + 1
	// EffectStopVelocityHold ends the manual velocity keep-alive.
	EffectStopVelocityHold
	// EffectExitOffboard is a best-effort request to leave offboard mode;
	// its failure is logged and does not abort the transition.
	EffectExitOffboard
	// EffectStopOffboard is a required request to leave offboard mode.
	EffectStopOffboard
	EffectArm
	EffectDisarm
	EffectTakeoff
	EffectLand
	EffectReturnToLaunch
	EffectKill
	// EffectEnterManual seeds a zero velocity setpoint, switches to offboard
	// and starts the velocity keep-alive.
	EffectEnterManual
	// EffectSpawnPattern generates the waypoints and starts the worker.
	EffectSpawnPattern
	EffectSendVelocity
)

var effectNames = map[Effect]string{
	EffectCancelPattern:    "cancel_pattern",
	EffectStopVelocityHold: "stop_velocity_hold",
	EffectExitOffboard:     "exit_offboard",
	EffectStopOffboard:     "stop_offboard",
	EffectArm:              "arm",
	EffectDisarm:           "disarm",
	EffectTakeoff:          "takeoff",
	EffectLand:             "land",
	EffectReturnToLaunch:   "return_to_launch",
	EffectKill:             "kill",
	EffectEnterManual:      "enter_manual",
	EffectSpawnPattern:     "spawn_pattern",
	EffectSendVelocity:     "send_velocity",
}

func (e Effect) String() string {
	if n, ok := effectNames[e]; ok {
		return n
	}
	return fmt.Sprintf("Effect(%d)", int(e))
}

// BestEffort reports whether a failure of e is logged rather than aborting
// the transition.
func (e Effect) BestEffort() bool {
	switch e {
	case EffectCancelPattern, EffectStopVelocityHold, EffectExitOffboard:
		return true
	}
	return false
}

// Transition is the planned outcome of a command.
type Transition struct {
	// Effects run in order. The first required effect that fails stops the
	// sequence.
	Effects []Effect
	// Next is the state once every effect succeeded.
	Next State
	// Failed is the state if a required effect failed. It accounts for any
	// release effects that ran before the failure.
	Failed State
	// Noop marks a command that succeeds without touching the vehicle.
	Noop bool
	// Detail is the log detail recorded on success.
	Detail string
}

// Plan computes the transition for c applied to s. It performs no I/O. A
// non-nil error is a synchronous rejection: the state is unchanged and
// nothing is sent to the vehicle.
func Plan(s State, c Command) (Transition, error) {
	s = s.Clone()
	switch c := c.(type) {
	case Arm:
		next := s
		next.Armed = true
		return Transition{Effects: []Effect{EffectArm}, Next: next, Failed: s, Detail: "Drone armed"}, nil

	case Takeoff:
		next := s
		next.Armed = true
		next.Flying = true
		next.MissionCount++
		effects := []Effect{EffectTakeoff}
		if !s.Armed {
			effects = []Effect{EffectArm, EffectTakeoff}
		}
		return Transition{Effects: effects, Next: next, Failed: s, Detail: "Taking off"}, nil

	case Disarm:
		t := stopping(s, EffectDisarm, "Drone disarmed")
		t.Next.Armed = false
		t.Next.Flying = false
		return t, nil

	case Land:
		t := stopping(s, EffectLand, "Landing")
		t.Next.Flying = false
		return t, nil

	case ReturnToLaunch:
		return stopping(s, EffectReturnToLaunch, "Returning to launch"), nil

	case EmergencyKill:
		t := stopping(s, EffectKill, "Emergency stop")
		t.Next.Armed = false
		t.Next.Flying = false
		return t, nil

	case StopOffboard:
		if !s.OffboardActive {
			return Transition{Next: s, Failed: s, Noop: true, Detail: "Offboard not active"}, nil
		}
		if s.ActivePattern != nil {
			// The pattern's session owns the mode and releases it.
			return Transition{
				Effects: []Effect{EffectCancelPattern},
				Next:    s.released(),
				Failed:  s.released(),
				Detail:  fmt.Sprintf("Offboard mode stopped, %s pattern cancelled", s.ActivePattern.Shape),
			}, nil
		}
		var effects []Effect
		failed := s
		if s.ManualVelocityEnabled {
			effects = append(effects, EffectStopVelocityHold)
			failed.ManualVelocityEnabled = false
		}
		effects = append(effects, EffectStopOffboard)
		return Transition{Effects: effects, Next: s.released(), Failed: failed, Detail: "Offboard mode stopped"}, nil

	case StartOffboard:
		if s.OffboardActive {
			return Transition{Next: s, Failed: s, Noop: true, Detail: "Offboard already active"}, nil
		}
		next := s
		next.Armed = true
		next.Flying = true
		next.OffboardActive = true
		next.ManualVelocityEnabled = true
		effects := []Effect{EffectEnterManual}
		if !s.Armed {
			effects = []Effect{EffectArm, EffectEnterManual}
		}
		return Transition{Effects: effects, Next: next, Failed: s, Detail: "Offboard mode started"}, nil

	case StartPattern:
		if err := c.Request.Validate(); err != nil {
			return Transition{}, err
		}
		if s.ActivePattern != nil {
			return Transition{}, &ConcurrencyError{Reason: ReasonPatternRunning}
		}
		if !s.Armed {
			return Transition{}, &ConcurrencyError{Reason: ReasonNotArmed}
		}
		next := s
		next.Flying = true
		next.OffboardActive = true
		next.ManualVelocityEnabled = false
		next.MissionCount++
		next.ActivePattern = &ActivePattern{
			ID:        c.ID,
			Shape:     c.Request.Shape,
			Request:   c.Request,
			StartedAt: c.StartedAt,
		}
		var effects []Effect
		failed := s
		if s.ManualVelocityEnabled {
			// The pattern takes the offboard channel over from manual control.
			effects = append(effects, EffectStopVelocityHold)
			failed.ManualVelocityEnabled = false
		}
		effects = append(effects, EffectSpawnPattern)
		return Transition{
			Effects: effects,
			Next:    next,
			Failed:  failed,
			Detail:  fmt.Sprintf("%s pattern initiated", c.Request.Shape),
		}, nil

	case PatternFinished:
		if s.ActivePattern == nil || s.ActivePattern.ID != c.ID {
			// Already released by a stop-style command.
			return Transition{Next: s, Failed: s, Noop: true}, nil
		}
		shape := s.ActivePattern.Shape
		detail := fmt.Sprintf("%s pattern completed", shape)
		if c.Err != nil {
			detail = fmt.Sprintf("%s failed: %v", shape, c.Err)
		}
		return Transition{Next: s.released(), Failed: s.released(), Noop: true, Detail: detail}, nil

	case SetVelocity:
		if !s.OffboardActive || !s.ManualVelocityEnabled || s.ActivePattern != nil {
			return Transition{}, &ConcurrencyError{Reason: ReasonNoOffboard}
		}
		v := c.Velocity
		return Transition{
			Effects: []Effect{EffectSendVelocity},
			Next:    s,
			Failed:  s,
			Detail:  fmt.Sprintf("vx=%.2f vy=%.2f vz=%.2f yaw_rate=%.1f", v.Forward, v.Right, v.Down, v.YawRateDeg),
		}, nil
	}
	return Transition{}, fmt.Errorf("unsupported command %T", c)
}

// stopping plans a stop-style command: release whatever owns the offboard
// channel, then perform primary. Release always happens, so a failure of
// primary still leaves offboard cleared.
func stopping(s State, primary Effect, detail string) Transition {
	var effects []Effect
	switch {
	case s.ActivePattern != nil:
		effects = append(effects, EffectCancelPattern)
	case s.OffboardActive:
		if s.ManualVelocityEnabled {
			effects = append(effects, EffectStopVelocityHold)
		}
		effects = append(effects, EffectExitOffboard)
	}
	effects = append(effects, primary)
	released := s.released()
	return Transition{Effects: effects, Next: released, Failed: released, Detail: detail}
}
