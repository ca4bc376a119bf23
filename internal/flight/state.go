// Package flight is the single owner of the vehicle's control state. Every
// operator command is planned against the current State by the pure Plan
// function, executed by the Controller, and recorded in the flight log.
package flight

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skyloom/patternpilot/internal/trajectory"
)

// ActivePattern identifies the pattern run that owns the offboard channel.
type ActivePattern struct {
	ID        uuid.UUID          `json:"id"`
	Shape     trajectory.Shape   `json:"shape"`
	Request   trajectory.Request `json:"-"`
	StartedAt time.Time          `json:"started_at"`
}

// State is the controller's view of the vehicle.
//
// Invariants: ManualVelocityEnabled implies OffboardActive, and a non-nil
// ActivePattern implies OffboardActive. At most one of the pattern worker
// and the manual velocity stream writes setpoints at a time.
type State struct {
	Armed                 bool           `json:"armed"`
	Flying                bool           `json:"is_flying"`
	OffboardActive        bool           `json:"is_offboard"`
	ActivePattern         *ActivePattern `json:"current_pattern"`
	ManualVelocityEnabled bool           `json:"velocity_enabled"`
	MissionCount          uint64         `json:"mission_count"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s.ActivePattern != nil {
		p := *s.ActivePattern
		s.ActivePattern = &p
	}
	return s
}

// PatternRunning reports whether a pattern owns the offboard channel.
func (s State) PatternRunning() bool { return s.ActivePattern != nil }

// Check returns an error describing the first violated invariant.
func (s State) Check() error {
	if s.ManualVelocityEnabled && !s.OffboardActive {
		return fmt.Errorf("manual velocity enabled outside offboard")
	}
	if s.ActivePattern != nil && !s.OffboardActive {
		return fmt.Errorf("pattern %s running outside offboard", s.ActivePattern.Shape)
	}
	if s.ActivePattern != nil && s.ManualVelocityEnabled {
		return fmt.Errorf("pattern %s and manual velocity both own the offboard channel", s.ActivePattern.Shape)
	}
	return nil
}

// Mode names the state machine node s is in.
func (s State) Mode() string {
	switch {
	case !s.Armed && !s.OffboardActive:
		return "disarmed"
	case s.ActivePattern != nil:
		return "offboard.pattern"
	case s.ManualVelocityEnabled:
		return "offboard.manual"
	case s.OffboardActive:
		return "offboard.idle"
	default:
		return "armed"
	}
}

// released returns s with nothing owning the offboard channel.
func (s State) released() State {
	s.ActivePattern = nil
	s.ManualVelocityEnabled = false
	s.OffboardActive = false
	return s
}
