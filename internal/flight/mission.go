package flight

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/skyloom/patternpilot/internal/offboard"
	"github.com/skyloom/patternpilot/internal/trajectory"
)

// Outcome is how a pattern run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Mission describes a pattern run as it starts. Waypoints are not part of
// it: they are consumed by the streaming loop and can be regenerated from
// Request.
type Mission struct {
	ID        uuid.UUID
	Request   trajectory.Request
	Summary   trajectory.Summary
	StartedAt time.Time
}

// MissionResult describes how a pattern run ended.
type MissionResult struct {
	FinishedAt time.Time
	Outcome    Outcome
	Error      string
	Stats      offboard.Stats
}

// MissionRecorder persists pattern runs. Recorder failures are logged and
// never affect flight.
type MissionRecorder interface {
	RecordStart(ctx context.Context, m Mission) error
	RecordFinish(ctx context.Context, id uuid.UUID, r MissionResult) error
}
