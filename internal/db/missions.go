package db

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/skyloom/patternpilot/internal/flight"
	"github.com/skyloom/patternpilot/internal/trajectory"
)

// ErrMissionNotFound is returned when no mission has the requested id.
var ErrMissionNotFound = errors.New("mission not found")

var _ flight.MissionRecorder = (*DB)(nil)

// MissionRecord is one persisted pattern run. The waypoint list itself is
// never stored; it is regenerated from the request parameters on demand.
type MissionRecord struct {
	ID               uuid.UUID           `json:"id"`
	Shape            string              `json:"shape"`
	SizeM            float64             `json:"size_m"`
	AltitudeM        float64             `json:"altitude_m"`
	Speed            float64             `json:"speed"`
	Steps            int                 `json:"steps"`
	WaypointCount    int                 `json:"waypoint_count"`
	PlannedSetpoints int                 `json:"planned_setpoints"`
	PathLengthM      float64             `json:"path_length_m"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       *time.Time          `json:"finished_at,omitempty"`
	Outcome          string              `json:"outcome,omitempty"`
	Error            string              `json:"error,omitempty"`
	SetpointsSent    int                 `json:"setpoints_sent"`
	MaxGapMs         float64             `json:"max_gap_ms"`
	Summary          *trajectory.Summary `json:"summary,omitempty"`
}

// Request rebuilds the validated pattern request the mission was flown with.
func (m MissionRecord) Request() (trajectory.Request, error) {
	return trajectory.NewRequest(m.Shape, m.SizeM, m.AltitudeM, m.Speed, m.Steps)
}

func encodeSummary(s trajectory.Summary) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSummary(b []byte) (*trajectory.Summary, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	var s trajectory.Summary
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RecordStart stores a mission as it is launched.
func (db *DB) RecordStart(ctx context.Context, m flight.Mission) error {
	blob, err := encodeSummary(m.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO missions (
			mission_id, shape, size_m, altitude_m, speed, steps,
			waypoint_count, planned_setpoints, path_length_m, summary,
			started_unix_nano
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.Request.Shape.String(), m.Request.Size, m.Request.Altitude, m.Request.Speed, m.Request.Steps,
		m.Summary.Waypoints, m.Summary.Setpoints, m.Summary.PathLength, blob,
		m.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mission %s: %w", m.ID, err)
	}
	return nil
}

// RecordFinish stores how a mission ended.
func (db *DB) RecordFinish(ctx context.Context, id uuid.UUID, r flight.MissionResult) error {
	res, err := db.ExecContext(ctx,
		`UPDATE missions SET
			finished_unix_nano = ?, outcome = ?, error = ?, setpoints_sent = ?, max_gap_ms = ?
		WHERE mission_id = ?`,
		r.FinishedAt.UnixNano(), string(r.Outcome), r.Error, r.Stats.Sent,
		float64(r.Stats.MaxGap)/float64(time.Millisecond),
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update mission %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	return nil
}

const missionColumns = `mission_id, shape, size_m, altitude_m, speed, steps,
	waypoint_count, planned_setpoints, path_length_m,
	started_unix_nano, finished_unix_nano, outcome, error, setpoints_sent, max_gap_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner, extra ...any) (MissionRecord, error) {
	var (
		rec      MissionRecord
		id       string
		started  int64
		finished sql.NullInt64
		outcome  sql.NullString
		errText  sql.NullString
		sent     sql.NullInt64
		maxGap   sql.NullFloat64
	)
	dest := []any{
		&id, &rec.Shape, &rec.SizeM, &rec.AltitudeM, &rec.Speed, &rec.Steps,
		&rec.WaypointCount, &rec.PlannedSetpoints, &rec.PathLengthM,
		&started, &finished, &outcome, &errText, &sent, &maxGap,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return rec, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return rec, fmt.Errorf("invalid mission id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		rec.FinishedAt = &t
	}
	rec.Outcome = outcome.String
	rec.Error = errText.String
	rec.SetpointsSent = int(sent.Int64)
	rec.MaxGapMs = maxGap.Float64
	return rec, nil
}

// ListMissions returns up to limit missions, newest first, optionally
// filtered by outcome. Summaries are not loaded.
func (db *DB) ListMissions(ctx context.Context, outcome string, limit int) ([]MissionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + missionColumns + ` FROM missions`
	args := []any{}
	if outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, outcome)
	}
	query += ` ORDER BY started_unix_nano DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	missions := []MissionRecord{}
	for rows.Next() {
		rec, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return missions, nil
}

// GetMission returns one mission including its path summary.
func (db *DB) GetMission(ctx context.Context, id uuid.UUID) (MissionRecord, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+missionColumns+`, summary FROM missions WHERE mission_id = ?`, id.String())
	var blob []byte
	rec, err := scanMission(row, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return MissionRecord{}, fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	if err != nil {
		return MissionRecord{}, err
	}
	rec.Summary, err = decodeSummary(blob)
	if err != nil {
		return MissionRecord{}, fmt.Errorf("failed to decode summary for %s: %w", id, err)
	}
	return rec, nil
}

// MissionStats counts missions by outcome. Missions without an outcome are
// still flying and are counted as "running".
func (db *DB) MissionStats(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT COALESCE(outcome, 'running'), COUNT(*) FROM missions GROUP BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		stats[outcome] = n
	}
	return stats, rows.Err()
}
