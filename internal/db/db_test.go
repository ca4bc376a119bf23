package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyloom/patternpilot/internal/flight"
	"github.com/skyloom/patternpilot/internal/offboard"
	"github.com/skyloom/patternpilot/internal/trajectory"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}
}

func columnExists(t *testing.T, db *DB, column string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('missions') WHERE name = ?", column).Scan(&n))
	return n > 0
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)
	assert.True(t, columnExists(t, db, "summary"))
	assert.False(t, columnExists(t, db, "waypoints"), "waypoints are never persisted")

	// Re-running is a no-op.
	require.NoError(t, db.MigrateUp(Migrations()))

	require.NoError(t, db.MigrateDown(Migrations()))
	version, _, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, columnExists(t, db, "summary"))

	require.NoError(t, db.MigrateDown(Migrations()))
	version, _, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_missions_outcome'").Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp(Migrations()))
	assert.True(t, columnExists(t, db, "summary"))
}

func TestMigrateForce(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "force.db"))
	require.NoError(t, err)
	defer db.Close()

	migrations := fstest.MapFS{
		"000001_init.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE t1 (id INTEGER PRIMARY KEY);")},
		"000001_init.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE t1;")},
		"000002_bad.up.sql":    &fstest.MapFile{Data: []byte("CREATE TABLE t1 (id INTEGER PRIMARY KEY);")},
		"000002_bad.down.sql":  &fstest.MapFile{Data: []byte("SELECT 1;")},
	}
	require.Error(t, db.MigrateUp(migrations))

	version, dirty, err := db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.True(t, dirty)

	require.NoError(t, db.MigrateForce(migrations, 1))
	version, dirty, err = db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func testMission(t *testing.T, started time.Time) flight.Mission {
	t.Helper()
	req, err := trajectory.NewRequest("triangle", 4, 3, 0.5, 0)
	require.NoError(t, err)
	wps, err := trajectory.Generate(req)
	require.NoError(t, err)
	return flight.Mission{
		ID:        uuid.New(),
		Request:   req,
		Summary:   trajectory.Summarize(wps, 100*time.Millisecond),
		StartedAt: started,
	}
}

func TestMissionLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := testMission(t, started)

	require.NoError(t, db.RecordStart(ctx, m))

	rec, err := db.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "triangle", rec.Shape)
	assert.Equal(t, -3.0, rec.AltitudeM)
	assert.Equal(t, 4, rec.WaypointCount)
	assert.Equal(t, 200, rec.PlannedSetpoints)
	assert.True(t, rec.StartedAt.Equal(started))
	assert.Nil(t, rec.FinishedAt)
	require.NotNil(t, rec.Summary)
	if diff := cmp.Diff(m.Summary, *rec.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	req, err := rec.Request()
	require.NoError(t, err)
	assert.Equal(t, m.Request, req)

	finished := started.Add(30 * time.Second)
	require.NoError(t, db.RecordFinish(ctx, m.ID, flight.MissionResult{
		FinishedAt: finished,
		Outcome:    flight.OutcomeFailed,
		Error:      "link lost",
		Stats:      offboard.Stats{Sent: 120, Waypoints: 2, MaxGap: 150 * time.Millisecond},
	}))

	rec, err = db.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.FinishedAt)
	assert.True(t, rec.FinishedAt.Equal(finished))
	assert.Equal(t, "failed", rec.Outcome)
	assert.Equal(t, "link lost", rec.Error)
	assert.Equal(t, 120, rec.SetpointsSent)
	assert.Equal(t, 150.0, rec.MaxGapMs)
}

func TestListMissions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		m := testMission(t, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, db.RecordStart(ctx, m))
		ids = append(ids, m.ID)
	}
	require.NoError(t, db.RecordFinish(ctx, ids[0], flight.MissionResult{FinishedAt: base, Outcome: flight.OutcomeCompleted}))
	require.NoError(t, db.RecordFinish(ctx, ids[1], flight.MissionResult{FinishedAt: base, Outcome: flight.OutcomeCancelled}))

	all, err := db.ListMissions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uuid.UUID{ids[2], ids[1], ids[0]}, []uuid.UUID{all[0].ID, all[1].ID, all[2].ID})
	assert.Nil(t, all[0].Summary, "lists omit summaries")

	completed, err := db.ListMissions(ctx, "completed", 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, ids[0], completed[0].ID)

	limited, err := db.ListMissions(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	stats, err := db.MissionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"completed": 1, "cancelled": 1, "running": 1}, stats)
}

func TestMissionNotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetMission(ctx, uuid.New())
	assert.True(t, errors.Is(err, ErrMissionNotFound), "got %v", err)

	err = db.RecordFinish(ctx, uuid.New(), flight.MissionResult{Outcome: flight.OutcomeCompleted})
	assert.True(t, errors.Is(err, ErrMissionNotFound), "got %v", err)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	// Routes may answer 403 outside loopback, but must be registered.
	for _, endpoint := range []string{"/debug/db-stats", "/debug/backup", "/debug/tailsql/"} {
		t.Run(endpoint, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, endpoint, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			if w.Code == http.StatusNotFound {
				t.Errorf("Endpoint %s should be registered, got 404", endpoint)
			}
		})
	}
}
