package api

import (
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skyloom/patternpilot/internal/db"
	"github.com/skyloom/patternpilot/internal/flight"
	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/timeutil"
	"github.com/skyloom/patternpilot/internal/trajectory"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

var (
	apiTestTemplatePath string
	epoch               = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	code := runAPITestMain(m)
	os.Exit(code)
}

// runAPITestMain migrates one template database so each test can start from
// a copy instead of running the migrations again.
func runAPITestMain(m *testing.M) int {
	tmpDir, err := os.MkdirTemp("", "patternpilot-api-template-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create API test template directory: %v\n", err)
		return 1
	}
	defer os.RemoveAll(tmpDir)

	apiTestTemplatePath = filepath.Join(tmpDir, "template.db")
	templateDB, err := db.NewDB(apiTestTemplatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize API test template DB: %v\n", err)
		return 1
	}
	if _, err := templateDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to checkpoint API test template DB: %v\n", err)
		_ = templateDB.Close()
		return 1
	}
	if err := templateDB.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close API test template DB: %v\n", err)
		return 1
	}

	return m.Run()
}

func cloneAPITestDB(t *testing.T) *db.DB {
	t.Helper()

	if apiTestTemplatePath == "" {
		t.Fatal("API test template DB not initialized")
	}
	dbPath := filepath.Join(t.TempDir(), "test.db")
	if err := copyFile(apiTestTemplatePath, dbPath); err != nil {
		t.Fatalf("failed to clone API test DB template: %v", err)
	}
	d, err := db.OpenDB(dbPath)
	if err != nil {
		t.Fatalf("failed to open cloned DB: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

type testEnv struct {
	link *vehicle.MockLink
	ctrl *flight.Controller
	db   *db.DB
	srv  *httptest.Server
}

// newTestEnv serves the API over a controller driving a MockLink. Patterns
// stream on an auto-advancing clock and finish almost instantly.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	d := cloneAPITestDB(t)
	link := vehicle.NewMockLink()
	cache := trajectory.NewCache(8, 0)
	ctrl := flight.NewController(link, flight.Options{
		Clock:     timeutil.NewAutoClock(epoch),
		HoldClock: timeutil.NewMockClock(epoch),
		Cache:     cache,
		Recorder:  d,
	})
	t.Cleanup(ctrl.Close)

	srv := httptest.NewServer(LoggingMiddleware(NewServer(ctrl, cache, d, 100*time.Millisecond).ServeMux()))
	t.Cleanup(srv.Close)
	return &testEnv{link: link, ctrl: ctrl, db: d, srv: srv}
}
