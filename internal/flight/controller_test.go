package flight

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/timeutil"
	"github.com/skyloom/patternpilot/internal/trajectory"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type fixture struct {
	link *vehicle.MockLink
	hold *timeutil.MockClock
	c    *Controller
}

// newFixture returns a controller whose patterns stream on an auto-advancing
// clock and whose velocity keep-alive only ticks when the test advances it.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{link: vehicle.NewMockLink(), hold: timeutil.NewMockClock(epoch)}
	if opts.Clock == nil {
		opts.Clock = timeutil.NewAutoClock(epoch)
	}
	opts.HoldClock = f.hold
	f.c = NewController(f.link, opts)
	t.Cleanup(f.c.Close)
	return f
}

func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	assert.NoError(t, f.c.Snapshot().Check())
}

func TestStopOffboardWhenInactive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	before := f.c.Snapshot()
	require.NoError(t, f.c.StopOffboard(ctx))

	assert.Empty(t, f.link.Calls())
	assert.Equal(t, before, f.c.Snapshot())
	logs := f.c.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "OFFBOARD", logs[0].Action)
	assert.Equal(t, StatusSuccess, logs[0].Status)
}

func TestSetVelocityWithoutOffboard(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))
	f.link.Reset()

	err := f.c.SetVelocity(ctx, vehicle.VelocityBody{Forward: 1})
	var cerr *ConcurrencyError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Empty(t, f.link.Calls())

	logs := f.c.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "VELOCITY", logs[0].Action)
	assert.Equal(t, StatusError, logs[0].Status)
	assert.Equal(t, ReasonNoOffboard, logs[0].Details)
}

func TestUnknownShape(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))
	f.link.Reset()

	_, err := f.c.StartPattern(ctx, "hexagon", 5, 5, 0.5, 0)
	var verr *trajectory.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)

	assert.Nil(t, f.c.Snapshot().ActivePattern)
	assert.Empty(t, f.link.Calls())
	logs := f.c.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, LogEntry{
		Timestamp: epoch,
		Action:    "PATTERN",
		Status:    StatusError,
		Details:   "Unknown shape: hexagon",
	}, logs[0])
}

func TestOversizedStepsRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))
	f.link.Reset()

	_, err := f.c.StartPattern(ctx, "circle", 1, 1, 1, math.MaxInt)
	var verr *trajectory.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "steps", verr.Field)

	_, err = f.c.Fly(ctx, trajectory.Request{Shape: trajectory.ShapeCircle, Size: 1, Altitude: -1, Speed: 1, Steps: trajectory.MaxSteps + 1})
	require.True(t, errors.As(err, &verr), "got %v", err)

	assert.Nil(t, f.c.Snapshot().ActivePattern)
	assert.Empty(t, f.link.Calls())
	logs := f.c.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "PATTERN", logs[0].Action)
	assert.Equal(t, StatusError, logs[0].Status)
	assert.Equal(t, "PATTERN", logs[1].Action)
}

func TestSquarePatternCompletes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))

	p, err := f.c.StartPattern(ctx, "square", 5, 5, 0.5, 0)
	require.NoError(t, err)
	assert.Equal(t, trajectory.ShapeSquare, p.Shape)
	assert.NotEqual(t, uuid.Nil, p.ID)

	f.c.Wait()
	s := f.c.Snapshot()
	assert.Equal(t, State{Armed: true, Flying: true, MissionCount: 1}, s)

	// priming: seed + 20 settle + 3 align + 10 hold; square: 5 x 50 ticks
	assert.Equal(t, 34+250, f.link.Count(vehicle.OpSetPosition))
	assert.Equal(t, 1, f.link.Count(vehicle.OpStartOffboard))
	assert.Equal(t, 1, f.link.Count(vehicle.OpStopOffboard))

	var positions []vehicle.PositionNED
	for _, c := range f.link.Calls() {
		if c.Op == vehicle.OpSetPosition {
			positions = append(positions, c.Position)
		}
	}
	assert.Equal(t, vehicle.PositionNED{Down: -5}, positions[0])
	third := positions[34+2*50]
	assert.InDelta(t, 5.0, third.North, 1e-9)
	assert.InDelta(t, 5.0, third.East, 1e-9)
	assert.InDelta(t, 180.0, third.YawDeg, 1e-9)

	logs := f.c.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, []string{"PATTERN", "PATTERN", "ARM"}, []string{logs[0].Action, logs[1].Action, logs[2].Action})
	assert.Equal(t, StatusSuccess, logs[0].Status)
	assert.Equal(t, "square pattern completed", logs[0].Details)
	assert.Equal(t, StatusStarted, logs[1].Status)
	assert.Equal(t, "square pattern initiated", logs[1].Details)
}

func TestPatternFailureLeavesVehicleFlying(t *testing.T) {
	f := newFixture(t, Options{})
	var mu sync.Mutex
	sent := 0
	f.link.OnCall = func(c vehicle.Call) error {
		if c.Op != vehicle.OpSetPosition {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		sent++
		if sent > 60 {
			return errors.New("link lost")
		}
		return nil
	}
	ctx := context.Background()
	require.NoError(t, f.c.Takeoff(ctx))
	_, err := f.c.StartPattern(ctx, "triangle", 4, 3, 1, 0)
	require.NoError(t, err)
	f.c.Wait()

	s := f.c.Snapshot()
	assert.True(t, s.Armed)
	assert.True(t, s.Flying)
	assert.False(t, s.OffboardActive)
	assert.Nil(t, s.ActivePattern)
	assert.Equal(t, 1, f.link.Count(vehicle.OpStopOffboard))

	logs := f.c.Logs()
	assert.Equal(t, StatusError, logs[0].Status)
	assert.Contains(t, logs[0].Details, "triangle failed:")
	assert.Contains(t, logs[0].Details, "link lost")
}

func TestPrimingFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.link.SetError(vehicle.OpStartOffboard, errors.New("denied"))
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))

	_, err := f.c.StartPattern(ctx, "circle", 3, 3, 0.5, 0)
	require.NoError(t, err, "priming runs in the worker")
	f.c.Wait()

	s := f.c.Snapshot()
	assert.Nil(t, s.ActivePattern)
	assert.False(t, s.OffboardActive)
	assert.Zero(t, f.link.Count(vehicle.OpStopOffboard))
	assert.Contains(t, f.c.Logs()[0].Details, "circle failed:")
}

func TestPatternMutualExclusion(t *testing.T) {
	f := newFixture(t, Options{})
	release := f.link.Block(vehicle.OpStartOffboard)
	defer release()
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))

	_, err := f.c.StartPattern(ctx, "square", 5, 5, 0.5, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.link.Count(vehicle.OpStartOffboard) == 1
	}, time.Second, time.Millisecond)

	s := f.c.Snapshot()
	require.NotNil(t, s.ActivePattern)
	assert.True(t, s.OffboardActive)
	f.checkInvariants(t)

	_, err = f.c.StartPattern(ctx, "circle", 5, 5, 0.5, 0)
	var cerr *ConcurrencyError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ReasonPatternRunning, cerr.Reason)
	assert.Equal(t, s, f.c.Snapshot())

	err = f.c.SetVelocity(ctx, vehicle.VelocityBody{Forward: 1})
	assert.True(t, errors.As(err, &cerr))
	assert.Zero(t, f.link.Count(vehicle.OpSetVelocity))

	require.NoError(t, f.c.StartOffboard(ctx), "offboard is already active")

	// Stop-style commands are accepted while the worker is busy.
	require.NoError(t, f.c.Land(ctx))
	s = f.c.Snapshot()
	assert.Nil(t, s.ActivePattern)
	assert.False(t, s.OffboardActive)
	assert.False(t, s.Flying)
	assert.Equal(t, 1, f.link.Count(vehicle.OpLand))

	f.c.Wait()
	f.checkInvariants(t)
	assert.Zero(t, f.link.Count(vehicle.OpStopOffboard), "offboard was never entered")
	logs := f.c.Logs()
	assert.Equal(t, "square pattern cancelled", logs[0].Details)
	assert.Equal(t, "LAND", logs[1].Action)
	assert.Equal(t, StatusSuccess, logs[1].Status)
}

func TestStopOffboardCancelsPattern(t *testing.T) {
	f := newFixture(t, Options{})
	var once sync.Once
	started := make(chan struct{})
	gate := make(chan struct{})
	f.link.OnCall = func(c vehicle.Call) error {
		if c.Op == vehicle.OpSetPosition && f.link.Count(vehicle.OpSetPosition) > 40 {
			once.Do(func() { close(started) })
			<-gate
		}
		return nil
	}
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))
	_, err := f.c.StartPattern(ctx, "star", 5, 5, 0.5, 0)
	require.NoError(t, err)

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	require.NoError(t, f.c.StopOffboard(ctx))
	f.c.Wait()

	s := f.c.Snapshot()
	assert.Nil(t, s.ActivePattern)
	assert.False(t, s.OffboardActive)
	assert.True(t, s.Armed)
	assert.Equal(t, 1, f.link.Count(vehicle.OpStopOffboard), "the session releases offboard once")
}

func TestManualVelocity(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.c.StartOffboard(ctx))
	assert.Equal(t, []string{vehicle.OpArm, vehicle.OpSetVelocity, vehicle.OpStartOffboard}, f.link.Ops())
	assert.Equal(t, vehicle.VelocityBody{}, f.link.Calls()[1].Velocity, "zero velocity seeds the stream")
	s := f.c.Snapshot()
	assert.True(t, s.Armed)
	assert.True(t, s.OffboardActive)
	assert.True(t, s.ManualVelocityEnabled)

	require.NoError(t, f.c.StartOffboard(ctx))
	assert.Len(t, f.link.Calls(), 3, "second start is a no-op")

	v := vehicle.VelocityBody{Forward: 1, Right: -0.5, YawRateDeg: 15}
	require.NoError(t, f.c.SetVelocity(ctx, v))
	calls := f.link.Calls()
	assert.Equal(t, v, calls[len(calls)-1].Velocity)

	f.hold.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return f.link.Count(vehicle.OpSetVelocity) == 3
	}, time.Second, time.Millisecond)
	calls = f.link.Calls()
	assert.Equal(t, v, calls[len(calls)-1].Velocity, "keep-alive repeats the latest setpoint")

	require.NoError(t, f.c.StopOffboard(ctx))
	assert.Equal(t, State{Armed: true, Flying: true}, f.c.Snapshot())
	assert.Equal(t, 1, f.link.Count(vehicle.OpStopOffboard))

	before := f.link.Count(vehicle.OpSetVelocity)
	f.hold.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, f.link.Count(vehicle.OpSetVelocity), "keep-alive stopped")

	var cerr *ConcurrencyError
	assert.True(t, errors.As(f.c.SetVelocity(ctx, v), &cerr))
}

func TestStartOffboardFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))
	f.link.SetError(vehicle.OpStartOffboard, errors.New("no setpoints"))

	err := f.c.StartOffboard(ctx)
	var lerr *vehicle.LinkError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, State{Armed: true}, f.c.Snapshot())

	before := f.link.Count(vehicle.OpSetVelocity)
	f.hold.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, f.link.Count(vehicle.OpSetVelocity))
}

func TestPatternTakesOverFromManual(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.c.StartOffboard(ctx))

	_, err := f.c.StartPattern(ctx, "square", 2, 3, 1, 0)
	require.NoError(t, err)
	s := f.c.Snapshot()
	assert.False(t, s.ManualVelocityEnabled)
	f.checkInvariants(t)

	f.c.Wait()
	assert.Equal(t, State{Armed: true, Flying: true, MissionCount: 1}, f.c.Snapshot())

	velocity := f.link.Count(vehicle.OpSetVelocity)
	f.hold.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, velocity, f.link.Count(vehicle.OpSetVelocity))
}

func TestStopStyleFailure(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.c.StartOffboard(ctx))
	f.link.SetError(vehicle.OpStopOffboard, errors.New("timeout"))
	f.link.SetError(vehicle.OpDisarm, errors.New("in flight"))

	err := f.c.Disarm(ctx)
	require.Error(t, err)

	s := f.c.Snapshot()
	assert.True(t, s.Armed, "disarm failed")
	assert.False(t, s.OffboardActive)
	assert.False(t, s.ManualVelocityEnabled)
	f.checkInvariants(t)
	assert.Equal(t, StatusError, f.c.Logs()[0].Status)

	f.link.SetError(vehicle.OpDisarm, nil)
	require.NoError(t, f.c.Land(ctx))
	require.NoError(t, f.c.Disarm(ctx))
	assert.Equal(t, State{}, f.c.Snapshot())
}

func TestEmergencyKill(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.c.Takeoff(ctx))
	require.NoError(t, f.c.EmergencyKill(ctx))
	assert.Equal(t, State{MissionCount: 1}, f.c.Snapshot())
	assert.Equal(t, []string{vehicle.OpArm, vehicle.OpTakeoff, vehicle.OpKill}, f.link.Ops())
}

func TestEveryCommandLogsOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.link.SetError(vehicle.OpReturnToLaunch, errors.New("no home"))

	steps := []func() error{
		func() error { return f.c.Arm(ctx) },
		func() error { return f.c.Takeoff(ctx) },
		func() error { return f.c.StopOffboard(ctx) },
		func() error { return f.c.StartOffboard(ctx) },
		func() error { return f.c.SetVelocity(ctx, vehicle.VelocityBody{Forward: 1}) },
		func() error { return f.c.StartOffboard(ctx) },
		func() error { return f.c.ReturnToLaunch(ctx) },
		func() error { return f.c.SetVelocity(ctx, vehicle.VelocityBody{}) },
		func() error { return f.c.Land(ctx) },
	}
	for i, step := range steps {
		_ = step()
		assert.Len(t, f.c.Logs(), i+1, "step %d", i)
		f.checkInvariants(t)
	}
}

func TestLogRingBounded(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		require.NoError(t, f.c.Arm(ctx))
	}
	require.NoError(t, f.c.Takeoff(ctx))

	logs := f.c.Logs()
	assert.Len(t, logs, DefaultLogCapacity)
	assert.Equal(t, "TAKEOFF", logs[0].Action)

	f.c.ClearLogs()
	logs = f.c.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "SYSTEM", logs[0].Action)
	assert.Equal(t, "Logs cleared", logs[0].Details)
}

func TestLogRingNewestFirst(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	r := NewLogRing(clock, 3)
	for i, action := range []string{"A", "B", "C", "D"} {
		clock.Advance(time.Second)
		e := r.Add(action, StatusSuccess, "")
		assert.Equal(t, epoch.Add(time.Duration(i+1)*time.Second), e.Timestamp)
	}
	got := r.Entries()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"D", "C", "B"}, []string{got[0].Action, got[1].Action, got[2].Action})

	got[0].Action = "mutated"
	assert.Equal(t, "D", r.Entries()[0].Action)
}

type recorder struct {
	mu       sync.Mutex
	started  []Mission
	finished map[uuid.UUID]MissionResult
	fail     bool
}

func (r *recorder) RecordStart(_ context.Context, m Mission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, m)
	if r.fail {
		return errors.New("disk full")
	}
	return nil
}

func (r *recorder) RecordFinish(_ context.Context, id uuid.UUID, res MissionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = make(map[uuid.UUID]MissionResult)
	}
	r.finished[id] = res
	return nil
}

func TestMissionRecorder(t *testing.T) {
	rec := &recorder{fail: true}
	f := newFixture(t, Options{Recorder: rec, Cache: trajectory.NewCache(4, 0)})
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))

	p, err := f.c.StartPattern(ctx, "square", 5, 5, 0.5, 0)
	require.NoError(t, err)
	f.c.Wait()

	require.Len(t, rec.started, 1)
	m := rec.started[0]
	assert.Equal(t, p.ID, m.ID)
	assert.Equal(t, 5, m.Summary.Waypoints)
	assert.Equal(t, 250, m.Summary.Setpoints)

	res, ok := rec.finished[p.ID]
	require.True(t, ok, "a failing start record does not stop the run")
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 250, res.Stats.Sent)
	assert.Empty(t, res.Error)
}

func TestCloseCancelsPattern(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, Options{Recorder: rec})
	release := f.link.Block(vehicle.OpStartOffboard)
	defer release()
	ctx := context.Background()
	require.NoError(t, f.c.Arm(ctx))
	p, err := f.c.StartPattern(ctx, "heart", 5, 5, 0.5, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.link.Count(vehicle.OpStartOffboard) == 1
	}, time.Second, time.Millisecond)

	f.c.Close()
	assert.Equal(t, OutcomeCancelled, rec.finished[p.ID].Outcome)
	assert.NoError(t, f.c.Snapshot().Check())
}

func TestCloseReleasesManualControl(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.c.StartOffboard(ctx))
	require.True(t, f.c.Snapshot().ManualVelocityEnabled)

	f.c.Close()
	s := f.c.Snapshot()
	assert.False(t, s.ManualVelocityEnabled)
	assert.False(t, s.OffboardActive)
	assert.True(t, s.Armed)

	before := f.link.Count(vehicle.OpSetVelocity)
	f.hold.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, f.link.Count(vehicle.OpSetVelocity), "keep-alive stopped")
}
