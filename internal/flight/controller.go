package flight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/offboard"
	"github.com/skyloom/patternpilot/internal/timeutil"
	"github.com/skyloom/patternpilot/internal/trajectory"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

// DefaultCommandTimeout bounds a single operator command.
const DefaultCommandTimeout = 10 * time.Second

// Options configures a Controller. Zero values select defaults.
type Options struct {
	// Clock drives pattern timing and log timestamps.
	Clock timeutil.Clock
	// HoldClock drives the manual velocity keep-alive. Defaults to Clock.
	HoldClock timeutil.Clock
	Offboard  offboard.Config
	// LogCapacity is the number of flight log entries retained.
	LogCapacity    int
	CommandTimeout time.Duration
	// Cache, when set, shares generated waypoints with previews.
	Cache    *trajectory.Cache
	Recorder MissionRecorder
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.HoldClock == nil {
		o.HoldClock = o.Clock
	}
	if o.Offboard == (offboard.Config{}) {
		o.Offboard = offboard.DefaultConfig()
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = DefaultLogCapacity
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	return o
}

// patternRun is the task handle of a running pattern worker.
type patternRun struct {
	id      uuid.UUID
	shape   trajectory.Shape
	session *offboard.Session
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	cancelled bool
}

func (r *patternRun) stop(ctx context.Context) {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
	r.session.Teardown(ctx)
}

func (r *patternRun) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Controller owns the flight state and is the only component that talks to
// the vehicle link. Commands are serialised; pattern workers run in the
// background and report back through PatternFinished.
type Controller struct {
	link vehicle.Link
	opts Options
	logs *LogRing

	base   context.Context
	cancel context.CancelFunc

	// cmdMu serialises command execution, including worker completion.
	cmdMu sync.Mutex

	mu    sync.RWMutex
	state State
	run   *patternRun
	hold  *offboard.VelocityHold

	wg sync.WaitGroup
}

// NewController returns a controller for link. The vehicle is assumed
// disarmed and on the ground.
func NewController(link vehicle.Link, opts Options) *Controller {
	opts = opts.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		link:   link,
		opts:   opts,
		logs:   NewLogRing(opts.Clock, opts.LogCapacity),
		base:   base,
		cancel: cancel,
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

func (c *Controller) setState(s State) {
	if err := s.Check(); err != nil {
		monitoring.Logf("[flight] state invariant violated: %v", err)
	}
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Logs returns the flight log, newest first.
func (c *Controller) Logs() []LogEntry { return c.logs.Entries() }

// ClearLogs empties the flight log and records that it did so.
func (c *Controller) ClearLogs() {
	c.logs.Clear()
	c.logs.Add("SYSTEM", StatusSuccess, "Logs cleared")
}

// Telemetry returns the link's latest telemetry snapshot.
func (c *Controller) Telemetry() vehicle.Telemetry { return c.link.Telemetry() }

// Connected reports whether the vehicle link is up.
func (c *Controller) Connected() bool { return c.link.Connected() }

// Link returns the vehicle link the controller drives.
func (c *Controller) Link() vehicle.Link { return c.link }

func (c *Controller) Arm(ctx context.Context) error     { return c.execute(ctx, Arm{}) }
func (c *Controller) Disarm(ctx context.Context) error  { return c.execute(ctx, Disarm{}) }
func (c *Controller) Takeoff(ctx context.Context) error { return c.execute(ctx, Takeoff{}) }
func (c *Controller) Land(ctx context.Context) error    { return c.execute(ctx, Land{}) }

func (c *Controller) ReturnToLaunch(ctx context.Context) error {
	return c.execute(ctx, ReturnToLaunch{})
}

func (c *Controller) EmergencyKill(ctx context.Context) error {
	return c.execute(ctx, EmergencyKill{})
}

// StartOffboard enters offboard mode for manual velocity control. It
// succeeds without touching the vehicle if offboard is already active.
func (c *Controller) StartOffboard(ctx context.Context) error {
	return c.execute(ctx, StartOffboard{})
}

// StopOffboard leaves offboard mode, cancelling any running pattern. It
// succeeds without touching the vehicle if offboard is not active.
func (c *Controller) StopOffboard(ctx context.Context) error {
	return c.execute(ctx, StopOffboard{})
}

// SetVelocity updates the held manual velocity setpoint.
func (c *Controller) SetVelocity(ctx context.Context, v vehicle.VelocityBody) error {
	return c.execute(ctx, SetVelocity{Velocity: v})
}

// StartPattern validates the operator's parameters and launches the pattern
// worker. It returns as soon as the worker is running; the outcome is
// reported in the flight log.
func (c *Controller) StartPattern(ctx context.Context, shape string, size, height, speed float64, steps int) (ActivePattern, error) {
	req, err := trajectory.NewRequest(shape, size, height, speed, steps)
	if err != nil {
		var verr *trajectory.ValidationError
		if errors.As(err, &verr) && verr.Field == "shape" {
			c.logs.Add("PATTERN", StatusError, fmt.Sprintf("Unknown shape: %s", shape))
		} else {
			c.logs.Add("PATTERN", StatusError, err.Error())
		}
		return ActivePattern{}, err
	}
	return c.Fly(ctx, req)
}

// Fly launches the pattern worker for a validated request.
func (c *Controller) Fly(ctx context.Context, req trajectory.Request) (ActivePattern, error) {
	cmd := StartPattern{Request: req, ID: uuid.New(), StartedAt: c.opts.Clock.Now()}
	if err := c.execute(ctx, cmd); err != nil {
		return ActivePattern{}, err
	}
	return ActivePattern{ID: cmd.ID, Shape: req.Shape, Request: req, StartedAt: cmd.StartedAt}, nil
}

// execute plans cmd against the current state, performs its effects and
// records exactly one log entry.
func (c *Controller) execute(ctx context.Context, cmd Command) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	action := cmd.Action()
	tr, err := Plan(c.Snapshot(), cmd)
	if err != nil {
		c.logs.Add(action, StatusError, err.Error())
		return err
	}

	for _, e := range tr.Effects {
		err := c.perform(ctx, e, cmd)
		if err == nil {
			continue
		}
		if e.BestEffort() {
			monitoring.Logf("[flight] %s: %s failed, continuing: %v", action, e, err)
			continue
		}
		c.setState(tr.Failed)
		c.logs.Add(action, StatusError, err.Error())
		return err
	}

	c.setState(tr.Next)
	status := StatusSuccess
	if _, ok := cmd.(StartPattern); ok {
		status = StatusStarted
	}
	c.logs.Add(action, status, tr.Detail)
	return nil
}

func (c *Controller) perform(ctx context.Context, e Effect, cmd Command) error {
	switch e {
	case EffectCancelPattern:
		c.mu.Lock()
		run := c.run
		c.run = nil
		c.mu.Unlock()
		if run != nil {
			run.stop(ctx)
		}
		return nil
	case EffectStopVelocityHold:
		c.mu.Lock()
		hold := c.hold
		c.hold = nil
		c.mu.Unlock()
		hold.Stop()
		return nil
	case EffectExitOffboard, EffectStopOffboard:
		return c.link.StopOffboard(ctx)
	case EffectArm:
		return c.link.Arm(ctx)
	case EffectDisarm:
		return c.link.Disarm(ctx)
	case EffectTakeoff:
		return c.link.Takeoff(ctx)
	case EffectLand:
		return c.link.Land(ctx)
	case EffectReturnToLaunch:
		return c.link.ReturnToLaunch(ctx)
	case EffectKill:
		return c.link.Kill(ctx)
	case EffectEnterManual:
		return c.enterManual(ctx)
	case EffectSpawnPattern:
		return c.spawn(cmd.(StartPattern))
	case EffectSendVelocity:
		v := cmd.(SetVelocity).Velocity
		c.mu.RLock()
		hold := c.hold
		c.mu.RUnlock()
		if hold == nil {
			return c.link.SetVelocityBody(ctx, v)
		}
		return hold.Set(ctx, v)
	}
	return fmt.Errorf("unknown effect %v", e)
}

// enterManual seeds a zero velocity, keeps it alive, and only then asks for
// offboard mode so the vehicle never sees an empty setpoint stream.
func (c *Controller) enterManual(ctx context.Context) error {
	hold, err := offboard.StartVelocityHold(ctx, c.link, c.opts.HoldClock, c.opts.Offboard.Period, vehicle.VelocityBody{})
	if err != nil {
		return err
	}
	if err := c.link.StartOffboard(ctx); err != nil {
		hold.Stop()
		return err
	}
	c.mu.Lock()
	c.hold = hold
	c.mu.Unlock()
	return nil
}

func (c *Controller) spawn(cmd StartPattern) error {
	wps, err := c.opts.Cache.Generate(cmd.Request)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(c.base)
	run := &patternRun{
		id:      cmd.ID,
		shape:   cmd.Request.Shape,
		session: offboard.NewSession(c.link, c.opts.Clock, c.opts.Offboard),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.run = run
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runPattern(ctx, run, cmd, wps)
	return nil
}

// runPattern is the pattern worker: prime, stream, tear down, report.
func (c *Controller) runPattern(ctx context.Context, run *patternRun, cmd StartPattern, wps []trajectory.Waypoint) {
	defer c.wg.Done()
	defer close(run.done)

	req := cmd.Request
	c.recordStart(Mission{
		ID:        run.id,
		Request:   req,
		Summary:   trajectory.Summarize(wps, c.opts.Offboard.Period),
		StartedAt: cmd.StartedAt,
	})

	var (
		stats offboard.Stats
		err   error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pattern worker panic: %v", r)
		}
		run.session.Teardown(ctx)
		c.finishPattern(run, stats, err)
	}()

	monitoring.Logf("[flight] %s pattern %s: %d waypoints", req.Shape, run.id, len(wps))
	if err = run.session.Prime(ctx, req.Altitude); err != nil {
		return
	}
	phase := trajectory.Phase(-1)
	stats, err = run.session.Streamer().Run(ctx, wps, func(i int, wp trajectory.Waypoint) {
		if wp.Phase != phase {
			phase = wp.Phase
			monitoring.Logf("[flight] %s pattern: %s from waypoint %d", req.Shape, phase, i)
		}
	})
}

// finishPattern applies the worker's completion and records its outcome.
func (c *Controller) finishPattern(run *patternRun, stats offboard.Stats, runErr error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.run == run {
		c.run = nil
	}
	c.mu.Unlock()

	outcome := OutcomeCompleted
	switch {
	case run.wasCancelled():
		outcome = OutcomeCancelled
	case runErr != nil:
		outcome = OutcomeFailed
	}

	tr, err := Plan(c.Snapshot(), PatternFinished{ID: run.id, Err: runErr})
	if err == nil {
		c.setState(tr.Next)
	}
	detail := tr.Detail
	if detail == "" {
		detail = fmt.Sprintf("%s pattern cancelled", run.shape)
	}

	switch outcome {
	case OutcomeCompleted:
		c.logs.Add("PATTERN", StatusSuccess, detail)
	default:
		c.logs.Add("PATTERN", StatusError, detail)
	}

	res := MissionResult{FinishedAt: c.opts.Clock.Now(), Outcome: outcome, Stats: stats}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	c.recordFinish(run.id, res)
}

func (c *Controller) recordStart(m Mission) {
	if c.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommandTimeout)
	defer cancel()
	if err := c.opts.Recorder.RecordStart(ctx, m); err != nil {
		monitoring.Logf("[flight] failed to record mission %s: %v", m.ID, err)
	}
}

func (c *Controller) recordFinish(id uuid.UUID, r MissionResult) {
	if c.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommandTimeout)
	defer cancel()
	if err := c.opts.Recorder.RecordFinish(ctx, id, r); err != nil {
		monitoring.Logf("[flight] failed to record mission %s result: %v", id, err)
	}
}

// Wait blocks until every pattern worker has exited.
func (c *Controller) Wait() { c.wg.Wait() }

// Close cancels any running pattern, stops the velocity keep-alive and
// waits for the workers to exit. The vehicle is left in whatever flight
// mode it falls back to; the controller no longer claims the offboard
// channel afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	run := c.run
	hold := c.hold
	c.hold = nil
	c.mu.Unlock()

	if run != nil {
		run.stop(context.Background())
	}
	hold.Stop()
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.state = c.state.released()
	c.mu.Unlock()
}
