package offboard

import (
	"context"
	"fmt"
	"time"

	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/timeutil"
	"github.com/skyloom/patternpilot/internal/trajectory"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

// Stats describes one streaming run.
type Stats struct {
	// Sent counts successful setpoint transmissions.
	Sent int
	// Waypoints counts waypoints whose every transmission went out.
	Waypoints int
	// MaxGap is the largest interval between consecutive transmissions.
	MaxGap time.Duration
}

// Progress is called as the streamer starts each waypoint.
type Progress func(index int, wp trajectory.Waypoint)

// Streamer transmits setpoints at a fixed rate. It is the only writer on the
// offboard channel while it runs.
type Streamer struct {
	link      vehicle.Link
	clock     timeutil.Clock
	period    time.Duration
	keepAlive time.Duration
}

// NewStreamer returns a Streamer using cfg's period and keep-alive.
func NewStreamer(link vehicle.Link, clock timeutil.Clock, cfg Config) *Streamer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Streamer{link: link, clock: clock, period: cfg.Period, keepAlive: cfg.KeepAlive}
}

// Setpoint converts a waypoint to the vehicle's position setpoint.
func Setpoint(wp trajectory.Waypoint) vehicle.PositionNED {
	return vehicle.PositionNED{North: wp.X, East: wp.Y, Down: wp.Z, YawDeg: wp.Heading}
}

// run is one streaming session sharing a ticker and gap accounting.
type run struct {
	s      *Streamer
	ticker timeutil.Ticker
	last   time.Time
	stats  Stats
}

func (s *Streamer) start() *run {
	return &run{s: s, ticker: s.clock.NewTicker(s.period)}
}

func (r *run) stop() { r.ticker.Stop() }

// send transmits sp once and then waits for the next tick.
func (r *run) send(ctx context.Context, sp vehicle.PositionNED) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := r.s.clock.Now()
	if !r.last.IsZero() {
		gap := now.Sub(r.last)
		if gap > r.stats.MaxGap {
			r.stats.MaxGap = gap
		}
		if gap > r.s.keepAlive {
			monitoring.Logf("[offboard] WARNING: %v between setpoints exceeds keep-alive %v", gap, r.s.keepAlive)
		}
	}
	r.last = now
	if err := r.s.link.SetPositionNED(ctx, sp); err != nil {
		return err
	}
	r.stats.Sent++

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ticker.C():
		return nil
	}
}

// repeat sends sp n times, one per tick.
func (r *run) repeat(ctx context.Context, sp vehicle.PositionNED, n int) error {
	for i := 0; i < n; i++ {
		if err := r.send(ctx, sp); err != nil {
			return err
		}
	}
	return nil
}

// ticksFor is the number of transmissions covering d.
func (s *Streamer) ticksFor(d time.Duration) int {
	return trajectory.Waypoint{Hold: d}.Ticks(s.period)
}

// Run streams every waypoint in order. Each waypoint is sent once per tick
// for its Repeat count, or for as many ticks as cover its hold and settle.
// Run returns early when ctx is cancelled or a transmission fails; Stats
// reflect what was sent up to that point.
func (s *Streamer) Run(ctx context.Context, wps []trajectory.Waypoint, progress Progress) (Stats, error) {
	r := s.start()
	defer r.stop()

	for i, wp := range wps {
		if progress != nil {
			progress(i, wp)
		}
		if err := r.repeat(ctx, Setpoint(wp), wp.Ticks(s.period)); err != nil {
			return r.stats, fmt.Errorf("waypoint %d (%s): %w", i, wp.Phase, err)
		}
		r.stats.Waypoints++
	}
	return r.stats, nil
}

// Hold streams sp for d.
func (s *Streamer) Hold(ctx context.Context, sp vehicle.PositionNED, d time.Duration) (Stats, error) {
	r := s.start()
	defer r.stop()
	err := r.repeat(ctx, sp, s.ticksFor(d))
	return r.stats, err
}
