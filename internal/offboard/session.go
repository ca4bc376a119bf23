package offboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/timeutil"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

// Session is one period of offboard control, from Prime to Teardown.
// Teardown is safe to call any number of times, from any goroutine, and
// whether or not Prime succeeded.
type Session struct {
	link     vehicle.Link
	clock    timeutil.Clock
	cfg      Config
	streamer *Streamer

	mu     sync.Mutex
	active bool
	torn   bool
	once   sync.Once
}

// NewSession returns an inactive session.
func NewSession(link vehicle.Link, clock timeutil.Clock, cfg Config) *Session {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultConfig().TeardownTimeout
	}
	return &Session{
		link:     link,
		clock:    clock,
		cfg:      cfg,
		streamer: NewStreamer(link, clock, cfg),
	}
}

// Streamer returns the streamer bound to this session's link and timing.
func (s *Session) Streamer() *Streamer { return s.streamer }

// Active reports whether the vehicle was put into offboard mode and not yet
// released.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Prime enters offboard mode holding the origin at altitude (negative up).
//
// The sequence is: one seed setpoint, a short delay, the mode request, a
// settle period holding the origin at the streaming rate, AlignCount spaced
// re-sends of the origin, and a final hold. Any failure is returned as a
// *PrimingError. The caller must call Teardown whatever the outcome.
func (s *Session) Prime(ctx context.Context, altitude float64) error {
	origin := vehicle.PositionNED{Down: altitude}

	if err := s.link.SetPositionNED(ctx, origin); err != nil {
		return &PrimingError{Err: fmt.Errorf("seed setpoint: %w", err)}
	}
	if err := timeutil.Sleep(ctx, s.clock, s.cfg.SeedDelay); err != nil {
		return &PrimingError{Err: err}
	}
	if err := s.link.StartOffboard(ctx); err != nil {
		return &PrimingError{Err: err}
	}

	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		// Teardown ran while the mode request was in flight and saw nothing
		// to release, so release it here.
		s.stop(ctx)
		return &PrimingError{Err: ErrTornDown}
	}
	s.active = true
	s.mu.Unlock()
	monitoring.Logf("[offboard] offboard mode started at %.1f m", -altitude)

	if _, err := s.streamer.Hold(ctx, origin, s.cfg.Settle); err != nil {
		return &PrimingError{Err: fmt.Errorf("settle: %w", err)}
	}
	for i := 0; i < s.cfg.AlignCount; i++ {
		if err := s.link.SetPositionNED(ctx, origin); err != nil {
			return &PrimingError{Err: fmt.Errorf("align %d: %w", i+1, err)}
		}
		if err := timeutil.Sleep(ctx, s.clock, s.cfg.AlignInterval); err != nil {
			return &PrimingError{Err: err}
		}
	}
	if _, err := s.streamer.Hold(ctx, origin, s.cfg.PostAlign); err != nil {
		return &PrimingError{Err: fmt.Errorf("post-align hold: %w", err)}
	}
	return nil
}

// Teardown leaves offboard mode if the session entered it. Failures are
// logged, never returned: the vehicle falls back to hold on its own once
// setpoints stop.
func (s *Session) Teardown(ctx context.Context) {
	s.once.Do(func() {
		s.mu.Lock()
		s.torn = true
		active := s.active
		s.active = false
		s.mu.Unlock()

		if active {
			s.stop(ctx)
		}
	})
}

func (s *Session) stop(ctx context.Context) {
	// Teardown runs after cancellation too, so it gets its own deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TeardownTimeout)
	defer cancel()
	if err := s.link.StopOffboard(ctx); err != nil {
		monitoring.Logf("[offboard] error stopping offboard: %v", err)
		return
	}
	monitoring.Logf("[offboard] offboard mode stopped")
}
