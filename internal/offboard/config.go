// Package offboard owns the vehicle's offboard control channel: entering it
// safely (priming), streaming setpoints through it at a fixed rate, keeping a
// manual velocity alive on it, and leaving it again (teardown).
package offboard

import (
	"errors"
	"fmt"
	"time"
)

// Timing for priming and streaming. The vehicle rejects offboard mode unless
// setpoints are already flowing, and leaves it again when they stop for
// longer than its keep-alive timeout.
type Config struct {
	// Period is the setpoint streaming period (10 Hz).
	Period time.Duration
	// KeepAlive is the largest gap between setpoints the vehicle tolerates.
	KeepAlive time.Duration
	// SeedDelay separates the seed setpoint from the mode request.
	SeedDelay time.Duration
	// Settle holds the origin setpoint after the mode request.
	Settle time.Duration
	// AlignCount origin re-sends are spaced AlignInterval apart.
	AlignCount    int
	AlignInterval time.Duration
	// PostAlign holds the origin setpoint once more before flying.
	PostAlign time.Duration
	// TeardownTimeout bounds the offboard exit request.
	TeardownTimeout time.Duration
}

// DefaultConfig returns the timings used against PX4.
func DefaultConfig() Config {
	return Config{
		Period:          100 * time.Millisecond,
		KeepAlive:       500 * time.Millisecond,
		SeedDelay:       100 * time.Millisecond,
		Settle:          2 * time.Second,
		AlignCount:      3,
		AlignInterval:   200 * time.Millisecond,
		PostAlign:       time.Second,
		TeardownTimeout: 5 * time.Second,
	}
}

// Validate checks that the timings can keep the vehicle in offboard mode.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("setpoint period must be positive, got %v", c.Period)
	}
	if c.KeepAlive < c.Period {
		return fmt.Errorf("keep-alive %v is shorter than the setpoint period %v", c.KeepAlive, c.Period)
	}
	if c.SeedDelay < 0 || c.Settle < 0 || c.PostAlign < 0 || c.AlignInterval < 0 {
		return errors.New("priming durations must not be negative")
	}
	if c.AlignInterval >= c.KeepAlive {
		return fmt.Errorf("align interval %v would let offboard lapse (keep-alive %v)", c.AlignInterval, c.KeepAlive)
	}
	if c.AlignCount < 0 {
		return fmt.Errorf("align count must not be negative, got %d", c.AlignCount)
	}
	return nil
}

// PrimingError reports a failure to enter offboard mode.
type PrimingError struct {
	Err error
}

func (e *PrimingError) Error() string {
	return fmt.Sprintf("offboard priming failed: %v", e.Err)
}

func (e *PrimingError) Unwrap() error { return e.Err }

// ErrTornDown is returned by Prime when the session was torn down while
// priming was still in progress.
var ErrTornDown = errors.New("session torn down during priming")
