package offboard

import (
	"context"
	"sync"
	"time"

	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/timeutil"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

// VelocityHold keeps a manual velocity setpoint alive by re-sending the most
// recent value every period until stopped.
type VelocityHold struct {
	link vehicle.Link

	// mu serialises transmissions so Set and the resend loop never
	// interleave.
	mu      sync.Mutex
	current vehicle.VelocityBody
	resends int
	failing bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartVelocityHold sends initial immediately and then keeps re-sending the
// held velocity until Stop.
func StartVelocityHold(ctx context.Context, link vehicle.Link, clock timeutil.Clock, period time.Duration, initial vehicle.VelocityBody) (*VelocityHold, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if err := link.SetVelocityBody(ctx, initial); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &VelocityHold{
		link:    link,
		current: initial,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop(loopCtx, clock.NewTicker(period))
	return h, nil
}

func (h *VelocityHold) loop(ctx context.Context, ticker timeutil.Ticker) {
	defer close(h.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			h.resend(ctx)
		}
	}
}

func (h *VelocityHold) resend(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	err := h.link.SetVelocityBody(ctx, h.current)
	switch {
	case err != nil && !h.failing:
		h.failing = true
		monitoring.Logf("[offboard] velocity keep-alive failing: %v", err)
	case err == nil:
		if h.failing {
			monitoring.Logf("[offboard] velocity keep-alive recovered")
		}
		h.failing = false
		h.resends++
	}
}

// Set transmits v now and holds it from then on.
func (h *VelocityHold) Set(ctx context.Context, v vehicle.VelocityBody) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.link.SetVelocityBody(ctx, v); err != nil {
		return err
	}
	h.current = v
	return nil
}

// Current returns the held velocity.
func (h *VelocityHold) Current() vehicle.VelocityBody {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Resends returns how many keep-alive transmissions succeeded.
func (h *VelocityHold) Resends() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resends
}

// Stop ends the resend loop and waits for it to exit. After Stop returns
// the hold sends nothing more.
func (h *VelocityHold) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
}
