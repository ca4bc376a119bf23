package vehicle

import (
	"context"
	"sync"
	"time"
)

// Call is one recorded Link invocation.
type Call struct {
	Op       string
	Position PositionNED
	Velocity VelocityBody
}

// MockLink implements Link with configurable behaviour for testing.
// It records every call and can inject errors, latency and blocking per
// operation.
type MockLink struct {
	mu sync.Mutex

	// Errors maps an operation to the error every call to it returns.
	Errors map[string]error

	// Latency maps an operation to a delay applied before it completes.
	Latency map[string]time.Duration

	// OnCall, if set, runs (without the lock held) at the start of every
	// call. Returning a non-nil error fails the call.
	OnCall func(c Call) error

	calls     []Call
	gates     map[string]chan struct{}
	telemetry Telemetry
	connected bool
	bcast     *Broadcaster
}

// NewMockLink returns a connected MockLink reporting empty telemetry.
func NewMockLink() *MockLink {
	return &MockLink{
		Errors:    make(map[string]error),
		Latency:   make(map[string]time.Duration),
		gates:     make(map[string]chan struct{}),
		telemetry: EmptyTelemetry(),
		connected: true,
		bcast:     NewBroadcaster(),
	}
}

// SetError makes every subsequent call to op fail with err. A nil err clears
// the injection.
func (m *MockLink) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, op)
		return
	}
	m.Errors[op] = err
}

// Block makes calls to op wait until the returned release function is
// called or the call's context ends.
func (m *MockLink) Block(op string) (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.gates[op] = ch
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gates[op] == ch {
				delete(m.gates, op)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns a copy of every recorded call.
func (m *MockLink) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Ops returns the recorded operation names in order.
func (m *MockLink) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Op
	}
	return out
}

// Count returns how many times op was called.
func (m *MockLink) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets the recorded calls.
func (m *MockLink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// SetConnected sets what Connected reports.
func (m *MockLink) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// Publish stores t as the latest snapshot and fans it out to subscribers.
func (m *MockLink) Publish(t Telemetry) {
	m.mu.Lock()
	m.telemetry = t
	m.mu.Unlock()
	m.bcast.Publish(t)
}

func (m *MockLink) do(ctx context.Context, c Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	injected := m.Errors[c.Op]
	latency := m.Latency[c.Op]
	gate := m.gates[c.Op]
	hook := m.OnCall
	m.mu.Unlock()

	if hook != nil {
		if err := hook(c); err != nil {
			return WrapError(c.Op, err)
		}
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return WrapError(c.Op, ctx.Err())
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return WrapError(c.Op, ctx.Err())
		}
	}
	return WrapError(c.Op, injected)
}

func (m *MockLink) Arm(ctx context.Context) error {
	return m.do(ctx, Call{Op: OpArm})
}

func (m *MockLink) Disarm(ctx context.Context) error {
	return m.do(ctx, Call{Op: OpDisarm})
}

func (m *MockLink) Takeoff(ctx context.Context) error {
	return m.do(ctx, Call{Op: OpTakeoff})
}

func (m *MockLink) Land(ctx context.Context) error {
	return m.do(ctx, Call{Op: OpLand})
}

func (m *MockLink) ReturnToLaunch(ctx context.Context) error {
	return m.do(ctx, Call{Op: OpReturnToLaunch})
}

func (m *MockLink) Kill(ctx context.Context) error {
	return m.do(ctx, Call{Op: OpKill})
}

func (m *MockLink) StartOffboard(ctx context.Context) error {
	return m.do(ctx, Call{Op: OpStartOffboard})
}

func (m *MockLink) StopOffboard(ctx context.Context) error {
	return m.do(ctx, Call{Op: OpStopOffboard})
}

func (m *MockLink) SetPositionNED(ctx context.Context, p PositionNED) error {
	return m.do(ctx, Call{Op: OpSetPosition, Position: p})
}

func (m *MockLink) SetVelocityBody(ctx context.Context, v VelocityBody) error {
	return m.do(ctx, Call{Op: OpSetVelocity, Velocity: v})
}

func (m *MockLink) Telemetry() Telemetry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.telemetry
}

func (m *MockLink) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockLink) Subscribe() (string, chan Telemetry) { return m.bcast.Subscribe() }

func (m *MockLink) Unsubscribe(id string) { m.bcast.Unsubscribe(id) }

var _ Link = (*MockLink)(nil)
