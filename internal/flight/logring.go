package flight

import (
	"sync"
	"time"

	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/timeutil"
)

// DefaultLogCapacity is how many flight log entries are retained.
const DefaultLogCapacity = 50

// Status is the outcome recorded in a LogEntry.
type Status string

const (
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// LogEntry is one operator-visible record of a command attempt or pattern
// outcome.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Status    Status    `json:"status"`
	Details   string    `json:"details"`
}

// LogRing keeps the most recent entries, newest first.
type LogRing struct {
	clock    timeutil.Clock
	capacity int

	mu      sync.Mutex
	entries []LogEntry
}

// NewLogRing returns an empty ring holding up to capacity entries.
func NewLogRing(clock timeutil.Clock, capacity int) *LogRing {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogRing{clock: clock, capacity: capacity, entries: make([]LogEntry, 0, capacity)}
}

// Add records an entry at the front of the ring, dropping the oldest entry
// when full, and echoes it to the diagnostic log.
func (r *LogRing) Add(action string, status Status, details string) LogEntry {
	e := LogEntry{Timestamp: r.clock.Now(), Action: action, Status: status, Details: details}

	r.mu.Lock()
	if len(r.entries) == r.capacity {
		r.entries = r.entries[:r.capacity-1]
	}
	r.entries = append(r.entries, LogEntry{})
	copy(r.entries[1:], r.entries)
	r.entries[0] = e
	r.mu.Unlock()

	monitoring.Logf("[LOG] %s: %s - %s", action, status, details)
	return e
}

// Entries returns a copy of the ring, newest first.
func (r *LogRing) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of retained entries.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops every entry.
func (r *LogRing) Clear() {
	r.mu.Lock()
	r.entries = r.entries[:0]
	r.mu.Unlock()
}
