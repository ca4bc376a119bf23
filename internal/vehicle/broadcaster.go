package vehicle

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// subscriberBuffer lets a slow consumer miss at most a few updates before
// it starts dropping them.
const subscriberBuffer = 4

// Broadcaster fans telemetry snapshots out to any number of subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the update.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan Telemetry
	closed      bool
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]chan Telemetry)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. After Close the returned channel is
// already closed.
func (b *Broadcaster) Subscribe() (string, chan Telemetry) {
	id := randomID()
	ch := make(chan Telemetry, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers t to every subscriber with room for it.
func (b *Broadcaster) Publish(t Telemetry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- t:
		default:
			// full, skip so as not to block the publisher
		}
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
