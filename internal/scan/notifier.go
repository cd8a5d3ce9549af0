package scan

import (
	"sync"
	"time"
)

// EventKind identifies a pipeline lifecycle event.
type EventKind string

const (
	EventScanStarted   EventKind = "scan.started"
	EventScanCompleted EventKind = "scan.completed"
	EventScanFailed    EventKind = "scan.failed"
)

// Event describes a state change of one job as it moves through the
// pipeline. Events are advisory; dropping one never affects storage.
type Event struct {
	Kind    EventKind `json:"kind"`
	JobID   int64     `json:"job_id"`
	OwnerID string    `json:"owner_id"`
	At      time.Time `json:"at"`
}

// Notifier fans pipeline events out to subscribers. Subscribers are called
// synchronously on the processing goroutine, so they must be fast and must
// not call back into the processor.
type Notifier struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers a callback for all subsequent events.
func (n *Notifier) Subscribe(fn func(Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

// Publish delivers an event to every subscriber.
func (n *Notifier) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	n.mu.RLock()
	subs := n.subs
	n.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
