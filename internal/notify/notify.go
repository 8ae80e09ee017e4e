// Package notify delivers informational engine events (phase advances,
// auto-completions) to observers. Delivery never blocks the engine.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind classifies an event.
type Kind string

const (
	KindPhaseAdvanced  Kind = "phase_advanced"
	KindAdvancePending Kind = "advance_pending"
	KindAutoCompleted  Kind = "auto_completed"
	KindTriggerFired   Kind = "trigger_fired"
	KindEscalated      Kind = "escalated"
	KindPhaseReset     Kind = "phase_reset"
)

// Event is one observable engine outcome.
type Event struct {
	Kind      Kind      `json:"kind"`
	ProjectID string    `json:"project_id"`
	PhaseID   string    `json:"phase_id,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	TriggerID string    `json:"trigger_id,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier receives events. Implementations must return quickly.
type Notifier interface {
	Notify(Event)
}

// Func adapts a function to Notifier.
type Func func(Event)

// Notify calls f.
func (f Func) Notify(e Event) { f(e) }

// Nop discards events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(Event) {}

// Log writes events to the global zerolog logger.
type Log struct{}

// Notify logs the event at info level.
func (Log) Notify(e Event) {
	log.Info().
		Str("kind", string(e.Kind)).
		Str("project_id", e.ProjectID).
		Str("phase_id", e.PhaseID).
		Str("item_id", e.ItemID).
		Str("trigger_id", e.TriggerID).
		Msg(e.Message)
}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

// Notify forwards e to every notifier.
func (m Multi) Notify(e Event) {
	for _, n := range m {
		n.Notify(e)
	}
}

// Async forwards events to a wrapped notifier from a background goroutine.
// Events are dropped when the buffer is full.
type Async struct {
	next    Notifier
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped int
}

// NewAsync starts a forwarding goroutine with a buffer of size events.
func NewAsync(next Notifier, size int) *Async {
	if size <= 0 {
		size = 64
	}
	a := &Async{next: next, ch: make(chan Event, size), done: make(chan struct{})}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.ch {
		a.next.Notify(e)
	}
}

// Notify enqueues e without blocking.
func (a *Async) Notify(e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- e:
	default:
		a.dropped++
		log.Warn().Str("kind", string(e.Kind)).Msg("notify: buffer full, event dropped")
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropped
}

// Close stops accepting events and waits until queued ones are delivered.
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
}
