package gateway

import (
	"sync"
	"time"

	"github.com/gzhole/consentgate/internal/audit"
	"github.com/gzhole/consentgate/internal/mode"
)

// EventType names what happened.
type EventType string

const (
	EventModeChanged         EventType = "mode-changed"
	EventDecisionRecorded    EventType = "decision-recorded"
	EventCriticalLockout     EventType = "critical-lockout"
	EventPersistenceDegraded EventType = "persistence-degraded"
	EventHealthSnapshot      EventType = "health-snapshot"
)

// Priority tells subscribers how urgently a human should look.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Event is one notification on the gateway's event stream. Exactly one of
// the payload pointers is set, matching Type; persistence-degraded events
// carry only Err.
type Event struct {
	Type       EventType             `json:"type"`
	Priority   Priority              `json:"priority"`
	At         time.Time             `json:"at"`
	Decision   *audit.Decision       `json:"decision,omitempty"`
	Transition *mode.Transition      `json:"transition,omitempty"`
	Lockout    *audit.Lockout        `json:"lockout,omitempty"`
	Health     *audit.HealthSnapshot `json:"health,omitempty"`
	Err        string                `json:"error,omitempty"`
}

// Handler receives events synchronously, in audit order across all
// callers. It runs outside the gateway's write lock and may call back into
// the gateway. When several goroutines write at once, one of them delivers
// the whole backlog, so a call may return before its own events have reached
// every handler.
type Handler func(Event)

type bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	order    []int

	qmu      sync.Mutex
	queue    []Event
	draining bool
}

func newBus() *bus {
	return &bus{handlers: make(map[int]Handler)}
}

func (b *bus) subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// enqueue appends events to the delivery queue. Writers call it while still
// holding the gateway lock, which makes queue order the audit order.
func (b *bus) enqueue(events []Event) {
	if len(events) == 0 {
		return
	}
	b.qmu.Lock()
	b.queue = append(b.queue, events...)
	b.qmu.Unlock()
}

// drain delivers queued events until the queue is empty. Only one goroutine
// drains at a time; others return at once and leave their events to it.
func (b *bus) drain() {
	b.qmu.Lock()
	if b.draining {
		b.qmu.Unlock()
		return
	}
	b.draining = true
	b.qmu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			b.qmu.Lock()
			b.draining = false
			b.qmu.Unlock()
			panic(r)
		}
	}()

	for {
		b.qmu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.qmu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		b.qmu.Unlock()

		b.deliver(batch)
	}
}

func (b *bus) publish(events []Event) {
	b.enqueue(events)
	b.drain()
}

func (b *bus) deliver(events []Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}
