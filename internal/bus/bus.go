// Package bus is the in-process typed publish/subscribe fabric wiring the
// pipeline stages together. It is the only synchronization point between
// components.
package bus

import (
	"fmt"
	"sync"
	"time"

	"kairos/internal/domain"
	"kairos/internal/logger"
)

// EventName enumerates the internal event contract.
type EventName string

const (
	EventCandleClosed    EventName = "candle.closed"
	EventFeaturesReady   EventName = "features.ready"
	EventRegimeUpdated   EventName = "regime.updated"
	EventSignalGenerated EventName = "signal.generated"
	EventRiskApproved    EventName = "risk.approved"
	EventRiskRejected    EventName = "risk.rejected"
	EventOrderSubmitted  EventName = "order.submitted"
	EventOrderFilled     EventName = "order.filled"
	EventOrderCanceled   EventName = "order.canceled"
	EventPositionUpdated EventName = "position.updated"
	EventPositionClosed  EventName = "position.closed"
	EventAuditEvent      EventName = "audit.event"
)

// Event is a named payload passed by value through the bus. Payload types per
// name: candle.closed -> domain.Candle, features.ready -> domain.FeatureVector,
// regime.updated -> domain.RegimeDecision, signal.generated -> domain.TradePlan,
// audit.event -> domain.AuditEvent; the remaining names carry the structs
// published by risk, executor and position packages.
type Event struct {
	Name    EventName
	Payload any
}

// Handler consumes one event. Returned errors (and panics) are quarantined:
// the bus records an error-level audit and keeps delivering to the remaining
// subscribers.
type Handler func(Event) error

// Mode selects the dispatch discipline.
type Mode int

const (
	// Direct dispatches synchronously inside publish.
	Direct Mode = iota
	// QueuedFIFO enqueues and drains with a single flusher, so re-entrant
	// publishes inside handlers preserve total order without recursion.
	QueuedFIFO
)

type subscriber struct {
	id      int
	handler Handler
}

// Bus is a typed pub/sub with per-name subscriber lists.
type Bus struct {
	mode Mode

	mu       sync.Mutex
	nextID   int
	subs     map[EventName][]subscriber
	queue    []Event
	flushing bool
}

// New creates a bus in the given mode.
func New(mode Mode) *Bus {
	return &Bus{
		mode: mode,
		subs: make(map[EventName][]subscriber),
	}
}

// Subscribe registers a handler and returns its unsubscribe func.
func (b *Bus) Subscribe(name EventName, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscriber{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, sub := range list {
			if sub.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event according to the bus mode. In queued mode a
// publish issued from inside a handler appends to the live queue and is
// drained by the already-running flusher.
func (b *Bus) Publish(name EventName, payload any) {
	evt := Event{Name: name, Payload: payload}
	if b.mode == Direct {
		b.dispatch(evt)
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, evt)
	if b.flushing {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	b.mu.Unlock()
	b.flush()
}

// PendingCount reports the queued, not-yet-dispatched events.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bus) flush() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.flushing = false
			b.mu.Unlock()
			return
		}
		evt := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		b.dispatch(evt)
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.Lock()
	list := append([]subscriber(nil), b.subs[evt.Name]...)
	b.mu.Unlock()
	for _, sub := range list {
		if err := b.invoke(sub.handler, evt); err != nil {
			b.quarantine(evt, err)
		}
	}
}

func (b *Bus) invoke(h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(evt)
}

// quarantine records the handler failure without aborting delivery. Failures
// of audit.event handlers are only logged, never re-published, so a broken
// audit sink cannot feed itself.
func (b *Bus) quarantine(evt Event, err error) {
	logger.Errorf("bus: handler failed on %s: %v", evt.Name, err)
	if evt.Name == EventAuditEvent {
		return
	}
	b.Publish(EventAuditEvent, domain.AuditEvent{
		Ts:         time.Now().UnixMilli(),
		Step:       fmt.Sprintf("events.handler.%s", evt.Name),
		Level:      domain.AuditError,
		Message:    err.Error(),
		InputsHash: domain.HashObject(evt.Payload),
	})
}
