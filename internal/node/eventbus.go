package node

import (
	"sync"

	"github.com/dagforge/localdagd/internal/events"
	"github.com/dagforge/localdagd/internal/logs"
)

var log = logs.Logger(logs.Node)

// subscriberQueueSize bounds each subscriber's outbound channel. A slow
// consumer (a WebSocket send blocking on a stalled client) must never
// back up the broadcaster — spec.md §9 "Event fan-out": "subscribers must
// tolerate slow consumers... use per-subscriber bounded queues and drop
// the subscriber when its queue overflows." Grounded on the teacher's
// wsClient send-queue/drop pattern in rpcwebsocket.go.
const subscriberQueueSize = 64

// historySize is the number of recent events replayed to a newly
// connected WebSocket client (spec.md §5, §6).
const historySize = 100

// EventBus fans out Events to every live subscriber and keeps a bounded
// replay history, grounded on the teacher's ntfnMgr shape: a registry of
// per-client channels fed by one broadcaster.
type EventBus struct {
	mu          sync.Mutex
	subscribers map[int]chan events.Event
	nextID      int
	history     []events.Event
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[int]chan events.Event)}
}

// Emit delivers e to every subscriber in emission order (spec.md §5:
// "Events are delivered to each WebSocket subscriber in the order they
// were emitted"), dropping any subscriber whose queue is full rather than
// blocking.
func (b *EventBus) Emit(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, e)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			log.Warnf("subscriber %d's event queue is full; dropping it", id)
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is never closed except by Emit's
// slow-consumer drop, or by the returned unsubscribe func.
func (b *EventBus) Subscribe() (<-chan events.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan events.Event, subscriberQueueSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			close(existing)
			delete(b.subscribers, id)
		}
	}
	return ch, unsubscribe
}

// History returns a copy of the last (up to historySize) emitted events.
func (b *EventBus) History() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.history))
	copy(out, b.history)
	return out
}
