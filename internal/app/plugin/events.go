package plugin

import (
	"sync"

	"github.com/R3E-Network/paychan/pkg/logger"
)

// Event names observable on the engine. These form the plugin's public
// contract with its consumer.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventOutgoingPrepare  = "outgoing_prepare"
	EventIncomingPrepare  = "incoming_prepare"
	EventOutgoingFulfill  = "outgoing_fulfill"
	EventIncomingFulfill  = "incoming_fulfill"
	EventOutgoingReject   = "outgoing_reject"
	EventIncomingReject   = "incoming_reject"
	EventOutgoingCancel   = "outgoing_cancel"
	EventIncomingCancel   = "incoming_cancel"
	EventOutgoingMessage  = "outgoing_message"
	EventIncomingMessage  = "incoming_message"
	EventOutgoingRequest  = "outgoing_request"
	EventIncomingRequest  = "incoming_request"
	EventOutgoingResponse = "outgoing_response"
	EventIncomingResponse = "incoming_response"
)

// Event is one engine notification. Payload depends on the event name:
// transfer events carry the transfer record, message events the message.
type Event struct {
	Name    string
	Payload interface{}
}

// Subscriber receives engine events. Delivery happens strictly after the
// corresponding state transition has committed to the log.
type Subscriber func(Event)

// EventBus is an observer list with panic-isolated synchronous delivery. A
// misbehaving subscriber can never corrupt engine state.
type EventBus struct {
	log *logger.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]Subscriber
}

// NewEventBus creates an empty bus.
func NewEventBus(log *logger.Logger) *EventBus {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &EventBus{log: log, subs: make(map[int]Subscriber)}
}

// Subscribe registers fn and returns an unsubscribe function.
func (b *EventBus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Emit delivers the event to every subscriber in turn.
func (b *EventBus) Emit(name string, payload interface{}) {
	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	ev := Event{Name: name, Payload: payload}
	for _, fn := range subs {
		b.deliver(fn, ev)
	}
}

func (b *EventBus) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("event", ev.Name).Errorf("event subscriber panicked: %v", r)
		}
	}()
	fn(ev)
}
