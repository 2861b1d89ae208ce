package ble

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/sipwell/internal/ble/protocol"
)

// EventKind identifies what changed.
type EventKind int

const (
	EventState EventKind = iota
	EventDevices
	EventTelemetry
	EventBattery
	EventMessage
	// EventReady follows EventState(Connected) once both characteristics
	// are bound and the initial pull has been queued. Sends succeed from here.
	EventReady
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventDevices:
		return "devices"
	case EventTelemetry:
		return "telemetry"
	case EventBattery:
		return "battery"
	case EventMessage:
		return "message"
	case EventReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Event is published by the Manager. Only the field matching Kind is set.
type Event struct {
	Kind      EventKind
	State     State
	Devices   []Device
	Telemetry protocol.Telemetry
	Battery   int
	Message   protocol.Message
}

// broker fans events out to subscribers without blocking the publisher.
type broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan Event)}
}

func (b *broker) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("[BLE] subscriber slow, dropping event", "kind", ev.Kind)
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
