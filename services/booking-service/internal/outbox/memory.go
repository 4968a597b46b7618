package outbox

import (
	"context"
	"sync"
)

// Memory keeps emitted events in process. Used by tests and the memory
// storage backend.
type Memory struct {
	mu       sync.Mutex
	events   []Event
	handlers map[string][]func(context.Context, Event)
}

func NewMemory() *Memory { return &Memory{handlers: map[string][]func(context.Context, Event){}} }

// Subscribe registers fn for events of eventType. Handlers run
// synchronously after Emit records the events, on the emitter's context.
func (m *Memory) Subscribe(eventType string, fn func(context.Context, Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], fn)
}

func (m *Memory) Emit(ctx context.Context, events ...Event) error {
	m.mu.Lock()
	m.events = append(m.events, events...)
	var calls []func()
	for _, e := range events {
		for _, fn := range m.handlers[e.EventType] {
			calls = append(calls, func() { fn(ctx, e) })
		}
	}
	m.mu.Unlock()

	for _, call := range calls {
		call()
	}
	return nil
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the emitted events with the given type, oldest first.
func (m *Memory) OfType(eventType string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
