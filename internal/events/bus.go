// Package events carries the typed progress stream the pipeline emits for
// UIs and the serve-mode websocket hub. Core components depend only on this
// package, never on a consumer.
package events

import (
	"sync"
	"time"
)

// Type names one event on the stream.
type Type string

const (
	ProvidersInitializing  Type = "providers.initializing"
	ProviderSelection      Type = "provider.selection"
	ProviderRateLimited    Type = "provider.rate_limited"
	ProviderCursorAdjusted Type = "provider.cursor.adjusted"
	ProviderCircuitOpened  Type = "provider.circuit.opened"

	StageStarted   Type = "stage.started"
	StageProgress  Type = "stage.progress"
	StageCompleted Type = "stage.completed"
	StageFailed    Type = "stage.failed"

	WatchTransaction Type = "watch.transaction"
)

// Event is one emitted record. Fields hold event-specific payload keys.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Handler receives events synchronously; slow consumers must buffer on their
// own side.
type Handler func(Event)

// Bus is a process-local fan-out of pipeline events.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns its remover.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Emit delivers the event to every subscriber.
func (b *Bus) Emit(t Type, fields map[string]any) {
	ev := Event{Type: t, Timestamp: time.Now().UTC(), Fields: fields}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(ev)
	}
}

// Emitter is the narrow interface components hold. A nil-safe no-op is
// available via Discard.
type Emitter interface {
	Emit(t Type, fields map[string]any)
}

type discard struct{}

func (discard) Emit(Type, map[string]any) {}

// Discard swallows all events.
var Discard Emitter = discard{}
