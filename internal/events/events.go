// Package events provides the in-process event bus and event types.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	ArenaRunStarted        EventType = "ARENA_RUN_STARTED"
	ArenaModelCompleted    EventType = "ARENA_MODEL_COMPLETED"
	ArenaRunCompleted      EventType = "ARENA_RUN_COMPLETED"
	DecisionRecorded       EventType = "DECISION_RECORDED"
	ExecutionCompleted     EventType = "EXECUTION_COMPLETED"
	CounterfactualsSwept   EventType = "COUNTERFACTUALS_SWEPT"
	PriceUpdated           EventType = "PRICE_UPDATED"
	MarketQuote            EventType = "MARKET_QUOTE"
	MemoryWritten          EventType = "MEMORY_WRITTEN"
	PromptVersionActivated EventType = "PROMPT_VERSION_ACTIVATED"
	BackupCompleted        EventType = "BACKUP_COMPLETED"
	ScheduleTriggered      EventType = "SCHEDULE_TRIGGERED"
	ErrorOccurred          EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Handler is a callback invoked for each published event.
// Handlers must not block; slow consumers buffer on their own channels.
type Handler func(event *Event)

// Bus dispatches events to subscribed handlers
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers an event to all handlers subscribed to its type
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus for subscriptions
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit emits an event
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	m.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Msg("Event emitted")

	m.bus.Publish(event)
}

// EmitData emits a typed event payload
func (m *Manager) EmitData(module string, data EventData) {
	payload, err := json.Marshal(data)
	if err != nil {
		m.log.Error().Err(err).
			Str("event_type", string(data.EventType())).
			Msg("Failed to marshal event data")
		return
	}

	var asMap map[string]interface{}
	if err := json.Unmarshal(payload, &asMap); err != nil {
		m.log.Error().Err(err).
			Str("event_type", string(data.EventType())).
			Msg("Failed to convert event data")
		return
	}

	m.Emit(data.EventType(), module, asMap)
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
