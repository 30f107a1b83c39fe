package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/events"
)

// streamedTypes is every event type forwarded to SSE clients by default.
var streamedTypes = []events.EventType{
	events.ArenaRunStarted,
	events.ArenaModelCompleted,
	events.ArenaRunCompleted,
	events.DecisionRecorded,
	events.ExecutionCompleted,
	events.CounterfactualsSwept,
	events.PriceUpdated,
	events.MarketQuote,
	events.MemoryWritten,
	events.PromptVersionActivated,
	events.BackupCompleted,
	events.ScheduleTriggered,
	events.ErrorOccurred,
}

// EventsStreamHandler streams system events to clients over SSE.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates the SSE stream handler.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream. The optional ?types= query
// parameter narrows the stream to a comma-separated set of event types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var allowed map[events.EventType]bool
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowed = make(map[events.EventType]bool)
		for _, t := range strings.Split(filter, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	// Buffered so a slow client drops events instead of blocking the bus.
	// closed flips on disconnect; the bus has no unsubscribe, so the
	// handler turns into a no-op for the rest of the process lifetime.
	eventChan := make(chan *events.Event, 100)
	var closed atomic.Bool

	handler := func(e *events.Event) {
		if closed.Load() {
			return
		}
		if allowed != nil && !allowed[e.Type] {
			return
		}
		select {
		case eventChan <- e:
		default:
			h.log.Warn().Str("event_type", string(e.Type)).Msg("Stream buffer full, event dropped")
		}
	}

	if allowed != nil {
		for et := range allowed {
			h.bus.Subscribe(et, handler)
		}
	} else {
		for _, et := range streamedTypes {
			h.bus.Subscribe(et, handler)
		}
	}

	h.log.Info().Msg("Client connected to event stream")

	fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			closed.Store(true)
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			payload, err := json.Marshal(event)
			if err != nil {
				h.log.Error().Err(err).Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
