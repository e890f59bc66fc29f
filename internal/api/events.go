package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/postgres"
)

// sseHeartbeatInterval is how often idle SSE streams emit a comment line so
// subscribers can detect disconnection.
const sseHeartbeatInterval = 15 * time.Second

// RunEventStore reads the persisted per-run event log. Implemented by
// postgres.EventStore.
type RunEventStore interface {
	ListAfter(ctx context.Context, runID uuid.UUID, afterID int64) ([]domain.RunEvent, error)
}

// EventBus delivers live run event notifications. Implemented by
// postgres.PgEventBus and postgres.MemoryEventBus.
type EventBus interface {
	Subscribe(channel string) (<-chan postgres.Event, func())
}

// terminalEventTypes close the stream once forwarded; a run appends exactly
// one of them.
var terminalEventTypes = map[string]bool{
	domain.EventRunCompleted: true,
	domain.EventRunFailed:    true,
	domain.EventRunCanceled:  true,
}

// eventCursor reads the replay cursor from ?after_id or the Last-Event-ID
// header SSE clients send on reconnect.
func eventCursor(r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("after_id")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// HandleRunEvents serves the run event log. With Accept: text/event-stream it
// replays the persisted prefix and then forwards live notifications with a
// periodic heartbeat; otherwise it returns the persisted events as JSON.
func (s *Server) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	run, err := s.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if run == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	afterID, ok := eventCursor(r)
	if !ok {
		errorJSON(w, "after_id must be a non-negative integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if r.Header.Get("Accept") == "text/event-stream" {
		ip := clientIP(r)
		if s.SSELimiter != nil && !s.SSELimiter.Acquire(ip) {
			errorJSON(w, "too many SSE connections", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
			return
		}
		s.streamRunEvents(w, r, run, afterID, ip)
		return
	}

	events, err := s.Events.ListAfter(r.Context(), run.ID, afterID)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if events == nil {
		events = []domain.RunEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"status": run.Status,
	})
}

// streamRunEvents implements the SSE path: subscribe first so no event falls
// between replay and live forwarding, replay the persisted prefix, then
// forward notifications until a terminal event, client disconnect, or the
// max stream duration. The ip parameter releases the limiter slot on exit.
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request, run *domain.Run, afterID int64, ip string) {
	if s.SSELimiter != nil {
		defer s.SSELimiter.Release(ip)
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(MaxSSEDurationSeconds)*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	var lastID int64
	sendEvent := func(ev domain.RunEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
		flush()
		if ev.ID > lastID {
			lastID = ev.ID
		}
	}

	// Subscribe before replay: anything appended during the replay arrives on
	// the live channel and is deduplicated by id.
	live, unsubscribe := s.Bus.Subscribe(postgres.RunEventChannel(run.ID))
	defer unsubscribe()

	events, err := s.Events.ListAfter(ctx, run.ID, afterID)
	if err != nil {
		fmt.Fprintf(w, "event: error\ndata: %q\n\n", "replay failed")
		flush()
		return
	}
	lastID = afterID
	sawTerminal := false
	for _, ev := range events {
		sendEvent(ev)
		if terminalEventTypes[ev.Type] {
			sawTerminal = true
		}
	}
	if sawTerminal {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flush()
		case note, open := <-live:
			if !open {
				return
			}
			var ev domain.RunEvent
			if err := json.Unmarshal(note.Payload, &ev); err != nil {
				continue
			}
			if ev.ID <= lastID {
				continue
			}
			sendEvent(ev)
			if terminalEventTypes[ev.Type] {
				return
			}
		}
	}
}
