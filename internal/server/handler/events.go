package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polybook/internal/cache/redis"
)

// EventSource reads the durable event log.
type EventSource interface {
	Recent(ctx context.Context, lastID string, count int) ([]redis.StreamMessage, error)
}

type loggedEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// EventHandler serves the recent event log.
type EventHandler struct {
	source EventSource
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(source EventSource, logger *slog.Logger) *EventHandler {
	return &EventHandler{source: source, logger: logHandler(logger, "events")}
}

// ListEvents pages through the event log. Pass the last returned id as
// "after" to continue.
// GET /api/events?after={id}&limit={n}
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 1000)
	msgs, err := h.source.Recent(r.Context(), r.URL.Query().Get("after"), limit)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	out := make([]loggedEvent, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, loggedEvent{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, out)
}
