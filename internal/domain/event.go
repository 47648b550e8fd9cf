package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the structured events emitted by the ingestion core.
type EventType string

const (
	EventFetchFailure  EventType = "fetch_failure"
	EventParseFailure  EventType = "parse_failure"
	EventTradeGap      EventType = "trade_gap"
	EventBackoffChange EventType = "backoff_change"
	EventApplyRejected EventType = "apply_rejected"
	EventSinkFailure   EventType = "sink_failure"
)

// Event is a structured observability record.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Instrument Instrument     `json:"instrument"`
	Stream     Stream         `json:"stream"`
	Time       time.Time      `json:"time"`
	Message    string         `json:"message"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// NewEvent builds an Event with a fresh id and the current UTC time.
func NewEvent(typ EventType, inst Instrument, stream Stream, msg string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Instrument: inst,
		Stream:     stream,
		Time:       time.Now().UTC(),
		Message:    msg,
	}
}

// With returns a copy of e with the attribute set.
func (e Event) With(key string, value any) Event {
	attrs := make(map[string]any, len(e.Attrs)+1)
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attrs = attrs
	return e
}

// Observer receives structured events. Implementations must not block for
// long; they run on the poller's goroutines.
type Observer interface {
	Observe(ctx context.Context, evt Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, evt Event)

func (f ObserverFunc) Observe(ctx context.Context, evt Event) { f(ctx, evt) }
