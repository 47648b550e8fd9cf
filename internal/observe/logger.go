// Package observe fans structured ingestion events out to logs, metrics and
// any other registered observer.
package observe

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Logger writes every event as one structured log record.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a Logger observer.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With(slog.String("component", "events"))}
}

// Observe implements domain.Observer.
func (l *Logger) Observe(ctx context.Context, evt domain.Event) {
	attrs := make([]slog.Attr, 0, 5+len(evt.Attrs))
	attrs = append(attrs,
		slog.String("event_id", evt.ID),
		slog.String("type", string(evt.Type)),
		slog.String("token_id", evt.Instrument.TokenID),
		slog.String("stream", string(evt.Stream)),
	)
	for k, v := range evt.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(ctx, levelFor(evt.Type), evt.Message, attrs...)
}

func levelFor(typ domain.EventType) slog.Level {
	switch typ {
	case domain.EventFetchFailure, domain.EventParseFailure, domain.EventSinkFailure,
		domain.EventTradeGap, domain.EventBackoffChange:
		return slog.LevelWarn
	case domain.EventApplyRejected:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Multi returns an observer that forwards every event to each non-nil
// observer in order.
func Multi(observers ...domain.Observer) domain.Observer {
	list := make([]domain.Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return multi(list)
}

type multi []domain.Observer

func (m multi) Observe(ctx context.Context, evt domain.Event) {
	for _, o := range m {
		o.Observe(ctx, evt)
	}
}
