package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Channel and stream names.
const (
	EventsChannel = "polybook:events"
	EventsStream  = "polybook:events:log"
)

func bookChannel(tokenID string) string   { return "polybook:book:" + tokenID }
func tradesChannel(tokenID string) string { return "polybook:trades:" + tokenID }

// TradesStream is the durable log of applied trade batches of an instrument.
func TradesStream(tokenID string) string { return "polybook:trades:log:" + tokenID }

// TradeBatch is the payload published for every applied trade batch.
type TradeBatch struct {
	TokenID string               `json:"token_id"`
	Trades  []domain.TradeRecord `json:"trades"`
}

// Sink mirrors applied books and trades into Redis and publishes them.
type Sink struct {
	books  *OrderbookCache
	prices *PriceCache
	bus    *SignalBus
}

// NewSink creates a Sink. bookTTL expires the mirror of an instrument that
// stops updating; zero keeps it forever.
func NewSink(c *Client, bookTTL time.Duration) *Sink {
	return &Sink{
		books:  NewOrderbookCache(c, bookTTL),
		prices: NewPriceCache(c),
		bus:    NewSignalBus(c),
	}
}

// Name implements domain.Sink.
func (s *Sink) Name() string { return "redis" }

// OnBook mirrors snap and publishes it on polybook:book:{tokenID}.
func (s *Sink) OnBook(ctx context.Context, snap domain.BookSnapshot) error {
	if err := s.books.SetSnapshot(ctx, snap); err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal book: %w", err)
	}
	return s.bus.Publish(ctx, bookChannel(snap.Instrument.TokenID), payload)
}

// OnTrades stores the newest trade as the last price, appends the batch to
// the instrument's trade stream and publishes it.
func (s *Sink) OnTrades(ctx context.Context, inst domain.Instrument, trades []domain.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	if err := s.prices.SetLastTrade(ctx, inst, trades[len(trades)-1]); err != nil {
		return err
	}
	payload, err := json.Marshal(TradeBatch{TokenID: inst.TokenID, Trades: trades})
	if err != nil {
		return fmt.Errorf("redis: marshal trades: %w", err)
	}
	if err := s.bus.StreamAppend(ctx, TradesStream(inst.TokenID), payload); err != nil {
		return err
	}
	return s.bus.Publish(ctx, tradesChannel(inst.TokenID), payload)
}

// Forget removes the book mirror and last trade of inst. The trade log
// stream is kept.
func (s *Sink) Forget(ctx context.Context, inst domain.Instrument) error {
	return errors.Join(s.books.Delete(ctx, inst), s.prices.Delete(ctx, inst))
}

// Books exposes the book mirror for readers.
func (s *Sink) Books() *OrderbookCache { return s.books }

// Prices exposes the last-trade cache for readers.
func (s *Sink) Prices() *PriceCache { return s.prices }

// EventPublisher is an observer that publishes every event on
// polybook:events and appends it to the polybook:events:log stream.
type EventPublisher struct {
	bus     *SignalBus
	timeout time.Duration
	logger  *slog.Logger
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(c *Client, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		bus:     NewSignalBus(c),
		timeout: 2 * time.Second,
		logger:  logger.With(slog.String("component", "redis_events")),
	}
}

// Observe implements domain.Observer.
func (p *EventPublisher) Observe(ctx context.Context, evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("marshal event", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
		p.logger.Warn("event not persisted", slog.String("event_id", evt.ID), slog.String("error", err.Error()))
	}
	if err := p.bus.Publish(ctx, EventsChannel, payload); err != nil {
		p.logger.Warn("event not published", slog.String("event_id", evt.ID), slog.String("error", err.Error()))
	}
}

// Recent returns up to count events logged after lastID.
func (p *EventPublisher) Recent(ctx context.Context, lastID string, count int) ([]StreamMessage, error) {
	return p.bus.StreamRead(ctx, EventsStream, lastID, count)
}
