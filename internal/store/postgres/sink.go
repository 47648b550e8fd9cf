package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Sink persists applied trades and top-of-book observations.
type Sink struct {
	trades *TradeStore
	books  *BookStore
	logger *slog.Logger
}

// NewSink creates a Sink on the pool of c.
func NewSink(c *Client, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		trades: NewTradeStore(c.Pool()),
		books:  NewBookStore(c.Pool()),
		logger: logger.With(slog.String("component", "postgres_sink")),
	}
}

// Name implements domain.Sink.
func (s *Sink) Name() string { return "postgres" }

// OnBook implements domain.Sink.
func (s *Sink) OnBook(ctx context.Context, snap domain.BookSnapshot) error {
	return s.books.Insert(ctx, TopOf(snap))
}

// OnTrades implements domain.Sink.
func (s *Sink) OnTrades(ctx context.Context, inst domain.Instrument, trades []domain.TradeRecord) error {
	n, err := s.trades.InsertBatch(ctx, inst, trades)
	if err != nil {
		return err
	}
	if n < int64(len(trades)) {
		s.logger.Debug("trades already stored",
			slog.String("token_id", inst.TokenID),
			slog.Int64("skipped", int64(len(trades))-n),
		)
	}
	return nil
}

// Trades exposes the trade store for readers.
func (s *Sink) Trades() *TradeStore { return s.trades }

// Books exposes the top-of-book store for readers.
func (s *Sink) Books() *BookStore { return s.books }

// RunPrune deletes rows older than maxAge every interval until ctx is
// cancelled. It prunes once immediately.
func (s *Sink) RunPrune(ctx context.Context, interval, maxAge time.Duration) error {
	s.prune(ctx, maxAge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.prune(ctx, maxAge)
		}
	}
}

func (s *Sink) prune(ctx context.Context, maxAge time.Duration) {
	cutoff := time.Now().UTC().Add(-maxAge)
	trades, err := s.trades.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("prune trades failed", slog.String("error", err.Error()))
		return
	}
	tops, err := s.books.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("prune book tops failed", slog.String("error", err.Error()))
		return
	}
	if trades > 0 || tops > 0 {
		s.logger.Info("pruned history",
			slog.Time("cutoff", cutoff),
			slog.Int64("trades", trades),
			slog.Int64("book_tops", tops),
		)
	}
}
