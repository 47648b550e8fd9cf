// Package pipeline runs the background jobs that sit behind the poller:
// cold-storage archival of applied trades and pruning of persisted history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// TradeSource is the read side of the book store the archiver drains.
type TradeSource interface {
	Instruments() []domain.Instrument
	GetTradesSince(inst domain.Instrument, tradeID string) ([]domain.TradeRecord, error)
}

// TradeArchiver uploads one batch of trades for an instrument.
type TradeArchiver interface {
	ArchiveTrades(ctx context.Context, inst domain.Instrument, trades []domain.TradeRecord) (string, error)
}

// Archiver copies trades retained by the book store to cold storage. It keeps
// a per-instrument cursor (the last archived trade id) so each run uploads
// only trades applied since the previous one. Cursors live in memory; after
// a restart the first run archives every retained trade.
type Archiver struct {
	source  TradeSource
	archive TradeArchiver
	logger  *slog.Logger

	mu      sync.Mutex
	cursors map[string]string
}

// NewArchiver creates an Archiver.
func NewArchiver(source TradeSource, archive TradeArchiver, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		source:  source,
		archive: archive,
		logger:  logger.With(slog.String("component", "archiver")),
		cursors: make(map[string]string),
	}
}

// Run executes a single archive pass over every configured instrument. A
// failure on one instrument does not stop the others; the errors are joined.
func (a *Archiver) Run(ctx context.Context) (archived int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	insts := a.source.Instruments()
	live := make(map[string]struct{}, len(insts))
	var errs []error

	for _, inst := range insts {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		live[inst.TokenID] = struct{}{}

		n, err := a.runInstrument(ctx, inst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		archived += n
	}

	for id := range a.cursors {
		if _, ok := live[id]; !ok {
			delete(a.cursors, id)
		}
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int("instruments", len(insts)),
		slog.Int("trades_archived", archived),
	)
	return archived, errors.Join(errs...)
}

func (a *Archiver) runInstrument(ctx context.Context, inst domain.Instrument) (int, error) {
	cursor := a.cursors[inst.TokenID]

	trades, err := a.source.GetTradesSince(inst, cursor)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pipeline: archive %s: %w", inst, err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	path, err := a.archive.ArchiveTrades(ctx, inst, trades)
	if err != nil {
		return 0, fmt.Errorf("pipeline: archive %s: %w", inst, err)
	}

	a.cursors[inst.TokenID] = trades[len(trades)-1].TradeID
	a.logger.DebugContext(ctx, "archived trades",
		slog.String("token_id", inst.TokenID),
		slog.Int("count", len(trades)),
		slog.String("path", path),
	)
	return len(trades), nil
}

// Cursor returns the last archived trade id of inst.
func (a *Archiver) Cursor(inst domain.Instrument) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursors[inst.TokenID]
}

// RunEvery runs the archiver every interval until ctx is cancelled.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) error {
	a.logger.Info("archiver started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunCron runs the archiver on a 5-field cron schedule until ctx is
// cancelled. See ParseSchedule for the supported syntax.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("pipeline: archiver schedule: %w", err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", expr))

	for {
		next, err := sched.Next(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: archiver schedule: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
