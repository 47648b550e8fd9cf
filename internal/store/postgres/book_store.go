package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// BookTop is one persisted top-of-book observation.
type BookTop struct {
	TokenID     string              `json:"token_id"`
	CapturedAt  time.Time           `json:"captured_at"`
	BestBid     decimal.NullDecimal `json:"best_bid"`
	BestBidSize decimal.NullDecimal `json:"best_bid_size"`
	BestAsk     decimal.NullDecimal `json:"best_ask"`
	BestAskSize decimal.NullDecimal `json:"best_ask_size"`
	Mid         decimal.NullDecimal `json:"mid"`
	Spread      decimal.NullDecimal `json:"spread"`
	BidLevels   int                 `json:"bid_levels"`
	AskLevels   int                 `json:"ask_levels"`
	Hash        string              `json:"hash"`
}

// TopOf summarises snap into a BookTop.
func TopOf(snap domain.BookSnapshot) BookTop {
	top := BookTop{
		TokenID:    snap.Instrument.TokenID,
		CapturedAt: snap.CapturedAt,
		BidLevels:  len(snap.Bids),
		AskLevels:  len(snap.Asks),
		Hash:       snap.Hash,
	}
	if bid, ok := snap.BestBid(); ok {
		top.BestBid = decimal.NewNullDecimal(bid.Price)
		top.BestBidSize = decimal.NewNullDecimal(bid.Size)
	}
	if ask, ok := snap.BestAsk(); ok {
		top.BestAsk = decimal.NewNullDecimal(ask.Price)
		top.BestAskSize = decimal.NewNullDecimal(ask.Size)
	}
	if mid, ok := snap.Mid(); ok {
		top.Mid = decimal.NewNullDecimal(mid)
	}
	if spread, ok := snap.Spread(); ok {
		top.Spread = decimal.NewNullDecimal(spread)
	}
	return top
}

// BookStore persists top-of-book history.
type BookStore struct {
	pool *pgxpool.Pool
}

// NewBookStore creates a new BookStore backed by the given connection pool.
func NewBookStore(pool *pgxpool.Pool) *BookStore {
	return &BookStore{pool: pool}
}

// Insert stores top. A row for the same (token_id, captured_at) is kept as is.
func (s *BookStore) Insert(ctx context.Context, top BookTop) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO book_tops (
			token_id, captured_at, best_bid, best_bid_size, best_ask, best_ask_size,
			mid, spread, bid_levels, ask_levels, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (token_id, captured_at) DO NOTHING`,
		top.TokenID, top.CapturedAt, top.BestBid, top.BestBidSize, top.BestAsk, top.BestAskSize,
		top.Mid, top.Spread, top.BidLevels, top.AskLevels, top.Hash,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert book top %s: %w", top.TokenID, err)
	}
	return nil
}

// ListByInstrument returns top-of-book rows of inst, newest first.
func (s *BookStore) ListByInstrument(ctx context.Context, inst domain.Instrument, opts ListOpts) ([]BookTop, error) {
	query := `SELECT token_id, captured_at, best_bid, best_bid_size, best_ask, best_ask_size,
		mid, spread, bid_levels, ask_levels, hash FROM book_tops WHERE token_id = $1`
	args := []any{inst.TokenID}
	query, args = appendListOpts(query, args, "captured_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list book tops %s: %w", inst, err)
	}
	defer rows.Close()

	var out []BookTop
	for rows.Next() {
		var t BookTop
		if err := rows.Scan(&t.TokenID, &t.CapturedAt, &t.BestBid, &t.BestBidSize, &t.BestAsk,
			&t.BestAskSize, &t.Mid, &t.Spread, &t.BidLevels, &t.AskLevels, &t.Hash); err != nil {
			return nil, fmt.Errorf("postgres: scan book top %s: %w", inst, err)
		}
		t.CapturedAt = t.CapturedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteBefore deletes rows captured before the given time.
func (s *BookStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM book_tops WHERE captured_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete book tops before: %w", err)
	}
	return tag.RowsAffected(), nil
}
