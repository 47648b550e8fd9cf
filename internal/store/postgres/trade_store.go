package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// ListOpts filters and paginates history queries.
type ListOpts struct {
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// TradeStore persists applied trades.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `trade_id, price, size, side, traded_at`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var (
			t    domain.TradeRecord
			side string
		)
		if err := rows.Scan(&t.TradeID, &t.Price, &t.Size, &side, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.Timestamp = t.Timestamp.UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InsertBatch inserts trades of inst using a pgx Batch. Trades already
// stored (same token_id, trade_id) are skipped via ON CONFLICT DO NOTHING.
// It returns the number of rows inserted.
func (s *TradeStore) InsertBatch(ctx context.Context, inst domain.Instrument, trades []domain.TradeRecord) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO trades (token_id, trade_id, price, size, side, traded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_id, trade_id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(query, inst.TokenID, t.TradeID, t.Price, t.Size, string(t.Side), t.Timestamp)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for i := range trades {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ListByInstrument returns trades of inst, newest first, with optional time
// filtering and pagination.
func (s *TradeStore) ListByInstrument(ctx context.Context, inst domain.Instrument, opts ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE token_id = $1`
	args := []any{inst.TokenID}
	query, args = appendListOpts(query, args, "traded_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", inst, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades %s: %w", inst, err)
	}
	return trades, nil
}

// DeleteBefore deletes trades that traded before the given time. Returns the
// number deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE traded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// appendListOpts adds time bounds on col, newest-first ordering and
// pagination to a query whose positional args are args.
func appendListOpts(query string, args []any, col string, opts ListOpts) (string, []any) {
	argIdx := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", col, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", col, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY " + col + " DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
