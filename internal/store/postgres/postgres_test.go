package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var inst = domain.NewInstrument("8080")

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/polybook?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "polybook", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://u:p@db:6543/x?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "x", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestAppendListOpts(t *testing.T) {
	since := time.Unix(100, 0)
	q, args := appendListOpts("SELECT 1 FROM t WHERE a = $1", []any{"x"}, "ts", ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND ts >= $2 ORDER BY ts DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{"x", since, 10, 20}, args)

	q, args = appendListOpts("SELECT 1 FROM t WHERE a = $1", []any{"x"}, "ts", ListOpts{})
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 ORDER BY ts DESC", q)
	assert.Len(t, args, 1)
}

func TestTopOf(t *testing.T) {
	snap := domain.BookSnapshot{
		Instrument: inst,
		Bids:       []domain.PriceLevel{{Price: d("0.40"), Size: d("5")}, {Price: d("0.39"), Size: d("1")}},
		Asks:       []domain.PriceLevel{{Price: d("0.44"), Size: d("2")}},
		CapturedAt: time.Unix(1_700_000_000, 0).UTC(),
		Hash:       "h",
	}
	top := TopOf(snap)
	assert.Equal(t, "8080", top.TokenID)
	assert.True(t, top.BestBid.Valid && top.BestBid.Decimal.Equal(d("0.40")))
	assert.True(t, top.BestAskSize.Valid && top.BestAskSize.Decimal.Equal(d("2")))
	assert.True(t, top.Mid.Decimal.Equal(d("0.42")))
	assert.True(t, top.Spread.Decimal.Equal(d("0.04")))
	assert.Equal(t, 2, top.BidLevels)
	assert.Equal(t, 1, top.AskLevels)

	empty := TopOf(domain.BookSnapshot{Instrument: inst})
	assert.False(t, empty.BestBid.Valid)
	assert.False(t, empty.Mid.Valid)
}

// newTestClient connects to POLYBOOK_TEST_POSTGRES_DSN, runs migrations and
// truncates the tables. Tests are skipped when the variable is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("POLYBOOK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POLYBOOK_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx), "migrations are idempotent")
	_, err = c.Pool().Exec(ctx, "TRUNCATE trades, book_tops")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSinkPersistsTrades(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	sink := NewSink(c, nil)

	trades := []domain.TradeRecord{
		{TradeID: "a", Price: d("0.5"), Size: d("10"), Side: domain.SideBuy, Timestamp: time.Unix(1000, 0).UTC()},
		{TradeID: "b", Price: d("0.52"), Size: d("1.5"), Side: domain.SideSell, Timestamp: time.Unix(1001, 0).UTC()},
	}
	require.NoError(t, sink.OnTrades(ctx, inst, trades))

	n, err := sink.Trades().InsertBatch(ctx, inst, trades)
	require.NoError(t, err)
	assert.Zero(t, n, "duplicates skipped")

	got, err := sink.Trades().ListByInstrument(ctx, inst, ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].TradeID)
	assert.True(t, got[0].Size.Equal(d("1.5")))
	assert.Equal(t, domain.SideSell, got[0].Side)

	deleted, err := sink.Trades().DeleteBefore(ctx, time.Unix(1001, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestSinkPersistsBookTops(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	sink := NewSink(c, nil)

	snap := domain.BookSnapshot{
		Instrument: inst,
		Bids:       []domain.PriceLevel{{Price: d("0.40"), Size: d("5")}},
		CapturedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, sink.OnBook(ctx, snap))
	require.NoError(t, sink.OnBook(ctx, snap))

	tops, err := sink.Books().ListByInstrument(ctx, inst, ListOpts{})
	require.NoError(t, err)
	require.Len(t, tops, 1)
	assert.True(t, tops[0].BestBid.Decimal.Equal(d("0.40")))
	assert.False(t, tops[0].BestAsk.Valid)
	assert.True(t, snap.CapturedAt.Equal(tops[0].CapturedAt))
}
