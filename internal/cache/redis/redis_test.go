package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// newTestClient connects to POLYBOOK_TEST_REDIS_ADDR and flushes the selected
// database. Tests are skipped when the variable is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("POLYBOOK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLYBOOK_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{Addr: addr, DB: 15, PoolSize: 4})
	require.NoError(t, err)
	require.NoError(t, c.Underlying().FlushDB(ctx).Err())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var inst = domain.NewInstrument("31337")

func TestOrderbookCacheRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	oc := NewOrderbookCache(c, time.Minute)

	_, err := oc.GetSnapshot(ctx, inst)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	snap := domain.BookSnapshot{
		Instrument: inst,
		Bids:       []domain.PriceLevel{{Price: d("0.48"), Size: d("10")}, {Price: d("0.47"), Size: d("2.5")}},
		Asks:       []domain.PriceLevel{{Price: d("0.52"), Size: d("7")}},
		CapturedAt: time.Unix(1_700_000_000, 123).UTC(),
		Hash:       "0xabc",
	}
	require.NoError(t, oc.SetSnapshot(ctx, snap))

	got, err := oc.GetSnapshot(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, snap.CapturedAt, got.CapturedAt)
	assert.Equal(t, "0xabc", got.Hash)
	require.Len(t, got.Bids, 2)
	assert.True(t, got.Bids[0].Price.Equal(d("0.48")))
	assert.True(t, got.Bids[1].Size.Equal(d("2.5")))
	require.Len(t, got.Asks, 1)

	bid, ask, err := oc.GetBBO(ctx, inst)
	require.NoError(t, err)
	assert.True(t, bid.Equal(d("0.48")))
	assert.True(t, ask.Equal(d("0.52")))

	// A replacement never merges levels.
	snap.Bids = nil
	snap.CapturedAt = snap.CapturedAt.Add(time.Second)
	require.NoError(t, oc.SetSnapshot(ctx, snap))
	got, err = oc.GetSnapshot(ctx, inst)
	require.NoError(t, err)
	assert.Empty(t, got.Bids)

	require.NoError(t, oc.Delete(ctx, inst))
	_, err = oc.GetSnapshot(ctx, inst)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSinkTradesAndEvents(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	sink := NewSink(c, 0)

	trades := []domain.TradeRecord{
		{TradeID: "a", Price: d("0.5"), Size: d("1"), Side: domain.SideBuy, Timestamp: time.Unix(10, 0).UTC()},
		{TradeID: "b", Price: d("0.51"), Size: d("2"), Side: domain.SideSell, Timestamp: time.Unix(11, 0).UTC()},
	}
	require.NoError(t, sink.OnTrades(ctx, inst, trades))

	last, err := sink.Prices().GetLastTrade(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, "b", last.TradeID)
	assert.Equal(t, domain.SideSell, last.Side)

	prices, err := sink.Prices().GetPrices(ctx, []domain.Instrument{inst, domain.NewInstrument("1")})
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.True(t, prices[inst.TokenID].Equal(d("0.51")))

	msgs, err := NewSignalBus(c).StreamRead(ctx, TradesStream(inst.TokenID), "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var batch TradeBatch
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &batch))
	assert.Len(t, batch.Trades, 2)

	pub := NewEventPublisher(c, nil)
	pub.Observe(ctx, domain.NewEvent(domain.EventTradeGap, inst, domain.StreamTrades, "gap"))
	pub.Observe(ctx, domain.NewEvent(domain.EventFetchFailure, inst, domain.StreamBook, "down"))

	events, err := pub.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	after, err := pub.Recent(ctx, events[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)

	var evt domain.Event
	require.NoError(t, json.Unmarshal(after[0].Payload, &evt))
	assert.Equal(t, domain.EventFetchFailure, evt.Type)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "client", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "other", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(1100 * time.Millisecond)
	ok, err = rl.Allow(ctx, "client", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "window slid past earlier requests")
}
