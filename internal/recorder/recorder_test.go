package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

var (
	_ domain.Sink            = (*Recorder)(nil)
	_ domain.FailureRecorder = (*Recorder)(nil)
)

func readLines(t *testing.T, path string) []map[string]json.RawMessage {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]json.RawMessage
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRecorderWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	clock := time.Unix(1_700_000_000, 500_000_000)
	r, err := New(dir, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	defer r.Close()

	inst := domain.NewInstrument("42")
	ctx := context.Background()

	snap := domain.BookSnapshot{
		Instrument: inst,
		Bids:       []domain.PriceLevel{{Price: decimal.RequireFromString("0.45"), Size: decimal.RequireFromString("10")}},
		CapturedAt: clock,
	}
	require.NoError(t, r.OnBook(ctx, snap))
	require.NoError(t, r.OnTrades(ctx, inst, nil))
	require.NoError(t, r.OnTrades(ctx, inst, []domain.TradeRecord{{TradeID: "t1", Side: domain.SideBuy}}))
	require.NoError(t, r.OnFailure(ctx, inst, domain.StreamTrades, errors.New("boom")))
	require.NoError(t, r.OnFailure(ctx, inst, domain.StreamBook, nil))

	lines := readLines(t, r.Path(inst))
	require.Len(t, lines, 3)

	assert.JSONEq(t, `1700000000.5`, string(lines[0]["ts"]))
	assert.JSONEq(t, `"42"`, string(lines[0]["token_id"]))
	assert.Contains(t, lines[0], "book")
	assert.NotContains(t, lines[0], "trades")

	assert.Contains(t, string(lines[1]["trades"]), `"t1"`)

	assert.JSONEq(t, `"trades"`, string(lines[2]["stream"]))
	assert.JSONEq(t, `"boom"`, string(lines[2]["error"]))
}

func TestRecorderAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	inst := domain.NewInstrument("7")

	r, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, r.OnTrades(context.Background(), inst, []domain.TradeRecord{{TradeID: "a"}}))
	require.NoError(t, r.Forget(context.Background(), inst))
	require.NoError(t, r.OnTrades(context.Background(), inst, []domain.TradeRecord{{TradeID: "b"}}))
	require.NoError(t, r.Close())

	r2, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, r2.OnTrades(context.Background(), inst, []domain.TradeRecord{{TradeID: "c"}}))
	require.NoError(t, r2.Close())

	assert.Len(t, readLines(t, r2.Path(inst)), 3)
}

func TestNewRejectsEmptyDir(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
