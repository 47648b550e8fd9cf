package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/config"
	"github.com/alanyoungcy/polybook/internal/domain"
)

func testConfig(t *testing.T, clobURL string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Polymarket.ClobHost = clobURL
	cfg.Instruments = []config.InstrumentConfig{
		{TokenID: "123", BookIntervalMS: 20, TradeIntervalMS: 20},
	}
	cfg.Server.Enabled = false
	require.NoError(t, cfg.Validate())
	return &cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeClob(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/book":
			_, _ = io.WriteString(w, `{"asset_id":"123","bids":[{"price":"0.45","size":"10"}],"asks":[{"price":"0.55","size":"4"}]}`)
		case "/trades":
			_, _ = io.WriteString(w, `[{"id":"t2","price":"0.5","size":"1","side":"BUY","timestamp":"1700000001"},{"id":"t1","price":"0.5","size":"2","side":"SELL","timestamp":"1700000000"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWireIngestWithoutBackends(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Poller)
	assert.NotNil(t, deps.Store)
	assert.Nil(t, deps.Redis)
	assert.Nil(t, deps.Postgres)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Hub, "ingest mode serves no API")
	assert.Nil(t, deps.Notifier)
	assert.Equal(t, []domain.Instrument{domain.NewInstrument("123")}, deps.Store.Instruments())
}

func TestWireResolvesEventSlug(t *testing.T) {
	gamma := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/slug/bitcoin-up-or-down-on-october-16" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"slug":"bitcoin-up-or-down-on-october-16","markets":[{"clobTokenIds":"[\"777\",\"888\"]"}]}`)
	}))
	defer gamma.Close()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Polymarket.GammaHost = gamma.URL
	cfg.Instruments = append(cfg.Instruments, config.InstrumentConfig{EventSlug: "bitcoin-up-or-down-on-october-16"})
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, []domain.Instrument{
		domain.NewInstrument("123"),
		domain.NewInstrument("777"),
		domain.NewInstrument("888"),
	}, deps.Store.Instruments())

	cfg.Instruments = []config.InstrumentConfig{{EventSlug: "missing"}}
	_, _, err = Wire(context.Background(), cfg, discard())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWireRecorderAndHub(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Mode = "full"
	cfg.Server.Enabled = true
	cfg.Recorder.Enabled = true
	cfg.Recorder.Dir = filepath.Join(t.TempDir(), "rec")
	cfg.Notify.DiscordWebhookURL = "http://127.0.0.1:1/webhook"

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Recorder)
	assert.NotNil(t, deps.Hub)
	assert.NotNil(t, deps.Notifier)
}

func TestIngestModeAppliesBooksAndTrades(t *testing.T) {
	clob := fakeClob(t)
	cfg := testConfig(t, clob.URL)
	a := New(cfg, discard())

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.IngestMode(ctx, deps) }()

	inst := domain.NewInstrument("123")
	require.Eventually(t, func() bool {
		state, err := deps.Store.Query(inst)
		return err == nil && len(state.Trades) == 2
	}, 5*time.Second, 20*time.Millisecond)

	state, err := deps.Store.Query(inst)
	require.NoError(t, err)
	require.Len(t, state.Book.Bids, 1)
	assert.Equal(t, "0.45", state.Book.Bids[0].Price.String())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ingest mode did not stop")
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Mode = "trade"

	a := New(cfg, discard())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}
