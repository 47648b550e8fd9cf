package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/cache/redis"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/poller"
	"github.com/alanyoungcy/polybook/internal/server/handler"
	"github.com/alanyoungcy/polybook/internal/server/middleware"
	"github.com/alanyoungcy/polybook/internal/server/ws"
)

type staticStatus []poller.CycleStatus

func (s staticStatus) Status() []poller.CycleStatus { return s }

type fakeEvents struct{ msgs []redis.StreamMessage }

func (f fakeEvents) Recent(_ context.Context, lastID string, count int) ([]redis.StreamMessage, error) {
	var out []redis.StreamMessage
	for _, m := range f.msgs {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeArchiver struct {
	n   int
	err error
}

func (f fakeArchiver) Run(context.Context) (int, error) { return f.n, f.err }

// storeRemover removes instruments straight from the store.
type storeRemover struct{ store *book.Store }

func (r storeRemover) Remove(_ context.Context, inst domain.Instrument) bool {
	return r.store.Remove(inst)
}

type denyAfter struct{ allowed int }

func (d *denyAfter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.allowed--
	return d.allowed >= 0, nil
}

var inst = domain.NewInstrument("123")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store *book.Store
	hub   *ws.Hub
	srv   *Server
}

func newFixture(t *testing.T, cfg Config, checks map[string]handler.Check, limiter middleware.Limiter) *fixture {
	t.Helper()
	store := book.NewStore()
	require.NoError(t, store.Configure(inst, 10))

	hub := ws.NewHub(nil, ws.Config{Mode: "full"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	handlers := Handlers{
		Health: handler.NewHealthHandler(checks, nil),
		Status: handler.NewStatusHandler("full", staticStatus{
			{Instrument: inst, Stream: domain.StreamBook, State: poller.StateIdle, ConsecutiveFailures: 2},
			{Instrument: inst, Stream: domain.StreamTrades, State: poller.StateFetching},
		}, time.Now()),
		Books: handler.NewBookHandler(store, storeRemover{store}, nil),
		Events: handler.NewEventHandler(fakeEvents{msgs: []redis.StreamMessage{
			{ID: "1-0", Payload: []byte(`{"type":"trade_gap"}`)},
			{ID: "2-0", Payload: []byte(`not json`)},
			{ID: "3-0", Payload: []byte(`{"type":"fetch_failure"}`)},
		}}, nil),
		Pipeline: handler.NewPipelineHandler(fakeArchiver{n: 4}, nil),
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	}
	return &fixture{store: store, hub: hub, srv: NewServer(cfg, handlers, hub, limiter, nil)}
}

func (f *fixture) get(t *testing.T, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodGet, path, header...)
}

func (f *fixture) do(t *testing.T, method, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{}, map[string]handler.Check{
		"redis": func(context.Context) error { return nil },
	}, nil)
	rec := f.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	f = newFixture(t, Config{}, map[string]handler.Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}, nil)
	rec = f.get(t, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Dependencies["redis"])
	assert.Equal(t, "connection refused", body.Dependencies["postgres"])
}

func TestDeleteBook(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)

	rec := f.do(t, http.MethodDelete, "/api/books/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/books/999")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/books/123")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		TokenID string `json:"token_id"`
		Removed bool   `json:"removed"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "123", body.TokenID)
	assert.True(t, body.Removed)
	assert.Empty(t, f.store.Instruments())

	rec = f.do(t, http.MethodDelete, "/api/books/123")
	assert.Equal(t, http.StatusNotFound, rec.Code, "already removed")
}

func TestDeleteBookWithoutRemover(t *testing.T) {
	store := book.NewStore()
	srv := NewServer(Config{}, Handlers{
		Health: handler.NewHealthHandler(nil, nil),
		Status: handler.NewStatusHandler("ingest", staticStatus{}, time.Now()),
		Books:  handler.NewBookHandler(store, nil, nil),
	}, nil, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/books/123", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	rec := f.get(t, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode          string               `json:"mode"`
		FailingCycles int                  `json:"failing_cycles"`
		Cycles        []poller.CycleStatus `json:"cycles"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "full", body.Mode)
	assert.Equal(t, 1, body.FailingCycles)
	require.Len(t, body.Cycles, 2)
	assert.Equal(t, poller.StateFetching, body.Cycles[1].State)
}

func TestBooks(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)

	rec := f.get(t, "/api/books/123")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no data applied yet")
	rec = f.get(t, "/api/books/999")
	assert.Equal(t, http.StatusNotFound, rec.Code, "unconfigured")
	rec = f.get(t, "/api/books/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, f.store.ApplySnapshot(domain.BookSnapshot{
		Instrument: inst,
		Bids:       []domain.PriceLevel{{Price: d("0.45"), Size: d("10")}},
		Asks:       []domain.PriceLevel{{Price: d("0.55"), Size: d("4")}},
		CapturedAt: time.Unix(1_700_000_000, 0).UTC(),
	}))
	_, err := f.store.ApplyNewTrades(inst, []domain.TradeRecord{
		{TradeID: "a", Price: d("0.5"), Size: d("1"), Side: domain.SideBuy, Timestamp: time.Unix(1, 0).UTC()},
		{TradeID: "b", Price: d("0.5"), Size: d("1"), Side: domain.SideBuy, Timestamp: time.Unix(2, 0).UTC()},
		{TradeID: "c", Price: d("0.5"), Size: d("1"), Side: domain.SideSell, Timestamp: time.Unix(3, 0).UTC()},
	})
	require.NoError(t, err)

	rec = f.get(t, "/api/books")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []handler.BookSummary
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.True(t, list[0].HasBook)
	assert.Equal(t, "c", list[0].LastTradeID)
	assert.Equal(t, 3, list[0].TradeCount)
	assert.Equal(t, 10, list[0].Retention)
	require.NotNil(t, list[0].BestBid)
	assert.True(t, list[0].BestBid.Equal(d("0.45")))

	rec = f.get(t, "/api/books/123")
	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.OrderBookState
	decode(t, rec, &state)
	assert.True(t, state.HasBook)
	assert.Len(t, state.Book.Asks, 1)

	rec = f.get(t, "/api/books/123/trades?since=a")
	require.Equal(t, http.StatusOK, rec.Code)
	var trades struct {
		Trades []domain.TradeRecord `json:"trades"`
	}
	decode(t, rec, &trades)
	require.Len(t, trades.Trades, 2)
	assert.Equal(t, "b", trades.Trades[0].TradeID)

	rec = f.get(t, "/api/books/123/trades?limit=1")
	decode(t, rec, &trades)
	require.Len(t, trades.Trades, 1)
	assert.Equal(t, "c", trades.Trades[0].TradeID)

	rec = f.get(t, "/api/books/123/trades?since=c")
	assert.JSONEq(t, `{"token_id":"123","trades":[]}`, rec.Body.String())
}

func TestEventsAndPipeline(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)

	rec := f.get(t, "/api/events?after=1-0")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"3-0","event":{"type":"fetch_failure"}}]`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/pipeline/archive", nil)
	out := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	assert.Contains(t, out.Body.String(), `"trades_archived":4`)

	assert.Equal(t, "# metrics", f.get(t, "/metrics").Body.String())
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{APIKey: "s3cret"}, nil, nil)

	assert.Equal(t, http.StatusOK, f.get(t, "/api/health").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/metrics").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/books").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/books", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/books", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/books", "X-API-Key", "s3cret").Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Config{CORSOrigins: []string{"https://dash.example"}}, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/books", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.get(t, "/api/books", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 2}, nil, &denyAfter{allowed: 2})

	assert.Equal(t, http.StatusOK, f.get(t, "/api/books").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/books").Code)
	rec := f.get(t, "/api/books")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) ws.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env ws.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEnvelope(t, conn)
	assert.Equal(t, "hello", hello.Type)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.hub.Observe(context.Background(), domain.NewEvent(domain.EventTradeGap, inst, domain.StreamTrades, "gap"))
	env := readEnvelope(t, conn)
	assert.Equal(t, ws.ChannelEvents, env.Channel)
	assert.Equal(t, "trade_gap", env.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "channels": []string{"book:*"}}))

	// The subscription is applied asynchronously; publish until it lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = f.hub.OnBook(context.Background(), domain.BookSnapshot{Instrument: inst, CapturedAt: time.Now()})
			}
		}
	}()

	for {
		env := readEnvelope(t, conn)
		if env.Channel == "book:123" {
			assert.Equal(t, "book", env.Type)
			return
		}
	}
}
