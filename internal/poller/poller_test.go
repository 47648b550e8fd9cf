package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/normalize"
)

var inst = domain.NewInstrument("4242")

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type response struct {
	body string
	err  error
}

// fakeFetcher replays scripted responses; the last one repeats forever.
type fakeFetcher struct {
	mu        sync.Mutex
	books     []response
	trades    []response
	limits    []int
	bookCalls atomic.Int32
	block     bool
}

func next(q *[]response) response {
	r := (*q)[0]
	if len(*q) > 1 {
		*q = (*q)[1:]
	}
	return r
}

func (f *fakeFetcher) FetchBook(ctx context.Context, _ domain.Instrument) ([]byte, error) {
	f.bookCalls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, &domain.FetchError{Kind: domain.FetchTimeout, Err: ctx.Err()}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := next(&f.books)
	return []byte(r.body), r.err
}

func (f *fakeFetcher) FetchTrades(_ context.Context, _ domain.Instrument, limit int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	r := next(&f.trades)
	return []byte(r.body), r.err
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Observe(_ context.Context, evt domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) ofType(typ domain.EventType) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type captureSink struct {
	mu       sync.Mutex
	books    []domain.BookSnapshot
	trades   [][]domain.TradeRecord
	failures []error
	forgot   []string
	err      error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) OnBook(_ context.Context, snap domain.BookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = append(s.books, snap)
	return s.err
}

func (s *captureSink) OnTrades(_ context.Context, _ domain.Instrument, trades []domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trades)
	return s.err
}

func (s *captureSink) OnFailure(_ context.Context, _ domain.Instrument, _ domain.Stream, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
	return nil
}

func (s *captureSink) Forget(_ context.Context, inst domain.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgot = append(s.forgot, inst.TokenID)
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

const bookJSON = `{"bids":[["0.45","10"]],"asks":[["0.55","4"]]}`

func tradesJSON(ids ...string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf(`{"id":%q,"price":"0.5","size":"1","side":"BUY","timestamp":"%d"}`, id, 1_700_000_100-i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

type harness struct {
	p      *Poller
	f      *fakeFetcher
	store  *book.Store
	events *eventLog
	sink   *captureSink
}

func newHarness(t *testing.T, cfg Config, ic InstrumentConfig) *harness {
	t.Helper()
	h := &harness{
		f:      &fakeFetcher{books: []response{{body: bookJSON}}, trades: []response{{body: "[]"}}},
		store:  book.NewStore(),
		events: &eventLog{},
		sink:   &captureSink{},
	}
	h.p = New(cfg, h.f, normalize.New(), h.store, WithObserver(h.events), WithSinks(h.sink))
	require.NoError(t, h.p.Add(ic))
	return h
}

func defaultIC() InstrumentConfig {
	return InstrumentConfig{
		Instrument:    inst,
		BookInterval:  100 * time.Millisecond,
		TradeInterval: 200 * time.Millisecond,
		TradeLimit:    50,
		Retention:     100,
	}
}

func (h *harness) cycle(stream domain.Stream) *cycle {
	ir := h.p.running[inst.TokenID]
	if stream == domain.StreamBook {
		return ir.book
	}
	return ir.trades
}

func tradeIDs(trades []domain.TradeRecord) []string {
	out := make([]string, len(trades))
	for i, tr := range trades {
		out[i] = tr.TradeID
	}
	return out
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestBookTickApplies(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	h.p.tick(context.Background(), h.cycle(domain.StreamBook))

	st, err := h.store.Query(inst)
	require.NoError(t, err)
	require.True(t, st.HasBook)
	assert.Equal(t, "0.45", st.Book.Bids[0].Price.String())

	require.Len(t, h.sink.books, 1)
	status := h.cycle(domain.StreamBook).status()
	assert.Equal(t, StateIdle, status.State)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.False(t, status.LastSuccess.IsZero())
	assert.Empty(t, h.events.ofType(domain.EventFetchFailure))
}

func TestTradeTicksDedupeAndGap(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	h.f.trades = []response{
		{body: tradesJSON("t5", "t4", "t3")},
		{body: tradesJSON("t7", "t6", "t5", "t4")},
		{body: tradesJSON("t9", "t8")},
	}
	c := h.cycle(domain.StreamTrades)
	ctx := context.Background()

	h.p.tick(ctx, c)
	last, _ := h.store.LastTradeID(inst)
	assert.Equal(t, "t5", last)

	h.p.tick(ctx, c)
	last, _ = h.store.LastTradeID(inst)
	assert.Equal(t, "t7", last)
	assert.Empty(t, h.events.ofType(domain.EventTradeGap))

	h.p.tick(ctx, c)
	last, _ = h.store.LastTradeID(inst)
	assert.Equal(t, "t9", last)

	gaps := h.events.ofType(domain.EventTradeGap)
	require.Len(t, gaps, 1)
	assert.Equal(t, "t7", gaps[0].Attrs["last_seen_id"])

	require.Len(t, h.sink.trades, 3)
	assert.Equal(t, []string{"t3", "t4", "t5"}, tradeIDs(h.sink.trades[0]))
	assert.Equal(t, []string{"t6", "t7"}, tradeIDs(h.sink.trades[1]))
	assert.Equal(t, []string{"t8", "t9"}, tradeIDs(h.sink.trades[2]))

	st, err := h.store.Query(inst)
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t4", "t5", "t6", "t7", "t8", "t9"}, tradeIDs(st.Trades))
	assert.Equal(t, []int{50, 50, 50}, h.f.limits)
}

func TestTradeBatchTruncatedToLimit(t *testing.T) {
	ic := defaultIC()
	ic.TradeLimit = 2
	h := newHarness(t, DefaultConfig(), ic)
	h.f.trades = []response{{body: tradesJSON("c", "b", "a")}}

	h.p.tick(context.Background(), h.cycle(domain.StreamTrades))

	st, err := h.store.Query(inst)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, tradeIDs(st.Trades))
}

func TestFetchFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	c := h.cycle(domain.StreamBook)
	h.p.tick(context.Background(), c)
	before, err := h.store.Query(inst)
	require.NoError(t, err)

	h.f.books = []response{{err: &domain.FetchError{Kind: domain.FetchHTTPStatus, StatusCode: 502}}}
	h.p.tick(context.Background(), c)

	after, err := h.store.Query(inst)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	fails := h.events.ofType(domain.EventFetchFailure)
	require.Len(t, fails, 1)
	assert.Equal(t, "http_status", fails[0].Attrs["kind"])
	assert.Equal(t, 502, fails[0].Attrs["status_code"])
	assert.Equal(t, 1, c.status().ConsecutiveFailures)
	require.Len(t, h.sink.failures, 1, "failure recorders see failed ticks")
}

func TestParseFailureReported(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	h.f.books = []response{{body: `{"bids":[["0.6","1"]],"asks":[["0.5","1"]]}`}}

	h.p.tick(context.Background(), h.cycle(domain.StreamBook))

	_, err := h.store.Query(inst)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	fails := h.events.ofType(domain.EventParseFailure)
	require.Len(t, fails, 1)
	assert.Equal(t, "invalid_ordering", fails[0].Attrs["kind"])
	assert.Empty(t, h.sink.books)
}

func TestBackoffGrowsAndResets(t *testing.T) {
	cfg := Config{FailureThreshold: 2, BackoffFactor: 2, MaxBackoffMultiplier: 10}
	h := newHarness(t, cfg, defaultIC())
	c := h.cycle(domain.StreamBook)
	ctx := context.Background()

	h.f.books = []response{{err: &domain.FetchError{Kind: domain.FetchConnectionFailed, Err: errors.New("refused")}}}

	var intervals []time.Duration
	for i := 0; i < 7; i++ {
		h.p.tick(ctx, c)
		intervals = append(intervals, c.currentInterval())
	}
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{100 * ms, 100 * ms, 200 * ms, 400 * ms, 800 * ms, 1000 * ms, 1000 * ms}, intervals)
	assert.Len(t, h.events.ofType(domain.EventBackoffChange), 4)

	h.f.books = []response{{body: bookJSON}}
	h.p.tick(ctx, c)
	assert.Equal(t, 100*ms, c.currentInterval())
	changes := h.events.ofType(domain.EventBackoffChange)
	require.Len(t, changes, 5)
	assert.Equal(t, int64(100), changes[4].Attrs["interval_ms"])
	assert.Equal(t, int64(1000), changes[4].Attrs["previous_ms"])

	// Backoff restarts from the first step after a reset.
	h.f.books = []response{{err: &domain.FetchError{Kind: domain.FetchTimeout}}}
	for i := 0; i < 3; i++ {
		h.p.tick(ctx, c)
	}
	assert.Equal(t, 200*ms, c.currentInterval())
}

func TestStaleSnapshotReportedAsApplyRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	// Store the newest book first, then a parser handing back an older one.
	newer := domain.BookSnapshot{Instrument: inst, CapturedAt: time.Now().Add(time.Hour)}
	require.NoError(t, h.store.ApplySnapshot(newer))

	h.p.tick(context.Background(), h.cycle(domain.StreamBook))

	rejected := h.events.ofType(domain.EventApplyRejected)
	require.Len(t, rejected, 1)
	assert.Empty(t, h.sink.books)
	assert.Zero(t, h.cycle(domain.StreamBook).status().ConsecutiveFailures)
}

func TestSinkFailureDoesNotAffectStore(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	h.sink.err = errors.New("disk full")

	h.p.tick(context.Background(), h.cycle(domain.StreamBook))

	_, err := h.store.Query(inst)
	require.NoError(t, err)
	fails := h.events.ofType(domain.EventSinkFailure)
	require.Len(t, fails, 1)
	assert.Equal(t, "capture", fails[0].Attrs["sink"])
}

func TestCancelledFetchAppliesNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	h.f.block = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.p.tick(ctx, h.cycle(domain.StreamBook))
		close(done)
	}()
	cancel()
	<-done

	_, err := h.store.Query(inst)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.events.ofType(domain.EventFetchFailure), "abandoned ticks are not failures")
}

func TestAddValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	assert.ErrorIs(t, h.p.Add(defaultIC()), domain.ErrInvalidArgument, "duplicate instrument")

	bad := defaultIC()
	bad.Instrument = domain.NewInstrument("777")
	bad.TradeLimit = 0
	assert.ErrorIs(t, h.p.Add(bad), domain.ErrInvalidArgument)

	bad = defaultIC()
	bad.Instrument = domain.NewInstrument("778")
	bad.BookInterval = 0
	assert.ErrorIs(t, h.p.Add(bad), domain.ErrInvalidArgument)
}

func TestRunAddRemove(t *testing.T) {
	ic := defaultIC()
	ic.BookInterval = 5 * time.Millisecond
	ic.TradeInterval = 5 * time.Millisecond
	h := newHarness(t, DefaultConfig(), ic)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		st, err := h.store.Query(inst)
		return err == nil && st.HasBook
	}, 2*time.Second, 5*time.Millisecond)

	second := domain.NewInstrument("5151")
	ic2 := ic
	ic2.Instrument = second
	require.NoError(t, h.p.Add(ic2))
	assert.Eventually(t, func() bool {
		_, err := h.store.Query(second)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.p.Status(), 4)

	require.True(t, h.p.Remove(ctx, inst))
	calls := h.f.bookCalls.Load()
	time.Sleep(30 * time.Millisecond)
	// Only the second instrument keeps polling.
	assert.Greater(t, h.f.bookCalls.Load(), calls)
	assert.Len(t, h.p.Status(), 2)

	_, err := h.store.Query(inst)
	assert.ErrorIs(t, err, domain.ErrNotFound, "store state destroyed")
	assert.Equal(t, []domain.Instrument{second}, h.store.Instruments())
	h.sink.mu.Lock()
	assert.Equal(t, []string{inst.TokenID}, h.sink.forgot)
	h.sink.mu.Unlock()
	assert.False(t, h.p.Remove(ctx, inst))

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Error(t, h.p.Run(context.Background()), "a poller runs once")
}

func TestRemoveBeforeRun(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	require.Equal(t, []domain.Instrument{inst}, h.store.Instruments())

	assert.True(t, h.p.Remove(context.Background(), inst))
	assert.Empty(t, h.store.Instruments())
	assert.Empty(t, h.p.Status())
	assert.Equal(t, []string{inst.TokenID}, h.sink.forgot)

	// The instrument can be configured again afterwards.
	require.NoError(t, h.p.Add(defaultIC()))
	assert.Len(t, h.p.Status(), 2)
}

func TestStatusOrdering(t *testing.T) {
	h := newHarness(t, DefaultConfig(), defaultIC())
	ic := defaultIC()
	ic.Instrument = domain.NewInstrument("1000")
	require.NoError(t, h.p.Add(ic))

	st := h.p.Status()
	require.Len(t, st, 4)
	assert.Equal(t, "1000", st[0].Instrument.TokenID)
	assert.Equal(t, domain.StreamBook, st[0].Stream)
	assert.Equal(t, domain.StreamTrades, st[1].Stream)
	assert.Equal(t, int64(200), st[1].IntervalMS)
	assert.Equal(t, "4242", st[2].Instrument.TokenID)
	assert.Equal(t, StateIdle, st[2].State)
}
