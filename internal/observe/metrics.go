package observe

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Metrics exports ingestion metrics on a private registry. It is both an
// observer (event counters, backoff intervals) and a sink (applied books and
// trades, top of book, capture time for staleness alerts).
type Metrics struct {
	reg *prometheus.Registry

	events          *prometheus.CounterVec
	intervalSeconds *prometheus.GaugeVec
	booksApplied    *prometheus.CounterVec
	tradesApplied   *prometheus.CounterVec
	bestBid         *prometheus.GaugeVec
	bestAsk         *prometheus.GaugeVec
	spread          *prometheus.GaugeVec
	capturedAt      *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polybook_events_total",
			Help: "Structured ingestion events by type and stream.",
		}, []string{"type", "stream"}),
		intervalSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polybook_poll_interval_seconds",
			Help: "Effective polling interval after backoff.",
		}, []string{"token_id", "stream"}),
		booksApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polybook_books_applied_total",
			Help: "Book snapshots applied to the store.",
		}, []string{"token_id"}),
		tradesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polybook_trades_applied_total",
			Help: "New trades applied to the store.",
		}, []string{"token_id"}),
		bestBid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polybook_best_bid",
			Help: "Best bid price of the latest applied book.",
		}, []string{"token_id"}),
		bestAsk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polybook_best_ask",
			Help: "Best ask price of the latest applied book.",
		}, []string{"token_id"}),
		spread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polybook_spread",
			Help: "Best ask minus best bid of the latest applied book.",
		}, []string{"token_id"}),
		capturedAt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polybook_book_captured_timestamp_seconds",
			Help: "Capture time of the latest applied book.",
		}, []string{"token_id"}),
	}
	m.reg.MustRegister(
		m.events, m.intervalSeconds, m.booksApplied, m.tradesApplied,
		m.bestBid, m.bestAsk, m.spread, m.capturedAt,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe implements domain.Observer.
func (m *Metrics) Observe(_ context.Context, evt domain.Event) {
	m.events.WithLabelValues(string(evt.Type), string(evt.Stream)).Inc()
	if evt.Type != domain.EventBackoffChange {
		return
	}
	if ms, ok := evt.Attrs["interval_ms"].(int64); ok {
		m.intervalSeconds.WithLabelValues(evt.Instrument.TokenID, string(evt.Stream)).Set(float64(ms) / 1000)
	}
}

// Name implements domain.Sink.
func (m *Metrics) Name() string { return "metrics" }

// OnBook implements domain.Sink.
func (m *Metrics) OnBook(_ context.Context, snap domain.BookSnapshot) error {
	id := snap.Instrument.TokenID
	m.booksApplied.WithLabelValues(id).Inc()
	m.capturedAt.WithLabelValues(id).Set(float64(snap.CapturedAt.UnixNano()) / 1e9)
	if bid, ok := snap.BestBid(); ok {
		m.bestBid.WithLabelValues(id).Set(bid.Price.InexactFloat64())
	}
	if ask, ok := snap.BestAsk(); ok {
		m.bestAsk.WithLabelValues(id).Set(ask.Price.InexactFloat64())
	}
	if s, ok := snap.Spread(); ok {
		m.spread.WithLabelValues(id).Set(s.InexactFloat64())
	}
	return nil
}

// OnTrades implements domain.Sink.
func (m *Metrics) OnTrades(_ context.Context, inst domain.Instrument, trades []domain.TradeRecord) error {
	m.tradesApplied.WithLabelValues(inst.TokenID).Add(float64(len(trades)))
	return nil
}

// Forget deletes the per-instrument series of inst.
func (m *Metrics) Forget(_ context.Context, inst domain.Instrument) error {
	id := inst.TokenID
	for _, v := range []*prometheus.GaugeVec{m.bestBid, m.bestAsk, m.spread, m.capturedAt} {
		v.DeleteLabelValues(id)
	}
	m.booksApplied.DeleteLabelValues(id)
	m.tradesApplied.DeleteLabelValues(id)
	for _, s := range []domain.Stream{domain.StreamBook, domain.StreamTrades} {
		m.intervalSeconds.DeleteLabelValues(id, string(s))
	}
	return nil
}
