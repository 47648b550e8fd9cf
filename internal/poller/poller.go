// Package poller schedules the book and trade polling cycles of every
// configured instrument and drives fetched payloads through normalization,
// deduplication and the book store.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polybook/internal/dedupe"
	"github.com/alanyoungcy/polybook/internal/domain"
)

// Fetcher retrieves raw payloads from the CLOB.
type Fetcher interface {
	FetchBook(ctx context.Context, inst domain.Instrument) ([]byte, error)
	FetchTrades(ctx context.Context, inst domain.Instrument, limit int) ([]byte, error)
}

// Parser converts raw payloads into domain values.
type Parser interface {
	ParseBook(raw []byte, inst domain.Instrument) (domain.BookSnapshot, error)
	ParseTrades(raw []byte, inst domain.Instrument) ([]domain.TradeRecord, error)
}

// Store is the subset of the book store the poller writes to.
type Store interface {
	Configure(inst domain.Instrument, retention int) error
	Remove(inst domain.Instrument) bool
	ApplySnapshot(snap domain.BookSnapshot) error
	ApplyNewTrades(inst domain.Instrument, trades []domain.TradeRecord) (int, error)
	LastTradeID(inst domain.Instrument) (string, bool)
}

// Config holds the backoff policy shared by every cycle.
type Config struct {
	FailureThreshold     int     // consecutive failures tolerated at base interval (default: 5)
	BackoffFactor        float64 // interval multiplier per further failure (default: 2)
	MaxBackoffMultiplier float64 // ceiling as a multiple of the base interval (default: 10)
}

// DefaultConfig returns the default backoff policy.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		BackoffFactor:        2,
		MaxBackoffMultiplier: 10,
	}
}

// InstrumentConfig describes how one instrument is polled.
type InstrumentConfig struct {
	Instrument    domain.Instrument
	BookInterval  time.Duration
	TradeInterval time.Duration
	TradeLimit    int
	Retention     int
}

// Validate checks the fields the poller depends on.
func (ic InstrumentConfig) Validate() error {
	if err := ic.Instrument.Validate(); err != nil {
		return err
	}
	if ic.BookInterval <= 0 || ic.TradeInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive for %s", domain.ErrInvalidArgument, ic.Instrument)
	}
	if ic.TradeLimit <= 0 {
		return fmt.Errorf("%w: trade limit must be positive for %s", domain.ErrInvalidArgument, ic.Instrument)
	}
	return nil
}

// Option configures a Poller.
type Option func(*Poller)

// WithSinks sets the data sinks that receive applied books and trades.
func WithSinks(sinks ...domain.Sink) Option {
	return func(p *Poller) {
		p.sinks = append(p.sinks, sinks...)
	}
}

// WithObserver sets the observer that receives structured events.
func WithObserver(o domain.Observer) Option {
	return func(p *Poller) {
		p.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithClock overrides the clock used for attempt and success times.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// Poller runs one book cycle and one trade cycle per instrument. Cycles are
// independent: a failing instrument or stream never delays another.
type Poller struct {
	cfg      Config
	fetcher  Fetcher
	parser   Parser
	store    Store
	sinks    []domain.Sink
	observer domain.Observer
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	runCtx  context.Context
	running map[string]*instrumentRun
	wg      sync.WaitGroup
}

type instrumentRun struct {
	cfg    InstrumentConfig
	book   *cycle
	trades *cycle
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Poller. Zero fields of cfg take their defaults.
func New(cfg Config, fetcher Fetcher, parser Parser, store Store, opts ...Option) *Poller {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.MaxBackoffMultiplier < 1 {
		cfg.MaxBackoffMultiplier = def.MaxBackoffMultiplier
	}
	p := &Poller{
		cfg:      cfg,
		fetcher:  fetcher,
		parser:   parser,
		store:    store,
		observer: domain.ObserverFunc(func(context.Context, domain.Event) {}),
		logger:   slog.Default(),
		now:      time.Now,
		running:  make(map[string]*instrumentRun),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "poller"))
	return p
}

// Add registers an instrument, configuring it in the store. If the poller is
// already running its cycles start immediately.
func (p *Poller) Add(ic InstrumentConfig) error {
	if err := ic.Validate(); err != nil {
		return fmt.Errorf("poller: add: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.running[ic.Instrument.TokenID]; exists {
		return fmt.Errorf("poller: add: %s already polled: %w", ic.Instrument, domain.ErrInvalidArgument)
	}
	if err := p.store.Configure(ic.Instrument, ic.Retention); err != nil {
		return fmt.Errorf("poller: add: %w", err)
	}
	ir := &instrumentRun{
		cfg:    ic,
		book:   newCycle(ic.Instrument, domain.StreamBook, ic.BookInterval, 0, p.cfg),
		trades: newCycle(ic.Instrument, domain.StreamTrades, ic.TradeInterval, ic.TradeLimit, p.cfg),
	}
	p.running[ic.Instrument.TokenID] = ir
	if p.runCtx != nil {
		p.startLocked(ir)
	}
	return nil
}

// Remove deconfigures inst: it stops its cycles and waits for them to exit,
// destroys its store state, and releases the per-instrument state of the
// parser and of every sink implementing domain.Forgetter. An in-flight fetch
// is abandoned and nothing from it is applied. It reports whether inst was
// known.
func (p *Poller) Remove(ctx context.Context, inst domain.Instrument) bool {
	p.mu.Lock()
	ir, running := p.running[inst.TokenID]
	delete(p.running, inst.TokenID)
	p.mu.Unlock()
	if running && ir.cancel != nil {
		ir.cancel()
		<-ir.done
	}
	stored := p.store.Remove(inst)
	if !running && !stored {
		return false
	}

	if f, ok := p.parser.(domain.Forgetter); ok {
		p.forget(ctx, inst, "parser", f)
	}
	for _, s := range p.sinks {
		if f, ok := s.(domain.Forgetter); ok {
			p.forget(ctx, inst, s.Name(), f)
		}
	}
	p.logger.InfoContext(ctx, "instrument removed", slog.String("token_id", inst.TokenID))
	return true
}

func (p *Poller) forget(ctx context.Context, inst domain.Instrument, name string, f domain.Forgetter) {
	if err := f.Forget(ctx, inst); err != nil {
		p.logger.WarnContext(ctx, "forget failed",
			slog.String("token_id", inst.TokenID),
			slog.String("target", name),
			slog.String("error", err.Error()))
	}
}

// Run starts every registered instrument and blocks until ctx is cancelled
// and all cycles have exited.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.runCtx != nil {
		p.mu.Unlock()
		return errors.New("poller: already running")
	}
	p.runCtx = ctx
	for _, ir := range p.running {
		p.startLocked(ir)
	}
	n := len(p.running)
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "poller started", slog.Int("instruments", n))
	<-ctx.Done()
	p.wg.Wait()
	p.logger.Info("poller stopped")
	return nil
}

// Status returns the status of every cycle ordered by token id, book first.
func (p *Poller) Status() []CycleStatus {
	p.mu.Lock()
	runs := make([]*instrumentRun, 0, len(p.running))
	for _, ir := range p.running {
		runs = append(runs, ir)
	}
	p.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].cfg.Instrument.TokenID < runs[j].cfg.Instrument.TokenID
	})
	out := make([]CycleStatus, 0, 2*len(runs))
	for _, ir := range runs {
		out = append(out, ir.book.status(), ir.trades.status())
	}
	return out
}

// startLocked launches the cycles of ir. Caller holds p.mu.
func (p *Poller) startLocked(ir *instrumentRun) {
	ictx, cancel := context.WithCancel(p.runCtx)
	ir.cancel = cancel
	ir.done = make(chan struct{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(ir.done)
		defer cancel()

		g, gctx := errgroup.WithContext(ictx)
		g.Go(func() error { return p.runCycle(gctx, ir.book) })
		g.Go(func() error { return p.runCycle(gctx, ir.trades) })
		if err := g.Wait(); err != nil {
			p.logger.Error("instrument cycles stopped with error",
				slog.String("token_id", ir.cfg.Instrument.TokenID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// runCycle ticks immediately, then waits the cycle's effective interval
// between ticks until ctx is cancelled.
func (p *Poller) runCycle(ctx context.Context, c *cycle) error {
	for {
		p.tick(ctx, c)

		timer := time.NewTimer(c.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// tick performs one Fetching -> Normalizing -> Applying pass.
func (p *Poller) tick(ctx context.Context, c *cycle) {
	c.begin(p.now())
	defer c.setState(StateIdle)

	var err error
	switch c.stream {
	case domain.StreamBook:
		err = p.pollBook(ctx, c)
	case domain.StreamTrades:
		err = p.pollTrades(ctx, c)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.onFailure(ctx, c, err)
		return
	}
	p.onSuccess(ctx, c)
}

func (p *Poller) pollBook(ctx context.Context, c *cycle) error {
	raw, err := p.fetcher.FetchBook(ctx, c.inst)
	if err != nil {
		return err
	}

	c.setState(StateNormalizing)
	snap, err := p.parser.ParseBook(raw, c.inst)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.setState(StateApplying)
	if err := p.store.ApplySnapshot(snap); err != nil {
		p.emit(ctx, domain.NewEvent(domain.EventApplyRejected, c.inst, c.stream, err.Error()).
			With("captured_at", snap.CapturedAt))
		return nil
	}

	for _, s := range p.sinks {
		if err := s.OnBook(ctx, snap); err != nil {
			p.sinkFailed(ctx, c, s, err)
		}
	}
	return nil
}

func (p *Poller) pollTrades(ctx context.Context, c *cycle) error {
	raw, err := p.fetcher.FetchTrades(ctx, c.inst, c.limit)
	if err != nil {
		return err
	}

	c.setState(StateNormalizing)
	batch, err := p.parser.ParseTrades(raw, c.inst)
	if err != nil {
		return err
	}
	if len(batch) > c.limit {
		batch = batch[:c.limit]
	}

	last, _ := p.store.LastTradeID(c.inst)
	fresh, err := dedupe.Dedupe(batch, last)
	if err != nil {
		var gap *domain.TradeGapError
		if !errors.As(err, &gap) {
			return err
		}
		p.emit(ctx, domain.NewEvent(domain.EventTradeGap, c.inst, c.stream, gap.Error()).
			With("last_seen_id", gap.LastSeenID).
			With("batch_size", len(batch)))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.setState(StateApplying)
	appended, err := p.store.ApplyNewTrades(c.inst, fresh)
	if err != nil {
		p.emit(ctx, domain.NewEvent(domain.EventApplyRejected, c.inst, c.stream, err.Error()))
		return nil
	}
	if appended > 0 {
		p.logger.Debug("trades applied",
			slog.String("token_id", c.inst.TokenID),
			slog.Int("appended", appended),
			slog.Int("batch", len(batch)),
		)
	}

	if len(fresh) == 0 {
		return nil
	}
	for _, s := range p.sinks {
		if err := s.OnTrades(ctx, c.inst, fresh); err != nil {
			p.sinkFailed(ctx, c, s, err)
		}
	}
	return nil
}

func (p *Poller) onFailure(ctx context.Context, c *cycle, err error) {
	typ := domain.EventFetchFailure
	if errors.Is(err, domain.ErrParse) {
		typ = domain.EventParseFailure
	}
	evt := domain.NewEvent(typ, c.inst, c.stream, err.Error())
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		evt = evt.With("kind", string(fe.Kind))
		if fe.StatusCode != 0 {
			evt = evt.With("status_code", fe.StatusCode)
		}
	}
	var pe *domain.ParseError
	if errors.As(err, &pe) {
		evt = evt.With("kind", string(pe.Kind))
	}

	prev, next, failures := c.fail(err, p.cfg.FailureThreshold)
	p.emit(ctx, evt.With("consecutive_failures", failures))

	for _, s := range p.sinks {
		if fr, ok := s.(domain.FailureRecorder); ok {
			if rerr := fr.OnFailure(ctx, c.inst, c.stream, err); rerr != nil {
				p.sinkFailed(ctx, c, s, rerr)
			}
		}
	}

	if next != prev {
		p.emit(ctx, domain.NewEvent(domain.EventBackoffChange, c.inst, c.stream,
			fmt.Sprintf("interval raised to %s after %d consecutive failures", next, failures)).
			With("previous_ms", prev.Milliseconds()).
			With("interval_ms", next.Milliseconds()).
			With("consecutive_failures", failures))
	}
}

func (p *Poller) onSuccess(ctx context.Context, c *cycle) {
	prev, next := c.succeed(p.now())
	if next != prev {
		p.emit(ctx, domain.NewEvent(domain.EventBackoffChange, c.inst, c.stream,
			fmt.Sprintf("interval reset to %s", next)).
			With("previous_ms", prev.Milliseconds()).
			With("interval_ms", next.Milliseconds()).
			With("consecutive_failures", 0))
	}
}

func (p *Poller) sinkFailed(ctx context.Context, c *cycle, s domain.Sink, err error) {
	p.emit(ctx, domain.NewEvent(domain.EventSinkFailure, c.inst, c.stream, err.Error()).
		With("sink", s.Name()))
}

func (p *Poller) emit(ctx context.Context, evt domain.Event) {
	p.observer.Observe(ctx, evt)
}
