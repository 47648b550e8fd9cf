// Package book holds the authoritative in-memory order-book view of every
// configured instrument.
package book

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/deque"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// DefaultRetention is the trade-log bound used when Configure is given a
// non-positive retention.
const DefaultRetention = 1000

// Store is safe for concurrent use. A registry lock guards the instrument map
// and each instrument has its own lock, so applies to different instruments
// never contend and readers always see a whole apply or none of it.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu sync.RWMutex

	inst      domain.Instrument
	retention int
	applied   bool

	book    domain.BookSnapshot
	hasBook bool

	trades      deque.Deque[domain.TradeRecord]
	ids         map[string]struct{}
	lastTradeID string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Configure registers inst with the given trade retention bound. Configuring
// an instrument that already exists only updates its retention, evicting the
// oldest trades if the bound shrank.
func (s *Store) Configure(inst domain.Instrument, retention int) error {
	if err := inst.Validate(); err != nil {
		return fmt.Errorf("book: configure: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[inst.TokenID]; ok {
		e.mu.Lock()
		e.retention = retention
		e.evict()
		e.mu.Unlock()
		return nil
	}
	s.entries[inst.TokenID] = &entry{
		inst:      inst,
		retention: retention,
		ids:       make(map[string]struct{}),
	}
	return nil
}

// Remove destroys all state for inst. It reports whether inst was configured.
func (s *Store) Remove(inst domain.Instrument) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[inst.TokenID]
	delete(s.entries, inst.TokenID)
	return ok
}

// ApplySnapshot replaces the stored book of snap.Instrument wholesale. A
// snapshot whose CapturedAt is not strictly newer than the stored one is
// discarded with domain.ErrStaleSnapshot and leaves state unchanged.
func (s *Store) ApplySnapshot(snap domain.BookSnapshot) error {
	e, err := s.lookup(snap.Instrument)
	if err != nil {
		return fmt.Errorf("book: apply snapshot: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasBook && !snap.CapturedAt.After(e.book.CapturedAt) {
		return fmt.Errorf("book: apply snapshot %s captured %s, stored %s: %w",
			snap.Instrument, snap.CapturedAt, e.book.CapturedAt, domain.ErrStaleSnapshot)
	}
	e.book = snap.Clone()
	e.hasBook = true
	e.applied = true
	return nil
}

// ApplyNewTrades appends trades, ordered oldest to newest, to the bounded log
// of inst. Trade ids already retained are skipped. The oldest trades beyond
// the retention bound are evicted and LastTradeID advances to the id of the
// newest record in trades. It returns the number of trades appended.
func (s *Store) ApplyNewTrades(inst domain.Instrument, trades []domain.TradeRecord) (int, error) {
	e, err := s.lookup(inst)
	if err != nil {
		return 0, fmt.Errorf("book: apply trades: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	appended := 0
	for _, tr := range trades {
		if _, dup := e.ids[tr.TradeID]; dup {
			continue
		}
		e.trades.PushBack(tr)
		e.ids[tr.TradeID] = struct{}{}
		appended++
	}
	e.evict()
	if len(trades) > 0 {
		e.lastTradeID = trades[len(trades)-1].TradeID
	}
	e.applied = true
	return appended, nil
}

// Query returns a consistent deep copy of the state of inst. It returns
// domain.ErrNotFound for an unconfigured instrument or one that has not had
// a successful apply yet.
func (s *Store) Query(inst domain.Instrument) (domain.OrderBookState, error) {
	e, err := s.lookup(inst)
	if err != nil {
		return domain.OrderBookState{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.applied {
		return domain.OrderBookState{}, fmt.Errorf("book: %s has no data yet: %w", inst, domain.ErrNotFound)
	}
	state := domain.OrderBookState{
		Instrument:  e.inst,
		HasBook:     e.hasBook,
		LastTradeID: e.lastTradeID,
		Trades:      e.tradesFrom(0),
	}
	if e.hasBook {
		state.Book = e.book.Clone()
	}
	return state, nil
}

// GetBook is an alias of Query.
func (s *Store) GetBook(inst domain.Instrument) (domain.OrderBookState, error) {
	return s.Query(inst)
}

// GetTradesSince returns the retained trades strictly after tradeID, oldest
// first. An empty tradeID, or one that is no longer retained, yields every
// retained trade.
func (s *Store) GetTradesSince(inst domain.Instrument, tradeID string) ([]domain.TradeRecord, error) {
	e, err := s.lookup(inst)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.applied {
		return nil, fmt.Errorf("book: %s has no data yet: %w", inst, domain.ErrNotFound)
	}
	start := 0
	if _, retained := e.ids[tradeID]; tradeID != "" && retained {
		for i := e.trades.Len() - 1; i >= 0; i-- {
			if e.trades.At(i).TradeID == tradeID {
				start = i + 1
				break
			}
		}
	}
	return e.tradesFrom(start), nil
}

// LastTradeID returns the id of the newest applied trade of inst. ok is false
// when inst is unconfigured or no trade has been applied.
func (s *Store) LastTradeID(inst domain.Instrument) (id string, ok bool) {
	e, err := s.lookup(inst)
	if err != nil {
		return "", false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastTradeID, e.lastTradeID != ""
}

// Retention returns the trade-log bound of inst.
func (s *Store) Retention(inst domain.Instrument) (int, bool) {
	e, err := s.lookup(inst)
	if err != nil {
		return 0, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.retention, true
}

// Instruments lists the configured instruments ordered by token id.
func (s *Store) Instruments() []domain.Instrument {
	s.mu.RLock()
	out := make([]domain.Instrument, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.inst)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

func (s *Store) lookup(inst domain.Instrument) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[inst.TokenID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("book: instrument %s not configured: %w", inst, domain.ErrNotFound)
	}
	return e, nil
}

// evict drops the oldest trades beyond the retention bound. Caller holds e.mu.
func (e *entry) evict() {
	for e.trades.Len() > e.retention {
		old := e.trades.PopFront()
		delete(e.ids, old.TradeID)
	}
}

// tradesFrom copies the retained trades from index start. Caller holds e.mu.
func (e *entry) tradesFrom(start int) []domain.TradeRecord {
	n := e.trades.Len()
	if start >= n {
		return []domain.TradeRecord{}
	}
	out := make([]domain.TradeRecord, 0, n-start)
	for i := start; i < n; i++ {
		out = append(out, e.trades.At(i))
	}
	return out
}
