package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price+size entry in an orderbook. A zero size means
// the level is removed; normalized snapshots never carry zero-size levels.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSnapshot is a complete point-in-time orderbook for an instrument. Bids
// are ordered by descending price and asks by ascending price.
type BookSnapshot struct {
	Instrument Instrument   `json:"instrument"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	CapturedAt time.Time    `json:"captured_at"`
	Hash       string       `json:"hash,omitempty"`
}

// BestBid returns the highest bid level, if any.
func (s BookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level, if any.
func (s BookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Mid returns the midpoint of the best bid and ask. ok is false unless both
// sides are populated.
func (s BookSnapshot) Mid() (mid decimal.Decimal, ok bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns best ask minus best bid. ok is false unless both sides are
// populated.
func (s BookSnapshot) Spread() (spread decimal.Decimal, ok bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Clone returns a deep copy whose level slices share nothing with s.
func (s BookSnapshot) Clone() BookSnapshot {
	out := s
	out.Bids = cloneLevels(s.Bids)
	out.Asks = cloneLevels(s.Asks)
	return out
}

func cloneLevels(levels []PriceLevel) []PriceLevel {
	if levels == nil {
		return nil
	}
	out := make([]PriceLevel, len(levels))
	copy(out, levels)
	return out
}

// OrderBookState is the per-instrument state held by the book store. Values
// handed to consumers are always detached copies.
type OrderBookState struct {
	Instrument  Instrument    `json:"instrument"`
	Book        BookSnapshot  `json:"book"`
	HasBook     bool          `json:"has_book"`
	LastTradeID string        `json:"last_trade_id,omitempty"`
	Trades      []TradeRecord `json:"trades"`
}

// CapturedAt returns the capture time of the current book, or the zero time if
// no book has been applied yet. Consumers use it to detect stale instruments.
func (s OrderBookState) CapturedAt() time.Time {
	if !s.HasBook {
		return time.Time{}
	}
	return s.Book.CapturedAt
}
