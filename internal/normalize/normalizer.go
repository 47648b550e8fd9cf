// Package normalize converts raw CLOB payloads into validated domain values.
// A payload is either accepted whole or rejected with a *domain.ParseError;
// nothing is partially returned.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
)

// Normalizer parses book and trade payloads. It is safe for concurrent use.
// Capture times it assigns are strictly increasing per instrument.
type Normalizer struct {
	now func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the wall clock used for CapturedAt.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:  time.Now,
		last: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ParseBook decodes a GET /book payload into a BookSnapshot for inst.
func (n *Normalizer) ParseBook(raw []byte, inst domain.Instrument) (domain.BookSnapshot, error) {
	var resp polymarket.BookResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.BookSnapshot{}, malformed(err)
	}
	if resp.Bids == nil {
		return domain.BookSnapshot{}, missing("bids")
	}
	if resp.Asks == nil {
		return domain.BookSnapshot{}, missing("asks")
	}
	if resp.AssetID != "" && resp.AssetID != inst.TokenID {
		return domain.BookSnapshot{}, &domain.ParseError{
			Kind:  domain.ParseInvalidValue,
			Field: "asset_id",
			Err:   fmt.Errorf("payload is for %s, requested %s", resp.AssetID, inst.TokenID),
		}
	}

	bids, err := parseLevels(*resp.Bids, "bids")
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	asks, err := parseLevels(*resp.Asks, "asks")
	if err != nil {
		return domain.BookSnapshot{}, err
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	if err := checkDistinct(bids, "bids"); err != nil {
		return domain.BookSnapshot{}, err
	}
	if err := checkDistinct(asks, "asks"); err != nil {
		return domain.BookSnapshot{}, err
	}
	if len(bids) > 0 && len(asks) > 0 && bids[0].Price.GreaterThanOrEqual(asks[0].Price) {
		return domain.BookSnapshot{}, &domain.ParseError{
			Kind: domain.ParseInvalidOrdering,
			Err:  fmt.Errorf("crossed book: best bid %s >= best ask %s", bids[0].Price, asks[0].Price),
		}
	}

	return domain.BookSnapshot{
		Instrument: inst,
		Bids:       bids,
		Asks:       asks,
		CapturedAt: n.captureTime(inst),
		Hash:       resp.Hash,
	}, nil
}

// ParseTrades decodes a GET /trades payload. Order is preserved as received,
// newest first.
func (n *Normalizer) ParseTrades(raw []byte, inst domain.Instrument) ([]domain.TradeRecord, error) {
	elems, ok, err := polymarket.DecodeTradeElements(raw)
	if err != nil {
		return nil, malformed(err)
	}
	if !ok {
		return nil, missing("data")
	}

	trades := make([]domain.TradeRecord, 0, len(elems))
	seen := make(map[string]struct{}, len(elems))
	for i, elem := range elems {
		var at polymarket.APITrade
		if err := json.Unmarshal(elem, &at); err != nil {
			return nil, malformed(fmt.Errorf("trade %d: %w", i, err))
		}
		tr, err := toTradeRecord(at, i)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[tr.TradeID]; dup {
			return nil, &domain.ParseError{
				Kind: domain.ParseInvalidOrdering,
				Err:  fmt.Errorf("duplicate trade id %q", tr.TradeID),
			}
		}
		seen[tr.TradeID] = struct{}{}
		if i > 0 && tr.Timestamp.After(trades[i-1].Timestamp) {
			return nil, &domain.ParseError{
				Kind: domain.ParseInvalidOrdering,
				Err:  fmt.Errorf("trade %q is newer than its predecessor %q", tr.TradeID, trades[i-1].TradeID),
			}
		}
		trades = append(trades, tr)
	}
	return trades, nil
}

// Forget drops the capture-time watermark of inst.
func (n *Normalizer) Forget(_ context.Context, inst domain.Instrument) error {
	n.mu.Lock()
	delete(n.last, inst.TokenID)
	n.mu.Unlock()
	return nil
}

func (n *Normalizer) captureTime(inst domain.Instrument) time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := n.now().UTC()
	if last, ok := n.last[inst.TokenID]; ok && !t.After(last) {
		t = last.Add(time.Nanosecond)
	}
	n.last[inst.TokenID] = t
	return t
}

// --------------------------------------------------------------------------
// Field conversion
// --------------------------------------------------------------------------

func parseLevels(in []polymarket.APIPriceLevel, side string) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(in))
	for i, lvl := range in {
		prefix := fmt.Sprintf("%s[%d].", side, i)
		price, err := parseDecimal(lvl.Price, prefix+"price")
		if err != nil {
			return nil, err
		}
		size, err := parseDecimal(lvl.Size, prefix+"size")
		if err != nil {
			return nil, err
		}
		if size.IsZero() {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

// checkDistinct expects levels already sorted.
func checkDistinct(levels []domain.PriceLevel, side string) error {
	for i := 1; i < len(levels); i++ {
		if levels[i].Price.Equal(levels[i-1].Price) {
			return &domain.ParseError{
				Kind: domain.ParseInvalidOrdering,
				Err:  fmt.Errorf("duplicate %s price %s", side, levels[i].Price),
			}
		}
	}
	return nil
}

func toTradeRecord(at polymarket.APITrade, idx int) (domain.TradeRecord, error) {
	prefix := fmt.Sprintf("trades[%d].", idx)
	for _, f := range []struct {
		name string
		v    polymarket.FlexString
	}{
		{"id", at.ID}, {"price", at.Price}, {"size", at.Size}, {"side", at.Side}, {"timestamp", at.Timestamp},
	} {
		if !f.v.Set || f.v.Value == "" {
			return domain.TradeRecord{}, missing(prefix + f.name)
		}
	}

	price, err := parseDecimal(at.Price, prefix+"price")
	if err != nil {
		return domain.TradeRecord{}, err
	}
	size, err := parseDecimal(at.Size, prefix+"size")
	if err != nil {
		return domain.TradeRecord{}, err
	}

	var side domain.Side
	switch strings.ToLower(strings.TrimSpace(at.Side.Value)) {
	case "buy":
		side = domain.SideBuy
	case "sell":
		side = domain.SideSell
	default:
		return domain.TradeRecord{}, invalid(prefix+"side", fmt.Errorf("unknown side %q", at.Side.Value))
	}

	ts, err := ParseTimestamp(at.Timestamp.Value)
	if err != nil {
		return domain.TradeRecord{}, invalid(prefix+"timestamp", err)
	}

	return domain.TradeRecord{
		TradeID:   at.ID.Value,
		Price:     price,
		Size:      size,
		Side:      side,
		Timestamp: ts,
	}, nil
}

func parseDecimal(f polymarket.FlexString, field string) (decimal.Decimal, error) {
	if !f.Set || f.Value == "" {
		return decimal.Decimal{}, missing(field)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(f.Value))
	if err != nil {
		return decimal.Decimal{}, invalid(field, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, invalid(field, errors.New("negative value"))
	}
	return d, nil
}

func malformed(err error) error {
	return &domain.ParseError{Kind: domain.ParseMalformedJSON, Err: err}
}

func missing(field string) error {
	return &domain.ParseError{Kind: domain.ParseMissingField, Field: field}
}

func invalid(field string, err error) error {
	return &domain.ParseError{Kind: domain.ParseInvalidValue, Field: field, Err: err}
}
