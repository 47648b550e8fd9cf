package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeRecord is a single normalized trade print. TradeID is assigned by the
// source and is unique within an instrument's trade stream.
type TradeRecord struct {
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}
