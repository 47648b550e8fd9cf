package domain

import (
	"fmt"
	"strings"
)

// Instrument identifies a single tradable CLOB token. TokenID is an opaque
// arbitrary-precision integer literal as issued by Polymarket.
type Instrument struct {
	TokenID string `json:"token_id"`
}

// NewInstrument returns an Instrument for the given token id with surrounding
// whitespace removed.
func NewInstrument(tokenID string) Instrument {
	return Instrument{TokenID: strings.TrimSpace(tokenID)}
}

// Validate reports an ErrInvalidArgument when the token id is empty or is not
// a decimal integer literal.
func (i Instrument) Validate() error {
	if i.TokenID == "" {
		return fmt.Errorf("%w: empty token id", ErrInvalidArgument)
	}
	for _, r := range i.TokenID {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: token id %q is not an integer literal", ErrInvalidArgument, i.TokenID)
		}
	}
	return nil
}

// String returns the token id.
func (i Instrument) String() string {
	return i.TokenID
}

// Stream names one of the two independent polling cycles of an instrument.
type Stream string

const (
	StreamBook   Stream = "book"
	StreamTrades Stream = "trades"
)
