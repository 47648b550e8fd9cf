package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// CLOB REST DTOs
// --------------------------------------------------------------------------

// BookResponse is the payload of GET /book. Bids and Asks are pointers so a
// missing field can be told apart from an empty side.
type BookResponse struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Timestamp FlexString       `json:"timestamp"`
	Hash      string           `json:"hash"`
	Bids      *[]APIPriceLevel `json:"bids"`
	Asks      *[]APIPriceLevel `json:"asks"`
}

// APIPriceLevel is a single bid/ask level. The CLOB sends {"price","size"}
// objects with string decimals; the compact [price, size] tuple form and bare
// numbers are accepted too.
type APIPriceLevel struct {
	Price FlexString `json:"price"`
	Size  FlexString `json:"size"`
}

func (l *APIPriceLevel) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tuple []FlexString
		if err := json.Unmarshal(trimmed, &tuple); err != nil {
			return err
		}
		if len(tuple) != 2 {
			return fmt.Errorf("price level tuple has %d elements, want 2", len(tuple))
		}
		*l = APIPriceLevel{Price: tuple[0], Size: tuple[1]}
		return nil
	}
	type plain APIPriceLevel
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*l = APIPriceLevel(p)
	return nil
}

// APITrade is a single element of the GET /trades payload.
type APITrade struct {
	ID        FlexString `json:"id"`
	Price     FlexString `json:"price"`
	Size      FlexString `json:"size"`
	Side      FlexString `json:"side"`
	Timestamp FlexString `json:"timestamp"`
}

// tradesEnvelope is the paginated form of GET /trades.
type tradesEnvelope struct {
	Data *[]json.RawMessage `json:"data"`
}

// DecodeTradeElements splits a trades payload into its raw elements. Both a
// bare JSON array and the paginated {"data": [...]} envelope are accepted.
// ok is false when the payload is neither.
func DecodeTradeElements(raw []byte) (elems []json.RawMessage, ok bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env tradesEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, false, err
		}
		if env.Data == nil {
			return nil, false, nil
		}
		return *env.Data, true, nil
	}
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, false, err
	}
	return elems, true, nil
}

// FlexString unmarshals from a JSON string or number and keeps the textual
// form, so decimals never pass through float64. Set reports whether the field
// was present and non-null.
type FlexString struct {
	Value string
	Set   bool
}

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = FlexString{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString{Value: s, Set: true}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString{Value: n.String(), Set: true}
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIEvent is an event as returned by the Gamma API. Only the fields needed
// to discover token ids are decoded.
type APIEvent struct {
	ID      string      `json:"id"`
	Slug    string      `json:"slug"`
	Title   string      `json:"title"`
	Closed  bool        `json:"closed"`
	Markets []APIMarket `json:"markets"`
}

// TokenIDs returns the CLOB token ids of every market in the event, in
// market order.
func (e APIEvent) TokenIDs() []string {
	var out []string
	for _, m := range e.Markets {
		out = append(out, m.ClobTokenIDs...)
	}
	return out
}

// APIMarket is a market as returned by the Gamma API.
type APIMarket struct {
	ID           string     `json:"id"`
	Slug         string     `json:"slug"`
	Question     string     `json:"question"`
	Closed       bool       `json:"closed"`
	ClobTokenIDs StringList `json:"clobTokenIds"`
}

// StringList decodes a JSON array of strings, or a string holding a
// JSON-encoded array (Gamma sends "[\"123\",\"456\"]"). null and "" decode
// to an empty list.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*l = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
			return nil
		}
		trimmed = []byte(s)
	}
	var out []string
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return fmt.Errorf("string list: %w", err)
	}
	*l = out
	return nil
}
