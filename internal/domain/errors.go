package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrStaleSnapshot   = errors.New("stale snapshot")
	ErrTradeGap        = errors.New("trade gap detected")
	ErrFetch           = errors.New("fetch failed")
	ErrParse           = errors.New("parse failed")
)

// FetchErrorKind classifies transport-level failures.
type FetchErrorKind string

const (
	FetchTimeout          FetchErrorKind = "timeout"
	FetchConnectionFailed FetchErrorKind = "connection_failed"
	FetchHTTPStatus       FetchErrorKind = "http_status"
)

// FetchError is returned by the CLOB fetcher for every failed request. It is
// always retriable on the next tick.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int    // set for FetchHTTPStatus
	Body       string // truncated response body for FetchHTTPStatus
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus:
		if e.Body != "" {
			return fmt.Sprintf("fetch: HTTP %d: %s", e.StatusCode, e.Body)
		}
		return fmt.Sprintf("fetch: HTTP %d", e.StatusCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("fetch: %s: %v", e.Kind, e.Err)
		}
		return "fetch: " + string(e.Kind)
	}
}

// Unwrap exposes both the ErrFetch sentinel and the underlying cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetch}
	}
	return []error{ErrFetch, e.Err}
}

// ParseErrorKind classifies payload-level failures.
type ParseErrorKind string

const (
	ParseMalformedJSON   ParseErrorKind = "malformed_json"
	ParseMissingField    ParseErrorKind = "missing_field"
	ParseInvalidValue    ParseErrorKind = "invalid_value"
	ParseInvalidOrdering ParseErrorKind = "invalid_ordering"
)

// ParseError is returned by the normalizer when a payload is rejected. The
// whole payload is rejected; nothing is partially applied.
type ParseError struct {
	Kind  ParseErrorKind
	Field string // offending field for missing/invalid value errors
	Err   error
}

func (e *ParseError) Error() string {
	msg := "parse: " + string(e.Kind)
	if e.Field != "" {
		msg += "(" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the ErrParse sentinel and the underlying cause.
func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrParse}
	}
	return []error{ErrParse, e.Err}
}

// TradeGapError reports that the last seen trade id was not present in a new
// batch, so trades between the two polls may have been missed.
type TradeGapError struct {
	LastSeenID string
}

func (e *TradeGapError) Error() string {
	return fmt.Sprintf("trade gap detected: last seen trade %q not in batch", e.LastSeenID)
}

func (e *TradeGapError) Unwrap() error { return ErrTradeGap }
