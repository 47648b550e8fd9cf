package domain

import "context"

// Sink consumes normalized data after it has been applied to the book store.
// Sinks are external collaborators: a sink failure never rolls back or blocks
// the in-memory state.
type Sink interface {
	Name() string
	OnBook(ctx context.Context, snap BookSnapshot) error
	OnTrades(ctx context.Context, inst Instrument, trades []TradeRecord) error
}

// Forgetter is implemented by parsers and sinks that hold per-instrument
// state to release when the instrument is deconfigured.
type Forgetter interface {
	Forget(ctx context.Context, inst Instrument) error
}

// FailureRecorder is implemented by sinks that also keep a record of failed
// ticks (e.g. the NDJSON recorder).
type FailureRecorder interface {
	OnFailure(ctx context.Context, inst Instrument, stream Stream, err error) error
}
