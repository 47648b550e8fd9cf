// Package recorder appends applied books, trade batches and failed ticks to
// per-instrument NDJSON files for offline replay and feature building.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// line is one NDJSON record. Exactly one of Book, Trades or Error is set.
type line struct {
	TS      float64              `json:"ts"`
	TokenID string               `json:"token_id"`
	Book    *domain.BookSnapshot `json:"book,omitempty"`
	Trades  []domain.TradeRecord `json:"trades,omitempty"`
	Stream  domain.Stream        `json:"stream,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Recorder is a domain.Sink and domain.FailureRecorder writing to
// <dir>/<token_id>.ndjson. Files are opened lazily in append mode.
type Recorder struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	files map[string]*os.File
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the clock used for the ts field.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New creates a Recorder writing under dir, creating it if needed.
func New(dir string, opts ...Option) (*Recorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("recorder: %w: empty directory", domain.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create dir: %w", err)
	}
	r := &Recorder{
		dir:   dir,
		now:   time.Now,
		files: make(map[string]*os.File),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Name implements domain.Sink.
func (r *Recorder) Name() string { return "recorder" }

// OnBook appends {ts, token_id, book}.
func (r *Recorder) OnBook(_ context.Context, snap domain.BookSnapshot) error {
	return r.append(line{TokenID: snap.Instrument.TokenID, Book: &snap})
}

// OnTrades appends {ts, token_id, trades}. Empty batches are not recorded.
func (r *Recorder) OnTrades(_ context.Context, inst domain.Instrument, trades []domain.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	return r.append(line{TokenID: inst.TokenID, Trades: trades})
}

// OnFailure appends {ts, token_id, stream, error}.
func (r *Recorder) OnFailure(_ context.Context, inst domain.Instrument, stream domain.Stream, err error) error {
	if err == nil {
		return nil
	}
	return r.append(line{TokenID: inst.TokenID, Stream: stream, Error: err.Error()})
}

// Path returns the file an instrument is recorded to.
func (r *Recorder) Path(inst domain.Instrument) string {
	return filepath.Join(r.dir, inst.TokenID+".ndjson")
}

// Forget closes the file of inst. A later write reopens it.
func (r *Recorder) Forget(_ context.Context, inst domain.Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[inst.TokenID]
	if !ok {
		return nil
	}
	delete(r.files, inst.TokenID)
	return f.Close()
}

// Close closes every open file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, f := range r.files {
		errs = append(errs, f.Close())
		delete(r.files, id)
	}
	return errors.Join(errs...)
}

func (r *Recorder) append(l line) error {
	now := r.now()
	l.TS = float64(now.Unix()) + float64(now.Nanosecond())/1e9

	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("recorder: marshal: %w", err)
	}
	b = append(b, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.file(l.TokenID)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("recorder: write %s: %w", l.TokenID, err)
	}
	return nil
}

func (r *Recorder) file(tokenID string) (*os.File, error) {
	if f, ok := r.files[tokenID]; ok {
		return f, nil
	}
	path := filepath.Join(r.dir, tokenID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	r.files[tokenID] = f
	return f, nil
}
