package poller

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// State is the position of a polling cycle in its tick state machine:
// Idle -> Fetching -> Normalizing -> Applying -> Idle.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StateApplying    State = "applying"
)

// CycleStatus is a point-in-time view of one (instrument, stream) cycle.
type CycleStatus struct {
	Instrument          domain.Instrument `json:"instrument"`
	Stream              domain.Stream     `json:"stream"`
	State               State             `json:"state"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	BaseIntervalMS      int64             `json:"base_interval_ms"`
	IntervalMS          int64             `json:"interval_ms"`
	LastAttempt         time.Time         `json:"last_attempt,omitempty"`
	LastSuccess         time.Time         `json:"last_success,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
}

// cycle is the mutable scheduling state of one polling loop. It is written by
// its own goroutine and read by Status.
type cycle struct {
	inst   domain.Instrument
	stream domain.Stream
	base   time.Duration
	limit  int

	mu          sync.Mutex
	state       State
	failures    int
	interval    time.Duration
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     string
	bo          backoff.Backoff
}

func newCycle(inst domain.Instrument, stream domain.Stream, base time.Duration, limit int, cfg Config) *cycle {
	return &cycle{
		inst:     inst,
		stream:   stream,
		base:     base,
		limit:    limit,
		state:    StateIdle,
		interval: base,
		bo: backoff.Backoff{
			Min:    time.Duration(float64(base) * cfg.BackoffFactor),
			Max:    time.Duration(float64(base) * cfg.MaxBackoffMultiplier),
			Factor: cfg.BackoffFactor,
			Jitter: false,
		},
	}
}

func (c *cycle) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *cycle) begin(now time.Time) {
	c.mu.Lock()
	c.state = StateFetching
	c.lastAttempt = now
	c.mu.Unlock()
}

func (c *cycle) currentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// fail records a failed tick. Once consecutive failures exceed threshold the
// effective interval grows by the backoff factor up to its ceiling. It
// returns the previous and new interval.
func (c *cycle) fail(err error, threshold int) (prev, next time.Duration, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastErr = err.Error()
	prev = c.interval
	if c.failures > threshold {
		c.interval = c.bo.Duration()
	}
	return prev, c.interval, c.failures
}

// succeed records a successful tick and resets the interval to base.
func (c *cycle) succeed(now time.Time) (prev, next time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev = c.interval
	c.failures = 0
	c.lastErr = ""
	c.lastSuccess = now
	c.interval = c.base
	c.bo.Reset()
	return prev, c.interval
}

func (c *cycle) status() CycleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CycleStatus{
		Instrument:          c.inst,
		Stream:              c.stream,
		State:               c.state,
		ConsecutiveFailures: c.failures,
		BaseIntervalMS:      c.base.Milliseconds(),
		IntervalMS:          c.interval.Milliseconds(),
		LastAttempt:         c.lastAttempt,
		LastSuccess:         c.lastSuccess,
		LastError:           c.lastErr,
	}
}
