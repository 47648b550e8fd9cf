// Package notify delivers operator alerts for ingestion events to Telegram,
// Discord and any other Sender. Only configured event types are forwarded.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Sender is a single notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents are the event types alerted on when none are configured.
var DefaultEvents = []domain.EventType{domain.EventTradeGap, domain.EventBackoffChange}

const (
	defaultQueueSize = 64
	defaultCooldown  = time.Minute
	sendTimeout      = 15 * time.Second
)

type alert struct {
	title, message string
}

// Notifier is a domain.Observer that turns matching events into alerts.
// Observe never blocks: alerts are queued and delivered by Run, and dropped
// when the queue is full. Repeats of the same (type, instrument, stream) are
// suppressed for the cooldown period.
type Notifier struct {
	senders  []Sender
	events   map[domain.EventType]bool
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	queue chan alert

	mu       sync.Mutex
	lastSent map[string]time.Time
	dropped  int
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithCooldown sets the repeat suppression window. Zero disables it.
func WithCooldown(d time.Duration) Option {
	return func(n *Notifier) { n.cooldown = d }
}

// WithQueueSize sets the number of alerts buffered ahead of delivery.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queue = make(chan alert, size)
		}
	}
}

// WithClock overrides the clock used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// NewNotifier creates a Notifier delivering events whose type is in events
// to senders. An empty events list selects DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[domain.EventType]bool)
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, e := range DefaultEvents {
			allowed[e] = true
		}
	}

	n := &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: defaultCooldown,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notifier")),
		queue:    make(chan alert, defaultQueueSize),
		lastSent: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Observe implements domain.Observer.
func (n *Notifier) Observe(ctx context.Context, evt domain.Event) {
	if len(n.senders) == 0 || !n.events[evt.Type] {
		return
	}

	key := string(evt.Type) + "|" + evt.Instrument.TokenID + "|" + string(evt.Stream)
	now := n.now()

	n.mu.Lock()
	if last, ok := n.lastSent[key]; ok && n.cooldown > 0 && now.Sub(last) < n.cooldown {
		n.mu.Unlock()
		n.logger.DebugContext(ctx, "alert suppressed", slog.String("event", string(evt.Type)))
		return
	}
	n.lastSent[key] = now
	n.mu.Unlock()

	title, message := Format(evt)
	select {
	case n.queue <- alert{title: title, message: message}:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		n.logger.WarnContext(ctx, "alert queue full, dropping", slog.String("event", string(evt.Type)))
	}
}

// Dropped returns the number of alerts dropped because the queue was full.
func (n *Notifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Run delivers queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-n.queue:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			_ = n.NotifyAll(sendCtx, a.title, a.message)
			cancel()
		}
	}
}

// NotifyAll sends a notification to every sender immediately. A failing
// sender does not prevent delivery to the rest; failures are joined.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Format renders an event as an alert title and body. Attributes are listed
// one per line in key order.
func Format(evt domain.Event) (title, message string) {
	title = fmt.Sprintf("polybook %s: %s/%s", evt.Type, evt.Instrument.TokenID, evt.Stream)

	var b strings.Builder
	b.WriteString(evt.Message)

	keys := make([]string, 0, len(evt.Attrs))
	for k := range evt.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, evt.Attrs[k])
	}
	if !evt.Time.IsZero() {
		fmt.Fprintf(&b, "\nat %s", evt.Time.UTC().Format(time.RFC3339))
	}
	return title, b.String()
}
