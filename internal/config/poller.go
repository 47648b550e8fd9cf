package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/poller"
)

// TokenResolver maps Gamma event and market slugs to CLOB token ids.
type TokenResolver interface {
	ResolveEventTokens(ctx context.Context, slug string) ([]string, error)
	ResolveMarketTokens(ctx context.Context, slug string) ([]string, error)
}

// PollerPolicy converts the [poller] section into the poller backoff policy.
func (c *Config) PollerPolicy() poller.Config {
	return poller.Config{
		FailureThreshold:     c.Poller.FailureThreshold,
		BackoffFactor:        c.Poller.BackoffFactor,
		MaxBackoffMultiplier: c.Poller.MaxBackoffMultiplier,
	}
}

// PollerInstruments resolves every [[instruments]] entry against the poller
// defaults, expanding slug entries through r. A token reached twice keeps the
// settings of its first entry. r may be nil when no entry uses a slug.
func (c *Config) PollerInstruments(ctx context.Context, r TokenResolver) ([]poller.InstrumentConfig, error) {
	out := make([]poller.InstrumentConfig, 0, len(c.Instruments))
	seen := make(map[string]bool, len(c.Instruments))
	for i, raw := range c.Instruments {
		ic := c.Resolved(raw)
		ids, err := tokenIDs(ctx, ic, r)
		if err != nil {
			return nil, fmt.Errorf("config: instruments[%d]: %w", i, err)
		}
		for _, id := range ids {
			inst := domain.NewInstrument(id)
			if err := inst.Validate(); err != nil {
				return nil, fmt.Errorf("config: instruments[%d]: %w", i, err)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, poller.InstrumentConfig{
				Instrument:    inst,
				BookInterval:  time.Duration(ic.BookIntervalMS) * time.Millisecond,
				TradeInterval: time.Duration(ic.TradeIntervalMS) * time.Millisecond,
				TradeLimit:    ic.TradeLimit,
				Retention:     ic.RetentionSize,
			})
		}
	}
	return out, nil
}

func tokenIDs(ctx context.Context, ic InstrumentConfig, r TokenResolver) ([]string, error) {
	if ic.EventSlug == "" && ic.MarketSlug == "" {
		return []string{ic.TokenID}, nil
	}
	if r == nil {
		return nil, errors.New("slug given but no token resolver configured")
	}
	if ic.EventSlug != "" {
		return r.ResolveEventTokens(ctx, ic.EventSlug)
	}
	return r.ResolveMarketTokens(ctx, ic.MarketSlug)
}
