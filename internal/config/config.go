// Package config defines the configuration of the polybook ingestion service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYBOOK_* environment variables.
type Config struct {
	Polymarket  PolymarketConfig   `toml:"polymarket"`
	Poller      PollerConfig       `toml:"poller"`
	Instruments []InstrumentConfig `toml:"instruments"`
	Redis       RedisConfig        `toml:"redis"`
	Postgres    PostgresConfig     `toml:"postgres"`
	S3          S3Config           `toml:"s3"`
	Recorder    RecorderConfig     `toml:"recorder"`
	Archive     ArchiveConfig      `toml:"archive"`
	Server      ServerConfig       `toml:"server"`
	Notify      NotifyConfig       `toml:"notify"`
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
}

// PolymarketConfig holds the CLOB REST endpoint and request limits. GammaHost
// is only contacted at startup, to resolve slug entries.
type PolymarketConfig struct {
	ClobHost       string   `toml:"clob_host"`
	GammaHost      string   `toml:"gamma_host"`
	RequestTimeout duration `toml:"request_timeout"`
	MaxLimit       int      `toml:"max_limit"`
}

// PollerConfig holds the backoff policy and the per-instrument defaults used
// when an [[instruments]] entry leaves a field at zero.
type PollerConfig struct {
	FailureThreshold     int     `toml:"failure_threshold"`
	BackoffFactor        float64 `toml:"backoff_factor"`
	MaxBackoffMultiplier float64 `toml:"max_backoff_multiplier"`

	BookIntervalMS  int `toml:"book_interval_ms"`
	TradeIntervalMS int `toml:"trade_interval_ms"`
	TradeLimit      int `toml:"trade_limit"`
	RetentionSize   int `toml:"retention_size"`
}

// InstrumentConfig is one [[instruments]] entry. Exactly one of TokenID,
// EventSlug and MarketSlug is set; a slug expands to every token id of the
// event or market, each polled with the entry's settings.
type InstrumentConfig struct {
	TokenID         string `toml:"token_id"`
	EventSlug       string `toml:"event_slug"`
	MarketSlug      string `toml:"market_slug"`
	BookIntervalMS  int    `toml:"book_interval_ms"`
	TradeIntervalMS int    `toml:"trade_interval_ms"`
	TradeLimit      int    `toml:"trade_limit"`
	RetentionSize   int    `toml:"retention_size"`
}

// RedisConfig holds Redis connection parameters and mirror settings.
type RedisConfig struct {
	Enabled       bool     `toml:"enabled"`
	Addr          string   `toml:"addr"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	TLSEnabled    bool     `toml:"tls_enabled"`
	BookTTL       duration `toml:"book_ttl"`
	PublishEvents bool     `toml:"publish_events"`
}

// PostgresConfig holds PostgreSQL connection parameters and history pruning.
type PostgresConfig struct {
	Enabled       bool     `toml:"enabled"`
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	PruneInterval duration `toml:"prune_interval"`
	MaxAge        duration `toml:"max_age"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RecorderConfig controls the NDJSON recorder sink.
type RecorderConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// ArchiveConfig controls the trade archiver. Cron takes precedence over
// Interval when both are set.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Cron     string   `toml:"cron"`
	Interval duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// Enabled reports whether any notification channel is configured.
func (n NotifyConfig) Enabled() bool {
	return n.DiscordWebhookURL != "" || (n.TelegramToken != "" && n.TelegramChatID != "")
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:       "https://clob.polymarket.com",
			GammaHost:      "https://gamma-api.polymarket.com",
			RequestTimeout: duration{10 * time.Second},
			MaxLimit:       500,
		},
		Poller: PollerConfig{
			FailureThreshold:     5,
			BackoffFactor:        2,
			MaxBackoffMultiplier: 10,
			BookIntervalMS:       5000,
			TradeIntervalMS:      10000,
			TradeLimit:           200,
			RetentionSize:        1000,
		},
		Redis: RedisConfig{
			Enabled:       false,
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			BookTTL:       duration{10 * time.Minute},
			PublishEvents: true,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "polybook",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			PruneInterval: duration{time.Hour},
			MaxAge:        duration{30 * 24 * time.Hour},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polybook-archive",
			ForcePathStyle: true,
		},
		Recorder: RecorderConfig{
			Enabled: false,
			Dir:     "data/recordings",
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{15 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events:   []string{string(domain.EventTradeGap), string(domain.EventBackoffChange)},
			Cooldown: duration{time.Minute},
		},
		Mode:     "ingest",
		LogLevel: "info",
	}
}

// Resolved returns the instrument entry with zero fields replaced by the
// poller defaults.
func (c *Config) Resolved(ic InstrumentConfig) InstrumentConfig {
	ic.TokenID = strings.TrimSpace(ic.TokenID)
	ic.EventSlug = strings.TrimSpace(ic.EventSlug)
	ic.MarketSlug = strings.TrimSpace(ic.MarketSlug)
	if ic.BookIntervalMS == 0 {
		ic.BookIntervalMS = c.Poller.BookIntervalMS
	}
	if ic.TradeIntervalMS == 0 {
		ic.TradeIntervalMS = c.Poller.TradeIntervalMS
	}
	if ic.TradeLimit == 0 {
		ic.TradeLimit = c.Poller.TradeLimit
	}
	if ic.RetentionSize == 0 {
		ic.RetentionSize = c.Poller.RetentionSize
	}
	return ic
}

func (c *Config) hasSlugInstruments() bool {
	for _, ic := range c.Instruments {
		if strings.TrimSpace(ic.EventSlug) != "" || strings.TrimSpace(ic.MarketSlug) != "" {
			return true
		}
	}
	return false
}

func countSet(vals ...string) int {
	n := 0
	for _, v := range vals {
		if v != "" {
			n++
		}
	}
	return n
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"ingest": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Polymarket
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" && c.hasSlugInstruments() {
		errs = append(errs, "polymarket: gamma_host must not be empty when instruments use slugs")
	}
	if c.Polymarket.RequestTimeout.Duration <= 0 {
		errs = append(errs, "polymarket: request_timeout must be > 0")
	}
	if c.Polymarket.MaxLimit < 1 {
		errs = append(errs, "polymarket: max_limit must be >= 1")
	}

	// Poller
	if c.Poller.FailureThreshold < 0 {
		errs = append(errs, "poller: failure_threshold must be >= 0")
	}
	if c.Poller.BackoffFactor < 1 {
		errs = append(errs, "poller: backoff_factor must be >= 1")
	}
	if c.Poller.MaxBackoffMultiplier < 1 {
		errs = append(errs, "poller: max_backoff_multiplier must be >= 1")
	}

	// Instruments
	if len(c.Instruments) == 0 {
		errs = append(errs, "instruments: at least one [[instruments]] entry is required")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for i, raw := range c.Instruments {
		ic := c.Resolved(raw)
		where := fmt.Sprintf("instruments[%d]", i)
		switch n := countSet(ic.TokenID, ic.EventSlug, ic.MarketSlug); {
		case n > 1:
			errs = append(errs, where+": set only one of token_id, event_slug, market_slug")
		case ic.EventSlug != "" || ic.MarketSlug != "":
		default:
			if err := domain.NewInstrument(ic.TokenID).Validate(); err != nil {
				errs = append(errs, fmt.Sprintf("%s: token_id %q must be a non-empty integer literal", where, ic.TokenID))
			} else if seen[ic.TokenID] {
				errs = append(errs, fmt.Sprintf("%s: duplicate token_id %s", where, ic.TokenID))
			}
			seen[ic.TokenID] = true
		}
		if ic.BookIntervalMS <= 0 {
			errs = append(errs, where+": book_interval_ms must be > 0")
		}
		if ic.TradeIntervalMS <= 0 {
			errs = append(errs, where+": trade_interval_ms must be > 0")
		}
		if ic.TradeLimit < 1 || ic.TradeLimit > c.Polymarket.MaxLimit {
			errs = append(errs, fmt.Sprintf("%s: trade_limit must be 1-%d, got %d", where, c.Polymarket.MaxLimit, ic.TradeLimit))
		}
		if ic.RetentionSize < 1 {
			errs = append(errs, where+": retention_size must be >= 1")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Recorder
	if c.Recorder.Enabled && c.Recorder.Dir == "" {
		errs = append(errs, "recorder: dir must not be empty when enabled")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
		if c.Archive.Cron != "" {
			if _, err := pipeline.ParseSchedule(c.Archive.Cron); err != nil {
				errs = append(errs, fmt.Sprintf("archive: %v", err))
			}
		} else if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: cron or interval must be set when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
