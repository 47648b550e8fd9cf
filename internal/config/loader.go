package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYBOOK_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYBOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
// Instruments are only configurable from the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYBOOK_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYBOOK_POLYMARKET_GAMMA_HOST")
	setDuration(&cfg.Polymarket.RequestTimeout, "POLYBOOK_POLYMARKET_REQUEST_TIMEOUT")
	setInt(&cfg.Polymarket.MaxLimit, "POLYBOOK_POLYMARKET_MAX_LIMIT")

	// ── Poller ──
	setInt(&cfg.Poller.FailureThreshold, "POLYBOOK_POLLER_FAILURE_THRESHOLD")
	setFloat64(&cfg.Poller.BackoffFactor, "POLYBOOK_POLLER_BACKOFF_FACTOR")
	setFloat64(&cfg.Poller.MaxBackoffMultiplier, "POLYBOOK_POLLER_MAX_BACKOFF_MULTIPLIER")
	setInt(&cfg.Poller.BookIntervalMS, "POLYBOOK_POLLER_BOOK_INTERVAL_MS")
	setInt(&cfg.Poller.TradeIntervalMS, "POLYBOOK_POLLER_TRADE_INTERVAL_MS")
	setInt(&cfg.Poller.TradeLimit, "POLYBOOK_POLLER_TRADE_LIMIT")
	setInt(&cfg.Poller.RetentionSize, "POLYBOOK_POLLER_RETENTION_SIZE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYBOOK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYBOOK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYBOOK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYBOOK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYBOOK_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.BookTTL, "POLYBOOK_REDIS_BOOK_TTL")
	setBool(&cfg.Redis.PublishEvents, "POLYBOOK_REDIS_PUBLISH_EVENTS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYBOOK_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYBOOK_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYBOOK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYBOOK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYBOOK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYBOOK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYBOOK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYBOOK_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYBOOK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYBOOK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYBOOK_POSTGRES_RUN_MIGRATIONS")
	setDuration(&cfg.Postgres.PruneInterval, "POLYBOOK_POSTGRES_PRUNE_INTERVAL")
	setDuration(&cfg.Postgres.MaxAge, "POLYBOOK_POSTGRES_MAX_AGE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYBOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYBOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYBOOK_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POLYBOOK_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POLYBOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYBOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYBOOK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYBOOK_S3_FORCE_PATH_STYLE")

	// ── Recorder ──
	setBool(&cfg.Recorder.Enabled, "POLYBOOK_RECORDER_ENABLED")
	setStr(&cfg.Recorder.Dir, "POLYBOOK_RECORDER_DIR")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POLYBOOK_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "POLYBOOK_ARCHIVE_CRON")
	setDuration(&cfg.Archive.Interval, "POLYBOOK_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYBOOK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYBOOK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYBOOK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYBOOK_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "POLYBOOK_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POLYBOOK_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYBOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYBOOK_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "POLYBOOK_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYBOOK_MODE")
	setStr(&cfg.LogLevel, "POLYBOOK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
