package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	s3blob "github.com/alanyoungcy/polybook/internal/blob/s3"
	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/cache/redis"
	"github.com/alanyoungcy/polybook/internal/config"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/normalize"
	"github.com/alanyoungcy/polybook/internal/notify"
	"github.com/alanyoungcy/polybook/internal/observe"
	"github.com/alanyoungcy/polybook/internal/pipeline"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
	"github.com/alanyoungcy/polybook/internal/poller"
	"github.com/alanyoungcy/polybook/internal/recorder"
	"github.com/alanyoungcy/polybook/internal/server/ws"
	"github.com/alanyoungcy/polybook/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function. Optional parts are nil
// when disabled in the configuration.
type Dependencies struct {
	Store   *book.Store
	Poller  *poller.Poller
	Metrics *observe.Metrics

	// Optional backends
	Redis       *redis.Client
	RedisSink   *redis.Sink
	Events      *redis.EventPublisher
	RateLimiter *redis.RateLimiter
	Postgres    *postgres.Client
	PGSink      *postgres.Sink
	S3          *s3blob.Client
	Archiver    *pipeline.Archiver
	Recorder    *recorder.Recorder
	Hub         *ws.Hub
	Notifier    *notify.Notifier
}

// serveHTTP reports whether the mode exposes the query API.
func serveHTTP(cfg *config.Config) bool {
	return cfg.Mode == "full" && cfg.Server.Enabled
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{
		Store:   book.NewStore(),
		Metrics: observe.NewMetrics(),
	}
	sinks := []domain.Sink{deps.Metrics}
	observers := []domain.Observer{observe.NewLogger(logger), deps.Metrics}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		deps.RedisSink = redis.NewSink(rc, cfg.Redis.BookTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		sinks = append(sinks, deps.RedisSink)
		if cfg.Redis.PublishEvents {
			deps.Events = redis.NewEventPublisher(rc, logger)
			observers = append(observers, deps.Events)
		}
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Postgres = pg
		deps.PGSink = postgres.NewSink(pg, logger)
		sinks = append(sinks, deps.PGSink)
	}

	// --- Recorder ---
	if cfg.Recorder.Enabled {
		rec, err := recorder.New(cfg.Recorder.Dir)
		if err != nil {
			return fail("recorder", err)
		}
		closers = append(closers, func() {
			if err := rec.Close(); err != nil {
				logger.Warn("recorder close failed", slog.String("error", err.Error()))
			}
		})
		deps.Recorder = rec
		sinks = append(sinks, rec)
	}

	// --- S3 archive (full mode only) ---
	if cfg.Archive.Enabled && cfg.Mode == "full" {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = sc
		archive := s3blob.NewTradeArchiver(s3blob.NewWriter(sc))
		deps.Archiver = pipeline.NewArchiver(deps.Store, archive, logger)
	}

	// --- WebSocket hub ---
	if serveHTTP(cfg) {
		deps.Hub = ws.NewHub(logger, ws.Config{
			Mode:           cfg.Mode,
			StartedAt:      time.Now(),
			AllowedOrigins: cfg.Server.CORSOrigins,
		})
		sinks = append(sinks, deps.Hub)
		observers = append(observers, deps.Hub)
	}

	// --- Notifications ---
	if cfg.Notify.Enabled() {
		var senders []notify.Sender
		if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
			senders = append(senders, notify.NewTelegramSender(
				notify.DefaultTelegramAPI,
				cfg.Notify.TelegramToken,
				cfg.Notify.TelegramChatID,
			))
		}
		if cfg.Notify.DiscordWebhookURL != "" {
			senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
		}
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger,
			notify.WithCooldown(cfg.Notify.Cooldown.Duration))
		observers = append(observers, deps.Notifier)
	}

	// --- Poller ---
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost,
		polymarket.WithTimeout(cfg.Polymarket.RequestTimeout.Duration),
		polymarket.WithMaxLimit(cfg.Polymarket.MaxLimit),
		polymarket.WithLogger(logger),
	)
	deps.Poller = poller.New(cfg.PollerPolicy(), clob, normalize.New(), deps.Store,
		poller.WithSinks(sinks...),
		poller.WithObserver(observe.Multi(observers...)),
		poller.WithLogger(logger),
	)
	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost,
		&http.Client{Timeout: cfg.Polymarket.RequestTimeout.Duration})
	ics, err := cfg.PollerInstruments(ctx, gamma)
	if err != nil {
		return fail("instruments", err)
	}
	for _, ic := range ics {
		if err := deps.Poller.Add(ic); err != nil {
			return fail("instrument "+ic.Instrument.TokenID, err)
		}
	}

	return deps, cleanup, nil
}
