package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polybook/internal/pipeline"
	"github.com/alanyoungcy/polybook/internal/server"
	"github.com/alanyoungcy/polybook/internal/server/handler"
	"github.com/alanyoungcy/polybook/internal/server/middleware"
)

// IngestMode polls every configured instrument and feeds the sinks. Postgres
// pruning and notification delivery run alongside when configured.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering ingest mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startIngest(ctx, g, deps)
	a.startPipeline(ctx, g, deps, nil)
	return g.Wait()
}

// FullMode runs ingestion plus the HTTP/WebSocket API and the trade archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startIngest(ctx, g, deps)
	a.startPipeline(ctx, g, deps, deps.Archiver)
	if serveHTTP(a.cfg) {
		a.startHTTPServer(ctx, g, deps)
	}
	return g.Wait()
}

// startIngest adds the poller and notifier goroutines to g.
func (a *App) startIngest(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Poller.Run(ctx)
	})
	if deps.Notifier != nil {
		g.Go(func() error {
			if err := deps.Notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
}

// startPipeline adds the background job orchestrator to g when it has at
// least one job to run. archiver may be nil.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, archiver *pipeline.Archiver) {
	var pruner pipeline.Pruner
	if deps.PGSink != nil {
		pruner = deps.PGSink
	}
	orch := pipeline.NewOrchestrator(archiver, pruner, pipeline.OrchestratorConfig{
		ArchiveCron:     a.cfg.Archive.Cron,
		ArchiveInterval: a.cfg.Archive.Interval.Duration,
		PruneInterval:   a.cfg.Postgres.PruneInterval.Duration,
		PruneMaxAge:     a.cfg.Postgres.MaxAge.Duration,
	}, a.root)
	if len(orch.Jobs()) == 0 {
		return
	}
	g.Go(func() error {
		return orch.Run(ctx)
	})
}

// startHTTPServer adds the WebSocket hub and the HTTP server goroutines to g.
// The server shuts down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	checks := map[string]handler.Check{}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres.Ping
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(checks, a.root),
		Status:  handler.NewStatusHandler(a.cfg.Mode, deps.Poller, a.startedAt),
		Books:   handler.NewBookHandler(deps.Store, deps.Poller, a.root),
		Metrics: deps.Metrics.Handler(),
	}
	if deps.Events != nil {
		handlers.Events = handler.NewEventHandler(deps.Events, a.root)
	}
	if deps.Archiver != nil {
		handlers.Pipeline = handler.NewPipelineHandler(deps.Archiver, a.root)
	}

	var limiter middleware.Limiter
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.Hub, limiter, a.root)

	g.Go(func() error {
		if err := deps.Hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		port := a.cfg.Server.Port
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", port)))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}
