package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pruner deletes persisted history older than maxAge every interval.
type Pruner interface {
	RunPrune(ctx context.Context, interval, maxAge time.Duration) error
}

// OrchestratorConfig selects which background jobs run and how often. A zero
// value disables the corresponding job.
type OrchestratorConfig struct {
	// ArchiveCron takes precedence over ArchiveInterval when set.
	ArchiveCron     string
	ArchiveInterval time.Duration

	PruneInterval time.Duration
	PruneMaxAge   time.Duration
}

// Orchestrator manages the background job goroutines.
type Orchestrator struct {
	archiver *Archiver
	pruner   Pruner
	cfg      OrchestratorConfig
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator. archiver and pruner may be nil.
func NewOrchestrator(archiver *Archiver, pruner Pruner, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		archiver: archiver,
		pruner:   pruner,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "pipeline")),
	}
}

// Jobs reports the names of the jobs Run would start.
func (o *Orchestrator) Jobs() []string {
	var jobs []string
	if o.archiver != nil && (o.cfg.ArchiveCron != "" || o.cfg.ArchiveInterval > 0) {
		jobs = append(jobs, "archiver")
	}
	if o.pruner != nil && o.cfg.PruneInterval > 0 && o.cfg.PruneMaxAge > 0 {
		jobs = append(jobs, "pruner")
	}
	return jobs
}

// Run starts every enabled job and blocks until ctx is cancelled or a job
// fails. On cancellation the archiver makes one final pass so trades applied
// since the last run are not lost.
func (o *Orchestrator) Run(ctx context.Context) error {
	jobs := o.Jobs()
	o.logger.Info("pipeline orchestrator starting", slog.Any("jobs", jobs))
	if len(jobs) == 0 {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, job := range jobs {
		switch job {
		case "archiver":
			g.Go(func() error {
				var err error
				if o.cfg.ArchiveCron != "" {
					err = o.archiver.RunCron(gctx, o.cfg.ArchiveCron)
				} else {
					err = o.archiver.RunEvery(gctx, o.cfg.ArchiveInterval)
				}
				if gctx.Err() != nil {
					o.flushArchive(ctx)
					return nil
				}
				return fmt.Errorf("archiver: %w", err)
			})
		case "pruner":
			g.Go(func() error {
				err := o.pruner.RunPrune(gctx, o.cfg.PruneInterval, o.cfg.PruneMaxAge)
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("pruner: %w", err)
			})
		}
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

func (o *Orchestrator) flushArchive(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer cancel()
	if n, err := o.archiver.Run(ctx); err != nil {
		o.logger.Warn("final archive run failed", slog.String("error", err.Error()))
	} else if n > 0 {
		o.logger.Info("final archive run", slog.Int("trades_archived", n))
	}
}
