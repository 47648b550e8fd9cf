package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ArchiveRunner runs one archive pass.
type ArchiveRunner interface {
	Run(ctx context.Context) (int, error)
}

// PipelineHandler serves pipeline trigger endpoints.
type PipelineHandler struct {
	archiver ArchiveRunner
	logger   *slog.Logger
}

// NewPipelineHandler creates a PipelineHandler.
func NewPipelineHandler(archiver ArchiveRunner, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{archiver: archiver, logger: logHandler(logger, "pipeline")}
}

// TriggerArchive runs one archive pass and reports how many trades were
// uploaded. Partial failures answer 502 with the count still reported.
// POST /api/pipeline/archive
func (h *PipelineHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "archive trigger requested")

	n, err := h.archiver.Run(r.Context())
	body := map[string]any{
		"trades_archived": n,
		"completed_at":    time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		h.logger.WarnContext(r.Context(), "triggered archive failed", slog.String("error", err.Error()))
		body["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
