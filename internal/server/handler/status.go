package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/polybook/internal/poller"
)

// StatusSource reports the poller's cycle states.
type StatusSource interface {
	Status() []poller.CycleStatus
}

// StatusHandler serves the ingestion status.
type StatusHandler struct {
	mode      string
	source    StatusSource
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, source StatusSource, startedAt time.Time) *StatusHandler {
	return &StatusHandler{mode: mode, source: source, startedAt: startedAt}
}

// GetStatus responds with the run mode, uptime and every polling cycle.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	cycles := h.source.Status()
	failing := 0
	for _, c := range cycles {
		if c.ConsecutiveFailures > 0 {
			failing++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"failing_cycles": failing,
		"cycles":         cycles,
	})
}
