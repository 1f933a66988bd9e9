package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"xandindexer/storage"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// No cycle has produced data yet: distinct from an empty network, which is
// a 200 with zero counts.
var errRegistryUnavailable = ErrorResponse{Error: "registry unavailable"}

// GetStats godoc
// @Summary Get network statistics
// @Description Latest network summary. Falls back to the last stored snapshot, flagged with X-Data-Stale.
// @Description Cached data older than a failed cycle is flagged the same way, with X-Last-Cycle-Error.
// @Tags stats
// @Produce json
// @Success 200 {object} models.NetworkStats
// @Failure 503 {object} ErrorResponse
// @Router /api/stats [get]
func (h *Handler) GetStats(c echo.Context) error {
	ctx := c.Request().Context()

	if stats, found := h.Cache.Stats(ctx); found {
		c.Response().Header().Set("Cache-Control", "max-age=30")
		h.flagFailedCycle(c, stats.LastUpdated)
		return c.JSON(http.StatusOK, stats)
	}

	snap, err := h.Store.LatestNetworkSnapshot(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusServiceUnavailable, errRegistryUnavailable)
	case err != nil:
		h.logger.Error("latest network snapshot", "err", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "storage unavailable"})
	}

	c.Response().Header().Set("X-Data-Stale", "true")
	return c.JSON(http.StatusOK, snap.Stats())
}

// flagFailedCycle marks data written before the most recent cycle failed.
// Failed cycles never touch the cache, so that data is what the registry
// said last time it answered.
func (h *Handler) flagFailedCycle(c echo.Context, dataAt time.Time) {
	if h.Indexer == nil {
		return
	}
	report, ok := h.Indexer.LastCycle()
	if !ok || report.Err == "" || report.StartedAt.Before(dataAt) {
		return
	}
	c.Response().Header().Set("X-Data-Stale", "true")
	c.Response().Header().Set("X-Last-Cycle-Error", report.Err)
}
