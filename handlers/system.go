package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"xandindexer/services"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Storage   string    `json:"storage"`
	Cache     string    `json:"cache"`
	Indexer   bool      `json:"indexer_running"`
	Timestamp time.Time `json:"timestamp"`
}

// GetHealth reports 503 when storage is unreachable.
func (h *Handler) GetHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "ok",
		Storage:   "ok",
		Cache:     string(h.Cache.Mode()),
		Indexer:   h.Indexer.IsRunning(),
		Timestamp: time.Now().UTC(),
	}
	if err := h.Store.Ping(ctx); err != nil {
		h.logger.Warn("storage ping failed", "err", err)
		resp.Status = "degraded"
		resp.Storage = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetIndexerStatus godoc
// @Router /api/indexer/status [get]
func (h *Handler) GetIndexerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Indexer.Status())
}

// RunIndexer runs one cycle now. The cycle outlives a disconnecting client.
// @Router /api/indexer/run [post]
func (h *Handler) RunIndexer(c echo.Context) error {
	ctx := context.WithoutCancel(c.Request().Context())

	report, err := h.Indexer.RunCycle(ctx)
	switch {
	case errors.Is(err, services.ErrCycleInProgress):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrRegistryUnavailable):
		return c.JSON(http.StatusBadGateway, report)
	case err != nil:
		return c.JSON(http.StatusInternalServerError, report)
	}
	return c.JSON(http.StatusOK, report)
}
