package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"xandindexer/services"
)

type CacheHandlers struct {
	cache *services.CacheService
}

func NewCacheHandlers(cache *services.CacheService) *CacheHandlers {
	return &CacheHandlers{cache: cache}
}

// GetCacheStatus returns the active cache backend and whether it holds data
func (h *CacheHandlers) GetCacheStatus(c echo.Context) error {
	mode := h.cache.Mode()
	_, warm := h.cache.Stats(c.Request().Context())

	return c.JSON(http.StatusOK, map[string]any{
		"mode":    string(mode),
		"healthy": mode == services.CacheModeRedis,
		"warm":    warm,
	})
}
