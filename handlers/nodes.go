package handlers

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"xandindexer/models"
	"xandindexer/services"
	"xandindexer/storage"
)

type Handler struct {
	Store   storage.Store
	Cache   *services.CacheService
	Indexer *services.Indexer
	PRPC    *services.PRPCClient
	logger  *slog.Logger
}

func NewHandler(store storage.Store, cache *services.CacheService, indexer *services.Indexer, prpc *services.PRPCClient, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:   store,
		Cache:   cache,
		Indexer: indexer,
		PRPC:    prpc,
		logger:  logger.With("component", "api"),
	}
}

type NodesResponse struct {
	Nodes      []models.Node  `json:"nodes"`
	Pagination PaginationMeta `json:"pagination"`
}

type PaginationMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// GetNodes godoc
// @Summary List the latest cycle's nodes
// @Tags nodes
// @Produce json
// @Param page query int false "Page number (default: 1)"
// @Param limit query int false "Items per page (default: 50, max: 500)"
// @Param status query string false "online, offline or delinquent"
// @Param sort query string false "performance, uptime, storage, latency or last_seen"
// @Param order query string false "asc or desc (default: desc)"
// @Success 200 {object} NodesResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/nodes [get]
func (h *Handler) GetNodes(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	sortOrder := c.QueryParam("order")
	if sortOrder == "" {
		sortOrder = "desc"
	}

	ctx := c.Request().Context()
	nodes, found := h.Cache.Nodes(ctx)
	if !found {
		return c.JSON(http.StatusServiceUnavailable, errRegistryUnavailable)
	}
	if stats, ok := h.Cache.Stats(ctx); ok {
		h.flagFailedCycle(c, stats.LastUpdated)
	}

	if status := models.NodeStatus(c.QueryParam("status")); status != "" {
		if !status.Valid() {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown status " + strconv.Quote(string(status))})
		}
		filtered := make([]models.Node, 0, len(nodes))
		for _, node := range nodes {
			if node.Status == status {
				filtered = append(filtered, node)
			}
		}
		nodes = filtered
	}

	sortNodes(nodes, c.QueryParam("sort"), sortOrder)

	total := len(nodes)
	totalPages := (total + limit - 1) / limit
	if totalPages < 1 {
		totalPages = 1
	}
	start := (page - 1) * limit
	end := min(start+limit, total)
	paged := []models.Node{}
	if start < end {
		paged = nodes[start:end]
	}

	return c.JSON(http.StatusOK, NodesResponse{
		Nodes: paged,
		Pagination: PaginationMeta{
			Page:       page,
			Limit:      limit,
			TotalItems: total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
			HasPrev:    page > 1,
		},
	})
}

// GetNode godoc
// @Summary Get a single node by ID
// @Tags nodes
// @Produce json
// @Param id path string true "Node ID (pubkey or address)"
// @Success 200 {object} models.Node
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/nodes/{id} [get]
func (h *Handler) GetNode(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if node, found := h.Cache.Node(ctx, id); found {
		h.flagFailedCycle(c, time.UnixMilli(node.Performance.LastUpdatedMs))
		return c.JSON(http.StatusOK, node)
	}

	nodes, found := h.Cache.Nodes(ctx)
	if !found {
		return c.JSON(http.StatusServiceUnavailable, errRegistryUnavailable)
	}
	for _, n := range nodes {
		if n.Pubkey == id || n.Address == id {
			h.flagFailedCycle(c, time.UnixMilli(n.Performance.LastUpdatedMs))
			return c.JSON(http.StatusOK, n)
		}
	}
	return c.JSON(http.StatusNotFound, ErrorResponse{Error: "node not found"})
}

func sortNodes(nodes []models.Node, field, order string) {
	key := func(n models.Node) float64 {
		switch field {
		case "uptime":
			return n.Performance.UptimePercent
		case "storage":
			return float64(n.Storage.CapacityBytes)
		case "latency":
			return n.Performance.AverageLatencyMs
		case "last_seen":
			return float64(n.LastSeen.Unix())
		default:
			return float64(n.PerformanceScore)
		}
	}
	asc := order == "asc"

	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := key(nodes[i]), key(nodes[j])
		if asc {
			return a < b
		}
		return a > b
	})
}
