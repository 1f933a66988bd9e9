package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"xandindexer/models"
	"xandindexer/storage"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 30
	historyRowLimit     = 5000
)

// HistoryHandlers serves stored snapshots, events and anomalies.
type HistoryHandlers struct {
	store storage.Store
	now   func() time.Time
}

func NewHistoryHandlers(store storage.Store) *HistoryHandlers {
	return &HistoryHandlers{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

type NodeHistoryResponse struct {
	Node      *models.NodeRecord    `json:"node"`
	Snapshots []models.NodeSnapshot `json:"snapshots"`
}

func hoursParam(c echo.Context) int {
	hours := defaultHistoryHours
	if h, err := strconv.Atoi(c.QueryParam("hours")); err == nil && h > 0 {
		hours = min(h, maxHistoryHours)
	}
	return hours
}

func limitParam(c echo.Context, def int) int {
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 {
		return l
	}
	return def
}

// GetNetworkHistory godoc
// @Summary Network snapshots over the last N hours, oldest first
// @Tags history
// @Param hours query int false "Window in hours (default: 24, max: 720)"
// @Router /api/history/network [get]
func (hh *HistoryHandlers) GetNetworkHistory(c echo.Context) error {
	since := hh.now().Add(-time.Duration(hoursParam(c)) * time.Hour)

	snaps, err := hh.store.NetworkSnapshotsSince(c.Request().Context(), since, historyRowLimit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	if snaps == nil {
		snaps = []models.NetworkSnapshot{}
	}
	return c.JSON(http.StatusOK, snaps)
}

// GetNodeHistory godoc
// @Summary One node's snapshots over the last N hours
// @Tags history
// @Param id path string true "Node ID"
// @Param hours query int false "Window in hours (default: 24, max: 720)"
// @Failure 404 {object} ErrorResponse
// @Router /api/history/nodes/{id} [get]
func (hh *HistoryHandlers) GetNodeHistory(c echo.Context) error {
	ctx := c.Request().Context()
	nodeID := c.Param("id")

	node, err := hh.store.GetNode(ctx, nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "no history for this node"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}

	since := hh.now().Add(-time.Duration(hoursParam(c)) * time.Hour)
	snaps, err := hh.store.NodeSnapshotsSince(ctx, nodeID, since, historyRowLimit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	if snaps == nil {
		snaps = []models.NodeSnapshot{}
	}
	return c.JSON(http.StatusOK, NodeHistoryResponse{Node: node, Snapshots: snaps})
}

// GetEvents godoc
// @Summary Most recent network events, newest first
// @Tags events
// @Param limit query int false "Max rows (default: 100)"
// @Router /api/events [get]
func (hh *HistoryHandlers) GetEvents(c echo.Context) error {
	events, err := hh.store.RecentEvents(c.Request().Context(), limitParam(c, 100))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	if events == nil {
		events = []models.NetworkEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// GetAnomalies godoc
// @Summary Most recent anomalies, newest first
// @Tags events
// @Param limit query int false "Max rows (default: 100)"
// @Router /api/anomalies [get]
func (hh *HistoryHandlers) GetAnomalies(c echo.Context) error {
	anomalies, err := hh.store.RecentAnomalies(c.Request().Context(), limitParam(c, 100))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	if anomalies == nil {
		anomalies = []models.Anomaly{}
	}
	return c.JSON(http.StatusOK, anomalies)
}
