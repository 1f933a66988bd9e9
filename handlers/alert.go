package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"xandindexer/models"
	"xandindexer/services"
	"xandindexer/storage"
)

// AlertHandlers manages alert rules and fired alerts
type AlertHandlers struct {
	alertService *services.AlertService
}

func NewAlertHandlers(alertService *services.AlertService) *AlertHandlers {
	return &AlertHandlers{alertService: alertService}
}

// CreateRule godoc
// @Summary Create an alert rule
// @Tags alerts
// @Accept json
// @Success 201 {object} models.AlertRule
// @Failure 400 {object} ErrorResponse
// @Router /api/alerts/rules [post]
func (ah *AlertHandlers) CreateRule(c echo.Context) error {
	var rule models.AlertRule
	if err := c.Bind(&rule); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	created, err := ah.alertService.CreateRule(c.Request().Context(), rule)
	if errors.Is(err, models.ErrInvalidRule) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, created)
}

// ListRules godoc
// @Router /api/alerts/rules [get]
func (ah *AlertHandlers) ListRules(c echo.Context) error {
	rules, err := ah.alertService.ListRules(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	if rules == nil {
		rules = []models.AlertRule{}
	}
	return c.JSON(http.StatusOK, rules)
}

// DeleteRule godoc
// @Router /api/alerts/rules/{id} [delete]
func (ah *AlertHandlers) DeleteRule(c echo.Context) error {
	err := ah.alertService.DeleteRule(c.Request().Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "rule not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

// GetAlertHistory godoc
// @Summary Fired alerts, newest first
// @Param limit query int false "Max rows (default: 100)"
// @Router /api/alerts [get]
func (ah *AlertHandlers) GetAlertHistory(c echo.Context) error {
	alerts, err := ah.alertService.RecentAlerts(c.Request().Context(), limitParam(c, 100))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	return c.JSON(http.StatusOK, alerts)
}
