package handlers

import (
	"github.com/labstack/echo/v4"
)

// Routes bundles the handler groups mounted by Register.
type Routes struct {
	Core    *Handler
	History *HistoryHandlers
	Alerts  *AlertHandlers
	Cache   *CacheHandlers
}

func Register(e *echo.Echo, r Routes) {
	// System
	e.GET("/health", r.Core.GetHealth)
	e.GET("/cache/status", r.Cache.GetCacheStatus)

	api := e.Group("/api")

	// Core endpoints
	api.GET("/nodes", r.Core.GetNodes)
	api.GET("/nodes/:id", r.Core.GetNode)
	api.GET("/stats", r.Core.GetStats)
	api.POST("/rpc", r.Core.ProxyRPC)

	// Indexer
	indexer := api.Group("/indexer")
	indexer.GET("/status", r.Core.GetIndexerStatus)
	indexer.POST("/run", r.Core.RunIndexer)

	// History endpoints
	history := api.Group("/history")
	history.GET("/network", r.History.GetNetworkHistory)
	history.GET("/nodes/:id", r.History.GetNodeHistory)

	api.GET("/events", r.History.GetEvents)
	api.GET("/anomalies", r.History.GetAnomalies)

	// Alert endpoints
	alerts := api.Group("/alerts")
	alerts.GET("", r.Alerts.GetAlertHistory)
	alerts.GET("/rules", r.Alerts.ListRules)
	alerts.POST("/rules", r.Alerts.CreateRule)
	alerts.DELETE("/rules/:id", r.Alerts.DeleteRule)
}
