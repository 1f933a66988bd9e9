package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"xandindexer/models"
)

const proxyTimeout = 10 * time.Second

// ProxyRPC forwards a pnRPC request to a random online public node, trying a
// second node when the first is unreachable.
// @Router /api/rpc [post]
func (h *Handler) ProxyRPC(c echo.Context) error {
	var req models.RPCRequest
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.RPCError{Code: -32700, Message: "Parse error"})
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusBadRequest, models.RPCError{Code: -32700, Message: "Parse error"})
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return c.JSON(http.StatusBadRequest, models.RPCError{Code: -32600, Message: "Invalid Request"})
	}

	ctx := c.Request().Context()
	nodes, found := h.Cache.Nodes(ctx)
	if !found || len(nodes) == 0 {
		return c.JSON(http.StatusServiceUnavailable, models.RPCError{Code: -32000, Message: "No nodes available"})
	}

	var candidates []models.Node
	for _, n := range nodes {
		if n.Status == models.StatusOnline && n.IsPublic && n.RPCEndpoint != "" {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return c.JSON(http.StatusServiceUnavailable, models.RPCError{Code: -32000, Message: "No reachable nodes"})
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	var lastErr error
	for _, target := range candidates[:min(2, len(candidates))] {
		result, err := h.PRPC.CallPRPC(ctx, target.RPCEndpoint, req.Method, req.Params, proxyTimeout)
		var rpcErr *models.RPCError
		if errors.As(err, &rpcErr) {
			return c.JSON(http.StatusOK, models.RPCResponse{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
		}
		if err == nil {
			c.Response().Header().Set("X-Proxied-Node", target.ID)
			return c.JSON(http.StatusOK, models.RPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
		}
		lastErr = err
		h.logger.Warn("proxied rpc failed", "node", target.ID, "method", req.Method, "err", err)
	}

	h.logger.Error("rpc proxy exhausted candidates", "method", req.Method, "err", lastErr)
	return c.JSON(http.StatusBadGateway, models.RPCError{Code: -32603, Message: "Internal proxied error"})
}
