package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"xandindexer/config"
	"xandindexer/models"
)

// PRPCClient talks pnRPC to the seed nodes and, for probes, to individual
// public pNodes.
type PRPCClient struct {
	cfg       config.PRPCConfig
	transport *rpcTransport
	logger    *slog.Logger
}

func NewPRPCClient(cfg config.PRPCConfig, logger *slog.Logger) *PRPCClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &PRPCClient{
		cfg:       cfg,
		transport: newRPCTransport(cfg.MaxRetries, logger),
		logger:    logger.With("component", "prpc"),
	}
}

// Seeds returns the configured seed endpoints in fallback order.
func (c *PRPCClient) Seeds() []string {
	return append([]string(nil), c.cfg.Seeds...)
}

// CallPRPC sends one pnRPC request to a single node.
func (c *PRPCClient) CallPRPC(ctx context.Context, endpoint, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.transport.call(ctx, pnodeRPCURL(endpoint, c.cfg.DefaultPort), method, params, timeout)
}

// GetPods queries the presence-only registry method.
func (c *PRPCClient) GetPods(ctx context.Context) (models.PodSet, error) {
	return c.fetchPods(ctx, models.TierPresence, c.cfg.PresenceTimeout)
}

// GetPodsWithStats queries the stats-bearing registry method.
func (c *PRPCClient) GetPodsWithStats(ctx context.Context) (models.PodSet, error) {
	return c.fetchPods(ctx, models.TierStats, c.cfg.StatsTimeout)
}

// FetchAllPNodes prefers the stats tier and falls back to presence only
// when no seed could serve stats.
func (c *PRPCClient) FetchAllPNodes(ctx context.Context) (models.PodSet, error) {
	set, err := c.GetPodsWithStats(ctx)
	if err == nil {
		return set, nil
	}
	if ctx.Err() != nil {
		return models.PodSet{}, err
	}
	c.logger.Warn("stats tier unavailable, falling back to presence tier", "err", err)

	set, presenceErr := c.GetPods(ctx)
	if presenceErr != nil {
		return models.PodSet{}, &RegistryUnavailableError{
			Method:    models.TierStats.Method() + "," + models.TierPresence.Method(),
			Endpoints: triedEndpoints(err, presenceErr),
			Errs:      []error{err, presenceErr},
		}
	}
	return set, nil
}

// triedEndpoints merges the seeds named by registry errors, first try first.
func triedEndpoints(errs ...error) []string {
	var out []string
	seen := map[string]bool{}
	for _, err := range errs {
		var ru *RegistryUnavailableError
		if !errors.As(err, &ru) {
			continue
		}
		for _, ep := range ru.Endpoints {
			if !seen[ep] {
				seen[ep] = true
				out = append(out, ep)
			}
		}
	}
	return out
}

// fetchPods walks the seeds in order; the first non-empty answer wins.
func (c *PRPCClient) fetchPods(ctx context.Context, tier models.PodTier, timeout time.Duration) (models.PodSet, error) {
	method := tier.Method()
	var errs []error
	var tried []string

	for _, seed := range c.cfg.Seeds {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		tried = append(tried, seed)
		raw, err := c.CallPRPC(ctx, seed, method, nil, timeout)
		if err != nil {
			c.logger.Debug("seed failed", "seed", seed, "method", method, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", seed, err))
			continue
		}

		pods, err := models.ParsePods(tier, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", seed, err))
			continue
		}
		if len(pods) == 0 {
			errs = append(errs, fmt.Errorf("%s: no pods", seed))
			continue
		}

		c.logger.Debug("seed answered", "seed", seed, "method", method, "pods", len(pods))
		return models.PodSet{Tier: tier, Seed: seed, Pods: pods}, nil
	}

	return models.PodSet{}, &RegistryUnavailableError{Method: method, Endpoints: tried, Errs: errs}
}

// GetStats calls get-stats on one node with the per-node timeout.
func (c *PRPCClient) GetStats(ctx context.Context, endpoint string) (*models.StatsResponse, error) {
	raw, err := c.CallPRPC(ctx, endpoint, "get-stats", nil, c.cfg.NodeTimeout)
	if err != nil {
		return nil, err
	}
	var stats models.StatsResponse
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("decode get-stats: %w", err)
	}
	return &stats, nil
}

// ProbeNodes calls get-stats on every public pod, BatchSize at a time.
// Individual failures come back as unreachable probes, never as an error.
func (c *PRPCClient) ProbeNodes(ctx context.Context, pods []models.RawPod) map[string]models.NodeProbe {
	targets := make([]models.PodIdentity, 0, len(pods))
	for _, p := range pods {
		id := p.Identity()
		if id.IsPublic {
			targets = append(targets, id)
		}
	}

	probes := make(map[string]models.NodeProbe, len(targets))
	var mu sync.Mutex

	for start := 0; start < len(targets); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(targets))

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range targets[start:end] {
			g.Go(func() error {
				probe := c.probe(gctx, id)
				mu.Lock()
				probes[id.NodeID()] = probe
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			break
		}
	}

	reachable := 0
	for _, p := range probes {
		if p.Reachable {
			reachable++
		}
	}
	c.logger.Debug("probed nodes", "targets", len(targets), "reachable", reachable)
	return probes
}

func (c *PRPCClient) probe(ctx context.Context, id models.PodIdentity) models.NodeProbe {
	start := time.Now()
	stats, err := c.GetStats(ctx, c.rpcEndpoint(id))
	if err != nil {
		return models.NodeProbe{}
	}
	return models.NodeProbe{
		Reachable: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		Metrics:   stats.NetworkMetrics(),
	}
}

func (c *PRPCClient) rpcEndpoint(id models.PodIdentity) string {
	return rpcEndpointFor(id, c.cfg.DefaultPort)
}

// rpcEndpointFor is the node's pnRPC address: gossip host plus its rpc port.
func rpcEndpointFor(id models.PodIdentity, defaultPort int) string {
	port := id.RPCPort
	if port <= 0 {
		port = defaultPort
	}
	return net.JoinHostPort(id.Host(), strconv.Itoa(port))
}
