package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"xandindexer/config"
	"xandindexer/models"
)

// ChainClient queries the Solana-compatible chain RPC. Each method walks the
// endpoint list in order and returns the first success.
type ChainClient struct {
	cfg       config.ChainConfig
	transport *rpcTransport
	logger    *slog.Logger
}

func NewChainClient(cfg config.ChainConfig, logger *slog.Logger) *ChainClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainClient{
		cfg:       cfg,
		transport: newRPCTransport(1, logger),
		logger:    logger.With("component", "chain"),
	}
}

// wrapped results of the form {"context":{...},"value":...}
type rpcValue[T any] struct {
	Value T `json:"value"`
}

func callChain[T any](ctx context.Context, c *ChainClient, method string, params any) (T, error) {
	var zero T
	var errs []error

	for _, endpoint := range c.cfg.Endpoints {
		raw, err := c.transport.call(ctx, endpoint, method, params, c.cfg.Timeout)
		if err != nil {
			c.logger.Debug("chain endpoint failed", "endpoint", endpoint, "method", method, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			errs = append(errs, fmt.Errorf("%s: decode %s: %w", endpoint, method, err))
			continue
		}
		return out, nil
	}

	return zero, &RegistryUnavailableError{
		Method:    method,
		Endpoints: append([]string(nil), c.cfg.Endpoints...),
		Errs:      errs,
	}
}

func (c *ChainClient) GetClusterNodes(ctx context.Context) ([]models.ClusterNode, error) {
	return callChain[[]models.ClusterNode](ctx, c, "getClusterNodes", nil)
}

func (c *ChainClient) GetVoteAccounts(ctx context.Context) (*models.VoteAccounts, error) {
	v, err := callChain[models.VoteAccounts](ctx, c, "getVoteAccounts", nil)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *ChainClient) GetEpochInfo(ctx context.Context) (*models.EpochInfo, error) {
	v, err := callChain[models.EpochInfo](ctx, c, "getEpochInfo", nil)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *ChainClient) GetRecentPerformanceSamples(ctx context.Context, limit int) ([]models.PerformanceSample, error) {
	if limit <= 0 {
		limit = 10
	}
	return callChain[[]models.PerformanceSample](ctx, c, "getRecentPerformanceSamples", []any{limit})
}

func (c *ChainClient) GetInflationRate(ctx context.Context) (*models.InflationRate, error) {
	v, err := callChain[models.InflationRate](ctx, c, "getInflationRate", nil)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *ChainClient) GetSupply(ctx context.Context) (*models.Supply, error) {
	params := []any{map[string]any{"excludeNonCirculatingAccountsList": true}}
	v, err := callChain[rpcValue[models.Supply]](ctx, c, "getSupply", params)
	if err != nil {
		return nil, err
	}
	return &v.Value, nil
}

// GetStakeMinimumDelegation returns lamports.
func (c *ChainClient) GetStakeMinimumDelegation(ctx context.Context) (*uint64, error) {
	v, err := callChain[rpcValue[uint64]](ctx, c, "getStakeMinimumDelegation", nil)
	if err != nil {
		return nil, err
	}
	return &v.Value, nil
}
