package services

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"xandindexer/config"
	"xandindexer/models"
)

// CacheMode indicates which cache backend is active
type CacheMode string

const (
	CacheModeRedis    CacheMode = "redis"
	CacheModeInMemory CacheMode = "in-memory"
)

const (
	cacheKeyNodes     = "xandindexer:nodes"
	cacheKeyNodesByID = "xandindexer:nodes:by_id"
	cacheKeyStats     = "xandindexer:stats"

	redisOpTimeout = 2 * time.Second
)

// CacheService holds the latest cycle's nodes and stats for the API. Redis
// is used when configured and reachable; the in-memory copy is always kept
// and serves reads whenever Redis misses or fails.
type CacheService struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	modeMu sync.RWMutex
	mode   CacheMode

	mu        sync.RWMutex
	nodes     []models.Node
	nodeIndex map[string]int
	stats     *models.NetworkStats
}

func NewCacheService(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *CacheService {
	if logger == nil {
		logger = slog.Default()
	}
	cs := &CacheService{
		ttl:    cfg.TTL,
		logger: logger.With("component", "cache"),
		mode:   CacheModeInMemory,
	}
	if cfg.Enabled {
		cs.connectRedis(ctx, cfg)
	}
	return cs
}

func (cs *CacheService) connectRedis(ctx context.Context, cfg config.RedisConfig) {
	addr := cfg.Address
	if addr == "" {
		addr = "localhost:6379"
	}
	options := &redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  redisOpTimeout,
		WriteTimeout: redisOpTimeout,
		PoolSize:     5,
		MinIdleConns: 1,
		MaxRetries:   3,
	}
	if cfg.UseTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cs.redis = redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cs.redis.Ping(pingCtx).Err(); err != nil {
		cs.logger.Warn("redis unavailable, using in-memory cache", "addr", addr, "tls", cfg.UseTLS, "err", err)
		return
	}
	cs.logger.Info("redis connected", "addr", addr)
	cs.setMode(CacheModeRedis)
}

func (cs *CacheService) setMode(mode CacheMode) {
	cs.modeMu.Lock()
	defer cs.modeMu.Unlock()
	if cs.mode != mode {
		cs.mode = mode
		cs.logger.Info("cache mode changed", "mode", mode)
	}
}

func (cs *CacheService) Mode() CacheMode {
	cs.modeMu.RLock()
	defer cs.modeMu.RUnlock()
	return cs.mode
}

// RunHealthCheck pings Redis every interval, switching modes on failure and
// recovery. It returns when ctx is done.
func (cs *CacheService) RunHealthCheck(ctx context.Context, interval time.Duration) {
	if cs.redis == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.checkRedisHealth(ctx)
		}
	}
}

func (cs *CacheService) checkRedisHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	err := cs.redis.Ping(pingCtx).Err()

	switch mode := cs.Mode(); {
	case mode == CacheModeRedis && err != nil:
		cs.logger.Warn("redis health check failed", "err", err)
		cs.setMode(CacheModeInMemory)
	case mode == CacheModeInMemory && err == nil:
		cs.setMode(CacheModeRedis)
		cs.syncToRedis(ctx)
	}
}

// syncToRedis pushes the in-memory copy after a reconnect.
func (cs *CacheService) syncToRedis(ctx context.Context) {
	cs.mu.RLock()
	nodes := append([]models.Node(nil), cs.nodes...)
	stats := cs.stats
	cs.mu.RUnlock()
	if stats == nil {
		return
	}
	if err := cs.writeRedis(ctx, nodes, *stats); err != nil {
		cs.logger.Warn("redis resync failed", "err", err)
	}
}

// SetSnapshot replaces the cached cycle result.
func (cs *CacheService) SetSnapshot(ctx context.Context, nodes []models.Node, stats models.NetworkStats) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}

	cs.mu.Lock()
	cs.nodes = append([]models.Node(nil), nodes...)
	cs.nodeIndex = index
	cs.stats = &stats
	cs.mu.Unlock()

	if cs.Mode() != CacheModeRedis {
		return
	}
	if err := cs.writeRedis(ctx, nodes, stats); err != nil {
		cs.logger.Warn("redis write failed, falling back to in-memory", "err", err)
		cs.setMode(CacheModeInMemory)
	}
}

func (cs *CacheService) writeRedis(ctx context.Context, nodes []models.Node, stats models.NetworkStats) error {
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	byID := make(map[string]any, len(nodes))
	for _, n := range nodes {
		b, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal node %s: %w", n.ID, err)
		}
		byID[n.ID] = b
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	_, err = cs.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, cacheKeyNodes, nodesJSON, cs.ttl)
		pipe.Set(ctx, cacheKeyStats, statsJSON, cs.ttl)
		pipe.Del(ctx, cacheKeyNodesByID)
		if len(byID) > 0 {
			pipe.HSet(ctx, cacheKeyNodesByID, byID)
			if cs.ttl > 0 {
				pipe.Expire(ctx, cacheKeyNodesByID, cs.ttl)
			}
		}
		return nil
	})
	return err
}

// Nodes returns the cached node list; ok is false before the first cycle.
func (cs *CacheService) Nodes(ctx context.Context) ([]models.Node, bool) {
	var nodes []models.Node
	if cs.readRedis(ctx, cacheKeyNodes, &nodes) {
		return nodes, true
	}

	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.stats == nil {
		return nil, false
	}
	return append([]models.Node(nil), cs.nodes...), true
}

func (cs *CacheService) Node(ctx context.Context, id string) (models.Node, bool) {
	if cs.Mode() == CacheModeRedis {
		rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		raw, err := cs.redis.HGet(rctx, cacheKeyNodesByID, id).Bytes()
		cancel()
		if err == nil {
			var node models.Node
			if json.Unmarshal(raw, &node) == nil {
				return node, true
			}
		} else if !errors.Is(err, redis.Nil) {
			cs.logger.Debug("redis node read failed", "node", id, "err", err)
		}
	}

	cs.mu.RLock()
	defer cs.mu.RUnlock()
	i, ok := cs.nodeIndex[id]
	if !ok {
		return models.Node{}, false
	}
	return cs.nodes[i], true
}

// Stats returns the cached network stats; ok is false before the first cycle.
func (cs *CacheService) Stats(ctx context.Context) (models.NetworkStats, bool) {
	var stats models.NetworkStats
	if cs.readRedis(ctx, cacheKeyStats, &stats) {
		return stats, true
	}

	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.stats == nil {
		return models.NetworkStats{}, false
	}
	return *cs.stats, true
}

func (cs *CacheService) readRedis(ctx context.Context, key string, out any) bool {
	if cs.Mode() != CacheModeRedis {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := cs.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			cs.logger.Debug("redis read failed", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		cs.logger.Debug("redis value undecodable", "key", key, "err", err)
		return false
	}
	return true
}

func (cs *CacheService) Close() error {
	if cs.redis == nil {
		return nil
	}
	return cs.redis.Close()
}
