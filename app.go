package main

import (
	"context"
	"fmt"
	"log/slog"

	"xandindexer/config"
	"xandindexer/services"
	"xandindexer/storage"
	"xandindexer/utils"
)

// app owns every long-lived component built from one Config.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store   storage.Store
	geo     *utils.GeoResolver
	prpc    *services.PRPCClient
	cache   *services.CacheService
	alerts  *services.AlertService
	discord *services.DiscordNotifier
	indexer *services.Indexer
}

func loadApp(ctx context.Context, cfgFile string) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := utils.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"seeds", len(cfg.PRPC.Seeds),
		"chain_endpoints", len(cfg.Chain.Endpoints),
		"storage", cfg.Storage.Driver,
		"redis", cfg.Redis.Enabled,
		"geoip", cfg.GeoIP.Mode,
	)
	return newApp(ctx, cfg, logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	a.prpc = services.NewPRPCClient(cfg.PRPC, logger)
	a.cache = services.NewCacheService(ctx, cfg.Redis, logger)

	var enricher services.NodeEnricher = services.HeuristicEnricher{}
	if cfg.GeoIP.Mode == "server" {
		a.geo = utils.NewGeoResolver(utils.GeoOptions{
			DBPath:     cfg.GeoIP.DBPath,
			APIBaseURL: cfg.GeoIP.APIBaseURL,
			Timeout:    cfg.GeoIP.Timeout,
			MinSpacing: cfg.GeoIP.MinSpacing,
		}, logger)
		enricher = services.NewServerEnricher(a.geo, store, cfg.Indexer.HistoryWindow, logger)
	}

	normalizer := services.NewNormalizer(enricher, services.NormalizerOptions{
		Versions:      &cfg.Versions,
		DefaultPort:   cfg.PRPC.DefaultPort,
		BatchSize:     cfg.PRPC.BatchSize,
		PreferHistory: cfg.Indexer.PreferHistory,
	}, logger)

	var notifier services.Notifier
	if cfg.Discord.Enabled() {
		d, err := services.NewDiscordNotifier(cfg.Discord.BotToken, cfg.Discord.ChannelID, a.cache, logger)
		if err != nil {
			logger.Warn("discord notifier disabled", "err", err)
		} else {
			a.discord = d
			notifier = d
		}
	}
	a.alerts = services.NewAlertService(store, notifier, logger)

	deps := services.IndexerDeps{
		Nodes:      a.prpc,
		Store:      store,
		Normalizer: normalizer,
		Aggregator: services.NewDataAggregator(logger),
		Detector: services.NewDetector(store, services.DetectorOptions{
			Threshold:  cfg.Indexer.AnomalyThreshold,
			Lookback:   cfg.Indexer.AnomalyLookback,
			MinHistory: cfg.Indexer.AnomalyMinHistory,
		}, logger),
		Alerts: a.alerts,
		Cache:  a.cache,
	}
	if len(cfg.Chain.Endpoints) > 0 {
		deps.Chain = services.NewChainClient(cfg.Chain, logger)
	}

	a.indexer = services.NewIndexer(deps, services.IndexerOptions{
		Interval:           cfg.Indexer.Interval(),
		ProbeNodes:         cfg.PRPC.ProbeNodes,
		PerformanceSamples: cfg.Indexer.PerformanceSamples,
		BatchSize:          cfg.PRPC.BatchSize,
		Retention:          cfg.Indexer.Retention,
	}, logger)

	return a, nil
}

// Close releases resources in reverse order of construction. The indexer
// must already be stopped.
func (a *app) Close() {
	if a.discord != nil {
		if err := a.discord.Close(); err != nil {
			a.logger.Warn("close discord", "err", err)
		}
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("close cache", "err", err)
	}
	if a.geo != nil {
		a.geo.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close storage", "err", err)
	}
}
