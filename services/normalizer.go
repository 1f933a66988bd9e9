package services

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"xandindexer/models"
	"xandindexer/storage"
	"xandindexer/utils"
)

// Placeholder figures for nodes that were not measured this cycle.
const (
	estimatedLatencyMs        = 50.0
	estimatedOfflineLatencyMs = 100.0
	estimatedDelinquentRate   = 50.0

	// History counts in proportion to its sample count and fully replaces
	// the live figures from this many samples on. Each extra sample moves
	// a steady node's score by at most a few points.
	historyFullWeightSamples = 10
)

// NodeEnricher supplies the context a raw pod cannot: where it is and how
// it behaved in past cycles.
type NodeEnricher interface {
	Location(ctx context.Context, ip string) string
	// History covers the window ending at now and returns false when no
	// usable history exists.
	History(ctx context.Context, nodeID string, now time.Time) (*storage.NodeHistorySummary, bool)
}

// HistoryReader is the slice of storage.Store the server enricher needs.
type HistoryReader interface {
	NodeHistory(ctx context.Context, nodeID string, since time.Time) (storage.NodeHistorySummary, error)
}

// ServerEnricher resolves locations through GeoIP and averages stored
// snapshots over the history window.
type ServerEnricher struct {
	geo     *utils.GeoResolver
	history HistoryReader
	window  time.Duration
	logger  *slog.Logger
}

func NewServerEnricher(geo *utils.GeoResolver, history HistoryReader, window time.Duration, logger *slog.Logger) *ServerEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &ServerEnricher{geo: geo, history: history, window: window, logger: logger}
}

func (e *ServerEnricher) Location(ctx context.Context, ip string) string {
	return e.geo.Location(ctx, ip)
}

func (e *ServerEnricher) History(ctx context.Context, nodeID string, now time.Time) (*storage.NodeHistorySummary, bool) {
	if e.history == nil {
		return nil, false
	}
	h, err := e.history.NodeHistory(ctx, nodeID, now.Add(-e.window))
	if err != nil {
		e.logger.Debug("node history unavailable", "node", nodeID, "err", err)
		return nil, false
	}
	if h.Samples == 0 {
		return nil, false
	}
	return &h, true
}

// HeuristicEnricher never leaves the process: first-octet regions, no
// history.
type HeuristicEnricher struct{}

func (HeuristicEnricher) Location(_ context.Context, ip string) string {
	if utils.IsPrivateIP(ip) {
		return utils.LocationPrivate
	}
	return utils.RegionFromFirstOctet(ip)
}

func (HeuristicEnricher) History(context.Context, string, time.Time) (*storage.NodeHistorySummary, bool) {
	return nil, false
}

type NormalizerOptions struct {
	Versions      *utils.VersionConfig
	DefaultPort   int
	BatchSize     int
	PreferHistory bool
}

// Normalizer turns raw pods into canonical Nodes.
type Normalizer struct {
	enricher NodeEnricher
	opts     NormalizerOptions
	logger   *slog.Logger
}

func NewNormalizer(enricher NodeEnricher, opts NormalizerOptions, logger *slog.Logger) *Normalizer {
	if enricher == nil {
		enricher = HeuristicEnricher{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{enricher: enricher, opts: opts, logger: logger}
}

// Normalize builds the Node for one pod. probe is nil when the node was not
// probed this cycle. With history enabled the same pod can normalize
// differently depending on what has been stored.
func (n *Normalizer) Normalize(ctx context.Context, pod models.RawPod, probe *models.NodeProbe, now time.Time) models.Node {
	id := pod.Identity()
	node := models.Node{
		ID:             id.NodeID(),
		Pubkey:         id.Pubkey,
		Address:        id.Address,
		IP:             id.Host(),
		GossipEndpoint: id.Address,
		IsPublic:       id.IsPublic,
		LastSeen:       id.LastSeen,
		Version:        id.Version,
		VersionStatus:  utils.VersionStatus(id.Version, n.opts.Versions),
	}
	if id.IsPublic {
		node.RPCEndpoint = rpcEndpointFor(id, n.opts.DefaultPort)
	}

	switch p := pod.(type) {
	case models.Tier2Pod:
		if node.LastSeen.IsZero() {
			node.LastSeen = now
		}
		if p.UptimeSeconds != nil {
			node.Status = utils.StatusFromUptime(*p.UptimeSeconds)
			node.Performance.UptimeSeconds = p.UptimeSeconds
			node.Performance.UptimePercent = utils.UptimePercent(*p.UptimeSeconds)
		} else {
			node.Status = utils.StatusFromLastSeen(node.LastSeen, now)
		}
		node.Storage = storageFromPod(p)
	default:
		node.Status = utils.StatusFromLastSeen(node.LastSeen, now)
		node.Storage = models.StorageMetrics{IsEstimated: true}
	}

	node.Performance.LastUpdatedMs = now.UnixMilli()
	applyEstimates(&node)
	if probe != nil {
		applyProbe(&node, probe)
	}
	if n.opts.PreferHistory {
		if h, ok := n.enricher.History(ctx, node.ID, now); ok {
			applyHistory(&node, h)
		}
	}

	node.Location = n.enricher.Location(ctx, node.IP)
	if node.Location == "" {
		node.Location = HeuristicEnricher{}.Location(ctx, node.IP)
	}

	node.PerformanceScore = utils.PerformanceScore(utils.ScoreInput{
		UptimePercent:      node.Performance.UptimePercent,
		CapacityBytes:      node.Storage.CapacityBytes,
		AverageLatencyMs:   node.Performance.AverageLatencyMs,
		SuccessRatePercent: node.Performance.SuccessRatePercent,
	})
	return node
}

// NormalizeAll keeps input order and enriches BatchSize pods at a time.
func (n *Normalizer) NormalizeAll(ctx context.Context, pods []models.RawPod, probes map[string]models.NodeProbe, now time.Time) []models.Node {
	nodes := make([]models.Node, len(pods))

	for start := 0; start < len(pods); start += n.opts.BatchSize {
		end := min(start+n.opts.BatchSize, len(pods))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				var probe *models.NodeProbe
				if p, ok := probes[pods[i].Identity().NodeID()]; ok {
					probe = &p
				}
				nodes[i] = n.Normalize(ctx, pods[i], probe, now)
				return nil
			})
		}
		_ = g.Wait()
	}

	n.logger.Debug("normalized pods", "count", len(nodes))
	return dedupeNodes(nodes)
}

// A pubkey can gossip from more than one address; keep the freshest.
func dedupeNodes(nodes []models.Node) []models.Node {
	index := make(map[string]int, len(nodes))
	out := nodes[:0]
	for _, node := range nodes {
		if i, ok := index[node.ID]; ok {
			if node.LastSeen.After(out[i].LastSeen) {
				out[i] = node
			}
			continue
		}
		index[node.ID] = len(out)
		out = append(out, node)
	}
	return out
}

func storageFromPod(p models.Tier2Pod) models.StorageMetrics {
	if !p.HasStorage() {
		return models.StorageMetrics{IsEstimated: true}
	}
	s := models.StorageMetrics{
		CapacityBytes:   p.StorageCommitted,
		UsedBytes:       p.StorageUsed,
		FileSystemCount: 1,
	}
	if p.StorageUsageFraction != nil {
		s.UtilizationPercent = *p.StorageUsageFraction * 100
	} else {
		s.UtilizationPercent = float64(p.StorageUsed) / float64(p.StorageCommitted) * 100
	}
	return s
}

func applyEstimates(node *models.Node) {
	perf := &node.Performance
	perf.IsEstimated = true
	switch node.Status {
	case models.StatusOnline:
		perf.AverageLatencyMs = estimatedLatencyMs
		perf.SuccessRatePercent = 100
	case models.StatusDelinquent:
		perf.AverageLatencyMs = estimatedLatencyMs
		perf.SuccessRatePercent = estimatedDelinquentRate
	default:
		perf.AverageLatencyMs = estimatedOfflineLatencyMs
		perf.SuccessRatePercent = 0
	}
}

// An unreachable probe only means no network metrics this cycle; the
// estimates stand.
func applyProbe(node *models.Node, probe *models.NodeProbe) {
	if !probe.Reachable {
		return
	}
	perf := &node.Performance
	perf.IsEstimated = false
	perf.AverageLatencyMs = probe.LatencyMs
	perf.SuccessRatePercent = 100
	node.NetworkMetrics = probe.Metrics
}

func applyHistory(node *models.Node, h *storage.NodeHistorySummary) {
	perf := &node.Performance
	node.HistorySamples = h.Samples
	perf.UptimePercent = blendHistory(perf.UptimePercent, h.UptimePercent(), h.Samples)
	if h.MeasuredSamples > 0 {
		perf.AverageLatencyMs = blendHistory(perf.AverageLatencyMs, h.AvgLatencyMs, h.MeasuredSamples)
		perf.SuccessRatePercent = blendHistory(perf.SuccessRatePercent, h.AvgSuccessRate, h.MeasuredSamples)
		perf.IsEstimated = false
	}
}

func blendHistory(live, historical float64, samples int) float64 {
	w := min(float64(samples)/historyFullWeightSamples, 1)
	return live*(1-w) + historical*w
}
