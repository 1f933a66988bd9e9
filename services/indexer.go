package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"xandindexer/models"
	"xandindexer/storage"
)

// NodeSource is the pnRPC side of a cycle.
type NodeSource interface {
	FetchAllPNodes(ctx context.Context) (models.PodSet, error)
	ProbeNodes(ctx context.Context, pods []models.RawPod) map[string]models.NodeProbe
}

// ChainSource is the chain RPC side of a cycle. Every call is best-effort.
type ChainSource interface {
	GetClusterNodes(ctx context.Context) ([]models.ClusterNode, error)
	GetVoteAccounts(ctx context.Context) (*models.VoteAccounts, error)
	GetEpochInfo(ctx context.Context) (*models.EpochInfo, error)
	GetRecentPerformanceSamples(ctx context.Context, limit int) ([]models.PerformanceSample, error)
	GetInflationRate(ctx context.Context) (*models.InflationRate, error)
	GetSupply(ctx context.Context) (*models.Supply, error)
	GetStakeMinimumDelegation(ctx context.Context) (*uint64, error)
}

type IndexerOptions struct {
	Interval           time.Duration
	ProbeNodes         bool
	PerformanceSamples int
	BatchSize          int
	// 0 keeps every snapshot
	Retention time.Duration
}

// IndexerDeps wires the collaborators. Chain, Alerts and Cache are optional.
type IndexerDeps struct {
	Nodes      NodeSource
	Chain      ChainSource
	Store      storage.Store
	Normalizer *Normalizer
	Aggregator *DataAggregator
	Detector   *Detector
	Alerts     *AlertService
	Cache      *CacheService
}

// CycleReport summarises one indexing cycle.
type CycleReport struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration_ns"`
	Tier      models.PodTier `json:"tier"`
	Seed      string         `json:"seed"`
	Nodes     int            `json:"nodes"`
	Persisted int            `json:"persisted"`
	Failed    int            `json:"failed"`
	Events    int            `json:"events"`
	Anomalies int            `json:"anomalies"`
	Alerts    int            `json:"alerts"`
	Pruned    int64          `json:"pruned"`
	Err       string         `json:"error,omitempty"`

	Snapshot *models.NetworkSnapshot `json:"snapshot,omitempty"`
}

type IndexerStatus struct {
	Running   bool         `json:"running"`
	InFlight  bool         `json:"in_flight"`
	Interval  string       `json:"interval"`
	LastCycle *CycleReport `json:"last_cycle,omitempty"`
}

// Indexer runs indexing cycles on a fixed interval. At most one cycle runs
// at a time; the last-known map is only touched by the cycle holding
// inFlight.
type Indexer struct {
	deps   IndexerDeps
	opts   IndexerOptions
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	running  bool
	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}

	inFlight  atomic.Bool
	lastKnown map[string]models.LastKnown

	reportMu   sync.RWMutex
	lastReport *CycleReport
}

func NewIndexer(deps IndexerDeps, opts IndexerOptions, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PerformanceSamples <= 0 {
		opts.PerformanceSamples = 10
	}
	if deps.Aggregator == nil {
		deps.Aggregator = NewDataAggregator(logger)
	}
	return &Indexer{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "indexer"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a cycle now and then every interval. Calling it while running
// does nothing. A non-positive interval uses the configured one.
func (ix *Indexer) Start(interval time.Duration) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.running {
		return
	}
	if interval <= 0 {
		interval = ix.opts.Interval
	}

	ix.running = true
	ix.interval = interval
	ix.stopCh = make(chan struct{})
	ix.done = make(chan struct{})
	go ix.loop(interval, ix.stopCh, ix.done)

	ix.logger.Info("indexer started", "interval", interval)
}

// Stop ends the schedule. An in-flight cycle is not interrupted; Stop
// returns once it has finished.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if !ix.running {
		ix.mu.Unlock()
		return
	}
	ix.running = false
	close(ix.stopCh)
	done := ix.done
	ix.mu.Unlock()

	<-done
	ix.logger.Info("indexer stopped")
}

func (ix *Indexer) IsRunning() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.running
}

func (ix *Indexer) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ix.tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			ix.tick()
		}
	}
}

func (ix *Indexer) tick() {
	if _, err := ix.RunCycle(context.Background()); errors.Is(err, ErrCycleInProgress) {
		ix.logger.Debug("previous cycle still running, skipping tick")
	}
}

// LastCycle returns the most recent report; ok is false before any cycle.
func (ix *Indexer) LastCycle() (CycleReport, bool) {
	ix.reportMu.RLock()
	defer ix.reportMu.RUnlock()
	if ix.lastReport == nil {
		return CycleReport{}, false
	}
	return *ix.lastReport, true
}

func (ix *Indexer) Status() IndexerStatus {
	ix.mu.Lock()
	st := IndexerStatus{Running: ix.running, Interval: ix.opts.Interval.String()}
	if ix.running {
		st.Interval = ix.interval.String()
	}
	ix.mu.Unlock()

	st.InFlight = ix.inFlight.Load()
	if r, ok := ix.LastCycle(); ok {
		st.LastCycle = &r
	}
	return st
}

// RunCycle runs one cycle now. It returns ErrCycleInProgress when another
// cycle holds the guard. Failures, panics included, are written as a
// CRITICAL event and returned; they never escape as panics.
func (ix *Indexer) RunCycle(ctx context.Context) (report CycleReport, err error) {
	if !ix.inFlight.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer ix.inFlight.Store(false)

	report.StartedAt = ix.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("indexing cycle panicked: %v", r)
		}
		report.Duration = time.Since(report.StartedAt)
		if err != nil {
			report.Err = err.Error()
			ix.recordFailure(ctx, err, report)
		}
		ix.reportMu.Lock()
		r := report
		ix.lastReport = &r
		ix.reportMu.Unlock()
	}()

	err = ix.runCycle(ctx, &report)
	return report, err
}

func (ix *Indexer) runCycle(ctx context.Context, report *CycleReport) error {
	now := report.StartedAt

	// 1. fetch the node set and the best-effort chain data together
	var (
		set    models.PodSet
		probes map[string]models.NodeProbe
		aux    models.Auxiliary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		set, err = ix.deps.Nodes.FetchAllPNodes(gctx)
		if err != nil {
			return fmt.Errorf("fetch pnodes: %w", err)
		}
		if ix.opts.ProbeNodes {
			probes = ix.deps.Nodes.ProbeNodes(gctx, set.Pods)
		}
		return nil
	})
	if chain := ix.deps.Chain; chain != nil {
		g.Go(func() error {
			aux.VoteAccounts = fetchOptional(gctx, ix.logger, "vote accounts", chain.GetVoteAccounts)
			return nil
		})
		g.Go(func() error {
			aux.ClusterNodes = fetchOptional(gctx, ix.logger, "cluster nodes", chain.GetClusterNodes)
			return nil
		})
		g.Go(func() error {
			aux.Epoch = fetchOptional(gctx, ix.logger, "epoch info", chain.GetEpochInfo)
			return nil
		})
		g.Go(func() error {
			aux.PerformanceSamples = fetchOptional(gctx, ix.logger, "performance samples", func(ctx context.Context) ([]models.PerformanceSample, error) {
				return chain.GetRecentPerformanceSamples(ctx, ix.opts.PerformanceSamples)
			})
			return nil
		})
		g.Go(func() error {
			aux.Inflation = fetchOptional(gctx, ix.logger, "inflation rate", chain.GetInflationRate)
			return nil
		})
		g.Go(func() error {
			aux.Supply = fetchOptional(gctx, ix.logger, "supply", chain.GetSupply)
			return nil
		})
		g.Go(func() error {
			aux.StakeMinimum = fetchOptional(gctx, ix.logger, "stake minimum", chain.GetStakeMinimumDelegation)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	report.Tier, report.Seed = set.Tier, set.Seed

	// everything derived is built before the first write
	nodes := ix.deps.Normalizer.NormalizeAll(ctx, set.Pods, probes, now)
	stats := ix.deps.Aggregator.Aggregate(nodes, now)
	report.Nodes = len(nodes)

	// 2. node identity, then its snapshot
	report.Persisted, report.Failed = ix.persistNodes(ctx, nodes, now)

	// 3-6. chain data
	ix.persistValidators(ctx, aux, now)
	ix.persistEpoch(ctx, aux.Epoch, now)
	ix.persistPerformanceSamples(ctx, aux.PerformanceSamples, now)
	ix.persistEconomics(ctx, aux, now)

	// 7. exactly one network snapshot, after every node row
	snap := models.NewNetworkSnapshot(stats, aux, now)
	if err := ix.deps.Store.InsertNetworkSnapshot(ctx, &snap); err != nil {
		return fmt.Errorf("insert network snapshot: %w", err)
	}
	report.Snapshot = &snap

	// 8-9. events against the previous cycle, anomalies against history
	if ix.deps.Detector != nil {
		events, err := ix.deps.Detector.ProcessEvents(ctx, ix.lastKnown, nodes, now)
		if err != nil {
			ix.logger.Warn("event persistence incomplete", "err", err)
		}
		report.Events = len(events)

		anomalies, err := ix.deps.Detector.ProcessAnomalies(ctx, stats, now)
		if err != nil {
			ix.logger.Warn("anomaly detection incomplete", "err", err)
		}
		report.Anomalies = len(anomalies)
	}

	if ix.deps.Alerts != nil {
		fired, err := ix.deps.Alerts.Evaluate(ctx, stats, nodes, now)
		if err != nil {
			ix.logger.Warn("alert evaluation incomplete", "err", err)
		}
		report.Alerts = len(fired)
	}

	if ix.deps.Cache != nil {
		ix.deps.Cache.SetSnapshot(ctx, nodes, stats)
	}

	if ix.opts.Retention > 0 {
		pruned, err := ix.deps.Store.DeleteSnapshotsBefore(ctx, now.Add(-ix.opts.Retention))
		if err != nil {
			ix.logger.Warn("snapshot retention failed", "err", err)
		}
		report.Pruned = pruned
	}

	// 10. last
	ix.lastKnown = models.LastKnownFrom(nodes)

	ix.logger.Info("indexing cycle complete",
		"nodes", report.Nodes,
		"persisted", report.Persisted,
		"failed", report.Failed,
		"tier", int(report.Tier),
		"seed", report.Seed,
		"health", stats.HealthScore,
		"events", report.Events,
		"took", time.Since(now),
	)
	return nil
}

// fetchOptional turns a failed auxiliary fetch into the zero value.
func fetchOptional[T any](ctx context.Context, logger *slog.Logger, name string, fetch func(context.Context) (T, error)) T {
	v, err := fetch(ctx)
	if err != nil {
		logger.Warn("auxiliary fetch failed", "fetch", name, "err", err)
		var zero T
		return zero
	}
	return v
}

func (ix *Indexer) persistNodes(ctx context.Context, nodes []models.Node, now time.Time) (persisted, failed int) {
	var ok, bad atomic.Int64

	for start := 0; start < len(nodes); start += ix.opts.BatchSize {
		end := min(start+ix.opts.BatchSize, len(nodes))

		var g errgroup.Group
		for _, node := range nodes[start:end] {
			g.Go(func() error {
				if err := ix.persistNode(ctx, node, now); err != nil {
					bad.Add(1)
					ix.logger.Warn("node persistence failed", "node", node.ID, "err", err)
					return nil
				}
				ok.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}
	return int(ok.Load()), int(bad.Load())
}

func (ix *Indexer) persistNode(ctx context.Context, node models.Node, now time.Time) error {
	rec := models.NewNodeRecord(node, now)
	if err := ix.deps.Store.UpsertNode(ctx, &rec); err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	snap := models.NewNodeSnapshot(node, now)
	if err := ix.deps.Store.InsertNodeSnapshot(ctx, &snap); err != nil {
		return fmt.Errorf("insert node snapshot: %w", err)
	}
	return nil
}

func (ix *Indexer) persistValidators(ctx context.Context, aux models.Auxiliary, now time.Time) {
	if aux.VoteAccounts == nil {
		return
	}
	cluster := make(map[string]models.ClusterNode, len(aux.ClusterNodes))
	for _, n := range aux.ClusterNodes {
		cluster[n.Pubkey] = n
	}

	write := func(acc models.VoteAccount, delinquent bool) error {
		rec := models.ValidatorRecord{
			VotePubkey: acc.VotePubkey,
			NodePubkey: acc.NodePubkey,
			FirstSeen:  now,
			LastSeen:   now,
		}
		if cn, ok := cluster[acc.NodePubkey]; ok {
			if cn.Version != nil {
				rec.Version = *cn.Version
			}
			if cn.Gossip != nil {
				rec.Gossip = *cn.Gossip
			}
		}
		if err := ix.deps.Store.UpsertValidator(ctx, &rec); err != nil {
			return err
		}
		return ix.deps.Store.InsertValidatorSnapshot(ctx, &models.ValidatorSnapshot{
			VotePubkey:     acc.VotePubkey,
			Timestamp:      now,
			ActivatedStake: acc.ActivatedStake,
			Commission:     acc.Commission,
			LastVote:       acc.LastVote,
			RootSlot:       acc.RootSlot,
			Delinquent:     delinquent,
		})
	}

	var failed int
	for _, acc := range aux.VoteAccounts.Current {
		if err := write(acc, false); err != nil {
			failed++
		}
	}
	for _, acc := range aux.VoteAccounts.Delinquent {
		if err := write(acc, true); err != nil {
			failed++
		}
	}
	if failed > 0 {
		ix.logger.Warn("validator persistence incomplete", "failed", failed, "total", aux.VoteAccounts.Count())
	}
}

func (ix *Indexer) persistEpoch(ctx context.Context, epoch *models.EpochInfo, now time.Time) {
	if epoch == nil {
		return
	}
	err := ix.deps.Store.UpsertEpochSnapshot(ctx, &models.EpochSnapshot{
		Epoch:            epoch.Epoch,
		AbsoluteSlot:     epoch.AbsoluteSlot,
		BlockHeight:      epoch.BlockHeight,
		SlotIndex:        epoch.SlotIndex,
		SlotsInEpoch:     epoch.SlotsInEpoch,
		TransactionCount: epoch.TransactionCount,
		UpdatedAt:        now,
	})
	if err != nil {
		ix.logger.Warn("epoch snapshot failed", "epoch", epoch.Epoch, "err", err)
	}
}

func (ix *Indexer) persistPerformanceSamples(ctx context.Context, samples []models.PerformanceSample, now time.Time) {
	for _, s := range samples {
		exists, err := ix.deps.Store.PerformanceSampleExists(ctx, s.Slot)
		if err != nil {
			ix.logger.Warn("performance sample lookup failed", "slot", s.Slot, "err", err)
			continue
		}
		if exists {
			continue
		}
		err = ix.deps.Store.InsertPerformanceSample(ctx, &models.PerformanceSampleRecord{
			Slot:                   s.Slot,
			NumTransactions:        s.NumTransactions,
			NumNonVoteTransactions: s.NumNonVoteTransactions,
			NumSlots:               s.NumSlots,
			SamplePeriodSecs:       s.SamplePeriodSecs,
			TPS:                    s.TPS(),
			RecordedAt:             now,
		})
		if err != nil {
			ix.logger.Warn("performance sample insert failed", "slot", s.Slot, "err", err)
		}
	}
}

// One economics row needs all four economics fetches.
func (ix *Indexer) persistEconomics(ctx context.Context, aux models.Auxiliary, now time.Time) {
	if aux.Inflation == nil || aux.Supply == nil || aux.StakeMinimum == nil || aux.Epoch == nil {
		return
	}
	err := ix.deps.Store.InsertEconomicsSnapshot(ctx, &models.EconomicsSnapshot{
		Timestamp:            now,
		Epoch:                aux.Epoch.Epoch,
		InflationTotal:       aux.Inflation.Total,
		InflationValidator:   aux.Inflation.Validator,
		InflationFoundation:  aux.Inflation.Foundation,
		SupplyTotal:          aux.Supply.Total,
		SupplyCirculating:    aux.Supply.Circulating,
		SupplyNonCirculating: aux.Supply.NonCirculating,
		StakeMinimumLamports: *aux.StakeMinimum,
	})
	if err != nil {
		ix.logger.Warn("economics snapshot failed", "err", err)
	}
}

func (ix *Indexer) recordFailure(ctx context.Context, cause error, report CycleReport) {
	ix.logger.Error("indexing cycle failed", "err", cause, "took", report.Duration)
	if ix.deps.Detector == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	ev := models.NetworkEvent{
		Type:        models.EventIndexingFailed,
		Severity:    models.SeverityCritical,
		Title:       "Indexing cycle failed",
		Description: cause.Error(),
		Metadata: map[string]any{
			"started_at":  report.StartedAt,
			"duration_ms": report.Duration.Milliseconds(),
			"registry":    errors.Is(cause, ErrRegistryUnavailable),
		},
		Timestamp: ix.now(),
	}
	if err := ix.deps.Detector.Record(ctx, &ev); err != nil {
		ix.logger.Error("failed to record indexing failure", "err", err)
	}
}
