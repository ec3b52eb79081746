// Package scanner routes price ticks to symbol partitions, runs the
// periodic APR sweep and publishes ranked snapshots.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"grid-scanner-go/internal/aggregator"
	"grid-scanner-go/internal/alert"
	"grid-scanner-go/internal/grid"
	"grid-scanner-go/internal/metrics"
	"grid-scanner-go/internal/models"
	"grid-scanner-go/internal/statemanager"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownSymbol is returned by Drop for symbols that were never seen.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrStopped is returned once the scanner has been stopped.
	ErrStopped = statemanager.ErrStopped
)

// SnapshotSink consumes published snapshots: a table printer, an export
// repository, and so on.
type SnapshotSink interface {
	Publish(ctx context.Context, snap models.Snapshot) error
}

// Options configures a Scanner. Only Config is required.
type Options struct {
	Config   *models.Config
	Notifier alert.Notifier
	Metrics  *metrics.Metrics
	TradeLog *zap.Logger
	Logger   *zap.Logger
	Sinks    []SnapshotSink
	Clock    func() time.Time
}

// Stats are the scanner-wide counters of the last sweep.
type Stats = statemanager.Stats

// Scanner owns every partition and the shared alert throttle.
type Scanner struct {
	cfg        *models.Config
	partitions []*statemanager.StateManager
	throttle   *alert.Throttle
	agg        *aggregator.Aggregator
	metrics    *metrics.Metrics
	sinks      []SnapshotSink
	clock      func() time.Time
	logger     *zap.Logger

	known         sync.Map // symbol -> struct{}
	rejectedTicks atomic.Int64
	stopped       atomic.Bool

	mu       sync.RWMutex
	snapshot models.Snapshot
	stats    Stats
}

// New builds a scanner and starts its partitions.
func New(opts Options) (*Scanner, error) {
	if opts.Config == nil {
		return nil, errors.New("scanner: nil config")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = alert.LogNotifier{Logger: logger}
	}

	sc := cfg.Scanner
	agg := aggregator.New(aggregator.AnchorMatcher{Asset: sc.AnchorAsset, Exclude: sc.AnchorExclude}, sc.MinCyclesToDisplay)
	throttle := alert.NewThrottle(alert.Config{
		Threshold:    sc.APRAlertThreshold,
		MaxPerSymbol: sc.MaxAlertsPerSymbol,
		Cooldown:     sc.AlertCooldown(),
	}, notifier, logger)

	n := sc.Partitions
	if n <= 0 {
		n = 1
	}
	s := &Scanner{
		cfg:        cfg,
		partitions: make([]*statemanager.StateManager, n),
		throttle:   throttle,
		agg:        agg,
		metrics:    opts.Metrics,
		sinks:      opts.Sinks,
		clock:      clock,
		logger:     logger,
	}
	for i := range s.partitions {
		var observer statemanager.Observer
		if opts.Metrics != nil {
			observer = opts.Metrics
		}
		sm := statemanager.NewStateManager(i, statemanager.Options{
			Settings:   cfg,
			Scanner:    sc,
			Alerts:     throttle,
			Aggregator: agg,
			Observer:   observer,
			TradeLog:   opts.TradeLog,
			Buffer:     sc.PartitionBuffer,
		}, logger)
		sm.Start()
		s.partitions[i] = sm
	}
	logger.Info("scanner started",
		zap.Int("partitions", n),
		zap.String("apr_threshold", sc.APRAlertThreshold.String()),
		zap.Duration("apr_window", sc.APRWindow()),
	)
	return s, nil
}

func (s *Scanner) partitionFor(symbol string) *statemanager.StateManager {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return s.partitions[h.Sum32()%uint32(len(s.partitions))]
}

// OnPrice accepts one observed price. Invalid prices are rejected here,
// before any state is touched.
func (s *Scanner) OnPrice(symbol string, price decimal.Decimal, ts time.Time) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if !price.IsPositive() {
		s.rejectedTicks.Add(1)
		s.metrics.ObserveTick(false)
		return fmt.Errorf("%w: %s price %s", grid.ErrInvalidPrice, symbol, price)
	}
	s.known.LoadOrStore(symbol, struct{}{})
	return s.partitionFor(symbol).DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.PriceTickEvent,
		Timestamp: ts,
		Data:      statemanager.PriceTickData{Symbol: symbol, Price: price},
	})
}

// OnMarketStats forwards 24h statistics to the owning partition.
func (s *Scanner) OnMarketStats(stat models.MarketStat) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	return s.partitionFor(stat.Symbol).DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.MarketStatsEvent,
		Timestamp: stat.Time,
		Data:      stat,
	})
}

// Sweep recomputes every partition at now and stores the ranked snapshot.
func (s *Scanner) Sweep(ctx context.Context, now time.Time) (models.Snapshot, error) {
	if s.stopped.Load() {
		return models.Snapshot{}, ErrStopped
	}
	start := time.Now()

	results := make([]statemanager.SweepResult, len(s.partitions))
	g, gctx := errgroup.WithContext(ctx)
	for i, sm := range s.partitions {
		g.Go(func() error {
			res, err := sm.Sweep(gctx, now)
			if err != nil {
				return fmt.Errorf("partition %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.Snapshot{}, err
	}

	var rows []models.ResultRow
	stats := Stats{TopAPR: decimal.Zero}
	for _, res := range results {
		rows = append(rows, res.Rows...)
		stats = stats.Add(res.Stats)
	}
	stats.TicksRejected += s.rejectedTicks.Load()
	snap := s.agg.Snapshot(rows, now)

	s.mu.Lock()
	s.snapshot = snap
	s.stats = stats
	s.mu.Unlock()

	s.metrics.ObserveSweep(time.Since(start), snap)
	return snap, nil
}

// Snapshot returns the ranked result of the last sweep.
func (s *Scanner) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Stats returns the counters of the last sweep.
func (s *Scanner) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// AlertStatus reports the alert throttle state.
func (s *Scanner) AlertStatus() alert.Status { return s.throttle.Status() }

// ResetAlerts clears the alert state of every symbol.
func (s *Scanner) ResetAlerts() { s.throttle.ResetAll() }

// NoData returns the subscribed symbols that never delivered a valid price,
// in the order given.
func (s *Scanner) NoData(subscribed []string) []string {
	var out []string
	for _, symbol := range subscribed {
		if _, ok := s.known.Load(symbol); !ok {
			out = append(out, symbol)
		}
	}
	return out
}

// Drop forgets a symbol: its grid, cycles, rating and alert state.
func (s *Scanner) Drop(symbol string) error {
	if _, ok := s.known.Load(symbol); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	err := s.partitionFor(symbol).DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.DropSymbolEvent,
		Timestamp: s.clock(),
		Data:      symbol,
	})
	if err != nil {
		return err
	}
	s.known.Delete(symbol)
	return nil
}

// Publish hands the last snapshot to every sink.
func (s *Scanner) Publish(ctx context.Context) {
	snap := s.Snapshot()
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, snap); err != nil {
			s.logger.Warn("snapshot sink failed", zap.Error(err))
		}
	}
}

// Run sweeps on the configured cadence and publishes snapshots until ctx
// is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	sweepTicker := time.NewTicker(s.cfg.Scanner.SweepInterval())
	defer sweepTicker.Stop()
	reportTicker := time.NewTicker(s.cfg.Scanner.ReportInterval())
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			if _, err := s.Sweep(ctx, s.clock()); err != nil {
				if errors.Is(err, ErrStopped) || ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("sweep failed", zap.Error(err))
			}
		case <-reportTicker.C:
			s.Publish(ctx)
		}
	}
}

// Stop shuts down every partition. Further calls return ErrStopped.
func (s *Scanner) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	for _, sm := range s.partitions {
		sm.Stop()
	}
	s.logger.Info("scanner stopped")
}
