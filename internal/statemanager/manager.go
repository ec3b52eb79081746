package statemanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"grid-scanner-go/internal/aggregator"
	"grid-scanner-go/internal/apr"
	"grid-scanner-go/internal/cycles"
	"grid-scanner-go/internal/grid"
	"grid-scanner-go/internal/models"
	"grid-scanner-go/internal/rating"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrStopped is returned when an event is dispatched to a stopped partition.
var ErrStopped = errors.New("state manager stopped")

// EventType defines the type of a normalized event
type EventType int

const (
	PriceTickEvent EventType = iota
	MarketStatsEvent
	SweepEvent
	DropSymbolEvent
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// PriceTickData is one observed price for a symbol. The event timestamp is
// the observation time.
type PriceTickData struct {
	Symbol string
	Price  decimal.Decimal
}

// SweepRequest asks the partition to recompute every symbol it owns.
type SweepRequest struct {
	Ctx   context.Context
	Reply chan SweepResult
}

// SweepResult carries the rows and counters of one partition.
type SweepResult struct {
	Rows  []models.ResultRow
	Stats Stats
}

// Stats are partition counters, reported with every sweep.
type Stats struct {
	TrackedSymbols    int
	SymbolsWithCycles int
	RejectedSymbols   int
	TicksAccepted     int64
	TicksRejected     int64
	Alerts            int
	TopAPR            decimal.Decimal
}

// Add merges the counters of another partition.
func (s Stats) Add(o Stats) Stats {
	s.TrackedSymbols += o.TrackedSymbols
	s.SymbolsWithCycles += o.SymbolsWithCycles
	s.RejectedSymbols += o.RejectedSymbols
	s.TicksAccepted += o.TicksAccepted
	s.TicksRejected += o.TicksRejected
	s.Alerts += o.Alerts
	if o.TopAPR.GreaterThan(s.TopAPR) {
		s.TopAPR = o.TopAPR
	}
	return s
}

// SettingResolver returns the grid setting of a symbol.
type SettingResolver interface {
	SettingFor(symbol string) (models.GridSetting, bool)
}

// AlertChecker is consulted with every recomputed APR. Reset forgets a
// symbol's alert state and runs on the event loop when the symbol is dropped.
type AlertChecker interface {
	Check(ctx context.Context, symbol string, apr decimal.Decimal, now time.Time) bool
	Reset(symbol string)
}

// Observer receives per-event counters, e.g. Prometheus metrics.
type Observer interface {
	ObserveTick(accepted bool)
	ObserveFill(side models.Side, cycleCompleted bool)
	ObserveRejectedSymbol()
	ObserveAlert()
}

type nopObserver struct{}

func (nopObserver) ObserveTick(bool)              {}
func (nopObserver) ObserveFill(models.Side, bool) {}
func (nopObserver) ObserveRejectedSymbol()        {}
func (nopObserver) ObserveAlert()                 {}

// Options wires a partition to its collaborators.
type Options struct {
	Settings   SettingResolver
	Scanner    models.ScannerConfig
	Alerts     AlertChecker
	Aggregator *aggregator.Aggregator
	Observer   Observer
	TradeLog   *zap.Logger // fills of the anchor symbol; nil disables
	Buffer     int
}

// symbolState is everything tracked for one symbol. Only the event loop
// touches it.
type symbolState struct {
	grid    *grid.Grid
	cycles  *cycles.Accountant
	tracker rating.Tracker
}

// StateManager owns a partition of symbols. All mutations of those
// symbols happen serially on its event loop.
type StateManager struct {
	id   int
	opts Options

	symbols  map[string]*symbolState
	stats    map[string]models.MarketStat
	rejected map[string]struct{}

	ticksAccepted int64
	ticksRejected int64

	eventChannel chan NormalizedEvent
	stopChan     chan bool
	stopOnce     sync.Once
	doneChan     chan struct{}
	logger       *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(id int, opts Options, logger *zap.Logger) *StateManager {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Aggregator == nil {
		opts.Aggregator = aggregator.New(aggregator.DefaultAnchor(), opts.Scanner.MinCyclesToDisplay)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		id:           id,
		opts:         opts,
		symbols:      make(map[string]*symbolState),
		stats:        make(map[string]models.MarketStat),
		rejected:     make(map[string]struct{}),
		eventChannel: make(chan NormalizedEvent, opts.Buffer),
		stopChan:     make(chan bool),
		doneChan:     make(chan struct{}),
		logger:       logger.With(zap.Int("partition", id)),
	}
}

// Start begins the event processing loop.
func (sm *StateManager) Start() {
	go sm.eventLoop()
	sm.logger.Debug("StateManager started.")
}

// Stop shuts down the event loop and waits for it to exit.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		<-sm.doneChan
		sm.logger.Debug("StateManager stopped.")
	})
}

// DispatchEvent queues an event for the event loop. It blocks while the
// buffer is full.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) error {
	select {
	case <-sm.stopChan:
		return ErrStopped
	default:
	}
	select {
	case sm.eventChannel <- event:
		return nil
	case <-sm.stopChan:
		return ErrStopped
	}
}

// Sweep recomputes every symbol of the partition at now and returns the
// unranked rows.
func (sm *StateManager) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	reply := make(chan SweepResult, 1)
	err := sm.DispatchEvent(NormalizedEvent{
		Type:      SweepEvent,
		Timestamp: now,
		Data:      SweepRequest{Ctx: ctx, Reply: reply},
	})
	if err != nil {
		return SweepResult{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return SweepResult{}, ctx.Err()
	case <-sm.stopChan:
		return SweepResult{}, ErrStopped
	}
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer close(sm.doneChan)
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case PriceTickEvent:
		if data, ok := event.Data.(PriceTickData); ok {
			sm.handlePriceTick(data, event.Timestamp)
		} else {
			sm.logger.Sugar().Warnf("Received PriceTickEvent with unexpected data type: %T", event.Data)
		}
	case MarketStatsEvent:
		if data, ok := event.Data.(models.MarketStat); ok {
			sm.stats[data.Symbol] = data
		} else {
			sm.logger.Sugar().Warnf("Received MarketStatsEvent with unexpected data type: %T", event.Data)
		}
	case SweepEvent:
		if req, ok := event.Data.(SweepRequest); ok {
			req.Reply <- sm.handleSweep(req.Ctx, event.Timestamp)
		} else {
			sm.logger.Sugar().Warnf("Received SweepEvent with unexpected data type: %T", event.Data)
		}
	case DropSymbolEvent:
		if symbol, ok := event.Data.(string); ok {
			delete(sm.symbols, symbol)
			delete(sm.stats, symbol)
			delete(sm.rejected, symbol)
			if sm.opts.Alerts != nil {
				sm.opts.Alerts.Reset(symbol)
			}
		} else {
			sm.logger.Sugar().Warnf("Received DropSymbolEvent with unexpected data type: %T", event.Data)
		}
	}
}

func (sm *StateManager) handlePriceTick(tick PriceTickData, ts time.Time) {
	if _, skip := sm.rejected[tick.Symbol]; skip {
		return
	}

	st, ok := sm.symbols[tick.Symbol]
	if !ok {
		var err error
		st, err = sm.createSymbol(tick, ts)
		if err != nil {
			if errors.Is(err, grid.ErrInvalidConfiguration) {
				sm.rejected[tick.Symbol] = struct{}{}
				sm.opts.Observer.ObserveRejectedSymbol()
				sm.logger.Warn("symbol skipped", zap.String("symbol", tick.Symbol), zap.Error(err))
			} else {
				sm.rejectTick(tick, err)
			}
			return
		}
		sm.symbols[tick.Symbol] = st
	}

	before := st.grid.CompletedCycles()
	fill, err := st.grid.Update(tick.Price, ts)
	if err != nil {
		sm.rejectTick(tick, err)
		return
	}
	sm.ticksAccepted++
	sm.opts.Observer.ObserveTick(true)
	if fill == nil {
		return
	}

	st.cycles.RecordIfAdvanced(before, fill.CompletedCycles, ts)
	sm.opts.Observer.ObserveFill(fill.Side, fill.CycleCompleted)
	sm.logFill(fill)
}

func (sm *StateManager) createSymbol(tick PriceTickData, ts time.Time) (*symbolState, error) {
	if !tick.Price.IsPositive() {
		return nil, grid.ErrInvalidPrice
	}
	var setting models.GridSetting
	if sm.opts.Settings != nil {
		setting, _ = sm.opts.Settings.SettingFor(tick.Symbol)
	}
	g, err := grid.New(tick.Symbol, tick.Price, setting.WidthPercent, setting.IntervalPercent, ts)
	if err != nil {
		return nil, err
	}
	cfg := g.Config()
	sm.logger.Info("tracking symbol",
		zap.String("symbol", tick.Symbol),
		zap.String("anchor", cfg.AnchorPrice.String()),
		zap.String("range", cfg.LowerBound.String()+"-"+cfg.UpperBound.String()),
		zap.Int("grids", cfg.GridCount),
	)
	return &symbolState{grid: g, cycles: cycles.NewAccountant(ts)}, nil
}

func (sm *StateManager) rejectTick(tick PriceTickData, err error) {
	sm.ticksRejected++
	sm.opts.Observer.ObserveTick(false)
	sm.logger.Debug("tick rejected", zap.String("symbol", tick.Symbol), zap.Error(err))
}

func (sm *StateManager) logFill(fill *grid.FillEvent) {
	if sm.opts.TradeLog == nil || !sm.opts.Aggregator.Anchor().Match(fill.Symbol) {
		return
	}
	sm.opts.TradeLog.Info("fill",
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.String("price", fill.Price.String()),
		zap.String("observed", fill.ObservedPrice.String()),
		zap.Int("buys", fill.BuyFills),
		zap.Int("sells", fill.SellFills),
	)
	if fill.CycleCompleted {
		sm.opts.TradeLog.Info("cycle completed",
			zap.String("symbol", fill.Symbol),
			zap.Int("cycles", fill.CompletedCycles),
		)
	}
}

func (sm *StateManager) handleSweep(ctx context.Context, now time.Time) SweepResult {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := sm.opts.Scanner
	window := cfg.APRWindow()

	res := SweepResult{
		Rows: make([]models.ResultRow, 0, len(sm.symbols)),
		Stats: Stats{
			TrackedSymbols:  len(sm.symbols),
			RejectedSymbols: len(sm.rejected),
			TicksAccepted:   sm.ticksAccepted,
			TicksRejected:   sm.ticksRejected,
			TopAPR:          decimal.Zero,
		},
	}

	for symbol, st := range sm.symbols {
		gcfg := st.grid.Config()
		rt := st.grid.Runtime()
		params := apr.Params{
			IntervalPercent: gcfg.IntervalPercent,
			WidthPercent:    gcfg.WidthPercent,
			FeeRatePercent:  cfg.FeeRatePercent,
		}

		w := st.cycles.WindowedCount(now, window)
		est := apr.Estimate(params, w.Count, w.Span)

		stat := sm.stats[symbol]
		r := rating.Evaluate(est.APR, est.CyclesPerHour, stat.QuoteVolume)
		tr := st.tracker.Update(r.Grade, now)
		if tr.Exited {
			sm.logger.Info("left top grade",
				zap.String("symbol", symbol),
				zap.String("grade", string(r.Grade)),
				zap.String("residency", rating.FormatResidency(tr.Residency, true)),
			)
		}

		alerted := false
		if sm.opts.Alerts != nil {
			alerted = sm.opts.Alerts.Check(ctx, symbol, est.APR, now)
		}
		if alerted {
			res.Stats.Alerts++
			sm.opts.Observer.ObserveAlert()
		}

		residency, inTop := st.tracker.Residency()
		res.Rows = append(res.Rows, sm.opts.Aggregator.BuildRow(aggregator.RowInput{
			Config:         gcfg,
			Runtime:        rt,
			Now:            now,
			Estimate:       est,
			RecentCycles5m: st.cycles.RecentCount(now, 5*time.Minute),
			Rating:         r,
			Residency:      residency,
			InTopGrade:     inTop,
			Volume24h:      stat.QuoteVolume,
			Change24hPct:   stat.PriceChangePercent,
			FeeRatePercent: cfg.FeeRatePercent,
			OrderValue:     cfg.OrderValue,
			Alerted:        alerted,
		}))

		if rt.CompletedCycles > 0 {
			res.Stats.SymbolsWithCycles++
		}
		if est.APR.GreaterThan(res.Stats.TopAPR) {
			res.Stats.TopAPR = est.APR
		}
	}
	return res
}
