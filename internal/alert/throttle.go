// Package alert decides when a symbol's APR crossing deserves a
// notification and hands fired alerts to a Notifier.
package alert

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Alert is one fired notification.
type Alert struct {
	Symbol    string
	APR       decimal.Decimal
	Threshold decimal.Decimal
	Count     int // alerts fired for this symbol so far, including this one
	Time      time.Time
}

// Notifier receives fired alerts. Implementations may do I/O; the
// throttle calls them without holding its lock.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Config holds the throttle limits.
type Config struct {
	Threshold    decimal.Decimal // APR percent
	MaxPerSymbol int
	Cooldown     time.Duration
}

// State is the per-symbol throttle record.
type State struct {
	Count     int
	LastAlert time.Time
	Latched   bool
}

// Status summarizes the throttle for reports.
type Status struct {
	Threshold    decimal.Decimal
	MaxPerSymbol int
	Cooldown     time.Duration
	Latched      int
	Counts       map[string]int
}

// Throttle applies latch, cooldown and per-symbol cap rules.
type Throttle struct {
	cfg      Config
	notifier Notifier
	logger   *zap.Logger

	mu     sync.Mutex
	states map[string]*State
}

func NewThrottle(cfg Config, notifier Notifier, logger *zap.Logger) *Throttle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		states:   make(map[string]*State),
	}
}

// Check evaluates one APR observation and returns true if an alert fired.
func (t *Throttle) Check(ctx context.Context, symbol string, apr decimal.Decimal, now time.Time) bool {
	t.mu.Lock()
	st := t.states[symbol]

	if apr.LessThan(t.cfg.Threshold) {
		if st != nil && st.Latched {
			st.Latched = false
			t.logger.Debug("alert re-armed", zap.String("symbol", symbol), zap.String("apr", apr.StringFixed(2)))
		}
		t.mu.Unlock()
		return false
	}

	if st == nil {
		st = &State{}
		t.states[symbol] = st
	}
	if st.Latched && now.Sub(st.LastAlert) < t.cfg.Cooldown {
		t.mu.Unlock()
		return false
	}
	if st.Count >= t.cfg.MaxPerSymbol {
		t.mu.Unlock()
		return false
	}

	st.Count++
	st.LastAlert = now
	st.Latched = true
	a := Alert{Symbol: symbol, APR: apr, Threshold: t.cfg.Threshold, Count: st.Count, Time: now}
	t.mu.Unlock()

	if t.notifier != nil {
		if err := t.notifier.Notify(ctx, a); err != nil {
			t.logger.Warn("alert notification failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return true
}

// Reset clears the record of one symbol.
func (t *Throttle) Reset(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, symbol)
}

// ResetAll clears every symbol.
func (t *Throttle) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*State)
}

// State returns a copy of the record of one symbol.
func (t *Throttle) State(symbol string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[symbol]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func (t *Throttle) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		Threshold:    t.cfg.Threshold,
		MaxPerSymbol: t.cfg.MaxPerSymbol,
		Cooldown:     t.cfg.Cooldown,
		Counts:       make(map[string]int, len(t.states)),
	}
	for sym, st := range t.states {
		if st.Latched {
			s.Latched++
		}
		if st.Count > 0 {
			s.Counts[sym] = st.Count
		}
	}
	return s
}

// LogNotifier writes alerts to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	n.Logger.Info("APR alert",
		zap.String("symbol", a.Symbol),
		zap.String("apr", a.APR.StringFixed(2)),
		zap.String("threshold", a.Threshold.StringFixed(2)),
		zap.Int("count", a.Count),
	)
	return nil
}

// MultiNotifier fans an alert out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Symbols returns the symbols that have fired at least once, sorted.
func (s Status) Symbols() []string {
	out := make([]string, 0, len(s.Counts))
	for sym := range s.Counts {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
