// Package grid simulates a double-sided grid of resting limit orders for a
// single symbol. Nothing is ever sent to a market: a fill is recorded when
// an observed price reaches a resting level.
package grid

import (
	"errors"
	"fmt"
	"time"

	"grid-scanner-go/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidConfiguration is returned when width, interval or anchor price is not positive.
	ErrInvalidConfiguration = errors.New("invalid grid configuration")
	// ErrInvalidPrice is returned by Update for non-positive prices.
	ErrInvalidPrice = models.ErrInvalidPrice

	hundred    = decimal.NewFromInt(100)
	twoHundred = decimal.NewFromInt(200)
)

// Configuration is the immutable shape of a virtual grid, fixed when the
// first price of a symbol is observed.
type Configuration struct {
	Symbol          string
	AnchorPrice     decimal.Decimal
	WidthPercent    decimal.Decimal // total span, 10 means ±5% around the anchor
	IntervalPercent decimal.Decimal
	LowerBound      decimal.Decimal
	UpperBound      decimal.Decimal
	GridCount       int             // trunc(width / interval)
	IntervalValue   decimal.Decimal // anchor * interval / 100, in price units
}

// NewConfiguration derives the grid bounds and spacing from the anchor price.
func NewConfiguration(symbol string, anchor, widthPercent, intervalPercent decimal.Decimal) (Configuration, error) {
	if !widthPercent.IsPositive() || !intervalPercent.IsPositive() {
		return Configuration{}, fmt.Errorf("%w: %s width=%s%% interval=%s%%", ErrInvalidConfiguration, symbol, widthPercent, intervalPercent)
	}
	if !anchor.IsPositive() {
		return Configuration{}, fmt.Errorf("%w: %s anchor price %s", ErrInvalidConfiguration, symbol, anchor)
	}

	halfWidth := widthPercent.Div(twoHundred)
	return Configuration{
		Symbol:          symbol,
		AnchorPrice:     anchor,
		WidthPercent:    widthPercent,
		IntervalPercent: intervalPercent,
		LowerBound:      anchor.Mul(decimal.NewFromInt(1).Sub(halfWidth)),
		UpperBound:      anchor.Mul(decimal.NewFromInt(1).Add(halfWidth)),
		// The last cell is shorter when width is not a multiple of interval.
		GridCount:     int(widthPercent.Div(intervalPercent).IntPart()),
		IntervalValue: anchor.Mul(intervalPercent.Div(hundred)),
	}, nil
}

// Runtime is the mutable simulation state of one grid.
type Runtime struct {
	CurrentPrice    decimal.Decimal
	PreviousPrice   decimal.Decimal
	RestingBuy      decimal.Decimal
	RestingSell     decimal.Decimal
	LastFillPrice   decimal.Decimal
	BuyFills        int
	SellFills       int
	TotalFills      int
	CompletedCycles int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Baselined       bool // first Update has been applied
}

// FillEvent describes one simulated execution.
type FillEvent struct {
	Symbol          string
	Side            models.Side
	Price           decimal.Decimal // the resting level, not the observed price
	ObservedPrice   decimal.Decimal
	Time            time.Time
	BuyFills        int
	SellFills       int
	CompletedCycles int
	CycleCompleted  bool // this fill advanced CompletedCycles
}

// Grid is the resting-order state machine of one symbol. It is not safe
// for concurrent use; callers serialize access per symbol.
type Grid struct {
	cfg Configuration
	rt  Runtime
}

// New creates a grid anchored at the first observed price.
func New(symbol string, price, widthPercent, intervalPercent decimal.Decimal, now time.Time) (*Grid, error) {
	cfg, err := NewConfiguration(symbol, price, widthPercent, intervalPercent)
	if err != nil {
		return nil, err
	}
	g := &Grid{cfg: cfg}
	g.rt = Runtime{
		CurrentPrice: price,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	g.pegAround(price)
	return g, nil
}

// Config returns the immutable configuration.
func (g *Grid) Config() Configuration { return g.cfg }

// Runtime returns a copy of the current runtime state.
func (g *Grid) Runtime() Runtime { return g.rt }

// CompletedCycles returns min(buy fills, sell fills).
func (g *Grid) CompletedCycles() int { return g.rt.CompletedCycles }

// Running returns the time elapsed between creation and the last update.
func (g *Grid) Running() time.Duration { return g.rt.UpdatedAt.Sub(g.rt.CreatedAt) }

// Update feeds one observed price into the grid and returns the fill it
// caused, if any. Both resting orders are watched on every tick; when one
// tick crosses both, only the buy side fills.
func (g *Grid) Update(price decimal.Decimal, now time.Time) (*FillEvent, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s price %s", ErrInvalidPrice, g.cfg.Symbol, price)
	}

	if !g.rt.Baselined {
		g.rt.Baselined = true
		g.rt.PreviousPrice = g.rt.CurrentPrice
		g.rt.CurrentPrice = price
		g.rt.UpdatedAt = now
		g.pegAround(g.cfg.AnchorPrice)
		return nil, nil
	}

	g.rt.PreviousPrice = g.rt.CurrentPrice
	g.rt.CurrentPrice = price
	g.rt.UpdatedAt = now

	if price.LessThanOrEqual(g.rt.RestingBuy) {
		fillPrice := g.rt.RestingBuy
		g.rt.BuyFills++
		return g.fill(models.Buy, fillPrice, price, now), nil
	}
	if price.GreaterThanOrEqual(g.rt.RestingSell) {
		fillPrice := g.rt.RestingSell
		g.rt.SellFills++
		return g.fill(models.Sell, fillPrice, price, now), nil
	}
	return nil, nil
}

func (g *Grid) fill(side models.Side, fillPrice, observed decimal.Decimal, now time.Time) *FillEvent {
	g.rt.TotalFills++
	g.rt.LastFillPrice = fillPrice
	// The ladder moves one level in the direction of the fill.
	g.pegAround(fillPrice)

	before := g.rt.CompletedCycles
	g.rt.CompletedCycles = min(g.rt.BuyFills, g.rt.SellFills)

	return &FillEvent{
		Symbol:          g.cfg.Symbol,
		Side:            side,
		Price:           fillPrice,
		ObservedPrice:   observed,
		Time:            now,
		BuyFills:        g.rt.BuyFills,
		SellFills:       g.rt.SellFills,
		CompletedCycles: g.rt.CompletedCycles,
		CycleCompleted:  g.rt.CompletedCycles > before,
	}
}

func (g *Grid) pegAround(center decimal.Decimal) {
	g.rt.RestingBuy = center.Sub(g.cfg.IntervalValue)
	g.rt.RestingSell = center.Add(g.cfg.IntervalValue)
}

// Levels returns the GridCount+1 grid line prices from the lower to the
// upper bound. They are informational; fills follow the resting orders.
func (g *Grid) Levels() []decimal.Decimal {
	n := g.cfg.GridCount
	if n <= 0 {
		return []decimal.Decimal{g.cfg.LowerBound, g.cfg.UpperBound}
	}
	step := g.cfg.UpperBound.Sub(g.cfg.LowerBound).Div(decimal.NewFromInt(int64(n)))
	levels := make([]decimal.Decimal, 0, n+1)
	for i := 0; i <= n; i++ {
		levels = append(levels, g.cfg.LowerBound.Add(step.Mul(decimal.NewFromInt(int64(i)))))
	}
	return levels
}

// LevelIndex returns the index of the grid cell containing price, clamped
// to [0, GridCount-1].
func (g *Grid) LevelIndex(price decimal.Decimal) int {
	n := g.cfg.GridCount
	if n <= 1 || price.LessThanOrEqual(g.cfg.LowerBound) {
		return 0
	}
	if price.GreaterThanOrEqual(g.cfg.UpperBound) {
		return n - 1
	}
	step := g.cfg.UpperBound.Sub(g.cfg.LowerBound).Div(decimal.NewFromInt(int64(n)))
	idx := int(price.Sub(g.cfg.LowerBound).Div(step).IntPart())
	if idx >= n {
		idx = n - 1
	}
	return idx
}
