// Package apr turns a windowed cycle count into an annualized yield estimate.
package apr

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	hoursPerYear = decimal.NewFromInt(8760)
	hundred      = decimal.NewFromInt(100)
)

// Params are the grid and fee settings of one symbol, all in percent.
type Params struct {
	IntervalPercent decimal.Decimal
	WidthPercent    decimal.Decimal
	FeeRatePercent  decimal.Decimal
}

// NetRate is the per-fill margin after fees. Non-positive means the
// configuration cannot be profitable.
func (p Params) NetRate() decimal.Decimal {
	return p.IntervalPercent.Sub(p.FeeRatePercent)
}

// Result is a recomputed estimate; it is never stored between sweeps.
type Result struct {
	WindowedCount int
	CyclesPerHour decimal.Decimal
	APR           decimal.Decimal // percent
}

// Estimate computes the APR from count cycles observed over window.
func Estimate(p Params, count int, window time.Duration) Result {
	res := Result{WindowedCount: count, CyclesPerHour: decimal.Zero, APR: decimal.Zero}
	if count <= 0 || window <= 0 {
		return res
	}
	// count * 3600e9 / window_ns keeps the division exact in decimal.
	res.CyclesPerHour = decimal.NewFromInt(int64(count)).
		Mul(decimal.NewFromInt(int64(time.Hour))).
		Div(decimal.NewFromInt(int64(window)))
	res.APR = FromCyclesPerHour(p, res.CyclesPerHour)
	return res
}

// FromCyclesPerHour applies APR = (interval-fee) * interval/width * cph * 8760.
func FromCyclesPerHour(p Params, cyclesPerHour decimal.Decimal) decimal.Decimal {
	net := p.NetRate()
	if !net.IsPositive() || !cyclesPerHour.IsPositive() || !p.WidthPercent.IsPositive() {
		return decimal.Zero
	}
	single := net.Mul(p.IntervalPercent).Div(p.WidthPercent)
	return single.Mul(cyclesPerHour).Mul(hoursPerYear)
}

// ProfitPerCycle is the net quote amount earned by one round trip of an
// order of orderValue.
func ProfitPerCycle(p Params, orderValue decimal.Decimal) decimal.Decimal {
	net := p.NetRate()
	if !net.IsPositive() {
		return decimal.Zero
	}
	return orderValue.Mul(net).Div(hundred)
}

// TotalCapital is the quote amount needed to keep one order on every
// grid line.
func TotalCapital(p Params, orderValue decimal.Decimal) decimal.Decimal {
	if !p.IntervalPercent.IsPositive() {
		return decimal.Zero
	}
	return orderValue.Mul(p.WidthPercent).Div(p.IntervalPercent)
}
