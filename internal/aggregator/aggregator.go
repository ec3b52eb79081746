// Package aggregator builds result rows for tracked symbols and ranks them
// into a snapshot.
package aggregator

import (
	"sort"
	"strings"
	"time"

	"grid-scanner-go/internal/apr"
	"grid-scanner-go/internal/grid"
	"grid-scanner-go/internal/models"
	"grid-scanner-go/internal/rating"

	"github.com/shopspring/decimal"
)

const recentWindow = 5 * time.Minute

// AnchorMatcher recognizes the always-shown reference asset by name while
// excluding wrapped variants such as WBTC.
type AnchorMatcher struct {
	Asset   string
	Exclude []string
}

// DefaultAnchor matches BTC pairs.
func DefaultAnchor() AnchorMatcher {
	return AnchorMatcher{Asset: "BTC", Exclude: []string{"WBTC", "TBTC", "RBTC"}}
}

func (m AnchorMatcher) Match(symbol string) bool {
	if m.Asset == "" {
		return false
	}
	s := strings.ToUpper(symbol)
	if !strings.Contains(s, strings.ToUpper(m.Asset)) {
		return false
	}
	for _, ex := range m.Exclude {
		if ex != "" && strings.Contains(s, strings.ToUpper(ex)) {
			return false
		}
	}
	return true
}

// RowInput is everything one sweep knows about a symbol.
type RowInput struct {
	Config         grid.Configuration
	Runtime        grid.Runtime
	Now            time.Time
	Estimate       apr.Result
	RecentCycles5m int
	Rating         rating.Rating
	Residency      time.Duration
	InTopGrade     bool
	Volume24h      decimal.Decimal
	Change24hPct   decimal.Decimal
	FeeRatePercent decimal.Decimal
	OrderValue     decimal.Decimal
	Alerted        bool
}

// Aggregator filters and orders rows.
type Aggregator struct {
	anchor    AnchorMatcher
	minCycles int
}

func New(anchor AnchorMatcher, minCycles int) *Aggregator {
	return &Aggregator{anchor: anchor, minCycles: minCycles}
}

func (a *Aggregator) Anchor() AnchorMatcher { return a.anchor }

// BuildRow assembles the display row of one symbol.
func (a *Aggregator) BuildRow(in RowInput) models.ResultRow {
	cfg, rt := in.Config, in.Runtime
	params := apr.Params{
		IntervalPercent: cfg.IntervalPercent,
		WidthPercent:    cfg.WidthPercent,
		FeeRatePercent:  in.FeeRatePercent,
	}
	running := in.Now.Sub(rt.CreatedAt)
	if running < 0 {
		running = 0
	}

	return models.ResultRow{
		Symbol:            cfg.Symbol,
		CurrentPrice:      rt.CurrentPrice,
		LowerBound:        cfg.LowerBound,
		UpperBound:        cfg.UpperBound,
		WidthPercent:      cfg.WidthPercent,
		IntervalPercent:   cfg.IntervalPercent,
		GridCount:         cfg.GridCount,
		Running:           running,
		BuyFills:          rt.BuyFills,
		SellFills:         rt.SellFills,
		TotalFills:        rt.TotalFills,
		CompletedCycles:   rt.CompletedCycles,
		WindowedCycles:    in.Estimate.WindowedCount,
		CyclesPerHour:     in.Estimate.CyclesPerHour,
		AvgCyclesPer5m:    avgPer(rt.CompletedCycles, running, recentWindow),
		RecentCycles5m:    in.RecentCycles5m,
		EstimatedAPR:      in.Estimate.APR,
		ProfitPerCycle:    apr.ProfitPerCycle(params, in.OrderValue),
		CapitalRequired:   apr.TotalCapital(params, in.OrderValue),
		Volume24h:         in.Volume24h,
		PriceChange24hPct: in.Change24hPct,
		Grade:             string(in.Rating.Grade),
		Score:             in.Rating.Score,
		TopResidency:      rating.FormatResidency(in.Residency, in.InTopGrade),
		Anchor:            a.anchor.Match(cfg.Symbol),
		Alerted:           in.Alerted,
	}
}

// avgPer is cycles per bucket over the whole running time.
func avgPer(cycles int, running, bucket time.Duration) decimal.Decimal {
	if cycles == 0 || running <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(cycles)).
		Mul(decimal.NewFromInt(int64(bucket))).
		Div(decimal.NewFromInt(int64(running)))
}

// Rank drops rows below the minimum cycle count, except the anchor, and
// sorts the anchor first, then by descending APR.
func (a *Aggregator) Rank(rows []models.ResultRow) []models.ResultRow {
	out := make([]models.ResultRow, 0, len(rows))
	for _, r := range rows {
		r.Anchor = a.anchor.Match(r.Symbol)
		if r.Anchor || r.CompletedCycles >= a.minCycles {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Anchor != out[j].Anchor {
			return out[i].Anchor
		}
		if c := out[i].EstimatedAPR.Cmp(out[j].EstimatedAPR); c != 0 {
			return c > 0
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Snapshot ranks rows and stamps them into a snapshot.
func (a *Aggregator) Snapshot(rows []models.ResultRow, now time.Time) models.Snapshot {
	active := 0
	for _, r := range rows {
		if r.CompletedCycles > 0 {
			active++
		}
	}
	return models.Snapshot{
		Time:           now,
		Rows:           a.Rank(rows),
		TrackedSymbols: len(rows),
		ActiveSymbols:  active,
	}
}
