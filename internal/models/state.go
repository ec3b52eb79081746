package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResultRow 是一个交易对在某次扫描中的展示/导出行
type ResultRow struct {
	Symbol          string          `json:"symbol"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	LowerBound      decimal.Decimal `json:"lower_bound"`
	UpperBound      decimal.Decimal `json:"upper_bound"`
	WidthPercent    decimal.Decimal `json:"grid_width_percent"`
	IntervalPercent decimal.Decimal `json:"grid_interval_percent"`
	GridCount       int             `json:"grid_count"`
	Running         time.Duration   `json:"running"` // 运行时长 (从首个价格开始)

	BuyFills        int `json:"buy_fills"`
	SellFills       int `json:"sell_fills"`
	TotalFills      int `json:"total_fills"`
	CompletedCycles int `json:"completed_cycles"`

	WindowedCycles  int             `json:"windowed_cycles"`   // 滚动窗口内的循环次数
	CyclesPerHour   decimal.Decimal `json:"cycles_per_hour"`   // 窗口内每小时循环
	AvgCyclesPer5m  decimal.Decimal `json:"avg_cycles_per_5m"` // 基于总运行时间的平均5分钟循环
	RecentCycles5m  int             `json:"recent_cycles_5m"`  // 最近5分钟的循环次数
	EstimatedAPR    decimal.Decimal `json:"estimated_apr"`     // 预估年化 (%)
	ProfitPerCycle  decimal.Decimal `json:"profit_per_cycle"`  // 单次循环净收益 (计价货币)
	CapitalRequired decimal.Decimal `json:"capital_required"`  // 网格所需本金 (计价货币)

	Volume24h         decimal.Decimal `json:"volume_24h"`
	PriceChange24hPct decimal.Decimal `json:"price_change_24h"`

	Grade        string `json:"grade"`
	Score        int    `json:"score"`
	TopResidency string `json:"top_residency"` // S级持续时间, "--" 表示当前不是S级
	Anchor       bool   `json:"anchor"`
	Alerted      bool   `json:"alerted"` // 本次扫描是否触发了报警
}

// Snapshot 是一次扫描后排好序的结果
type Snapshot struct {
	Time           time.Time   `json:"time"`
	Rows           []ResultRow `json:"rows"`
	TrackedSymbols int         `json:"tracked_symbols"`
	ActiveSymbols  int         `json:"active_symbols"` // 至少完成一个循环的交易对
}
