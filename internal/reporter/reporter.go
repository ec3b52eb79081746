package reporter

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"grid-scanner-go/internal/alert"
	"grid-scanner-go/internal/models"
	"grid-scanner-go/internal/scanner"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
)

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
	billion  = decimal.NewFromInt(1_000_000_000)
)

// TableReporter 将扫描快照渲染为表格
type TableReporter struct {
	out   io.Writer
	topN  int // 0 表示显示全部
	style table.Style
}

// NewTableReporter 创建一个表格输出器
func NewTableReporter(out io.Writer, topN int) *TableReporter {
	return &TableReporter{out: out, topN: topN, style: table.StyleLight}
}

// Publish 实现 scanner.SnapshotSink
func (r *TableReporter) Publish(_ context.Context, snap models.Snapshot) error {
	_, err := io.WriteString(r.out, r.Render(snap)+"\n")
	return err
}

// Render 返回快照的表格文本
func (r *TableReporter) Render(snap models.Snapshot) string {
	t := table.NewWriter()
	t.SetStyle(r.style)
	t.SetTitle(fmt.Sprintf("网格波动率扫描 %s | 交易对 %d | 有循环 %d",
		snap.Time.Format("2006-01-02 15:04:05"), snap.TrackedSymbols, snap.ActiveSymbols))
	t.AppendHeader(table.Row{"#", "交易对", "价格", "区间", "格数", "运行", "买/卖", "循环", "循环/时", "5分钟", "APR%", "24H额", "24H涨跌", "评级", "分数", "S级持续"})

	rows := snap.Rows
	if r.topN > 0 && len(rows) > r.topN {
		rows = rows[:r.topN]
	}
	for i, row := range rows {
		rank := strconv.Itoa(i + 1)
		if row.Anchor {
			rank = "*"
		}
		apr := row.EstimatedAPR.StringFixed(2)
		if row.Alerted {
			apr = text.FgHiRed.Sprint(apr)
		}
		t.AppendRow(table.Row{
			rank,
			row.Symbol,
			FormatPrice(row.CurrentPrice),
			FormatPrice(row.LowerBound) + "-" + FormatPrice(row.UpperBound),
			row.GridCount,
			FormatDuration(row.Running),
			fmt.Sprintf("%d/%d", row.BuyFills, row.SellFills),
			row.CompletedCycles,
			row.CyclesPerHour.StringFixed(1),
			row.RecentCycles5m,
			apr,
			FormatVolume(row.Volume24h),
			FormatChange(row.PriceChange24hPct),
			row.Grade,
			row.Score,
			row.TopResidency,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
		{Number: 11, Align: text.AlignRight},
		{Number: 12, Align: text.AlignRight},
		{Number: 13, Align: text.AlignRight},
	})
	return t.Render()
}

// PrintSummary 在退出时打印运行摘要和前 N 名, noData 为订阅后从未收到价格的交易对
func PrintSummary(out io.Writer, snap models.Snapshot, stats scanner.Stats, alerts alert.Status, noData []string, topN int) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle("扫描摘要")
	t.AppendRows([]table.Row{
		{"跟踪交易对", stats.TrackedSymbols},
		{"有循环的交易对", stats.SymbolsWithCycles},
		{"配置无效的交易对", stats.RejectedSymbols},
		{"有效价格", stats.TicksAccepted},
		{"无效价格", stats.TicksRejected},
		{"最高APR", stats.TopAPR.StringFixed(2) + "%"},
		{"报警阈值", alerts.Threshold.StringFixed(2) + "%"},
		{"报警次数", stats.Alerts},
		{"已报警交易对", strings.Join(alerts.Symbols(), ", ")},
		{"订阅但无数据", len(noData)},
	})
	if len(noData) > 0 {
		t.AppendRow(table.Row{"无数据交易对", strings.Join(noData, ", ")})
	}
	t.Render()

	if len(snap.Rows) == 0 {
		return
	}
	top := NewTableReporter(out, topN)
	_ = top.Publish(context.Background(), snap)
}

// FormatPrice 按价格量级选择小数位
func FormatPrice(p decimal.Decimal) string {
	switch {
	case p.GreaterThanOrEqual(thousand):
		return p.StringFixed(2)
	case p.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return p.StringFixed(4)
	default:
		return p.StringFixed(8)
	}
}

// FormatDuration 将运行时长格式化为 1h02m03s
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// FormatVolume 将成交额格式化为 K/M/B
func FormatVolume(v decimal.Decimal) string {
	switch {
	case v.GreaterThanOrEqual(billion):
		return v.Div(billion).StringFixed(2) + "B"
	case v.GreaterThanOrEqual(million):
		return v.Div(million).StringFixed(2) + "M"
	case v.GreaterThanOrEqual(thousand):
		return v.Div(thousand).StringFixed(2) + "K"
	case v.IsZero():
		return "--"
	default:
		return v.StringFixed(0)
	}
}

// FormatChange 格式化24小时涨跌幅, 正数带+号
func FormatChange(p decimal.Decimal) string {
	if p.IsPositive() {
		return "+" + p.StringFixed(2) + "%"
	}
	return p.StringFixed(2) + "%"
}
