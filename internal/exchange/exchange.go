package exchange

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"grid-scanner-go/internal/models"

	"github.com/shopspring/decimal"
)

// MarketHandler 接收行情数据, *scanner.Scanner 实现了该接口
type MarketHandler interface {
	OnPrice(symbol string, price decimal.Decimal, ts time.Time) error
	OnMarketStats(stat models.MarketStat) error
}

// Sweeper 按给定时间重新计算所有交易对。回放模式使用回放时间驱动它。
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (models.Snapshot, error)
}

// MarketData 定义了所有行情来源必须提供的方法。
// 这使得扫描器可以在实时行情和历史回放之间轻松切换。
type MarketData interface {
	// Run 持续向 h 推送价格, 直到 ctx 取消或数据结束
	Run(ctx context.Context, h MarketHandler) error
}

// SymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func SymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	symbol, _, _ := strings.Cut(name, "-")
	return strings.ToUpper(symbol)
}
