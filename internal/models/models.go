package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了扫描器的所有配置参数
type Config struct {
	LogConfig LogConfig              `json:"log" yaml:"log"`         // 日志配置
	Default   GridSetting            `json:"default" yaml:"default"` // 未单独配置的交易对使用的默认网格参数
	Markets   map[string]GridSetting `json:"markets" yaml:"markets"` // 按基础币种配置的网格参数, e.g. "BTC"
	Scanner   ScannerConfig          `json:"scanner" yaml:"scanner"` // 扫描与评估参数
	Feed      FeedConfig             `json:"feed" yaml:"feed"`       // 行情来源配置
	Storage   StorageConfig          `json:"storage" yaml:"storage"` // 快照导出与报警日志
	Metrics   MetricsConfig          `json:"metrics" yaml:"metrics"` // Prometheus 指标
}

// GridSetting 定义了单个交易对的虚拟网格参数
type GridSetting struct {
	WidthPercent    decimal.Decimal `json:"grid_width_percent" yaml:"grid_width_percent"`       // 网格总宽度百分比, 10 表示 ±5%
	IntervalPercent decimal.Decimal `json:"grid_interval_percent" yaml:"grid_interval_percent"` // 格子间距百分比, 0.5 表示 0.5%
}

// ScannerConfig 定义了扫描器范围的参数
type ScannerConfig struct {
	FeeRatePercent        decimal.Decimal `json:"fee_rate_percent" yaml:"fee_rate_percent"`               // 双边手续费率 (%)
	OrderValue            decimal.Decimal `json:"order_value" yaml:"order_value"`                         // 每格订单价值 (计价货币)
	APRAlertThreshold     decimal.Decimal `json:"apr_alert_threshold" yaml:"apr_alert_threshold"`         // APR 报警阈值 (%)
	MaxAlertsPerSymbol    int             `json:"max_alerts_per_symbol" yaml:"max_alerts_per_symbol"`     // 每个交易对最大报警次数
	AlertCooldownSeconds  int             `json:"alert_cooldown_seconds" yaml:"alert_cooldown_seconds"`   // 报警冷却时间 (秒)
	APRWindowMinutes      int             `json:"apr_window_minutes" yaml:"apr_window_minutes"`           // 滚动窗口时长 (分钟)
	MinCyclesToDisplay    int             `json:"min_cycles_to_display" yaml:"min_cycles_to_display"`     // 最少循环次数, 0 表示全部显示
	SweepIntervalMs       int             `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`             // 重新计算 APR 的间隔 (毫秒)
	ReportIntervalSeconds int             `json:"report_interval_seconds" yaml:"report_interval_seconds"` // 输出快照的间隔 (秒)
	Partitions            int             `json:"partitions" yaml:"partitions"`                           // 交易对分区数量 (每个分区一个单写者)
	PartitionBuffer       int             `json:"partition_buffer" yaml:"partition_buffer"`               // 每个分区的事件通道缓冲
	AnchorAsset           string          `json:"anchor_asset" yaml:"anchor_asset"`                       // 永远排第一的参考资产, e.g. "BTC"
	AnchorExclude         []string        `json:"anchor_exclude" yaml:"anchor_exclude"`                   // 排除的包装资产, e.g. "WBTC"
	QuoteAssets           []string        `json:"quote_assets" yaml:"quote_assets"`                       // 用于提取基础币种的计价货币后缀
	TopN                  int             `json:"top_n" yaml:"top_n"`                                     // 摘要中显示的前 N 名
}

// FeedConfig 定义了行情来源的参数
type FeedConfig struct {
	RestBaseURL       string          `json:"rest_base_url" yaml:"rest_base_url"`               // REST API 基础地址
	WSBaseURL         string          `json:"ws_base_url" yaml:"ws_base_url"`                   // WebSocket 基础地址
	QuoteAsset        string          `json:"quote_asset" yaml:"quote_asset"`                   // 只扫描该计价货币的交易对
	Min24hVolume      decimal.Decimal `json:"min_24h_volume" yaml:"min_24h_volume"`             // 最低 24 小时成交额
	MaxSymbols        int             `json:"max_symbols" yaml:"max_symbols"`                   // 最多订阅的交易对数量, 0 表示不限制
	ExcludeBases      []string        `json:"exclude_bases" yaml:"exclude_bases"`               // 跳过这些基础货币 (稳定币)
	ExcludeQuotes     []string        `json:"exclude_quotes" yaml:"exclude_quotes"`             // 跳过这些计价货币 (法币)
	StreamsPerConn    int             `json:"streams_per_conn" yaml:"streams_per_conn"`         // 每个 WebSocket 连接的订阅数量
	StatsPollSeconds  int             `json:"stats_poll_seconds" yaml:"stats_poll_seconds"`     // 24 小时统计的轮询间隔
	RestRatePerSecond float64         `json:"rest_rate_per_second" yaml:"rest_rate_per_second"` // REST 请求速率上限
	PingIntervalSec   int             `json:"websocket_ping_interval_sec" yaml:"websocket_ping_interval_sec"`
	PongTimeoutSec    int             `json:"websocket_pong_timeout_sec" yaml:"websocket_pong_timeout_sec"`
}

// StorageConfig 定义了导出相关的存储路径
type StorageConfig struct {
	SnapshotDBPath string `json:"snapshot_db_path" yaml:"snapshot_db_path"` // BadgerDB 快照目录, 为空则不导出
	AlertDBPath    string `json:"alert_db_path" yaml:"alert_db_path"`       // SQLite 报警日志文件, 为空则不记录
}

// MetricsConfig 定义了指标服务的参数
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	TradeFile  string `json:"trade_file" yaml:"trade_file"`   // 参考资产专用成交日志, 为空则关闭
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// APRWindow returns the rolling window used for the APR estimate.
func (c ScannerConfig) APRWindow() time.Duration {
	return time.Duration(c.APRWindowMinutes) * time.Minute
}

// AlertCooldown returns the per-symbol alert cooldown.
func (c ScannerConfig) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownSeconds) * time.Second
}

// SweepInterval returns the recomputation cadence.
func (c ScannerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// ReportInterval returns the snapshot publishing cadence.
func (c ScannerConfig) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalSeconds) * time.Second
}

// SettingFor resolves the grid setting of a symbol: per-market entries are
// keyed by base asset, everything else falls back to Default.
func (c *Config) SettingFor(symbol string) (GridSetting, bool) {
	base := BaseAsset(symbol, c.Scanner.QuoteAssets)
	if s, ok := c.Markets[base]; ok {
		return s, true
	}
	return c.Default, false
}

// BaseAsset 从交易对中提取基础币种
// "BTC-USD" -> "BTC", "ETHUSDT" -> "ETH" (当 USDT 在 quotes 中)
func BaseAsset(symbol string, quotes []string) string {
	s := strings.ToUpper(symbol)
	if i := strings.Index(s, "-"); i > 0 {
		return s[:i]
	}
	for _, q := range quotes {
		q = strings.ToUpper(q)
		if q != "" && len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ErrInvalidPrice is returned for non-numeric, non-finite or non-positive prices.
var ErrInvalidPrice = errors.New("invalid price")

// ParsePrice parses a price string from a market data feed. NaN, Inf and
// non-positive values are rejected rather than coerced.
func ParsePrice(s string) (decimal.Decimal, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nan", "inf", "+inf", "-inf", "infinity", "+infinity", "-infinity":
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	p, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, s, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s must be positive", ErrInvalidPrice, p)
	}
	return p, nil
}

// MarketStat 是 24 小时市场统计数据
type MarketStat struct {
	Symbol             string
	LastPrice          decimal.Decimal
	QuoteVolume        decimal.Decimal // 24小时成交额 (计价货币)
	PriceChangePercent decimal.Decimal // 24小时价格变化 (%)
	Time               time.Time
}

// TradeEvent 定义了来自 WebSocket 的交易事件
type TradeEvent struct {
	EventType string `json:"e"` // Event type
	EventTime int64  `json:"E"` // Event time
	Symbol    string `json:"s"` // Symbol
	TradeID   int64  `json:"a"` // Aggregate trade ID
	Price     string `json:"p"` // Price
	Quantity  string `json:"q"` // Quantity
	FirstID   int64  `json:"f"` // First trade ID
	LastID    int64  `json:"l"` // Last trade ID
	TradeTime int64  `json:"T"` // Trade time
	IsMaker   bool   `json:"m"` // Is the buyer the market maker?
}

// CombinedStreamEvent 是组合流 (/stream?streams=...) 的外层包装
type CombinedStreamEvent struct {
	Stream string     `json:"stream"`
	Data   TradeEvent `json:"data"`
}
