package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"grid-scanner-go/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for unusable settings.
var ErrInvalidConfig = errors.New("invalid config")

// 环境变量
const (
	EnvConfigPath  = "SCANNER_CONFIG"
	EnvLogLevel    = "SCANNER_LOG_LEVEL"
	EnvMetricsAddr = "SCANNER_METRICS_ADDR"
)

// LoadConfig 从指定路径加载配置文件 (JSON 或 YAML, 按扩展名判断), 填充默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &models.Config{}
	raw := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(data, config); err == nil {
			err = yaml.Unmarshal(data, &raw)
		}
	default:
		if err = json.Unmarshal(data, config); err == nil {
			err = json.Unmarshal(data, &raw)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyDefaults(config, presentKeys(raw))
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// keySet 是配置文件中出现过的键, 形如 "scanner.fee_rate_percent"
type keySet map[string]struct{}

func (k keySet) has(key string) bool {
	_, ok := k[key]
	return ok
}

func presentKeys(raw map[string]interface{}) keySet {
	keys := keySet{}
	for section, v := range raw {
		keys[section] = struct{}{}
		if m, ok := v.(map[string]interface{}); ok {
			for k := range m {
				keys[section+"."+k] = struct{}{}
			}
		}
	}
	return keys
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(c *models.Config) {
	applyDefaults(c, nil)
}

// applyDefaults 中, 文件里显式写出的 0 或空列表会被保留
func applyDefaults(c *models.Config, set keySet) {
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
	if c.LogConfig.MaxSize == 0 {
		c.LogConfig.MaxSize = 100
	}

	if c.Default.WidthPercent.IsZero() {
		c.Default.WidthPercent = decimal.NewFromInt(5)
	}
	if c.Default.IntervalPercent.IsZero() {
		c.Default.IntervalPercent = decimal.RequireFromString("0.5")
	}

	s := &c.Scanner
	if s.FeeRatePercent.IsZero() && !set.has("scanner.fee_rate_percent") {
		s.FeeRatePercent = decimal.RequireFromString("0.004")
	}
	if s.OrderValue.IsZero() {
		s.OrderValue = decimal.NewFromInt(10)
	}
	if s.APRAlertThreshold.IsZero() {
		s.APRAlertThreshold = decimal.NewFromInt(100)
	}
	if s.MaxAlertsPerSymbol == 0 && !set.has("scanner.max_alerts_per_symbol") {
		s.MaxAlertsPerSymbol = 3
	}
	if s.AlertCooldownSeconds == 0 && !set.has("scanner.alert_cooldown_seconds") {
		s.AlertCooldownSeconds = 300
	}
	if s.APRWindowMinutes == 0 {
		s.APRWindowMinutes = 5
	}
	if s.SweepIntervalMs == 0 {
		s.SweepIntervalMs = 1000
	}
	if s.ReportIntervalSeconds == 0 {
		s.ReportIntervalSeconds = 5
	}
	if s.Partitions == 0 {
		s.Partitions = 4
	}
	if s.PartitionBuffer == 0 {
		s.PartitionBuffer = 4096
	}
	if s.AnchorAsset == "" {
		s.AnchorAsset = "BTC"
		if len(s.AnchorExclude) == 0 {
			s.AnchorExclude = []string{"WBTC", "TBTC", "RBTC"}
		}
	}
	if len(s.QuoteAssets) == 0 {
		s.QuoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "USD"}
	}
	if s.TopN == 0 {
		s.TopN = 10
	}

	f := &c.Feed
	if f.RestBaseURL == "" {
		f.RestBaseURL = "https://api.binance.com"
	}
	if f.WSBaseURL == "" {
		f.WSBaseURL = "wss://stream.binance.com:9443"
	}
	if f.QuoteAsset == "" {
		f.QuoteAsset = "USDT"
	}
	if f.ExcludeBases == nil && !set.has("feed.exclude_bases") {
		f.ExcludeBases = []string{"USDT", "USDC", "DAI", "BUSD", "TUSD", "USDD"}
	}
	if f.ExcludeQuotes == nil && !set.has("feed.exclude_quotes") {
		f.ExcludeQuotes = []string{"JPY", "EUR", "GBP", "CAD", "AUD", "CHF", "CNY"}
	}
	if f.StreamsPerConn == 0 {
		f.StreamsPerConn = 100
	}
	if f.StatsPollSeconds == 0 {
		f.StatsPollSeconds = 60
	}
	if f.RestRatePerSecond == 0 {
		f.RestRatePerSecond = 2
	}
	if f.PingIntervalSec == 0 {
		f.PingIntervalSec = 30
	}
	if f.PongTimeoutSec == 0 {
		f.PongTimeoutSec = 75
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9108"
	}
}

// Validate 检查配置是否可用
func Validate(c *models.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Default.WidthPercent.IsPositive(), "default.grid_width_percent must be positive, got %s", c.Default.WidthPercent)
	check(c.Default.IntervalPercent.IsPositive(), "default.grid_interval_percent must be positive, got %s", c.Default.IntervalPercent)
	// 单个市场配置错误只会跳过该交易对, 这里不拒绝

	s := c.Scanner
	check(!s.FeeRatePercent.IsNegative(), "scanner.fee_rate_percent must not be negative, got %s", s.FeeRatePercent)
	check(s.OrderValue.IsPositive(), "scanner.order_value must be positive, got %s", s.OrderValue)
	check(s.APRAlertThreshold.IsPositive(), "scanner.apr_alert_threshold must be positive, got %s", s.APRAlertThreshold)
	check(s.MaxAlertsPerSymbol >= 0, "scanner.max_alerts_per_symbol must not be negative")
	check(s.AlertCooldownSeconds >= 0, "scanner.alert_cooldown_seconds must not be negative")
	check(s.APRWindowMinutes > 0, "scanner.apr_window_minutes must be positive")
	check(s.MinCyclesToDisplay >= 0, "scanner.min_cycles_to_display must not be negative")
	check(s.SweepIntervalMs > 0, "scanner.sweep_interval_ms must be positive")
	check(s.ReportIntervalSeconds > 0, "scanner.report_interval_seconds must be positive")
	check(s.Partitions > 0, "scanner.partitions must be positive")
	check(s.PartitionBuffer > 0, "scanner.partition_buffer must be positive")

	f := c.Feed
	check(f.StreamsPerConn > 0 && f.StreamsPerConn <= 1024, "feed.streams_per_conn must be in 1..1024, got %d", f.StreamsPerConn)
	check(f.MaxSymbols >= 0, "feed.max_symbols must not be negative")
	check(f.RestRatePerSecond > 0, "feed.rest_rate_per_second must be positive")
	check(!f.Min24hVolume.IsNegative(), "feed.min_24h_volume must not be negative")

	return errors.Join(errs...)
}

// ApplyEnv 使用环境变量覆盖部分配置 (通常由 .env 文件提供)
func ApplyEnv(c *models.Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogConfig.Level = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}
}

// PathFromEnv 返回配置文件路径, 环境变量优先于默认值
func PathFromEnv(fallback string) string {
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return fallback
}
