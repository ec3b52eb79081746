package exchange

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"grid-scanner-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoData is returned when the replay files contain no usable candles.
var ErrNoData = errors.New("no candles to replay")

const (
	candleLength = time.Minute
	statsWindow  = 24 * time.Hour
)

var hundred = decimal.NewFromInt(100)

// candle 是一根1分钟K线
type candle struct {
	symbol      string
	openTime    time.Time
	open        decimal.Decimal
	high        decimal.Decimal
	low         decimal.Decimal
	close       decimal.Decimal
	quoteVolume decimal.Decimal
}

// path 模拟K线内部的价格路径: 阳线 O->L->H->C, 阴线 O->H->L->C
func (c candle) path() [4]decimal.Decimal {
	if c.close.GreaterThanOrEqual(c.open) {
		return [4]decimal.Decimal{c.open, c.low, c.high, c.close}
	}
	return [4]decimal.Decimal{c.open, c.high, c.low, c.close}
}

// ReplayExchange 把下载的K线CSV当作行情来源回放。
// 每根K线产生四个价格, 时间间隔 15 秒; 如果 handler 同时实现了 Sweeper,
// 则按回放时间每 sweepEvery 触发一次计算。
type ReplayExchange struct {
	paths      []string
	sweepEvery time.Duration
	logger     *zap.Logger

	ticks    int64
	skipped  int
	lastTime time.Time
}

// NewReplayExchange 创建一个新的回放行情来源
func NewReplayExchange(paths []string, sweepEvery time.Duration, logger *zap.Logger) *ReplayExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sweepEvery < candleLength {
		sweepEvery = candleLength
	}
	return &ReplayExchange{paths: paths, sweepEvery: sweepEvery, logger: logger}
}

// Ticks 返回已回放的价格数量
func (e *ReplayExchange) Ticks() int64 { return e.ticks }

// Skipped 返回因格式错误被跳过的行数
func (e *ReplayExchange) Skipped() int { return e.skipped }

// LastTime 返回回放到的最后时间
func (e *ReplayExchange) LastTime() time.Time { return e.lastTime }

// Run 按时间顺序回放所有文件中的K线, ctx 取消时提前返回 nil。
func (e *ReplayExchange) Run(ctx context.Context, h MarketHandler) error {
	var all []candle
	for _, p := range e.paths {
		cs, err := e.load(p)
		if err != nil {
			return err
		}
		all = append(all, cs...)
	}
	if len(all) == 0 {
		return ErrNoData
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].openTime.Before(all[j].openTime) })

	e.logger.Info("开始回放",
		zap.Int("files", len(e.paths)),
		zap.Int("candles", len(all)),
		zap.Time("from", all[0].openTime),
		zap.Time("to", all[len(all)-1].openTime.Add(candleLength)))

	sweeper, _ := h.(Sweeper)
	windows := make(map[string]*rollingStats)
	var lastSweep time.Time

	for i := 0; i < len(all); {
		if ctx.Err() != nil {
			return nil
		}

		// 同一分钟的K线作为一组, 组内全部回放后才计算
		groupTime := all[i].openTime
		for ; i < len(all) && all[i].openTime.Equal(groupTime); i++ {
			c := all[i]
			for k, p := range c.path() {
				ts := c.openTime.Add(time.Duration(k) * candleLength / 4)
				if err := h.OnPrice(c.symbol, p, ts); err != nil {
					if errors.Is(err, models.ErrInvalidPrice) {
						continue
					}
					return err
				}
				e.ticks++
			}
			w, ok := windows[c.symbol]
			if !ok {
				w = &rollingStats{}
				windows[c.symbol] = w
			}
			w.add(c)
		}

		e.lastTime = groupTime.Add(candleLength)
		if sweeper != nil && (lastSweep.IsZero() || e.lastTime.Sub(lastSweep) >= e.sweepEvery) {
			if err := e.sweep(ctx, h, sweeper, windows); err != nil {
				return err
			}
			lastSweep = e.lastTime
		}
	}

	if sweeper != nil && e.lastTime.After(lastSweep) {
		if err := e.sweep(ctx, h, sweeper, windows); err != nil {
			return err
		}
	}
	e.logger.Info("回放完成", zap.Int64("ticks", e.ticks), zap.Int("skipped_rows", e.skipped))
	return nil
}

func (e *ReplayExchange) sweep(ctx context.Context, h MarketHandler, sweeper Sweeper, windows map[string]*rollingStats) error {
	for symbol, w := range windows {
		if err := h.OnMarketStats(w.stat(symbol)); err != nil {
			return err
		}
	}
	if _, err := sweeper.Sweep(ctx, e.lastTime); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("回放计算失败 @ %s: %w", e.lastTime.Format(time.RFC3339), err)
	}
	return nil
}

// load 读取一个K线CSV文件, 交易对名称取自文件名
func (e *ReplayExchange) load(path string) ([]candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开数据文件: %w", err)
	}
	defer file.Close()

	symbol := SymbolFromPath(path)
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var candles []candle
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if line == 1 && len(record) > 0 && record[0] == "open_time" {
			continue
		}
		c, err := parseCandle(symbol, record)
		if err != nil {
			e.skipped++
			e.logger.Warn("跳过无效K线", zap.String("file", path), zap.Int("line", line), zap.Error(err))
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseCandle(symbol string, record []string) (candle, error) {
	if len(record) < 5 {
		return candle{}, fmt.Errorf("expected at least 5 columns, got %d", len(record))
	}
	openMs, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return candle{}, fmt.Errorf("open_time: %w", err)
	}
	var ohlc [4]decimal.Decimal
	for i := range ohlc {
		if ohlc[i], err = models.ParsePrice(record[i+1]); err != nil {
			return candle{}, err
		}
	}
	c := candle{
		symbol:   symbol,
		openTime: time.UnixMilli(openMs).UTC(),
		open:     ohlc[0],
		high:     ohlc[1],
		low:      ohlc[2],
		close:    ohlc[3],
	}
	if len(record) > 7 {
		if v, err := decimal.NewFromString(record[7]); err == nil {
			c.quoteVolume = v
		}
	}
	return c, nil
}

// rollingStats 维护一个交易对最近 24 小时的K线, 用于生成回放时的市场统计
type rollingStats struct {
	candles []candle
	head    int
	volume  decimal.Decimal
}

func (r *rollingStats) add(c candle) {
	r.candles = append(r.candles, c)
	r.volume = r.volume.Add(c.quoteVolume)

	cutoff := c.openTime.Add(-statsWindow)
	for r.head < len(r.candles) && !r.candles[r.head].openTime.After(cutoff) {
		r.volume = r.volume.Sub(r.candles[r.head].quoteVolume)
		r.head++
	}
	if r.head > 1024 && r.head*2 > len(r.candles) {
		r.candles = append([]candle(nil), r.candles[r.head:]...)
		r.head = 0
	}
}

func (r *rollingStats) stat(symbol string) models.MarketStat {
	first, last := r.candles[r.head], r.candles[len(r.candles)-1]
	change := decimal.Zero
	if first.open.IsPositive() {
		change = last.close.Sub(first.open).Div(first.open).Mul(hundred)
	}
	return models.MarketStat{
		Symbol:             symbol,
		LastPrice:          last.close,
		QuoteVolume:        r.volume,
		PriceChangePercent: change,
		Time:               last.openTime.Add(candleLength),
	}
}
