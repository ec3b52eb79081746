package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"grid-scanner-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	reconnectDelay = 5 * time.Second
	writeWait      = 10 * time.Second
)

// ErrNoSymbols is returned when no market passes the feed filters.
var ErrNoSymbols = errors.New("no symbols matched the feed filters")

// errHandler marks errors returned by the MarketHandler, which end the feed
// instead of triggering a reconnect.
var errHandler = errors.New("market handler failed")

// LiveExchange 从币安现货公开行情读取价格, 不需要 API 密钥。
// REST 用于发现交易对和轮询 24 小时统计, WebSocket 组合流用于实时成交价。
type LiveExchange struct {
	cfg     models.FeedConfig
	client  *binance.Client
	limiter *rate.Limiter
	dialer  *websocket.Dialer
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	symbols map[string]struct{}
}

// NewLiveExchange 创建一个新的 LiveExchange 实例
func NewLiveExchange(cfg models.FeedConfig, logger *zap.Logger) *LiveExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := binance.NewClient("", "")
	client.BaseURL = strings.TrimRight(cfg.RestBaseURL, "/")

	burst := int(math.Ceil(cfg.RestRatePerSecond))
	if burst < 1 {
		burst = 1
	}
	return &LiveExchange{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RestRatePerSecond), burst),
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		now:     time.Now,
		symbols: make(map[string]struct{}),
	}
}

// Fetch24hStats 获取所有以 QuoteAsset 计价的交易对的 24 小时统计
func (e *LiveExchange) Fetch24hStats(ctx context.Context) ([]models.MarketStat, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := e.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取24小时统计失败: %w", err)
	}

	stats := make([]models.MarketStat, 0, len(res))
	for _, r := range res {
		if !strings.HasSuffix(r.Symbol, e.cfg.QuoteAsset) {
			continue
		}
		st, err := toMarketStat(r)
		if err != nil {
			e.logger.Debug("跳过无法解析的统计数据", zap.String("symbol", r.Symbol), zap.Error(err))
			continue
		}
		stats = append(stats, st)
	}
	return stats, nil
}

func toMarketStat(r *binance.PriceChangeStats) (models.MarketStat, error) {
	last, err := decimal.NewFromString(r.LastPrice)
	if err != nil {
		return models.MarketStat{}, fmt.Errorf("lastPrice: %w", err)
	}
	volume, err := decimal.NewFromString(r.QuoteVolume)
	if err != nil {
		return models.MarketStat{}, fmt.Errorf("quoteVolume: %w", err)
	}
	change, err := decimal.NewFromString(r.PriceChangePercent)
	if err != nil {
		return models.MarketStat{}, fmt.Errorf("priceChangePercent: %w", err)
	}
	return models.MarketStat{
		Symbol:             r.Symbol,
		LastPrice:          last,
		QuoteVolume:        volume,
		PriceChangePercent: change,
		Time:               time.UnixMilli(r.CloseTime),
	}, nil
}

// Discover 选出要订阅的交易对: 成交额达到 Min24hVolume 且价格为正,
// 跳过 ExcludeBases/ExcludeQuotes 中的稳定币和法币市场,
// 按成交额从高到低排列, 最多 MaxSymbols 个。
func (e *LiveExchange) Discover(ctx context.Context) ([]models.MarketStat, error) {
	stats, err := e.Fetch24hStats(ctx)
	if err != nil {
		return nil, err
	}

	selected := stats[:0]
	skipped := 0
	for _, st := range stats {
		if !st.LastPrice.IsPositive() || st.QuoteVolume.LessThan(e.cfg.Min24hVolume) {
			continue
		}
		if e.excluded(st.Symbol) {
			skipped++
			continue
		}
		selected = append(selected, st)
	}
	if skipped > 0 {
		e.logger.Info("跳过稳定币/法币市场", zap.Int("count", skipped))
	}
	sort.Slice(selected, func(i, j int) bool {
		if c := selected[i].QuoteVolume.Cmp(selected[j].QuoteVolume); c != 0 {
			return c > 0
		}
		return selected[i].Symbol < selected[j].Symbol
	})
	if e.cfg.MaxSymbols > 0 && len(selected) > e.cfg.MaxSymbols {
		selected = selected[:e.cfg.MaxSymbols]
	}

	e.mu.Lock()
	e.symbols = make(map[string]struct{}, len(selected))
	for _, st := range selected {
		e.symbols[st.Symbol] = struct{}{}
	}
	e.mu.Unlock()
	return selected, nil
}

// excluded 报告交易对的基础货币是否为稳定币, 或计价货币是否为法币
func (e *LiveExchange) excluded(symbol string) bool {
	base := models.BaseAsset(symbol, []string{e.cfg.QuoteAsset})
	quote := strings.TrimPrefix(strings.TrimPrefix(strings.ToUpper(symbol), base), "-")
	return containsFold(e.cfg.ExcludeBases, base) || containsFold(e.cfg.ExcludeQuotes, quote)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Symbols 返回当前订阅的交易对, 按字母排序
func (e *LiveExchange) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (e *LiveExchange) tracked(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.symbols[symbol]
	return ok
}

// Run 发现交易对并订阅行情, 直到 ctx 取消。
// 每 StreamsPerConn 个交易对共用一个 WebSocket 连接。
func (e *LiveExchange) Run(ctx context.Context, h MarketHandler) error {
	selected, err := e.Discover(ctx)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return ErrNoSymbols
	}

	symbols := make([]string, 0, len(selected))
	for _, st := range selected {
		if err := h.OnMarketStats(st); err != nil {
			return err
		}
		symbols = append(symbols, st.Symbol)
	}

	batches := chunk(symbols, e.cfg.StreamsPerConn)
	e.logger.Info("开始订阅实时行情",
		zap.Int("symbols", len(symbols)),
		zap.Int("connections", len(batches)))

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		id, batch := i, batch
		g.Go(func() error { return e.streamLoop(gctx, id, batch, h) })
	}
	g.Go(func() error { return e.statsLoop(gctx, h) })

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func chunk(symbols []string, size int) [][]string {
	if size <= 0 {
		size = len(symbols)
	}
	var out [][]string
	for len(symbols) > 0 {
		n := size
		if n > len(symbols) {
			n = len(symbols)
		}
		out = append(out, symbols[:n])
		symbols = symbols[n:]
	}
	return out
}

func (e *LiveExchange) streamURL(symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@aggTrade"
	}
	return fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(e.cfg.WSBaseURL, "/"), strings.Join(streams, "/"))
}

// streamLoop 负责维持一个组合流连接, 断开后 5 秒重连
func (e *LiveExchange) streamLoop(ctx context.Context, id int, symbols []string, h MarketHandler) error {
	url := e.streamURL(symbols)
	log := e.logger.With(zap.Int("conn", id), zap.Int("streams", len(symbols)))

	for {
		conn, _, err := e.dialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("WebSocket连接失败, 5秒后重试", zap.Error(err))
		} else {
			log.Info("WebSocket连接成功")
			err = e.handleMessages(ctx, conn, h)
			conn.Close()
			if ctx.Err() != nil {
				log.Info("WebSocket循环已停止")
				return nil
			}
			if errors.Is(err, errHandler) {
				return err
			}
			log.Warn("WebSocket连接已断开, 准备重连", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// handleMessages 处理一个已建立的连接上的消息, 并维持心跳。
// 连接断开或 ctx 取消时返回。
func (e *LiveExchange) handleMessages(ctx context.Context, conn *websocket.Conn, h MarketHandler) error {
	pongWait := time.Duration(e.cfg.PongTimeoutSec) * time.Second
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := time.Duration(e.cfg.PingIntervalSec) * time.Second
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = pongWait * 9 / 10
	}

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	// 设置Pong处理器来延长读取超时
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					e.logger.Debug("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭; 对端回应关闭帧后 ReadMessage 返回
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.SetReadDeadline(time.Now().Add(time.Second))
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := e.dispatch(message, h); err != nil {
			return err
		}
	}
}

// dispatch 解析一条组合流消息并推送给 h。
// 无法解析的消息和无效价格只记录日志, 不会中断连接。
func (e *LiveExchange) dispatch(message []byte, h MarketHandler) error {
	var ev models.CombinedStreamEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		e.logger.Debug("解析行情消息失败", zap.Error(err))
		return nil
	}
	if ev.Data.Symbol == "" {
		return nil
	}

	price, err := models.ParsePrice(ev.Data.Price)
	if err != nil {
		e.logger.Debug("忽略无效价格", zap.String("symbol", ev.Data.Symbol), zap.Error(err))
		return nil
	}

	// 使用本地接收时间, 与扫描时钟保持一致
	if err := h.OnPrice(ev.Data.Symbol, price, e.now()); err != nil {
		if errors.Is(err, models.ErrInvalidPrice) {
			return nil
		}
		return fmt.Errorf("%w: %w", errHandler, err)
	}
	return nil
}

// statsLoop 定期刷新已订阅交易对的 24 小时统计
func (e *LiveExchange) statsLoop(ctx context.Context, h MarketHandler) error {
	interval := time.Duration(e.cfg.StatsPollSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := e.Fetch24hStats(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Warn("刷新24小时统计失败", zap.Error(err))
				continue
			}
			for _, st := range stats {
				if !e.tracked(st.Symbol) {
					continue
				}
				if err := h.OnMarketStats(st); err != nil {
					return err
				}
			}
		}
	}
}
