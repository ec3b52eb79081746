package exchange

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-scanner-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tick struct {
	symbol string
	price  string
	ts     time.Time
}

// recorder is a MarketHandler and Sweeper that keeps everything it receives.
type recorder struct {
	mu     sync.Mutex
	ticks  []tick
	stats  []models.MarketStat
	sweeps []time.Time
	err    error
}

func (r *recorder) OnPrice(symbol string, price decimal.Decimal, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, tick{symbol, price.String(), ts})
	return r.err
}

func (r *recorder) OnMarketStats(stat models.MarketStat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, stat)
	return nil
}

func (r *recorder) Sweep(_ context.Context, now time.Time) (models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, now)
	return models.Snapshot{Time: now}, nil
}

func (r *recorder) tickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

// priceOnly implements MarketHandler without Sweep.
type priceOnly struct{ n int }

func (p *priceOnly) OnPrice(string, decimal.Decimal, time.Time) error { p.n++; return nil }
func (p *priceOnly) OnMarketStats(models.MarketStat) error            { return nil }

var t0 = time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

func writeCSV(t *testing.T, dir, name string, rows ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "open_time,open,high,low,close,volume,close_time,quote_asset_volume,number_of_trades,taker_buy_base_asset_volume,taker_buy_quote_asset_volume\n" +
		strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func TestSymbolFromPath(t *testing.T) {
	assert.Equal(t, "BNBUSDT", SymbolFromPath("data/BNBUSDT-2025-03-15-2025-06-15.csv"))
	assert.Equal(t, "ETHUSDT", SymbolFromPath("/tmp/ethusdt.csv"))
	assert.Equal(t, "SOLUSDT", SymbolFromPath("SOLUSDT"))
}

func TestReplayExchange_CandlePathAndSweeps(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "ETHUSDT-2025-03-15-2025-03-16.csv",
		ms(t0)+",100,102,99,101,1,0,1000,1,0,0",                    // up
		ms(t0.Add(time.Minute))+",101,101.5,98,99,1,0,2000,1,0,0",  // down
		ms(t0.Add(2*time.Minute))+",99,100,99,100,1,0,500,1,0,0",   // up
	)

	rec := &recorder{}
	ex := NewReplayExchange([]string{path}, 2*time.Minute, nil)
	require.NoError(t, ex.Run(context.Background(), rec))

	require.Len(t, rec.ticks, 12)
	prices := make([]string, 0, 8)
	for _, tk := range rec.ticks[:8] {
		prices = append(prices, tk.price)
	}
	assert.Equal(t, []string{"100", "99", "102", "101", "101", "101.5", "98", "99"}, prices)
	assert.Equal(t, "ETHUSDT", rec.ticks[0].symbol)
	assert.Equal(t, t0, rec.ticks[0].ts)
	assert.Equal(t, t0.Add(45*time.Second), rec.ticks[3].ts)
	for i := 1; i < len(rec.ticks); i++ {
		assert.True(t, rec.ticks[i].ts.After(rec.ticks[i-1].ts), "ticks must be time ordered")
	}

	// first group sweeps immediately, then every 2 minutes of replay time
	assert.Equal(t, []time.Time{t0.Add(time.Minute), t0.Add(3 * time.Minute)}, rec.sweeps)
	assert.EqualValues(t, 12, ex.Ticks())
	assert.Equal(t, t0.Add(3*time.Minute), ex.LastTime())

	require.NotEmpty(t, rec.stats)
	last := rec.stats[len(rec.stats)-1]
	assert.Equal(t, "ETHUSDT", last.Symbol)
	assert.True(t, last.QuoteVolume.Equal(decimal.NewFromInt(3500)))
	assert.True(t, last.LastPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, last.PriceChangePercent.IsZero(), "100 -> 100")
}

func TestReplayExchange_MergesFilesInTimeOrder(t *testing.T) {
	dir := t.TempDir()
	eth := writeCSV(t, dir, "ETHUSDT-a.csv",
		ms(t0)+",100,100,100,100",
		ms(t0.Add(time.Minute))+",100,100,100,100",
	)
	btc := writeCSV(t, dir, "BTCUSDT-a.csv",
		ms(t0.Add(time.Minute))+",50000,50000,50000,50000",
	)

	rec := &recorder{}
	require.NoError(t, NewReplayExchange([]string{eth, btc}, time.Minute, nil).Run(context.Background(), rec))

	require.Len(t, rec.ticks, 12)
	assert.Equal(t, "ETHUSDT", rec.ticks[0].symbol)
	assert.Equal(t, "ETHUSDT", rec.ticks[4].symbol)
	assert.Equal(t, "BTCUSDT", rec.ticks[8].symbol)
	assert.Equal(t, []time.Time{t0.Add(time.Minute), t0.Add(2 * time.Minute)}, rec.sweeps)
}

func TestReplayExchange_SkipsBadRows(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "SOLUSDT-x.csv",
		ms(t0)+",10,11,9,10",
		"not-a-time,10,11,9,10",
		ms(t0.Add(time.Minute))+",NaN,11,9,10",
		ms(t0.Add(2*time.Minute))+",0,11,9,10",
		"123",
		ms(t0.Add(3*time.Minute))+",10,11,9,10",
	)

	h := &priceOnly{}
	ex := NewReplayExchange([]string{path}, time.Minute, nil)
	require.NoError(t, ex.Run(context.Background(), h))
	assert.Equal(t, 8, h.n, "no Sweeper, only prices")
	assert.Equal(t, 4, ex.Skipped())
}

func TestReplayExchange_Errors(t *testing.T) {
	dir := t.TempDir()

	err := NewReplayExchange([]string{filepath.Join(dir, "missing.csv")}, time.Minute, nil).Run(context.Background(), &recorder{})
	assert.Error(t, err)

	empty := writeCSV(t, dir, "EMPTY-x.csv")
	err = NewReplayExchange([]string{empty}, time.Minute, nil).Run(context.Background(), &recorder{})
	assert.ErrorIs(t, err, ErrNoData)

	path := writeCSV(t, dir, "ETHUSDT-x.csv", ms(t0)+",100,100,100,100")
	stopped := &recorder{err: assert.AnError}
	err = NewReplayExchange([]string{path}, time.Minute, nil).Run(context.Background(), stopped)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, stopped.tickCount())
}

func TestReplayExchange_Cancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "ETHUSDT-x.csv", ms(t0)+",100,100,100,100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	require.NoError(t, NewReplayExchange([]string{path}, time.Minute, nil).Run(ctx, rec))
	assert.Zero(t, rec.tickCount())
}

func TestRollingStats_Evicts24h(t *testing.T) {
	r := &rollingStats{}
	r.add(candle{openTime: t0, open: decimal.NewFromInt(100), close: decimal.NewFromInt(100), quoteVolume: decimal.NewFromInt(10)})
	r.add(candle{openTime: t0.Add(12 * time.Hour), open: decimal.NewFromInt(110), close: decimal.NewFromInt(110), quoteVolume: decimal.NewFromInt(20)})

	st := r.stat("X")
	assert.True(t, st.QuoteVolume.Equal(decimal.NewFromInt(30)))
	assert.True(t, st.PriceChangePercent.Equal(decimal.NewFromInt(10)))

	r.add(candle{openTime: t0.Add(24 * time.Hour), open: decimal.NewFromInt(121), close: decimal.NewFromInt(121), quoteVolume: decimal.NewFromInt(5)})
	st = r.stat("X")
	assert.True(t, st.QuoteVolume.Equal(decimal.NewFromInt(25)), "first candle left the window")
	assert.True(t, st.PriceChangePercent.Equal(decimal.NewFromInt(10)), "110 -> 121")
}
