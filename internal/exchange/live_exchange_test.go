package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"grid-scanner-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tickerJSON = `[
 {"symbol":"BTCUSDT","priceChangePercent":"1.25","lastPrice":"50000","quoteVolume":"90000000","closeTime":1742000000000},
 {"symbol":"ETHUSDT","priceChangePercent":"-2.5","lastPrice":"3000","quoteVolume":"40000000","closeTime":1742000000000},
 {"symbol":"USDCUSDT","priceChangePercent":"0","lastPrice":"1.0001","quoteVolume":"95000000","closeTime":1742000000000},
 {"symbol":"TUSDUSDT","priceChangePercent":"0","lastPrice":"0.9998","quoteVolume":"30000000","closeTime":1742000000000},
 {"symbol":"BTCEUR","priceChangePercent":"0","lastPrice":"46000","quoteVolume":"60000000","closeTime":1742000000000},
 {"symbol":"DOGEUSDT","priceChangePercent":"0","lastPrice":"0.1","quoteVolume":"20000000","closeTime":1742000000000},
 {"symbol":"ETHBTC","priceChangePercent":"0","lastPrice":"0.06","quoteVolume":"99999999999","closeTime":1742000000000},
 {"symbol":"LOWUSDT","priceChangePercent":"0","lastPrice":"1","quoteVolume":"100","closeTime":1742000000000},
 {"symbol":"DEADUSDT","priceChangePercent":"0","lastPrice":"0.00000000","quoteVolume":"50000000","closeTime":1742000000000}
]`

// fakeBinance serves the 24h ticker and a combined aggTrade stream.
type fakeBinance struct {
	*httptest.Server
	streams  chan string
	messages []string
}

func newFakeBinance(t *testing.T, messages ...string) *fakeBinance {
	f := &fakeBinance{streams: make(chan string, 8), messages: messages}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tickerJSON))
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.streams <- r.URL.Query().Get("streams")
		for _, m := range f.messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// keep reading so pings and close frames are answered
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeBinance) feedConfig() models.FeedConfig {
	return models.FeedConfig{
		RestBaseURL:       f.URL,
		WSBaseURL:         "ws" + strings.TrimPrefix(f.URL, "http"),
		QuoteAsset:        "USDT",
		Min24hVolume:      decimal.NewFromInt(10_000_000),
		MaxSymbols:        2,
		ExcludeBases:      []string{"USDT", "USDC", "DAI", "BUSD", "TUSD", "USDD"},
		ExcludeQuotes:     []string{"JPY", "EUR", "GBP", "CAD", "AUD", "CHF", "CNY"},
		StreamsPerConn:    100,
		StatsPollSeconds:  3600,
		RestRatePerSecond: 100,
		PingIntervalSec:   1,
		PongTimeoutSec:    5,
	}
}

func TestLiveExchange_Discover(t *testing.T) {
	f := newFakeBinance(t)
	ex := NewLiveExchange(f.feedConfig(), zap.NewNop())

	selected, err := ex.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "BTCUSDT", selected[0].Symbol, "highest volume first, stablecoin bases skipped")
	assert.Equal(t, "ETHUSDT", selected[1].Symbol)
	assert.True(t, selected[1].PriceChangePercent.Equal(decimal.RequireFromString("-2.5")))
	assert.Equal(t, time.UnixMilli(1742000000000), selected[0].Time)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, ex.Symbols())

	cfg := f.feedConfig()
	cfg.MaxSymbols = 0
	all, err := NewLiveExchange(cfg, nil).Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3, "ETHBTC, BTCEUR, LOWUSDT, DEADUSDT and the stablecoins are filtered out")

	cfg.ExcludeBases = nil
	withStables, err := NewLiveExchange(cfg, nil).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, withStables, 5)
	assert.Equal(t, "USDCUSDT", withStables[0].Symbol)
}

func TestLiveExchange_DiscoverSkipsFiatQuotes(t *testing.T) {
	f := newFakeBinance(t)
	cfg := f.feedConfig()
	cfg.QuoteAsset = "EUR"

	selected, err := NewLiveExchange(cfg, nil).Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, selected)

	cfg.ExcludeQuotes = []string{"JPY"}
	selected, err = NewLiveExchange(cfg, nil).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "BTCEUR", selected[0].Symbol)
}

func TestLiveExchange_StreamsPrices(t *testing.T) {
	f := newFakeBinance(t,
		`{"stream":"ethusdt@aggTrade","data":{"e":"aggTrade","s":"ETHUSDT","p":"3001.5","T":1742000000001}}`,
		`{"stream":"ethusdt@aggTrade","data":{"e":"aggTrade","s":"ETHUSDT","p":"NaN"}}`,
		`not json`,
		`{"result":null,"id":1}`,
		`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT","p":"50010","T":1742000000002}}`,
	)
	ex := NewLiveExchange(f.feedConfig(), zap.NewNop())
	now := time.Date(2025, 3, 15, 1, 0, 0, 0, time.UTC)
	ex.now = func() time.Time { return now }

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ex.Run(ctx, rec) }()

	select {
	case streams := <-f.streams:
		assert.Equal(t, "btcusdt@aggTrade/ethusdt@aggTrade", streams)
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection")
	}
	assert.Eventually(t, func() bool { return rec.tickCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, tick{"ETHUSDT", "3001.5", now}, rec.ticks[0])
	assert.Equal(t, tick{"BTCUSDT", "50010", now}, rec.ticks[1])
	require.Len(t, rec.stats, 2, "initial stats for every subscribed symbol")
	assert.Empty(t, rec.sweeps)
}

func TestLiveExchange_HandlerErrorEndsFeed(t *testing.T) {
	f := newFakeBinance(t,
		`{"stream":"ethusdt@aggTrade","data":{"e":"aggTrade","s":"ETHUSDT","p":"3000"}}`,
	)
	ex := NewLiveExchange(f.feedConfig(), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- ex.Run(context.Background(), &recorder{err: assert.AnError}) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestLiveExchange_NoSymbols(t *testing.T) {
	f := newFakeBinance(t)
	cfg := f.feedConfig()
	cfg.Min24hVolume = decimal.NewFromInt(1_000_000_000)

	err := NewLiveExchange(cfg, nil).Run(context.Background(), &recorder{})
	assert.ErrorIs(t, err, ErrNoSymbols)
}

func TestChunk(t *testing.T) {
	syms := []string{"A", "B", "C", "D", "E"}
	assert.Equal(t, [][]string{{"A", "B"}, {"C", "D"}, {"E"}}, chunk(syms, 2))
	assert.Equal(t, [][]string{syms}, chunk(syms, 0))
	assert.Nil(t, chunk(nil, 3))
}

func TestLiveExchange_StreamURL(t *testing.T) {
	ex := NewLiveExchange(models.FeedConfig{WSBaseURL: "wss://stream.binance.com:9443/", RestRatePerSecond: 1}, nil)
	assert.Equal(t,
		"wss://stream.binance.com:9443/stream?streams=ethusdt@aggTrade/solusdt@aggTrade",
		ex.streamURL([]string{"ETHUSDT", "SOLUSDT"}))
}
