package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	p, err := ParsePrice(" 3000.50 ")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("3000.5")))

	for _, bad := range []string{"", "abc", "NaN", "nan", "Inf", "-Infinity", "0", "-1", "0.00000000"} {
		_, err := ParsePrice(bad)
		assert.ErrorIs(t, err, ErrInvalidPrice, "input %q", bad)
	}
}

func TestBaseAsset(t *testing.T) {
	quotes := []string{"USDT", "USDC", "USD"}
	assert.Equal(t, "BTC", BaseAsset("BTC-USD", quotes))
	assert.Equal(t, "ETH", BaseAsset("ethusdt", quotes))
	assert.Equal(t, "SOL", BaseAsset("SOLUSDC", quotes))
	assert.Equal(t, "USDT", BaseAsset("USDT", quotes), "a bare quote asset is its own base")
	assert.Equal(t, "XYZ", BaseAsset("XYZ", nil))
}

func TestSettingFor(t *testing.T) {
	cfg := &Config{
		Default: GridSetting{WidthPercent: decimal.NewFromInt(5), IntervalPercent: decimal.RequireFromString("0.5")},
		Markets: map[string]GridSetting{
			"BTC": {WidthPercent: decimal.NewFromInt(2), IntervalPercent: decimal.RequireFromString("0.1")},
		},
		Scanner: ScannerConfig{QuoteAssets: []string{"USDT"}},
	}

	s, ok := cfg.SettingFor("BTCUSDT")
	assert.True(t, ok)
	assert.True(t, s.WidthPercent.Equal(decimal.NewFromInt(2)))

	s, ok = cfg.SettingFor("ETHUSDT")
	assert.False(t, ok)
	assert.True(t, s.IntervalPercent.Equal(decimal.RequireFromString("0.5")))
}
