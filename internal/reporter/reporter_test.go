package reporter

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"grid-scanner-go/internal/alert"
	"grid-scanner-go/internal/models"
	"grid-scanner-go/internal/scanner"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testSnapshot() models.Snapshot {
	return models.Snapshot{
		Time:           time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		TrackedSymbols: 3,
		ActiveSymbols:  2,
		Rows: []models.ResultRow{
			{Symbol: "BTCUSDT", Anchor: true, CurrentPrice: d("60000"), LowerBound: d("57000"), UpperBound: d("63000"),
				EstimatedAPR: d("0"), Grade: "D", Score: 20, TopResidency: "--"},
			{Symbol: "DOGEUSDT", CurrentPrice: d("0.1234"), CompletedCycles: 12, BuyFills: 13, SellFills: 12,
				EstimatedAPR: d("812.3456"), Grade: "S", Score: 95, TopResidency: "35S", Volume24h: d("25000000")},
			{Symbol: "ETHUSDT", CurrentPrice: d("3000"), CompletedCycles: 2, EstimatedAPR: d("120"), Grade: "C"},
		},
	}
}

func TestRender(t *testing.T) {
	out := NewTableReporter(&bytes.Buffer{}, 2).Render(testSnapshot())

	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "DOGEUSDT")
	assert.NotContains(t, out, "ETHUSDT", "only the top 2 rows are shown")
	assert.Contains(t, out, "812.35")
	assert.Contains(t, out, "13/12")
	assert.Contains(t, out, "25.00M")
	assert.Contains(t, out, "57000.00-63000.00")
	assert.Contains(t, out, "0.12340000")
}

func TestPublish(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTableReporter(&buf, 0).Publish(context.Background(), testSnapshot()))
	assert.Contains(t, buf.String(), "ETHUSDT")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, testSnapshot(), scanner.Stats{TrackedSymbols: 3, TicksAccepted: 42, TopAPR: d("812.3456"), Alerts: 1},
		alert.Status{Threshold: d("100"), Counts: map[string]int{"DOGEUSDT": 1}}, []string{"XRPUSDT", "ADAUSDT"}, 1)

	out := buf.String()
	assert.Contains(t, out, "订阅但无数据")
	assert.Contains(t, out, "XRPUSDT, ADAUSDT")
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "812.35%")
	assert.Contains(t, out, "100.00%")
	assert.Contains(t, out, "DOGEUSDT")
	assert.Contains(t, out, "BTCUSDT")

	buf.Reset()
	PrintSummary(&buf, models.Snapshot{}, scanner.Stats{TopAPR: d("0")}, alert.Status{Threshold: d("100")}, nil, 1)
	assert.NotContains(t, buf.String(), "无数据交易对")
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "0m00s", FormatDuration(0))
	assert.Equal(t, "5m07s", FormatDuration(5*time.Minute+7*time.Second))
	assert.Equal(t, "26h01m00s", FormatDuration(26*time.Hour+time.Minute))

	assert.Equal(t, "--", FormatVolume(decimal.Zero))
	assert.Equal(t, "950", FormatVolume(d("950")))
	assert.Equal(t, "1.50K", FormatVolume(d("1500")))
	assert.Equal(t, "12.35M", FormatVolume(d("12345678")))
	assert.Equal(t, "2.00B", FormatVolume(d("2000000000")))

	assert.Equal(t, "+3.20%", FormatChange(d("3.2")))
	assert.Equal(t, "-1.50%", FormatChange(d("-1.5")))
	assert.Equal(t, "0.00%", FormatChange(decimal.Zero))

	assert.Equal(t, "60000.00", FormatPrice(d("60000")))
	assert.Equal(t, "3.1416", FormatPrice(d("3.14159")))
}
