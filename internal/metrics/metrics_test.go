package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"grid-scanner-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// gathered returns metric name -> label value (or "") -> value.
func gathered(t *testing.T, reg *prometheus.Registry) map[string]map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]map[string]float64)
	for _, mf := range families {
		vals := make(map[string]float64)
		for _, m := range mf.GetMetric() {
			label := ""
			if len(m.GetLabel()) > 0 {
				label = m.GetLabel()[0].GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				vals[label] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				vals[label] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				vals[label] = float64(m.GetHistogram().GetSampleCount())
			}
		}
		out[mf.GetName()] = vals
	}
	return out
}

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTick(true)
	m.ObserveTick(true)
	m.ObserveTick(false)
	m.ObserveFill(models.Buy, false)
	m.ObserveFill(models.Sell, true)
	m.ObserveAlert()
	m.ObserveRejectedSymbol()
	m.ObserveSweep(3*time.Millisecond, models.Snapshot{
		TrackedSymbols: 4,
		ActiveSymbols:  2,
		Rows: []models.ResultRow{
			{Symbol: "A", EstimatedAPR: decimal.RequireFromString("12.5")},
			{Symbol: "B", EstimatedAPR: decimal.RequireFromString("250.25")},
		},
	})

	got := gathered(t, reg)
	assert.Equal(t, 2.0, got["scanner_ticks_total"]["accepted"])
	assert.Equal(t, 1.0, got["scanner_ticks_total"]["rejected"])
	assert.Equal(t, 1.0, got["scanner_fills_total"]["BUY"])
	assert.Equal(t, 1.0, got["scanner_fills_total"]["SELL"])
	assert.Equal(t, 1.0, got["scanner_cycles_total"][""])
	assert.Equal(t, 1.0, got["scanner_alerts_total"][""])
	assert.Equal(t, 1.0, got["scanner_rejected_symbols_total"][""])
	assert.Equal(t, 4.0, got["scanner_tracked_symbols"][""])
	assert.Equal(t, 2.0, got["scanner_active_symbols"][""])
	assert.Equal(t, 250.25, got["scanner_top_apr_percent"][""])
	assert.Equal(t, 1.0, got["scanner_sweep_duration_seconds"][""])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTick(true)
		m.ObserveFill(models.Buy, true)
		m.ObserveAlert()
		m.ObserveRejectedSymbol()
		m.ObserveSweep(time.Second, models.Snapshot{})
	})
}

func TestServer_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveAlert()

	srv := NewServer("127.0.0.1:0", reg, zap.NewNop())
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scanner_alerts_total 1")
}
