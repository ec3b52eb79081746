package downloader

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

func klinesServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	first := start.UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		calls.Add(1)
		from, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		w.Header().Set("Content-Type", "application/json")
		if from > first {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[
 [` + strconv.FormatInt(first, 10) + `,"100","102","99","101","5",` + strconv.FormatInt(first+59999, 10) + `,"505",12,"2","202","0"],
 [` + strconv.FormatInt(first+60000, 10) + `,"101","101.5","98","99","6",` + strconv.FormatInt(first+119999, 10) + `,"600",15,"3","300","0"]
]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadKlines(t *testing.T) {
	var calls atomic.Int32
	srv := klinesServer(t, &calls)
	d := NewKlineDownloader(srv.URL, nil)

	path := FileName(filepath.Join(t.TempDir(), "data"), "ETHUSDT", start, start.Add(24*time.Hour))
	assert.Equal(t, "ETHUSDT-2025-03-15-2025-03-16.csv", filepath.Base(path))

	require.NoError(t, d.DownloadKlines(context.Background(), "ETHUSDT", path, start, start.Add(24*time.Hour)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, Header, records[0])
	assert.Equal(t, []string{strconv.FormatInt(start.UnixMilli(), 10), "100", "102", "99", "101", "5"}, records[1][:6])
	assert.Equal(t, "600", records[2][7])
	assert.EqualValues(t, 2, calls.Load(), "one page of data and one empty page")

	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err), "temporary file is removed")

	// second call hits the cache
	require.NoError(t, d.DownloadKlines(context.Background(), "ETHUSDT", path, start, start.Add(24*time.Hour)))
	assert.EqualValues(t, 2, calls.Load())
}

func TestDownloadKlines_FailureLeavesNoCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "NOPE.csv")
	err := NewKlineDownloader(srv.URL, nil).DownloadKlines(context.Background(), "NOPE", path, start, start.Add(time.Hour))
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "a failed download must not be cached")
}
