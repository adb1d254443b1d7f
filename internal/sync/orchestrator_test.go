package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-sync/internal/exchange"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/johnayoung/go-kline-sync/internal/normalizer"
	"github.com/johnayoung/go-kline-sync/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient replays scripted responses and records every request.
type fakeClient struct {
	responses [][]json.RawMessage
	errs      map[int]error
	requests  []exchange.FetchRequest
}

func (f *fakeClient) FetchKlines(ctx context.Context, req exchange.FetchRequest) ([]json.RawMessage, error) {
	call := len(f.requests)
	f.requests = append(f.requests, req)
	if err, ok := f.errs[call]; ok {
		return nil, err
	}
	if call < len(f.responses) {
		return f.responses[call], nil
	}
	return nil, nil
}

func (f *fakeClient) DescribeSymbol(ctx context.Context, symbol string) (*exchange.SymbolInfo, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) ListSymbols(ctx context.Context) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Name() string { return "fake" }

// failingStore wraps MemoryStorage and fails every Upsert.
type failingStore struct {
	*storage.MemoryStorage
}

func (s *failingStore) Upsert(ctx context.Context, records []models.KlineRecord) error {
	return storage.NewStorageError("upsert", "kline_data", errors.New("disk full"))
}

func rawCandle(tsMillis int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`[%d, 100, 110, 95, 105, 10]`, tsMillis))
}

func newTestOrchestrator(client exchange.Client, store storage.KlineStore, opts Options) *Orchestrator {
	o := New(client, normalizer.New(discardLogger()), store, discardLogger(), opts)
	o.sleep = func(ctx context.Context, d time.Duration) {}
	return o
}

func TestSyncSymbolTwoRecordsThenEmpty(t *testing.T) {
	// An exchange returning two hourly points and then nothing must
	// commit both rows and still drain the range without stalling.
	client := &fakeClient{
		responses: [][]json.RawMessage{
			{rawCandle(0), rawCandle(3_600_000)},
		},
	}
	store := storage.NewMemoryStorage()
	o := newTestOrchestrator(client, store, Options{BatchSize: 2})

	end := time.UnixMilli(6 * 3_600_000).UTC()
	result := o.SyncSymbol(context.Background(), "BTC-USDT", "1h", time.UnixMilli(0).UTC(), end)

	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Stored)
	assert.Equal(t, 2, store.Count("BTC-USDT", "1h"))

	// First window covers [0, 2h); after committing the candle at 1h the
	// next window starts at 2h.
	require.GreaterOrEqual(t, len(client.requests), 2)
	assert.Equal(t, time.UnixMilli(0).UTC(), client.requests[0].Start)
	assert.Equal(t, time.UnixMilli(2*3_600_000).UTC(), client.requests[0].End)
	assert.Equal(t, time.UnixMilli(2*3_600_000).UTC(), client.requests[1].Start)

	// Empty windows advance by their nominal size.
	for i := 1; i < len(client.requests); i++ {
		assert.True(t, client.requests[i].Start.After(client.requests[i-1].Start),
			"window starts must strictly increase")
	}
}

func TestSyncSymbolWindowClampedToRangeEnd(t *testing.T) {
	client := &fakeClient{}
	o := newTestOrchestrator(client, storage.NewMemoryStorage(), Options{BatchSize: 500})

	start := time.UnixMilli(0).UTC()
	end := time.UnixMilli(3 * 3_600_000).UTC()
	result := o.SyncSymbol(context.Background(), "BTC-USDT", "1h", start, end)

	require.NoError(t, result.Err)
	require.Len(t, client.requests, 1)
	assert.Equal(t, end, client.requests[0].End)
}

func TestSyncSymbolIncrementalResumesPastWatermark(t *testing.T) {
	store := storage.NewMemoryStorage()
	watermark := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(context.Background(), []models.KlineRecord{{
		Timestamp: watermark,
		Symbol:    "BTC-USDT",
		Interval:  "1h",
		Open:      1, High: 2, Low: 0.5, Close: 1.5, Volume: 1,
	}}))

	client := &fakeClient{}
	o := newTestOrchestrator(client, store, Options{BatchSize: 1000, Incremental: true})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC)
	result := o.SyncSymbol(context.Background(), "BTC-USDT", "1h", start, end)

	require.NoError(t, result.Err)
	require.NotEmpty(t, client.requests)
	assert.Equal(t, watermark.Add(time.Millisecond), client.requests[0].Start)
}

func TestSyncSymbolIncrementalWithEmptyStoreUsesRangeStart(t *testing.T) {
	client := &fakeClient{}
	o := newTestOrchestrator(client, storage.NewMemoryStorage(), Options{BatchSize: 1000, Incremental: true})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result := o.SyncSymbol(context.Background(), "BTC-USDT", "1h", start, start.Add(time.Hour))

	require.NoError(t, result.Err)
	require.NotEmpty(t, client.requests)
	assert.Equal(t, start, client.requests[0].Start)
}

func TestSyncSymbolFetchFailureIsFatal(t *testing.T) {
	client := &fakeClient{
		errs: map[int]error{0: &exchange.RetrievalError{
			Exchange: "bingx",
			Symbol:   "BTC-USDT",
			Context:  "request failed",
			Err:      errors.New("connection refused"),
		}},
	}
	o := newTestOrchestrator(client, storage.NewMemoryStorage(), Options{BatchSize: 100})

	start := time.UnixMilli(0).UTC()
	result := o.SyncSymbol(context.Background(), "BTC-USDT", "1h", start, start.Add(200*time.Hour))

	require.Error(t, result.Err)
	var retrievalErr *exchange.RetrievalError
	assert.ErrorAs(t, result.Err, &retrievalErr)
	assert.Len(t, client.requests, 1, "run must abort, not skip to the next window")
}

func TestSyncSymbolStoreFailureIsFatal(t *testing.T) {
	client := &fakeClient{
		responses: [][]json.RawMessage{{rawCandle(0)}},
	}
	store := &failingStore{MemoryStorage: storage.NewMemoryStorage()}
	o := newTestOrchestrator(client, store, Options{BatchSize: 100})

	start := time.UnixMilli(0).UTC()
	result := o.SyncSymbol(context.Background(), "BTC-USDT", "1h", start, start.Add(200*time.Hour))

	require.Error(t, result.Err)
	var storageErr *storage.StorageError
	assert.ErrorAs(t, result.Err, &storageErr)
	assert.Len(t, client.requests, 1)
	assert.Zero(t, result.Stored)
}

func TestSyncSymbolsAggregatesFailures(t *testing.T) {
	// The first symbol's fetch fails; the second symbol still runs.
	client := &fakeClient{
		errs:      map[int]error{0: errors.New("boom")},
		responses: [][]json.RawMessage{nil, {rawCandle(0)}},
	}
	store := storage.NewMemoryStorage()
	o := newTestOrchestrator(client, store, Options{BatchSize: 1000})

	start := time.UnixMilli(0).UTC()
	report := o.SyncSymbols(context.Background(), []string{"BTC-USDT", "ETH-USDT"}, "1h", start, start.Add(time.Hour))

	require.Len(t, report.Results, 2)
	assert.False(t, report.AllSucceeded())

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "BTC-USDT", failed[0].Symbol)

	assert.True(t, report.Results[1].Succeeded())
	assert.Equal(t, 1, store.Count("ETH-USDT", "1h"))
}

func TestSyncSymbolCancelledBeforeWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{}
	o := newTestOrchestrator(client, storage.NewMemoryStorage(), Options{BatchSize: 100})

	start := time.UnixMilli(0).UTC()
	result := o.SyncSymbol(ctx, "BTC-USDT", "1h", start, start.Add(time.Hour))

	require.ErrorIs(t, result.Err, context.Canceled)
	assert.Empty(t, client.requests)
}

func TestIntervalDuration(t *testing.T) {
	tests := []struct {
		interval string
		want     time.Duration
		known    bool
	}{
		{"1m", time.Minute, true},
		{"5m", 5 * time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"30m", 30 * time.Minute, true},
		{"1h", time.Hour, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"3w", time.Hour, false},
		{"", time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.interval, func(t *testing.T) {
			got, known := IntervalDuration(tt.interval)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.known, known)
		})
	}
}

func TestNewClampsBatchSize(t *testing.T) {
	client := &fakeClient{}
	o := newTestOrchestrator(client, storage.NewMemoryStorage(), Options{BatchSize: 5000})

	start := time.UnixMilli(0).UTC()
	o.SyncSymbol(context.Background(), "BTC-USDT", "1h", start, start.Add(5000*time.Hour))

	require.NotEmpty(t, client.requests)
	assert.Equal(t, 1000, client.requests[0].Limit)
	assert.Equal(t, start.Add(1000*time.Hour), client.requests[0].End)
}
