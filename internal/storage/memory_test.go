package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-sync/internal/models"
)

func testRecord(ts time.Time, close float64) models.KlineRecord {
	return models.KlineRecord{
		Timestamp: ts.UTC(),
		Symbol:    "BTC-USDT",
		Interval:  "1h",
		Open:      100,
		High:      110,
		Low:       95,
		Close:     close,
		Volume:    10,
	}
}

func TestMemoryStorageUpsertAndLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.Initialize(ctx))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []models.KlineRecord{
		testRecord(base, 101),
		testRecord(base.Add(time.Hour), 102),
		testRecord(base.Add(2*time.Hour), 103),
	}
	require.NoError(t, store.Upsert(ctx, records))

	latest, err := store.LatestTimestamp(ctx, "BTC-USDT", "1h")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, base.Add(2*time.Hour), *latest)
}

func TestMemoryStorageLatestTimestampAbsence(t *testing.T) {
	store := NewMemoryStorage()

	latest, err := store.LatestTimestamp(context.Background(), "ETH-USDT", "1h")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMemoryStorageUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []models.KlineRecord{
		testRecord(base, 101),
		testRecord(base.Add(time.Hour), 102),
	}
	require.NoError(t, store.Upsert(ctx, records))
	require.NoError(t, store.Upsert(ctx, records))

	assert.Equal(t, 2, store.Count("BTC-USDT", "1h"))
}

func TestMemoryStorageUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(ctx, []models.KlineRecord{testRecord(base, 101)}))
	require.NoError(t, store.Upsert(ctx, []models.KlineRecord{testRecord(base, 250)}))

	got, err := store.Range(ctx, "BTC-USDT", "1h", base, base, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 250.0, got[0].Close)
}

func TestMemoryStorageRangeOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(ctx, []models.KlineRecord{
		testRecord(base.Add(2*time.Hour), 103),
		testRecord(base, 101),
		testRecord(base.Add(time.Hour), 102),
	}))

	got, err := store.Range(ctx, "BTC-USDT", "1h", base, base.Add(3*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, base, got[0].Timestamp)
	assert.Equal(t, base.Add(time.Hour), got[1].Timestamp)
}

func TestMemoryStorageClosedRejectsWrites(t *testing.T) {
	store := NewMemoryStorage()
	require.NoError(t, store.Close())

	err := store.Upsert(context.Background(), []models.KlineRecord{
		testRecord(time.Now(), 100),
	})
	require.Error(t, err)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "upsert", storageErr.Operation)
}
