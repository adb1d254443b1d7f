package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/models"
)

// MemoryStorage is a thread-safe in-memory KlineStore used by tests and
// dry runs. It mirrors the upsert semantics of the database-backed store:
// records are keyed on (time, symbol, interval) and replays overwrite.
type MemoryStorage struct {
	mu sync.RWMutex

	// map[symbol][interval][unix ms] -> record
	records map[string]map[string]map[int64]models.KlineRecord

	closed bool
}

var _ KlineStore = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]map[string]map[int64]models.KlineRecord),
	}
}

// Initialize is a no-op for the in-memory store.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	return ctx.Err()
}

// Upsert stores records, overwriting any existing entry with the same key.
func (m *MemoryStorage) Upsert(ctx context.Context, records []models.KlineRecord) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("upsert", klineTable, err)
	}
	if len(records) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("upsert", klineTable, errors.New("storage is closed"))
	}

	for _, rec := range records {
		bySymbol, ok := m.records[rec.Symbol]
		if !ok {
			bySymbol = make(map[string]map[int64]models.KlineRecord)
			m.records[rec.Symbol] = bySymbol
		}
		byInterval, ok := bySymbol[rec.Interval]
		if !ok {
			byInterval = make(map[int64]models.KlineRecord)
			bySymbol[rec.Interval] = byInterval
		}
		byInterval[rec.Timestamp.UnixMilli()] = rec
	}
	return nil
}

// LatestTimestamp returns the newest stored timestamp, or nil when the
// symbol and interval combination has no rows.
func (m *MemoryStorage) LatestTimestamp(ctx context.Context, symbol, interval string) (*time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("latest_timestamp", klineTable, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	byInterval := m.records[symbol][interval]
	if len(byInterval) == 0 {
		return nil, nil
	}

	var latest int64
	first := true
	for ms := range byInterval {
		if first || ms > latest {
			latest = ms
			first = false
		}
	}
	ts := time.UnixMilli(latest).UTC()
	return &ts, nil
}

// Range returns records within [start, end] ordered ascending by timestamp.
func (m *MemoryStorage) Range(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]models.KlineRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("range", klineTable, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.KlineRecord
	for _, rec := range m.records[symbol][interval] {
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count reports the number of stored records for a symbol and interval.
func (m *MemoryStorage) Count(symbol, interval string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[symbol][interval])
}

// HealthCheck reports whether the store is usable.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", klineTable, errors.New("storage is closed"))
	}
	return ctx.Err()
}

// Close marks the store closed; further writes fail.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
