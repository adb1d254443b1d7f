// Package storage defines the persistence layer for K-line data.
// Implementations provide idempotent bulk upserts keyed on
// (time, symbol, interval) plus watermark lookups used to resume
// incremental synchronization.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/models"
)

// KlineWriter handles K-line persistence.
type KlineWriter interface {
	// Upsert persists records in bulk. Rows whose (time, symbol, interval)
	// key already exists are overwritten with the new values. Re-applying
	// the same batch leaves the store unchanged.
	Upsert(ctx context.Context, records []models.KlineRecord) error
}

// KlineReader handles K-line retrieval.
type KlineReader interface {
	// LatestTimestamp returns the most recent stored timestamp for a
	// symbol and interval, or nil when no rows exist.
	LatestTimestamp(ctx context.Context, symbol, interval string) (*time.Time, error)

	// Range retrieves records for a symbol and interval within
	// [start, end], ordered ascending by timestamp. Limit 0 means no limit.
	Range(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]models.KlineRecord, error)
}

// Manager handles storage lifecycle concerns.
type Manager interface {
	// Initialize prepares the schema: tables, hypertable conversion and
	// indexes. Safe to call repeatedly.
	Initialize(ctx context.Context) error

	// HealthCheck verifies connectivity with a lightweight round trip.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// KlineStore is the full persistence contract used by the sync pipeline.
type KlineStore interface {
	KlineWriter
	KlineReader
	Manager
}

// StorageError wraps failures from storage operations with enough
// context to identify the failing statement.
type StorageError struct {
	Operation string
	Table     string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}
