// Package query provides read-side analytics over collected K-line data:
// latest price lookups, time-bucketed OHLCV aggregation, price statistics
// and technical indicator storage. The aggregation queries use TimescaleDB
// functions (time_bucket, FIRST, LAST) and require the extension.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-kline-sync/internal/storage"
)

// Service runs analytical queries against the kline store's database.
type Service struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewService wraps an existing database handle.
func NewService(db *sql.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		logger: logger.With(slog.String("component", "query")),
	}
}

// Initialize creates the technical_indicators table. The kline_data schema
// itself is owned by the storage layer. Idempotent.
func (s *Service) Initialize(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS technical_indicators (
			time TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(50) NOT NULL,
			interval VARCHAR(10) NOT NULL,
			indicator_name VARCHAR(50) NOT NULL,
			indicator_value JSONB NOT NULL,
			UNIQUE(time, symbol, interval, indicator_name)
		)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return storage.NewStorageError("create_table", "technical_indicators", err)
	}
	return nil
}

// LatestPrice is the most recent close for a symbol and interval.
type LatestPrice struct {
	Symbol   string
	Interval string
	Price    decimal.Decimal
	Volume   decimal.Decimal
	Time     time.Time
}

// LatestPrice returns the newest stored close, or nil when no rows exist.
func (s *Service) LatestPrice(ctx context.Context, symbol, interval string) (*LatestPrice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, interval, close_price, volume, time
		FROM kline_data
		WHERE symbol = $1 AND interval = $2
		ORDER BY time DESC
		LIMIT 1
	`, symbol, interval)

	var lp LatestPrice
	err := row.Scan(&lp.Symbol, &lp.Interval, &lp.Price, &lp.Volume, &lp.Time)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewStorageError("latest_price", "kline_data", err)
	}
	lp.Time = lp.Time.UTC()
	return &lp, nil
}

// Bucket is one time-bucketed OHLCV aggregate.
type Bucket struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

var bucketIntervals = map[string]string{
	"1m":  "1 minute",
	"5m":  "5 minutes",
	"15m": "15 minutes",
	"30m": "30 minutes",
	"1h":  "1 hour",
	"4h":  "4 hours",
	"1d":  "1 day",
}

// AggregateOHLCV re-buckets stored candles into a coarser timeframe within
// [start, end]. Unrecognized bucket strings aggregate at one minute.
func (s *Service) AggregateOHLCV(ctx context.Context, symbol, interval, bucket string, start, end time.Time) ([]Bucket, error) {
	bucketInterval, ok := bucketIntervals[bucket]
	if !ok {
		bucketInterval = "1 minute"
		s.logger.Warn("unrecognized bucket, aggregating at one minute", "bucket", bucket)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			time_bucket($1::interval, time) AS bucket,
			FIRST(open_price, time) AS open,
			MAX(high_price) AS high,
			MIN(low_price) AS low,
			LAST(close_price, time) AS close,
			SUM(volume) AS volume
		FROM kline_data
		WHERE symbol = $2 AND interval = $3 AND time >= $4 AND time <= $5
		GROUP BY time_bucket($1::interval, time)
		ORDER BY bucket
	`, bucketInterval, symbol, interval, start.UTC(), end.UTC())
	if err != nil {
		return nil, storage.NewStorageError("aggregate", "kline_data", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, storage.NewStorageError("scan", "kline_data", err)
		}
		b.Time = b.Time.UTC()
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewStorageError("aggregate", "kline_data", err)
	}
	return buckets, nil
}

// PriceStats summarizes price movement over a lookback period.
type PriceStats struct {
	High          decimal.Decimal
	Low           decimal.Decimal
	Average       decimal.Decimal
	TotalVolume   decimal.Decimal
	Change        decimal.Decimal
	ChangePercent decimal.Decimal
}

// PriceStatistics computes high/low/average/volume and the open-to-close
// change over the trailing lookback window. Returns nil when no rows fall
// inside the window.
func (s *Service) PriceStatistics(ctx context.Context, symbol, interval string, lookback time.Duration) (*PriceStats, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH price_range AS (
			SELECT
				MAX(high_price) AS high_price,
				MIN(low_price) AS low_price,
				AVG(close_price) AS avg_price,
				SUM(volume) AS total_volume,
				FIRST(open_price, time) AS first_open,
				LAST(close_price, time) AS last_close
			FROM kline_data
			WHERE symbol = $1 AND interval = $2 AND time >= NOW() - $3::interval
		)
		SELECT
			high_price,
			low_price,
			avg_price,
			total_volume,
			last_close - first_open AS price_change,
			((last_close - first_open) / first_open * 100) AS price_change_pct
		FROM price_range
	`, symbol, interval, fmt.Sprintf("%d seconds", int64(lookback.Seconds())))

	var high, low, avg, volume, change, changePct decimal.NullDecimal
	err := row.Scan(&high, &low, &avg, &volume, &change, &changePct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewStorageError("price_statistics", "kline_data", err)
	}
	if !high.Valid {
		return nil, nil
	}

	return &PriceStats{
		High:          high.Decimal,
		Low:           low.Decimal,
		Average:       avg.Decimal,
		TotalVolume:   volume.Decimal,
		Change:        change.Decimal,
		ChangePercent: changePct.Decimal,
	}, nil
}

// IndicatorPoint is one stored technical indicator value.
type IndicatorPoint struct {
	Time  time.Time
	Value json.RawMessage
}

// UpsertIndicator stores a computed indicator value, overwriting any
// previous value for the same key.
func (s *Service) UpsertIndicator(ctx context.Context, ts time.Time, symbol, interval, name string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return storage.NewStorageError("upsert_indicator", "technical_indicators", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO technical_indicators (time, symbol, interval, indicator_name, indicator_value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (time, symbol, interval, indicator_name)
		DO UPDATE SET indicator_value = EXCLUDED.indicator_value
	`, ts.UTC(), symbol, interval, name, payload)
	if err != nil {
		return storage.NewStorageError("upsert_indicator", "technical_indicators", err)
	}
	return nil
}

// Indicator retrieves stored indicator values within [start, end] ordered
// ascending by time.
func (s *Service) Indicator(ctx context.Context, symbol, interval, name string, start, end time.Time) ([]IndicatorPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, indicator_value
		FROM technical_indicators
		WHERE symbol = $1 AND interval = $2 AND indicator_name = $3
		  AND time BETWEEN $4 AND $5
		ORDER BY time
	`, symbol, interval, name, start.UTC(), end.UTC())
	if err != nil {
		return nil, storage.NewStorageError("indicator", "technical_indicators", err)
	}
	defer rows.Close()

	var points []IndicatorPoint
	for rows.Next() {
		var p IndicatorPoint
		if err := rows.Scan(&p.Time, &p.Value); err != nil {
			return nil, storage.NewStorageError("scan", "technical_indicators", err)
		}
		p.Time = p.Time.UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewStorageError("indicator", "technical_indicators", err)
	}
	return points, nil
}
