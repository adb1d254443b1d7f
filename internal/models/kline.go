// Package models provides data structures and validation for K-line market data.
// This package contains the core record type shared by the exchange clients,
// the normalizer, the time-series store and the sync orchestrator.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// KlineRecord represents one OHLCV observation for a trading symbol at a time
// interval. Its identity is the (Symbol, Interval, Timestamp) tuple, which is
// the natural key for idempotent upsert into the store.
type KlineRecord struct {
	Timestamp time.Time `json:"timestamp" db:"time"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Interval  string    `json:"interval" db:"interval"`
	Open      float64   `json:"open" db:"open_price"`
	High      float64   `json:"high" db:"high_price"`
	Low       float64   `json:"low" db:"low_price"`
	Close     float64   `json:"close" db:"close_price"`
	Volume    float64   `json:"volume" db:"volume"`

	// Optional fields; absent values default to zero.
	QuoteVolume         float64 `json:"quote_volume" db:"quote_volume"`
	TradeCount          int64   `json:"trade_count" db:"trade_count"`
	TakerBuyVolume      float64 `json:"taker_buy_volume" db:"taker_buy_volume"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume" db:"taker_buy_quote_volume"`
}

// ValidationError represents a record validation error with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the validation failure
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs consistency validation on the record.
// It checks that the timestamp is set, all OHLC prices are strictly positive,
// volume is non-negative, and the OHLC relationships hold
// (high >= max(open, close), low <= min(open, close)).
// Returns a ValidationError describing the first failing check.
func (k *KlineRecord) Validate() error {
	if k.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	if k.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if k.Interval == "" {
		return &ValidationError{Field: "interval", Message: "interval cannot be empty"}
	}

	if k.Open <= 0 {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if k.High <= 0 {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if k.Low <= 0 {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if k.Close <= 0 {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}

	if k.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := k.Open
	if k.Close > maxOpenClose {
		maxOpenClose = k.Close
	}
	if k.High < maxOpenClose {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%g) must be greater than or equal to max(open, close) (%g)", k.High, maxOpenClose),
		}
	}

	minOpenClose := k.Open
	if k.Close < minOpenClose {
		minOpenClose = k.Close
	}
	if k.Low > minOpenClose {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%g) must be less than or equal to min(open, close) (%g)", k.Low, minOpenClose),
		}
	}

	return nil
}

// TypicalPrice calculates (High + Low + Close) / 3 using decimal arithmetic.
// This is commonly used in technical analysis as a representative price for
// the period.
func (k *KlineRecord) TypicalPrice() decimal.Decimal {
	sum := decimal.NewFromFloat(k.High).
		Add(decimal.NewFromFloat(k.Low)).
		Add(decimal.NewFromFloat(k.Close))
	return sum.Div(decimal.NewFromInt(3))
}

// PriceChange calculates Close - Open. Positive values indicate appreciation
// over the period.
func (k *KlineRecord) PriceChange() decimal.Decimal {
	return decimal.NewFromFloat(k.Close).Sub(decimal.NewFromFloat(k.Open))
}

// PriceChangePercent calculates ((Close - Open) / Open) * 100.
// Returns an error when the open price is zero.
func (k *KlineRecord) PriceChangePercent() (decimal.Decimal, error) {
	open := decimal.NewFromFloat(k.Open)
	if open.IsZero() {
		return decimal.Zero, fmt.Errorf("cannot calculate percentage change with zero open price")
	}
	return k.PriceChange().Div(open).Mul(decimal.NewFromInt(100)), nil
}

// IsBullish returns true if the close price is greater than the open price.
func (k *KlineRecord) IsBullish() bool {
	return k.Close > k.Open
}

// String returns a human-readable representation of the record.
// This method implements the fmt.Stringer interface.
func (k *KlineRecord) String() string {
	return fmt.Sprintf("KlineRecord{Symbol: %s, Interval: %s, Timestamp: %s, O: %g, H: %g, L: %g, C: %g, V: %g}",
		k.Symbol, k.Interval, k.Timestamp.Format(time.RFC3339), k.Open, k.High, k.Low, k.Close, k.Volume)
}

// NewKlineRecord creates a validated KlineRecord. The timestamp should be the
// start time of the candle period.
func NewKlineRecord(timestamp time.Time, symbol, interval string, open, high, low, close, volume float64) (*KlineRecord, error) {
	record := &KlineRecord{
		Timestamp: timestamp,
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}

	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create kline record: %w", err)
	}

	return record, nil
}
