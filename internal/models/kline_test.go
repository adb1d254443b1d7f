package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSymbol   = "BTC-USDT"
	testInterval = "1h"
)

var testTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestNewKlineRecord_ValidData(t *testing.T) {
	tests := []struct {
		name   string
		open   float64
		high   float64
		low    float64
		close  float64
		volume float64
	}{
		{
			name: "valid_bullish_candle",
			open: 100.00, high: 105.50, low: 99.25, close: 104.00, volume: 1500.75,
		},
		{
			name: "valid_bearish_candle",
			open: 100.00, high: 102.00, low: 95.50, close: 96.75, volume: 2000.00,
		},
		{
			name: "valid_doji_candle",
			open: 100.00, high: 101.00, low: 99.00, close: 100.00, volume: 500.25,
		},
		{
			name: "valid_zero_volume",
			open: 100.00, high: 100.50, low: 99.50, close: 100.25, volume: 0,
		},
		{
			name: "valid_flat_candle",
			open: 100.00, high: 100.00, low: 100.00, close: 100.00, volume: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := NewKlineRecord(testTime, testSymbol, testInterval,
				tt.open, tt.high, tt.low, tt.close, tt.volume)
			require.NoError(t, err)
			require.NotNil(t, record)

			assert.Equal(t, testSymbol, record.Symbol)
			assert.Equal(t, testInterval, record.Interval)
			assert.Equal(t, testTime, record.Timestamp)
			assert.NoError(t, record.Validate())
		})
	}
}

func TestKlineRecord_Validate_InvalidData(t *testing.T) {
	valid := KlineRecord{
		Timestamp: testTime,
		Symbol:    testSymbol,
		Interval:  testInterval,
		Open:      100, High: 105, Low: 99, Close: 104, Volume: 1500,
	}

	tests := []struct {
		name      string
		mutate    func(*KlineRecord)
		wantField string
	}{
		{
			name:      "zero_timestamp",
			mutate:    func(k *KlineRecord) { k.Timestamp = time.Time{} },
			wantField: "timestamp",
		},
		{
			name:      "empty_symbol",
			mutate:    func(k *KlineRecord) { k.Symbol = "" },
			wantField: "symbol",
		},
		{
			name:      "empty_interval",
			mutate:    func(k *KlineRecord) { k.Interval = "" },
			wantField: "interval",
		},
		{
			name:      "zero_open",
			mutate:    func(k *KlineRecord) { k.Open = 0 },
			wantField: "open",
		},
		{
			name:      "negative_close",
			mutate:    func(k *KlineRecord) { k.Close = -1 },
			wantField: "close",
		},
		{
			name:      "negative_volume",
			mutate:    func(k *KlineRecord) { k.Volume = -0.5 },
			wantField: "volume",
		},
		{
			name:      "high_below_open",
			mutate:    func(k *KlineRecord) { k.High = 99.5 },
			wantField: "high",
		},
		{
			name: "high_below_close",
			mutate: func(k *KlineRecord) {
				k.Close = 110
				k.High = 108
			},
			wantField: "high",
		},
		{
			name: "low_above_open",
			mutate: func(k *KlineRecord) {
				k.Low = 101
				k.Close = 104
			},
			wantField: "low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := valid
			tt.mutate(&record)

			err := record.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

// A candle whose low sits above both open and close must be rejected.
func TestKlineRecord_Validate_InconsistentExample(t *testing.T) {
	record := KlineRecord{
		Timestamp: testTime,
		Symbol:    testSymbol,
		Interval:  testInterval,
		Open:      100, High: 120, Low: 150, Close: 110, Volume: 1,
	}

	err := record.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "low", verr.Field)
}

func TestKlineRecord_TypicalPrice(t *testing.T) {
	record := KlineRecord{
		Timestamp: testTime,
		Symbol:    testSymbol,
		Interval:  testInterval,
		Open:      100, High: 110, Low: 90, Close: 100, Volume: 1,
	}

	expected := decimal.NewFromInt(100)
	assert.True(t, record.TypicalPrice().Equal(expected),
		"expected %s, got %s", expected, record.TypicalPrice())
}

func TestKlineRecord_PriceChangePercent(t *testing.T) {
	record := KlineRecord{
		Timestamp: testTime,
		Symbol:    testSymbol,
		Interval:  testInterval,
		Open:      100, High: 110, Low: 90, Close: 105, Volume: 1,
	}

	pct, err := record.PriceChangePercent()
	require.NoError(t, err)
	assert.True(t, pct.Equal(decimal.NewFromInt(5)), "expected 5, got %s", pct)
	assert.True(t, record.IsBullish())

	record.Open = 0
	_, err = record.PriceChangePercent()
	assert.Error(t, err)
}
