// Package normalizer converts heterogeneous raw K-line payloads into
// validated, canonically ordered record sets.
//
// Exchanges return either a homogeneous ordered list of positional fields
// ([timestamp, open, high, low, close, volume, quote_volume, trade_count,
// taker_buy_volume, taker_buy_quote_volume]) or a list of field-named
// objects. Both shapes are detected and handled uniformly. Validation is
// row-level: a malformed field degrades that one record, never the batch.
package normalizer

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/models"
)

// Result carries the validated record set together with the before/after
// counts. An empty Records slice after filtering is valid and means
// "nothing usable in this window", not an error.
type Result struct {
	Records  []models.KlineRecord
	Received int
	Kept     int
}

// Dropped returns the number of rows removed by coercion and filtering.
func (r Result) Dropped() int {
	return r.Received - r.Kept
}

// Normalizer performs type coercion and validity filtering on raw payloads.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a Normalizer that reports drop counts through logger.
func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger.With(slog.String("component", "normalizer"))}
}

// Normalize converts raw rows into validated KlineRecords for the given
// symbol and interval.
//
// The filter steps narrow the set in a fixed order: rows with an unusable
// timestamp, rows with non-positive OHLC, rows with negative (or missing)
// volume, duplicate timestamps (last occurrence wins), and rows violating
// OHLC consistency. The output is sorted ascending by timestamp.
func (n *Normalizer) Normalize(raw []json.RawMessage, symbol, interval string) Result {
	result := Result{Received: len(raw)}
	if len(raw) == 0 {
		return result
	}

	rows := make([]rawRow, 0, len(raw))
	for _, payload := range raw {
		rows = append(rows, parseRow(payload))
	}

	// 1. Unparsable or missing timestamp.
	kept := rows[:0]
	for _, row := range rows {
		if row.timestampOK() {
			kept = append(kept, row)
		}
	}
	rows = kept

	// 2. Non-positive open/high/low/close. Missing prices coerce to NaN,
	// which fails the comparison just like a non-positive value.
	kept = rows[:0]
	for _, row := range rows {
		if row.open > 0 && row.high > 0 && row.low > 0 && row.close > 0 {
			kept = append(kept, row)
		}
	}
	rows = kept

	// 3. Negative (or missing) volume.
	kept = rows[:0]
	for _, row := range rows {
		if row.volume >= 0 {
			kept = append(kept, row)
		}
	}
	rows = kept

	// 4. De-duplicate by timestamp, keeping the last occurrence.
	seen := make(map[int64]int, len(rows))
	kept = rows[:0]
	for _, row := range rows {
		if idx, ok := seen[row.timestamp]; ok {
			kept[idx] = row
			continue
		}
		seen[row.timestamp] = len(kept)
		kept = append(kept, row)
	}
	rows = kept

	// 5. OHLC consistency.
	kept = rows[:0]
	for _, row := range rows {
		if row.high >= row.open && row.high >= row.close &&
			row.low <= row.open && row.low <= row.close {
			kept = append(kept, row)
		}
	}
	rows = kept

	sort.Slice(rows, func(i, j int) bool { return rows[i].timestamp < rows[j].timestamp })

	records := make([]models.KlineRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord(symbol, interval))
	}

	result.Records = records
	result.Kept = len(records)
	if result.Dropped() > 0 {
		n.logger.Warn("rows dropped during normalization",
			"symbol", symbol,
			"interval", interval,
			"received", result.Received,
			"kept", result.Kept)
	}
	return result
}

// rawRow is one coerced record; missing numeric fields are NaN until the
// optional ones are defaulted to zero in toRecord.
type rawRow struct {
	timestamp           int64 // milliseconds; < 0 when unusable
	open                float64
	high                float64
	low                 float64
	close               float64
	volume              float64
	quoteVolume         float64
	tradeCount          float64
	takerBuyVolume      float64
	takerBuyQuoteVolume float64
}

func (r rawRow) timestampOK() bool {
	return r.timestamp >= 0
}

func (r rawRow) toRecord(symbol, interval string) models.KlineRecord {
	return models.KlineRecord{
		Timestamp:           time.UnixMilli(r.timestamp).UTC(),
		Symbol:              symbol,
		Interval:            interval,
		Open:                r.open,
		High:                r.high,
		Low:                 r.low,
		Close:               r.close,
		Volume:              r.volume,
		QuoteVolume:         zeroIfMissing(r.quoteVolume),
		TradeCount:          int64(zeroIfMissing(r.tradeCount)),
		TakerBuyVolume:      zeroIfMissing(r.takerBuyVolume),
		TakerBuyQuoteVolume: zeroIfMissing(r.takerBuyQuoteVolume),
	}
}

func zeroIfMissing(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// parseRow detects the payload shape and coerces its fields.
func parseRow(payload json.RawMessage) rawRow {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return parsePositionalRow(trimmed)
	}
	return parseObjectRow(trimmed)
}

// Positional field order shared by the array shape.
func parsePositionalRow(payload []byte) rawRow {
	var fields []json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return rawRow{timestamp: -1}
	}

	at := func(i int) float64 {
		if i >= len(fields) {
			return math.NaN()
		}
		return coerceFloat(fields[i])
	}

	return rawRow{
		timestamp:           coerceTimestamp(at(0)),
		open:                at(1),
		high:                at(2),
		low:                 at(3),
		close:               at(4),
		volume:              at(5),
		quoteVolume:         at(6),
		tradeCount:          at(7),
		takerBuyVolume:      at(8),
		takerBuyQuoteVolume: at(9),
	}
}

func parseObjectRow(payload []byte) rawRow {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return rawRow{timestamp: -1}
	}

	get := func(keys ...string) float64 {
		for _, key := range keys {
			if v, ok := fields[key]; ok {
				return coerceFloat(v)
			}
		}
		return math.NaN()
	}

	return rawRow{
		timestamp:           coerceTimestamp(get("time", "timestamp")),
		open:                get("open"),
		high:                get("high"),
		low:                 get("low"),
		close:               get("close"),
		volume:              get("volume"),
		quoteVolume:         get("quote_volume", "quoteVolume"),
		tradeCount:          get("trade_count", "tradeCount"),
		takerBuyVolume:      get("taker_buy_volume", "takerBuyVolume"),
		takerBuyQuoteVolume: get("taker_buy_quote_volume", "takerBuyQuoteVolume"),
	}
}

// coerceFloat parses a JSON value (number, or numeric string) into a float64;
// anything unparsable becomes NaN rather than an error.
func coerceFloat(raw json.RawMessage) float64 {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return math.NaN()
}

// coerceTimestamp converts a coerced millisecond value into the internal
// representation, mapping NaN and negatives to the unusable marker.
func coerceTimestamp(v float64) int64 {
	if math.IsNaN(v) || v < 0 {
		return -1
	}
	return int64(v)
}
