// Package exchange defines the client capability for fetching K-line data
// from exchange REST APIs, together with the concrete adapters.
//
// There is one small interface; each exchange gets one concrete variant
// selected by the configuration tag, and the shared request/retry routine is
// reused by composition.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/config"
)

// Client fetches raw K-line payloads and symbol metadata from one exchange.
//
// FetchKlines returns the raw records exactly as the exchange shaped them
// (positional arrays or field-named objects); interpretation is the
// normalizer's job. A nil error with an empty slice means the exchange had
// nothing for the window, which is a valid outcome.
type Client interface {
	// FetchKlines retrieves raw candle records for the request window.
	// Transport failures are retried internally; after the ceiling is
	// exhausted, or when the exchange reports an application-level error,
	// the call returns a *RetrievalError.
	FetchKlines(ctx context.Context, req FetchRequest) ([]json.RawMessage, error)

	// DescribeSymbol retrieves metadata for a single trading symbol.
	DescribeSymbol(ctx context.Context, symbol string) (*SymbolInfo, error)

	// ListSymbols retrieves all trading symbols known to the exchange.
	ListSymbols(ctx context.Context) ([]string, error)

	// Name returns the configuration tag of the exchange.
	Name() string
}

// FetchRequest specifies parameters for one K-line request.
type FetchRequest struct {
	Symbol   string
	Interval string
	// Start and End bound the window in exchange time; a zero value omits
	// the corresponding query parameter.
	Start time.Time
	End   time.Time
	// Limit is the maximum record count for the request. Values above the
	// exchange's documented maximum are silently capped, never rejected.
	Limit int
}

// SymbolInfo carries the subset of contract metadata the pipeline cares about.
type SymbolInfo struct {
	Symbol            string  `json:"symbol"`
	Asset             string  `json:"asset"`
	Currency          string  `json:"currency"`
	Status            int     `json:"status"`
	PricePrecision    int     `json:"pricePrecision"`
	QuantityPrecision int     `json:"quantityPrecision"`
	TradeMinQuantity  float64 `json:"tradeMinQuantity"`
}

// RetrievalError is the single failure signal a fetch can produce: transport
// retries exhausted, or a non-success application-level response code. The
// two are distinguished only in Context, never in control flow.
type RetrievalError struct {
	Exchange string
	Symbol   string
	Context  string
	Err      error
}

// Error implements the error interface.
func (e *RetrievalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s retrieval failed [%s]: %v", e.Exchange, e.Context, e.Err)
	}
	return fmt.Sprintf("%s retrieval failed [%s]", e.Exchange, e.Context)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// New builds the client for the configured exchange tag.
func New(cfg config.ExchangeConfig, logger *slog.Logger) (Client, error) {
	switch strings.ToLower(cfg.ExchangeName) {
	case "bingx":
		return NewBingXClient(cfg.APIInfo, logger), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.ExchangeName)
	}
}
