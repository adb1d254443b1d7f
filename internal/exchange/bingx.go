package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/config"
)

const (
	bingxDefaultBaseURL = "https://open-api.bingx.com"

	bingxKlinesEndpoint    = "/openApi/swap/v3/quote/klines"
	bingxContractsEndpoint = "/openApi/swap/v2/quote/contracts"

	// BingX caps a single klines request at 1000 records.
	bingxMaxLimit = 1000
)

// BingXClient implements Client against the BingX swap REST API.
// It holds no state beyond the HTTP session and configured key material.
type BingXClient struct {
	*requester
	baseURL   string
	apiKey    string
	secretKey string
	logger    *slog.Logger
	now       func() time.Time
}

// NewBingXClient creates a BingX client from the configured API parameters.
// When key material is absent, requests are sent unsigned.
func NewBingXClient(info config.APIInfo, logger *slog.Logger) *BingXClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := info.APIURL
	if baseURL == "" {
		baseURL = bingxDefaultBaseURL
	}
	return &BingXClient{
		requester: newRequester(info.RateLimitPerSec, "kline-sync/1.0", logger),
		baseURL:   baseURL,
		apiKey:    info.APIKey,
		secretKey: info.SecretKey,
		logger:    logger,
		now:       time.Now,
	}
}

// Name implements Client.
func (c *BingXClient) Name() string { return "bingx" }

// bingxEnvelope is the application-level response wrapper BingX uses on every
// endpoint: code 0 means success, anything else is an error with msg.
type bingxEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// FetchKlines implements Client.
func (c *BingXClient) FetchKlines(ctx context.Context, req FetchRequest) ([]json.RawMessage, error) {
	limit := req.Limit
	if limit <= 0 || limit > bingxMaxLimit {
		limit = bingxMaxLimit
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("interval", req.Interval)
	params.Set("limit", strconv.Itoa(limit))
	if !req.Start.IsZero() {
		params.Set("startTime", strconv.FormatInt(req.Start.UnixMilli(), 10))
	}
	if !req.End.IsZero() {
		params.Set("endTime", strconv.FormatInt(req.End.UnixMilli(), 10))
	}

	c.logger.Debug("fetching klines",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"start", req.Start,
		"end", req.End,
		"limit", limit)

	envelope, err := c.request(ctx, bingxKlinesEndpoint, params, fmt.Sprintf("fetch klines: %s", req.Symbol))
	if err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &rows); err != nil {
			return nil, &RetrievalError{
				Exchange: c.Name(),
				Symbol:   req.Symbol,
				Context:  fmt.Sprintf("fetch klines: %s", req.Symbol),
				Err:      fmt.Errorf("failed to parse data payload: %w", err),
			}
		}
	}

	c.logger.Debug("fetched klines", "symbol", req.Symbol, "count", len(rows))
	return rows, nil
}

// DescribeSymbol implements Client.
func (c *BingXClient) DescribeSymbol(ctx context.Context, symbol string) (*SymbolInfo, error) {
	contracts, err := c.fetchContracts(ctx, fmt.Sprintf("describe symbol: %s", symbol))
	if err != nil {
		return nil, err
	}

	for i := range contracts {
		if contracts[i].Symbol == symbol {
			return &contracts[i], nil
		}
	}
	return nil, fmt.Errorf("symbol %s not found on %s", symbol, c.Name())
}

// ListSymbols implements Client.
func (c *BingXClient) ListSymbols(ctx context.Context) ([]string, error) {
	contracts, err := c.fetchContracts(ctx, "list symbols")
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(contracts))
	for _, contract := range contracts {
		if contract.Symbol != "" {
			symbols = append(symbols, contract.Symbol)
		}
	}
	return symbols, nil
}

func (c *BingXClient) fetchContracts(ctx context.Context, logContext string) ([]SymbolInfo, error) {
	envelope, err := c.request(ctx, bingxContractsEndpoint, url.Values{}, logContext)
	if err != nil {
		return nil, err
	}

	var contracts []SymbolInfo
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &contracts); err != nil {
			return nil, &RetrievalError{
				Exchange: c.Name(),
				Context:  logContext,
				Err:      fmt.Errorf("failed to parse contracts payload: %w", err),
			}
		}
	}
	return contracts, nil
}

// request signs the query when credentials are configured, sends it through
// the shared retry routine, and unwraps the BingX envelope. Both transport
// exhaustion and a non-zero application code surface as *RetrievalError.
func (c *BingXClient) request(ctx context.Context, endpoint string, params url.Values, logContext string) (*bingxEnvelope, error) {
	headers := http.Header{}
	if c.apiKey != "" {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("signature", c.sign(params))
		headers.Set("X-BX-APIKEY", c.apiKey)
	}

	body, err := c.get(ctx, c.baseURL+endpoint, params, headers)
	if err != nil {
		c.logger.Error("api request failed", "context", logContext, "error", err)
		return nil, &RetrievalError{
			Exchange: c.Name(),
			Symbol:   params.Get("symbol"),
			Context:  logContext,
			Err:      err,
		}
	}

	var envelope bingxEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RetrievalError{
			Exchange: c.Name(),
			Symbol:   params.Get("symbol"),
			Context:  logContext,
			Err:      fmt.Errorf("failed to parse response: %w", err),
		}
	}

	if envelope.Code != 0 {
		c.logger.Error("api error response", "context", logContext, "code", envelope.Code, "msg", envelope.Msg)
		return nil, &RetrievalError{
			Exchange: c.Name(),
			Symbol:   params.Get("symbol"),
			Context:  fmt.Sprintf("%s: code %d: %s", logContext, envelope.Code, envelope.Msg),
		}
	}

	return &envelope, nil
}

// sign computes HMAC-SHA256 over the deterministically sorted, urlencoded
// query parameters. url.Values.Encode sorts by key.
func (c *BingXClient) sign(params url.Values) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}
