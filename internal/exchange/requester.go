package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	requestTimeout = 30 * time.Second

	// Transient transport failures are retried up to maxAttempts with
	// 2^attempt seconds between attempts, no jitter.
	maxAttempts       = 3
	initialRetryDelay = 1 * time.Second
	retryMultiplier   = 2.0

	defaultRequestsPerSecond = 10
)

// requester is the shared HTTP request/retry routine used by every exchange
// adapter. Adapters embed it by composition and keep only the envelope and
// signing logic for themselves.
type requester struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	userAgent   string
	logger      *slog.Logger
}

func newRequester(requestsPerSecond int, userAgent string, logger *slog.Logger) *requester {
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}
	return &requester{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		userAgent:   userAgent,
		logger:      logger,
	}
}

// get issues a GET to endpoint with the encoded query and the given headers,
// retrying transient failures (timeouts, connection errors, 5xx responses)
// with exponential backoff. 4xx responses are considered permanent. The
// response body is returned on success.
func (r *requester) get(ctx context.Context, endpoint string, query url.Values, headers http.Header) ([]byte, error) {
	if err := r.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	requestURL := endpoint
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryDelay
	policy.Multiplier = retryMultiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", r.userAgent)
		for key, values := range headers {
			for _, v := range values {
				req.Header.Set(key, v)
			}
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			r.logger.Warn("request failed", "url", endpoint, "attempt", attempt, "error", err)
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			r.logger.Warn("failed to read response body", "url", endpoint, "attempt", attempt, "error", err)
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			r.logger.Warn("server error", "url", endpoint, "attempt", attempt, "status", resp.StatusCode)
			return fmt.Errorf("server error %d: %s", resp.StatusCode, string(data))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("client error %d: %s", resp.StatusCode, string(data)))
		}

		body = data
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}
