// Package sync drives the windowed collection loop: compute a time window,
// fetch raw rows from the exchange, normalize them, commit to storage and
// advance from the stored data itself. It owns the incremental watermark
// logic and sequential multi-symbol execution.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-kline-sync/internal/exchange"
	"github.com/johnayoung/go-kline-sync/internal/normalizer"
	"github.com/johnayoung/go-kline-sync/internal/storage"
)

const (
	defaultBatchSize = 1000
	maxBatchSize     = 1000

	// Window sizing for interval strings outside the lookup table falls
	// back to one hour. Mis-sized windows still converge because the
	// exchange bounds each response by startTime/endTime, but the
	// orchestrator logs a warning so operators notice the mismatch.
	fallbackIntervalDuration = time.Hour
)

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// Options configures the collection loop.
type Options struct {
	// BatchSize is the per-request record cap, clamped to [1, 1000].
	BatchSize int

	// Delay is the unconditional pause after each window.
	Delay time.Duration

	// Incremental resumes from the stored watermark: the run's start is
	// moved to one millisecond past the latest stored timestamp so
	// previously stored rows are never re-requested.
	Incremental bool
}

// SymbolResult is the outcome of one symbol's run.
type SymbolResult struct {
	RunID    string
	Symbol   string
	Interval string
	Windows  int
	Fetched  int
	Stored   int
	Duration time.Duration
	Err      error
}

// Succeeded reports whether the run completed without a fatal error.
func (r SymbolResult) Succeeded() bool {
	return r.Err == nil
}

// Report aggregates the per-symbol outcomes of a multi-symbol run.
type Report struct {
	Results []SymbolResult
}

// Failed returns the results of symbols whose runs aborted.
func (r Report) Failed() []SymbolResult {
	var failed []SymbolResult
	for _, res := range r.Results {
		if !res.Succeeded() {
			failed = append(failed, res)
		}
	}
	return failed
}

// AllSucceeded reports whether every symbol completed.
func (r Report) AllSucceeded() bool {
	return len(r.Failed()) == 0
}

// Orchestrator coordinates the exchange client, normalizer and store.
// Execution is strictly sequential: one request and one write outstanding
// at a time, cancellation honored at window boundaries only.
type Orchestrator struct {
	client     exchange.Client
	normalizer *normalizer.Normalizer
	store      storage.KlineStore
	logger     *slog.Logger
	opts       Options

	// sleep is swappable in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates an Orchestrator. BatchSize outside [1, 1000] is replaced
// with the maximum.
func New(client exchange.Client, norm *normalizer.Normalizer, store storage.KlineStore, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 || opts.BatchSize > maxBatchSize {
		opts.BatchSize = defaultBatchSize
	}
	return &Orchestrator{
		client:     client,
		normalizer: norm,
		store:      store,
		logger:     logger.With(slog.String("component", "sync")),
		opts:       opts,
		sleep:      sleepWithContext,
	}
}

// IntervalDuration resolves an interval string to its candle duration.
// Unrecognized strings return the one-hour fallback and ok=false.
func IntervalDuration(interval string) (time.Duration, bool) {
	if d, ok := intervalDurations[interval]; ok {
		return d, true
	}
	return fallbackIntervalDuration, false
}

// SyncSymbols processes symbols strictly sequentially over [start, end).
// One symbol's fatal failure does not stop the remaining symbols; each
// outcome is reported independently.
func (o *Orchestrator) SyncSymbols(ctx context.Context, symbols []string, interval string, start, end time.Time) Report {
	report := Report{Results: make([]SymbolResult, 0, len(symbols))}
	for _, symbol := range symbols {
		result := o.SyncSymbol(ctx, symbol, interval, start, end)
		report.Results = append(report.Results, result)
		if ctx.Err() != nil {
			break
		}
	}

	failed := report.Failed()
	o.logger.Info("multi-symbol run finished",
		"symbols", len(report.Results),
		"failed", len(failed))
	for _, res := range failed {
		o.logger.Error("symbol run failed",
			"run_id", res.RunID,
			"symbol", res.Symbol,
			"error", res.Err)
	}
	return report
}

// SyncSymbol runs the collection loop for one symbol over [start, end).
func (o *Orchestrator) SyncSymbol(ctx context.Context, symbol, interval string, start, end time.Time) SymbolResult {
	began := time.Now()
	result := SymbolResult{
		RunID:    uuid.NewString(),
		Symbol:   symbol,
		Interval: interval,
	}
	logger := o.logger.With(
		slog.String("run_id", result.RunID),
		slog.String("symbol", symbol),
		slog.String("interval", interval),
	)

	intervalDur, known := IntervalDuration(interval)
	if !known {
		logger.Warn("unrecognized interval, using fallback duration for window sizing",
			"fallback", fallbackIntervalDuration)
	}

	rangeStart := start.UTC()
	rangeEnd := end.UTC()

	if o.opts.Incremental {
		latest, err := o.store.LatestTimestamp(ctx, symbol, interval)
		if err != nil {
			result.Err = fmt.Errorf("reading watermark: %w", err)
			result.Duration = time.Since(began)
			return result
		}
		if latest != nil {
			resumed := latest.Add(time.Millisecond)
			if resumed.After(rangeStart) {
				rangeStart = resumed
				logger.Info("resuming from stored watermark", "watermark", *latest)
			}
		}
	}

	logger.Info("starting symbol run", "start", rangeStart, "end", rangeEnd)

	windowStart := rangeStart
	for windowStart.Before(rangeEnd) {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		windowEnd := windowStart.Add(time.Duration(o.opts.BatchSize) * intervalDur)
		if windowEnd.After(rangeEnd) {
			windowEnd = rangeEnd
		}
		result.Windows++

		raw, err := o.client.FetchKlines(ctx, exchange.FetchRequest{
			Symbol:   symbol,
			Interval: interval,
			Start:    windowStart,
			End:      windowEnd,
			Limit:    o.opts.BatchSize,
		})
		if err != nil {
			result.Err = fmt.Errorf("fetching window [%s, %s]: %w",
				windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339), err)
			break
		}
		result.Fetched += len(raw)

		normalized := o.normalizer.Normalize(raw, symbol, interval)
		if normalized.Kept > 0 {
			if err := o.store.Upsert(ctx, normalized.Records); err != nil {
				result.Err = fmt.Errorf("committing window [%s, %s]: %w",
					windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339), err)
				break
			}
			result.Stored += normalized.Kept

			last := normalized.Records[len(normalized.Records)-1].Timestamp
			windowStart = last.Add(intervalDur)
		} else {
			logger.Debug("window yielded no usable records",
				"window_start", windowStart, "window_end", windowEnd)
			windowStart = windowEnd
		}

		o.sleep(ctx, o.opts.Delay)
	}

	result.Duration = time.Since(began)
	if result.Err != nil {
		logger.Error("symbol run aborted",
			"windows", result.Windows,
			"stored", result.Stored,
			"error", result.Err)
	} else {
		logger.Info("symbol run complete",
			"windows", result.Windows,
			"fetched", result.Fetched,
			"stored", result.Stored,
			"duration", result.Duration)
	}
	return result
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
