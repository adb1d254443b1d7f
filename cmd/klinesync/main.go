// K-line Sync CLI
// This application collects OHLCV candlestick data from cryptocurrency
// exchanges and persists it into a TimescaleDB-backed store, supporting
// full-range backfill and incremental catch-up from the last stored point.
//
// Usage:
//
//	klinesync collect --symbol BTC-USDT --interval 1h --start 2024-01-01
//	klinesync sync --symbols BTC-USDT,ETH-USDT --interval 1h --start 2024-01-01
//	klinesync symbols
//
// For detailed help on any command, use: klinesync <command> --help
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/config"
	"github.com/johnayoung/go-kline-sync/internal/exchange"
	"github.com/johnayoung/go-kline-sync/internal/logger"
	"github.com/johnayoung/go-kline-sync/internal/normalizer"
	"github.com/johnayoung/go-kline-sync/internal/query"
	"github.com/johnayoung/go-kline-sync/internal/storage"
	syncpkg "github.com/johnayoung/go-kline-sync/internal/sync"
)

const (
	appName = "klinesync"
	version = "1.0.0"

	defaultConfigFile = "config.json"
)

// Exit codes following standard conventions
const (
	exitSuccess     = 0
	exitUsageError  = 1
	exitConfigError = 2
	exitDataError   = 4
	exitInterrupt   = 130
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "collect":
		os.Exit(runSync(ctx, args, false))
	case "sync":
		os.Exit(runSync(ctx, args, true))
	case "symbols":
		os.Exit(runSymbols(ctx, args))
	case "stats":
		os.Exit(runStats(ctx, args))
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", appName, version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command %q\n\n", command)
		printUsage()
		os.Exit(exitUsageError)
	}
}

// runFlags are the operator-facing run parameters shared by collect and sync.
type runFlags struct {
	configPath string
	symbol     string
	symbols    string
	interval   string
	start      string
	end        string
	batchSize  int
	delay      time.Duration
	logLevel   string
	logFormat  string
}

func registerRunFlags(fs *flag.FlagSet) *runFlags {
	f := &runFlags{}
	fs.StringVar(&f.configPath, "config", defaultConfigFile, "path to the configuration file")
	fs.StringVar(&f.symbol, "symbol", "", "trading symbol, e.g. BTC-USDT")
	fs.StringVar(&f.symbols, "symbols", "", "comma-separated trading symbols")
	fs.StringVar(&f.interval, "interval", "1h", "candle interval, e.g. 1m, 5m, 1h, 1d")
	fs.StringVar(&f.start, "start", "", "start date, YYYY-MM-DD")
	fs.StringVar(&f.end, "end", "", "end date, YYYY-MM-DD inclusive (default: now)")
	fs.IntVar(&f.batchSize, "batch-size", 1000, "records per request, capped at 1000")
	fs.DurationVar(&f.delay, "delay", time.Second, "pause between request windows")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format: text, json")
	return f
}

func (f *runFlags) symbolList() []string {
	var out []string
	if f.symbol != "" {
		out = append(out, f.symbol)
	}
	for _, s := range strings.Split(f.symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// timeRange resolves the start/end dates. The end date is inclusive, so a
// bare date extends to the last second of that day.
func (f *runFlags) timeRange(incremental bool) (time.Time, time.Time, error) {
	var start time.Time
	switch {
	case f.start != "":
		parsed, err := time.Parse("2006-01-02", f.start)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start date, use YYYY-MM-DD: %w", err)
		}
		start = parsed.UTC()
	case incremental:
		// Incremental runs resume from the stored watermark anyway; the
		// range start only matters for a first run against an empty store.
		start = time.Now().UTC().AddDate(0, 0, -30)
	default:
		return time.Time{}, time.Time{}, errors.New("--start is required")
	}

	end := time.Now().UTC()
	if f.end != "" {
		parsed, err := time.Parse("2006-01-02", f.end)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end date, use YYYY-MM-DD: %w", err)
		}
		end = parsed.UTC().Add(24*time.Hour - time.Second)
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end date must be after start date")
	}
	return start, end, nil
}

func runSync(ctx context.Context, args []string, incremental bool) int {
	name := "collect"
	if incremental {
		name = "sync"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f := registerRunFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}

	symbols := f.symbolList()
	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "Error: --symbol or --symbols is required")
		return exitUsageError
	}

	start, end, err := f.timeRange(incremental)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsageError
	}

	app, code := initApp(ctx, f)
	if code != exitSuccess {
		return code
	}
	defer app.close()

	orchestrator := syncpkg.New(app.client, normalizer.New(app.logs.Logger()), app.store, app.logs.Logger(), syncpkg.Options{
		BatchSize:   f.batchSize,
		Delay:       f.delay,
		Incremental: incremental,
	})

	report := orchestrator.SyncSymbols(ctx, symbols, f.interval, start, end)

	if ctx.Err() != nil {
		return exitInterrupt
	}
	if !report.AllSucceeded() {
		return exitDataError
	}
	return exitSuccess
}

func runSymbols(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("symbols", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigFile, "path to the configuration file")
	logLevel := fs.String("log-level", "warn", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}

	logs, err := logger.New(logger.Options{Level: *logLevel, Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	defer logs.Close()

	client, err := exchange.New(cfg.PrimaryExchange(), logs.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}

	symbols, err := client.ListSymbols(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitDataError
	}
	for _, s := range symbols {
		fmt.Println(s)
	}
	return exitSuccess
}

func runStats(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigFile, "path to the configuration file")
	symbol := fs.String("symbol", "", "trading symbol, e.g. BTC-USDT")
	interval := fs.String("interval", "1h", "candle interval")
	lookback := fs.Duration("lookback", 24*time.Hour, "statistics lookback window")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if *symbol == "" {
		fmt.Fprintln(os.Stderr, "Error: --symbol is required")
		return exitUsageError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}

	logs, err := logger.New(logger.Options{Level: "warn", Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	defer logs.Close()

	store, err := storage.NewTimescaleStorage(ctx, cfg.Database.DSN(), logs.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	defer store.Close()

	svc := query.NewService(store.DB(), logs.Logger())

	latest, err := svc.LatestPrice(ctx, *symbol, *interval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitDataError
	}
	if latest == nil {
		fmt.Printf("no data stored for %s %s\n", *symbol, *interval)
		return exitSuccess
	}
	fmt.Printf("%s %s latest: %s @ %s\n",
		latest.Symbol, latest.Interval, latest.Price, latest.Time.Format(time.RFC3339))

	stats, err := svc.PriceStatistics(ctx, *symbol, *interval, *lookback)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitDataError
	}
	if stats != nil {
		fmt.Printf("last %s: high %s  low %s  avg %s  volume %s  change %s (%s%%)\n",
			lookback, stats.High, stats.Low, stats.Average.Round(8),
			stats.TotalVolume, stats.Change, stats.ChangePercent.Round(4))
	}
	return exitSuccess
}

// app bundles the wired components for one CLI invocation.
type app struct {
	cfg    *config.AppConfig
	logs   *logger.Manager
	store  *storage.TimescaleStorage
	client exchange.Client
}

func initApp(ctx context.Context, f *runFlags) (*app, int) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, exitConfigError
	}

	logs, err := logger.New(logger.Options{
		Level:  f.logLevel,
		Format: f.logFormat,
		Output: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, exitConfigError
	}

	store, err := storage.NewTimescaleStorage(ctx, cfg.Database.DSN(), logs.Logger())
	if err != nil {
		logs.Logger().Error("storage connection failed", "error", err)
		logs.Close()
		return nil, exitConfigError
	}
	if err := store.Initialize(ctx); err != nil {
		logs.Logger().Error("storage schema setup failed", "error", err)
		store.Close()
		logs.Close()
		return nil, exitConfigError
	}

	client, err := exchange.New(cfg.PrimaryExchange(), logs.Logger())
	if err != nil {
		logs.Logger().Error("exchange setup failed", "error", err)
		store.Close()
		logs.Close()
		return nil, exitConfigError
	}

	return &app{cfg: cfg, logs: logs, store: store, client: client}, exitSuccess
}

func (a *app) close() {
	a.store.Close()
	a.logs.Close()
}

func printUsage() {
	fmt.Printf(`%s - K-line data collector for cryptocurrency exchanges

Usage:
  %s <command> [flags]

Commands:
  collect   Backfill candles over an explicit date range
  sync      Incremental catch-up from the last stored candle
  symbols   List trading symbols known to the exchange
  stats     Show latest price and trailing statistics for a symbol
  version   Print version information
  help      Show this message

Common flags:
  --config       Configuration file path (default %q)
  --symbol       Trading symbol, e.g. BTC-USDT
  --symbols      Comma-separated list of trading symbols
  --interval     Candle interval: 1m, 5m, 15m, 30m, 1h, 4h, 1d (default 1h)
  --start        Start date, YYYY-MM-DD (required for collect)
  --end          End date, YYYY-MM-DD inclusive (default now)
  --batch-size   Records per request, capped at 1000 (default 1000)
  --delay        Pause between request windows (default 1s)

Examples:
  %s collect --symbol BTC-USDT --interval 1h --start 2024-01-01 --end 2024-03-31
  %s sync --symbols BTC-USDT,ETH-USDT --interval 1h
`, appName, appName, defaultConfigFile, appName, appName)
}
