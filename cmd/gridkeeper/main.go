// gridkeeper downloads, validates and repairs grid-aligned OHLCV datasets.
//
// Usage:
//
//	gridkeeper fetch --symbol XRP/USDC --timeframe 15m --since 2025-08-01 --until 2025-08-15
//	gridkeeper check data/ohlcv/XRPUSDC_15m_2025-08-01_2025-08-15.csv --freq 15m --sanity-ohlc
//	gridkeeper fill --csv data/ohlcv/XRPUSDC_15m_2025-08-01_2025-08-15.csv --freq 15m
//	gridkeeper inspect data/ohlcv/XRPUSDC_15m_2025-08-01_2025-08-15.csv
//	gridkeeper conncheck
//
// For detailed help on any command, use: gridkeeper <command> --help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"gridkeeper/internal/config"
	"gridkeeper/internal/exchange"
	"gridkeeper/internal/fetch"
	"gridkeeper/internal/fill"
	"gridkeeper/internal/grid"
	"gridkeeper/internal/logger"
	"gridkeeper/internal/series"
	"gridkeeper/internal/validate"
)

const (
	appName = "gridkeeper"
	version = "1.0.0"
)

// Exit codes shared across subcommands.
const (
	exitOK         = 0
	exitDataError  = 1
	exitUsageError = 2
	exitAuthError  = 10
	exitNetError   = 11
	exitExchange   = 12
	exitInterrupt  = 130
	exitUnexpected = 99
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(exitUsageError)
	}

	log, err := logger.Setup(settings.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: logger setup failed: %v\n", err)
		os.Exit(exitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "fetch":
		os.Exit(runFetch(ctx, settings, log, args))
	case "check":
		os.Exit(runCheck(settings, log, args))
	case "fill":
		os.Exit(runFill(ctx, settings, log, args))
	case "inspect":
		os.Exit(runInspect(log, args))
	case "conncheck":
		os.Exit(runConncheck(ctx, settings, log))
	case "--version", "-v":
		fmt.Printf("%s version %s\n", appName, version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(exitUsageError)
	}
}

func printUsage() {
	fmt.Printf(`%s - grid-integrity tooling for OHLCV datasets

Usage: %s <command> [options]

Commands:
  fetch      Download candles for a symbol/timeframe/range into a canonical CSV
  check      Validate a dataset against a fixed-frequency grid
  fill       Repair gaps in a dataset by downloading patches
  inspect    Print index metrics for a dataset
  conncheck  Verify exchange connectivity and symbol availability

Options:
  --version  Show version
  --help     Show this help
`, appName, appName)
}

func newAdapter(settings config.Settings, log *slog.Logger, sandbox bool) *exchange.BinanceAdapter {
	adapter, _ := exchange.NewBinanceAdapter(exchange.BinanceConfig{
		APIKey:          settings.APIKey,
		APISecret:       settings.APISecret,
		Timeout:         time.Duration(settings.TimeoutMS) * time.Millisecond,
		EnableRateLimit: settings.EnableRateLimit,
		Sandbox:         sandbox,
		Logger:          log,
	})
	return adapter
}

func runFetch(ctx context.Context, settings config.Settings, log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	symbol := fs.String("symbol", settings.DefaultSymbol, "symbol in BASE/USDC format")
	timeframe := fs.String("timeframe", "15m", "candle timeframe (1m, 5m, 15m, 1h, 4h, 1d)")
	since := fs.String("since", "", "range start, ISO-8601 UTC (default: 30 days ago)")
	until := fs.String("until", "", "range end, ISO-8601 UTC (default: now)")
	outDir := fs.String("outdir", filepath.Join("data", "ohlcv"), "output directory")
	limit := fs.Int("limit-per-call", 1000, "max candles per exchange request")
	noReload := fs.Bool("no-reload-markets", false, "do not force a market catalog reload")
	fs.Parse(args)

	sinceT, err := parseTimeFlag(*since)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ARGS] invalid --since: %v\n", err)
		return exitUsageError
	}
	untilT, err := parseTimeFlag(*until)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ARGS] invalid --until: %v\n", err)
		return exitUsageError
	}

	engine := fetch.NewEngine(newAdapter(settings, log, false), log)
	result, err := engine.Download(ctx, fetch.Config{
		Symbol:        strings.ToUpper(strings.TrimSpace(*symbol)),
		Timeframe:     *timeframe,
		Since:         sinceT,
		Until:         untilT,
		OutDir:        *outDir,
		LimitPerCall:  *limit,
		ReloadMarkets: !*noReload,
	})
	if err != nil {
		return reportFetchError(log, err)
	}

	log.Info("file generated", "path", result.Path, "candles", len(result.Series))
	fmt.Println(result.Path)
	return exitOK
}

func reportFetchError(log *slog.Logger, err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "\n[INTERRUPTED] download cancelled by user")
		return exitInterrupt
	case errors.Is(err, fetch.ErrInvalidSymbol),
		errors.Is(err, fetch.ErrInvalidRange),
		errors.Is(err, grid.ErrInvalidTimeframe):
		fmt.Fprintf(os.Stderr, "[ARGS] %v\n", err)
		return exitUsageError
	case errors.Is(err, fetch.ErrFetchFailed):
		fmt.Fprintf(os.Stderr, "[NET] network/timeout problem: %v\n", err)
		return exitNetError
	}

	var fault *exchange.Fault
	if errors.As(err, &fault) {
		fmt.Fprintf(os.Stderr, "[EXCHANGE] %v\n", err)
		return exitExchange
	}

	log.Error("download failed", "error", err)
	fmt.Fprintf(os.Stderr, "[UNEXPECTED] %v\n", err)
	return exitUnexpected
}

func runCheck(settings config.Settings, log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	freq := fs.String("freq", "15m", "expected grid frequency (e.g. 15m, 1h; 15min accepted)")
	sanity := fs.Bool("sanity-ohlc", false, "also check OHLC/volume coherence")
	strictGrid := fs.Bool("strict-grid", false, "fail on timestamps off the expected grid")
	strictOC := fs.Bool("strict-open-close", false, "fail when open/close fall outside [low, high]")
	manifestOut := fs.String("manifest", "", "write the validation manifest as JSON to this path")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "[ARGS] check requires a CSV path")
		return exitUsageError
	}

	path := resolveCSVPath(fs.Arg(0))
	if _, err := os.Stat(path); err != nil {
		printMissingWithSuggestions(path)
		return exitUsageError
	}

	manifest, err := validate.Check(path, validate.Config{
		Freq:            *freq,
		SanityOHLC:      *sanity,
		StrictGrid:      *strictGrid,
		StrictOpenClose: *strictOC,
	}, log)
	if manifest != nil && *manifestOut != "" {
		if werr := writeManifest(*manifestOut, manifest); werr != nil {
			log.Warn("could not write manifest", "path", *manifestOut, "error", werr)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return exitDataError
	}

	idx := manifest.Index
	if !manifest.Passed {
		fmt.Printf("ERROR: duplicates=%d, gaps=%d, completeness=%d/%d=%.2f%%\n",
			idx.Duplicated, idx.Missing, idx.Unique, idx.Expected, idx.CompletenessPct)
		if idx.FirstGap != nil {
			fmt.Printf("Approximate gap range: %s -> %s\n",
				idx.FirstGap.Format(time.RFC3339), idx.LastGap.Format(time.RFC3339))
		}
		return exitDataError
	}

	fmt.Printf("OK: dataset clean. Completeness=%d/%d=%.2f%%\n", idx.Unique, idx.Expected, idx.CompletenessPct)
	return exitOK
}

func writeManifest(path string, m *validate.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func runFill(ctx context.Context, settings config.Settings, log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("fill", flag.ExitOnError)
	csvPath := fs.String("csv", "", "source CSV path (required)")
	freq := fs.String("freq", "15m", "expected grid frequency")
	symbol := fs.String("symbol", settings.DefaultSymbol, "symbol in BASE/USDC format for patch downloads")
	timeframe := fs.String("timeframe", "15m", "timeframe for patch downloads")
	margin := fs.Duration("margin", fill.DefaultMargin, "context margin around each gap range")
	outDir := fs.String("outdir", "", "output directory (default: source directory)")
	suffix := fs.String("suffix", fill.DefaultSuffix, "output filename suffix")
	noReload := fs.Bool("no-reload-markets", false, "do not force a market catalog reload")
	fs.Parse(args)

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "[ARGS] fill requires --csv")
		return exitUsageError
	}
	if _, err := os.Stat(*csvPath); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: source file does not exist: %s\n", *csvPath)
		return exitUsageError
	}

	engine := fetch.NewEngine(newAdapter(settings, log, false), log)
	filler := fill.New(engine, log)

	outcome, err := filler.Fill(ctx, fill.Options{
		CSVPath:       *csvPath,
		Freq:          *freq,
		Symbol:        strings.ToUpper(strings.TrimSpace(*symbol)),
		Timeframe:     *timeframe,
		Margin:        *margin,
		OutDir:        *outDir,
		Suffix:        *suffix,
		ReloadMarkets: !*noReload,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n[INTERRUPTED] fill cancelled by user")
			return exitInterrupt
		}
		if errors.Is(err, validate.ErrContractViolation) || errors.Is(err, grid.ErrInvalidTimeframe) {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			return exitUsageError
		}
		return reportFetchError(log, err)
	}

	fmt.Println(outcome.Path)
	return exitOK
}

func runInspect(log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	freq := fs.String("freq", "15m", "expected grid frequency")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: gridkeeper inspect [--freq 15m] <csv-path>")
		return exitUsageError
	}
	path := fs.Arg(0)
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: file does not exist: %s\n", path)
		return exitUsageError
	}

	step, err := grid.TimeframeDuration(*freq)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsageError
	}

	rows, err := series.Read(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitDataError
	}
	canonical := series.Normalize(rows)

	fmt.Printf("Path: %s\n", path)
	fmt.Printf("Rows: %d (raw), %d (deduplicated)\n", len(rows), len(canonical))
	if len(canonical) == 0 {
		return exitOK
	}

	min, max, _ := canonical.Bounds()
	fmt.Printf("Range: %s -> %s (expected freq: %s)\n",
		min.Format(time.RFC3339), max.Format(time.RFC3339), *freq)
	fmt.Printf("Duplicate timestamps removed: %d\n", len(rows)-len(canonical))

	gaps := grid.FindGaps(canonical.Index(), grid.ExpectedGrid(min, max, step))
	fmt.Printf("Gaps in series: %d\n", len(gaps))
	for i, g := range gaps {
		if i == 10 {
			break
		}
		fmt.Printf("  gap: %s\n", g.Format(time.RFC3339))
	}

	aligned := true
	for _, t := range canonical.Index() {
		if !grid.Aligned(t, step) {
			aligned = false
			break
		}
	}
	verdict := "OK"
	if !aligned {
		verdict = "NO"
	}
	fmt.Printf("Exact alignment to %s epoch grid: %s\n", *freq, verdict)

	if len(gaps) == 0 && len(canonical) > 1 {
		steps := map[time.Duration]struct{}{}
		idx := canonical.Index()
		for i := 1; i < len(idx); i++ {
			steps[idx[i].Sub(idx[i-1])] = struct{}{}
		}
		unique := make([]string, 0, len(steps))
		for d := range steps {
			unique = append(unique, d.String())
		}
		sort.Strings(unique)
		fmt.Printf("Unique time steps: %v\n", unique)
	}
	return exitOK
}

func runConncheck(ctx context.Context, settings config.Settings, log *slog.Logger) int {
	adapter, outcome := exchange.NewBinanceAdapter(exchange.BinanceConfig{
		APIKey:          settings.APIKey,
		APISecret:       settings.APISecret,
		Timeout:         time.Duration(settings.TimeoutMS) * time.Millisecond,
		EnableRateLimit: settings.EnableRateLimit,
		Sandbox:         settings.SandboxMode,
		Logger:          log,
	})
	fmt.Printf("[OK] sandbox negotiation | requested=%t applied=%t (%s)\n",
		outcome.Requested, outcome.Applied, outcome.Reason)

	serverMS, err := adapter.ServerTime(ctx)
	if err != nil {
		return reportConncheckError(err)
	}
	localMS := time.Now().UnixMilli()
	fmt.Printf("[OK] server time | server=%d local=%d drift=%d ms\n", serverMS, localMS, serverMS-localMS)

	if err := adapter.LoadCatalog(ctx, true); err != nil {
		return reportConncheckError(err)
	}
	fmt.Printf("[OK] market catalog | total=%d\n", len(adapter.Symbols()))

	symbol := settings.DefaultSymbol
	if !adapter.HasSymbol(symbol) {
		base, _, _ := strings.Cut(symbol, "/")
		var candidates []string
		for _, s := range adapter.Symbols() {
			if strings.HasPrefix(s, base+"/") && strings.HasSuffix(s, "/USDC") {
				candidates = append(candidates, s)
				if len(candidates) == 20 {
					break
				}
			}
		}
		fmt.Printf("[WARN] symbol %q is not listed\n", symbol)
		if len(candidates) > 0 {
			fmt.Printf("       USDC candidates with the same base: %v\n", candidates)
		} else {
			fmt.Println("       no USDC candidates found with the same base")
		}
		return exitUsageError
	}

	page, err := adapter.FetchPage(ctx, symbol, "15m", time.Now().Add(-time.Hour).UnixMilli(), 1)
	if err != nil {
		return reportConncheckError(err)
	}
	if len(page) > 0 {
		c := page[0]
		fmt.Printf("[OK] kline probe %s | o=%g h=%g l=%g c=%g v=%g @ %s\n",
			symbol, c.Open, c.High, c.Low, c.Close, c.Volume, c.Timestamp.Format(time.RFC3339))
	}

	fmt.Println("\nExchange connectivity verified.")
	return exitOK
}

func reportConncheckError(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "\n[INTERRUPTED] cancelled by user")
		return exitInterrupt
	case exchange.IsTransient(err):
		fmt.Fprintf(os.Stderr, "[NET] network/timeout problem: %v\n", err)
		return exitNetError
	case exchange.IsAuth(err):
		fmt.Fprintf(os.Stderr, "[AUTH] authentication error: %v\n", err)
		return exitAuthError
	}

	var fault *exchange.Fault
	if errors.As(err, &fault) {
		fmt.Fprintf(os.Stderr, "[EXCHANGE] exchange error: %v\n", err)
		return exitExchange
	}

	fmt.Fprintf(os.Stderr, "[UNEXPECTED] %v\n", err)
	return exitUnexpected
}

// parseTimeFlag accepts the ISO-8601 spellings produced by common tooling:
// date only, date+time, and explicit Z / +00:00 offsets. Naive values are
// interpreted as UTC.
func parseTimeFlag(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, nil
	}
	return series.ParseDatetime(v)
}

// resolveCSVPath appends .csv when the argument came without an extension
// and the candidate exists.
func resolveCSVPath(arg string) string {
	if filepath.Ext(arg) == "" {
		if candidate := arg + ".csv"; fileExists(candidate) {
			return candidate
		}
	}
	return arg
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// printMissingWithSuggestions lists recent candidates from the default data
// directory, raw and filled separately, to help correct a mistyped path.
func printMissingWithSuggestions(requested string) {
	fmt.Fprintf(os.Stderr, "ERROR: file does not exist: %s\n", requested)

	baseDir := filepath.Join("data", "ohlcv")
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No CSV files found under %s.\n", baseDir)
		return
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var raw, filled []candidate
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".csv" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		c := candidate{path: filepath.Join(baseDir, e.Name()), mod: info.ModTime()}
		if strings.HasSuffix(strings.TrimSuffix(e.Name(), ".csv"), fill.DefaultSuffix) {
			filled = append(filled, c)
		} else {
			raw = append(raw, c)
		}
	}
	byMtime := func(cs []candidate) {
		sort.Slice(cs, func(i, j int) bool { return cs[i].mod.After(cs[j].mod) })
	}
	byMtime(raw)
	byMtime(filled)

	const limit = 8
	if len(raw) == 0 && len(filled) == 0 {
		fmt.Fprintf(os.Stderr, "No CSV files found under %s.\n", baseDir)
		return
	}
	fmt.Fprintf(os.Stderr, "\nSuggestions under %s (most recent first):\n", baseDir)
	printGroup := func(label string, cs []candidate) {
		if len(cs) == 0 {
			return
		}
		fmt.Fprintf(os.Stderr, "  %s:\n", label)
		for i, c := range cs {
			if i == limit {
				break
			}
			fmt.Fprintf(os.Stderr, "   - %s    (mod: %s)\n", c.path, c.mod.UTC().Format(time.RFC3339))
		}
	}
	printGroup("RAW (no _filled)", raw)
	printGroup("FILLED (_filled)", filled)
	fmt.Fprintln(os.Stderr, "\nHint: if you gave only the stem, try adding the .csv extension")
}
