// Package fetch implements the download engine: it paginates through an
// exchange adapter along the fixed time grid, retries transient faults with
// exponential backoff, buffers rows into a durable staging store, and
// promotes the staged data into a canonical atomically-written CSV.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"gridkeeper/internal/exchange"
	"gridkeeper/internal/grid"
	"gridkeeper/internal/models"
	"gridkeeper/internal/series"
)

const (
	// maxAttempts bounds each page fetch: the initial call plus retries.
	maxAttempts = 5
	// initialBackoff is the first retry delay; it doubles per attempt.
	initialBackoff = time.Second

	// chunkSize is the buffered-row threshold that triggers a staging flush.
	chunkSize = 10_000

	// defaultLookback is used when no --since is given.
	defaultLookback = 30 * 24 * time.Hour

	defaultLimitPerCall = 1000

	// progressEvery controls how often the paging loop logs progress.
	progressEvery = 10
)

// symbolPattern is the required symbol shape: any base, USDC quote.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9\-]+/USDC$`)

// maxCandidates bounds the suggestion list in InvalidSymbol errors.
const maxCandidates = 15

// Error taxonomy for one download run. All are fatal for the run.
var (
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrInvalidRange  = errors.New("invalid time range")
	ErrDataIntegrity = errors.New("data integrity violation")
	ErrFetchFailed   = errors.New("fetch failed after retries")
	ErrEmptyResult   = errors.New("no candles fetched")
)

// Config describes one download operation. It is constructed by the caller
// and consumed read-only.
type Config struct {
	Symbol        string
	Timeframe     string
	Since         time.Time // zero: now minus 30 days
	Until         time.Time // zero: now
	OutDir        string
	LimitPerCall  int
	ReloadMarkets bool
}

// Result is the single well-typed outcome of a download: the final file path
// and the canonical series that was written there.
type Result struct {
	Path   string
	Series series.Series
}

// Engine drives downloads against an exchange adapter. One Engine handles
// one run at a time; there is no internal parallelism, which keeps output
// deterministic and rate-limit pressure bounded.
type Engine struct {
	adapter exchange.Adapter
	logger  *slog.Logger
	now     func() time.Time
	// retryWait is the initial retry delay, overridable in tests.
	retryWait time.Duration
}

// NewEngine creates a download engine.
func NewEngine(adapter exchange.Adapter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		adapter:   adapter,
		logger:    logger.With("component", "fetch_engine"),
		now:       time.Now,
		retryWait: initialBackoff,
	}
}

// Download materializes all candles for the configured range into a
// canonical CSV under cfg.OutDir and returns its path together with the
// written series.
//
// Interruption is safe at any point: buffered rows are flushed to the
// staging store before the cancellation propagates, and a later run resumes
// by folding the leftover staging file in.
func (e *Engine) Download(ctx context.Context, cfg Config) (*Result, error) {
	logger := e.logger.With("run_id", uuid.New().String()[:8], "symbol", cfg.Symbol, "timeframe", cfg.Timeframe)
	logger.Info("starting download")

	if !symbolPattern.MatchString(cfg.Symbol) {
		return nil, fmt.Errorf("%w: %q does not match BASE/USDC", ErrInvalidSymbol, cfg.Symbol)
	}

	if err := e.adapter.LoadCatalog(ctx, cfg.ReloadMarkets); err != nil {
		return nil, fmt.Errorf("loading symbol catalog: %w", err)
	}
	if !e.adapter.HasSymbol(cfg.Symbol) {
		return nil, fmt.Errorf("%w: %s not listed; USDC candidates: %v",
			ErrInvalidSymbol, cfg.Symbol, e.usdcCandidates(cfg.Symbol))
	}

	step, err := grid.TimeframeDuration(cfg.Timeframe)
	if err != nil {
		return nil, err
	}

	startMS, endMS, err := e.resolveRange(cfg, step, logger)
	if err != nil {
		return nil, err
	}

	limit := cfg.LimitPerCall
	if limit <= 0 {
		limit = defaultLimitPerCall
	}

	finalPath, stagingPath, err := e.preparePaths(cfg, startMS, endMS, logger)
	if err != nil {
		return nil, err
	}

	if err := e.pageThroughRange(ctx, cfg, logger, stagingPath, startMS, endMS, step, limit); err != nil {
		return nil, err
	}

	return e.finalize(logger, stagingPath, finalPath)
}

// resolveRange applies defaults, validates ordering, and aligns both ends to
// the grid. Alignment adjustments are logged, never errors.
func (e *Engine) resolveRange(cfg Config, step time.Duration, logger *slog.Logger) (startMS, endMS int64, err error) {
	now := e.now().UTC().Truncate(time.Second)
	since := cfg.Since
	if since.IsZero() {
		since = now.Add(-defaultLookback)
	}
	until := cfg.Until
	if until.IsZero() {
		until = now
	}
	if !since.Before(until) {
		return 0, 0, fmt.Errorf("%w: since=%s >= until=%s",
			ErrInvalidRange, since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339))
	}

	start := grid.AlignUp(since, step)
	if !start.Equal(since.UTC()) {
		logger.Warn("since not aligned to grid, rounding up",
			"since", since.UTC().Format(time.RFC3339),
			"aligned", start.Format(time.RFC3339))
	}
	end := grid.AlignDown(until, step)
	if !end.Equal(until.UTC()) {
		logger.Warn("until not aligned to grid, rounding down",
			"until", until.UTC().Format(time.RFC3339),
			"aligned", end.Format(time.RFC3339))
	}

	return start.UnixMilli(), end.UnixMilli(), nil
}

// preparePaths computes the final and staging file paths and clears a stale
// staging file when the final output already exists, so schemas never mix.
func (e *Engine) preparePaths(cfg Config, startMS, endMS int64, logger *slog.Logger) (finalPath, stagingPath string, err error) {
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating output directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s_%s.csv",
		strings.ReplaceAll(cfg.Symbol, "/", ""),
		cfg.Timeframe,
		time.UnixMilli(startMS).UTC().Format("2006-01-02"),
		time.UnixMilli(endMS).UTC().Format("2006-01-02"),
	)
	finalPath = filepath.Join(cfg.OutDir, name)
	stagingPath = strings.TrimSuffix(finalPath, ".csv") + ".raw.csv"

	if _, statErr := os.Stat(finalPath); statErr == nil {
		logger.Info("final output exists, staging will be rebuilt", "path", finalPath)
		if rmErr := os.Remove(stagingPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn("could not remove stale staging file", "path", stagingPath, "error", rmErr)
		}
	}
	return finalPath, stagingPath, nil
}

// pageThroughRange runs the incremental fetch loop, appending accepted pages
// to the staging store.
func (e *Engine) pageThroughRange(ctx context.Context, cfg Config, logger *slog.Logger, stagingPath string, startMS, endMS int64, step time.Duration, limit int) error {
	stepMS := step.Milliseconds()

	resuming := false
	if st, err := os.Stat(stagingPath); err == nil && st.Size() > 0 {
		resuming = true
		logger.Info("resuming into existing staging file", "path", stagingPath)
	}
	writer := series.NewStagingWriter(stagingPath, resuming)
	wroteAny := resuming

	flush := func(buffer []models.Candle) ([]models.Candle, error) {
		if len(buffer) == 0 {
			return buffer, nil
		}
		if err := writer.Append(buffer); err != nil {
			return buffer, fmt.Errorf("flushing staging store: %w", err)
		}
		wroteAny = true
		return buffer[:0], nil
	}

	var buffer []models.Candle
	cursor := startMS
	calls := 0

	for cursor < endMS {
		if ctx.Err() != nil {
			// Cooperative cancellation: make partial progress durable
			// before propagating.
			if _, ferr := flush(buffer); ferr != nil {
				logger.Error("flush on cancellation failed", "error", ferr)
			} else {
				logger.Warn("download interrupted, partial staging written", "path", stagingPath)
			}
			return ctx.Err()
		}

		remaining := int((endMS - cursor + stepMS - 1) / stepMS)
		take := min(limit, max(1, remaining))

		page, err := e.fetchPageWithRetry(ctx, cfg, cursor, take, logger)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if _, ferr := flush(buffer); ferr != nil {
					logger.Error("flush on cancellation failed", "error", ferr)
				} else {
					logger.Warn("download interrupted, partial staging written", "path", stagingPath)
				}
				return err
			}
			return err
		}
		calls++

		if len(page) == 0 {
			logger.Warn("empty page, advancing one grid step", "cursor", isoMS(cursor))
			cursor += stepMS
			continue
		}

		if err := checkPageIntegrity(page, stepMS); err != nil {
			return err
		}

		buffer = append(buffer, page...)
		cursor = page[len(page)-1].Timestamp.UnixMilli() + stepMS

		if len(buffer) >= chunkSize {
			if buffer, err = flush(buffer); err != nil {
				return err
			}
		}

		if calls%progressEvery == 0 {
			logger.Info("progress",
				"candles", (cursor-startMS)/stepMS,
				"cursor", isoMS(cursor))
		}
	}

	if _, err := flush(buffer); err != nil {
		return err
	}

	if !wroteAny {
		return fmt.Errorf("%w: check symbol, timeframe and range", ErrEmptyResult)
	}
	return nil
}

// fetchPageWithRetry fetches one page, retrying transient faults with
// exponential backoff (1s initial, doubling, 5 attempts total). The final
// attempt's failure escalates to ErrFetchFailed.
func (e *Engine) fetchPageWithRetry(ctx context.Context, cfg Config, sinceMS int64, limit int, logger *slog.Logger) ([]models.Candle, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryWait
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() ([]models.Candle, error) {
		attempt++
		page, err := e.adapter.FetchPage(ctx, cfg.Symbol, cfg.Timeframe, sinceMS, limit)
		if err == nil {
			return page, nil
		}
		if !exchange.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		logger.Warn("transient fetch fault, will retry",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err)
		return nil, err
	}

	page, err := backoff.RetryWithData(operation,
		backoff.WithMaxRetries(backoff.WithContext(bo, ctx), maxAttempts-1))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if exchange.IsTransient(err) {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		return nil, err
	}
	return page, nil
}

// checkPageIntegrity rejects pages whose timestamps are not strictly
// increasing or not grid-aligned. Data from an untrustworthy page must not
// be accepted, so the run aborts immediately.
func checkPageIntegrity(page []models.Candle, stepMS int64) error {
	for i, c := range page {
		ms := c.Timestamp.UnixMilli()
		if i > 0 && ms <= page[i-1].Timestamp.UnixMilli() {
			return fmt.Errorf("%w: non-monotonic timestamps in page at %s",
				ErrDataIntegrity, isoMS(ms))
		}
		if ms%stepMS != 0 {
			return fmt.Errorf("%w: timestamp %s not aligned to %dms grid",
				ErrDataIntegrity, isoMS(ms), stepMS)
		}
	}
	return nil
}

// finalize reads the staging store back, normalizes, verifies OHLC sanity,
// atomically writes the canonical output and removes the staging file.
// On failure the staging file is left for diagnosis and resumption.
func (e *Engine) finalize(logger *slog.Logger, stagingPath, finalPath string) (*Result, error) {
	rows, err := series.ReadStaging(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("reading staging store: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: staging store is empty", ErrEmptyResult)
	}

	canonical := series.Normalize(rows)
	if err := canonical.CheckSanity(); err != nil {
		return nil, fmt.Errorf("refusing to persist: %w", err)
	}

	if err := series.WriteAtomic(finalPath, canonical); err != nil {
		return nil, fmt.Errorf("writing canonical output: %w", err)
	}

	if err := os.Remove(stagingPath); err != nil {
		logger.Warn("could not remove staging file", "path", stagingPath, "error", err)
	}

	logger.Info("download complete", "candles", len(canonical), "path", finalPath)
	return &Result{Path: finalPath, Series: canonical}, nil
}

// usdcCandidates lists same-base USDC-quoted symbols to aid correction of a
// mistyped symbol.
func (e *Engine) usdcCandidates(symbol string) []string {
	base, _, _ := strings.Cut(symbol, "/")
	var candidates []string
	for _, s := range e.adapter.Symbols() {
		if strings.HasPrefix(s, base+"/") && strings.HasSuffix(s, "/USDC") {
			candidates = append(candidates, s)
			if len(candidates) == maxCandidates {
				break
			}
		}
	}
	return candidates
}

func isoMS(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
