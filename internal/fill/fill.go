// Package fill repairs gaps in a persisted candle series: it detects missing
// grid slots, downloads patches for each contiguous gap range through the
// fetch engine, merges them without disturbing existing rows, and re-emits a
// canonical copy. Repair is best-effort: an unusable patch is dropped with a
// warning, and residual gaps produce a warning rather than a failure.
package fill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"gridkeeper/internal/fetch"
	"gridkeeper/internal/grid"
	"gridkeeper/internal/models"
	"gridkeeper/internal/series"
	"gridkeeper/internal/validate"
)

const (
	// DefaultMargin pads each gap range on both sides so the exchange
	// returns enough context to avoid edge truncation.
	DefaultMargin = 75 * time.Minute

	// DefaultSuffix is appended to the source file stem for the output.
	DefaultSuffix = "_filled"
)

// Downloader is the slice of the fetch engine the filler needs. Tests
// substitute a stub returning prepared patches.
type Downloader interface {
	Download(ctx context.Context, cfg fetch.Config) (*fetch.Result, error)
}

// Options describes one repair operation.
type Options struct {
	CSVPath       string
	Freq          string
	Symbol        string
	Timeframe     string
	Margin        time.Duration // 0: DefaultMargin
	OutDir        string        // "": directory of CSVPath
	Suffix        string        // "": DefaultSuffix
	ReloadMarkets bool
}

// Outcome summarizes a completed repair. Remaining counts gaps that survived
// patching; a nonzero value is reported but is not an error.
type Outcome struct {
	Path         string
	GapsDetected int
	RangesFilled int
	Remaining    int
}

// Filler orchestrates the repair state machine over one series.
type Filler struct {
	downloader Downloader
	logger     *slog.Logger
}

// New creates a gap filler backed by the given downloader.
func New(downloader Downloader, logger *slog.Logger) *Filler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filler{
		downloader: downloader,
		logger:     logger.With("component", "gap_filler"),
	}
}

// Fill runs the repair pipeline: load, detect gaps, patch, merge,
// revalidate, persist. The source file is never modified.
func (f *Filler) Fill(ctx context.Context, opts Options) (*Outcome, error) {
	step, err := grid.TimeframeDuration(opts.Freq)
	if err != nil {
		return nil, err
	}

	margin := opts.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	suffix := opts.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Dir(opts.CSVPath)
	}

	base := filepath.Base(opts.CSVPath)
	ext := filepath.Ext(base)
	outPath := filepath.Join(outDir, strings.TrimSuffix(base, ext)+suffix+ext)

	// LOADED: read and normalize; a broken column contract fails fast.
	rows, err := series.Read(opts.CSVPath)
	if err != nil {
		if errors.Is(err, series.ErrMissingColumn) {
			return nil, fmt.Errorf("%w: %v", validate.ErrContractViolation, err)
		}
		return nil, err
	}
	source := series.Normalize(rows)
	if len(source) == 0 {
		return nil, fmt.Errorf("%w: source series is empty", validate.ErrContractViolation)
	}

	// GRID_COMPUTED
	min, max, _ := source.Bounds()
	expected := grid.ExpectedGrid(min, max, step)
	missing := grid.FindGaps(source.Index(), expected)
	f.logger.Info("gaps detected", "count", len(missing), "rows", len(source))

	if len(missing) == 0 {
		// No-op repair: still emit a canonicalized copy.
		if err := series.WriteAtomic(outPath, source); err != nil {
			return nil, err
		}
		f.logger.Info("nothing to fill, canonical copy written", "path", outPath)
		return &Outcome{Path: outPath, GapsDetected: 0}, nil
	}

	// PATCHING: sequential, ascending, one fetch per contiguous range.
	ranges := grid.GroupContiguous(missing, step)
	f.logger.Info("contiguous gap ranges", "count", len(ranges))

	patchDir := filepath.Join(outDir, "patches")
	var patches []models.Candle
	filled := 0
	for i, r := range ranges {
		f.logger.Info("patching range",
			"range", fmt.Sprintf("%d/%d", i+1, len(ranges)),
			"start", r.Start.Format(time.RFC3339),
			"end", r.End.Format(time.RFC3339),
			"margin", margin.String())

		result, err := f.downloader.Download(ctx, fetch.Config{
			Symbol:        opts.Symbol,
			Timeframe:     opts.Timeframe,
			Since:         r.Start.Add(-margin),
			Until:         r.End.Add(margin),
			OutDir:        patchDir,
			ReloadMarkets: opts.ReloadMarkets,
		})
		if err != nil {
			return nil, fmt.Errorf("patch fetch for %s: %w", r.Start.Format(time.RFC3339), err)
		}
		if len(result.Series) == 0 {
			f.logger.Warn("patch is empty, skipping", "path", result.Path)
			continue
		}

		patches = append(patches, result.Series...)
		filled++
	}

	if filled == 0 {
		f.logger.Warn("no usable patches produced, re-emitting original")
		if err := series.WriteAtomic(outPath, source); err != nil {
			return nil, err
		}
		return &Outcome{Path: outPath, GapsDetected: len(missing), Remaining: len(missing)}, nil
	}

	// MERGED: existing rows win on collision per keep-last ordering.
	merged := series.Normalize(append(patches, source...))

	// REVALIDATED: residual gaps are a warning, never an abort.
	newMin, newMax, _ := merged.Bounds()
	remaining := len(grid.FindGaps(merged.Index(), grid.ExpectedGrid(newMin, newMax, step)))
	if remaining > 0 {
		f.logger.Warn("gaps remain after patching, consider a wider margin", "remaining", remaining)
	}

	// DONE
	if err := series.WriteAtomic(outPath, merged); err != nil {
		return nil, err
	}
	f.logger.Info("filled dataset written", "path", outPath, "rows", len(merged), "remaining_gaps", remaining)

	return &Outcome{
		Path:         outPath,
		GapsDetected: len(missing),
		RangesFilled: filled,
		Remaining:    remaining,
	}, nil
}
