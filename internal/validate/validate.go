// Package validate checks a persisted candle series against the grid
// contract (completeness, duplicates, column types, OHLC sanity) and
// produces a diagnostic manifest. Validation never mutates its input and
// never deduplicates: duplicates are surfaced, not hidden.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"gridkeeper/internal/grid"
	"gridkeeper/internal/models"
	"gridkeeper/internal/series"
)

// SchemaVersion tags the manifest layout for downstream consumers.
const SchemaVersion = "1"

// maxOffGridExamples bounds the offending-timestamp sample reported in
// strict-grid mode.
const maxOffGridExamples = 5

// ErrContractViolation indicates missing or non-numeric columns, off-grid
// timestamps in strict mode, or a failed OHLC-sanity check. The manifest is
// still produced alongside it for diagnosis.
var ErrContractViolation = errors.New("contract violation")

// Config selects which checks run beyond the always-on grid check.
type Config struct {
	Freq            string
	StrictGrid      bool
	SanityOHLC      bool
	StrictOpenClose bool // escalate open/close-outside-[low,high] to a failure
}

// FileInfo identifies the validated file by content.
type FileInfo struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// IndexSummary describes the time index against the expected grid.
type IndexSummary struct {
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	Freq            string     `json:"freq"`
	Expected        int        `json:"expected"`
	Present         int        `json:"present"`
	Unique          int        `json:"unique"`
	Duplicated      int        `json:"duplicated"`
	Missing         int        `json:"missing"`
	CompletenessPct float64    `json:"completeness_pct"`
	FirstGap        *time.Time `json:"first_gap,omitempty"`
	LastGap         *time.Time `json:"last_gap,omitempty"`
}

// ColumnCheck records presence and numeric-ness of one value column.
type ColumnCheck struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
	Numeric bool   `json:"numeric"`
}

// SanitySummary aggregates the OHLC/volume coherence breakdown. The check
// passes iff negatives, low-above-high, and missing-value counts are all
// zero; open/close outside [low, high] is reported but does not fail the
// check unless strict open/close mode is on.
type SanitySummary struct {
	Negatives         int  `json:"negatives"`
	LowAboveHigh      int  `json:"low_above_high"`
	OpenOutsideRange  int  `json:"open_outside_range"`
	CloseOutsideRange int  `json:"close_outside_range"`
	MissingValues     int  `json:"missing_values"`
	Passed            bool `json:"passed"`
}

// Manifest is the structured validation report. It is produced even when the
// run fails, so callers always get the full picture.
type Manifest struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	File          FileInfo       `json:"file"`
	Index         IndexSummary   `json:"index"`
	Columns       []ColumnCheck  `json:"columns"`
	Sanity        *SanitySummary `json:"sanity,omitempty"`
	OffGrid       []time.Time    `json:"off_grid_examples,omitempty"`
	Passed        bool           `json:"passed"`
}

// Check validates the series at path. The returned manifest is non-nil
// whenever the file could be read; the error is ErrContractViolation for
// column, strict-grid, or sanity failures. Duplicate and gap findings are
// reported through the manifest alone; Passed carries the verdict.
func Check(path string, cfg Config, logger *slog.Logger) (*Manifest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "validator", "path", path)

	step, err := grid.TimeframeDuration(cfg.Freq)
	if err != nil {
		return nil, err
	}

	rows, err := series.Read(path)
	if err != nil {
		if errors.Is(err, series.ErrMissingColumn) {
			return nil, fmt.Errorf("%w: %v", ErrContractViolation, err)
		}
		return nil, err
	}

	fileInfo, err := hashFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		File:          fileInfo,
	}

	// Sort ascending, keep duplicates.
	sorted := series.SortRows(rows)
	m.Columns = checkColumns(sorted)

	var violation error
	for _, col := range m.Columns {
		if !col.Numeric {
			violation = fmt.Errorf("%w: column %s is not numeric", ErrContractViolation, col.Name)
			break
		}
	}

	m.Index = summarizeIndex(sorted, cfg.Freq, step)
	if m.Index.Missing > 0 {
		logger.Warn("gaps detected",
			"missing", m.Index.Missing,
			"first_gap", m.Index.FirstGap,
			"last_gap", m.Index.LastGap)
	}

	if cfg.StrictGrid && len(sorted) > 0 {
		m.OffGrid = offGridExamples(sorted, step)
		if len(m.OffGrid) > 0 && violation == nil {
			violation = fmt.Errorf("%w: %d off-grid timestamp(s), e.g. %s",
				ErrContractViolation, len(m.OffGrid), m.OffGrid[0].Format(time.RFC3339))
		}
	}

	if cfg.SanityOHLC {
		sanity := summarizeSanity(sorted, cfg.StrictOpenClose)
		m.Sanity = &sanity
		if !sanity.Passed && violation == nil {
			violation = fmt.Errorf("%w: ohlc sanity failed (negatives=%d low>high=%d missing=%d)",
				ErrContractViolation, sanity.Negatives, sanity.LowAboveHigh, sanity.MissingValues)
		}
	}

	m.Passed = violation == nil &&
		m.Index.Duplicated == 0 &&
		m.Index.Missing == 0 &&
		(m.Sanity == nil || m.Sanity.Passed)

	if m.Passed {
		logger.Info("dataset clean",
			"present", m.Index.Present,
			"expected", m.Index.Expected,
			"completeness_pct", m.Index.CompletenessPct)
	}

	return m, violation
}

func hashFile(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileInfo{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return FileInfo{
		Path:      path,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		SizeBytes: n,
	}, nil
}

// checkColumns reports per-column presence and numeric-ness. The loader
// guarantees structural presence; a column whose every value failed float
// coercion is flagged non-numeric.
func checkColumns(rows []models.Candle) []ColumnCheck {
	checks := make([]ColumnCheck, len(series.Columns))
	for i, name := range series.Columns {
		checks[i] = ColumnCheck{Name: name, Present: true, Numeric: true}
	}
	if len(rows) == 0 {
		return checks
	}

	allNaN := [5]bool{true, true, true, true, true}
	for _, row := range rows {
		for i, v := range row.Values() {
			if !math.IsNaN(v) {
				allNaN[i] = false
			}
		}
	}
	for i := range checks {
		checks[i].Numeric = !allNaN[i]
	}
	return checks
}

func summarizeIndex(sorted []models.Candle, freq string, step time.Duration) IndexSummary {
	s := IndexSummary{Freq: freq, Present: len(sorted)}
	if len(sorted) == 0 {
		return s
	}

	s.Start = sorted[0].Timestamp
	s.End = sorted[len(sorted)-1].Timestamp

	index := make([]time.Time, len(sorted))
	seen := make(map[int64]int, len(sorted))
	for i, c := range sorted {
		index[i] = c.Timestamp
		seen[c.Timestamp.UnixMilli()]++
	}
	s.Unique = len(seen)
	s.Duplicated = s.Present - s.Unique

	expected := grid.ExpectedGrid(s.Start, s.End, step)
	s.Expected = len(expected)
	missing := grid.FindGaps(index, expected)
	s.Missing = len(missing)
	if len(missing) > 0 {
		first, last := missing[0], missing[len(missing)-1]
		s.FirstGap, s.LastGap = &first, &last
	}
	if s.Expected > 0 {
		s.CompletenessPct = 100 * float64(s.Unique) / float64(s.Expected)
	}
	return s
}

// offGridExamples returns up to maxOffGridExamples timestamps that are not
// members of the expected grid anchored at the series start.
func offGridExamples(sorted []models.Candle, step time.Duration) []time.Time {
	anchor := sorted[0].Timestamp.UnixMilli()
	stepMS := step.Milliseconds()

	var examples []time.Time
	for _, c := range sorted {
		if (c.Timestamp.UnixMilli()-anchor)%stepMS != 0 {
			examples = append(examples, c.Timestamp)
			if len(examples) == maxOffGridExamples {
				break
			}
		}
	}
	return examples
}

func summarizeSanity(rows []models.Candle, strictOpenClose bool) SanitySummary {
	var s SanitySummary
	for _, c := range rows {
		if c.HasMissingValues() {
			s.MissingValues++
			continue
		}
		for _, v := range c.Values() {
			if v < 0 {
				s.Negatives++
				break
			}
		}
		if c.Low > c.High {
			s.LowAboveHigh++
		}
		if c.Open < c.Low || c.Open > c.High {
			s.OpenOutsideRange++
		}
		if c.Close < c.Low || c.Close > c.High {
			s.CloseOutsideRange++
		}
	}

	s.Passed = s.Negatives == 0 && s.LowAboveHigh == 0 && s.MissingValues == 0
	if strictOpenClose {
		s.Passed = s.Passed && s.OpenOutsideRange == 0 && s.CloseOutsideRange == 0
	}
	return s
}
