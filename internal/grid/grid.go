// Package grid defines the fixed-interval UTC time grid that every candle
// series is measured against: timeframe parsing, epoch-anchored alignment,
// expected-grid generation, gap detection and contiguous-gap grouping.
//
// All functions are pure. Timestamps are treated at millisecond precision,
// anchored to the Unix epoch, which matches how exchanges bucket candles.
package grid

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimeframe indicates a timeframe token that cannot be parsed or
// yields a non-positive duration.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// Range is a maximal contiguous run of missing grid timestamps, inclusive on
// both ends. A single missing slot has Start == End.
type Range struct {
	Start time.Time
	End   time.Time
}

// TimeframeDuration parses a human timeframe token ("1m", "15m", "1h", "4h",
// "1d", "1w") into its duration. Pandas-style minute tokens ("15min", "15T")
// are accepted for compatibility with datasets produced by older tooling.
func TimeframeDuration(tf string) (time.Duration, error) {
	s := strings.TrimSpace(tf)
	if s == "" {
		return 0, fmt.Errorf("%w: empty token", ErrInvalidTimeframe)
	}

	// Legacy pandas offsets: "15min" and "15T" both mean minutes.
	if v, ok := strings.CutSuffix(s, "min"); ok {
		s = v + "m"
	} else if strings.HasSuffix(s, "T") || strings.HasSuffix(s, "t") {
		s = s[:len(s)-1] + "m"
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}

	value, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}

	var unit time.Duration
	switch s[len(s)-1:] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: unsupported unit in %q", ErrInvalidTimeframe, tf)
	}

	d := time.Duration(value) * unit
	if d <= 0 {
		return 0, fmt.Errorf("%w: non-positive duration %q", ErrInvalidTimeframe, tf)
	}
	return d, nil
}

// Aligned reports whether t lies exactly on the step grid anchored at epoch.
func Aligned(t time.Time, step time.Duration) bool {
	return t.UnixMilli()%step.Milliseconds() == 0
}

// gridRemainder returns the non-negative offset of ms from the grid slot at
// or below it. Go's % preserves the dividend's sign, so pre-epoch timestamps
// need the correction.
func gridRemainder(ms, stepMS int64) int64 {
	rem := ms % stepMS
	if rem < 0 {
		rem += stepMS
	}
	return rem
}

// AlignUp rounds t up to the nearest grid slot. Already-aligned timestamps
// are returned unchanged. Used for range starts so a partial leading bucket
// is never requested.
func AlignUp(t time.Time, step time.Duration) time.Time {
	ms := t.UnixMilli()
	stepMS := step.Milliseconds()
	if rem := gridRemainder(ms, stepMS); rem != 0 {
		ms += stepMS - rem
	}
	return time.UnixMilli(ms).UTC()
}

// AlignDown rounds t down to the nearest grid slot. Already-aligned
// timestamps are returned unchanged. Used for range ends.
func AlignDown(t time.Time, step time.Duration) time.Time {
	ms := t.UnixMilli()
	stepMS := step.Milliseconds()
	ms -= gridRemainder(ms, stepMS)
	return time.UnixMilli(ms).UTC()
}

// ExpectedGrid returns every aligned timestamp in [min, max] inclusive,
// stepped by step. Empty when min is after max. min and max are assumed to
// be grid members already (callers align or derive them from series bounds).
func ExpectedGrid(min, max time.Time, step time.Duration) []time.Time {
	if min.After(max) {
		return nil
	}
	n := int(max.Sub(min)/step) + 1
	out := make([]time.Time, 0, n)
	for t := min.UTC(); !t.After(max); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// FindGaps returns the grid timestamps that have no corresponding entry in
// index, preserving grid order. Off-grid index entries never mask a grid
// slot: membership is exact to the millisecond.
func FindGaps(index []time.Time, grid []time.Time) []time.Time {
	present := make(map[int64]struct{}, len(index))
	for _, t := range index {
		present[t.UnixMilli()] = struct{}{}
	}

	var missing []time.Time
	for _, t := range grid {
		if _, ok := present[t.UnixMilli()]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

// GroupContiguous folds an ordered sequence of missing grid timestamps into
// inclusive [start, end] ranges. Two timestamps belong to the same range iff
// they are exactly one grid step apart; any larger jump flushes the current
// run and starts a new one.
func GroupContiguous(missing []time.Time, step time.Duration) []Range {
	if len(missing) == 0 {
		return nil
	}

	sorted := make([]time.Time, len(missing))
	copy(sorted, missing)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var ranges []Range
	start, prev := sorted[0], sorted[0]
	for _, ts := range sorted[1:] {
		if ts.Sub(prev) == step {
			prev = ts
			continue
		}
		ranges = append(ranges, Range{Start: start, End: prev})
		start, prev = ts, ts
	}
	ranges = append(ranges, Range{Start: start, End: prev})
	return ranges
}
