// Package series implements the canonical candle-series representation and
// its on-disk formats: the normalizer shared by the fetch and file-loading
// paths, the final datetime-indexed CSV, and the append-only raw staging
// store used during downloads.
package series

import (
	"sort"
	"time"

	"gridkeeper/internal/models"
)

// Columns is the canonical value-column order for every persisted series.
var Columns = [5]string{"open", "high", "low", "close", "volume"}

// Series is a canonical candle series: UTC timestamps, strictly increasing,
// grid-referenced. Only Normalize produces values of this type.
type Series []models.Candle

// Normalize converts raw rows into the canonical form: timestamps forced to
// UTC, duplicates collapsed keeping the last occurrence, sorted ascending.
// Normalization is idempotent: applying it to an already-canonical series
// returns an identical one.
func Normalize(rows []models.Candle) Series {
	byTS := make(map[int64]models.Candle, len(rows))
	order := make([]int64, 0, len(rows))
	for _, row := range rows {
		ms := row.Timestamp.UnixMilli()
		if _, seen := byTS[ms]; !seen {
			order = append(order, ms)
		}
		row.Timestamp = row.Timestamp.UTC()
		byTS[ms] = row // last occurrence wins
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make(Series, 0, len(order))
	for _, ms := range order {
		out = append(out, byTS[ms])
	}
	return out
}

// Index returns the timestamps of the series in order.
func (s Series) Index() []time.Time {
	idx := make([]time.Time, len(s))
	for i, c := range s {
		idx[i] = c.Timestamp
	}
	return idx
}

// Bounds returns the minimum and maximum timestamps. ok is false for an
// empty series.
func (s Series) Bounds() (min, max time.Time, ok bool) {
	if len(s) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s[0].Timestamp, s[len(s)-1].Timestamp, true
}

// CheckSanity validates the OHLC/volume invariant over the whole series and
// returns the first violation found.
func (s Series) CheckSanity() error {
	for _, c := range s {
		if err := c.CheckSanity(); err != nil {
			return err
		}
	}
	return nil
}

// SortRows orders rows ascending by timestamp without deduplicating, and
// forces timestamps to UTC. Validation uses this instead of Normalize so
// duplicate timestamps stay visible in the index.
func SortRows(rows []models.Candle) []models.Candle {
	out := make([]models.Candle, len(rows))
	for i, row := range rows {
		row.Timestamp = row.Timestamp.UTC()
		out[i] = row
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
