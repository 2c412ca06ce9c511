package series

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gridkeeper/internal/models"
)

// ErrMissingColumn indicates that a persisted series has no derivable
// temporal column or lacks one of the required value columns.
var ErrMissingColumn = errors.New("missing required column")

// canonical header of the final CSV format.
var canonicalHeader = []string{"datetime", "open", "high", "low", "close", "volume"}

// staging header keys rows by raw epoch-millisecond timestamp instead.
var stagingHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// timeLayouts are the accepted datetime spellings, tried in order. Naive
// forms (no offset) are interpreted as UTC; offset-bearing forms are
// converted to UTC.
var timeLayouts = []struct {
	layout string
	naive  bool
}{
	{time.RFC3339, false},
	{"2006-01-02T15:04:05.999999999-07:00", false},
	{"2006-01-02 15:04:05-07:00", false},
	{"2006-01-02 15:04:05.999999999-07:00", false},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02", true},
}

// ParseDatetime parses one datetime cell, normalizing the result to UTC.
func ParseDatetime(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	for _, l := range timeLayouts {
		t, err := time.Parse(l.layout, v)
		if err != nil {
			continue
		}
		if l.naive {
			// Reinterpret the wall clock as UTC rather than shifting it.
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", s)
}

// Read loads a canonical-format CSV as raw rows: timestamps normalized to
// UTC but no sorting, deduplication, or sanity checking. Unparseable value
// cells become NaN so the validator can count them instead of losing rows.
func Read(path string) ([]models.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}

	cols, err := mapColumns(header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var rows []models.Candle
	for line := 2; ; line++ {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading %s line %d: %w", path, line, err)
		}
		if cols.datetime >= len(record) {
			return nil, fmt.Errorf("%s line %d: row has %d field(s), temporal column missing", path, line, len(record))
		}

		var ts time.Time
		if cols.epochMillis {
			ms, perr := strconv.ParseInt(strings.TrimSpace(record[cols.datetime]), 10, 64)
			if perr != nil {
				return nil, fmt.Errorf("%s line %d: bad timestamp: %w", path, line, perr)
			}
			ts = time.UnixMilli(ms).UTC()
		} else {
			ts, err = ParseDatetime(record[cols.datetime])
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, line, err)
			}
		}

		c := models.Candle{Timestamp: ts}
		c.Open = parseValue(record, cols.values[0])
		c.High = parseValue(record, cols.values[1])
		c.Low = parseValue(record, cols.values[2])
		c.Close = parseValue(record, cols.values[3])
		c.Volume = parseValue(record, cols.values[4])
		rows = append(rows, c)
	}
	return rows, nil
}

type columnMap struct {
	datetime    int
	epochMillis bool
	values      [5]int
}

// mapColumns resolves header names to positions. A "timestamp" column (epoch
// ms) can substitute for "datetime"; rows are then keyed by the derived
// datetime, mirroring the staging-to-final promotion.
func mapColumns(header []string) (columnMap, error) {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[strings.ToLower(strings.TrimSpace(name))] = i
	}

	cm := columnMap{datetime: -1}
	if i, ok := pos["datetime"]; ok {
		cm.datetime = i
	} else if i, ok := pos["timestamp"]; ok {
		cm.datetime = i
		cm.epochMillis = true
	} else {
		return cm, fmt.Errorf("%w: no datetime or timestamp column", ErrMissingColumn)
	}

	for i, name := range Columns {
		idx, ok := pos[name]
		if !ok {
			return cm, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		cm.values[i] = idx
	}
	return cm, nil
}

func parseValue(record []string, idx int) float64 {
	if idx >= len(record) {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// WriteAtomic persists a canonical series to path without ever exposing a
// half-written file: the series is written to a sibling temporary file which
// is then renamed over the destination.
func WriteAtomic(path string, s Series) error {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(canonicalHeader); err != nil {
		f.Close()
		return err
	}
	for _, c := range s {
		record := []string{
			c.Timestamp.UTC().Format(time.RFC3339),
			formatValue(c.Open),
			formatValue(c.High),
			formatValue(c.Low),
			formatValue(c.Close),
			formatValue(c.Volume),
		}
		if err := w.Write(record); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// StagingWriter appends raw rows to the durable staging store. The store
// survives interruption: a later run reads it back, folds it into the final
// output, and deletes it only on success.
type StagingWriter struct {
	path        string
	wroteHeader bool
}

// NewStagingWriter prepares an append-mode writer for path. headerPresent
// should be true when resuming an existing non-empty staging file.
func NewStagingWriter(path string, headerPresent bool) *StagingWriter {
	return &StagingWriter{path: path, wroteHeader: headerPresent}
}

// Append flushes rows to the staging file in one append-mode open/write/close
// cycle so partial progress is durable the moment the call returns.
func (sw *StagingWriter) Append(rows []models.Candle) error {
	if len(rows) == 0 {
		return nil
	}

	f, err := os.OpenFile(sw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !sw.wroteHeader {
		if err := w.Write(stagingHeader); err != nil {
			return err
		}
	}
	for _, c := range rows {
		record := []string{
			strconv.FormatInt(c.Timestamp.UnixMilli(), 10),
			formatValue(c.Open),
			formatValue(c.High),
			formatValue(c.Low),
			formatValue(c.Close),
			formatValue(c.Volume),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	sw.wroteHeader = true
	return nil
}

// ReadStaging loads the raw staging store back as rows, deriving datetimes
// from the epoch-millisecond timestamp column. Duplicates and gaps are
// expected mid-run and preserved; Normalize resolves them.
func ReadStaging(path string) ([]models.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading staging header of %s: %w", path, err)
	}

	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[strings.ToLower(strings.TrimSpace(name))] = i
	}
	tsIdx, ok := pos["timestamp"]
	if !ok {
		return nil, fmt.Errorf("staging store %s: %w: timestamp", path, ErrMissingColumn)
	}
	var cols [5]int
	for i, name := range Columns {
		idx, ok := pos[name]
		if !ok {
			return nil, fmt.Errorf("staging store %s: %w: %s", path, ErrMissingColumn, name)
		}
		cols[i] = idx
	}

	var rows []models.Candle
	for line := 2; ; line++ {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading %s line %d: %w", path, line, err)
		}
		if tsIdx >= len(record) {
			return nil, fmt.Errorf("%s line %d: row has %d field(s), timestamp column missing", path, line, len(record))
		}

		ms, err := strconv.ParseInt(strings.TrimSpace(record[tsIdx]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad timestamp: %w", path, line, err)
		}

		rows = append(rows, models.Candle{
			Timestamp: time.UnixMilli(ms).UTC(),
			Open:      parseValue(record, cols[0]),
			High:      parseValue(record, cols[1]),
			Low:       parseValue(record, cols[2]),
			Close:     parseValue(record, cols[3]),
			Volume:    parseValue(record, cols[4]),
		})
	}
	return rows, nil
}
