package series

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridkeeper/internal/models"
)

func TestParseDatetime(t *testing.T) {
	want := time.Date(2025, 8, 1, 10, 15, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339 zulu", "2025-08-01T10:15:00Z", want},
		{"rfc3339 offset", "2025-08-01T12:15:00+02:00", want},
		{"space separated offset", "2025-08-01 12:15:00+02:00", want},
		{"naive T separated", "2025-08-01T10:15:00", want},
		{"naive space separated", "2025-08-01 10:15:00", want},
		{"date only", "2025-08-01", time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)},
		{"surrounding whitespace", "  2025-08-01T10:15:00Z  ", want},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDatetime(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := ParseDatetime("01/08/2025")
	assert.Error(t, err)
}

func TestWriteAtomicReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")

	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	s := Normalize([]models.Candle{
		{Timestamp: base, Open: 1.5, High: 2.25, Low: 1.25, Close: 2, Volume: 100},
		{Timestamp: base.Add(15 * time.Minute), Open: 2, High: 3, Low: 1.75, Close: 2.5, Volume: 50.5},
	})

	require.NoError(t, WriteAtomic(path, s))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must not survive a successful write")

	rows, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []models.Candle(s), rows)
}

func TestReadMissingColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("datetime,open,high,low,close\n2025-08-01T00:00:00Z,1,2,0.5,1.5\n"), 0o644))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestReadNoTemporalColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("open,high,low,close,volume\n1,2,0.5,1.5,10\n"), 0o644))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestReadUnparseableValuesBecomeNaN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nan.csv")
	content := "datetime,open,high,low,close,volume\n" +
		"2025-08-01T00:00:00Z,1,2,0.5,oops,10\n" +
		"2025-08-01T00:15:00Z,1,2,0.5,,10\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rows, err := Read(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, math.IsNaN(rows[0].Close))
	assert.True(t, math.IsNaN(rows[1].Close))
	assert.Equal(t, 10.0, rows[0].Volume, "surrounding cells are unaffected")
}

func TestReadAcceptsEpochTimestampHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw.csv")
	ts := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	content := "timestamp,open,high,low,close,volume\n" +
		"1754006400000,1,2,0.5,1.5,10\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rows, err := Read(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ts, rows[0].Timestamp)
}

func TestReadRaggedRowReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ragged.csv")
	// Temporal column last, then a row too short to reach it.
	content := "open,high,low,close,volume,datetime\n" +
		"1,2,0.5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Read(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadStagingRaggedRowReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ragged.raw.csv")
	content := "open,high,low,close,volume,timestamp\n" +
		"1,2,0.5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := ReadStaging(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestStagingAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage.raw.csv")

	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	first := []models.Candle{
		{Timestamp: base, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}
	second := []models.Candle{
		{Timestamp: base.Add(15 * time.Minute), Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 20},
		{Timestamp: base.Add(30 * time.Minute), Open: 2, High: 3, Low: 1.5, Close: 2.5, Volume: 30},
	}

	sw := NewStagingWriter(path, false)
	require.NoError(t, sw.Append(first))
	require.NoError(t, sw.Append(second))
	require.NoError(t, sw.Append(nil), "empty flush is a no-op")

	rows, err := ReadStaging(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, base, rows[0].Timestamp)
	assert.Equal(t, 2.5, rows[2].Close)
}

func TestStagingResumeDoesNotRepeatHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage.raw.csv")

	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	sw := NewStagingWriter(path, false)
	require.NoError(t, sw.Append([]models.Candle{
		{Timestamp: base, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}))

	// A fresh writer over the same non-empty file, as after an interruption.
	resumed := NewStagingWriter(path, true)
	require.NoError(t, resumed.Append([]models.Candle{
		{Timestamp: base.Add(15 * time.Minute), Open: 1, High: 2, Low: 0.5, Close: 1.6, Volume: 12},
	}))

	rows, err := ReadStaging(path)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
