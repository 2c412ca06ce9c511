package fill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridkeeper/internal/fetch"
	"gridkeeper/internal/models"
	"gridkeeper/internal/series"
	"gridkeeper/internal/validate"
)

var (
	fillStart = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	fillStep  = 15 * time.Minute
)

func slot(i int) time.Time { return fillStart.Add(time.Duration(i) * fillStep) }

func sourceCandle(i int) models.Candle {
	return models.Candle{Timestamp: slot(i), Open: 100, High: 105, Low: 98, Close: 103, Volume: float64(i + 1)}
}

// stubDownloader returns one grid-aligned candle per requested slot, with a
// recognizable close so tests can tell patch rows from source rows.
type stubDownloader struct {
	calls     []fetch.Config
	err       error
	empty     bool
	onlySlots map[int64]bool // when set, only these epoch-ms slots are served
}

func (d *stubDownloader) Download(ctx context.Context, cfg fetch.Config) (*fetch.Result, error) {
	d.calls = append(d.calls, cfg)
	if d.err != nil {
		return nil, d.err
	}
	if d.empty {
		return &fetch.Result{Path: "patch.csv", Series: series.Series{}}, nil
	}

	var rows []models.Candle
	for ts := cfg.Since; !ts.After(cfg.Until); ts = ts.Add(fillStep) {
		if d.onlySlots != nil && !d.onlySlots[ts.UnixMilli()] {
			continue
		}
		rows = append(rows, models.Candle{
			Timestamp: ts, Open: 200, High: 210, Low: 195, Close: 999, Volume: 1,
		})
	}
	return &fetch.Result{Path: "patch.csv", Series: series.Normalize(rows)}, nil
}

func writeSource(t *testing.T, slots []int) string {
	t.Helper()
	rows := make([]models.Candle, len(slots))
	for i, s := range slots {
		rows[i] = sourceCandle(s)
	}
	path := filepath.Join(t.TempDir(), "XRPUSDC_15m_2025-08-01_2025-08-01.csv")
	require.NoError(t, series.WriteAtomic(path, series.Normalize(rows)))
	return path
}

func testOptions(path string) Options {
	return Options{
		CSVPath:   path,
		Freq:      "15m",
		Symbol:    "XRP/USDC",
		Timeframe: "15m",
	}
}

func TestFillNoGapsWritesCanonicalCopy(t *testing.T) {
	path := writeSource(t, []int{0, 1, 2, 3})
	filler := New(&stubDownloader{}, nil)

	outcome, err := filler.Fill(context.Background(), testOptions(path))
	require.NoError(t, err)

	assert.Zero(t, outcome.GapsDetected)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "XRPUSDC_15m_2025-08-01_2025-08-01_filled.csv"), outcome.Path)

	rows, err := series.Read(outcome.Path)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestFillPatchesGaps(t *testing.T) {
	path := writeSource(t, []int{0, 1, 2, 6, 7, 8})
	stub := &stubDownloader{}
	filler := New(stub, nil)

	outcome, err := filler.Fill(context.Background(), testOptions(path))
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.GapsDetected)
	assert.Equal(t, 1, outcome.RangesFilled)
	assert.Zero(t, outcome.Remaining)

	// One contiguous range, one download, margin-expanded on both sides.
	require.Len(t, stub.calls, 1)
	assert.Equal(t, slot(3).Add(-DefaultMargin), stub.calls[0].Since)
	assert.Equal(t, slot(5).Add(DefaultMargin), stub.calls[0].Until)

	merged := readSeries(t, outcome.Path)
	idx := map[int64]models.Candle{}
	for _, c := range merged {
		idx[c.Timestamp.UnixMilli()] = c
	}
	for _, s := range []int{3, 4, 5} {
		c, ok := idx[slot(s).UnixMilli()]
		require.True(t, ok, "gap slot %d is filled", s)
		assert.Equal(t, 999.0, c.Close)
	}
}

func TestFillKeepsOriginalRowsOnCollision(t *testing.T) {
	path := writeSource(t, []int{0, 1, 2, 6, 7, 8})
	filler := New(&stubDownloader{}, nil)

	outcome, err := filler.Fill(context.Background(), testOptions(path))
	require.NoError(t, err)

	merged := readSeries(t, outcome.Path)
	idx := map[int64]models.Candle{}
	for _, c := range merged {
		idx[c.Timestamp.UnixMilli()] = c
	}
	// The margin makes the patch overlap pre-existing slots; those rows must
	// come through byte-for-byte from the source, not the patch.
	for _, s := range []int{0, 1, 2, 6, 7, 8} {
		c, ok := idx[slot(s).UnixMilli()]
		require.True(t, ok)
		assert.Equal(t, sourceCandle(s).Close, c.Close, "slot %d must keep its original values", s)
		assert.Equal(t, sourceCandle(s).Volume, c.Volume)
	}
}

func TestFillMultipleRanges(t *testing.T) {
	// Gaps at slot 2 and slots 6-7, separated by present rows.
	path := writeSource(t, []int{0, 1, 3, 4, 5, 8, 9})
	stub := &stubDownloader{}
	filler := New(stub, nil)

	outcome, err := filler.Fill(context.Background(), testOptions(path))
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.GapsDetected)
	assert.Equal(t, 2, outcome.RangesFilled)
	assert.Len(t, stub.calls, 2, "one download per contiguous range")
	assert.Zero(t, outcome.Remaining)
}

func TestFillEmptyPatchesLeaveGaps(t *testing.T) {
	path := writeSource(t, []int{0, 1, 4, 5})
	stub := &stubDownloader{empty: true}
	filler := New(stub, nil)

	outcome, err := filler.Fill(context.Background(), testOptions(path))
	require.NoError(t, err, "an unfillable gap is not an error")

	assert.Equal(t, 2, outcome.GapsDetected)
	assert.Zero(t, outcome.RangesFilled)
	assert.Equal(t, 2, outcome.Remaining)

	// The output still exists as a canonical copy of the source.
	assert.Len(t, readSeries(t, outcome.Path), 4)
}

func TestFillPartialPatchReportsRemaining(t *testing.T) {
	path := writeSource(t, []int{0, 1, 5, 6})
	stub := &stubDownloader{onlySlots: map[int64]bool{slot(2).UnixMilli(): true}}
	filler := New(stub, nil)

	outcome, err := filler.Fill(context.Background(), testOptions(path))
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.GapsDetected)
	assert.Equal(t, 1, outcome.RangesFilled)
	assert.Equal(t, 2, outcome.Remaining, "slots 3 and 4 stay missing")
}

func TestFillDownloadErrorIsFatal(t *testing.T) {
	path := writeSource(t, []int{0, 2})
	boom := errors.New("exchange down")
	filler := New(&stubDownloader{err: boom}, nil)

	_, err := filler.Fill(context.Background(), testOptions(path))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestFillRejectsEmptySource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, series.WriteAtomic(path, series.Series{}))

	filler := New(&stubDownloader{}, nil)
	_, err := filler.Fill(context.Background(), testOptions(path))
	assert.ErrorIs(t, err, validate.ErrContractViolation)
}

func TestFillRejectsBadFreq(t *testing.T) {
	filler := New(&stubDownloader{}, nil)
	opts := testOptions("whatever.csv")
	opts.Freq = "nope"
	_, err := filler.Fill(context.Background(), opts)
	require.Error(t, err)
}

func TestFillCustomSuffixAndOutDir(t *testing.T) {
	path := writeSource(t, []int{0, 1, 2})
	outDir := t.TempDir()

	filler := New(&stubDownloader{}, nil)
	opts := testOptions(path)
	opts.OutDir = outDir
	opts.Suffix = "_repaired"

	outcome, err := filler.Fill(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "XRPUSDC_15m_2025-08-01_2025-08-01_repaired.csv"), outcome.Path)
}

func readSeries(t *testing.T, path string) series.Series {
	t.Helper()
	rows, err := series.Read(path)
	require.NoError(t, err)
	return series.Normalize(rows)
}
