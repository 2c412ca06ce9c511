// Package models provides the core data structures for grid-aligned OHLCV
// market data: individual candles and the invariants they must satisfy.
package models

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one fixed-interval time
// bucket. Timestamp is the start of the bucket in UTC.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// SanityError reports an OHLC/volume invariant violation for a single candle.
type SanityError struct {
	Timestamp time.Time
	Field     string
	Message   string
}

// Error implements the error interface for SanityError.
func (e *SanityError) Error() string {
	return fmt.Sprintf("ohlc sanity violation at %s: field %s: %s",
		e.Timestamp.UTC().Format(time.RFC3339), e.Field, e.Message)
}

// Values returns the five numeric fields in canonical column order
// (open, high, low, close, volume).
func (c Candle) Values() [5]float64 {
	return [5]float64{c.Open, c.High, c.Low, c.Close, c.Volume}
}

// HasMissingValues reports whether any numeric field is NaN. Coercion keeps
// unparseable inputs as NaN instead of dropping rows, so downstream checks
// can count them.
func (c Candle) HasMissingValues() bool {
	for _, v := range c.Values() {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// CheckSanity validates the minimal OHLC/volume coherence rules:
//
//	low  <= min(open, close, high)
//	high >= max(open, close, low)
//	volume >= 0
//
// and that all fields are finite. Returns a SanityError describing the first
// violated rule, or nil when the candle is coherent.
func (c Candle) CheckSanity() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}, {"volume", c.Volume},
	} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return &SanityError{Timestamp: c.Timestamp, Field: f.name, Message: "value is not finite"}
		}
	}

	if c.Volume < 0 {
		return &SanityError{Timestamp: c.Timestamp, Field: "volume",
			Message: fmt.Sprintf("volume %g must be >= 0", c.Volume)}
	}
	if c.Low > math.Min(c.Open, math.Min(c.Close, c.High)) {
		return &SanityError{Timestamp: c.Timestamp, Field: "low",
			Message: fmt.Sprintf("low %g above min(open, close, high)", c.Low)}
	}
	if c.High < math.Max(c.Open, math.Max(c.Close, c.Low)) {
		return &SanityError{Timestamp: c.Timestamp, Field: "high",
			Message: fmt.Sprintf("high %g below max(open, close, low)", c.High)}
	}

	return nil
}

// ParsePrice converts an exchange-provided decimal string into a float64,
// validating the textual form exactly before conversion. Exchanges ship
// prices as strings; going through decimal catches malformed values that
// strconv would mask (empty exponents, stray characters after a valid
// prefix are rejected either way, but decimal also preserves full precision
// for the validity check).
func ParsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}
