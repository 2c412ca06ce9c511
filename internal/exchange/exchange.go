// Package exchange defines the exchange adapter capability consumed by the
// fetch engine, and its Binance spot implementation.
//
// The adapter surface is deliberately narrow: load the symbol catalog, test
// symbol existence, and fetch one bounded page of candles since a timestamp.
// Everything else (pagination, retry, integrity) belongs to the fetch engine.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"gridkeeper/internal/models"
)

// Adapter is the exchange capability the fetch engine paginates through.
type Adapter interface {
	// LoadCatalog loads (or reloads, when force is true) the symbol catalog.
	LoadCatalog(ctx context.Context, force bool) error

	// Symbols returns the catalog as "BASE/QUOTE" pairs, sorted.
	Symbols() []string

	// HasSymbol reports whether a "BASE/QUOTE" symbol exists in the catalog.
	HasSymbol(symbol string) bool

	// FetchPage returns at most limit candles at the given timeframe,
	// starting at sinceMS (epoch milliseconds, inclusive). An empty page is
	// a valid response meaning the exchange has no data at that cursor.
	FetchPage(ctx context.Context, symbol, timeframe string, sinceMS int64, limit int) ([]models.Candle, error)
}

// FaultKind classifies adapter failures for the retry policy.
type FaultKind string

const (
	// FaultTransient covers network faults, timeouts and exchange-side
	// errors that a retry may resolve.
	FaultTransient FaultKind = "transient"
	// FaultFatal covers failures that retrying cannot fix (bad symbol,
	// malformed request).
	FaultFatal FaultKind = "fatal"
	// FaultAuth covers credential failures. Never retried, reported
	// separately so callers can point at the key instead of the network.
	FaultAuth FaultKind = "auth"
)

// Fault wraps an adapter error with its retry classification.
type Fault struct {
	Kind FaultKind
	Err  error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("exchange fault (%s): %v", f.Kind, f.Err)
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error { return f.Err }

// Transient wraps err as a retryable fault.
func Transient(err error) error { return &Fault{Kind: FaultTransient, Err: err} }

// Fatal wraps err as a non-retryable fault.
func Fatal(err error) error { return &Fault{Kind: FaultFatal, Err: err} }

// Auth wraps err as a credential fault.
func Auth(err error) error { return &Fault{Kind: FaultAuth, Err: err} }

// IsTransient reports whether err carries a transient classification.
// Unclassified errors are treated as fatal so unknown failure modes never
// loop silently.
func IsTransient(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == FaultTransient
	}
	return false
}

// IsAuth reports whether err carries a credential-failure classification.
func IsAuth(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == FaultAuth
	}
	return false
}

// SandboxOutcome records the result of the explicit sandbox capability
// negotiation performed at adapter construction. Toggling sandbox mode is
// best-effort on some client libraries; the outcome is surfaced and logged
// instead of being swallowed.
type SandboxOutcome struct {
	Requested bool
	Applied   bool
	Reason    string
}
