package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"

	"gridkeeper/internal/models"
)

const (
	// Binance allows up to 1200 request weight per minute; pacing well below
	// that keeps a long backfill from ever tripping -1003.
	requestsPerSecond = 10
	requestBurst      = 1

	defaultTimeout = 20 * time.Second
)

// binanceTransientCodes are Binance API error codes worth retrying: unknown
// internal error, disconnect, rate limit, and request timeout.
var binanceTransientCodes = map[int64]bool{
	-1000: true,
	-1001: true,
	-1003: true,
	-1007: true,
}

// binanceAuthCodes are credential failures: rejected or malformed API key.
var binanceAuthCodes = map[int64]bool{
	-2014: true,
	-2015: true,
}

// BinanceAdapter implements Adapter against the Binance spot REST API.
// Data fetching always targets the live endpoints; sandbox mode is only
// negotiated when explicitly requested (connectivity checks).
type BinanceAdapter struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.RWMutex
	catalog map[string]string // "BASE/QUOTE" -> exchange symbol ("BASEQUOTE")
	symbols []string
}

// BinanceConfig configures the Binance adapter.
type BinanceConfig struct {
	APIKey          string
	APISecret       string
	Timeout         time.Duration
	EnableRateLimit bool
	Sandbox         bool
	Logger          *slog.Logger
}

// NewBinanceAdapter builds a Binance spot adapter. The sandbox toggle is a
// capability negotiation: its outcome is returned and logged, never ignored.
func NewBinanceAdapter(cfg BinanceConfig) (*BinanceAdapter, SandboxOutcome) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "binance_adapter")

	outcome := negotiateSandbox(cfg.Sandbox)
	logger.Info("sandbox capability negotiated",
		"requested", outcome.Requested,
		"applied", outcome.Applied,
		"reason", outcome.Reason,
	)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	client.HTTPClient = &http.Client{Timeout: timeout}

	limiter := rate.NewLimiter(rate.Inf, requestBurst)
	if cfg.EnableRateLimit {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst)
	}

	return &BinanceAdapter{
		client:  client,
		limiter: limiter,
		logger:  logger,
	}, outcome
}

// negotiateSandbox applies the testnet toggle the client library supports.
func negotiateSandbox(requested bool) SandboxOutcome {
	binance.UseTestnet = requested
	if requested {
		return SandboxOutcome{Requested: true, Applied: true, Reason: "spot testnet endpoints enabled"}
	}
	return SandboxOutcome{Requested: false, Applied: true, Reason: "live endpoints"}
}

// LoadCatalog fetches the exchange info and rebuilds the symbol catalog.
// With force false a previously loaded catalog is reused.
func (b *BinanceAdapter) LoadCatalog(ctx context.Context, force bool) error {
	b.mu.RLock()
	loaded := b.catalog != nil
	b.mu.RUnlock()
	if loaded && !force {
		return nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return b.classify(err)
	}

	catalog := make(map[string]string, len(info.Symbols))
	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		pair := s.BaseAsset + "/" + s.QuoteAsset
		catalog[pair] = s.Symbol
		symbols = append(symbols, pair)
	}
	sort.Strings(symbols)

	b.mu.Lock()
	b.catalog = catalog
	b.symbols = symbols
	b.mu.Unlock()

	b.logger.Info("symbol catalog loaded", "symbols", len(symbols))
	return nil
}

// Symbols returns the catalog as sorted "BASE/QUOTE" pairs.
func (b *BinanceAdapter) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.symbols))
	copy(out, b.symbols)
	return out
}

// HasSymbol reports whether the "BASE/QUOTE" symbol is in the catalog.
func (b *BinanceAdapter) HasSymbol(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.catalog[symbol]
	return ok
}

// FetchPage fetches one page of klines starting at sinceMS.
func (b *BinanceAdapter) FetchPage(ctx context.Context, symbol, timeframe string, sinceMS int64, limit int) ([]models.Candle, error) {
	b.mu.RLock()
	exchangeSymbol, ok := b.catalog[symbol]
	b.mu.RUnlock()
	if !ok {
		return nil, Fatal(fmt.Errorf("symbol %s not in catalog", symbol))
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	klines, err := b.client.NewKlinesService().
		Symbol(exchangeSymbol).
		Interval(timeframe).
		StartTime(sinceMS).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, b.classify(err)
	}

	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := convertKline(k)
		if err != nil {
			return nil, Fatal(fmt.Errorf("kline at %d: %w", k.OpenTime, err))
		}
		out = append(out, candle)
	}
	return out, nil
}

// ServerTime returns the exchange server clock in epoch milliseconds.
// Used by the connectivity check to report clock drift.
func (b *BinanceAdapter) ServerTime(ctx context.Context) (int64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return 0, b.classify(err)
	}
	return ms, nil
}

// classify maps client errors onto the transient/fatal taxonomy. Context
// cancellation passes through unwrapped so callers can distinguish it from
// failure.
func (b *BinanceAdapter) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case binanceTransientCodes[apiErr.Code]:
			return Transient(err)
		case binanceAuthCodes[apiErr.Code]:
			return Auth(err)
		default:
			return Fatal(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}

	// The REST client wraps transport failures in plain errors; treat any
	// non-API failure as network-shaped and retryable.
	return Transient(err)
}

func convertKline(k *binance.Kline) (models.Candle, error) {
	c := models.Candle{Timestamp: time.UnixMilli(k.OpenTime).UTC()}

	var err error
	if c.Open, err = models.ParsePrice(k.Open); err != nil {
		return c, fmt.Errorf("open: %w", err)
	}
	if c.High, err = models.ParsePrice(k.High); err != nil {
		return c, fmt.Errorf("high: %w", err)
	}
	if c.Low, err = models.ParsePrice(k.Low); err != nil {
		return c, fmt.Errorf("low: %w", err)
	}
	if c.Close, err = models.ParsePrice(k.Close); err != nil {
		return c, fmt.Errorf("close: %w", err)
	}
	if c.Volume, err = models.ParsePrice(k.Volume); err != nil {
		return c, fmt.Errorf("volume: %w", err)
	}
	return c, nil
}
