// Package marketdata fetches bars, option chains, and option quotes.
// One primary REST vendor serves everything; a fallback source covers
// bars when the vendor is down or thin; an optional websocket stream
// keeps contract quote ages fresh between REST snapshots. Nothing is
// cached across cycles.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/metrics"
	"github.com/tradenova/trading-core/pkg/types"
)

// BarSource serves OHLCV bars for an underlying.
type BarSource interface {
	Bars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error)
}

// ChainSource serves option chain snapshots and single-contract quotes.
type ChainSource interface {
	Chain(ctx context.Context, underlying string, expiration *time.Time) ([]types.OptionContract, error)
	Quote(ctx context.Context, optionSymbol string) (*types.Quote, error)
}

// VendorSource is the full primary-source surface.
type VendorSource interface {
	BarSource
	ChainSource
}

// QuoteCache exposes the freshest streamed quote per option symbol.
type QuoteCache interface {
	Latest(optionSymbol string) (types.Quote, bool)
}

// Config bounds the adapter's per-call deadlines.
type Config struct {
	MinBars        int
	BarsDeadline   time.Duration
	QuoteDeadline  time.Duration
	FallbackBudget time.Duration
}

// DefaultConfig returns the production deadlines.
func DefaultConfig() Config {
	return Config{
		MinBars:        30,
		BarsDeadline:   10 * time.Second,
		QuoteDeadline:  3 * time.Second,
		FallbackBudget: 4 * time.Second,
	}
}

// Adapter is the single data entry point for the trading loop.
type Adapter struct {
	logger   *zap.Logger
	config   Config
	vendor   VendorSource
	fallback BarSource  // nil disables the bars fallback
	stream   QuoteCache // nil disables the stream overlay
}

// New creates the data adapter. fallback and stream may be nil.
func New(logger *zap.Logger, config Config, vendor VendorSource, fallback BarSource, stream QuoteCache) *Adapter {
	return &Adapter{
		logger:   logger.Named("marketdata"),
		config:   config,
		vendor:   vendor,
		fallback: fallback,
		stream:   stream,
	}
}

// GetBars fetches bars from the vendor, trying the fallback source when
// the vendor errors or returns fewer than MinBars. Returns
// ErrDataUnavailable when neither source can produce MinBars bars.
// Output is ascending by timestamp.
func (a *Adapter) GetBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.BarsDeadline)
	defer cancel()

	began := time.Now()
	bars, err := a.vendor.Bars(ctx, symbol, tf, start, end)
	metrics.DataFetchDuration.WithLabelValues("bars", "vendor").Observe(time.Since(began).Seconds())
	if err != nil {
		a.logger.Warn("vendor bars failed", zap.String("symbol", symbol), zap.Error(err))
	}

	if (err != nil || len(bars) < a.config.MinBars) && a.fallback != nil {
		fbCtx, fbCancel := context.WithTimeout(ctx, a.config.FallbackBudget)
		began = time.Now()
		fb, fbErr := a.fallback.Bars(fbCtx, symbol, tf, start, end)
		fbCancel()
		metrics.DataFetchDuration.WithLabelValues("bars", "fallback").Observe(time.Since(began).Seconds())
		if fbErr != nil {
			a.logger.Warn("fallback bars failed", zap.String("symbol", symbol), zap.Error(fbErr))
		} else if len(fb) > len(bars) {
			bars = fb
		}
	}

	if len(bars) < a.config.MinBars {
		return nil, fmt.Errorf("bars %s: %d of %d required: %w",
			symbol, len(bars), a.config.MinBars, types.ErrDataUnavailable)
	}

	// Downstream indicator math assumes ascending timestamps.
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	return bars, nil
}

// GetChain fetches the option chain for an underlying. Streamed quotes
// newer than the snapshot's replace its book so quote ages reflect the
// stream. An empty chain is ErrDataUnavailable.
func (a *Adapter) GetChain(ctx context.Context, underlying string, expiration *time.Time) ([]types.OptionContract, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.BarsDeadline)
	defer cancel()

	began := time.Now()
	chain, err := a.vendor.Chain(ctx, underlying, expiration)
	metrics.DataFetchDuration.WithLabelValues("chain", "vendor").Observe(time.Since(began).Seconds())
	if err != nil {
		return nil, fmt.Errorf("chain %s: %v: %w", underlying, err, types.ErrDataUnavailable)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("chain %s: empty: %w", underlying, types.ErrDataUnavailable)
	}

	if a.stream != nil {
		for i := range chain {
			q, ok := a.stream.Latest(chain[i].Symbol)
			if ok && q.Timestamp.After(chain[i].QuoteTime) {
				chain[i].Bid = q.Bid
				chain[i].Ask = q.Ask
				chain[i].BidSize = q.BidSize
				chain[i].AskSize = q.AskSize
				chain[i].QuoteTime = q.Timestamp
			}
		}
	}
	return chain, nil
}

// GetQuote returns the freshest quote for one option contract: the
// stream when it has one inside the quote deadline window, else the
// vendor REST endpoint.
func (a *Adapter) GetQuote(ctx context.Context, optionSymbol string) (*types.Quote, error) {
	symbol := types.StripVendorPrefix(optionSymbol)

	if a.stream != nil {
		if q, ok := a.stream.Latest(symbol); ok && time.Since(q.Timestamp) < a.config.QuoteDeadline {
			metrics.DataFetchDuration.WithLabelValues("quote", "stream").Observe(0)
			return &q, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.QuoteDeadline)
	defer cancel()

	began := time.Now()
	quote, err := a.vendor.Quote(ctx, symbol)
	metrics.DataFetchDuration.WithLabelValues("quote", "vendor").Observe(time.Since(began).Seconds())
	if err != nil {
		return nil, fmt.Errorf("quote %s: %v: %w", symbol, err, types.ErrDataUnavailable)
	}
	return quote, nil
}
