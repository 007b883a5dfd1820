// Package features turns bar history into the fixed feature vector the
// agents, regime classifier, and predictor consume. Computation is pure:
// the vector for a bar prefix depends only on that prefix.
package features

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// Indicator periods. The minimum bar requirement covers the longest
// lookback (ADX needs 2x its period plus one).
const (
	emaFastPeriod = 9
	emaSlowPeriod = 21
	smaPeriod     = 20
	rsiPeriod     = 14
	atrPeriod     = 14
	adxPeriod     = 14
	slopeWindow   = 20
)

// tradingSecondsPerYear annualizes intraday realized volatility:
// 252 sessions of 6.5 hours.
const tradingSecondsPerYear = 252 * 6.5 * 3600

// Config tunes the feature engine.
type Config struct {
	MinBars int
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{MinBars: 30}
}

// Engine computes feature vectors. Stateless; safe for concurrent use.
type Engine struct {
	logger  *zap.Logger
	minBars int
}

// NewEngine builds a feature engine.
func NewEngine(logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinBars < 2 {
		cfg.MinBars = DefaultConfig().MinBars
	}
	return &Engine{
		logger:  logger.Named("features"),
		minBars: cfg.MinBars,
	}
}

// Compute derives the feature vector from bars, oldest first. Short
// history or a non-finite result returns ErrInsufficientFeatures; the
// caller skips the symbol rather than trade on partial features.
func (e *Engine) Compute(symbol string, bars []types.Bar) (*types.FeatureVector, error) {
	if len(bars) < e.minBars {
		return nil, fmt.Errorf("%s: %d bars, need %d: %w",
			symbol, len(bars), e.minBars, types.ErrInsufficientFeatures)
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	slice := closes
	if len(slice) > slopeWindow {
		slice = slice[len(slice)-slopeWindow:]
	}
	slope, rsq := regression(slice)

	returns := logReturns(closes)
	vector := &types.FeatureVector{
		Price:       closes[len(closes)-1],
		EMA9:        ema(closes, emaFastPeriod),
		EMA21:       ema(closes, emaSlowPeriod),
		SMA20:       sma(closes, smaPeriod),
		RSI14:       rsi(closes, rsiPeriod),
		ATR14:       atr(bars, atrPeriod),
		ADX14:       adx(bars, adxPeriod),
		VWAP:        sessionVWAP(bars),
		Hurst:       hurst(returns),
		Slope:       slope,
		RSquared:    rsq,
		RealizedVol: realizedVol(returns, periodsPerYear(bars)),
		FVGs:        detectFVGs(bars),
		BarCount:    len(bars),
		AsOf:        bars[len(bars)-1].Timestamp,
	}

	if !vector.Finite() {
		e.logger.Debug("non-finite feature dropped",
			zap.String("symbol", symbol),
			zap.Int("bars", len(bars)))
		return nil, fmt.Errorf("%s: non-finite feature: %w",
			symbol, types.ErrInsufficientFeatures)
	}
	return vector, nil
}

// periodsPerYear infers the annualization factor from median bar spacing.
// Unknown spacing falls back to daily bars.
func periodsPerYear(bars []types.Bar) float64 {
	if len(bars) < 2 {
		return 252
	}
	gaps := make([]time.Duration, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		d := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if d > 0 {
			gaps = append(gaps, d)
		}
	}
	if len(gaps) == 0 {
		return 252
	}
	// Median is robust to overnight and weekend gaps.
	med := median(gaps)
	if med <= 0 {
		return 252
	}
	if med >= 20*time.Hour {
		return 252
	}
	return tradingSecondsPerYear / med.Seconds()
}

func median(ds []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[len(sorted)/2]
}

// Gap measures the fractional distance between price and a reference
// level, guarding a zero reference.
func Gap(price, ref float64) float64 {
	if ref == 0 {
		return 0
	}
	g := (price - ref) / ref
	if math.IsNaN(g) || math.IsInf(g, 0) {
		return 0
	}
	return g
}
