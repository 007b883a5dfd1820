// Package regime classifies per-symbol market state from the feature
// vector. Classification is deterministic: the same features always map to
// the same regime.
package regime

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// Config holds the classification thresholds.
type Config struct {
	// TrendADX is the minimum ADX for a trend regime.
	TrendADX float64
	// TrendSlope is the minimum absolute per-bar relative slope for a
	// trend regime.
	TrendSlope float64
	// ExpansionATRPct: ATR/price above this is expansion.
	ExpansionATRPct float64
	// CompressionATRPct: ATR/price below this is compression.
	CompressionATRPct float64
	// VolLow / VolHigh bucket annualized realized volatility.
	VolLow  float64
	VolHigh float64
	// HistorySize bounds the per-symbol regime history buffer.
	HistorySize int
}

// DefaultConfig returns standard classification thresholds.
func DefaultConfig() Config {
	return Config{
		TrendADX:          25,
		TrendSlope:        0.0005,
		ExpansionATRPct:   0.02,
		CompressionATRPct: 0.005,
		VolLow:            0.15,
		VolHigh:           0.35,
		HistorySize:       64,
	}
}

// Classifier maps feature vectors to regimes and keeps a short history per
// symbol for observability.
type Classifier struct {
	logger *zap.Logger
	config Config

	mu      sync.RWMutex
	history map[string][]types.Regime
}

// NewClassifier builds a classifier.
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultConfig().HistorySize
	}
	return &Classifier{
		logger:  logger.Named("regime"),
		config:  config,
		history: make(map[string][]types.Regime),
	}
}

// Classify derives the regime for one symbol from its features. Trend wins
// over volatility regimes; everything else is mean reversion.
func (c *Classifier) Classify(symbol string, f *types.FeatureVector) *types.Regime {
	atrPct := 0.0
	if f.Price > 0 {
		atrPct = f.ATR14 / f.Price
	}

	r := &types.Regime{
		Direction:  c.direction(f),
		Volatility: c.volatilityBucket(f, atrPct),
		Bias:       c.bias(f),
	}

	switch {
	case f.ADX14 >= c.config.TrendADX && math.Abs(f.Slope) >= c.config.TrendSlope:
		r.Kind = types.RegimeTrend
		r.Confidence = clamp01(f.ADX14 / 50)
	case atrPct > c.config.ExpansionATRPct:
		r.Kind = types.RegimeExpansion
		r.Confidence = clamp01(atrPct / (2 * c.config.ExpansionATRPct))
	case atrPct < c.config.CompressionATRPct:
		r.Kind = types.RegimeCompression
		r.Confidence = clamp01(0.5 + (c.config.CompressionATRPct-atrPct)/c.config.CompressionATRPct/2)
	default:
		r.Kind = types.RegimeMeanReversion
		r.Confidence = clamp01(0.5 + math.Abs(f.RSI14-50)/100)
	}

	c.record(symbol, *r)

	c.logger.Debug("regime classified",
		zap.String("symbol", symbol),
		zap.String("kind", string(r.Kind)),
		zap.String("direction", string(r.Direction)),
		zap.Float64("confidence", r.Confidence))
	return r
}

func (c *Classifier) direction(f *types.FeatureVector) types.RegimeDirection {
	switch {
	case f.Slope >= c.config.TrendSlope:
		return types.RegimeUp
	case f.Slope <= -c.config.TrendSlope:
		return types.RegimeDown
	default:
		return types.RegimeSideways
	}
}

func (c *Classifier) volatilityBucket(f *types.FeatureVector, atrPct float64) types.VolatilityBucket {
	vol := f.RealizedVol
	if vol <= 0 {
		// Rough ATR-based proxy when realized vol is unavailable.
		vol = atrPct * 16
	}
	switch {
	case vol < c.config.VolLow:
		return types.VolatilityLow
	case vol > c.config.VolHigh:
		return types.VolatilityHigh
	default:
		return types.VolatilityMedium
	}
}

func (c *Classifier) bias(f *types.FeatureVector) types.Bias {
	switch {
	case f.Slope >= c.config.TrendSlope && f.EMA9 > f.EMA21:
		return types.BiasBullish
	case f.Slope <= -c.config.TrendSlope && f.EMA9 < f.EMA21:
		return types.BiasBearish
	default:
		return types.BiasNeutral
	}
}

func (c *Classifier) record(symbol string, r types.Regime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[symbol], r)
	if len(h) > c.config.HistorySize {
		h = h[len(h)-c.config.HistorySize:]
	}
	c.history[symbol] = h
}

// History returns a copy of the recent regimes for symbol, oldest first.
func (c *Classifier) History(symbol string) []types.Regime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[symbol]
	out := make([]types.Regime, len(h))
	copy(out, h)
	return out
}

// Current returns the most recent regime for symbol, or nil when the
// symbol has not been classified this session.
func (c *Classifier) Current(symbol string) *types.Regime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[symbol]
	if len(h) == 0 {
		return nil
	}
	r := h[len(h)-1]
	return &r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
