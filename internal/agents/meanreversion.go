package agents

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// MeanReversionAgent fades RSI extremes in ranging markets. VWAP
// displacement and an unfilled fair value gap on the reversion path add
// confidence.
type MeanReversionAgent struct {
	baseAgent
	logger *zap.Logger
}

// NewMeanReversionAgent builds the mean-reversion agent.
func NewMeanReversionAgent(logger *zap.Logger) *MeanReversionAgent {
	return &MeanReversionAgent{
		baseAgent: newBaseAgent(IDMeanReversion),
		logger:    logger.Named(IDMeanReversion),
	}
}

// Evaluate requires a mean-reversion regime and an RSI extreme (<=30 or
// >=70). Confidence runs 0.6 to 1.0: RSI depth contributes up to 0.2,
// VWAP displacement up to 0.1, an unfilled FVG in the reversion direction
// a further 0.1.
func (a *MeanReversionAgent) Evaluate(ctx *Context) (*types.Intent, error) {
	if ctx.Regime.Kind != types.RegimeMeanReversion {
		return nil, nil
	}
	f := ctx.Features

	var dir types.Direction
	var rsiDepth float64
	switch {
	case f.RSI14 <= 30:
		dir = types.DirectionLong
		rsiDepth = (30 - f.RSI14) / 30
	case f.RSI14 >= 70:
		dir = types.DirectionShort
		rsiDepth = (f.RSI14 - 70) / 30
	default:
		return nil, nil
	}

	conf := 0.6 + 0.2*math.Min(1, rsiDepth)

	// Price stretched away from VWAP in the fade direction.
	if f.VWAP > 0 {
		dev := (f.Price - f.VWAP) / f.VWAP
		if (dir == types.DirectionLong && dev < -0.005) ||
			(dir == types.DirectionShort && dev > 0.005) {
			conf += 0.1 * math.Min(1, math.Abs(dev)/0.02)
		}
	}

	// An unfilled gap on the reversion path acts as a magnet.
	for _, g := range f.UnfilledFVGs() {
		if dir == types.DirectionLong && g.Bullish && g.Upper < f.Price {
			conf += 0.1
			break
		}
		if dir == types.DirectionShort && !g.Bullish && g.Lower > f.Price {
			conf += 0.1
			break
		}
	}

	if conf > 1 {
		conf = 1
	}

	return &types.Intent{
		Symbol:     ctx.Symbol,
		Direction:  dir,
		Confidence: conf,
		AgentID:    a.id,
		Reasoning:  fmt.Sprintf("rsi %.1f extreme, fading to vwap %.2f", f.RSI14, f.VWAP),
	}, nil
}
