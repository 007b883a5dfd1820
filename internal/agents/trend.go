package agents

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// TrendAgent trades EMA crosses with ADX strength, confirmed by price
// relative to VWAP. Active only in trend regimes.
type TrendAgent struct {
	baseAgent
	logger *zap.Logger
}

// NewTrendAgent builds the trend-following agent.
func NewTrendAgent(logger *zap.Logger) *TrendAgent {
	return &TrendAgent{
		baseAgent: newBaseAgent(IDTrend),
		logger:    logger.Named(IDTrend),
	}
}

// Evaluate requires a trend regime, ADX above 25, an EMA cross in the
// trend's direction, and VWAP on the right side of price. Confidence runs
// 0.6 to 1.0 with ADX strength.
func (a *TrendAgent) Evaluate(ctx *Context) (*types.Intent, error) {
	if ctx.Regime.Kind != types.RegimeTrend {
		return nil, nil
	}
	f := ctx.Features
	if f.ADX14 <= 25 {
		return nil, nil
	}

	goldenCross := f.EMA9 > f.EMA21
	deathCross := f.EMA9 < f.EMA21

	var dir types.Direction
	switch {
	case goldenCross && f.Price > f.VWAP:
		dir = types.DirectionLong
	case deathCross && f.Price < f.VWAP:
		dir = types.DirectionShort
	default:
		// Cross without VWAP confirmation: no trade.
		return nil, nil
	}

	conf := 0.6 + 0.4*math.Min(1, (f.ADX14-25)/25)

	cross := "golden"
	if dir == types.DirectionShort {
		cross = "death"
	}
	return &types.Intent{
		Symbol:     ctx.Symbol,
		Direction:  dir,
		Confidence: conf,
		AgentID:    a.id,
		Reasoning:  fmt.Sprintf("%s cross, adx %.1f, vwap confirmed", cross, f.ADX14),
	}, nil
}
