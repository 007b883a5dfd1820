package agents

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// VolatilityAgent rides range expansion in the direction of the breakout
// move. Active only in expansion regimes; never votes below 0.7.
type VolatilityAgent struct {
	baseAgent
	logger *zap.Logger
}

// NewVolatilityAgent builds the expansion agent.
func NewVolatilityAgent(logger *zap.Logger) *VolatilityAgent {
	return &VolatilityAgent{
		baseAgent: newBaseAgent(IDVolatility),
		logger:    logger.Named(IDVolatility),
	}
}

// Evaluate requires an expansion regime and a directional move to ride;
// a sideways expansion (no slope) abstains.
func (a *VolatilityAgent) Evaluate(ctx *Context) (*types.Intent, error) {
	if ctx.Regime.Kind != types.RegimeExpansion {
		return nil, nil
	}
	f := ctx.Features

	var dir types.Direction
	switch ctx.Regime.Direction {
	case types.RegimeUp:
		dir = types.DirectionLong
	case types.RegimeDown:
		dir = types.DirectionShort
	default:
		return nil, nil
	}

	atrPct := 0.0
	if f.Price > 0 {
		atrPct = f.ATR14 / f.Price
	}
	// 4% ATR saturates; floor at the 0.7 minimum for this agent.
	conf := 0.7 + 0.3*math.Min(1, atrPct/0.04)

	return &types.Intent{
		Symbol:     ctx.Symbol,
		Direction:  dir,
		Confidence: conf,
		AgentID:    a.id,
		Reasoning:  fmt.Sprintf("expansion breakout %s, atr %.2f%% of price", dir, atrPct*100),
	}, nil
}
