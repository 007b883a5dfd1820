package agents

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// OptionsAgent votes with the directional bias when the option surface
// cooperates: IV rank below 80 (premium not prohibitively rich) and a
// meaningful at-the-money delta. Abstains when the surface is unknown.
type OptionsAgent struct {
	baseAgent
	logger *zap.Logger
}

// NewOptionsAgent builds the option-surface agent.
func NewOptionsAgent(logger *zap.Logger) *OptionsAgent {
	return &OptionsAgent{
		baseAgent: newBaseAgent(IDOptions),
		logger:    logger.Named(IDOptions),
	}
}

// Evaluate requires a non-neutral bias, IV rank below 80, and |ATM delta|
// of at least 0.30. Confidence floors at 0.65 and rises as IV rank falls
// (cheaper premium, better asymmetry for a long option).
func (a *OptionsAgent) Evaluate(ctx *Context) (*types.Intent, error) {
	if ctx.Regime.Bias == types.BiasNeutral {
		return nil, nil
	}
	if ctx.IVRank < 0 {
		// Surface unknown this cycle.
		return nil, nil
	}
	if ctx.IVRank >= 80 {
		return nil, nil
	}
	if math.Abs(ctx.ATMDelta) < 0.30 {
		return nil, nil
	}

	dir := types.DirectionLong
	if ctx.Regime.Bias == types.BiasBearish {
		dir = types.DirectionShort
	}

	conf := 0.65 + 0.25*math.Min(1, (80-ctx.IVRank)/80)

	return &types.Intent{
		Symbol:     ctx.Symbol,
		Direction:  dir,
		Confidence: conf,
		AgentID:    a.id,
		Reasoning: fmt.Sprintf("%s bias, iv rank %.0f, atm delta %.2f",
			ctx.Regime.Bias, ctx.IVRank, ctx.ATMDelta),
	}, nil
}
