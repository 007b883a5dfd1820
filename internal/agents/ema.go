package agents

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// EMAAgent is the always-on baseline: long above the fast EMA, short
// below. Confidence scales 0.6 to 0.8 with the distance from the EMA.
type EMAAgent struct {
	baseAgent
	logger *zap.Logger
}

// NewEMAAgent builds the baseline agent.
func NewEMAAgent(logger *zap.Logger) *EMAAgent {
	return &EMAAgent{
		baseAgent: newBaseAgent(IDEMA),
		logger:    logger.Named(IDEMA),
	}
}

// Evaluate votes every cycle. Price exactly on the EMA abstains.
func (a *EMAAgent) Evaluate(ctx *Context) (*types.Intent, error) {
	f := ctx.Features
	if f.EMA9 <= 0 {
		return nil, nil
	}

	gap := (f.Price - f.EMA9) / f.EMA9
	if gap == 0 {
		return nil, nil
	}

	dir := types.DirectionLong
	if gap < 0 {
		dir = types.DirectionShort
	}

	// 1% distance from the EMA saturates the confidence band.
	conf := 0.6 + 0.2*math.Min(1, math.Abs(gap)/0.01)

	return &types.Intent{
		Symbol:     ctx.Symbol,
		Direction:  dir,
		Confidence: conf,
		AgentID:    a.id,
		Reasoning:  fmt.Sprintf("price %.2f vs ema9 %.2f (gap %.3f%%)", f.Price, f.EMA9, gap*100),
	}, nil
}
