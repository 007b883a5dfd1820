// Package agents holds the closed set of rule-based signal producers the
// ensemble arbitrates between. Each agent votes on one symbol per cycle;
// agents outside their regime abstain by returning nil.
package agents

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// Context carries everything an agent may consult for one evaluation.
// IVRank is -1 and ATMDelta 0 when the option surface is unavailable.
type Context struct {
	Symbol   string
	Features *types.FeatureVector
	Regime   *types.Regime
	Bars     []types.Bar
	IVRank   float64
	ATMDelta float64
}

// Outcome reports a closed position back to the agents that voted for it.
type Outcome struct {
	Symbol string
	PnLPct float64
}

// SignalProducer is one voting agent.
type SignalProducer interface {
	// ID is the stable agent identifier used in attribution and logs.
	ID() string
	// Evaluate returns the agent's intent for the symbol, or nil when the
	// agent abstains (wrong regime, no setup).
	Evaluate(ctx *Context) (*types.Intent, error)
	// Weight is the agent's current arbitration weight.
	Weight() float64
	// SetWeight overrides the weight, used when restoring persisted state.
	SetWeight(w float64)
	// Observe folds a closed trade back into the agent's weight.
	Observe(o Outcome)
}

// Weight bounds and the attribution learning rate.
const (
	minWeight    = 0.25
	maxWeight    = 2.0
	learningRate = 0.1
	winRateAlpha = 0.1
)

// baseAgent carries the mutable weight state shared by all agents.
type baseAgent struct {
	id string

	mu           sync.RWMutex
	weight       float64
	winRate      float64
	observations int
}

func newBaseAgent(id string) baseAgent {
	return baseAgent{id: id, weight: 1.0, winRate: 0.5}
}

func (b *baseAgent) ID() string { return b.id }

func (b *baseAgent) Weight() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.weight
}

func (b *baseAgent) SetWeight(w float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.weight = clampWeight(w)
}

// Observe applies a bounded multiplicative update: profitable outcomes
// raise the weight, losses lower it, extremes are capped so one trade
// cannot dominate.
func (b *baseAgent) Observe(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delta := math.Max(-0.5, math.Min(0.5, o.PnLPct))
	b.weight = clampWeight(b.weight * (1 + learningRate*delta))

	won := 0.0
	if o.PnLPct > 0 {
		won = 1.0
	}
	b.winRate = (1-winRateAlpha)*b.winRate + winRateAlpha*won
	b.observations++
}

// Stats describes an agent's learning state for reports and persistence.
type Stats struct {
	ID           string  `json:"id"`
	Weight       float64 `json:"weight"`
	WinRate      float64 `json:"winRate"`
	Observations int     `json:"observations"`
}

func (b *baseAgent) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{ID: b.id, Weight: b.weight, WinRate: b.winRate, Observations: b.observations}
}

func clampWeight(w float64) float64 {
	if w < minWeight {
		return minWeight
	}
	if w > maxWeight {
		return maxWeight
	}
	return w
}

// Agent IDs. The set is closed: the ensemble's blend weights and the
// journal's weight table key off these.
const (
	IDEMA           = "ema"
	IDTrend         = "trend"
	IDMeanReversion = "mean_reversion"
	IDVolatility    = "volatility"
	IDOptions       = "options"
)

// NewDefaultSet builds the full agent roster.
func NewDefaultSet(logger *zap.Logger) []SignalProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("agents")
	return []SignalProducer{
		NewEMAAgent(logger),
		NewTrendAgent(logger),
		NewMeanReversionAgent(logger),
		NewVolatilityAgent(logger),
		NewOptionsAgent(logger),
	}
}

// StatsFor extracts learning state from any producer built on baseAgent.
func StatsFor(p SignalProducer) Stats {
	type statser interface{ Stats() Stats }
	if s, ok := p.(statser); ok {
		return s.Stats()
	}
	return Stats{ID: p.ID(), Weight: p.Weight()}
}
