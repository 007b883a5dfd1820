// Package ensemble arbitrates agent intents into at most one trade
// decision per symbol per cycle. Stage one scores rule-agent votes by
// weight, regime fit, and conviction; stage two folds in the policy
// network's action with fixed family weights and an agreement multiplier.
package ensemble

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/agents"
	"github.com/tradenova/trading-core/internal/metrics"
	"github.com/tradenova/trading-core/internal/predictor"
	"github.com/tradenova/trading-core/pkg/types"
)

// Stage-two blend weights by agent family. EMA and Options vote in stage
// one only.
var blendWeights = map[string]float64{
	predictor.AgentID:      0.40,
	agents.IDTrend:         0.25,
	agents.IDVolatility:    0.15,
	agents.IDMeanReversion: 0.20,
}

// Agreement multipliers applied when the policy network and the winning
// rule agent point the same way or opposite ways.
const (
	agreementBoost    = 1.10
	disagreementDrain = 0.80
	blendWindow       = 0.10 // runner-up within 10% of the top score blends
)

// Config tunes arbitration.
type Config struct {
	// ConfidenceThreshold gates the final decision; below it the symbol
	// is skipped this cycle.
	ConfidenceThreshold float64
}

// DefaultConfig returns the standard threshold.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.70}
}

// Decision is the ensemble verdict for one symbol, one cycle.
type Decision struct {
	Intent       *types.Intent
	Score        float64
	Contributors []string
	Accepted     bool
	Reason       string
}

// Ensemble owns the agent roster and the per-symbol attribution ledger.
type Ensemble struct {
	logger    *zap.Logger
	config    Config
	producers []agents.SignalProducer

	mu           sync.Mutex
	contributors map[string][]string
}

// New builds the ensemble over a fixed roster.
func New(logger *zap.Logger, config Config, producers []agents.SignalProducer) *Ensemble {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	return &Ensemble{
		logger:       logger.Named("ensemble"),
		config:       config,
		producers:    producers,
		contributors: make(map[string][]string),
	}
}

type scored struct {
	intent *types.Intent
	score  float64
}

// Decide evaluates all agents, arbitrates, and blends in the policy
// intent (nil when the predictor is disabled or flat). The returned
// decision is never nil; rejected decisions carry the reason.
func (e *Ensemble) Decide(actx *agents.Context, rlIntent *types.Intent) (*Decision, error) {
	raw := make(map[string]*types.Intent, len(e.producers))
	var candidates []scored

	volBonus := volatilityBonus(actx.Regime.Volatility)
	for _, p := range e.producers {
		intent, err := p.Evaluate(actx)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", p.ID(), err)
		}
		if intent == nil || intent.Direction == types.DirectionFlat {
			continue
		}
		raw[p.ID()] = intent
		metrics.SignalsEmitted.WithLabelValues(p.ID(), string(intent.Direction)).Inc()
		score := p.Weight() * actx.Regime.Confidence * (1 + volBonus) * intent.Confidence
		candidates = append(candidates, scored{intent: intent, score: score})
	}

	if len(candidates) == 0 && rlIntent == nil {
		return &Decision{Accepted: false, Reason: "no_signals"}, nil
	}

	winner, contributors := arbitrate(candidates)

	final, rlUsed := blend(winner, rlIntent, raw)
	if final == nil {
		return &Decision{Accepted: false, Reason: "flat_blend"}, nil
	}
	if rlUsed {
		contributors = append(contributors, predictor.AgentID)
	}

	d := &Decision{
		Intent:       final,
		Score:        final.Confidence,
		Contributors: contributors,
	}
	if final.Confidence < e.config.ConfidenceThreshold {
		d.Reason = "below_threshold"
		return d, nil
	}
	d.Accepted = true

	e.logger.Debug("decision",
		zap.String("symbol", actx.Symbol),
		zap.String("direction", string(final.Direction)),
		zap.Float64("confidence", final.Confidence),
		zap.Strings("contributors", contributors))
	return d, nil
}

// arbitrate picks the top-scored intent; a runner-up within the blend
// window contributes its confidence (mean) while the top keeps direction.
func arbitrate(candidates []scored) (*types.Intent, []string) {
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	top := candidates[0]
	winner := *top.intent
	contributors := []string{top.intent.AgentID}

	if len(candidates) > 1 {
		second := candidates[1]
		if second.score >= top.score*(1-blendWindow) {
			winner.Confidence = (top.intent.Confidence + second.intent.Confidence) / 2
			winner.Reasoning = fmt.Sprintf("%s; blended with %s", winner.Reasoning, second.intent.AgentID)
			contributors = append(contributors, second.intent.AgentID)
		}
	}
	return &winner, contributors
}

// blend folds the policy intent into the rule winner using the fixed
// family weights. Signed confidences vote on direction; the agreement
// multiplier applies when both the policy and the rule winner take a
// side. A nil policy intent passes the winner through untouched.
func blend(winner, rlIntent *types.Intent, family map[string]*types.Intent) (*types.Intent, bool) {
	if rlIntent == nil {
		return winner, false
	}
	if winner == nil {
		// Policy alone: scaled by its family weight so a lone model
		// vote cannot clear the threshold by itself.
		out := *rlIntent
		out.Confidence = clamp01(blendWeights[predictor.AgentID] * rlIntent.Confidence)
		if out.Confidence == 0 {
			return nil, false
		}
		return &out, true
	}

	sum := blendWeights[predictor.AgentID] * signed(rlIntent)
	for id, w := range blendWeights {
		if id == predictor.AgentID {
			continue
		}
		if intent, ok := family[id]; ok {
			sum += w * signed(intent)
		}
	}

	var dir types.Direction
	switch {
	case sum > 0:
		dir = types.DirectionLong
	case sum < 0:
		dir = types.DirectionShort
	default:
		return nil, false
	}

	conf := abs(sum)
	if rlIntent.Direction == winner.Direction {
		conf *= agreementBoost
	} else {
		conf *= disagreementDrain
	}

	out := *winner
	out.Direction = dir
	out.Confidence = clamp01(conf)
	out.Reasoning = fmt.Sprintf("%s; policy %s %.2f", winner.Reasoning, rlIntent.Direction, rlIntent.Confidence)
	return &out, true
}

// RecordOpen stores the contributors behind a freshly opened position so
// a later close can credit them.
func (e *Ensemble) RecordOpen(symbol string, contributors []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]string, len(contributors))
	copy(cp, contributors)
	e.contributors[symbol] = cp
}

// Attribute feeds a closed position's return to every contributing agent
// and clears the ledger entry.
func (e *Ensemble) Attribute(symbol string, pnlPct float64) {
	e.mu.Lock()
	ids := e.contributors[symbol]
	delete(e.contributors, symbol)
	e.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	outcome := agents.Outcome{Symbol: symbol, PnLPct: pnlPct}
	for _, id := range ids {
		if id == predictor.AgentID {
			continue // policy weight is fixed
		}
		for _, p := range e.producers {
			if p.ID() == id {
				p.Observe(outcome)
				break
			}
		}
	}
	e.logger.Debug("attributed close",
		zap.String("symbol", symbol),
		zap.Float64("pnlPct", pnlPct),
		zap.Strings("agents", ids))
}

// Weights snapshots the roster's current weights for persistence.
func (e *Ensemble) Weights() map[string]float64 {
	out := make(map[string]float64, len(e.producers))
	for _, p := range e.producers {
		out[p.ID()] = p.Weight()
	}
	return out
}

// RestoreWeights applies persisted weights to the roster; unknown agent
// IDs are ignored.
func (e *Ensemble) RestoreWeights(weights map[string]float64) {
	for _, p := range e.producers {
		if w, ok := weights[p.ID()]; ok {
			p.SetWeight(w)
		}
	}
}

// AgentStats reports learning state for the EOD report.
func (e *Ensemble) AgentStats() []agents.Stats {
	out := make([]agents.Stats, 0, len(e.producers))
	for _, p := range e.producers {
		out = append(out, agents.StatsFor(p))
	}
	return out
}

func volatilityBonus(v types.VolatilityBucket) float64 {
	switch v {
	case types.VolatilityHigh:
		return 0.10
	case types.VolatilityMedium:
		return 0.05
	default:
		return 0
	}
}

func signed(i *types.Intent) float64 {
	if i.Direction == types.DirectionShort {
		return -i.Confidence
	}
	return i.Confidence
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
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
