package scheduler

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/agents"
	"github.com/tradenova/trading-core/internal/ensemble"
	"github.com/tradenova/trading-core/internal/events"
	"github.com/tradenova/trading-core/internal/metrics"
	"github.com/tradenova/trading-core/internal/risk"
	"github.com/tradenova/trading-core/pkg/types"
)

// runPipeline is one symbol's pass through the decision pipeline: bars,
// features, regime, chain, liquidity, signal arbitration, contract
// selection, the risk stack, and finally order placement. The raw chain
// is returned as soon as it is fetched, whatever happens later, so the
// exit pass can mark open positions even on cycles that reject entry.
func (s *Scheduler) runPipeline(ctx context.Context, symbol string, now time.Time, entriesOK bool) ([]types.OptionContract, error) {
	log := s.logger.With(zap.String("symbol", symbol))

	bars, err := s.fetchBars(ctx, symbol, now)
	if err != nil {
		s.reject(now, symbol, "data", "bars_unavailable")
		return nil, err
	}

	feat, err := s.features.Compute(symbol, bars)
	if err != nil {
		s.reject(now, symbol, "features", "insufficient_features")
		return nil, err
	}
	reg := s.regimes.Classify(symbol, feat)

	chain, err := s.fetchChain(ctx, symbol)
	if err != nil {
		s.reject(now, symbol, "data", "chain_unavailable")
		return nil, err
	}

	// Session context updates happen before any entry gating: the IV
	// record and the spot/return surface feed exits and tomorrow's rank
	// even on cycles that never reach the risk stack.
	s.risk.ObserveIV(ctx, symbol, now, chain)
	s.risk.SetMarketData(symbol, feat.Price, s.returnsFor(symbol))

	filtered, counters := s.filter.Apply(chain, now)
	log.Debug("chain filtered",
		zap.Int("in", counters.Input),
		zap.Int("out", counters.Passed),
		zap.Int("stale", counters.StaleRejected),
		zap.Int("wide", counters.SpreadRejected))

	switch {
	case !entriesOK:
		return chain, nil
	case s.positions.IsHalted(symbol):
		log.Warn("underlying halted, no entry evaluation")
		return chain, nil
	case s.positions.Book().HasUnderlying(symbol):
		return chain, nil
	case s.positions.AtCapacity():
		log.Debug("book at capacity, no entry evaluation")
		return chain, nil
	case len(filtered) == 0:
		return chain, nil
	}

	actx := &agents.Context{
		Symbol:   symbol,
		Features: feat,
		Regime:   reg,
		Bars:     bars,
		IVRank:   s.ivRank(ctx, symbol, now, chain),
		ATMDelta: atmDelta(filtered, feat.Price),
	}

	var rl *types.Intent
	if s.policy != nil && s.policy.Enabled() {
		rl, err = s.policy.Predict(symbol, feat)
		if err != nil {
			log.Warn("policy predict failed, continuing without it", zap.Error(err))
			rl = nil
		}
	}

	dec, err := s.ensemble.Decide(actx, rl)
	if err != nil {
		s.reject(now, symbol, "ensemble", "agent_error")
		return chain, err
	}
	if !dec.Accepted {
		metrics.StageRejections.WithLabelValues("ensemble", dec.Reason).Inc()
		s.publishDecision(now, symbol, "ensemble", events.VerdictReject, dec.Reason,
			map[string]float64{"score": dec.Score})
		return chain, nil
	}
	s.publishDecision(now, symbol, "ensemble", events.VerdictAccept, string(dec.Intent.Direction),
		map[string]float64{"confidence": dec.Intent.Confidence})

	budget := s.risk.Stats(now).Equity * s.config.PositionSizePct
	sel, err := s.selector.Select(filtered, dec.Intent.Direction, feat.Price, budget, now)
	if err != nil {
		s.publishDecision(now, symbol, "selector", events.VerdictReject, "no_liquid_contract", nil)
		return chain, nil
	}
	log.Debug("contract selected",
		zap.String("option", sel.Contract.Symbol),
		zap.Strings("trail", sel.ReasonTrail))

	base := 1
	if mid := sel.Contract.Mid(); mid > 0 {
		if q := int(budget / (mid * types.ContractMultiplier)); q > base {
			base = q
		}
	}

	verdict, err := s.risk.CheckEntry(ctx, risk.EntryRequest{
		Underlying: symbol,
		Contract:   sel.Contract,
		BaseQty:    base,
		Now:        now,
	})
	if err != nil {
		if errors.Is(err, types.ErrRiskBlocked) && verdict != nil && verdict.Blocked != nil {
			s.publishDecision(now, symbol, "risk", events.VerdictReject, verdict.Blocked.Layer, nil)
			s.applyReductions(ctx, now, verdict.Reductions)
			return chain, nil
		}
		return chain, err
	}
	s.publishDecision(now, symbol, "risk", events.VerdictAccept, "entry_approved",
		map[string]float64{"qty": float64(verdict.Qty)})

	return chain, s.placeEntry(ctx, now, symbol, sel.Contract, dec, verdict)
}

// placeEntry submits the approved order and books the fill. The risk
// reservation is committed on any outcome that may have consumed budget
// (fill or uncertainty) and released when the order verifiably never
// happened.
func (s *Scheduler) placeEntry(ctx context.Context, now time.Time, symbol string, contract *types.OptionContract, dec *ensemble.Decision, verdict *risk.EntryVerdict) error {
	order, err := s.broker.ExecuteMarketOrder(ctx, contract.Symbol, types.OrderSideBuy, verdict.Qty)
	switch {
	case errors.Is(err, types.ErrOrderUncertain):
		// The outcome is unknown: assume the worst on budget, halt the
		// underlying until reconcile confirms broker state.
		s.positions.Halt(symbol)
		s.risk.Commit(verdict.Reservation)
		s.publishDecision(now, symbol, "execution", events.VerdictReject, "order_uncertain", nil)
		s.publishOrder(now, symbol, contract.Symbol, verdict.Qty, "uncertain")
		return err
	case err != nil:
		s.risk.Release(verdict.Reservation)
		s.publishDecision(now, symbol, "execution", events.VerdictReject, "order_failed", nil)
		return err
	}

	if order.FilledQty <= 0 {
		s.risk.Release(verdict.Reservation)
		s.publishDecision(now, symbol, "execution", events.VerdictReject, "no_fill", nil)
		s.publishOrder(now, symbol, contract.Symbol, 0, string(order.Status))
		return nil
	}

	entry := order.FilledAvgPrice
	if entry <= 0 {
		entry = contract.Mid()
	}
	pos := types.Position{
		OptionSymbol: contract.Symbol,
		Underlying:   symbol,
		Qty:          order.FilledQty,
		OriginalQty:  order.FilledQty,
		EntryPrice:   entry,
		EntryTime:    now,
		Strike:       contract.Strike,
		Expiration:   contract.Expiration,
		Type:         contract.Type,
		CurrentPrice: entry,
		FastExit:     verdict.FastExit,
		Greeks:       contract.Greeks,
		AgentID:      dec.Intent.AgentID,
	}

	s.risk.Commit(verdict.Reservation)
	if err := s.positions.OpenPosition(pos); err != nil {
		// The fill landed but the book refused it (capacity race). Unwind
		// immediately; if even that fails, reconcile owns the position.
		s.logger.Error("filled entry does not fit the book, unwinding",
			zap.String("option", pos.OptionSymbol), zap.Error(err))
		if _, uerr := s.broker.ExecuteMarketOrder(ctx, pos.OptionSymbol, types.OrderSideSell, pos.Qty); uerr != nil {
			s.logger.Error("entry unwind failed, halting underlying",
				zap.String("option", pos.OptionSymbol), zap.Error(uerr))
			s.positions.Halt(symbol)
		}
		return err
	}
	s.ensemble.RecordOpen(symbol, dec.Contributors)

	s.publishDecision(now, symbol, "execution", events.VerdictAccept, "entry_filled",
		map[string]float64{"qty": float64(order.FilledQty), "price": entry})
	s.publishOrder(now, symbol, contract.Symbol, order.FilledQty, "filled")
	s.logger.Info("entry filled",
		zap.String("symbol", symbol),
		zap.String("option", contract.Symbol),
		zap.Int("qty", order.FilledQty),
		zap.Float64("price", entry),
		zap.Bool("fast_exit", verdict.FastExit),
		zap.String("agent", dec.Intent.AgentID),
		zap.Strings("contributors", dec.Contributors))
	return nil
}

// applyReductions executes the forced position reductions a hard greeks
// breach emits. Failures are logged and left for the next cycle's check.
func (s *Scheduler) applyReductions(ctx context.Context, now time.Time, reductions []risk.ReduceAction) {
	for _, r := range reductions {
		res := s.positions.ReducePosition(ctx, r.OptionSymbol, r.Qty, r.Reason, now)
		if res.Err != nil {
			s.logger.Error("forced reduction failed",
				zap.String("option", r.OptionSymbol),
				zap.Int("qty", r.Qty),
				zap.Error(res.Err))
			continue
		}
		s.logger.Warn("forced reduction executed",
			zap.String("option", r.OptionSymbol),
			zap.Int("qty", res.FilledQty),
			zap.String("reason", r.Reason))
		s.publishExit(now, res)
	}
}

func (s *Scheduler) fetchBars(ctx context.Context, symbol string, now time.Time) ([]types.Bar, error) {
	dctx, cancel := context.WithTimeout(ctx, s.config.DataDeadline)
	defer cancel()
	start := now.AddDate(0, 0, -s.config.BarLookbackDays)
	return s.data.GetBars(dctx, symbol, s.config.BarTimeframe, start, now)
}

func (s *Scheduler) fetchChain(ctx context.Context, symbol string) ([]types.OptionContract, error) {
	dctx, cancel := context.WithTimeout(ctx, s.config.DataDeadline)
	defer cancel()
	return s.data.GetChain(dctx, symbol, nil)
}

// ivRank resolves the IV rank for the agents' context, -1 when the
// surface or its history is unavailable.
func (s *Scheduler) ivRank(ctx context.Context, symbol string, now time.Time, chain []types.OptionContract) float64 {
	if s.iv == nil {
		return -1
	}
	cur, ok := risk.RepresentativeIV(chain)
	if !ok {
		return -1
	}
	since := now.AddDate(0, 0, -s.config.IVLookbackDays)
	hist, err := s.iv.History(ctx, symbol, since)
	if err != nil {
		s.logger.Warn("iv history unavailable",
			zap.String("symbol", symbol), zap.Error(err))
		return -1
	}
	rank, ok := risk.IVRank(hist, cur)
	if !ok {
		return -1
	}
	return rank
}

func (s *Scheduler) returnsFor(symbol string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returns[symbol]
}

func (s *Scheduler) reject(now time.Time, symbol, stage, reason string) {
	metrics.StageRejections.WithLabelValues(stage, reason).Inc()
	s.publishDecision(now, symbol, stage, events.VerdictReject, reason, nil)
}

func (s *Scheduler) publishDecision(now time.Time, symbol, stage string, verdict events.Verdict, reason string, vals map[string]float64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.NewDecision(now, symbol, stage, verdict, reason, vals))
}

func (s *Scheduler) publishOrder(now time.Time, symbol, optionSymbol string, qty int, status string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.NewOrder(now, symbol, optionSymbol,
		string(types.OrderSideBuy), qty, status, "entry"))
}

// atmDelta is the delta of the call struck nearest the spot, 0 when the
// chain carries no calls.
func atmDelta(chain []types.OptionContract, spot float64) float64 {
	best := 0.0
	bestDist := math.MaxFloat64
	for i := range chain {
		c := &chain[i]
		if c.Type != types.OptionCall {
			continue
		}
		if d := math.Abs(c.Strike - spot); d < bestDist {
			bestDist = d
			best = c.Greeks.Delta
		}
	}
	return best
}

// dailyReturns converts a daily bar series into log returns, skipping
// non-positive closes.
func dailyReturns(bars []types.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}
