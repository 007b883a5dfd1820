package positions

import (
	"fmt"
	"math"
	"time"

	"github.com/tradenova/trading-core/pkg/types"
)

// Exit reasons recorded on closed trades and decision events. Ladder
// exits use take_profit_N with N the highest rung fired.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonExpiryHard   = "expiry_imminent"
	ReasonExpirySoft   = "expiry_low_profit"
	ReasonGapForce     = "gap_force_exit"
	ReasonFlatten      = "eod_flatten"
	ReasonReconcile    = "reconcile_drift"
)

// Expiry pressure rules: with little time left, winners below the bound
// are harvested before theta takes them. Fast-exit positions, opened
// into an elevated IV regime, start the soft rule two days earlier.
const (
	expiryHardDTE    = 1
	expiryHardMinPnL = 0.50
	expirySoftDTE    = 3
	fastExitSoftDTE  = 5
	expirySoftMinPnL = 0.20
)

// trailingLockPct is the profit level an armed trailing stop never gives
// back: once trailing is armed the position exits at +100% or better.
const trailingLockPct = 1.00

// exitPlan is one cycle's decision for a single position: how many
// contracts to sell, why, and the ladder bookkeeping that goes with it.
type exitPlan struct {
	qty    int
	full   bool
	reason string
	level  int
	arm    bool
}

// planExit evaluates the exit rules for one marked position, in order:
// stop loss, take-profit ladder, trailing stop, expiry pressure, then
// the gap-risk force exit. The first full close wins; ladder rungs
// accumulate into a single partial sell otherwise. force is the gap
// force-exit check by underlying, nil when gap data is unavailable.
func planExit(p types.Position, now time.Time, cfg Config, force func(underlying string) (bool, string)) (exitPlan, bool) {
	pnl := p.PnLPct()

	if pnl <= -cfg.StopLossPct {
		return exitPlan{qty: p.Qty, full: true, reason: ReasonStopLoss, level: p.TPLevel}, true
	}

	plan := exitPlan{level: p.TPLevel}
	remaining := p.Qty
	for i := p.TPLevel; i < len(cfg.TPLadder); i++ {
		rung := cfg.TPLadder[i]
		if pnl < rung.TriggerPct {
			break
		}
		sell := ladderQty(remaining, rung.ExitFraction)
		remaining -= sell
		plan.qty += sell
		plan.level = i + 1
		plan.reason = fmt.Sprintf("take_profit_%d", i+1)
		if rung.ArmTrailing {
			plan.arm = true
		}
		if remaining == 0 {
			plan.full = true
			return plan, true
		}
	}

	if (p.TrailingArmed || plan.arm) && pnl < trailingFloor(p.HighestProfitPct) {
		return exitPlan{qty: p.Qty, full: true, reason: ReasonTrailingStop, level: plan.level, arm: plan.arm}, true
	}

	dte := p.DTE(now)
	if dte <= expiryHardDTE && pnl < expiryHardMinPnL {
		return exitPlan{qty: p.Qty, full: true, reason: ReasonExpiryHard, level: plan.level, arm: plan.arm}, true
	}
	soft := expirySoftDTE
	if p.FastExit {
		soft = fastExitSoftDTE
	}
	if dte <= soft && pnl < expirySoftMinPnL {
		return exitPlan{qty: p.Qty, full: true, reason: ReasonExpirySoft, level: plan.level, arm: plan.arm}, true
	}

	if force != nil {
		if hit, why := force(p.Underlying); hit {
			if why == "" {
				why = ReasonGapForce
			}
			return exitPlan{qty: p.Qty, full: true, reason: why, level: plan.level, arm: plan.arm}, true
		}
	}

	if plan.qty > 0 || plan.level > p.TPLevel || plan.arm {
		return plan, true
	}
	return exitPlan{}, false
}

// ladderQty sizes one rung's exit from the quantity still held, rounded
// to the nearest contract. Small remainders can round to zero, making
// the rung a bookkeeping-only advance.
func ladderQty(remaining int, fraction float64) int {
	if fraction >= 1 {
		return remaining
	}
	qty := int(math.Round(float64(remaining) * fraction))
	if qty > remaining {
		qty = remaining
	}
	if qty < 0 {
		qty = 0
	}
	return qty
}

// trailingPullback is the give-back tolerance from the profit high-water
// mark, widening with the size of the peak gain.
func trailingPullback(highest float64) float64 {
	switch {
	case highest < 1.75:
		return 0.10
	case highest < 2.00:
		return 0.12
	case highest < 3.00:
		return 0.15
	default:
		return 0.18
	}
}

// trailingFloor is the profit level an armed trailing exit triggers
// below: the high-water mark minus its pullback, never under the lock.
func trailingFloor(highest float64) float64 {
	return math.Max(highest-trailingPullback(highest), trailingLockPct)
}
