package risk

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/tradenova/trading-core/pkg/types"
)

// UVaRInput bundles the state for one ultra-short VaR evaluation. Returns
// slices are trailing daily log or simple returns, oldest first; Spots map
// each underlying to its latest close.
type UVaRInput struct {
	Positions    []types.Position
	Candidate    *types.OptionContract
	CandidateQty int
	Spots        map[string]float64
	Returns      map[string][]float64
	MaxDays      int
}

// UVaRResult is the 1-day 99th percentile loss estimate in dollars.
type UVaRResult struct {
	Loss float64 `json:"loss"`
	Days int     `json:"days"`
	Thin bool    `json:"thin"`
}

type uvarLeg struct {
	underlying string
	qty        int
	greeks     types.Greeks
	value      float64
}

// UltraShortVaR runs a historical simulation over the common trailing
// window of all legs' underlyings. Each scenario replays one past day's
// return against every leg through a delta-gamma approximation, with the
// per-leg loss floored at the leg's market value: a long option cannot lose
// more than it is worth. The 99th percentile of scenario losses is the
// result. Thin is set when any leg lacked spot or return history, or when
// the windows did not align.
func UltraShortVaR(in UVaRInput) UVaRResult {
	legs := make([]uvarLeg, 0, len(in.Positions)+1)
	thin := false
	for i := range in.Positions {
		p := &in.Positions[i]
		legs = append(legs, uvarLeg{
			underlying: p.Underlying,
			qty:        p.Qty,
			greeks:     p.Greeks,
			value:      p.CurrentPrice * float64(p.Qty) * types.ContractMultiplier,
		})
	}
	if in.Candidate != nil && in.CandidateQty > 0 {
		legs = append(legs, uvarLeg{
			underlying: in.Candidate.Underlying,
			qty:        in.CandidateQty,
			greeks:     in.Candidate.Greeks,
			value:      in.Candidate.Mid() * float64(in.CandidateQty) * types.ContractMultiplier,
		})
	}
	if len(legs) == 0 {
		return UVaRResult{}
	}

	// The common window is the shortest history among priced legs. Legs
	// without spot or returns contribute nothing and mark the result thin.
	days := in.MaxDays
	if days <= 0 {
		days = 90
	}
	active := legs[:0]
	for _, leg := range legs {
		spot, okSpot := in.Spots[leg.underlying]
		rets := in.Returns[leg.underlying]
		if !okSpot || spot <= 0 || len(rets) == 0 {
			thin = true
			continue
		}
		if len(rets) < days {
			days = len(rets)
		}
		active = append(active, leg)
	}
	if len(active) == 0 || days == 0 {
		return UVaRResult{Thin: true}
	}

	losses := make([]float64, days)
	for i := 0; i < days; i++ {
		var pnl float64
		for _, leg := range active {
			spot := in.Spots[leg.underlying]
			rets := in.Returns[leg.underlying]
			move := spot * rets[len(rets)-1-i]
			m := float64(leg.qty) * types.ContractMultiplier
			legPnL := m * (leg.greeks.Delta*move + 0.5*leg.greeks.Gamma*move*move)
			if leg.value > 0 && legPnL < -leg.value {
				legPnL = -leg.value
			}
			pnl += legPnL
		}
		losses[i] = -pnl
	}
	sort.Float64s(losses)
	loss := stat.Quantile(0.99, stat.Empirical, losses, nil)
	return UVaRResult{
		Loss: math.Max(0, loss),
		Days: days,
		Thin: thin,
	}
}
