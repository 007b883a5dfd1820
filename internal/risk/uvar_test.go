package risk_test

import (
	"math"
	"testing"

	"github.com/tradenova/trading-core/internal/risk"
	"github.com/tradenova/trading-core/pkg/types"
)

// repeat builds a return series of n identical days. With every scenario
// equal the 99th percentile is exact, so assertions stay deterministic.
func repeat(r float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = r
	}
	return out
}

func deltaContract(underlying string, delta, bid, ask float64) *types.OptionContract {
	return &types.OptionContract{
		Symbol:     underlying + "250919C00400000",
		Underlying: underlying,
		Type:       types.OptionCall,
		Bid:        bid,
		Ask:        ask,
		Greeks:     types.Greeks{Delta: delta},
	}
}

func TestUVaRUniformScenarios(t *testing.T) {
	// 64 identical -6.25% days, spot 400, delta 0.25, 8 contracts:
	// per-scenario loss = 8 x 100 x 0.25 x 25 = 5000.
	res := risk.UltraShortVaR(risk.UVaRInput{
		Candidate:    deltaContract("SPY", 0.25, 6.90, 7.10),
		CandidateQty: 8,
		Spots:        map[string]float64{"SPY": 400},
		Returns:      map[string][]float64{"SPY": repeat(-0.0625, 64)},
		MaxDays:      90,
	})
	if math.Abs(res.Loss-5000) > 1e-6 {
		t.Errorf("loss = %v, want 5000", res.Loss)
	}
	if res.Days != 64 {
		t.Errorf("days = %d, want 64", res.Days)
	}
	if res.Thin {
		t.Error("thin = true, want false")
	}
}

func TestUVaRLossClampedAtMarketValue(t *testing.T) {
	// A -50% day against delta 1.0 projects a $5000 hit, but the position
	// is only worth $300: a long option cannot lose more than that.
	positions := []types.Position{{
		OptionSymbol: "SPY250919C00100000",
		Underlying:   "SPY",
		Qty:          1,
		CurrentPrice: 3.00,
		Greeks:       types.Greeks{Delta: 1.0},
	}}
	res := risk.UltraShortVaR(risk.UVaRInput{
		Positions: positions,
		Spots:     map[string]float64{"SPY": 100},
		Returns:   map[string][]float64{"SPY": repeat(-0.5, 10)},
		MaxDays:   90,
	})
	if math.Abs(res.Loss-300) > 1e-6 {
		t.Errorf("loss = %v, want 300 (clamped)", res.Loss)
	}
}

func TestUVaRLongGammaGainsNeverLose(t *testing.T) {
	// Pure long gamma profits from any move, so the loss tail is empty.
	res := risk.UltraShortVaR(risk.UVaRInput{
		Candidate: &types.OptionContract{
			Underlying: "SPY",
			Bid:        1.00,
			Ask:        1.10,
			Greeks:     types.Greeks{Gamma: 0.01},
		},
		CandidateQty: 1,
		Spots:        map[string]float64{"SPY": 400},
		Returns:      map[string][]float64{"SPY": repeat(-0.0625, 64)},
		MaxDays:      90,
	})
	if res.Loss != 0 {
		t.Errorf("loss = %v, want 0", res.Loss)
	}
}

func TestUVaRUsesCommonWindow(t *testing.T) {
	positions := []types.Position{
		{Underlying: "SPY", Qty: 1, CurrentPrice: 5, Greeks: types.Greeks{Delta: 0.5}},
		{Underlying: "QQQ", Qty: 1, CurrentPrice: 5, Greeks: types.Greeks{Delta: 0.5}},
	}
	res := risk.UltraShortVaR(risk.UVaRInput{
		Positions: positions,
		Spots:     map[string]float64{"SPY": 400, "QQQ": 300},
		Returns: map[string][]float64{
			"SPY": repeat(-0.01, 90),
			"QQQ": repeat(-0.01, 30),
		},
		MaxDays: 90,
	})
	if res.Days != 30 {
		t.Errorf("days = %d, want the shorter history 30", res.Days)
	}
}

func TestUVaRMissingSpotMarksThin(t *testing.T) {
	positions := []types.Position{
		{Underlying: "SPY", Qty: 8, CurrentPrice: 50, Greeks: types.Greeks{Delta: 0.25}},
		{Underlying: "XYZ", Qty: 5, CurrentPrice: 50, Greeks: types.Greeks{Delta: 0.9}},
	}
	res := risk.UltraShortVaR(risk.UVaRInput{
		Positions: positions,
		Spots:     map[string]float64{"SPY": 400},
		Returns:   map[string][]float64{"SPY": repeat(-0.0625, 64)},
		MaxDays:   90,
	})
	if !res.Thin {
		t.Error("thin = false, want true for unpriced leg")
	}
	// Only the priced leg contributes: 8 x 100 x 0.25 x 25 = 5000.
	if math.Abs(res.Loss-5000) > 1e-6 {
		t.Errorf("loss = %v, want 5000 from the priced leg alone", res.Loss)
	}
}

func TestUVaRIncrementalWithCandidate(t *testing.T) {
	positions := []types.Position{
		{Underlying: "SPY", Qty: 1, CurrentPrice: 10, Greeks: types.Greeks{Delta: 0.25}},
	}
	spots := map[string]float64{"SPY": 400}
	rets := map[string][]float64{"SPY": repeat(-0.0625, 64)}

	base := risk.UltraShortVaR(risk.UVaRInput{
		Positions: positions, Spots: spots, Returns: rets, MaxDays: 90,
	})
	withCand := risk.UltraShortVaR(risk.UVaRInput{
		Positions:    positions,
		Candidate:    deltaContract("SPY", 0.25, 9.90, 10.10),
		CandidateQty: 1,
		Spots:        spots,
		Returns:      rets,
		MaxDays:      90,
	})
	if math.Abs(base.Loss-625) > 1e-6 {
		t.Errorf("base loss = %v, want 625", base.Loss)
	}
	if math.Abs(withCand.Loss-1250) > 1e-6 {
		t.Errorf("incremental loss = %v, want 1250", withCand.Loss)
	}
}

func TestUVaRNoLegs(t *testing.T) {
	res := risk.UltraShortVaR(risk.UVaRInput{MaxDays: 90})
	if res.Loss != 0 || res.Days != 0 {
		t.Errorf("got %+v, want zero result", res)
	}
}
