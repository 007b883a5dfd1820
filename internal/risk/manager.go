package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/config"
	"github.com/tradenova/trading-core/internal/metrics"
	"github.com/tradenova/trading-core/internal/universe"
	"github.com/tradenova/trading-core/pkg/types"
)

// Layer names, in evaluation order.
const (
	LayerKillSwitch = "kill_switch"
	LayerGap        = "gap_risk"
	LayerLiquidity  = "liquidity"
	LayerIVRegime   = "iv_regime"
	LayerGreeks     = "greeks_caps"
	LayerUVaR       = "uvar"
	LayerHeat       = "portfolio_heat"
	LayerBudget     = "daily_budget"
)

// BookView is the read side of the position table the stack projects
// against.
type BookView interface {
	Greeks() types.PortfolioGreeks
	Snapshot() []types.Position
}

// Deps are the collaborators the stack consults.
type Deps struct {
	Gap    *GapMonitor
	Filter *universe.Filter
	IV     IVStore
	Book   BookView
}

// EntryRequest is one proposed long-option entry.
type EntryRequest struct {
	Underlying string
	Contract   *types.OptionContract
	BaseQty    int
	Now        time.Time
}

// ReduceAction names one forced reduction emitted on a hard greeks breach.
type ReduceAction struct {
	OptionSymbol string `json:"optionSymbol"`
	Underlying   string `json:"underlying"`
	Qty          int    `json:"qty"`
	Reason       string `json:"reason"`
}

// Reservation holds an approved entry's claim on the daily budget and the
// projected greeks until the order outcome is known. Exactly one of Commit
// or Release must follow.
type Reservation struct {
	underlying string
	qty        int
	greeks     types.Greeks
	cost       float64
	done       bool
}

// EntryVerdict is the stack's answer: the decision trail in layer order,
// the sized quantity, and a live reservation when the entry may proceed.
type EntryVerdict struct {
	Allowed     bool                 `json:"allowed"`
	Qty         int                  `json:"qty"`
	FastExit    bool                 `json:"fastExit"`
	Trail       []types.RiskDecision `json:"trail"`
	Blocked     *types.RiskDecision  `json:"blocked,omitempty"`
	Reductions  []ReduceAction       `json:"reductions,omitempty"`
	Reservation *Reservation         `json:"-"`
}

// Manager applies the ordered risk stack to every proposed entry and owns
// the session's mutable risk state. Decisions for concurrent symbols
// serialize on one mutex, so the daily budget and greeks projections stay
// consistent: an approved entry reserves its claim until the order outcome
// commits or releases it.
type Manager struct {
	logger *zap.Logger
	config config.RiskConfig

	gap    *GapMonitor
	filter *universe.Filter
	iv     IVStore
	book   BookView

	mu             sync.Mutex
	equity         float64
	peakBalance    float64
	dailyBaseline  float64
	dailyPnL       float64
	lossStreak     int
	tradesToday    int
	inflight       int
	reserved       types.PortfolioGreeks
	reservedCost   float64
	sessionDate    string
	disabledUntil  time.Time
	disabledReason string
	lastUVaR       float64
	lastHeat       float64

	spots   map[string]float64
	returns map[string][]float64
}

// NewManager builds the stack. Nil deps degrade to safe defaults: an empty
// gap calendar, the default liquidity filter, an in-process IV store, and
// an empty book.
func NewManager(logger *zap.Logger, cfg config.RiskConfig, deps Deps) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:  logger.Named("risk"),
		config:  cfg,
		gap:     deps.Gap,
		filter:  deps.Filter,
		iv:      deps.IV,
		book:    deps.Book,
		spots:   make(map[string]float64),
		returns: make(map[string][]float64),
	}
	if m.gap == nil {
		m.gap, _ = NewGapMonitor(logger, "", time.UTC)
	}
	if m.filter == nil {
		m.filter = universe.NewFilter(logger, universe.DefaultFilterConfig())
	}
	if m.iv == nil {
		m.iv = NewMemoryIVStore()
	}
	if m.book == nil {
		m.book = emptyBook{}
	}
	return m
}

type emptyBook struct{}

func (emptyBook) Greeks() types.PortfolioGreeks { return types.PortfolioGreeks{} }
func (emptyBook) Snapshot() []types.Position    { return nil }

// CheckEntry runs the stack against one proposed entry. The first non-pass
// layer ends evaluation; its decision lands in Blocked and the returned
// error wraps ErrRiskBlocked. On approval the verdict carries the sized
// quantity and a reservation the caller must Commit or Release.
func (m *Manager) CheckEntry(ctx context.Context, req EntryRequest) (*EntryVerdict, error) {
	if req.Contract == nil {
		return nil, fmt.Errorf("check entry %s: nil contract", req.Underlying)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v := &EntryVerdict{}

	// The kill switch gates everything. An elapsed cooldown re-enables
	// entries on the next check.
	if !m.disabledUntil.IsZero() {
		if req.Now.Before(m.disabledUntil) {
			dec := types.RiskDecision{
				Layer:  LayerKillSwitch,
				Reason: m.disabledReason,
				Level:  types.RiskLevelBlocked,
			}
			v.Trail = append(v.Trail, dec)
			return m.reject(v, req.Underlying, dec)
		}
		m.disabledUntil = time.Time{}
		m.disabledReason = ""
		m.logger.Info("kill switch cooldown elapsed, entries re-enabled")
	}

	// 1. Gap risk.
	ga := m.gap.Assess(req.Underlying, req.Now)
	gapDec := types.RiskDecision{
		Allowed:        ga.Level != GapCritical && ga.Level != GapHigh,
		Layer:          LayerGap,
		Level:          types.RiskLevelSafe,
		SizeMultiplier: ga.Multiplier,
		Reason:         "no scheduled events",
	}
	switch ga.Level {
	case GapCritical:
		gapDec.Level = types.RiskLevelBlocked
		gapDec.ForceExit = true
		gapDec.Reason = "gap_critical: " + ga.Event
	case GapHigh:
		gapDec.Level = types.RiskLevelBlocked
		gapDec.Reason = "gap_high: " + ga.Event
	case GapMedium, GapLow:
		gapDec.Level = types.RiskLevelWarning
		gapDec.Reason = fmt.Sprintf("gap_%s: %s", strings.ToLower(string(ga.Level)), ga.Event)
	}
	v.Trail = append(v.Trail, gapDec)
	if !gapDec.Allowed {
		return m.reject(v, req.Underlying, gapDec)
	}
	gapMult := ga.Multiplier

	// 2. Liquidity re-check. The selector already filtered, but quotes move
	// between selection and decision, so the predicate is applied again to
	// the contract actually chosen.
	stamp := m.filter.Check(req.Contract, req.Now)
	liqDec := types.RiskDecision{
		Allowed: stamp.Tradable(),
		Layer:   LayerLiquidity,
		Level:   types.RiskLevelSafe,
		Reason:  "liquidity ok",
	}
	if !stamp.Tradable() {
		liqDec.Level = types.RiskLevelBlocked
		liqDec.Reason = liquidityReason(stamp)
	}
	v.Trail = append(v.Trail, liqDec)
	if !liqDec.Allowed {
		return m.reject(v, req.Underlying, liqDec)
	}

	// 3. IV regime.
	ivDec, ivMult, fastExit := m.ivLayer(ctx, req)
	v.Trail = append(v.Trail, ivDec)
	if !ivDec.Allowed {
		return m.reject(v, req.Underlying, ivDec)
	}
	v.FastExit = fastExit

	// Sizing happens before the exposure layers: the gap and IV multipliers
	// shape quantity, and caps are judged on the size that would actually
	// trade. The floor is one contract.
	qty := int(math.Floor(float64(req.BaseQty) * gapMult * ivMult))
	if qty < 1 {
		qty = 1
	}

	// 4. Greeks caps on the projected post-trade portfolio, inflight
	// reservations included.
	current := m.book.Greeks()
	projected := current
	projected.Delta += m.reserved.Delta
	projected.Gamma += m.reserved.Gamma
	projected.Theta += m.reserved.Theta
	projected.Vega += m.reserved.Vega
	projected.Add(req.Contract.Greeks, qty)
	gDec, reductions := m.greeksLayer(current, projected)
	v.Trail = append(v.Trail, gDec)
	if !gDec.Allowed {
		v.Reductions = reductions
		return m.reject(v, req.Underlying, gDec)
	}

	// 5. UVaR, incremental with the candidate added.
	uDec := m.uvarLayer(req.Contract, qty)
	v.Trail = append(v.Trail, uDec)
	if !uDec.Allowed {
		return m.reject(v, req.Underlying, uDec)
	}

	// 6. Portfolio heat: total premium at risk across the book, inflight
	// reservations included, with the candidate's outlay added.
	cost := entryCost(req.Contract, qty)
	hDec := m.heatLayer(cost)
	v.Trail = append(v.Trail, hDec)
	if !hDec.Allowed {
		return m.reject(v, req.Underlying, hDec)
	}

	// 7. Daily budget. Inflight reservations count, so concurrent entries
	// cannot oversubscribe between decision and fill.
	used := m.tradesToday + m.inflight
	bDec := types.RiskDecision{
		Allowed: used < m.config.DailyTradeLimit,
		Layer:   LayerBudget,
		Level:   types.RiskLevelSafe,
		Reason:  fmt.Sprintf("trade %d of %d", used+1, m.config.DailyTradeLimit),
	}
	if !bDec.Allowed {
		bDec.Level = types.RiskLevelBlocked
		bDec.Reason = fmt.Sprintf("daily_budget_exhausted: %d of %d used", used, m.config.DailyTradeLimit)
	}
	v.Trail = append(v.Trail, bDec)
	if !bDec.Allowed {
		return m.reject(v, req.Underlying, bDec)
	}

	m.inflight++
	m.reserved.Add(req.Contract.Greeks, qty)
	m.reservedCost += cost
	v.Allowed = true
	v.Qty = qty
	v.Reservation = &Reservation{
		underlying: req.Underlying,
		qty:        qty,
		greeks:     req.Contract.Greeks,
		cost:       cost,
	}
	m.logger.Info("entry approved",
		zap.String("underlying", req.Underlying),
		zap.String("contract", req.Contract.Symbol),
		zap.Int("qty", qty),
		zap.Float64("gap_mult", gapMult),
		zap.Float64("iv_mult", ivMult),
		zap.Bool("fast_exit", fastExit))
	return v, nil
}

func (m *Manager) reject(v *EntryVerdict, underlying string, dec types.RiskDecision) (*EntryVerdict, error) {
	metrics.StageRejections.WithLabelValues("risk", dec.Layer).Inc()
	m.logger.Info("entry blocked",
		zap.String("underlying", underlying),
		zap.String("layer", dec.Layer),
		zap.String("reason", dec.Reason))
	v.Blocked = &dec
	return v, fmt.Errorf("%s: %s: %w", dec.Layer, dec.Reason, types.ErrRiskBlocked)
}

func liquidityReason(s types.LiquidityStamp) string {
	switch {
	case !s.PassesBid:
		return "bid_too_low"
	case !s.PassesSpread:
		return "spread_too_wide"
	case !s.PassesSize:
		return "bid_size_too_small"
	default:
		return "quote_stale"
	}
}

// ivLayer ranks the contract's vol inside the trailing window. Missing or
// thin history passes with a warning: a data gap is not a risk signal.
func (m *Manager) ivLayer(ctx context.Context, req EntryRequest) (types.RiskDecision, float64, bool) {
	dec := types.RiskDecision{
		Allowed:        true,
		Layer:          LayerIVRegime,
		Level:          types.RiskLevelSafe,
		SizeMultiplier: 1,
	}
	cur := req.Contract.ImpliedVol
	if cur <= 0 {
		dec.Level = types.RiskLevelWarning
		dec.Reason = "iv_unavailable"
		return dec, 1, false
	}
	since := req.Now.AddDate(0, 0, -m.config.IVLookbackDays)
	hist, err := m.iv.History(ctx, req.Underlying, since)
	if err != nil {
		m.logger.Warn("iv history read failed",
			zap.String("symbol", req.Underlying), zap.Error(err))
		dec.Level = types.RiskLevelWarning
		dec.Reason = "iv_history_unavailable"
		return dec, 1, false
	}
	rank, ok := IVRank(hist, cur)
	if !ok {
		dec.Level = types.RiskLevelWarning
		dec.Reason = "iv_history_thin"
		return dec, 1, false
	}
	switch {
	case rank < 20:
		// Cheap vol favors long premium; flagged so the decision trail
		// shows the regime.
		dec.Level = types.RiskLevelWarning
		dec.Reason = fmt.Sprintf("iv_rank_low: %.0f", rank)
		return dec, 1, false
	case rank < 50:
		dec.Reason = fmt.Sprintf("iv_rank_normal: %.0f", rank)
		return dec, 1, false
	case rank <= 80:
		dec.Level = types.RiskLevelWarning
		dec.Reason = fmt.Sprintf("iv_rank_elevated: %.0f", rank)
		return dec, 1, true
	default:
		dec.Allowed = false
		dec.Level = types.RiskLevelBlocked
		dec.Reason = fmt.Sprintf("iv_rank_extreme: %.0f", rank)
		dec.SizeMultiplier = 0.6
		return dec, 0.6, false
	}
}

// greeksLayer judges the projected portfolio against the absolute caps.
// At or under a cap passes; over blocks; over cap × HardBreachMult also
// emits forced reductions of existing positions.
func (m *Manager) greeksLayer(current, projected types.PortfolioGreeks) (types.RiskDecision, []ReduceAction) {
	dec := types.RiskDecision{
		Allowed:   true,
		Layer:     LayerGreeks,
		Level:     types.RiskLevelSafe,
		Reason:    "greeks within caps",
		Projected: &projected,
		Current:   &current,
	}
	ratio := func(val, limit float64) float64 {
		if limit == 0 {
			return 0
		}
		return math.Abs(val) / math.Abs(limit)
	}
	// Theta's cap is a floor on decay: positive projected theta never
	// breaches, so its ratio goes negative and drops out.
	checks := []struct {
		name  string
		ratio float64
	}{
		{"delta", ratio(projected.Delta, m.config.MaxDelta)},
		{"gamma", ratio(projected.Gamma, m.config.MaxGamma)},
		{"theta", projected.Theta / m.config.MaxThetaPerDay},
		{"vega", ratio(projected.Vega, m.config.MaxVega)},
	}
	worstName, worstRatio := "", 0.0
	for _, c := range checks {
		if c.ratio > worstRatio {
			worstName, worstRatio = c.name, c.ratio
		}
	}
	if worstRatio <= 1 {
		return dec, nil
	}
	dec.Allowed = false
	dec.Level = types.RiskLevelBlocked
	if worstRatio > m.config.HardBreachMult {
		dec.Reason = fmt.Sprintf("%s_cap_hard: projected %.2fx of cap", worstName, worstRatio)
		return dec, m.reduceActions(worstName)
	}
	dec.Level = types.RiskLevelDanger
	dec.Reason = fmt.Sprintf("%s_cap: projected %.2fx of cap", worstName, worstRatio)
	return dec, nil
}

// reduceActions names the existing positions to trim until the breached
// greek is back under its cap. Only positions pushing in the breach
// direction count; the largest contributors go first.
func (m *Manager) reduceActions(greek string) []ReduceAction {
	var (
		total float64
		limit float64
		per   func(types.Greeks) float64
	)
	cur := m.book.Greeks()
	switch greek {
	case "delta":
		total, limit, per = cur.Delta, m.config.MaxDelta, func(g types.Greeks) float64 { return g.Delta }
	case "gamma":
		total, limit, per = cur.Gamma, m.config.MaxGamma, func(g types.Greeks) float64 { return g.Gamma }
	case "theta":
		if cur.Theta >= 0 {
			return nil
		}
		total, limit, per = cur.Theta, m.config.MaxThetaPerDay, func(g types.Greeks) float64 { return g.Theta }
	case "vega":
		total, limit, per = cur.Vega, m.config.MaxVega, func(g types.Greeks) float64 { return g.Vega }
	default:
		return nil
	}
	excess := math.Abs(total) - math.Abs(limit)
	if excess <= 0 {
		// The candidate alone caused the breach; rejecting it is enough.
		return nil
	}

	positions := m.book.Snapshot()
	sort.Slice(positions, func(i, j int) bool {
		ci := math.Abs(per(positions[i].Greeks)) * float64(positions[i].Qty)
		cj := math.Abs(per(positions[j].Greeks)) * float64(positions[j].Qty)
		return ci > cj
	})
	var actions []ReduceAction
	for i := range positions {
		p := &positions[i]
		signed := per(p.Greeks) * float64(p.Qty) * types.ContractMultiplier
		if signed*total <= 0 {
			continue
		}
		contrib := math.Abs(per(p.Greeks)) * types.ContractMultiplier
		if contrib == 0 {
			continue
		}
		n := int(math.Ceil(excess / contrib))
		if n > p.Qty {
			n = p.Qty
		}
		actions = append(actions, ReduceAction{
			OptionSymbol: p.OptionSymbol,
			Underlying:   p.Underlying,
			Qty:          n,
			Reason:       greek + "_cap_hard",
		})
		excess -= float64(n) * contrib
		if excess <= 0 {
			break
		}
	}
	return actions
}

// uvarLayer runs the incremental historical simulation. The loss exactly at
// the cap passes; past the warn fraction the trail flags it. A window
// shorter than the configured minimum warns instead of judging.
func (m *Manager) uvarLayer(contract *types.OptionContract, qty int) types.RiskDecision {
	res := UltraShortVaR(UVaRInput{
		Positions:    m.book.Snapshot(),
		Candidate:    contract,
		CandidateQty: qty,
		Spots:        m.spots,
		Returns:      m.returns,
		MaxDays:      m.config.UVaRLookbackDays,
	})
	m.lastUVaR = res.Loss
	metrics.UVaRGauge.Set(res.Loss)

	dec := types.RiskDecision{Allowed: true, Layer: LayerUVaR, Level: types.RiskLevelSafe}
	limit := m.config.MaxUVaRPct * m.equity
	switch {
	case m.equity <= 0:
		dec.Level = types.RiskLevelWarning
		dec.Reason = "equity_unknown"
	case res.Loss > limit:
		dec.Allowed = false
		dec.Level = types.RiskLevelBlocked
		dec.Reason = fmt.Sprintf("uvar_exceeded: $%.0f over $%.0f limit", res.Loss, limit)
	case res.Days < m.config.UVaRMinDays:
		dec.Level = types.RiskLevelWarning
		dec.Reason = fmt.Sprintf("uvar_window_thin: %d days", res.Days)
	case res.Loss >= m.config.UVaRWarnFraction*limit:
		dec.Level = types.RiskLevelWarning
		dec.Reason = fmt.Sprintf("uvar_near_limit: $%.0f of $%.0f", res.Loss, limit)
	default:
		dec.Reason = fmt.Sprintf("uvar ok: $%.0f", res.Loss)
	}
	return dec
}

// entryCost is the candidate's worst-case premium outlay: ask when quoted,
// mid otherwise.
func entryCost(c *types.OptionContract, qty int) float64 {
	premium := c.Ask
	if premium <= 0 {
		premium = c.Mid()
	}
	return premium * float64(qty) * types.ContractMultiplier
}

// heatLayer caps total premium at risk as a fraction of equity. Heat
// exactly at the cap passes; an unset cap disables the layer.
func (m *Manager) heatLayer(candidateCost float64) types.RiskDecision {
	dec := types.RiskDecision{Allowed: true, Layer: LayerHeat, Level: types.RiskLevelSafe}
	open := 0.0
	for _, p := range m.book.Snapshot() {
		open += p.EntryPrice * float64(p.Qty) * types.ContractMultiplier
	}
	heat := 0.0
	if m.equity > 0 {
		heat = (open + m.reservedCost + candidateCost) / m.equity
	}
	m.lastHeat = heat
	metrics.PortfolioHeat.Set(heat)
	switch {
	case m.config.PortfolioHeatCap <= 0:
		dec.Reason = "heat_cap_unset"
	case m.equity <= 0:
		dec.Level = types.RiskLevelWarning
		dec.Reason = "equity_unknown"
	case heat > m.config.PortfolioHeatCap:
		dec.Allowed = false
		dec.Level = types.RiskLevelBlocked
		dec.Reason = fmt.Sprintf("portfolio_heat: %.3f over %.2f cap", heat, m.config.PortfolioHeatCap)
	default:
		dec.Reason = fmt.Sprintf("heat %.2f of %.2f cap", heat, m.config.PortfolioHeatCap)
	}
	return dec
}

// Commit finalizes a reservation once the order reached a terminal or
// uncertain state. Uncertain orders still consume budget: the fill may
// have happened, and the next cycle's reconcile will surface it.
func (m *Manager) Commit(r *Reservation) {
	if r == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	m.inflight--
	m.tradesToday++
	m.reserved.Add(r.greeks, -r.qty)
	m.reservedCost -= r.cost
}

// Release frees a reservation whose order is confirmed not to have filled.
func (m *Manager) Release(r *Reservation) {
	if r == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	m.inflight--
	m.reserved.Add(r.greeks, -r.qty)
	m.reservedCost -= r.cost
}

// RecordTradeResult folds one closed trade's realized P&L into session
// state and trips the kill switch on a loss streak or daily drawdown.
func (m *Manager) RecordTradeResult(pnl float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL += pnl
	switch {
	case pnl < 0:
		m.lossStreak++
	case pnl > 0:
		m.lossStreak = 0
	}
	if m.config.MaxLossStreak > 0 && m.lossStreak >= m.config.MaxLossStreak {
		m.trigger(fmt.Sprintf("loss_streak: %d consecutive losses", m.lossStreak), now)
		return
	}
	if m.config.MaxDailyLossPct > 0 && m.dailyBaseline > 0 &&
		m.dailyPnL <= -m.config.MaxDailyLossPct*m.dailyBaseline {
		m.trigger(fmt.Sprintf("daily_loss: down $%.0f on $%.0f baseline", -m.dailyPnL, m.dailyBaseline), now)
	}
}

func (m *Manager) trigger(reason string, now time.Time) {
	if !m.disabledUntil.IsZero() && now.Before(m.disabledUntil) {
		return
	}
	m.disabledUntil = now.Add(m.config.KillSwitchCooldown)
	m.disabledReason = reason
	m.logger.Error("kill switch triggered",
		zap.String("reason", reason),
		zap.Time("until", m.disabledUntil))
}

// UpdateEquity records the latest account snapshot. Peak balance only
// ratchets up; the first observation seeds the daily baseline.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
	if equity > m.peakBalance {
		m.peakBalance = equity
	}
	if m.dailyBaseline == 0 {
		m.dailyBaseline = equity
	}
}

// SetMarketData refreshes the spot and trailing daily returns the UVaR
// simulation draws from. Called once per symbol per cycle.
func (m *Manager) SetMarketData(symbol string, spot float64, returns []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spots[symbol] = spot
	m.returns[symbol] = returns
}

// ObserveIV records the chain's representative IV for the session day.
func (m *Manager) ObserveIV(ctx context.Context, symbol string, now time.Time, chain []types.OptionContract) {
	iv, ok := RepresentativeIV(chain)
	if !ok {
		return
	}
	if err := m.iv.Record(ctx, symbol, now, iv); err != nil {
		m.logger.Warn("iv record failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

// GapAssess exposes the calendar verdict for exit handling: positions under
// a CRITICAL event must go regardless of profit.
func (m *Manager) GapAssess(symbol string, now time.Time) GapAssessment {
	return m.gap.Assess(symbol, now)
}

// ResetDaily zeroes the session counters at market open. The loss streak
// spans sessions; peak balance always survives.
func (m *Manager) ResetDaily(sessionDate string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionDate = sessionDate
	m.tradesToday = 0
	m.dailyPnL = 0
	m.dailyBaseline = m.equity
	m.logger.Info("daily risk state reset", zap.String("session", sessionDate))
}

// DisableEntries forces the kill switch on, independent of loss triggers.
// The scheduler uses it when a global failure degrades the loop: exits
// keep running, entries stop.
func (m *Manager) DisableEntries(reason string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabledUntil = until
	m.disabledReason = reason
	m.logger.Warn("entries disabled",
		zap.String("reason", reason),
		zap.Time("until", until))
}

// EnableEntries clears the kill switch.
func (m *Manager) EnableEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabledUntil = time.Time{}
	m.disabledReason = ""
	m.logger.Info("entries re-enabled")
}

// EntriesDisabled reports whether the kill switch currently blocks entries.
func (m *Manager) EntriesDisabled(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disabledUntil.IsZero() && now.Before(m.disabledUntil)
}

// State is the journaled slice of risk state that survives restarts.
type State struct {
	SessionDate    string    `json:"sessionDate"`
	TradesToday    int       `json:"tradesToday"`
	PeakBalance    float64   `json:"peakBalance"`
	LossStreak     int       `json:"lossStreak"`
	DailyBaseline  float64   `json:"dailyBaseline"`
	DailyPnL       float64   `json:"dailyPnl"`
	DisabledUntil  time.Time `json:"disabledUntil,omitempty"`
	DisabledReason string    `json:"disabledReason,omitempty"`
}

// State snapshots the journaled fields.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		SessionDate:    m.sessionDate,
		TradesToday:    m.tradesToday,
		PeakBalance:    m.peakBalance,
		LossStreak:     m.lossStreak,
		DailyBaseline:  m.dailyBaseline,
		DailyPnL:       m.dailyPnL,
		DisabledUntil:  m.disabledUntil,
		DisabledReason: m.disabledReason,
	}
}

// Restore loads journaled state. Daily counters only survive a restart
// within the same session; peak balance, the loss streak, and an active
// kill switch always carry over.
func (m *Manager) Restore(s State, sessionDate string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peakBalance = s.PeakBalance
	m.lossStreak = s.LossStreak
	m.disabledUntil = s.DisabledUntil
	m.disabledReason = s.DisabledReason
	if s.SessionDate == sessionDate {
		m.sessionDate = s.SessionDate
		m.tradesToday = s.TradesToday
		m.dailyBaseline = s.DailyBaseline
		m.dailyPnL = s.DailyPnL
	} else {
		m.sessionDate = sessionDate
	}
}

// Stats is a point-in-time snapshot for the status endpoint.
type Stats struct {
	Equity         float64   `json:"equity"`
	PeakBalance    float64   `json:"peakBalance"`
	DailyPnL       float64   `json:"dailyPnl"`
	TradesToday    int       `json:"tradesToday"`
	TradesInFlight int       `json:"tradesInFlight"`
	TradeLimit     int       `json:"tradeLimit"`
	LossStreak     int       `json:"lossStreak"`
	Disabled       bool      `json:"disabled"`
	DisabledReason string    `json:"disabledReason,omitempty"`
	DisabledUntil  time.Time `json:"disabledUntil,omitempty"`
	LastUVaR       float64   `json:"lastUvar"`
	LastHeat       float64   `json:"lastHeat"`
}

// Stats snapshots the session for observability.
func (m *Manager) Stats(now time.Time) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Equity:         m.equity,
		PeakBalance:    m.peakBalance,
		DailyPnL:       m.dailyPnL,
		TradesToday:    m.tradesToday,
		TradesInFlight: m.inflight,
		TradeLimit:     m.config.DailyTradeLimit,
		LossStreak:     m.lossStreak,
		Disabled:       !m.disabledUntil.IsZero() && now.Before(m.disabledUntil),
		DisabledReason: m.disabledReason,
		DisabledUntil:  m.disabledUntil,
		LastUVaR:       m.lastUVaR,
		LastHeat:       m.lastHeat,
	}
}
