// Package positions tracks open option positions and drives their exits:
// stop loss, the tiered take-profit ladder, the trailing stop, expiry
// pressure, gap-risk force exits, and the end-of-day flatten. All
// mutation goes through the Book, so quantities only shrink, an
// underlying never carries two open positions, and the table is only
// touched after a confirmed fill. An exit order whose outcome could not
// be confirmed halts its underlying until the next broker reconcile.
package positions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradenova/trading-core/internal/config"
	"github.com/tradenova/trading-core/internal/metrics"
	"github.com/tradenova/trading-core/pkg/types"
)

// Config holds the exit rules and the position cap.
type Config struct {
	StopLossPct  float64
	TPLadder     []config.TPLevel
	MaxPositions int
}

// DefaultConfig mirrors the stock exit settings.
func DefaultConfig() Config {
	return Config{
		StopLossPct:  0.20,
		TPLadder:     config.DefaultTPLadder(),
		MaxPositions: 10,
	}
}

// QuoteSource resolves a live option quote for mark-to-market.
type QuoteSource interface {
	GetQuote(ctx context.Context, optionSymbol string) (*types.Quote, error)
}

// OrderExecutor is the slice of the broker surface exits need.
type OrderExecutor interface {
	ExecuteMarketOrder(ctx context.Context, symbol string, side types.OrderSide, qty int) (*types.Order, error)
	ListPositions(ctx context.Context) ([]types.Position, error)
}

// Deps are the manager's collaborators. OnClose fires once per fully
// closed position with the realized trade record.
type Deps struct {
	Broker  OrderExecutor
	Quotes  QuoteSource
	OnClose func(types.ClosedTrade)
}

// ExitResult is the outcome of one exit attempt.
type ExitResult struct {
	OptionSymbol string  `json:"optionSymbol"`
	Underlying   string  `json:"underlying"`
	Qty          int     `json:"qty"`
	FilledQty    int     `json:"filledQty"`
	Reason       string  `json:"reason"`
	Closed       bool    `json:"closed"`
	Realized     float64 `json:"realized"`
	Err          error   `json:"-"`
}

// Manager owns the position book and runs the per-cycle exit pass.
type Manager struct {
	logger *zap.Logger
	config Config

	book   *Book
	broker OrderExecutor
	quotes QuoteSource

	onClose func(types.ClosedTrade)

	mu     sync.Mutex
	halted map[string]bool
}

// NewManager builds the position manager. A nil broker leaves the book
// read-only: exits are planned but every order attempt fails.
func NewManager(logger *zap.Logger, cfg Config, deps Deps) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StopLossPct <= 0 {
		cfg.StopLossPct = 0.20
	}
	if len(cfg.TPLadder) == 0 {
		cfg.TPLadder = config.DefaultTPLadder()
	}
	return &Manager{
		logger:  logger.Named("positions"),
		config:  cfg,
		book:    NewBook(),
		broker:  deps.Broker,
		quotes:  deps.Quotes,
		onClose: deps.OnClose,
		halted:  make(map[string]bool),
	}
}

// Book exposes the position table for risk projections and the API.
func (m *Manager) Book() *Book {
	return m.book
}

// OpenPosition records a confirmed entry fill. The one-per-underlying
// and max-positions invariants are enforced atomically by the book.
func (m *Manager) OpenPosition(pos types.Position) error {
	if err := m.book.Open(pos, m.config.MaxPositions); err != nil {
		return err
	}
	m.publishGauges()
	m.logger.Info("position opened",
		zap.String("option", pos.OptionSymbol),
		zap.String("underlying", pos.Underlying),
		zap.Int("qty", pos.Qty),
		zap.Float64("entry", pos.EntryPrice),
		zap.String("agent", pos.AgentID),
		zap.Bool("fastExit", pos.FastExit))
	return nil
}

// AtCapacity reports whether the book has no room for another position.
// Racing entries can still both pass; Open applies the cap atomically
// and the loser unwinds.
func (m *Manager) AtCapacity() bool {
	return m.config.MaxPositions > 0 && m.book.Len() >= m.config.MaxPositions
}

// ReducePosition sells qty contracts of an open position outside the
// normal exit rules. The risk stack uses it to unwind a hard greeks
// breach; the sale books like any other partial exit and a qty at or
// above the open quantity closes the position.
func (m *Manager) ReducePosition(ctx context.Context, optionSymbol string, qty int, reason string, now time.Time) ExitResult {
	pos, ok := m.book.Get(optionSymbol)
	if !ok {
		return ExitResult{
			OptionSymbol: optionSymbol,
			Reason:       reason,
			Err:          fmt.Errorf("reduce %s: position not in book", optionSymbol),
		}
	}
	if m.IsHalted(pos.Underlying) {
		return ExitResult{
			OptionSymbol: optionSymbol,
			Underlying:   pos.Underlying,
			Reason:       reason,
			Err:          fmt.Errorf("reduce %s: underlying %s halted", optionSymbol, pos.Underlying),
		}
	}
	if qty <= 0 || qty > pos.Qty {
		qty = pos.Qty
	}
	plan := exitPlan{qty: qty, full: qty == pos.Qty, reason: reason, level: pos.TPLevel}
	res := m.execute(ctx, pos, plan, now)
	m.publishGauges()
	return res
}

// ProcessExits marks every open position and executes whatever the exit
// rules demand. chains supplies this cycle's option chains by underlying
// for the mark fallback; force is the gap-risk force-exit check, nil
// when gap data is unavailable. Underlyings halted by an uncertain order
// are skipped until reconciliation clears them.
func (m *Manager) ProcessExits(ctx context.Context, now time.Time, chains map[string][]types.OptionContract, force func(underlying string) (bool, string)) []ExitResult {
	var results []ExitResult
	for _, pos := range m.book.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if m.IsHalted(pos.Underlying) {
			m.logger.Warn("skipping exits for halted underlying",
				zap.String("underlying", pos.Underlying),
				zap.String("option", pos.OptionSymbol))
			continue
		}

		marked := m.markPosition(ctx, pos, chains)
		plan, ok := planExit(marked, now, m.config, force)
		if !ok {
			continue
		}
		if plan.qty == 0 {
			// A rung rounded to zero contracts: record it fired and
			// move on, nothing to sell.
			m.book.AdvanceLadder(marked.OptionSymbol, plan.level, plan.arm)
			m.logger.Info("ladder advanced without exit",
				zap.String("option", marked.OptionSymbol),
				zap.Int("tpLevel", plan.level),
				zap.Bool("trailingArmed", plan.arm))
			continue
		}
		results = append(results, m.execute(ctx, marked, plan, now))
	}
	m.publishGauges()
	return results
}

// flattenParallel bounds concurrent flatten sells. Serial exits would
// spend the flatten budget one broker confirmation at a time.
const flattenParallel = 4

// Flatten market-closes every open position, selling across positions
// concurrently. One pass; the scheduler repeats passes until the book is
// empty or the flatten budget expires. Returns the number of positions
// still open.
func (m *Manager) Flatten(ctx context.Context, now time.Time) (int, []ExitResult) {
	var (
		resMu   sync.Mutex
		results []ExitResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flattenParallel)
	for _, pos := range m.book.Snapshot() {
		if m.IsHalted(pos.Underlying) {
			m.logger.Error("cannot flatten halted underlying, awaiting reconcile",
				zap.String("underlying", pos.Underlying),
				zap.String("option", pos.OptionSymbol))
			continue
		}
		pos := pos
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			plan := exitPlan{qty: pos.Qty, full: true, reason: ReasonFlatten, level: pos.TPLevel}
			res := m.execute(gctx, pos, plan, now)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
			return nil
		})
	}
	// Exit outcomes travel in results; the group never errors.
	_ = g.Wait()
	m.publishGauges()
	return m.book.Len(), results
}

// Reconcile aligns the book with the broker's positions list: fills the
// core never confirmed are adopted, sells that actually filled are
// realized at the last mark, and anything the broker no longer reports
// is dropped. A completed reconcile lifts every uncertainty halt.
func (m *Manager) Reconcile(ctx context.Context, now time.Time) error {
	if m.broker == nil {
		return fmt.Errorf("reconcile without broker: %w", types.ErrBrokerPermanent)
	}
	remote, err := m.broker.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	seen := make(map[string]bool, len(remote))
	for _, rp := range remote {
		seen[rp.OptionSymbol] = true
		if cur, ok := m.book.Get(rp.OptionSymbol); ok {
			if cur.Qty == rp.Qty {
				continue
			}
			m.logger.Warn("position quantity drift",
				zap.String("option", rp.OptionSymbol),
				zap.Int("book", cur.Qty),
				zap.Int("broker", rp.Qty))
			if _, trade, err := m.book.Sync(rp.OptionSymbol, rp.Qty, now); err == nil && trade != nil {
				m.notifyClosed(*trade)
			}
			continue
		}
		if err := m.book.Open(rp, 0); err != nil {
			m.logger.Error("cannot adopt broker position",
				zap.String("option", rp.OptionSymbol), zap.Error(err))
			continue
		}
		m.logger.Warn("adopted position from broker",
			zap.String("option", rp.OptionSymbol),
			zap.String("underlying", rp.Underlying),
			zap.Int("qty", rp.Qty))
	}

	for _, pos := range m.book.Snapshot() {
		if seen[pos.OptionSymbol] {
			continue
		}
		if trade, ok := m.book.Drop(pos.OptionSymbol, now, ReasonReconcile); ok {
			m.logger.Warn("dropped position missing at broker",
				zap.String("option", pos.OptionSymbol),
				zap.Float64("realized", trade.RealizedPnL))
			m.notifyClosed(trade)
		}
	}

	m.clearHalts()
	m.publishGauges()
	return nil
}

// Restore seeds the book from journaled state before the first broker
// reconcile. Conflicting entries are skipped, not fatal.
func (m *Manager) Restore(open []types.Position, closedTrades []types.ClosedTrade) {
	for _, pos := range open {
		if err := m.book.Open(pos, 0); err != nil {
			m.logger.Error("restore: skipping position",
				zap.String("option", pos.OptionSymbol), zap.Error(err))
		}
	}
	if len(closedTrades) > 0 {
		m.book.SeedClosed(closedTrades)
	}
	m.publishGauges()
}

// Halt marks an underlying as carrying an unresolved order outcome. No
// entries or exits touch it until Reconcile confirms the broker state.
func (m *Manager) Halt(underlying string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted[underlying] = true
}

// IsHalted reports whether the underlying awaits reconciliation.
func (m *Manager) IsHalted(underlying string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted[underlying]
}

// Halted lists halted underlyings in sorted order.
func (m *Manager) Halted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.halted))
	for u := range m.halted {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) clearHalts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for u := range m.halted {
		delete(m.halted, u)
	}
}

// markPosition resolves a fresh mark with the fallback ordering live
// quote, then this cycle's chain snapshot, then the last known price.
// A chain hit also refreshes the per-contract greeks.
func (m *Manager) markPosition(ctx context.Context, pos types.Position, chains map[string][]types.OptionContract) types.Position {
	if m.quotes != nil {
		q, err := m.quotes.GetQuote(ctx, pos.OptionSymbol)
		if err == nil && q != nil {
			if mid := q.Mid(); mid > 0 {
				marked, _ := m.book.Mark(pos.OptionSymbol, mid, nil)
				return marked
			}
		} else if err != nil {
			m.logger.Debug("live quote unavailable",
				zap.String("option", pos.OptionSymbol), zap.Error(err))
		}
	}

	for i := range chains[pos.Underlying] {
		c := &chains[pos.Underlying][i]
		if c.Symbol != pos.OptionSymbol {
			continue
		}
		var greeks *types.Greeks
		if c.Greeks != (types.Greeks{}) {
			greeks = &c.Greeks
		}
		if price := c.Mid(); price > 0 || greeks != nil {
			marked, _ := m.book.Mark(pos.OptionSymbol, price, greeks)
			return marked
		}
		break
	}

	m.logger.Debug("marking at last known price",
		zap.String("option", pos.OptionSymbol),
		zap.Float64("price", pos.CurrentPrice))
	return pos
}

// execute places the planned sell and applies the confirmed outcome to
// the book. Ladder bookkeeping advances only after contracts actually
// left the book, so a failed order retries on the next cycle.
func (m *Manager) execute(ctx context.Context, pos types.Position, plan exitPlan, now time.Time) ExitResult {
	res := ExitResult{
		OptionSymbol: pos.OptionSymbol,
		Underlying:   pos.Underlying,
		Qty:          plan.qty,
		Reason:       plan.reason,
	}
	if m.broker == nil {
		res.Err = fmt.Errorf("exit without broker: %w", types.ErrBrokerPermanent)
		return res
	}

	order, err := m.broker.ExecuteMarketOrder(ctx, pos.OptionSymbol, types.OrderSideSell, plan.qty)
	if err != nil {
		if errors.Is(err, types.ErrOrderUncertain) {
			m.Halt(pos.Underlying)
			m.logger.Error("exit order uncertain, halting underlying",
				zap.String("option", pos.OptionSymbol),
				zap.String("underlying", pos.Underlying),
				zap.String("reason", plan.reason))
		} else {
			m.logger.Warn("exit order failed",
				zap.String("option", pos.OptionSymbol),
				zap.String("reason", plan.reason),
				zap.Error(err))
		}
		res.Err = err
		return res
	}

	filled := 0
	price := pos.CurrentPrice
	if order != nil {
		filled = order.FilledQty
		if order.FilledAvgPrice > 0 {
			price = order.FilledAvgPrice
		}
	}
	if filled <= 0 {
		res.Err = fmt.Errorf("exit order for %s returned no fill", pos.OptionSymbol)
		m.logger.Warn("exit order unfilled",
			zap.String("option", pos.OptionSymbol),
			zap.String("reason", plan.reason))
		return res
	}

	updated, trade, err := m.book.Reduce(pos.OptionSymbol, filled, price, now, plan.reason)
	if err != nil {
		res.Err = err
		return res
	}
	m.book.AdvanceLadder(pos.OptionSymbol, plan.level, plan.arm)

	res.FilledQty = filled
	res.Realized = (price - pos.EntryPrice) * float64(filled) * types.ContractMultiplier
	metrics.ExitsTotal.WithLabelValues(plan.reason).Inc()

	if trade != nil {
		res.Closed = true
		m.logger.Info("position closed",
			zap.String("option", pos.OptionSymbol),
			zap.String("reason", plan.reason),
			zap.Int("qty", filled),
			zap.Float64("fill", price),
			zap.Float64("realized", trade.RealizedPnL))
		m.notifyClosed(*trade)
		return res
	}

	m.logger.Info("position reduced",
		zap.String("option", pos.OptionSymbol),
		zap.String("reason", plan.reason),
		zap.Int("sold", filled),
		zap.Int("remaining", updated.Qty),
		zap.Float64("fill", price),
		zap.Int("tpLevel", plan.level))
	return res
}

func (m *Manager) notifyClosed(trade types.ClosedTrade) {
	if m.onClose != nil {
		m.onClose(trade)
	}
}

func (m *Manager) publishGauges() {
	metrics.PositionsOpen.Set(float64(m.book.Len()))
	g := m.book.Greeks()
	metrics.PortfolioGreeks.WithLabelValues("delta").Set(g.Delta)
	metrics.PortfolioGreeks.WithLabelValues("gamma").Set(g.Gamma)
	metrics.PortfolioGreeks.WithLabelValues("theta").Set(g.Theta)
	metrics.PortfolioGreeks.WithLabelValues("vega").Set(g.Vega)
}
