package positions

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradenova/trading-core/pkg/types"
)

// Book is the open-position table, keyed by OCC option symbol with a
// second index by underlying. All mutation happens under its lock, and
// quantities only ever shrink: entries insert, exits reduce, and a
// position that reaches zero is removed and logged as a closed trade.
type Book struct {
	mu       sync.RWMutex
	byOption map[string]*types.Position
	byUnder  map[string]string
	closed   []types.ClosedTrade
}

// NewBook returns an empty position table.
func NewBook() *Book {
	return &Book{
		byOption: make(map[string]*types.Position),
		byUnder:  make(map[string]string),
	}
}

// Open inserts a new position. It fails when the underlying already has
// an open position, when the option symbol is already held, or when
// limit > 0 and the book is full. Missing OriginalQty and CurrentPrice
// default from the entry.
func (b *Book) Open(pos types.Position, limit int) error {
	if pos.OptionSymbol == "" || pos.Underlying == "" {
		return fmt.Errorf("positions: option and underlying symbols required")
	}
	if pos.Qty <= 0 {
		return fmt.Errorf("positions: %s: quantity must be positive", pos.OptionSymbol)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byUnder[pos.Underlying]; ok {
		return fmt.Errorf("%s: %w", pos.Underlying, types.ErrPositionExists)
	}
	if _, ok := b.byOption[pos.OptionSymbol]; ok {
		return fmt.Errorf("%s: %w", pos.OptionSymbol, types.ErrPositionExists)
	}
	if limit > 0 && len(b.byOption) >= limit {
		return fmt.Errorf("%d open: %w", len(b.byOption), types.ErrMaxPositions)
	}

	if pos.OriginalQty < pos.Qty {
		pos.OriginalQty = pos.Qty
	}
	if pos.CurrentPrice <= 0 {
		pos.CurrentPrice = pos.EntryPrice
	}
	p := pos
	b.byOption[p.OptionSymbol] = &p
	b.byUnder[p.Underlying] = p.OptionSymbol
	return nil
}

// Get returns a copy of the position holding optionSymbol.
func (b *Book) Get(optionSymbol string) (types.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.byOption[optionSymbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// HasUnderlying reports whether the underlying carries an open position.
func (b *Book) HasUnderlying(underlying string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byUnder[underlying]
	return ok
}

// Len is the number of open positions.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byOption)
}

// Snapshot copies the open positions, sorted by option symbol so callers
// iterate in a stable order.
func (b *Book) Snapshot() []types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Position, 0, len(b.byOption))
	for _, p := range b.byOption {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OptionSymbol < out[j].OptionSymbol })
	return out
}

// Greeks aggregates per-contract greeks across the book with the
// contract multiplier applied.
func (b *Book) Greeks() types.PortfolioGreeks {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var g types.PortfolioGreeks
	for _, p := range b.byOption {
		g.Add(p.Greeks, p.Qty)
	}
	return g
}

// Mark sets the position's mark price and ratchets the profit high-water
// mark. Non-positive prices leave the last known mark in place; a non-nil
// greeks pointer refreshes the per-contract greeks. Returns the updated
// copy.
func (b *Book) Mark(optionSymbol string, price float64, greeks *types.Greeks) (types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byOption[optionSymbol]
	if !ok {
		return types.Position{}, false
	}
	if price > 0 {
		p.CurrentPrice = price
		if pnl := p.PnLPct(); pnl > p.HighestProfitPct {
			p.HighestProfitPct = pnl
		}
	}
	if greeks != nil {
		p.Greeks = *greeks
	}
	return *p, true
}

// AdvanceLadder records take-profit rungs fired through level and arms
// the trailing stop when asked. The level never moves backward.
func (b *Book) AdvanceLadder(optionSymbol string, level int, armTrailing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byOption[optionSymbol]
	if !ok {
		return
	}
	if level > p.TPLevel {
		p.TPLevel = level
	}
	if armTrailing {
		p.TrailingArmed = true
	}
}

// Reduce lowers the position's quantity by a confirmed sell fill and
// accrues realized P&L at the fill price. Requests beyond the held
// quantity clamp to it. When the quantity reaches zero the position is
// removed and the returned ClosedTrade is non-nil; otherwise the updated
// position comes back with a nil trade.
func (b *Book) Reduce(optionSymbol string, qty int, fillPrice float64, now time.Time, reason string) (types.Position, *types.ClosedTrade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byOption[optionSymbol]
	if !ok {
		return types.Position{}, nil, fmt.Errorf("positions: %s not open", optionSymbol)
	}
	if qty <= 0 {
		return *p, nil, nil
	}
	return b.reduceLocked(p, qty, fillPrice, now, reason)
}

// Drop removes a position without a broker fill, realizing the remainder
// at the last known mark. Used when reconciliation finds the broker no
// longer holds it.
func (b *Book) Drop(optionSymbol string, now time.Time, reason string) (types.ClosedTrade, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byOption[optionSymbol]
	if !ok {
		return types.ClosedTrade{}, false
	}
	_, trade, _ := b.reduceLocked(p, p.Qty, p.CurrentPrice, now, reason)
	if trade == nil {
		return types.ClosedTrade{}, false
	}
	return *trade, true
}

// Sync forces the quantity to the broker-reported value. Downward moves
// realize the difference at the current mark, since the fill the core
// never confirmed has no known price; a zero target closes the position.
// Upward moves adopt the broker quantity verbatim.
func (b *Book) Sync(optionSymbol string, qty int, now time.Time) (types.Position, *types.ClosedTrade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byOption[optionSymbol]
	if !ok {
		return types.Position{}, nil, fmt.Errorf("positions: %s not open", optionSymbol)
	}
	switch {
	case qty == p.Qty:
		return *p, nil, nil
	case qty < p.Qty:
		return b.reduceLocked(p, p.Qty-qty, p.CurrentPrice, now, ReasonReconcile)
	default:
		p.Qty = qty
		if p.OriginalQty < qty {
			p.OriginalQty = qty
		}
		return *p, nil, nil
	}
}

// reduceLocked applies a quantity reduction under the held lock.
func (b *Book) reduceLocked(p *types.Position, qty int, fillPrice float64, now time.Time, reason string) (types.Position, *types.ClosedTrade, error) {
	if qty > p.Qty {
		qty = p.Qty
	}
	if fillPrice <= 0 {
		fillPrice = p.CurrentPrice
	}
	p.RealizedPnL += (fillPrice - p.EntryPrice) * float64(qty) * types.ContractMultiplier
	p.Qty -= qty
	if p.Qty > 0 {
		return *p, nil, nil
	}

	exit := p.EntryPrice
	if p.OriginalQty > 0 {
		exit = p.EntryPrice + p.RealizedPnL/(types.ContractMultiplier*float64(p.OriginalQty))
	}
	trade := types.ClosedTrade{
		OptionSymbol: p.OptionSymbol,
		Underlying:   p.Underlying,
		Qty:          p.OriginalQty,
		EntryPrice:   p.EntryPrice,
		ExitPrice:    exit,
		EntryTime:    p.EntryTime,
		ExitTime:     now,
		RealizedPnL:  p.RealizedPnL,
		Reason:       reason,
		AgentID:      p.AgentID,
	}
	b.closed = append(b.closed, trade)
	delete(b.byOption, p.OptionSymbol)
	delete(b.byUnder, p.Underlying)
	final := *p
	return final, &trade, nil
}

// ClosedTrades copies the trades closed since the last session reset.
func (b *Book) ClosedTrades() []types.ClosedTrade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.ClosedTrade, len(b.closed))
	copy(out, b.closed)
	return out
}

// SeedClosed preloads the closed-trade log, used when restoring an
// intraday restart so session statistics stay continuous.
func (b *Book) SeedClosed(trades []types.ClosedTrade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, trades...)
}

// ResetSession clears the closed-trade log for a new trading day.
func (b *Book) ResetSession() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = nil
}
