package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/agents"
	"github.com/tradenova/trading-core/internal/clock"
	"github.com/tradenova/trading-core/internal/config"
	"github.com/tradenova/trading-core/internal/ensemble"
	"github.com/tradenova/trading-core/internal/features"
	"github.com/tradenova/trading-core/internal/journal"
	"github.com/tradenova/trading-core/internal/positions"
	"github.com/tradenova/trading-core/internal/regime"
	"github.com/tradenova/trading-core/internal/report"
	"github.com/tradenova/trading-core/internal/risk"
	"github.com/tradenova/trading-core/internal/universe"
	"github.com/tradenova/trading-core/internal/workers"
	"github.com/tradenova/trading-core/pkg/types"
)

const testOption = "SPY250622C00440000"

var newYork = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}()

// sessionTime fabricates a wall time on Tuesday 2025-06-17, a regular
// trading day, in the session timezone.
func sessionTime(hour, minute, second int) time.Time {
	return time.Date(2025, 6, 17, hour, minute, second, 0, newYork)
}

// fakeBroker scripts account and order behavior; every order fills
// verbatim at fillPrice unless orderErr is set.
type fakeBroker struct {
	mu         sync.Mutex
	equity     float64
	fillPrice  float64
	accountErr error
	orderErr   error
	orders     []scriptedOrder
	remote     []types.Position
	sweeps     int
}

type scriptedOrder struct {
	symbol string
	side   types.OrderSide
	qty    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{equity: 100_000, fillPrice: 2.10}
}

func (b *fakeBroker) setAccountErr(err error) {
	b.mu.Lock()
	b.accountErr = err
	b.mu.Unlock()
}

func (b *fakeBroker) setFillPrice(p float64) {
	b.mu.Lock()
	b.fillPrice = p
	b.mu.Unlock()
}

func (b *fakeBroker) setRemote(ps []types.Position) {
	b.mu.Lock()
	b.remote = ps
	b.mu.Unlock()
}

func (b *fakeBroker) ordersBySide(side types.OrderSide) []scriptedOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []scriptedOrder
	for _, o := range b.orders {
		if o.side == side {
			out = append(out, o)
		}
	}
	return out
}

func (b *fakeBroker) sweepCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sweeps
}

func (b *fakeBroker) ExecuteMarketOrder(_ context.Context, symbol string, side types.OrderSide, qty int) (*types.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, scriptedOrder{symbol: symbol, side: side, qty: qty})
	if b.orderErr != nil {
		return nil, b.orderErr
	}
	return &types.Order{
		ID:             fmt.Sprintf("ord-%d", len(b.orders)),
		Symbol:         symbol,
		Side:           side,
		Qty:            qty,
		Status:         types.OrderStatusFilled,
		FilledQty:      qty,
		FilledAvgPrice: b.fillPrice,
		IsOption:       true,
	}, nil
}

func (b *fakeBroker) ExecuteLimitOrder(ctx context.Context, symbol string, side types.OrderSide, qty int, _ float64) (*types.Order, error) {
	return b.ExecuteMarketOrder(ctx, symbol, side, qty)
}

func (b *fakeBroker) ExecuteBracketOrder(ctx context.Context, symbol string, side types.OrderSide, qty int, _, _, _ float64) (*types.Order, error) {
	return b.ExecuteMarketOrder(ctx, symbol, side, qty)
}

func (b *fakeBroker) CancelStaleOrders(context.Context, time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweeps++
	return 0, nil
}

func (b *fakeBroker) GetAccount(context.Context) (types.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountErr != nil {
		return types.Account{}, b.accountErr
	}
	return types.Account{Equity: b.equity, BuyingPower: b.equity, Cash: b.equity, MarketOpen: true}, nil
}

func (b *fakeBroker) ListPositions(context.Context) ([]types.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Position(nil), b.remote...), nil
}

func (b *fakeBroker) MarketClock(context.Context) (clock.MarketClock, error) {
	return clock.MarketClock{}, errors.New("scripted broker has no clock")
}

// fakeData serves scripted bars per timeframe and one option chain.
type fakeData struct {
	mu    sync.Mutex
	bars  map[types.Timeframe][]types.Bar
	chain []types.OptionContract
}

func (d *fakeData) setChain(chain []types.OptionContract) {
	d.mu.Lock()
	d.chain = chain
	d.mu.Unlock()
}

func (d *fakeData) GetBars(_ context.Context, _ string, tf types.Timeframe, _, _ time.Time) ([]types.Bar, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Bar(nil), d.bars[tf]...), nil
}

func (d *fakeData) GetChain(context.Context, string, *time.Time) ([]types.OptionContract, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.OptionContract(nil), d.chain...), nil
}

// stubAgent votes long with fixed confidence on every evaluation.
type stubAgent struct {
	mu       sync.Mutex
	weight   float64
	outcomes []agents.Outcome
}

func (a *stubAgent) ID() string { return "stub" }

func (a *stubAgent) Evaluate(actx *agents.Context) (*types.Intent, error) {
	return &types.Intent{
		Symbol:     actx.Symbol,
		Direction:  types.DirectionLong,
		Confidence: 0.9,
		AgentID:    "stub",
		Reasoning:  "scripted vote",
	}, nil
}

func (a *stubAgent) Weight() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.weight == 0 {
		return 1.0
	}
	return a.weight
}

func (a *stubAgent) SetWeight(w float64) {
	a.mu.Lock()
	a.weight = w
	a.mu.Unlock()
}

func (a *stubAgent) Observe(o agents.Outcome) {
	a.mu.Lock()
	a.outcomes = append(a.outcomes, o)
	a.mu.Unlock()
}

func (a *stubAgent) observed() []agents.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agents.Outcome(nil), a.outcomes...)
}

// fakeClockSource scripts the broker market-clock snapshot.
type fakeClockSource struct {
	mu sync.Mutex
	mc clock.MarketClock
}

func (f *fakeClockSource) MarketClock(context.Context) (clock.MarketClock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mc, nil
}

// trendingBars builds an upward-drifting series with enough wiggle that
// every indicator stays finite.
func trendingBars(n int, start time.Time, step time.Duration, price float64) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		open := price
		factor := 1.004
		if i%2 == 1 {
			factor = 0.999
		}
		price *= factor
		hi, lo := price, open
		if open > price {
			hi, lo = open, price
		}
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * step),
			Open:      open,
			High:      hi * 1.0005,
			Low:       lo * 0.9995,
			Close:     price,
			Volume:    10_000,
		}
	}
	return bars
}

// spyChain returns a one-contract liquid chain stamped at now: five days
// to expiry, 2.00/2.20 quoted, greeks small enough that a full-size entry
// stays inside the portfolio caps.
func spyChain(now time.Time) []types.OptionContract {
	return []types.OptionContract{{
		Symbol:       testOption,
		Underlying:   "SPY",
		Strike:       440,
		Expiration:   now.AddDate(0, 0, 5),
		Type:         types.OptionCall,
		Bid:          2.00,
		Ask:          2.20,
		Last:         2.10,
		BidSize:      25,
		AskSize:      25,
		Volume:       1_500,
		OpenInterest: 9_000,
		ImpliedVol:   0.22,
		Greeks:       types.Greeks{Delta: 0.04, Gamma: 0.001, Theta: -0.01, Vega: 0.02},
		QuoteTime:    now,
	}}
}

// heldPosition is a book entry matching the scripted chain, used to seed
// restart scenarios.
func heldPosition(now time.Time) types.Position {
	return types.Position{
		OptionSymbol: testOption,
		Underlying:   "SPY",
		Qty:          5,
		OriginalQty:  5,
		EntryPrice:   1.80,
		EntryTime:    now.Add(-2 * time.Hour),
		Strike:       440,
		Expiration:   now.AddDate(0, 0, 5),
		Type:         types.OptionCall,
		CurrentPrice: 1.90,
	}
}

type harness struct {
	sched   *Scheduler
	broker  *fakeBroker
	data    *fakeData
	agent   *stubAgent
	riskMgr *risk.Manager
	posMgr  *positions.Manager
	store   *journal.Store
	dir     string
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithSource(t, nil)
}

func newHarnessWithSource(t *testing.T, src clock.Source) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	clk, err := clock.New(logger, clock.DefaultConfig(), src)
	require.NoError(t, err)

	brk := newFakeBroker()
	anchor := sessionTime(9, 30, 0)
	data := &fakeData{bars: map[types.Timeframe][]types.Bar{
		types.Timeframe15m: trendingBars(60, anchor.Add(-15*time.Hour), 15*time.Minute, 390),
		types.Timeframe1d:  trendingBars(30, anchor.AddDate(0, 0, -30), 24*time.Hour, 390),
	}}

	agent := &stubAgent{}
	ens := ensemble.New(logger, ensemble.Config{ConfidenceThreshold: 0.70}, []agents.SignalProducer{agent})
	filter := universe.NewFilter(logger, universe.DefaultFilterConfig())
	selector := universe.NewSelector(logger, universe.DefaultSelectorConfig())

	var sched *Scheduler
	posMgr := positions.NewManager(logger, positions.DefaultConfig(), positions.Deps{
		Broker: brk,
		OnClose: func(trade types.ClosedTrade) {
			if sched != nil {
				sched.OnTradeClosed(trade)
			}
		},
	})

	iv := risk.NewMemoryIVStore()
	riskMgr := risk.NewManager(logger, config.RiskConfig{
		MaxDelta:           500,
		MaxGamma:           25,
		MaxThetaPerDay:     -300,
		MaxVega:            300,
		HardBreachMult:     1.5,
		MaxUVaRPct:         0.05,
		UVaRWarnFraction:   0.80,
		UVaRLookbackDays:   90,
		UVaRMinDays:        60,
		DailyTradeLimit:    5,
		PositionSizePct:    0.10,
		PortfolioHeatCap:   0.35,
		MaxLossStreak:      5,
		MaxDailyLossPct:    0.05,
		KillSwitchCooldown: time.Hour,
		IVLookbackDays:     90,
	}, risk.Deps{Filter: filter, IV: iv, Book: posMgr.Book()})

	pool := workers.NewPool(workers.Config{Workers: 2}, logger)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })

	store, err := journal.NewStore(config.StoreConfig{DataDir: dir}, logger)
	require.NoError(t, err)
	reports := report.NewWriter(config.StoreConfig{DataDir: dir}, logger)

	sched, err = New(logger, Config{
		Symbols:    []string{"SPY"},
		MaxWorkers: 2,
	}, Deps{
		Clock:     clk,
		Broker:    brk,
		Data:      data,
		Features:  features.NewEngine(logger, features.DefaultConfig()),
		Regimes:   regime.NewClassifier(logger, regime.DefaultConfig()),
		Ensemble:  ens,
		Filter:    filter,
		Selector:  selector,
		Risk:      riskMgr,
		Positions: posMgr,
		Pool:      pool,
		Journal:   store,
		Reports:   reports,
		IV:        iv,
		IVMemory:  iv,
	})
	require.NoError(t, err)

	return &harness{
		sched:   sched,
		broker:  brk,
		data:    data,
		agent:   agent,
		riskMgr: riskMgr,
		posMgr:  posMgr,
		store:   store,
		dir:     dir,
	}
}

// walkToRunning drives the machine through warmup into the open session.
func (h *harness) walkToRunning(t *testing.T, ctx context.Context) time.Time {
	t.Helper()
	h.sched.tick(ctx, sessionTime(8, 30, 0))
	require.Equal(t, StateWarmup, h.sched.machine.Current())

	h.sched.tick(ctx, sessionTime(8, 30, 30))
	require.Equal(t, StateWaiting, h.sched.machine.Current())

	open := sessionTime(9, 45, 0)
	h.sched.tick(ctx, open)
	require.Equal(t, StateRunning, h.sched.machine.Current())
	return open
}

// runCycleAt ticks at now and waits for the detached cycle to unwind.
func (h *harness) runCycleAt(t *testing.T, ctx context.Context, now time.Time) {
	t.Helper()
	h.sched.tick(ctx, now)
	waitForCondition(t, func() bool { return !h.sched.cycleRunning.Load() }, "cycle completion")
}

func waitForCondition(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTickClosedGates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Saturday.
	h.sched.tick(ctx, time.Date(2025, 6, 21, 9, 0, 0, 0, newYork))
	require.Equal(t, StateClosed, h.sched.machine.Current())

	// Weekday, before the warmup anchor.
	h.sched.tick(ctx, sessionTime(7, 0, 0))
	require.Equal(t, StateClosed, h.sched.machine.Current())

	// Weekday, after the close anchor.
	h.sched.tick(ctx, sessionTime(16, 30, 0))
	require.Equal(t, StateClosed, h.sched.machine.Current())

	// Inside the warmup window.
	h.sched.tick(ctx, sessionTime(8, 15, 0))
	require.Equal(t, StateWarmup, h.sched.machine.Current())
	require.Equal(t, "2025-06-17", h.sched.Status().SessionDate)
}

func TestWarmupFailureRetriesNextTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sched.tick(ctx, sessionTime(8, 30, 0))
	require.Equal(t, StateWarmup, h.sched.machine.Current())

	h.broker.setAccountErr(errors.New("account endpoint down"))
	h.sched.tick(ctx, sessionTime(8, 30, 30))
	require.Equal(t, StateWarmup, h.sched.machine.Current(), "failed warmup must hold the state")

	h.broker.setAccountErr(nil)
	h.sched.tick(ctx, sessionTime(8, 31, 0))
	require.Equal(t, StateWaiting, h.sched.machine.Current())
}

func TestCycleOpensPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	open := h.walkToRunning(t, ctx)

	now := open.Add(30 * time.Second)
	h.data.setChain(spyChain(now))
	h.runCycleAt(t, ctx, now)

	// Equity 100k at 10% sizing is a 10k budget; the 2.10 mid prices one
	// contract at 210, so the full approved size is 47.
	pos, ok := h.posMgr.Book().Get(testOption)
	require.True(t, ok, "expected an open position for the scripted contract")
	require.Equal(t, 47, pos.Qty)
	require.InDelta(t, 2.10, pos.EntryPrice, 1e-9)
	require.Equal(t, "stub", pos.AgentID)

	buys := h.broker.ordersBySide(types.OrderSideBuy)
	require.Len(t, buys, 1)
	require.Equal(t, testOption, buys[0].symbol)
	require.Equal(t, 47, buys[0].qty)

	stats := h.riskMgr.Stats(now)
	require.Equal(t, 1, stats.TradesToday)
	require.Zero(t, stats.TradesInFlight, "reservation must be committed")

	// The cycle checkpointed the session document.
	sess, err := h.store.Load()
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Len(t, sess.Positions, 1)
	require.Equal(t, "2025-06-17", sess.SessionDate)
	require.Equal(t, 1, sess.Risk.TradesToday)

	st := h.sched.Status()
	require.Equal(t, int64(1), st.Cycles)
	require.Zero(t, st.CyclesSkipped)
}

func TestSecondCycleHoldsExistingPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	open := h.walkToRunning(t, ctx)

	first := open.Add(30 * time.Second)
	h.data.setChain(spyChain(first))
	h.runCycleAt(t, ctx, first)
	require.True(t, h.posMgr.Book().HasUnderlying("SPY"))

	second := first.Add(5 * time.Minute)
	h.data.setChain(spyChain(second))
	h.runCycleAt(t, ctx, second)

	// One position per underlying: the second cycle marks and manages the
	// existing position instead of adding to it.
	require.Len(t, h.broker.ordersBySide(types.OrderSideBuy), 1)
	require.Equal(t, 1, h.posMgr.Book().Len())
	require.Equal(t, 1, h.riskMgr.Stats(second).TradesToday)
}

func TestOverrunSkipsCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	open := h.walkToRunning(t, ctx)

	h.sched.cycleRunning.Store(true)
	h.sched.tick(ctx, open.Add(30*time.Second))
	h.sched.cycleRunning.Store(false)

	st := h.sched.Status()
	require.Equal(t, int64(1), st.CyclesSkipped)
	require.Zero(t, st.Cycles, "the skipped period must not start a cycle")
	require.Empty(t, h.broker.ordersBySide(types.OrderSideBuy))
}

func TestRunOnceDrivesSingleCycle(t *testing.T) {
	h := newHarness(t)
	h.data.setChain(spyChain(time.Now()))

	require.NoError(t, h.sched.RunOnce(context.Background()))

	// The state machine never engages; the one cycle does the work.
	require.Equal(t, StateClosed, h.sched.machine.Current())
	require.Equal(t, int64(1), h.sched.Status().Cycles)
	require.True(t, h.posMgr.Book().HasUnderlying("SPY"))
	require.Len(t, h.broker.ordersBySide(types.OrderSideBuy), 1)

	// Warmup swept stale orders; the exit path swept pending ones.
	require.Equal(t, 2, h.broker.sweepCount())

	sess, err := h.store.Load()
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Len(t, sess.Positions, 1)
	require.Equal(t, h.sched.Status().SessionDate, sess.SessionDate)
}

func TestFlattenReportClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	open := h.walkToRunning(t, ctx)

	now := open.Add(30 * time.Second)
	h.data.setChain(spyChain(now))
	h.runCycleAt(t, ctx, now)
	require.Equal(t, 1, h.posMgr.Book().Len())

	// Sells fill above the 2.10 entry so the session books a win.
	h.broker.setFillPrice(2.40)

	flatten := sessionTime(15, 50, 0)
	h.sched.tick(ctx, flatten)
	require.Equal(t, StateFlattening, h.sched.machine.Current())

	h.sched.tick(ctx, sessionTime(15, 50, 30))
	require.Equal(t, StateReporting, h.sched.machine.Current())
	require.Zero(t, h.posMgr.Book().Len())

	h.sched.tick(ctx, sessionTime(15, 51, 0))
	require.Equal(t, StateClosed, h.sched.machine.Current())

	sells := h.broker.ordersBySide(types.OrderSideSell)
	require.Len(t, sells, 1)
	require.Equal(t, 47, sells[0].qty)

	sess, err := h.store.Load()
	require.NoError(t, err)
	require.Len(t, sess.ClosedTrades, 1)
	require.Equal(t, positions.ReasonFlatten, sess.ClosedTrades[0].Reason)
	require.InDelta(t, 1410, sess.ClosedTrades[0].RealizedPnL, 1.0)
	require.Equal(t, 1, sess.Statistics.TotalTrades)
	require.Equal(t, 1, sess.Statistics.WinningTrades)

	// The winning close flowed back into the voting agent.
	outcomes := h.agent.observed()
	require.Len(t, outcomes, 1)
	require.InDelta(t, (2.40-2.10)/2.10, outcomes[0].PnLPct, 1e-9)

	// End of day report landed on disk.
	_, err = os.Stat(filepath.Join(h.dir, "eod-2025-06-17.json"))
	require.NoError(t, err)

	// The reported session does not re-arm until the date changes.
	h.sched.tick(ctx, sessionTime(15, 55, 0))
	require.Equal(t, StateClosed, h.sched.machine.Current())
}

func TestDegradedBrokerAuthSuspendsEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	open := h.walkToRunning(t, ctx)

	h.broker.setAccountErr(fmt.Errorf("forbidden: %w", types.ErrBrokerPermanent))
	first := open.Add(30 * time.Second)
	h.data.setChain(spyChain(first))
	h.runCycleAt(t, ctx, first)

	st := h.sched.Status()
	require.True(t, st.Degraded)
	require.Equal(t, "broker_auth", st.DegradedReason)
	require.Empty(t, h.broker.ordersBySide(types.OrderSideBuy))
	require.True(t, h.riskMgr.EntriesDisabled(first))

	// Health returns; the degradation clears but the entry pause holds
	// through its horizon.
	h.broker.setAccountErr(nil)
	second := first.Add(5 * time.Minute)
	h.data.setChain(spyChain(second))
	h.runCycleAt(t, ctx, second)
	require.False(t, h.sched.Status().Degraded)
	require.Empty(t, h.broker.ordersBySide(types.OrderSideBuy))

	// Past the pause horizon trading resumes.
	third := second.Add(5 * time.Minute)
	h.data.setChain(spyChain(third))
	h.runCycleAt(t, ctx, third)
	require.True(t, h.posMgr.Book().HasUnderlying("SPY"))
}

func TestWarmupRestoresSameDaySession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	held := heldPosition(sessionTime(9, 30, 0))
	require.NoError(t, h.store.Save(&journal.Session{
		SessionDate: "2025-06-17",
		Positions:   []types.Position{held},
		Risk: risk.State{
			SessionDate:   "2025-06-17",
			TradesToday:   3,
			PeakBalance:   110_000,
			DailyBaseline: 100_000,
		},
		Weights: map[string]float64{"stub": 1.6},
		Statistics: journal.Statistics{
			TotalTrades:   2,
			WinningTrades: 1,
			LosingTrades:  1,
			WinRate:       0.5,
			TotalPnL:      500,
			PeakPnL:       500,
		},
	}))
	h.broker.setRemote([]types.Position{held})

	open := h.walkToRunning(t, ctx)

	// Same-day restart: daily counters survive, no reset at the open.
	require.True(t, h.posMgr.Book().HasUnderlying("SPY"))
	require.Equal(t, 3, h.riskMgr.Stats(open).TradesToday)
	require.InDelta(t, 1.6, h.agent.Weight(), 1e-9)

	h.sched.mu.Lock()
	restored := h.sched.stats
	h.sched.mu.Unlock()
	require.Equal(t, 2, restored.TotalTrades)
}

func TestWarmupResetsCountersOnNewDay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	held := heldPosition(sessionTime(9, 30, 0))
	require.NoError(t, h.store.Save(&journal.Session{
		SessionDate: "2025-06-16",
		Positions:   []types.Position{held},
		Risk: risk.State{
			SessionDate:   "2025-06-16",
			TradesToday:   3,
			PeakBalance:   110_000,
			DailyBaseline: 100_000,
		},
		Weights: map[string]float64{"stub": 1.6},
	}))
	h.broker.setRemote([]types.Position{held})

	open := h.walkToRunning(t, ctx)

	// Yesterday's position carries over; yesterday's counters do not.
	require.True(t, h.posMgr.Book().HasUnderlying("SPY"))
	require.Zero(t, h.riskMgr.Stats(open).TradesToday)
	require.InDelta(t, 1.6, h.agent.Weight(), 1e-9, "weights persist across days")

	h.sched.mu.Lock()
	restored := h.sched.stats
	h.sched.mu.Unlock()
	require.Zero(t, restored.TotalTrades)
}

func TestHolidayNeverOpens(t *testing.T) {
	src := &fakeClockSource{mc: clock.MarketClock{IsOpen: false}}
	h := newHarnessWithSource(t, src)
	ctx := context.Background()

	h.sched.tick(ctx, sessionTime(8, 30, 0))
	h.sched.tick(ctx, sessionTime(8, 30, 30))
	require.Equal(t, StateWaiting, h.sched.machine.Current())

	// The open anchor passes but the broker clock says closed.
	h.sched.tick(ctx, sessionTime(9, 45, 0))
	require.Equal(t, StateWaiting, h.sched.machine.Current())
	h.sched.tick(ctx, sessionTime(12, 0, 0))
	require.Equal(t, StateWaiting, h.sched.machine.Current())

	// At the close anchor the session unwinds without ever running.
	h.sched.tick(ctx, sessionTime(16, 0, 0))
	require.Equal(t, StateClosed, h.sched.machine.Current())
	require.Zero(t, h.sched.Status().Cycles)

	sess, err := h.store.Load()
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, "2025-06-17", sess.SessionDate)

	// No re-warmup for the already-closed session date.
	h.sched.tick(ctx, sessionTime(8, 30, 0))
	require.Equal(t, StateClosed, h.sched.machine.Current())
}

func TestShutdownPersistsOpenBook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	open := h.walkToRunning(t, ctx)

	now := open.Add(30 * time.Second)
	h.data.setChain(spyChain(now))
	h.runCycleAt(t, ctx, now)
	require.Equal(t, 1, h.posMgr.Book().Len())

	sweepsBefore := h.broker.sweepCount()
	h.sched.shutdown()

	require.Equal(t, StateClosed, h.sched.machine.Current())
	require.Equal(t, sweepsBefore+1, h.broker.sweepCount(), "shutdown sweeps pending orders")

	// The position is not liquidated; it survives in the journal for the
	// next warmup to adopt.
	require.Equal(t, 1, h.posMgr.Book().Len())
	require.Empty(t, h.broker.ordersBySide(types.OrderSideSell))

	sess, err := h.store.Load()
	require.NoError(t, err)
	require.Len(t, sess.Positions, 1)
	require.Equal(t, testOption, sess.Positions[0].OptionSymbol)
}
