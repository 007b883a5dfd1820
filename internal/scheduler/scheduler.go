// Package scheduler drives the trading day: a state machine over the
// session phases and a fixed-cadence decision cycle that fans out per
// symbol while the market is open. All mutation of shared session state
// funnels through here, so the rest of the system stays free of
// cross-component locking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradenova/trading-core/internal/broker"
	"github.com/tradenova/trading-core/internal/clock"
	"github.com/tradenova/trading-core/internal/ensemble"
	"github.com/tradenova/trading-core/internal/events"
	"github.com/tradenova/trading-core/internal/features"
	"github.com/tradenova/trading-core/internal/journal"
	"github.com/tradenova/trading-core/internal/metrics"
	"github.com/tradenova/trading-core/internal/positions"
	"github.com/tradenova/trading-core/internal/regime"
	"github.com/tradenova/trading-core/internal/report"
	"github.com/tradenova/trading-core/internal/risk"
	"github.com/tradenova/trading-core/internal/universe"
	"github.com/tradenova/trading-core/internal/workers"
	"github.com/tradenova/trading-core/pkg/types"
)

// DataSource supplies the bars and option chains the pipeline consumes.
type DataSource interface {
	GetBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error)
	GetChain(ctx context.Context, underlying string, expiration *time.Time) ([]types.OptionContract, error)
}

// PolicySource is the optional learned-policy head consulted alongside
// the statistical agents. A nil PolicySource, or one reporting
// Enabled() == false, leaves the ensemble statistical-only.
type PolicySource interface {
	Enabled() bool
	Predict(symbol string, f *types.FeatureVector) (*types.Intent, error)
}

// Config sets the universe, the cadence, and the per-stage budgets of
// the trading day.
type Config struct {
	Symbols             []string
	MaxWorkers          int
	TickInterval        time.Duration
	CyclePeriod         time.Duration
	CycleDeadline       time.Duration
	FlattenBudget       time.Duration
	DataDeadline        time.Duration
	BarTimeframe        types.Timeframe
	BarLookbackDays     int
	ReturnsLookbackDays int
	IVLookbackDays      int
	PositionSizePct     float64
	StaleOrderAge       time.Duration
}

// DefaultConfig matches a regular cash session: 5-minute cycles, a
// 2-minute cycle deadline, and a 10-minute end-of-day flatten budget.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:          4,
		TickInterval:        30 * time.Second,
		CyclePeriod:         5 * time.Minute,
		CycleDeadline:       2 * time.Minute,
		FlattenBudget:       10 * time.Minute,
		DataDeadline:        10 * time.Second,
		BarTimeframe:        types.Timeframe15m,
		BarLookbackDays:     30,
		ReturnsLookbackDays: 120,
		IVLookbackDays:      252,
		PositionSizePct:     0.10,
		StaleOrderAge:       time.Minute,
	}
}

// Deps are the components the scheduler coordinates. Clock, Broker, and
// Data are required; IVMemory is only set when the in-process IV store
// is in use, so its history rides along in the session journal.
type Deps struct {
	Clock     *clock.Clock
	Broker    broker.Broker
	Data      DataSource
	Features  *features.Engine
	Regimes   *regime.Classifier
	Policy    PolicySource
	Ensemble  *ensemble.Ensemble
	Filter    *universe.Filter
	Selector  *universe.Selector
	Risk      *risk.Manager
	Positions *positions.Manager
	Pool      *workers.Pool
	Journal   *journal.Store
	Reports   *report.Writer
	Bus       *events.Bus
	IV        risk.IVStore
	IVMemory  *risk.MemoryIVStore
}

// Status is the observable loop state served by the API layer.
type Status struct {
	State          State     `json:"state"`
	Since          time.Time `json:"since"`
	SessionDate    string    `json:"sessionDate,omitempty"`
	Cycles         int64     `json:"cycles"`
	CyclesSkipped  int64     `json:"cyclesSkipped"`
	CycleRunning   bool      `json:"cycleRunning"`
	NextCycleAt    time.Time `json:"nextCycleAt,omitempty"`
	Degraded       bool      `json:"degraded"`
	DegradedReason string    `json:"degradedReason,omitempty"`
	Symbols        []string  `json:"symbols"`
}

// Scheduler owns the session state machine and the decision cycle.
type Scheduler struct {
	logger *zap.Logger
	config Config

	clock     *clock.Clock
	broker    broker.Broker
	data      DataSource
	features  *features.Engine
	regimes   *regime.Classifier
	policy    PolicySource
	ensemble  *ensemble.Ensemble
	filter    *universe.Filter
	selector  *universe.Selector
	risk      *risk.Manager
	positions *positions.Manager
	pool      *workers.Pool
	journal   *journal.Store
	reports   *report.Writer
	bus       *events.Bus
	iv        risk.IVStore
	ivMemory  *risk.MemoryIVStore

	machine *Machine

	// cycleRunning is the overrun guard: a tick that finds it set skips
	// the cycle instead of queueing behind it.
	cycleRunning atomic.Bool

	mu             sync.Mutex
	sessionDate    string
	lastReported   string
	resumed        bool
	nextCycleAt    time.Time
	flattenStart   time.Time
	cycleSeq       int64
	cyclesSkipped  int64
	degradedReason string
	cycleCancel    context.CancelFunc
	cancelReason   string
	cycleDone      chan struct{}
	returns        map[string][]float64
	stats          journal.Statistics
}

// New wires the scheduler. Zero config fields fall back to defaults.
func New(logger *zap.Logger, cfg Config, deps Deps) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil || deps.Broker == nil || deps.Data == nil {
		return nil, errors.New("clock, broker, and data source are required")
	}
	if deps.Features == nil || deps.Regimes == nil || deps.Ensemble == nil {
		return nil, errors.New("features, regimes, and ensemble are required")
	}
	if deps.Filter == nil || deps.Selector == nil || deps.Risk == nil || deps.Positions == nil {
		return nil, errors.New("filter, selector, risk, and positions are required")
	}
	if deps.Pool == nil || deps.Journal == nil || deps.Reports == nil {
		return nil, errors.New("worker pool, journal, and report writer are required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("at least one symbol is required")
	}

	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = def.CyclePeriod
	}
	if cfg.TickInterval > cfg.CyclePeriod {
		cfg.TickInterval = cfg.CyclePeriod
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = def.CycleDeadline
	}
	if cfg.FlattenBudget <= 0 {
		cfg.FlattenBudget = def.FlattenBudget
	}
	if cfg.DataDeadline <= 0 {
		cfg.DataDeadline = def.DataDeadline
	}
	if cfg.BarTimeframe == "" {
		cfg.BarTimeframe = def.BarTimeframe
	}
	if cfg.BarLookbackDays <= 0 {
		cfg.BarLookbackDays = def.BarLookbackDays
	}
	if cfg.ReturnsLookbackDays <= 0 {
		cfg.ReturnsLookbackDays = def.ReturnsLookbackDays
	}
	if cfg.IVLookbackDays <= 0 {
		cfg.IVLookbackDays = def.IVLookbackDays
	}
	if cfg.PositionSizePct <= 0 || cfg.PositionSizePct > 1 {
		cfg.PositionSizePct = def.PositionSizePct
	}
	if cfg.StaleOrderAge <= 0 {
		cfg.StaleOrderAge = def.StaleOrderAge
	}

	return &Scheduler{
		logger:    logger.Named("scheduler"),
		config:    cfg,
		clock:     deps.Clock,
		broker:    deps.Broker,
		data:      deps.Data,
		features:  deps.Features,
		regimes:   deps.Regimes,
		policy:    deps.Policy,
		ensemble:  deps.Ensemble,
		filter:    deps.Filter,
		selector:  deps.Selector,
		risk:      deps.Risk,
		positions: deps.Positions,
		pool:      deps.Pool,
		journal:   deps.Journal,
		reports:   deps.Reports,
		bus:       deps.Bus,
		iv:        deps.IV,
		ivMemory:  deps.IVMemory,
		machine:   NewMachine(),
		returns:   make(map[string][]float64),
	}, nil
}

// Run drives the session state machine until ctx ends. Transitions and
// the inline stages (warmup, flatten, report) execute on the loop
// goroutine; trading cycles run detached so a slow cycle never blocks
// state observation. An overrunning cycle causes the next one to be
// skipped, not queued.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Strings("symbols", s.config.Symbols),
		zap.Duration("cycle_period", s.config.CyclePeriod),
		zap.Duration("tick_interval", s.config.TickInterval))

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.tick(ctx, s.clock.Now())
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.tick(ctx, s.clock.Now())
		}
	}
}

// RunOnce primes state the way a session warmup does, drives one decision
// cycle, sweeps any order still pending at the broker, and returns. The
// state machine never engages; entries stay subject to the full risk
// stack and whatever quotes the market is serving at that moment.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.clock.Now()
	s.logger.Info("single cycle run", zap.Strings("symbols", s.config.Symbols))

	s.mu.Lock()
	s.sessionDate = now.Format("2006-01-02")
	s.mu.Unlock()

	if err := s.warmup(ctx, now); err != nil {
		return fmt.Errorf("single cycle warmup: %w", err)
	}
	s.mu.Lock()
	resumed := s.resumed
	s.mu.Unlock()
	if !resumed {
		s.risk.ResetDaily(s.currentSessionDate())
	}

	s.mu.Lock()
	s.cycleSeq++
	seq := s.cycleSeq
	s.mu.Unlock()
	cctx, cancel := context.WithTimeout(ctx, s.config.CycleDeadline)
	s.runCycle(cctx, seq, now)
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if n, err := s.broker.CancelStaleOrders(sctx, 0); err != nil {
		s.logger.Warn("pending order sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("cancelled pending orders", zap.Int("count", n))
	}
	return nil
}

// tick dispatches on the current state. now is sampled once per tick and
// threaded through every stage so a single cycle sees one consistent
// wall time.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if ctx.Err() != nil {
		return
	}
	switch s.machine.Current() {
	case StateClosed:
		s.tickClosed(now)
	case StateWarmup:
		s.tickWarmup(ctx, now)
	case StateWaiting:
		s.tickWaiting(ctx, now)
	case StateRunning:
		s.tickRunning(ctx, now)
	case StateFlattening:
		s.tickFlattening(ctx, now)
	case StateReporting:
		s.tickReporting(now)
	}
}

func (s *Scheduler) tickClosed(now time.Time) {
	date := now.Format("2006-01-02")
	s.mu.Lock()
	reported := s.lastReported == date
	s.mu.Unlock()
	if reported || !s.clock.IsTradingDay(now) {
		return
	}
	if now.Before(s.clock.WarmupAt(now)) || !now.Before(s.clock.CloseAt(now)) {
		return
	}

	s.mu.Lock()
	s.sessionDate = date
	s.mu.Unlock()
	s.transition(StateWarmup, "warmup_window", now)
}

func (s *Scheduler) tickWarmup(ctx context.Context, now time.Time) {
	if err := s.warmup(ctx, now); err != nil {
		s.logger.Error("warmup failed, retrying next tick", zap.Error(err))
		return
	}
	s.transition(StateWaiting, "warmup_complete", now)
}

func (s *Scheduler) tickWaiting(ctx context.Context, now time.Time) {
	if !now.Before(s.clock.CloseAt(now)) {
		s.persist(now)
		s.markReported(s.currentSessionDate())
		s.transition(StateClosed, "market_never_opened", now)
		return
	}
	if now.Before(s.clock.OpenAt(now)) {
		return
	}
	if err := s.clock.Refresh(ctx); err != nil {
		s.logger.Warn("market clock refresh failed", zap.Error(err))
	}
	if !s.clock.IsOpen(now) {
		return
	}

	s.mu.Lock()
	resumed := s.resumed
	s.mu.Unlock()
	if !resumed {
		s.risk.ResetDaily(s.currentSessionDate())
	}
	if s.transition(StateRunning, "market_open", now) {
		s.mu.Lock()
		s.nextCycleAt = now
		s.mu.Unlock()
	}
}

func (s *Scheduler) tickRunning(ctx context.Context, now time.Time) {
	if !now.Before(s.clock.FlattenAt(now)) {
		s.interruptCycle("state_transition")
		if s.transition(StateFlattening, "flatten_window", now) {
			s.mu.Lock()
			s.flattenStart = now
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	due := !now.Before(s.nextCycleAt)
	s.mu.Unlock()
	if !due {
		return
	}

	if !s.cycleRunning.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.nextCycleAt = now.Add(s.config.CyclePeriod)
		s.cyclesSkipped++
		s.mu.Unlock()
		metrics.CyclesSkipped.Inc()
		s.logger.Warn("cycle still running, skipping this period",
			zap.Error(types.ErrSchedulerOverrun))
		return
	}

	s.mu.Lock()
	s.nextCycleAt = now.Add(s.config.CyclePeriod)
	s.cycleSeq++
	seq := s.cycleSeq
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.config.CycleDeadline)
	done := make(chan struct{})
	s.mu.Lock()
	s.cycleCancel = cancel
	s.cancelReason = ""
	s.cycleDone = done
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			s.cycleCancel = nil
			s.cycleDone = nil
			s.mu.Unlock()
			s.cycleRunning.Store(false)
			close(done)
		}()
		s.runCycle(cctx, seq, now)
	}()
}

func (s *Scheduler) tickFlattening(ctx context.Context, now time.Time) {
	s.mu.Lock()
	start := s.flattenStart
	s.mu.Unlock()

	if s.positions.Book().Len() > 0 {
		fctx, cancel := context.WithTimeout(ctx, s.config.CycleDeadline)
		closed, results := s.positions.Flatten(fctx, now)
		cancel()
		for _, r := range results {
			s.publishExit(now, r)
		}
		if closed > 0 {
			s.logger.Info("flatten pass",
				zap.Int("closed", closed),
				zap.Int("remaining", s.positions.Book().Len()))
		}
	}

	if s.positions.Book().Len() == 0 {
		s.persist(now)
		s.transition(StateReporting, "book_flat", now)
		return
	}
	if now.Sub(start) >= s.config.FlattenBudget {
		s.logger.Warn("flatten budget expired with open positions",
			zap.Int("remaining", s.positions.Book().Len()),
			zap.Strings("halted", s.positions.Halted()))
		s.persist(now)
		s.transition(StateReporting, "flatten_budget", now)
	}
}

func (s *Scheduler) tickReporting(now time.Time) {
	sessionDate := s.currentSessionDate()
	rs := s.risk.Stats(now)
	snap := report.Build(sessionDate, rs.Equity, rs.TradesToday,
		s.positions.Book().ClosedTrades(), s.ensemble.AgentStats())
	if err := s.reports.Write(snap); err != nil {
		s.logger.Error("report write failed, retrying next tick", zap.Error(err))
		return
	}

	s.persist(now)
	s.markReported(sessionDate)
	s.transition(StateClosed, "report_written", now)
}

// warmup restores any surviving session state, reconciles the book
// against the broker, sweeps orphaned orders, and primes the daily
// return history. Safe to re-run: a failure leaves the state machine in
// warmup and the next tick repeats the whole sequence.
func (s *Scheduler) warmup(ctx context.Context, now time.Time) error {
	sessionDate := s.currentSessionDate()

	account, err := s.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	s.risk.UpdateEquity(account.Equity)
	metrics.EquityGauge.Set(account.Equity)

	s.mu.Lock()
	s.resumed = false
	s.stats = journal.Statistics{}
	s.mu.Unlock()

	sess, err := s.journal.Load()
	switch {
	case errors.Is(err, journal.ErrCorrupt):
		s.logger.Warn("session state corrupt, starting fresh", zap.Error(err))
	case err != nil:
		return fmt.Errorf("load session state: %w", err)
	case sess != nil:
		sameDay := sess.SessionDate == sessionDate
		var closed []types.ClosedTrade
		if sameDay {
			closed = sess.ClosedTrades
		}
		s.positions.Restore(sess.Positions, closed)
		s.risk.Restore(sess.Risk, sessionDate)
		s.ensemble.RestoreWeights(sess.Weights)
		if s.ivMemory != nil {
			s.ivMemory.Load(sess.IVHistory)
		}
		s.mu.Lock()
		s.resumed = sameDay
		if sameDay {
			s.stats = sess.Statistics
		}
		s.mu.Unlock()
		s.logger.Info("session state restored",
			zap.String("saved_session", sess.SessionDate),
			zap.Bool("same_day", sameDay),
			zap.Int("positions", len(sess.Positions)))
	}

	if err := s.positions.Reconcile(ctx, now); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if n, err := s.broker.CancelStaleOrders(ctx, s.config.StaleOrderAge); err != nil {
		s.logger.Warn("stale order sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("cancelled stale orders", zap.Int("count", n))
	}

	if err := s.primeReturns(ctx, now); err != nil {
		return err
	}

	s.bootSequence(now)
	return nil
}

// bootSequence logs the session header once per warmup.
func (s *Scheduler) bootSequence(now time.Time) {
	s.logger.Info("session warmed up",
		zap.String("session", s.currentSessionDate()),
		zap.Time("open_at", s.clock.OpenAt(now)),
		zap.Time("flatten_at", s.clock.FlattenAt(now)),
		zap.Int("open_positions", s.positions.Book().Len()))
}

// primeReturns fetches the daily close history that seeds tail risk and
// spot context before the first cycle. A symbol whose history cannot be
// fetched starts without returns, which the risk stack treats as a
// thin-history pass rather than a block.
func (s *Scheduler) primeReturns(ctx context.Context, now time.Time) error {
	start := now.AddDate(0, 0, -s.config.ReturnsLookbackDays)
	rets := make([][]float64, len(s.config.Symbols))
	closes := make([]float64, len(s.config.Symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxWorkers)
	for i, symbol := range s.config.Symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, s.config.DataDeadline)
			defer cancel()
			bars, err := s.data.GetBars(dctx, symbol, types.Timeframe1d, start, now)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("daily history unavailable",
					zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			rets[i] = dailyReturns(bars)
			if len(bars) > 0 {
				closes[i] = bars[len(bars)-1].Close
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("prime return history: %w", err)
	}

	primed := make(map[string][]float64, len(s.config.Symbols))
	for i, symbol := range s.config.Symbols {
		if rets[i] == nil {
			continue
		}
		primed[symbol] = rets[i]
		s.risk.SetMarketData(symbol, closes[i], rets[i])
	}
	s.mu.Lock()
	s.returns = primed
	s.mu.Unlock()
	s.logger.Info("return history primed",
		zap.Int("symbols", len(primed)),
		zap.Int("universe", len(s.config.Symbols)))
	return nil
}

// runCycle is one pass of the decision loop: health, per-symbol pipeline
// fan-out, the exit pass over open positions, and a state checkpoint.
func (s *Scheduler) runCycle(ctx context.Context, seq int64, now time.Time) {
	started := time.Now()
	log := s.logger.With(zap.Int64("cycle", seq))

	healthy := s.checkHealth(ctx, now)
	entriesOK := healthy && !s.risk.EntriesDisabled(now)

	symbols := s.config.Symbols
	chains := make([][]types.OptionContract, len(symbols))
	jobs := make([]workers.Job, len(symbols))
	for i, symbol := range symbols {
		i, symbol := i, symbol
		jobs[i] = workers.Job{
			Symbol: symbol,
			Run: func(jctx context.Context) error {
				chain, err := s.runPipeline(jctx, symbol, now, entriesOK)
				chains[i] = chain
				return err
			},
		}
	}
	errs := s.pool.RunBatch(ctx, jobs)
	failed := 0
	for symbol, jerr := range errs {
		if jerr == nil {
			continue
		}
		failed++
		log.Warn("symbol pipeline failed",
			zap.String("symbol", symbol), zap.Error(jerr))
	}

	chainMap := make(map[string][]types.OptionContract, len(symbols))
	for i, symbol := range symbols {
		if len(chains[i]) > 0 {
			chainMap[symbol] = chains[i]
		}
	}

	force := func(underlying string) (bool, string) {
		a := s.risk.GapAssess(underlying, now)
		if a.ForceExit {
			return true, a.Event
		}
		return false, ""
	}
	results := s.positions.ProcessExits(ctx, now, chainMap, force)
	for _, r := range results {
		s.publishExit(now, r)
	}

	s.persist(now)

	elapsed := time.Since(started)
	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(elapsed.Seconds())
	if s.bus != nil {
		s.bus.Publish(events.NewCycle(now, seq, string(s.machine.Current()), elapsed, len(symbols), failed))
	}

	if ctx.Err() != nil {
		log.Warn("cycle cancelled",
			zap.String("reason", s.cycleCancelReason(ctx)),
			zap.Duration("elapsed", elapsed))
		return
	}
	log.Info("cycle complete",
		zap.Duration("elapsed", elapsed),
		zap.Int("symbols", len(symbols)),
		zap.Int("failures", failed),
		zap.Int("exit_attempts", len(results)))
}

// cycleCancelReason classifies why the cycle context died: an explicit
// state transition, the cycle deadline, or process shutdown.
func (s *Scheduler) cycleCancelReason(ctx context.Context) string {
	s.mu.Lock()
	reason := s.cancelReason
	s.mu.Unlock()
	if reason != "" {
		return reason
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return "shutdown"
}

// checkHealth refreshes the market clock and the account snapshot. A
// global failure (stale clock, lost broker auth) degrades the loop:
// entries stop while exits keep running, and the degradation clears on
// the next healthy cycle.
func (s *Scheduler) checkHealth(ctx context.Context, now time.Time) bool {
	if err := s.clock.Refresh(ctx); err != nil {
		s.logger.Warn("market clock refresh failed", zap.Error(err))
	}
	if s.clock.Stale(now) {
		s.degrade(now, "clock_stale")
		return false
	}

	account, err := s.broker.GetAccount(ctx)
	switch {
	case errors.Is(err, types.ErrBrokerPermanent):
		s.degrade(now, "broker_auth")
		return false
	case err != nil:
		s.logger.Warn("account snapshot failed, keeping last equity", zap.Error(err))
	default:
		s.risk.UpdateEquity(account.Equity)
		metrics.EquityGauge.Set(account.Equity)
	}

	s.clearDegraded()
	return true
}

// degrade blocks new entries for at least one full cycle period. The
// risk manager's own kill-switch cooldown is never shortened: entries
// are only disabled here when they are not disabled already.
func (s *Scheduler) degrade(now time.Time, reason string) {
	s.mu.Lock()
	known := s.degradedReason == reason
	s.degradedReason = reason
	s.mu.Unlock()
	if !known {
		s.logger.Error("loop degraded, entries suspended", zap.String("reason", reason))
	}
	if !s.risk.EntriesDisabled(now) {
		s.risk.DisableEntries(reason, now.Add(s.config.CyclePeriod+s.config.CycleDeadline))
	}
}

func (s *Scheduler) clearDegraded() {
	s.mu.Lock()
	was := s.degradedReason
	s.degradedReason = ""
	s.mu.Unlock()
	if was != "" {
		s.logger.Info("loop health restored", zap.String("was", was))
	}
}

// interruptCycle cancels the in-flight cycle, if any, recording why. An
// order already placed resolves through the broker's detached
// cancellation budget, so interruption never leaves it undecided.
func (s *Scheduler) interruptCycle(reason string) {
	s.mu.Lock()
	cancel := s.cycleCancel
	if cancel != nil {
		s.cancelReason = reason
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.logger.Info("cycle interrupted", zap.String("reason", reason))
	}
}

// shutdown runs when the run context ends: interrupt the in-flight
// cycle, wait out its unwind, cancel whatever orders are still pending
// at the broker, and checkpoint session state. Open positions are never
// liquidated here; the next warmup adopts them through reconciliation.
func (s *Scheduler) shutdown() {
	s.interruptCycle("shutdown")

	s.mu.Lock()
	done := s.cycleDone
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-time.After(s.config.CycleDeadline):
			s.logger.Error("cycle did not unwind before the shutdown deadline")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, err := s.broker.CancelStaleOrders(ctx, 0); err != nil {
		s.logger.Warn("pending order sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("cancelled pending orders", zap.Int("count", n))
	}

	now := s.clock.Now()
	switch s.machine.Current() {
	case StateClosed:
		// Nothing ran since the last checkpoint.
	case StateWarmup:
		// Warmup may have died before restoring state; saving now could
		// clobber a good session document with an empty book.
		s.transition(StateClosed, "shutdown", now)
	default:
		s.persist(now)
		s.transition(StateClosed, "shutdown", now)
	}
	s.logger.Info("scheduler stopped")
}

// OnTradeClosed feeds a realized trade back into risk, attribution, and
// the session statistics. The positions manager calls it for every
// position that closes fully, whatever the exit reason.
func (s *Scheduler) OnTradeClosed(trade types.ClosedTrade) {
	s.risk.RecordTradeResult(trade.RealizedPnL, trade.ExitTime)
	if trade.EntryPrice > 0 {
		s.ensemble.Attribute(trade.Underlying, (trade.ExitPrice-trade.EntryPrice)/trade.EntryPrice)
	}
	s.mu.Lock()
	s.stats.Record(trade.RealizedPnL)
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(events.NewTradeClosed(trade.ExitTime, trade))
	}
}

// persist checkpoints the restart-surviving session document. Failures
// are logged, not fatal: the loop keeps going on in-memory state and the
// next boundary retries.
func (s *Scheduler) persist(now time.Time) {
	s.mu.Lock()
	sess := &journal.Session{
		SavedAt:     now,
		SessionDate: s.sessionDate,
		Statistics:  s.stats,
	}
	s.mu.Unlock()

	sess.Positions = s.positions.Book().Snapshot()
	sess.ClosedTrades = s.positions.Book().ClosedTrades()
	sess.Risk = s.risk.State()
	sess.Weights = s.ensemble.Weights()
	if s.ivMemory != nil {
		sess.IVHistory = s.ivMemory.Dump()
	}
	if err := s.journal.Save(sess); err != nil {
		s.logger.Error("session persist failed", zap.Error(err))
	}
}

// Status reports the loop state for the API layer.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:          s.machine.Current(),
		Since:          s.machine.Since(),
		SessionDate:    s.sessionDate,
		Cycles:         s.cycleSeq,
		CyclesSkipped:  s.cyclesSkipped,
		CycleRunning:   s.cycleRunning.Load(),
		NextCycleAt:    s.nextCycleAt,
		Degraded:       s.degradedReason != "",
		DegradedReason: s.degradedReason,
		Symbols:        s.config.Symbols,
	}
}

func (s *Scheduler) transition(to State, condition string, now time.Time) bool {
	from := s.machine.Current()
	if err := s.machine.Transition(to, condition, now); err != nil {
		s.logger.Error("state transition rejected", zap.Error(err))
		return false
	}
	s.logger.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("condition", condition))
	if s.bus != nil {
		s.bus.Publish(events.NewStateChange(now, string(from), string(to), condition))
	}
	return true
}

func (s *Scheduler) currentSessionDate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionDate
}

func (s *Scheduler) markReported(date string) {
	s.mu.Lock()
	s.lastReported = date
	s.mu.Unlock()
}

func (s *Scheduler) publishExit(now time.Time, r positions.ExitResult) {
	if r.Err != nil {
		s.logger.Warn("exit attempt failed",
			zap.String("option", r.OptionSymbol),
			zap.String("reason", r.Reason),
			zap.Error(r.Err))
		return
	}
	if s.bus == nil {
		return
	}
	status := "partial"
	if r.Closed {
		status = "closed"
	}
	s.bus.Publish(events.NewOrder(now, r.Underlying, r.OptionSymbol,
		string(types.OrderSideSell), r.FilledQty, status, r.Reason))
}
