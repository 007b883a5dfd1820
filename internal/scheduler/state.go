package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradenova/trading-core/internal/metrics"
)

// State is the scheduler's position in the trading day.
type State string

const (
	StateClosed     State = "closed"
	StateWarmup     State = "pre_market_warmup"
	StateWaiting    State = "waiting_for_open"
	StateRunning    State = "running"
	StateFlattening State = "flattening"
	StateReporting  State = "reporting"
)

// AllStates lists every scheduler state, in day order.
var AllStates = []State{
	StateClosed, StateWarmup, StateWaiting,
	StateRunning, StateFlattening, StateReporting,
}

// Transition is one edge of the daily state machine.
type Transition struct {
	From        State
	To          State
	Condition   string
	Description string
}

// ValidTransitions is the complete edge set. A transition not listed here
// is a programming error, not a runtime condition.
var ValidTransitions = []Transition{
	// The happy path through a trading day.
	{StateClosed, StateWarmup, "warmup_window", "Trading day reached the pre-market warmup anchor"},
	{StateWarmup, StateWaiting, "warmup_complete", "Session state restored and market data primed"},
	{StateWaiting, StateRunning, "market_open", "Open anchor passed and the market confirmed open"},
	{StateRunning, StateFlattening, "flatten_window", "Flatten anchor reached, entries forbidden"},
	{StateFlattening, StateReporting, "book_flat", "Every position closed"},
	{StateFlattening, StateReporting, "flatten_budget", "Flatten budget expired with positions still open"},
	{StateReporting, StateClosed, "report_written", "End-of-day snapshot persisted"},

	// Exchange holidays: the calendar says trading day but the market
	// never confirms open, so the session unwinds at the close anchor.
	{StateWaiting, StateClosed, "market_never_opened", "Close anchor passed without an open confirmation"},

	// Shutdown persists state and leaves positions for the next session;
	// it never liquidates.
	{StateWarmup, StateClosed, "shutdown", "Stop requested before the session opened"},
	{StateWaiting, StateClosed, "shutdown", "Stop requested before the session opened"},
	{StateRunning, StateClosed, "shutdown", "Stop requested mid-session, state persisted"},
	{StateFlattening, StateClosed, "shutdown", "Stop requested during the flatten pass"},
	{StateReporting, StateClosed, "shutdown", "Stop requested before the report was written"},
}

// Machine tracks the scheduler's state and enforces the transition table.
type Machine struct {
	mu       sync.Mutex
	current  State
	previous State
	since    time.Time
	counts   map[State]int
}

// NewMachine starts a machine in StateClosed.
func NewMachine() *Machine {
	return &Machine{
		current:  StateClosed,
		previous: StateClosed,
		counts:   make(map[State]int),
	}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state before the last transition.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// Since returns when the current state was entered. Zero until the first
// transition.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Count returns how many times the machine has entered the given state.
func (m *Machine) Count(s State) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[s]
}

// Transition moves to the target state when the table carries a matching
// edge for the given condition, and keeps the scheduler state gauge in
// step. The error names the rejected edge.
func (m *Machine) Transition(to State, condition string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := false
	for _, t := range ValidTransitions {
		if t.From == m.current && t.To == to && t.Condition == condition {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid transition %s -> %s on %q", m.current, to, condition)
	}

	m.previous = m.current
	m.current = to
	m.since = now
	m.counts[to]++

	for _, s := range AllStates {
		v := 0.0
		if s == to {
			v = 1.0
		}
		metrics.SchedulerState.WithLabelValues(string(s)).Set(v)
	}
	return nil
}
