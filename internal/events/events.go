// Package events carries the loop's observability stream: every
// pipeline stage publishes an accept or reject decision, and the
// scheduler publishes cycle, state-change, order, and trade-close
// events. Subscribers (log sink, metrics sink, decision log file) run
// on bus workers so a slow consumer never blocks a trading cycle.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/tradenova/trading-core/pkg/types"
)

// EventType names an event family for subscription routing.
type EventType string

const (
	TypeDecision    EventType = "decision"
	TypeCycle       EventType = "cycle"
	TypeState       EventType = "state"
	TypeOrder       EventType = "order"
	TypeTradeClosed EventType = "trade_closed"
)

// Verdict is a stage's outcome for one symbol.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// Event is anything the bus routes.
type Event interface {
	Kind() EventType
	At() time.Time
}

// BaseEvent carries the fields every event shares. The ID keeps events
// distinct in the log even when a cycle stamps many with one timestamp.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"ts"`
}

func (e BaseEvent) Kind() EventType { return e.Type }
func (e BaseEvent) At() time.Time   { return e.Timestamp }

func newBase(t EventType, ts time.Time) BaseEvent {
	return BaseEvent{ID: uuid.NewString(), Type: t, Timestamp: ts}
}

// DecisionEvent records one stage's accept or reject for one symbol,
// with the numbers the stage judged.
type DecisionEvent struct {
	BaseEvent
	Symbol  string             `json:"symbol"`
	Stage   string             `json:"stage"`
	Verdict Verdict            `json:"verdict"`
	Reason  string             `json:"reason,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// NewDecision stamps a decision event. ts is the cycle's clock sample,
// not wall time, so every decision in a cycle shares one timestamp.
func NewDecision(ts time.Time, symbol, stage string, verdict Verdict, reason string, metrics map[string]float64) DecisionEvent {
	return DecisionEvent{
		BaseEvent: newBase(TypeDecision, ts),
		Symbol:    symbol,
		Stage:     stage,
		Verdict:   verdict,
		Reason:    reason,
		Metrics:   metrics,
	}
}

// CycleEvent summarizes one completed trading cycle.
type CycleEvent struct {
	BaseEvent
	Number   int64         `json:"number"`
	State    string        `json:"state"`
	Duration time.Duration `json:"duration_ns"`
	Symbols  int           `json:"symbols"`
	Errors   int           `json:"errors"`
}

// NewCycle stamps a cycle summary.
func NewCycle(ts time.Time, number int64, state string, dur time.Duration, symbols, errs int) CycleEvent {
	return CycleEvent{
		BaseEvent: newBase(TypeCycle, ts),
		Number:    number,
		State:     state,
		Duration:  dur,
		Symbols:   symbols,
		Errors:    errs,
	}
}

// StateEvent records a scheduler state transition.
type StateEvent struct {
	BaseEvent
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// NewStateChange stamps a transition event.
func NewStateChange(ts time.Time, from, to, reason string) StateEvent {
	return StateEvent{
		BaseEvent: newBase(TypeState, ts),
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// OrderEvent records an order outcome: filled, cancelled, or uncertain.
type OrderEvent struct {
	BaseEvent
	Symbol       string `json:"symbol"`
	OptionSymbol string `json:"optionSymbol"`
	Side         string `json:"side"`
	Qty          int    `json:"qty"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

// NewOrder stamps an order outcome event.
func NewOrder(ts time.Time, symbol, optionSymbol, side string, qty int, status, reason string) OrderEvent {
	return OrderEvent{
		BaseEvent:    newBase(TypeOrder, ts),
		Symbol:       symbol,
		OptionSymbol: optionSymbol,
		Side:         side,
		Qty:          qty,
		Status:       status,
		Reason:       reason,
	}
}

// TradeClosedEvent carries a fully closed trade.
type TradeClosedEvent struct {
	BaseEvent
	Trade types.ClosedTrade `json:"trade"`
}

// NewTradeClosed stamps a close event.
func NewTradeClosed(ts time.Time, trade types.ClosedTrade) TradeClosedEvent {
	return TradeClosedEvent{
		BaseEvent: newBase(TypeTradeClosed, ts),
		Trade:     trade,
	}
}
