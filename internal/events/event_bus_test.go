package events_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tradenova/trading-core/internal/events"
)

var busNow = time.Date(2025, 6, 16, 15, 30, 0, 0, time.UTC)

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBusRoutesByType(t *testing.T) {
	bus := events.NewBus(events.Config{Workers: 1}, nil)
	defer bus.Stop()

	decisions := make(chan events.Event, 4)
	everything := make(chan events.Event, 4)
	bus.Subscribe(events.TypeDecision, func(ev events.Event) error {
		decisions <- ev
		return nil
	})
	bus.SubscribeAll(func(ev events.Event) error {
		everything <- ev
		return nil
	})

	bus.Publish(events.NewDecision(busNow, "SPY", "risk", events.VerdictReject, "iv_regime_extreme", nil))
	bus.Publish(events.NewCycle(busNow, 7, "RUNNING", 3*time.Second, 4, 0))

	select {
	case ev := <-decisions:
		d, ok := ev.(events.DecisionEvent)
		if !ok {
			t.Fatalf("decision handler got %T", ev)
		}
		if d.Symbol != "SPY" || d.Stage != "risk" || d.Verdict != events.VerdictReject {
			t.Errorf("decision = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decision handler never ran")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-everything:
		case <-time.After(2 * time.Second):
			t.Fatalf("all-events handler saw %d of 2 events", i)
		}
	}
	select {
	case ev := <-decisions:
		t.Fatalf("decision handler saw unexpected %T", ev)
	default:
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := events.NewBus(events.Config{Workers: 1, BufferSize: 1}, nil)
	defer bus.Stop()

	started := make(chan struct{})
	gate := make(chan struct{})
	bus.Subscribe(events.TypeState, func(events.Event) error {
		close(started)
		<-gate
		return nil
	})

	// First event occupies the worker, second fills the buffer, third
	// has nowhere to go.
	bus.Publish(events.NewStateChange(busNow, "CLOSED", "PRE_MARKET_WARMUP", "open_soon"))
	<-started
	bus.Publish(events.NewStateChange(busNow, "PRE_MARKET_WARMUP", "WAITING_FOR_OPEN", ""))
	bus.Publish(events.NewStateChange(busNow, "WAITING_FOR_OPEN", "RUNNING", "market_open"))

	if got := bus.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	close(gate)
	waitFor(t, func() bool { return bus.Stats().Processed == 2 }, "buffered events to drain")
}

func TestBusIsolatesHandlerFailures(t *testing.T) {
	bus := events.NewBus(events.Config{Workers: 1}, nil)
	defer bus.Stop()

	var healthy []events.Event
	got := make(chan events.Event, 4)
	bus.Subscribe(events.TypeOrder, func(events.Event) error { panic("sink exploded") })
	bus.Subscribe(events.TypeOrder, func(events.Event) error { return errors.New("sink failed") })
	bus.Subscribe(events.TypeOrder, func(ev events.Event) error {
		got <- ev
		return nil
	})

	bus.Publish(events.NewOrder(busNow, "SPY", "SPY250718C00600000", "buy", 2, "filled", ""))
	bus.Publish(events.NewOrder(busNow, "QQQ", "QQQ250718P00480000", "sell", 1, "canceled", "timeout"))

	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			healthy = append(healthy, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("healthy handler saw %d of 2 events", i)
		}
	}
	if len(healthy) != 2 {
		t.Fatalf("healthy handler got %d events", len(healthy))
	}
	// Two events times one panic and one error each.
	if got := bus.Stats().HandlerErrors; got != 4 {
		t.Errorf("HandlerErrors = %d, want 4", got)
	}
}

func TestBusPublishAfterStopOnlyDrops(t *testing.T) {
	bus := events.NewBus(events.Config{Workers: 1, BufferSize: 1}, nil)
	bus.Stop()

	handled := make(chan struct{}, 4)
	bus.Subscribe(events.TypeCycle, func(events.Event) error {
		handled <- struct{}{}
		return nil
	})

	// One event parks in the buffer, the rest drop; none dispatch.
	for i := 0; i < 3; i++ {
		bus.Publish(events.NewCycle(busNow, int64(i), "RUNNING", time.Second, 1, 0))
	}
	if got := bus.Stats().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	select {
	case <-handled:
		t.Fatal("handler ran after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	sink, err := events.NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	if err := sink.Handle(events.NewDecision(busNow, "SPY", "ensemble", events.VerdictAccept, "", map[string]float64{"confidence": 0.82})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := sink.Handle(events.NewDecision(busNow, "QQQ", "risk", events.VerdictReject, "daily_budget_spent", nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Handle(events.NewCycle(busNow, 1, "RUNNING", time.Second, 1, 0)); err == nil {
		t.Fatal("Handle after Close should fail")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var lines []events.DecisionEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d events.DecisionEvent
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			t.Fatalf("line %d not valid JSON: %v", len(lines)+1, err)
		}
		lines = append(lines, d)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Symbol != "SPY" || lines[0].Metrics["confidence"] != 0.82 {
		t.Errorf("line 1 = %+v", lines[0])
	}
	if lines[1].Reason != "daily_budget_spent" || lines[1].Verdict != events.VerdictReject {
		t.Errorf("line 2 = %+v", lines[1])
	}
	// Same timestamp, distinct events.
	if lines[0].ID == "" || lines[0].ID == lines[1].ID {
		t.Errorf("ids = %q and %q, want distinct non-empty", lines[0].ID, lines[1].ID)
	}
}
