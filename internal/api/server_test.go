package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/agents"
	"github.com/tradenova/trading-core/internal/api"
	"github.com/tradenova/trading-core/internal/clock"
	"github.com/tradenova/trading-core/internal/config"
	"github.com/tradenova/trading-core/internal/ensemble"
	"github.com/tradenova/trading-core/internal/events"
	"github.com/tradenova/trading-core/internal/positions"
	"github.com/tradenova/trading-core/internal/regime"
	"github.com/tradenova/trading-core/internal/risk"
	"github.com/tradenova/trading-core/internal/scheduler"
	"github.com/tradenova/trading-core/internal/workers"
	"github.com/tradenova/trading-core/pkg/types"
)

type stubStatus struct {
	st scheduler.Status
}

func (s *stubStatus) Status() scheduler.Status { return s.st }

type marketSection struct {
	Phase string `json:"phase"`
	Open  bool   `json:"open"`
}

func openFixture() types.Position {
	return types.Position{
		OptionSymbol: "SPY250622C00440000",
		Underlying:   "SPY",
		Qty:          5,
		OriginalQty:  5,
		EntryPrice:   1.80,
		EntryTime:    time.Date(2025, 6, 17, 9, 45, 0, 0, time.UTC),
		Strike:       440,
		Expiration:   time.Date(2025, 6, 22, 0, 0, 0, 0, time.UTC),
		Type:         types.OptionCall,
		CurrentPrice: 1.90,
	}
}

func closedFixture() types.ClosedTrade {
	return types.ClosedTrade{
		OptionSymbol: "SPY250619C00435000",
		Underlying:   "SPY",
		Qty:          3,
		EntryPrice:   2.00,
		ExitPrice:    2.60,
		EntryTime:    time.Date(2025, 6, 17, 9, 50, 0, 0, time.UTC),
		ExitTime:     time.Date(2025, 6, 17, 11, 20, 0, 0, time.UTC),
		RealizedPnL:  180,
		Reason:       "trailing_stop",
	}
}

func trendingFeatures() *types.FeatureVector {
	return &types.FeatureVector{
		Price:       430.5,
		EMA9:        431.2,
		EMA21:       428.9,
		SMA20:       428.1,
		RSI14:       61,
		ATR14:       4.3,
		ADX14:       28,
		VWAP:        429.8,
		Hurst:       0.58,
		Slope:       0.0012,
		RSquared:    0.72,
		RealizedVol: 0.18,
		BarCount:    60,
		AsOf:        time.Date(2025, 6, 17, 10, 0, 0, 0, time.UTC),
	}
}

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	clk, err := clock.New(logger, clock.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Failed to create clock: %v", err)
	}

	riskMgr := risk.NewManager(logger, config.RiskConfig{DailyTradeLimit: 5}, risk.Deps{})
	riskMgr.UpdateEquity(100_000)

	posMgr := positions.NewManager(logger, positions.DefaultConfig(), positions.Deps{})
	posMgr.Restore([]types.Position{openFixture()}, []types.ClosedTrade{closedFixture()})

	regimes := regime.NewClassifier(logger, regime.DefaultConfig())
	regimes.Classify("SPY", trendingFeatures())

	bus := events.NewBus(events.Config{}, logger)
	t.Cleanup(bus.Stop)

	sched := &stubStatus{st: scheduler.Status{
		State:       scheduler.StateRunning,
		Since:       time.Date(2025, 6, 17, 9, 30, 0, 0, time.UTC),
		SessionDate: "2025-06-17",
		Cycles:      12,
		Symbols:     []string{"SPY"},
	}}

	server := api.New(logger, config.ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, api.Deps{
		Scheduler: sched,
		Clock:     clk,
		Risk:      riskMgr,
		Positions: posMgr,
		Regimes:   regimes,
		Ensemble:  ensemble.New(logger, ensemble.DefaultConfig(), agents.NewDefaultSet(logger)),
		Pool:      workers.NewPool(workers.Config{Workers: 1}, logger),
		Bus:       bus,
	})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return server, ts
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode %s response: %v", url, err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	var body map[string]interface{}
	resp := getJSON(t, ts.URL+"/health", &body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", body["status"])
	}
	if body["state"] != "running" {
		t.Errorf("Expected state 'running', got '%v'", body["state"])
	}
	if body["degraded"] != false {
		t.Errorf("Expected degraded false, got '%v'", body["degraded"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	var body struct {
		Scheduler scheduler.Status `json:"scheduler"`
		Market    marketSection    `json:"market"`
		Risk      risk.Stats       `json:"risk"`
		Agents    []agents.Stats   `json:"agents"`
		Pool      workers.Stats    `json:"pool"`
		Events    events.Stats     `json:"events"`
	}
	resp := getJSON(t, ts.URL+"/api/status", &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if body.Scheduler.State != scheduler.StateRunning {
		t.Errorf("Expected scheduler state running, got %s", body.Scheduler.State)
	}
	if body.Scheduler.Cycles != 12 {
		t.Errorf("Expected 12 cycles, got %d", body.Scheduler.Cycles)
	}
	if body.Market.Phase == "" {
		t.Error("Expected a market phase")
	}
	if body.Risk.Equity != 100_000 {
		t.Errorf("Expected equity 100000, got %f", body.Risk.Equity)
	}
	if body.Risk.TradeLimit != 5 {
		t.Errorf("Expected trade limit 5, got %d", body.Risk.TradeLimit)
	}
	if len(body.Agents) == 0 {
		t.Fatal("Expected agent stats")
	}
	for _, a := range body.Agents {
		if a.ID == "" {
			t.Error("Agent stats entry missing ID")
		}
		if a.Weight <= 0 {
			t.Errorf("Agent %s has non-positive weight %f", a.ID, a.Weight)
		}
	}
}

func TestPositionsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	var body struct {
		Open        []types.Position    `json:"open"`
		OpenCount   int                 `json:"openCount"`
		Closed      []types.ClosedTrade `json:"closed"`
		ClosedCount int                 `json:"closedCount"`
	}
	resp := getJSON(t, ts.URL+"/api/positions", &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if body.OpenCount != 1 || len(body.Open) != 1 {
		t.Fatalf("Expected 1 open position, got count=%d len=%d", body.OpenCount, len(body.Open))
	}
	if body.Open[0].OptionSymbol != "SPY250622C00440000" {
		t.Errorf("Unexpected open position %s", body.Open[0].OptionSymbol)
	}
	if body.ClosedCount != 1 || len(body.Closed) != 1 {
		t.Fatalf("Expected 1 closed trade, got count=%d len=%d", body.ClosedCount, len(body.Closed))
	}
	if body.Closed[0].Reason != "trailing_stop" {
		t.Errorf("Unexpected close reason %s", body.Closed[0].Reason)
	}
}

func TestRegimeEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	var body struct {
		Symbol  string         `json:"symbol"`
		Current *types.Regime  `json:"current"`
		History []types.Regime `json:"history"`
	}
	resp := getJSON(t, ts.URL+"/api/regime/SPY", &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if body.Symbol != "SPY" {
		t.Errorf("Expected symbol SPY, got %s", body.Symbol)
	}
	if body.Current == nil {
		t.Fatal("Expected a current regime")
	}
	if body.Current.Direction == "" {
		t.Error("Current regime missing direction")
	}
	if len(body.History) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(body.History))
	}

	// Symbols are case-insensitive in the path.
	var lower struct {
		Symbol string `json:"symbol"`
	}
	resp = getJSON(t, ts.URL+"/api/regime/spy", &lower)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 for lowercase symbol, got %d", resp.StatusCode)
	}
	if lower.Symbol != "SPY" {
		t.Errorf("Expected symbol SPY, got %s", lower.Symbol)
	}
}

func TestRegimeEndpointUnknownSymbol(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/regime/TSLA")
	if err != nil {
		t.Fatalf("Regime request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if !strings.Contains(body["error"], "TSLA") {
		t.Errorf("Expected error naming the symbol, got '%s'", body["error"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics body: %v", err)
	}
	if !strings.Contains(string(payload), "tradenova_cycles_total") {
		t.Error("Metrics exposition missing tradenova_cycles_total")
	}
}

func TestWriteMethodsRejected(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	_, ts := setupTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected wildcard CORS origin, got '%s'", got)
	}
}

func TestStartAndShutdown(t *testing.T) {
	server, _ := setupTestServer(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Give the listener time to bind.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown error: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Start did not return after Shutdown")
	}
}

func TestDisabledServerStartsAsNoOp(t *testing.T) {
	server := api.New(zap.NewNop(), config.ServerConfig{Enabled: false}, api.Deps{})

	done := make(chan error, 1)
	go func() {
		done <- server.Start()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Disabled Start returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Disabled Start did not return immediately")
	}
}
