package risk_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/risk"
)

var gapNow = time.Date(2025, 6, 16, 15, 30, 0, 0, time.UTC)

func eventLine(symbol string, daysOut int, kind string) string {
	date := gapNow.AddDate(0, 0, daysOut).Format("2006-01-02")
	return fmt.Sprintf("  - symbol: %s\n    date: %q\n    kind: %s", symbol, date, kind)
}

func monitorWith(t *testing.T, lines ...string) *risk.GapMonitor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.yaml")
	content := "events:\n" + strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write calendar: %v", err)
	}
	mon, err := risk.NewGapMonitor(zap.NewNop(), path, time.UTC)
	if err != nil {
		t.Fatalf("NewGapMonitor: %v", err)
	}
	return mon
}

func TestGapLevelsByProximity(t *testing.T) {
	mon := monitorWith(t,
		eventLine("NVDA", 0, "earnings"),
		eventLine("AMD", 1, "earnings"),
		eventLine("TSLA", 2, "earnings"),
		eventLine("MSFT", 3, "earnings"),
		eventLine("AAPL", 4, "earnings"),
		eventLine("GOOG", 7, "earnings"),
		eventLine("META", 8, "earnings"),
		eventLine("AMZN", -1, "earnings"),
	)
	tests := []struct {
		symbol    string
		level     risk.GapLevel
		mult      float64
		forceExit bool
	}{
		{"NVDA", risk.GapCritical, 0, true},
		{"AMD", risk.GapHigh, 0, false},
		{"TSLA", risk.GapMedium, 0.5, false},
		{"MSFT", risk.GapMedium, 0.5, false},
		{"AAPL", risk.GapLow, 0.8, false},
		{"GOOG", risk.GapLow, 0.8, false},
		{"META", risk.GapNone, 1.0, false},
		{"AMZN", risk.GapNone, 1.0, false},
		{"SPY", risk.GapNone, 1.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			got := mon.Assess(tt.symbol, gapNow)
			if got.Level != tt.level {
				t.Errorf("level = %s, want %s", got.Level, tt.level)
			}
			if got.Multiplier != tt.mult {
				t.Errorf("multiplier = %v, want %v", got.Multiplier, tt.mult)
			}
			if got.ForceExit != tt.forceExit {
				t.Errorf("forceExit = %v, want %v", got.ForceExit, tt.forceExit)
			}
		})
	}
}

func TestGapMarketWideEventAppliesToAll(t *testing.T) {
	mon := monitorWith(t, eventLine(`"*"`, 1, "fomc"))
	for _, sym := range []string{"SPY", "NVDA", "XYZ"} {
		got := mon.Assess(sym, gapNow)
		if got.Level != risk.GapHigh {
			t.Errorf("%s: level = %s, want HIGH", sym, got.Level)
		}
	}
}

func TestGapMostSevereEventWins(t *testing.T) {
	mon := monitorWith(t,
		eventLine("NVDA", 5, "conference"),
		eventLine("NVDA", 1, "earnings"),
	)
	got := mon.Assess("NVDA", gapNow)
	if got.Level != risk.GapHigh {
		t.Errorf("level = %s, want HIGH", got.Level)
	}
	if !strings.Contains(got.Event, "earnings") {
		t.Errorf("event = %q, want the earnings entry", got.Event)
	}
}

func TestGapMissingCalendarPasses(t *testing.T) {
	mon, err := risk.NewGapMonitor(zap.NewNop(), filepath.Join(t.TempDir(), "absent.yaml"), time.UTC)
	if err != nil {
		t.Fatalf("NewGapMonitor: %v", err)
	}
	if got := mon.Assess("SPY", gapNow); got.Level != risk.GapNone {
		t.Errorf("level = %s, want NONE", got.Level)
	}
}

func TestGapEmptyPathPasses(t *testing.T) {
	mon, err := risk.NewGapMonitor(zap.NewNop(), "", time.UTC)
	if err != nil {
		t.Fatalf("NewGapMonitor: %v", err)
	}
	if got := mon.Assess("SPY", gapNow); got.Level != risk.GapNone {
		t.Errorf("level = %s, want NONE", got.Level)
	}
}

func TestGapUnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.yaml")
	content := "events:\n  - symbol: SPY\n    date: \"2025-06-17\"\n    kind: fomc\n    severity: high\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write calendar: %v", err)
	}
	if _, err := risk.NewGapMonitor(zap.NewNop(), path, time.UTC); err == nil {
		t.Fatal("want decode error for unknown field, got nil")
	}
}

func TestGapBadDateRejected(t *testing.T) {
	mon := func() (*risk.GapMonitor, error) {
		path := filepath.Join(t.TempDir(), "events.yaml")
		content := "events:\n  - symbol: SPY\n    date: \"06/17/2025\"\n    kind: fomc\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write calendar: %v", err)
		}
		return risk.NewGapMonitor(zap.NewNop(), path, time.UTC)
	}
	if _, err := mon(); err == nil {
		t.Fatal("want date parse error, got nil")
	}
}
