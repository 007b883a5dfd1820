// Package report assembles the end-of-day snapshot: the session's
// realized results, win rate, drawdown, and per-agent attribution. The
// scheduler builds one while closing the session and persists it next
// to the journal.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/agents"
	"github.com/tradenova/trading-core/internal/config"
	"github.com/tradenova/trading-core/internal/journal"
	"github.com/tradenova/trading-core/pkg/types"
)

// unattributed groups trades whose position carries no agent ID, such
// as positions adopted from the broker during reconciliation.
const unattributed = "unattributed"

// Snapshot is the end-of-day record for one session.
type Snapshot struct {
	SessionDate  string             `json:"session_date"`
	GeneratedAt  time.Time          `json:"generated_at"`
	Equity       float64            `json:"equity"`
	RealizedPnL  float64            `json:"realized_pnl"`
	TradesOpened int                `json:"trades_opened"`
	TradesClosed int                `json:"trades_closed"`
	WinRate      float64            `json:"win_rate"`
	MaxDrawdown  float64            `json:"max_drawdown"`
	Agents       []AgentAttribution `json:"per_agent_attribution"`
}

// AgentAttribution aggregates the day's realized results for one agent,
// paired with the weight the agent carried at the close.
type AgentAttribution struct {
	AgentID     string  `json:"agent_id"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	RealizedPnL float64 `json:"realized_pnl"`
	Weight      float64 `json:"weight,omitempty"`
}

// Build folds the day's closed trades into a snapshot. Win rate and
// drawdown are computed over the trades in close order; agent rows come
// back sorted by ID.
func Build(sessionDate string, equity float64, tradesOpened int, closed []types.ClosedTrade, agentStats []agents.Stats) Snapshot {
	var day journal.Statistics
	byAgent := make(map[string]*AgentAttribution)
	for i := range closed {
		tr := &closed[i]
		day.Record(tr.RealizedPnL)

		id := tr.AgentID
		if id == "" {
			id = unattributed
		}
		row, ok := byAgent[id]
		if !ok {
			row = &AgentAttribution{AgentID: id}
			byAgent[id] = row
		}
		row.Trades++
		if tr.Win() {
			row.Wins++
		}
		row.RealizedPnL += tr.RealizedPnL
	}

	weights := make(map[string]float64, len(agentStats))
	for _, st := range agentStats {
		weights[st.ID] = st.Weight
	}

	rows := make([]AgentAttribution, 0, len(byAgent))
	for id, row := range byAgent {
		row.Weight = weights[id]
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].AgentID < rows[j].AgentID })

	return Snapshot{
		SessionDate:  sessionDate,
		GeneratedAt:  time.Now().UTC(),
		Equity:       equity,
		RealizedPnL:  day.TotalPnL,
		TradesOpened: tradesOpened,
		TradesClosed: len(closed),
		WinRate:      day.WinRate,
		MaxDrawdown:  day.MaxDrawdown,
		Agents:       rows,
	}
}

// Writer persists snapshots next to the session journal, one file per
// session date.
type Writer struct {
	logger *zap.Logger
	dir    string
}

// NewWriter binds the writer to the configured data directory.
func NewWriter(cfg config.StoreConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = "data"
	}
	return &Writer{logger: logger.Named("report"), dir: dir}
}

// Write logs the snapshot and persists it as eod-<date>.json.
func (w *Writer) Write(snap Snapshot) error {
	w.logger.Info("end of day snapshot",
		zap.String("session", snap.SessionDate),
		zap.Float64("equity", snap.Equity),
		zap.Float64("realizedPnl", snap.RealizedPnL),
		zap.Int("tradesOpened", snap.TradesOpened),
		zap.Int("tradesClosed", snap.TradesClosed),
		zap.Float64("winRate", snap.WinRate),
		zap.Float64("maxDrawdown", snap.MaxDrawdown),
		zap.Int("agents", len(snap.Agents)))

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", w.dir, err)
	}
	path := filepath.Join(w.dir, fileName(snap))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	w.logger.Debug("snapshot persisted", zap.String("path", path))
	return nil
}

func fileName(snap Snapshot) string {
	date := snap.SessionDate
	if date == "" {
		date = snap.GeneratedAt.Format("2006-01-02")
	}
	return "eod-" + date + ".json"
}
