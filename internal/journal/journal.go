// Package journal persists session state between runs. Everything the
// loop needs to pick up where it left off lives in one JSON document
// under the configured data directory: open positions with their ladder
// progress, the day's closed trades, risk counters, agent weights, and
// the rolling IV history when no database carries it. Writes go through
// a temp file and rename so a crash mid-save never leaves a torn file.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/config"
	"github.com/tradenova/trading-core/internal/risk"
	"github.com/tradenova/trading-core/pkg/types"
)

// ErrCorrupt marks a session file that exists but cannot be trusted:
// undecodable JSON or a document that fails validation. Callers start
// fresh and let broker reconciliation adopt whatever is really open.
var ErrCorrupt = errors.New("corrupt session state")

const sessionFile = "session.json"

// Session is the restart-surviving state document.
type Session struct {
	SavedAt      time.Time                 `json:"saved_at"`
	SessionDate  string                    `json:"session_date"`
	Positions    []types.Position          `json:"positions"`
	ClosedTrades []types.ClosedTrade       `json:"closed_trades"`
	Risk         risk.State                `json:"risk"`
	Weights      map[string]float64        `json:"agent_weights,omitempty"`
	IVHistory    map[string][]risk.IVPoint `json:"iv_history,omitempty"`
	Statistics   Statistics                `json:"statistics"`
}

func (s *Session) validate() error {
	if s.SessionDate != "" {
		if _, err := time.Parse("2006-01-02", s.SessionDate); err != nil {
			return fmt.Errorf("bad session date %q", s.SessionDate)
		}
	}
	for i := range s.Positions {
		p := &s.Positions[i]
		if p.OptionSymbol == "" || p.Underlying == "" {
			return fmt.Errorf("position %d missing symbol", i)
		}
		if p.Qty <= 0 {
			return fmt.Errorf("position %s has qty %d", p.OptionSymbol, p.Qty)
		}
		if p.EntryPrice <= 0 {
			return fmt.Errorf("position %s has entry price %.4f", p.OptionSymbol, p.EntryPrice)
		}
	}
	st := s.Statistics
	if st.TotalTrades < 0 || st.WinningTrades+st.LosingTrades != st.TotalTrades {
		return fmt.Errorf("statistics disagree: %d wins + %d losses vs %d trades",
			st.WinningTrades, st.LosingTrades, st.TotalTrades)
	}
	return nil
}

// Store reads and writes the session document. One writer at a time;
// the cycle saves, warmup loads.
type Store struct {
	mu     sync.Mutex
	logger *zap.Logger
	path   string
}

// NewStore ensures the data directory exists and binds the store to the
// session file inside it.
func NewStore(cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &Store{
		logger: logger.Named("journal"),
		path:   filepath.Join(dir, sessionFile),
	}, nil
}

// Path reports where the session document lives.
func (s *Store) Path() string {
	return s.path
}

// Save writes the session document atomically: marshal, write a temp
// file beside the target, rename over it.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.SavedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}

	s.logger.Debug("session persisted",
		zap.String("path", s.path),
		zap.Int("positions", len(sess.Positions)),
		zap.Int("closedTrades", len(sess.ClosedTrades)))
	return nil
}

// Load reads and validates the session document. A missing file is a
// first run and returns (nil, nil); a file that cannot be decoded or
// validated returns ErrCorrupt.
func (s *Store) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no session file, starting fresh", zap.String("path", s.path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	if err := sess.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}

	s.logger.Info("session restored",
		zap.String("sessionDate", sess.SessionDate),
		zap.Time("savedAt", sess.SavedAt),
		zap.Int("positions", len(sess.Positions)),
		zap.Int("closedTrades", len(sess.ClosedTrades)))
	return &sess, nil
}
