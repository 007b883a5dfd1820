package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/metrics"
)

// LoggerSink logs every event structured. Decisions log at debug since
// most symbols reject at some stage every cycle; lifecycle events log
// at info.
func LoggerSink(logger *zap.Logger) Handler {
	log := logger.Named("events")
	return func(ev Event) error {
		switch e := ev.(type) {
		case DecisionEvent:
			log.Debug("stage decision",
				zap.Time("ts", e.Timestamp),
				zap.String("symbol", e.Symbol),
				zap.String("stage", e.Stage),
				zap.String("verdict", string(e.Verdict)),
				zap.String("reason", e.Reason),
				zap.Any("metrics", e.Metrics))
		case CycleEvent:
			log.Info("cycle complete",
				zap.Int64("cycle", e.Number),
				zap.String("state", e.State),
				zap.Duration("duration", e.Duration),
				zap.Int("symbols", e.Symbols),
				zap.Int("errors", e.Errors))
		case StateEvent:
			log.Info("scheduler state change",
				zap.String("from", e.From),
				zap.String("to", e.To),
				zap.String("reason", e.Reason))
		case OrderEvent:
			log.Info("order outcome",
				zap.String("symbol", e.Symbol),
				zap.String("option", e.OptionSymbol),
				zap.String("side", e.Side),
				zap.Int("qty", e.Qty),
				zap.String("status", e.Status),
				zap.String("reason", e.Reason))
		case TradeClosedEvent:
			log.Info("trade closed",
				zap.String("option", e.Trade.OptionSymbol),
				zap.String("underlying", e.Trade.Underlying),
				zap.Float64("realizedPnl", e.Trade.RealizedPnL),
				zap.String("reason", e.Trade.Reason))
		default:
			log.Debug("event",
				zap.String("type", string(ev.Kind())),
				zap.Time("ts", ev.At()))
		}
		return nil
	}
}

// MetricsSink counts stage decisions by verdict. Per-reason rejection
// counters stay with the stages themselves; this sink only adds the
// accept/reject totals.
func MetricsSink() Handler {
	return func(ev Event) error {
		if d, ok := ev.(DecisionEvent); ok {
			metrics.DecisionsTotal.WithLabelValues(d.Stage, string(d.Verdict)).Inc()
		}
		return nil
	}
}

// FileSink appends events to a JSON-lines file, one object per event.
// The scheduler points it at the data directory so each session leaves
// an auditable decision trail.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileSink opens (or creates) the file for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Handle writes one event line.
func (s *FileSink) Handle(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("event log closed")
	}
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close stops accepting events and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.enc = nil
	return err
}
