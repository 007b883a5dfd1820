package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// StreamConfig configures the vendor quote websocket.
type StreamConfig struct {
	URL    string
	APIKey string
}

// QuoteStream maintains a live book of option quotes so quote ages stay
// honest between chain snapshots. Quotes are keyed by canonical OCC
// symbol, vendor prefix stripped.
type QuoteStream struct {
	logger *zap.Logger
	config StreamConfig

	conn   *websocket.Conn
	connMu sync.RWMutex

	subs  map[string]bool
	subMu sync.RWMutex

	latest   map[string]types.Quote
	latestMu sync.RWMutex

	running bool
	runMu   sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// streamEvent is one element of the vendor's websocket message array.
type streamEvent struct {
	Event   string  `json:"ev"`
	Symbol  string  `json:"sym"`
	Bid     float64 `json:"bp"`
	BidSize int64   `json:"bs"`
	Ask     float64 `json:"ap"`
	AskSize int64   `json:"as"`
	MsTime  int64   `json:"t"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
}

// NewQuoteStream creates the quote stream. Start must be called before
// Subscribe.
func NewQuoteStream(logger *zap.Logger, config StreamConfig) *QuoteStream {
	return &QuoteStream{
		logger: logger.Named("quote_stream"),
		config: config,
		subs:   make(map[string]bool),
		latest: make(map[string]types.Quote),
	}
}

// Start connects, authenticates, and begins the read loop.
func (s *QuoteStream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setRunning(true)

	if err := s.connect(); err != nil {
		s.setRunning(false)
		return err
	}

	go s.readLoop()
	go s.reconnectMonitor()

	s.logger.Info("quote stream started", zap.String("url", s.config.URL))
	return nil
}

// Stop tears the stream down.
func (s *QuoteStream) Stop() {
	s.setRunning(false)
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	s.logger.Info("quote stream stopped")
}

// Subscribe starts streaming quotes for one option contract.
func (s *QuoteStream) Subscribe(optionSymbol string) error {
	symbol := types.StripVendorPrefix(optionSymbol)

	s.subMu.Lock()
	if s.subs[symbol] {
		s.subMu.Unlock()
		return nil
	}
	s.subs[symbol] = true
	s.subMu.Unlock()

	return s.send(map[string]string{
		"action": "subscribe",
		"params": "Q.O:" + symbol,
	})
}

// Unsubscribe stops streaming one contract and drops its cached quote.
func (s *QuoteStream) Unsubscribe(optionSymbol string) error {
	symbol := types.StripVendorPrefix(optionSymbol)

	s.subMu.Lock()
	if !s.subs[symbol] {
		s.subMu.Unlock()
		return nil
	}
	delete(s.subs, symbol)
	s.subMu.Unlock()

	s.latestMu.Lock()
	delete(s.latest, symbol)
	s.latestMu.Unlock()

	return s.send(map[string]string{
		"action": "unsubscribe",
		"params": "Q.O:" + symbol,
	})
}

// Latest returns the freshest streamed quote for a contract.
func (s *QuoteStream) Latest(optionSymbol string) (types.Quote, bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	q, ok := s.latest[types.StripVendorPrefix(optionSymbol)]
	return q, ok
}

func (s *QuoteStream) connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(s.config.URL, nil)
	if err != nil {
		return err
	}
	auth := map[string]string{"action": "auth", "params": s.config.APIKey}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	s.logger.Debug("quote stream connected")
	return nil
}

func (s *QuoteStream) send(msg interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return types.ErrDataUnavailable
	}
	return s.conn.WriteJSON(msg)
}

func (s *QuoteStream) readLoop() {
	for s.isRunning() {
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.isRunning() {
				s.logger.Warn("quote stream read error", zap.Error(err))
				s.connMu.Lock()
				if s.conn == conn {
					s.conn.Close()
					s.conn = nil
				}
				s.connMu.Unlock()
			}
			continue
		}
		s.handleMessage(message)
	}
}

func (s *QuoteStream) handleMessage(data []byte) {
	var events []streamEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return
	}
	for _, ev := range events {
		switch ev.Event {
		case "Q":
			symbol := types.StripVendorPrefix(ev.Symbol)
			q := types.Quote{
				Symbol:    symbol,
				Bid:       ev.Bid,
				Ask:       ev.Ask,
				BidSize:   ev.BidSize,
				AskSize:   ev.AskSize,
				Timestamp: time.UnixMilli(ev.MsTime).UTC(),
			}
			s.latestMu.Lock()
			s.latest[symbol] = q
			s.latestMu.Unlock()
		case "status":
			s.logger.Debug("quote stream status",
				zap.String("status", ev.Status),
				zap.String("message", ev.Message))
		}
	}
}

func (s *QuoteStream) reconnectMonitor() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()

			if conn != nil || !s.isRunning() {
				continue
			}
			s.logger.Info("quote stream reconnecting")
			if err := s.connect(); err != nil {
				s.logger.Error("quote stream reconnect failed", zap.Error(err))
				continue
			}
			s.resubscribe()
		}
	}
}

func (s *QuoteStream) resubscribe() {
	s.subMu.RLock()
	symbols := make([]string, 0, len(s.subs))
	for symbol := range s.subs {
		symbols = append(symbols, symbol)
	}
	s.subMu.RUnlock()

	for _, symbol := range symbols {
		if err := s.send(map[string]string{"action": "subscribe", "params": "Q.O:" + symbol}); err != nil {
			s.logger.Warn("resubscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func (s *QuoteStream) isRunning() bool {
	s.runMu.RLock()
	defer s.runMu.RUnlock()
	return s.running
}

func (s *QuoteStream) setRunning(v bool) {
	s.runMu.Lock()
	s.running = v
	s.runMu.Unlock()
}
