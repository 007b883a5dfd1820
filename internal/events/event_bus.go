package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/metrics"
)

const (
	defaultWorkers    = 2
	defaultBufferSize = 1024
	shutdownTimeout   = 5 * time.Second
)

// Handler processes one event. Returned errors are counted and logged;
// they never propagate to the publisher.
type Handler func(Event) error

// Config sizes the bus.
type Config struct {
	Workers    int
	BufferSize int
}

// Stats counts bus activity since construction.
type Stats struct {
	Published     int64 `json:"published"`
	Processed     int64 `json:"processed"`
	Dropped       int64 `json:"dropped"`
	HandlerErrors int64 `json:"handler_errors"`
	Subscribers   int   `json:"subscribers"`
}

// Bus routes events to subscribers through a bounded buffer. Publish
// never blocks: when the buffer is full the event is dropped and
// counted, because a trading cycle must not wait on observability.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[EventType][]Handler
	all  []Handler

	ch     chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published     atomic.Int64
	processed     atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
}

// NewBus builds the bus and starts its dispatch workers.
func NewBus(cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger: logger.Named("events"),
		subs:   make(map[EventType][]Handler),
		ch:     make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.logger.Debug("event bus started",
		zap.Int("workers", cfg.Workers),
		zap.Int("bufferSize", cfg.BufferSize))
	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues the event. On a full buffer the event is dropped and
// the drop counted.
func (b *Bus) Publish(ev Event) {
	select {
	case b.ch <- ev:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		metrics.EventsDropped.Inc()
		b.logger.Warn("event dropped, buffer full",
			zap.String("type", string(ev.Kind())))
	}
}

// Stats snapshots the activity counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.all)
	for _, hs := range b.subs {
		n += len(hs)
	}
	b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Processed:     b.processed.Load(),
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Subscribers:   n,
	}
}

// Stop ends dispatch. Events still buffered are abandoned; publishers
// may keep calling Publish and will only accumulate drops.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Debug("event bus stopped",
			zap.Int64("processed", b.processed.Load()),
			zap.Int64("dropped", b.dropped.Load()))
	case <-time.After(shutdownTimeout):
		b.logger.Warn("event bus shutdown timed out")
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.ch:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Kind()])+len(b.all))
	handlers = append(handlers, b.subs[ev.Kind()]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.runHandler(h, ev)
	}
	b.processed.Add(1)
}

func (b *Bus) runHandler(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("event handler panic",
				zap.String("type", string(ev.Kind())),
				zap.Any("panic", r))
		}
	}()
	if err := h(ev); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("event handler error",
			zap.String("type", string(ev.Kind())),
			zap.Error(err))
	}
}
