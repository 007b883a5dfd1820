// Package workers runs the per-symbol pipeline fan-out. Each cycle
// submits one job per symbol and waits for the whole batch to drain.
// Jobs are isolated: one symbol's error or panic never reaches another
// symbol and never kills a worker.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWorkers         = 8
	defaultQueueDepth      = 32
	defaultShutdownTimeout = 10 * time.Second
)

// ErrPoolStopped is reported for every job in a batch submitted before
// Start or after Stop.
var ErrPoolStopped = fmt.Errorf("worker pool is stopped")

// ErrShutdownTimeout means workers did not drain within the shutdown
// budget; some job is stuck ignoring its context.
var ErrShutdownTimeout = fmt.Errorf("worker pool shutdown timed out")

// Job is one unit of pipeline work keyed by the symbol it serves.
type Job struct {
	Symbol string
	Run    func(ctx context.Context) error
}

// Config sizes the pool.
type Config struct {
	Workers         int
	QueueDepth      int
	ShutdownTimeout time.Duration
}

// SizeFor bounds pipeline concurrency: one worker per symbol, capped at
// limit (default 8).
func SizeFor(symbols, limit int) int {
	if limit <= 0 {
		limit = defaultWorkers
	}
	if symbols < 1 {
		return 1
	}
	if symbols < limit {
		return symbols
	}
	return limit
}

// Stats counts pool activity since Start.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Pool is a fixed set of workers fed from one queue. RunBatch is the
// only submission path; Stop closes the queue and drains.
type Pool struct {
	logger *zap.Logger
	cfg    Config
	queue  chan batchItem
	wg     sync.WaitGroup

	submitMu sync.Mutex
	running  atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

type batchItem struct {
	ctx   context.Context
	job   Job
	state *batchState
}

type batchState struct {
	mu   sync.Mutex
	errs map[string]error
	wg   sync.WaitGroup
}

func (b *batchState) set(symbol string, err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.errs[symbol] = err
	b.mu.Unlock()
}

// NewPool builds a pool; Start spawns the workers.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Pool{
		logger: logger.Named("workers"),
		cfg:    cfg,
		queue:  make(chan batchItem, cfg.QueueDepth),
	}
}

// Start spawns the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queueDepth", p.cfg.QueueDepth))
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// RunBatch submits one job per symbol and blocks until every job has
// finished or been abandoned. The result maps each failed symbol to its
// error; symbols that succeeded are absent. A cancelled ctx fails jobs
// that have not started yet and is passed through to jobs that have.
func (p *Pool) RunBatch(ctx context.Context, jobs []Job) map[string]error {
	state := &batchState{errs: make(map[string]error, len(jobs))}

	p.submitMu.Lock()
	if !p.running.Load() {
		p.submitMu.Unlock()
		for _, j := range jobs {
			state.errs[j.Symbol] = ErrPoolStopped
		}
		return state.errs
	}
	for _, j := range jobs {
		p.submitted.Add(1)
		state.wg.Add(1)
		select {
		case p.queue <- batchItem{ctx: ctx, job: j, state: state}:
		case <-ctx.Done():
			state.set(j.Symbol, ctx.Err())
			p.failed.Add(1)
			state.wg.Done()
		}
	}
	p.submitMu.Unlock()

	state.wg.Wait()
	return state.errs
}

// Stop rejects further batches, lets queued jobs finish, and waits for
// the workers to exit. Callers stop submitting before calling Stop.
func (p *Pool) Stop() error {
	p.submitMu.Lock()
	if !p.running.Swap(false) {
		p.submitMu.Unlock()
		return nil
	}
	close(p.queue)
	p.submitMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.Duration("timeout", p.cfg.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// Stats snapshots the activity counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker", id))
	for item := range p.queue {
		p.execute(log, item)
	}
}

func (p *Pool) execute(log *zap.Logger, item batchItem) {
	defer item.state.wg.Done()

	if err := item.ctx.Err(); err != nil {
		item.state.set(item.job.Symbol, err)
		p.failed.Add(1)
		return
	}

	err := p.runJob(item.ctx, log, item.job)
	if err != nil {
		p.failed.Add(1)
		log.Debug("pipeline job failed",
			zap.String("symbol", item.job.Symbol),
			zap.Error(err))
	} else {
		p.completed.Add(1)
	}
	item.state.set(item.job.Symbol, err)
}

func (p *Pool) runJob(ctx context.Context, log *zap.Logger, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Error("pipeline panic recovered",
				zap.String("symbol", job.Symbol),
				zap.Any("panic", r))
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return job.Run(ctx)
}
