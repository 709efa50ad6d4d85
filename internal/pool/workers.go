// Package pool provides the bounded worker pool that runs event-loop
// background work (HTTP round trips, OCR and relay calls) across page loads.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPoolFull   = errors.New("worker pool is full")
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Config configures a Workers pool.
type Config struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers" env:"MAX_WORKERS"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size" env:"QUEUE_SIZE"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  16,
		QueueSize:   256,
		IdleTimeout: 30 * time.Second,
	}
}

// Validate checks the pool bounds.
func (c Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	return nil
}

type job struct {
	ctx  context.Context
	task Task
}

// Workers runs submitted tasks on at most MaxWorkers goroutines. Workers are
// spawned on demand and exit after IdleTimeout without work, keeping one
// alive.
type Workers struct {
	cfg    Config
	logger *zap.Logger

	// mu guards the queue against Submit racing Close.
	mu     sync.RWMutex
	queue  chan job
	closed bool
	wg     sync.WaitGroup

	workers atomic.Int32
	active  atomic.Int32

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New creates a pool. Invalid bounds fall back to DefaultConfig values.
func New(cfg Config, logger *zap.Logger) *Workers {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workers{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "workers")),
		queue:  make(chan job, cfg.QueueSize),
	}
}

// Submit queues task without blocking. It returns ErrPoolFull when every
// worker is busy and the queue is at capacity.
func (w *Workers) Submit(ctx context.Context, task Task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrPoolClosed
	}

	w.submitted.Add(1)
	j := job{ctx: ctx, task: task}

	select {
	case w.queue <- j:
		w.ensureWorker()
		return nil
	default:
	}

	// 队列已满，尝试扩容一个 worker 再投递一次
	if w.spawn() {
		select {
		case w.queue <- j:
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	w.rejected.Add(1)
	return ErrPoolFull
}

func (w *Workers) ensureWorker() {
	if w.workers.Load() < int32(w.cfg.MaxWorkers) && w.active.Load() >= w.workers.Load() {
		w.spawn()
	}
}

func (w *Workers) spawn() bool {
	for {
		n := w.workers.Load()
		if n >= int32(w.cfg.MaxWorkers) {
			return false
		}
		if w.workers.CompareAndSwap(n, n+1) {
			w.wg.Add(1)
			go w.loop()
			return true
		}
	}
}

func (w *Workers) loop() {
	defer w.wg.Done()

	idle := time.NewTimer(w.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-w.queue:
			if !ok {
				w.workers.Add(-1)
				return
			}
			w.active.Add(1)
			err := w.run(j)
			w.active.Add(-1)
			if err != nil {
				w.failed.Add(1)
			} else {
				w.completed.Add(1)
			}
			idle.Reset(w.cfg.IdleTimeout)

		case <-idle.C:
			// 至少保留一个 worker
			if n := w.workers.Load(); n > 1 && w.workers.CompareAndSwap(n, n-1) {
				return
			}
			idle.Reset(w.cfg.IdleTimeout)
		}
	}
}

func (w *Workers) run(j job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("task panicked", zap.Any("panic", rec))
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return j.task(j.ctx)
}

// Close stops accepting tasks, drains the queue and waits for workers.
func (w *Workers) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	// 队列里剩余的任务需要有人消费
	if w.workers.Load() == 0 && len(w.queue) > 0 {
		w.spawn()
	}
	w.wg.Wait()
}

// Stats returns pool statistics.
func (w *Workers) Stats() Stats {
	return Stats{
		Workers:   int(w.workers.Load()),
		Active:    int(w.active.Load()),
		Queued:    len(w.queue),
		Submitted: w.submitted.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Rejected:  w.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
