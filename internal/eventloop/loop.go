// Package eventloop provides the single-threaded cooperative loop every page
// load runs on.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/pool"
)

var (
	ErrLoopClosed = errors.New("event loop is closed")
)

// Loop schedules callbacks onto a single goroutine. Callbacks never run
// concurrently with each other.
type Loop interface {
	// Post queues fn to run on the loop.
	Post(fn func())
	// Go runs work off the loop and then delivers its error to then on the loop.
	Go(work func(ctx context.Context) error, then func(err error))
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Every runs fn on the loop every d until the returned timer is stopped.
	Every(d time.Duration, fn func()) Timer
	// Now returns the loop's notion of the current time.
	Now() time.Time
}

// Timer is a cancellable handle. A stopped timer never runs its callback,
// even when the firing was already queued on the loop.
type Timer interface {
	Stop() bool
}

// StopTimer stops t when it is non-nil. It is the usual way to clear optional
// timer fields.
func StopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}

// Config configures a Runner.
type Config struct {
	PanicHandler func(any) `json:"-"`
	// Workers 为空时每个 Go 调用使用独立 goroutine
	Workers *pool.Workers `json:"-"`
}

// Runner is the production Loop backed by a goroutine and wall-clock timers.
type Runner struct {
	mu      sync.Mutex
	queue   []func()
	signal  chan struct{}
	closed  atomic.Bool
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	panicHandler func(any)
	workers      *pool.Workers

	posted   atomic.Int64
	executed atomic.Int64
	panics   atomic.Int64
}

// NewRunner creates a loop. Callbacks start running once Run is called.
func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		signal:       make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With(zap.String("component", "eventloop")),
		panicHandler: cfg.PanicHandler,
		workers:      cfg.Workers,
	}
}

// Run processes callbacks until ctx is cancelled or Close is called.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer r.running.Store(false)

	for {
		for {
			fn, ok := r.next()
			if !ok {
				break
			}
			r.execute(fn)
		}

		select {
		case <-ctx.Done():
			r.Close()
			return ctx.Err()
		case <-r.ctx.Done():
			return nil
		case <-r.signal:
		}
	}
}

func (r *Runner) next() (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 || r.closed.Load() {
		return nil, false
	}
	fn := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return fn, true
}

func (r *Runner) execute(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.logger.Error("callback panicked", zap.Any("panic", rec))
			if r.panicHandler != nil {
				r.panicHandler(rec)
			}
		}
	}()
	fn()
	r.executed.Add(1)
}

// Post queues fn. Posting to a closed loop is a no-op.
func (r *Runner) Post(fn func()) {
	if r.closed.Load() {
		return
	}
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	r.posted.Add(1)

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Go runs work with the loop context, on the shared worker pool when one is
// configured. A rejected submission delivers the pool error to then.
func (r *Runner) Go(work func(ctx context.Context) error, then func(err error)) {
	if r.closed.Load() {
		return
	}
	r.wg.Add(1)
	task := func(ctx context.Context) error {
		defer r.wg.Done()
		err := work(ctx)
		if then != nil {
			r.Post(func() { then(err) })
		}
		return err
	}
	if r.workers == nil {
		go func() { _ = task(r.ctx) }()
		return
	}
	if err := r.workers.Submit(r.ctx, task); err != nil {
		r.wg.Done()
		r.logger.Warn("background work rejected", zap.Error(err))
		if then != nil {
			r.Post(func() { then(err) })
		}
	}
}

// AfterFunc implements Loop.
func (r *Runner) AfterFunc(d time.Duration, fn func()) Timer {
	t := &runnerTimer{loop: r, fn: fn}
	t.arm(d)
	return t
}

// Every implements Loop.
func (r *Runner) Every(d time.Duration, fn func()) Timer {
	t := &runnerTimer{loop: r, fn: fn, interval: d}
	t.arm(d)
	return t
}

// Now implements Loop.
func (r *Runner) Now() time.Time {
	return time.Now()
}

// Close stops the loop, drops queued callbacks and waits for Go workers.
func (r *Runner) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.cancel()
	r.mu.Lock()
	r.queue = nil
	r.mu.Unlock()
	r.wg.Wait()
}

// Stats returns loop statistics.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	queued := len(r.queue)
	r.mu.Unlock()
	return Stats{
		Queued:   queued,
		Posted:   r.posted.Load(),
		Executed: r.executed.Load(),
		Panics:   r.panics.Load(),
	}
}

// Stats contains loop statistics.
type Stats struct {
	Queued   int   `json:"queued"`
	Posted   int64 `json:"posted"`
	Executed int64 `json:"executed"`
	Panics   int64 `json:"panics"`
}

type runnerTimer struct {
	loop     *Runner
	fn       func()
	interval time.Duration

	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func (t *runnerTimer) arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.t = time.AfterFunc(d, func() {
		t.loop.Post(t.fire)
	})
}

// fire runs on the loop goroutine.
func (t *runnerTimer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.interval <= 0 {
		t.stopped = true
	}
	t.mu.Unlock()

	t.fn()

	if t.interval > 0 {
		t.arm(t.interval)
	}
}

func (t *runnerTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
	return true
}
