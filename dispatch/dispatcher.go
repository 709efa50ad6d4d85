package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/internal/metrics"
)

// Resolver performs one job against the page. done runs on the loop.
type Resolver interface {
	Resolve(ctx context.Context, job Job, done func(error))
}

// Config configures a Dispatcher.
type Config struct {
	Interval      time.Duration `yaml:"interval" json:"interval"`
	RequeueFailed bool          `yaml:"requeue_failed" json:"requeue_failed" env:"REQUEUE_FAILED"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	Acceptance    Acceptance    `yaml:"acceptance" json:"acceptance"`
}

// DefaultConfig ticks every second and drops failed jobs.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Second,
		MaxAttempts: 3,
		Acceptance:  DefaultAcceptance(),
	}
}

// Dispatcher is a FIFO of jobs drained one per tick. It must be used from the
// event loop.
type Dispatcher struct {
	cfg      Config
	loop     eventloop.Loop
	resolver Resolver
	ctx      context.Context
	metrics  *metrics.Collector
	logger   *zap.Logger

	queue      []Job
	processing bool
	ticker     eventloop.Timer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithContext sets the context passed to the resolver.
func WithContext(ctx context.Context) Option {
	return func(d *Dispatcher) { d.ctx = ctx }
}

// New creates an idle dispatcher.
func New(cfg Config, loop eventloop.Loop, resolver Resolver, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	d := &Dispatcher{
		cfg:      cfg,
		loop:     loop,
		resolver: resolver,
		ctx:      context.Background(),
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue appends job and starts ticking when idle.
func (d *Dispatcher) Enqueue(job Job) {
	d.queue = append(d.queue, job)
	d.metrics.RecordQueueLength(len(d.queue))
	d.logger.Info("job queued",
		zap.String("reference", job.Reference()),
		zap.String("group", job.Group),
		zap.Int("queue_len", len(d.queue)))
	if d.processing {
		return
	}
	d.processing = true
	d.ticker = d.loop.Every(d.cfg.Interval, d.DrainTick)
}

// DrainTick pops and resolves exactly one job. When the queue becomes empty
// the processing flag is cleared and ticking stops.
func (d *Dispatcher) DrainTick() {
	if len(d.queue) == 0 {
		d.stop()
		return
	}
	job := d.queue[0]
	d.queue = d.queue[1:]
	d.metrics.RecordQueueLength(len(d.queue))
	if len(d.queue) == 0 {
		d.stop()
	}

	d.resolver.Resolve(d.ctx, job, func(err error) {
		if err == nil {
			return
		}
		d.logger.Warn("job failed",
			zap.String("reference", job.Reference()),
			zap.Int("attempt", job.Attempts+1),
			zap.Error(err))
		if !d.cfg.RequeueFailed {
			return
		}
		job.Attempts++
		if d.cfg.MaxAttempts > 0 && job.Attempts >= d.cfg.MaxAttempts {
			return
		}
		d.Enqueue(job)
	})
}

// Reset drops pending jobs and stops ticking.
func (d *Dispatcher) Reset() {
	d.queue = nil
	d.metrics.RecordQueueLength(0)
	d.stop()
}

func (d *Dispatcher) stop() {
	d.processing = false
	eventloop.StopTimer(d.ticker)
	d.ticker = nil
}

// Len returns the number of pending jobs.
func (d *Dispatcher) Len() int { return len(d.queue) }

// Processing reports whether the drain timer is running.
func (d *Dispatcher) Processing() bool { return d.processing }

// Acceptance returns the configured acceptance predicate.
func (d *Dispatcher) Acceptance() Acceptance { return d.cfg.Acceptance }
