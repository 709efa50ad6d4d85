package captcha

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/BaSui01/formrelay/internal/metrics"
)

var errBackendClosed = errors.New("captcha: backend closed")

// Config configures a Store.
type Config struct {
	Capacity   int           `json:"capacity" yaml:"capacity"`
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`
	Eviction   EvictionMode  `json:"eviction" yaml:"eviction"`
	// PurgeEvery is the minimum gap between the age-based purges Put runs.
	PurgeEvery time.Duration `json:"purge_every" yaml:"purge_every"`
}

// DefaultConfig returns the reference capacity and staleness.
func DefaultConfig() Config {
	return Config{
		Capacity:   10,
		StaleAfter: time.Hour,
		Eviction:   EvictOne,
		PurgeEvery: 10 * time.Minute,
	}
}

// Option configures optional Store collaborators.
type Option func(*Store)

// WithClock replaces the wall clock.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) { s.clock = c }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the component boundary of the captcha cache. Backend faults are
// logged and reported as empty or false results; callers never see errors.
// Store is safe for concurrent use.
type Store struct {
	backend    Backend
	capacity   atomic.Int64
	staleAfter time.Duration
	purgeEvery time.Duration
	lastPurge  atomic.Int64
	eviction   EvictionMode
	clock      clock.PassiveClock
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, cfg Config, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Eviction == "" {
		cfg.Eviction = def.Eviction
	}
	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = def.PurgeEvery
	}
	s := &Store{
		backend:    backend,
		staleAfter: cfg.StaleAfter,
		purgeEvery: cfg.PurgeEvery,
		eviction:   cfg.Eviction,
		clock:      clock.RealClock{},
		logger:     logger.With(zap.String("component", "captcha_store")),
	}
	s.capacity.Store(int64(cfg.Capacity))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCapacity changes the bound for subsequent insertions. Server policy can
// override the configured capacity after the session is resolved.
func (s *Store) SetCapacity(n int) {
	if n > 0 {
		s.capacity.Store(int64(n))
	}
}

// Capacity returns the current bound.
func (s *Store) Capacity() int {
	return int(s.capacity.Load())
}

// Put inserts rec and evicts the oldest unused records beyond capacity.
// Consumed records are only removed by age, so Put also runs Purge at most
// once per PurgeEvery.
func (s *Store) Put(ctx context.Context, rec Record) bool {
	now := s.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.ID = 0

	limits := Limits{Capacity: s.Capacity(), Mode: s.eviction}
	evicted, err := s.backend.Insert(ctx, &rec, limits)
	if err != nil {
		s.logger.Warn("put captcha failed", zap.String("challenge_id", rec.ChallengeID), zap.Error(err))
		return false
	}
	s.metrics.RecordCaptchaPut(evicted)
	s.logger.Debug("captcha stored",
		zap.Int64("id", rec.ID),
		zap.String("challenge_id", rec.ChallengeID),
		zap.Int("evicted", evicted))
	s.purgeIfDue(ctx, now)
	return true
}

func (s *Store) purgeIfDue(ctx context.Context, now time.Time) {
	last := s.lastPurge.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < s.purgeEvery {
		return
	}
	if !s.lastPurge.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	s.Purge(ctx)
}

// TakeNewest consumes the newest unused, non-stale record. With
// requireCorrect only records marked correct are eligible. A record is
// returned to at most one caller.
func (s *Store) TakeNewest(ctx context.Context, requireCorrect bool) (Record, bool) {
	now := s.clock.Now()
	filter := TakeFilter{
		NotBefore:      now.Add(-s.staleAfter),
		RequireCorrect: requireCorrect,
	}
	rec, err := s.backend.TakeNewest(ctx, filter, now)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("take captcha failed", zap.Error(err))
		}
		s.metrics.RecordCaptchaTake(false)
		return Record{}, false
	}
	s.metrics.RecordCaptchaTake(true)
	return rec, true
}

// List returns every record ordered by insertion.
func (s *Store) List(ctx context.Context) []Record {
	records, err := s.backend.List(ctx)
	if err != nil {
		s.logger.Warn("list captchas failed", zap.Error(err))
		return nil
	}
	return records
}

// Update rewrites the solution and correctness flag of an existing record.
func (s *Store) Update(ctx context.Context, rec Record) bool {
	rec.UpdatedAt = s.clock.Now()
	if err := s.backend.Update(ctx, rec); err != nil {
		s.logger.Warn("update captcha failed", zap.Int64("id", rec.ID), zap.Error(err))
		return false
	}
	return true
}

// Purge deletes records older than the staleness window.
func (s *Store) Purge(ctx context.Context) int {
	n, err := s.backend.DeleteBefore(ctx, s.clock.Now().Add(-s.staleAfter))
	if err != nil {
		s.logger.Warn("purge captchas failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Info("purged stale captchas", zap.Int("count", n))
	}
	return n
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
