package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/BaSui01/formrelay/internal/metrics"
)

// DefaultFreshness is how long a cached profile stays usable.
const DefaultFreshness = 20 * time.Minute

// DefaultKey is the KV key of the session blob.
const DefaultKey = "session.profile"

// CacheConfig configures a Cache.
type CacheConfig struct {
	Key       string        `yaml:"key" json:"key"`
	Freshness time.Duration `yaml:"freshness" json:"freshness"`
}

// Cache reads and writes the sealed profile. Read failures of any kind
// surface as "no profile".
type Cache struct {
	kv        KV
	cipher    Cipher
	key       string
	freshness time.Duration
	clock     clock.PassiveClock
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock replaces the wall clock.
func WithCacheClock(c clock.PassiveClock) CacheOption {
	return func(cc *Cache) { cc.clock = c }
}

// WithCacheMetrics attaches a metrics collector.
func WithCacheMetrics(m *metrics.Collector) CacheOption {
	return func(cc *Cache) { cc.metrics = m }
}

// NewCache creates a Cache.
func NewCache(kv KV, cipher Cipher, cfg CacheConfig, logger *zap.Logger, opts ...CacheOption) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	c := &Cache{
		kv:        kv,
		cipher:    cipher,
		key:       cfg.Key,
		freshness: cfg.Freshness,
		clock:     clock.RealClock{},
		logger:    logger.With(zap.String("component", "session_cache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns the cached profile, or false when it is missing or unreadable.
func (c *Cache) Load(ctx context.Context) (*Profile, bool) {
	sealed, err := c.kv.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, ErrNoRecord) {
			c.logger.Warn("read session blob failed", zap.Error(err))
		}
		c.metrics.RecordCacheMiss("session")
		return nil, false
	}
	plain, err := c.cipher.Open(sealed)
	if err != nil {
		c.logger.Warn("decrypt session blob failed", zap.Error(err))
		return nil, false
	}
	var p Profile
	if err := json.Unmarshal(plain, &p); err != nil {
		c.logger.Warn("decode session blob failed", zap.Error(err))
		return nil, false
	}
	c.metrics.RecordCacheHit("session")
	return &p, true
}

// IsFresh reports whether p belongs to fingerprint and is younger than the
// freshness window.
func (c *Cache) IsFresh(p *Profile, fingerprint string) bool {
	if p == nil || p.Fingerprint != fingerprint {
		return false
	}
	return c.clock.Since(p.IssuedAt) < c.freshness
}

// Store seals p and replaces the cached record.
func (c *Cache) Store(ctx context.Context, p *Profile) error {
	plain, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	sealed, err := c.cipher.Seal(plain)
	if err != nil {
		return fmt.Errorf("seal profile: %w", err)
	}
	if err := c.kv.Put(ctx, c.key, sealed); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// Clear removes the cached record.
func (c *Cache) Clear(ctx context.Context) error {
	return c.kv.Delete(ctx, c.key)
}

// Now exposes the cache clock to collaborators that stamp profiles.
func (c *Cache) Now() time.Time {
	return c.clock.Now()
}
