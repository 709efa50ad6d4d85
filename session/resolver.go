package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Locator supplies coordinates for the refresh call. Returning nil falls back
// to the configured coordinates.
type Locator func(ctx context.Context) *Coordinates

// Resolver produces the profile for the current environment, serving the
// cached one while it is fresh.
type Resolver struct {
	fingerprinter Fingerprinter
	cache         *Cache
	refresher     *Refresher
	locate        Locator
	logger        *zap.Logger
}

// NewResolver creates a Resolver. locate may be nil.
func NewResolver(fp Fingerprinter, cache *Cache, refresher *Refresher, locate Locator, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locate == nil {
		locate = func(context.Context) *Coordinates { return nil }
	}
	return &Resolver{
		fingerprinter: fp,
		cache:         cache,
		refresher:     refresher,
		locate:        locate,
		logger:        logger.With(zap.String("component", "session_resolver")),
	}
}

// Resolve returns a fresh profile. A stale, foreign or unreadable cache entry
// triggers a refresh, and a refreshed profile replaces the cached one. Terminal
// refresh errors are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context) (*Profile, error) {
	fp, err := r.fingerprinter.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	if cached, ok := r.cache.Load(ctx); ok && r.cache.IsFresh(cached, fp) {
		r.logger.Debug("using cached profile", zap.String("user", cached.User))
		return cached, nil
	}

	p, err := r.refresher.Refresh(ctx, fp, r.locate(ctx))
	if err != nil {
		return nil, err
	}
	p.IssuedAt = r.cache.Now()
	if err := r.cache.Store(ctx, p); err != nil {
		// 写缓存失败不影响本次运行，下次启动会重新拉取
		r.logger.Warn("store profile failed", zap.Error(err))
	}
	return p, nil
}
