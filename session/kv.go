package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BaSui01/formrelay/internal/cache"
)

// ErrNoRecord is returned by a KV when the key is absent.
var ErrNoRecord = errors.New("session: no record")

// KV stores the sealed session blob.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// StoreType selects a KV implementation.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig configures NewKV.
type StoreConfig struct {
	Type    StoreType     `yaml:"type" json:"type" env:"TYPE"`
	BaseDir string        `yaml:"base_dir" json:"base_dir" env:"BASE_DIR"`
	TTL     time.Duration `yaml:"ttl" json:"ttl" env:"TTL"`
}

// NewKV creates the configured KV. The redis manager is only required for
// StoreTypeRedis.
func NewKV(cfg StoreConfig, redis *cache.Manager) (KV, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryKV(), nil
	case StoreTypeFile:
		return NewFileKV(cfg.BaseDir)
	case StoreTypeRedis:
		if redis == nil {
			return nil, errors.New("session: redis store requires a cache manager")
		}
		return NewRedisKV(redis, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported session store type: %s", cfg.Type)
	}
}

// MemoryKV keeps blobs in process memory.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNoRecord
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// FileKV stores one file per key under a directory. Writes go through a
// temporary file and a rename, so readers never observe a partial blob.
type FileKV struct {
	dir string
	mu  sync.Mutex
}

// NewFileKV creates the directory if needed.
func NewFileKV(dir string) (*FileKV, error) {
	if dir == "" {
		dir = "./data/session"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, filepath.Base(key)+".bin")
}

func (f *FileKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return data, nil
}

func (f *FileKV) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return os.Rename(tmp, target)
}

func (f *FileKV) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// RedisKV stores blobs through the shared cache manager.
type RedisKV struct {
	m   *cache.Manager
	ttl time.Duration
}

// NewRedisKV creates a RedisKV. A zero ttl uses the manager default.
func NewRedisKV(m *cache.Manager, ttl time.Duration) *RedisKV {
	return &RedisKV{m: m, ttl: ttl}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.m.Get(ctx, key)
	if cache.IsCacheMiss(err) {
		return nil, ErrNoRecord
	}
	return v, err
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	return r.m.Set(ctx, key, value, r.ttl)
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.m.Delete(ctx, key)
}
