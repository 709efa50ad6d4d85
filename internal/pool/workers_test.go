package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkers_RunsSubmittedTasks(t *testing.T) {
	w := New(Config{MaxWorkers: 4, QueueSize: 16, IdleTimeout: time.Second}, zap.NewNop())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	w.Close()

	assert.Equal(t, int32(10), ran.Load())
	stats := w.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
	assert.Zero(t, stats.Workers)
}

func TestWorkers_BoundsConcurrency(t *testing.T) {
	w := New(Config{MaxWorkers: 2, QueueSize: 8, IdleTimeout: time.Second}, zap.NewNop())

	var current, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil
		}))
	}
	close(release)
	w.Close()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkers_RejectsWhenFull(t *testing.T) {
	w := New(Config{MaxWorkers: 1, QueueSize: 0, IdleTimeout: time.Second}, zap.NewNop())
	defer w.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.Eventually(t, func() bool {
		return w.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		}) == nil
	}, time.Second, 5*time.Millisecond)
	<-started

	err := w.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.GreaterOrEqual(t, w.Stats().Rejected, int64(1))
	close(block)
}

func TestWorkers_SubmitAfterClose(t *testing.T) {
	w := New(DefaultConfig(), nil)
	w.Close()
	w.Close()

	err := w.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkers_RecoversPanics(t *testing.T) {
	w := New(Config{MaxWorkers: 1, QueueSize: 4, IdleTimeout: time.Second}, zap.NewNop())

	require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("failed")
	}))
	var ok atomic.Bool
	require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
		ok.Store(true)
		return nil
	}))
	w.Close()

	assert.True(t, ok.Load(), "worker survives a panicking task")
	stats := w.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero workers", Config{MaxWorkers: 0, QueueSize: 1, IdleTimeout: time.Second}},
		{"negative queue", Config{MaxWorkers: 1, QueueSize: -1, IdleTimeout: time.Second}},
		{"zero idle", Config{MaxWorkers: 1, QueueSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}
