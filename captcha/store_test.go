package captcha

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/BaSui01/formrelay/internal/cache"
)

// ============================================================
// Helpers
// ============================================================

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type backendFactory struct {
	name string
	new  func(t *testing.T) Backend
}

func newSQLiteBackend(t *testing.T) Backend {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Record{}))
	return NewSQLBackend(db)
}

func newMiniredisBackend(t *testing.T) Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "test:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return NewRedisBackend(m)
}

func allBackends() []backendFactory {
	return []backendFactory{
		{name: "memory", new: func(t *testing.T) Backend { return NewMemoryBackend() }},
		{name: "sqlite", new: newSQLiteBackend},
		{name: "redis", new: newMiniredisBackend},
	}
}

func newTestStore(t *testing.T, backend Backend, cfg Config) (*Store, *testingclock.FakePassiveClock) {
	t.Helper()
	clk := testingclock.NewFakePassiveClock(baseTime)
	return NewStore(backend, cfg, zap.NewNop(), WithClock(clk)), clk
}

func challenges(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ChallengeID
	}
	return out
}

// ============================================================
// Behaviour shared by every backend
// ============================================================

func TestStore_PutAndTakeNewest(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			store, clk := newTestStore(t, bf.new(t), Config{Capacity: 10})
			ctx := context.Background()

			for i, id := range []string{"a", "b", "c"} {
				clk.SetTime(baseTime.Add(time.Duration(i) * time.Second))
				require.True(t, store.Put(ctx, Record{ChallengeID: id, Solution: "AB12", Image: []byte{0x89, 'P'}}))
			}

			rec, ok := store.TakeNewest(ctx, false)
			require.True(t, ok)
			assert.Equal(t, "c", rec.ChallengeID)
			assert.True(t, rec.IsUsed)
			assert.Equal(t, []byte{0x89, 'P'}, rec.Image)

			rec, ok = store.TakeNewest(ctx, false)
			require.True(t, ok)
			assert.Equal(t, "b", rec.ChallengeID)

			list := store.List(ctx)
			require.Len(t, list, 3)
			assert.Equal(t, []string{"a", "b", "c"}, challenges(list))
			assert.False(t, list[0].IsUsed)
			assert.True(t, list[2].IsUsed)
		})
	}
}

func TestStore_TakeNewestRequireCorrect(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			store, clk := newTestStore(t, bf.new(t), Config{Capacity: 10})
			ctx := context.Background()

			require.True(t, store.Put(ctx, Record{ChallengeID: "right", IsCorrect: true}))
			clk.SetTime(baseTime.Add(time.Second))
			require.True(t, store.Put(ctx, Record{ChallengeID: "unchecked"}))

			rec, ok := store.TakeNewest(ctx, true)
			require.True(t, ok)
			assert.Equal(t, "right", rec.ChallengeID)

			_, ok = store.TakeNewest(ctx, true)
			assert.False(t, ok)

			rec, ok = store.TakeNewest(ctx, false)
			require.True(t, ok)
			assert.Equal(t, "unchecked", rec.ChallengeID)
		})
	}
}

func TestStore_StaleRecordsAreNeverReturned(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			store, clk := newTestStore(t, bf.new(t), Config{Capacity: 10})
			ctx := context.Background()

			require.True(t, store.Put(ctx, Record{ChallengeID: "old"}))

			clk.SetTime(baseTime.Add(61 * time.Minute))
			_, ok := store.TakeNewest(ctx, false)
			assert.False(t, ok)
		})
	}
}

func TestStore_RecordInsideWindowIsReturned(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			store, clk := newTestStore(t, bf.new(t), Config{Capacity: 10})
			ctx := context.Background()

			require.True(t, store.Put(ctx, Record{ChallengeID: "fresh"}))

			clk.SetTime(baseTime.Add(59 * time.Minute))
			rec, ok := store.TakeNewest(ctx, false)
			require.True(t, ok)
			assert.Equal(t, "fresh", rec.ChallengeID)
		})
	}
}

func TestStore_EvictsOldestBeyondCapacity(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			store, clk := newTestStore(t, bf.new(t), Config{Capacity: 3})
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				clk.SetTime(baseTime.Add(time.Duration(i) * time.Second))
				require.True(t, store.Put(ctx, Record{ChallengeID: fmt.Sprintf("c%d", i)}))
			}

			assert.Equal(t, []string{"c2", "c3", "c4"}, challenges(store.List(ctx)))
		})
	}
}

func TestStore_UsedRecordsDoNotCountTowardsCapacity(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			store, clk := newTestStore(t, bf.new(t), Config{Capacity: 2})
			ctx := context.Background()

			require.True(t, store.Put(ctx, Record{ChallengeID: "c0"}))
			_, ok := store.TakeNewest(ctx, false)
			require.True(t, ok)

			for i := 1; i <= 2; i++ {
				clk.SetTime(baseTime.Add(time.Duration(i) * time.Second))
				require.True(t, store.Put(ctx, Record{ChallengeID: fmt.Sprintf("c%d", i)}))
			}

			assert.Equal(t, []string{"c0", "c1", "c2"}, challenges(store.List(ctx)))
		})
	}
}

func TestStore_NewRecordIsNeverEvicted(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			store, _ := newTestStore(t, bf.new(t), Config{Capacity: 1})
			ctx := context.Background()

			require.True(t, store.Put(ctx, Record{ChallengeID: "current"}))
			// Older timestamp than the record already present.
			require.True(t, store.Put(ctx, Record{ChallengeID: "backdated", CreatedAt: baseTime.Add(-time.Minute)}))

			assert.Equal(t, []string{"backdated"}, challenges(store.List(ctx)))
		})
	}
}

func TestStore_EvictionModes(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			backend := bf.new(t)
			ctx := context.Background()

			big, clk := newTestStore(t, backend, Config{Capacity: 5})
			for i := 0; i < 5; i++ {
				clk.SetTime(baseTime.Add(time.Duration(i) * time.Second))
				require.True(t, big.Put(ctx, Record{ChallengeID: fmt.Sprintf("c%d", i)}))
			}

			// Shrinking capacity: a single-eviction store still only drops one.
			one, clk := newTestStore(t, backend, Config{Capacity: 2, Eviction: EvictOne})
			clk.SetTime(baseTime.Add(10 * time.Second))
			require.True(t, one.Put(ctx, Record{ChallengeID: "n1"}))
			assert.Len(t, one.List(ctx), 5)

			all, clk := newTestStore(t, backend, Config{Capacity: 2, Eviction: EvictToCapacity})
			clk.SetTime(baseTime.Add(11 * time.Second))
			require.True(t, all.Put(ctx, Record{ChallengeID: "n2"}))
			assert.Equal(t, []string{"n1", "n2"}, challenges(all.List(ctx)))
		})
	}
}

func TestStore_UpdateAndPurge(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			store, clk := newTestStore(t, bf.new(t), Config{Capacity: 10})
			ctx := context.Background()

			require.True(t, store.Put(ctx, Record{ChallengeID: "old", Solution: "XXXX"}))
			clk.SetTime(baseTime.Add(30 * time.Minute))
			require.True(t, store.Put(ctx, Record{ChallengeID: "new"}))

			list := store.List(ctx)
			require.Len(t, list, 2)
			first := list[0]
			first.Solution = "AB12"
			first.IsCorrect = true
			assert.True(t, store.Update(ctx, first))
			assert.False(t, store.Update(ctx, Record{ID: 9999}))

			list = store.List(ctx)
			assert.Equal(t, "AB12", list[0].Solution)
			assert.True(t, list[0].IsCorrect)

			clk.SetTime(baseTime.Add(70 * time.Minute))
			assert.Equal(t, 1, store.Purge(ctx))
			assert.Equal(t, []string{"new"}, challenges(store.List(ctx)))
		})
	}
}

func TestStore_PutPurgesConsumedRecordsByAge(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			store, clk := newTestStore(t, bf.new(t), Config{Capacity: 2, PurgeEvery: 5 * time.Minute})
			ctx := context.Background()

			// 每分钟一轮写入与消费，持续 8 小时
			for i := 0; i < 480; i++ {
				clk.SetTime(baseTime.Add(time.Duration(i) * time.Minute))
				require.True(t, store.Put(ctx, Record{ChallengeID: fmt.Sprintf("c%d", i), Image: []byte("png")}))
				_, ok := store.TakeNewest(ctx, false)
				require.True(t, ok)
			}

			list := store.List(ctx)
			assert.LessOrEqual(t, len(list), 66, "only the last hour plus one purge gap is retained")
			cutoff := clk.Now().Add(-time.Hour - 5*time.Minute)
			for _, r := range list {
				assert.True(t, r.CreatedAt.After(cutoff), r.ChallengeID)
			}
		})
	}
}

func TestStore_PurgeRunsAtMostOncePerInterval(t *testing.T) {
	store, clk := newTestStore(t, NewMemoryBackend(), Config{Capacity: 10, PurgeEvery: 10 * time.Minute})
	ctx := context.Background()

	require.True(t, store.Put(ctx, Record{ChallengeID: "a"}))
	clk.SetTime(baseTime.Add(65 * time.Minute))
	require.True(t, store.Put(ctx, Record{ChallengeID: "b"}))
	assert.Equal(t, []string{"b"}, challenges(store.List(ctx)), "first due put purges")

	clk.SetTime(baseTime.Add(66 * time.Minute))
	require.True(t, store.Put(ctx, Record{ChallengeID: "c", CreatedAt: baseTime}))
	clk.SetTime(baseTime.Add(70 * time.Minute))
	require.True(t, store.Put(ctx, Record{ChallengeID: "d"}))
	assert.Equal(t, []string{"b", "c", "d"}, challenges(store.List(ctx)), "next purge not due yet")

	clk.SetTime(baseTime.Add(75 * time.Minute))
	require.True(t, store.Put(ctx, Record{ChallengeID: "e"}))
	assert.Equal(t, []string{"b", "d", "e"}, challenges(store.List(ctx)))
}

// ============================================================
// Concurrency
// ============================================================

func TestStore_ConcurrentTakesNeverShareARecord(t *testing.T) {
	backends := []backendFactory{
		{name: "memory", new: func(t *testing.T) Backend { return NewMemoryBackend() }},
		{name: "redis", new: newMiniredisBackend},
	}
	for _, bf := range backends {
		t.Run(bf.name, func(t *testing.T) {
			store, _ := newTestStore(t, bf.new(t), Config{Capacity: 50})
			ctx := context.Background()
			for i := 0; i < 20; i++ {
				require.True(t, store.Put(ctx, Record{ChallengeID: fmt.Sprintf("c%02d", i)}))
			}

			var mu sync.Mutex
			seen := make(map[string]int)
			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						rec, ok := store.TakeNewest(ctx, false)
						if !ok {
							return
						}
						mu.Lock()
						seen[rec.ChallengeID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Len(t, seen, 20)
			for id, n := range seen {
				assert.Equal(t, 1, n, "record %s taken %d times", id, n)
			}
		})
	}
}

func TestParseEvictionMode(t *testing.T) {
	tests := []struct {
		in      string
		want    EvictionMode
		wantErr bool
	}{
		{in: "", want: EvictOne},
		{in: "one", want: EvictOne},
		{in: " TO_CAPACITY ", want: EvictToCapacity},
		{in: "all", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseEvictionMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
