package captcha

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"
	"pgregory.net/rapid"
)

// After any sequence of puts and takes, the unused count never exceeds
// capacity, and every eviction removes the oldest unused record.
func TestProperty_CapacityBoundAndOldestEviction(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(rt, "capacity")
		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 60).Draw(rt, "ops")

		clk := testingclock.NewFakePassiveClock(baseTime)
		store := NewStore(NewMemoryBackend(), Config{Capacity: capacity}, zap.NewNop(), WithClock(clk))
		ctx := context.Background()

		// model of unused records, oldest first
		var model []string
		for i, op := range ops {
			clk.SetTime(baseTime.Add(time.Duration(i) * time.Second))
			if op == 0 {
				rec, ok := store.TakeNewest(ctx, false)
				if len(model) == 0 {
					if ok {
						rt.Fatalf("took %s from an empty pool", rec.ChallengeID)
					}
					continue
				}
				want := model[len(model)-1]
				if !ok || rec.ChallengeID != want {
					rt.Fatalf("take returned %q/%v, want %q", rec.ChallengeID, ok, want)
				}
				model = model[:len(model)-1]
				continue
			}

			id := fmt.Sprintf("r%d", i)
			if !store.Put(ctx, Record{ChallengeID: id}) {
				rt.Fatalf("put %s failed", id)
			}
			model = append(model, id)
			if len(model) > capacity {
				model = model[1:]
			}

			unused := 0
			for _, r := range store.List(ctx) {
				if !r.IsUsed {
					unused++
				}
			}
			if unused > capacity {
				rt.Fatalf("unused=%d exceeds capacity=%d", unused, capacity)
			}
			if unused != len(model) {
				rt.Fatalf("unused=%d, model=%d", unused, len(model))
			}
		}
	})
}

// A record is handed out at most once no matter how takes interleave with
// correctness filtering.
func TestProperty_AtMostOnceConsumption(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "records")
		clk := testingclock.NewFakePassiveClock(baseTime)
		store := NewStore(NewMemoryBackend(), Config{Capacity: 50}, zap.NewNop(), WithClock(clk))
		ctx := context.Background()

		for i := 0; i < n; i++ {
			correct := rapid.Bool().Draw(rt, fmt.Sprintf("correct%d", i))
			store.Put(ctx, Record{ChallengeID: fmt.Sprintf("r%d", i), IsCorrect: correct})
		}

		seen := make(map[int64]bool)
		for i := 0; i < 2*n; i++ {
			requireCorrect := rapid.Bool().Draw(rt, fmt.Sprintf("require%d", i))
			rec, ok := store.TakeNewest(ctx, requireCorrect)
			if !ok {
				continue
			}
			if requireCorrect && !rec.IsCorrect {
				rt.Fatalf("record %d returned for requireCorrect but not correct", rec.ID)
			}
			if seen[rec.ID] {
				rt.Fatalf("record %d returned twice", rec.ID)
			}
			seen[rec.ID] = true
		}
	})
}
