package captcha

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/formrelay/internal/cache"
)

// Records live in one hash per record. Two sorted sets scored by creation time
// in milliseconds index them: every record, and unused records only. Members
// are zero-padded IDs so that equal scores order by insertion.
//
// The scripts touch record hashes that are not declared in KEYS, so the
// backend requires a non-cluster Redis.

var insertScript = redis.NewScript(`
local member = ARGV[2]
local key = ARGV[1] .. member
redis.call('HSET', key,
  'id', ARGV[3], 'challenge_id', ARGV[4], 'solution', ARGV[5], 'image', ARGV[6],
  'is_used', '0', 'is_correct', ARGV[7], 'created_at', ARGV[8], 'updated_at', ARGV[9])
redis.call('ZADD', KEYS[1], ARGV[10], member)
redis.call('ZADD', KEYS[2], ARGV[10], member)

local capacity = tonumber(ARGV[11])
local evicted = 0
if capacity > 0 then
  local over = redis.call('ZCARD', KEYS[1]) - capacity
  if over > 0 and ARGV[12] ~= 'to_capacity' then
    over = 1
  end
  while over > 0 do
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 1)
    local victim = oldest[1]
    if victim == member then
      victim = oldest[2]
    end
    if not victim then
      break
    end
    redis.call('ZREM', KEYS[1], victim)
    redis.call('ZREM', KEYS[2], victim)
    redis.call('DEL', ARGV[1] .. victim)
    evicted = evicted + 1
    over = over - 1
  end
end
return evicted
`)

var takeScript = redis.NewScript(`
local members = redis.call('ZREVRANGEBYSCORE', KEYS[1], '+inf', ARGV[2])
for _, m in ipairs(members) do
  local key = ARGV[1] .. m
  if ARGV[3] == '0' or redis.call('HGET', key, 'is_correct') == '1' then
    redis.call('ZREM', KEYS[1], m)
    redis.call('HSET', key, 'is_used', '1', 'updated_at', ARGV[4])
    return m
  end
end
return false
`)

// RedisBackend stores records in Redis so that several engine processes can
// share one captcha pool.
type RedisBackend struct {
	client     *redis.Client
	seqKey     string
	unusedKey  string
	createdKey string
	recordPfx  string
}

// NewRedisBackend creates a backend on the shared cache manager's client.
func NewRedisBackend(m *cache.Manager) *RedisBackend {
	return &RedisBackend{
		client:     m.Client(),
		seqKey:     m.Key("captcha:seq"),
		unusedKey:  m.Key("captcha:unused"),
		createdKey: m.Key("captcha:created"),
		recordPfx:  m.Key("captcha:rec:"),
	}
}

func member(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Insert implements Backend.
func (b *RedisBackend) Insert(ctx context.Context, rec *Record, limits Limits) (int, error) {
	id, err := b.client.Incr(ctx, b.seqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate captcha id: %w", err)
	}
	rec.ID = id

	mode := limits.Mode
	if mode == "" {
		mode = EvictOne
	}
	evicted, err := insertScript.Run(ctx, b.client,
		[]string{b.unusedKey, b.createdKey},
		b.recordPfx,
		member(id),
		strconv.FormatInt(id, 10),
		rec.ChallengeID,
		rec.Solution,
		rec.Image,
		boolFlag(rec.IsCorrect),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		score(rec.CreatedAt),
		strconv.Itoa(limits.Capacity),
		string(mode),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("insert captcha: %w", err)
	}
	return evicted, nil
}

// TakeNewest implements Backend.
func (b *RedisBackend) TakeNewest(ctx context.Context, filter TakeFilter, now time.Time) (Record, error) {
	m, err := takeScript.Run(ctx, b.client,
		[]string{b.unusedKey},
		b.recordPfx,
		score(filter.NotBefore),
		boolFlag(filter.RequireCorrect),
		now.UTC().Format(time.RFC3339Nano),
	).Text()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("take captcha: %w", err)
	}
	return b.load(ctx, m)
}

func (b *RedisBackend) load(ctx context.Context, m string) (Record, error) {
	fields, err := b.client.HGetAll(ctx, b.recordPfx+m).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load captcha %s: %w", m, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeRecord(fields)
}

// List implements Backend.
func (b *RedisBackend) List(ctx context.Context) ([]Record, error) {
	members, err := b.client.ZRange(ctx, b.createdKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list captchas: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = p.HGetAll(ctx, b.recordPfx+m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list captchas: %w", err)
	}

	records := make([]Record, 0, len(members))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sortByID(records)
	return records, nil
}

// Update implements Backend.
func (b *RedisBackend) Update(ctx context.Context, rec Record) error {
	key := b.recordPfx + member(rec.ID)
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("update captcha %d: %w", rec.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	err = b.client.HSet(ctx, key,
		"solution", rec.Solution,
		"is_correct", boolFlag(rec.IsCorrect),
		"updated_at", rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("update captcha %d: %w", rec.ID, err)
	}
	return nil
}

// DeleteBefore implements Backend.
func (b *RedisBackend) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := b.client.ZRangeByScore(ctx, b.createdKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + score(cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("purge captchas: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.ZRem(ctx, b.unusedKey, m)
			p.ZRem(ctx, b.createdKey, m)
			p.Del(ctx, b.recordPfx+m)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge captchas: %w", err)
	}
	return len(members), nil
}

// Close implements Backend. The client belongs to the cache manager.
func (b *RedisBackend) Close() error {
	return nil
}

func decodeRecord(fields map[string]string) (Record, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("decode captcha id %q: %w", fields["id"], err)
	}
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return Record{}, fmt.Errorf("decode captcha %d created_at: %w", id, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return Record{}, fmt.Errorf("decode captcha %d updated_at: %w", id, err)
	}
	rec := Record{
		ID:          id,
		ChallengeID: fields["challenge_id"],
		Solution:    fields["solution"],
		IsUsed:      fields["is_used"] == "1",
		IsCorrect:   fields["is_correct"] == "1",
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
	if img := fields["image"]; img != "" {
		rec.Image = []byte(img)
	}
	return rec, nil
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
