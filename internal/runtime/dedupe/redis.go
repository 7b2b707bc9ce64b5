package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "tf:dedupe:"

// claimScript performs the whole check-and-set server side. It returns
// {acquired, reclaimed, previous state}.
var claimScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local state = redis.call('HGET', KEYS[1], 'state')
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0')
if state and expires > 0 and expires <= now then
	state = false
end
local reclaimed = 0
if state then
	if state == 'completed' then
		return {0, 0, state}
	end
	if state == 'processing' then
		local lease_until = tonumber(redis.call('HGET', KEYS[1], 'lease_until') or '0')
		if lease_until > now then
			return {0, 0, state}
		end
		reclaimed = 1
	end
else
	state = ''
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'processing', 'lease_until', ARGV[2], 'updated_at', ARGV[1], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, reclaimed, state}
`)

// RedisStore keeps records as hashes with a key TTL, so expired records
// disappear without a sweep.
type RedisStore struct {
	client goredis.UniversalClient
	opts   Options
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store over client. The caller keeps ownership of
// the client.
func NewRedisStore(client goredis.UniversalClient, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts.withDefaults(), prefix: defaultRedisPrefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) StartProcessing(ctx context.Context, key string, leaseTTL time.Duration) (Claim, error) {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	now := s.opts.Now()
	ttl := leaseTTL + s.opts.Retention
	res, err := claimScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli(), now.Add(leaseTTL).UnixMilli(), now.Add(ttl).UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return Claim{}, fmt.Errorf("dedupe claim: %w", err)
	}
	if len(res) != 3 {
		return Claim{}, fmt.Errorf("dedupe claim: unexpected reply %v", res)
	}
	acquired, _ := res[0].(int64)
	reclaimed, _ := res[1].(int64)
	state, _ := res[2].(string)
	return Claim{Acquired: acquired == 1, Reclaimed: reclaimed == 1, State: State(state)}, nil
}

func (s *RedisStore) MarkCompleted(ctx context.Context, key string) error {
	return s.finish(ctx, key, StateCompleted, "")
}

func (s *RedisStore) MarkFailed(ctx context.Context, key string, cause error) error {
	return s.finish(ctx, key, StateFailed, errorText(cause))
}

func (s *RedisStore) finish(ctx context.Context, key string, state State, errText string) error {
	now := s.opts.Now()
	k := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k,
			"state", string(state),
			"error", errText,
			"updated_at", now.UnixMilli(),
			"expires_at", now.Add(s.opts.Retention).UnixMilli(),
		)
		p.PExpire(ctx, k, s.opts.Retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dedupe %s: %w", state, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) || (err == nil && len(fields) == 0) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("dedupe get: %w", err)
	}
	rec := Record{
		Key:        key,
		State:      State(fields["state"]),
		Error:      fields["error"],
		LeaseUntil: millis(fields["lease_until"]),
		UpdatedAt:  millis(fields["updated_at"]),
		ExpiresAt:  millis(fields["expires_at"]),
	}
	if !rec.ExpiresAt.IsZero() && !s.opts.Now().Before(rec.ExpiresAt) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Size counts keys under the store prefix with SCAN.
func (s *RedisStore) Size(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		n      int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("dedupe size: %w", err)
		}
		n += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

func (s *RedisStore) Close() error {
	return nil
}

func millis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return fromMillis(ms)
}
