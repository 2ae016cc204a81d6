package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
	"github.com/redis/go-redis/v9"
)

// consumeChallengeScript marks a challenge consumed only if it exists, is not
// consumed and matches the presented message.
// Returns 1 on success, -1 when missing or lapsed, -2 when consumed, -3 on mismatch.
var consumeChallengeScript = redis.NewScript(`
local text = redis.call('HGET', KEYS[1], 'text')
if not text then
	return -1
end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
	return -2
end
if text ~= ARGV[1] then
	return -3
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`)

// incrementBelowScript increments a usage counter only while it is below ARGV[1].
var incrementBelowScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
	return {count, 0}
end
count = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {count, 1}
`)

// RedisStore keeps challenges, sessions and counters in Redis
type RedisStore struct {
	client         *redis.Client
	prefix         string
	usageRetention time.Duration
}

var (
	_ ports.ChallengeStore = (*RedisStore)(nil)
	_ ports.SessionStore   = (*RedisStore)(nil)
	_ ports.UsageStore     = (*RedisStore)(nil)
	_ ports.RateLimitStore = (*RedisStore)(nil)
)

// NewRedisStore creates a new Redis store. Usage counters are kept for
// usageRetention after their last increment.
func NewRedisStore(client *redis.Client, usageRetention time.Duration) *RedisStore {
	if usageRetention <= 0 {
		usageRetention = DefaultUsageRetention
	}

	return &RedisStore{
		client:         client,
		prefix:         "tollgate:",
		usageRetention: usageRetention,
	}
}

// PutChallenge replaces the wallet's challenge
func (s *RedisStore) PutChallenge(ctx context.Context, challenge core.Challenge) error {
	key := s.challengeKey(challenge.Address)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"text", challenge.Text,
			"issued_at", strconv.FormatInt(challenge.IssuedAt.UnixMilli(), 10),
			"consumed", "0",
		)
		pipe.PExpireAt(ctx, key, challenge.ExpiresAt)
		return nil
	})
	if err != nil {
		return unavailable("put challenge", err)
	}

	return nil
}

// ConsumeChallenge atomically checks and consumes the wallet's challenge
func (s *RedisStore) ConsumeChallenge(ctx context.Context, address, message string) error {
	res, err := consumeChallengeScript.Run(ctx, s.client, []string{s.challengeKey(address)}, message).Int64()
	if err != nil {
		return unavailable("consume challenge", err)
	}

	switch res {
	case 1:
		return nil
	case -3:
		return core.ErrChallengeMismatch
	default:
		return core.ErrChallengeExpiredOrConsumed
	}
}

// PutSession stores a session until it expires
func (s *RedisStore) PutSession(ctx context.Context, session core.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("put session: %w", core.ErrSessionExpired)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.sessionKey(session.ID), payload, ttl).Err(); err != nil {
		return unavailable("put session", err)
	}

	return nil
}

// GetSession retrieves a session by id
func (s *RedisStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	payload, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrSessionNotFound
		}
		return nil, unavailable("get session", err)
	}

	var session core.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	return &session, nil
}

// DeleteSession removes a session
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// GetUsage returns the counter for identity on bucket, zero if absent
func (s *RedisStore) GetUsage(ctx context.Context, identity core.Identity, bucket string) (int64, error) {
	count, err := s.client.Get(ctx, s.usageKey(identity, bucket)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, unavailable("get usage", err)
	}
	return count, nil
}

// IncrementUsage increments the counter for identity on bucket
func (s *RedisStore) IncrementUsage(ctx context.Context, identity core.Identity, bucket string) (int64, error) {
	key := s.usageKey(identity, bucket)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, s.usageRetention)
		return nil
	})
	if err != nil {
		return 0, unavailable("increment usage", err)
	}

	return incr.Val(), nil
}

// IncrementUsageBelow increments the counter only while it is below limit
func (s *RedisStore) IncrementUsageBelow(ctx context.Context, identity core.Identity, bucket string, limit int64) (int64, bool, error) {
	res, err := incrementBelowScript.Run(ctx, s.client,
		[]string{s.usageKey(identity, bucket)},
		limit, s.usageRetention.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, false, unavailable("increment usage", err)
	}

	if len(res) != 2 {
		return 0, false, fmt.Errorf("increment usage: unexpected script reply %v", res)
	}

	return res[0], res[1] == 1, nil
}

// IncrementWindow increments a fixed-window rate-limit counter
func (s *RedisStore) IncrementWindow(ctx context.Context, key string, windowEnd time.Time) (int64, error) {
	fullKey := s.prefix + "ratelimit:" + key

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, fullKey)
		pipe.PExpireAt(ctx, fullKey, windowEnd)
		return nil
	})
	if err != nil {
		return 0, unavailable("increment window", err)
	}

	return incr.Val(), nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) challengeKey(address string) string {
	return s.prefix + "challenge:" + address
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) usageKey(identity core.Identity, bucket string) string {
	return s.prefix + "usage:" + identity.String() + ":" + bucket
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, core.ErrStorageUnavailable, err)
}
