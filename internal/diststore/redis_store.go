// Package diststore implements the distributed coordination layer:
// spec.md §4.5. A Redis hash per key holds the bucket's tokens and
// last-refill timestamp; refill and consume happen inside a single Lua
// script so concurrent replicas never race on a read-modify-write.
//
// Adapted from the teacher's internal/ratelimit package (RedisStore,
// TokenBucket): same connection-pool shape, same EvalLua plumbing, same
// hash-per-bucket wire format, generalized to the sharded rule model
// and the sliding-window algorithm alongside token bucket.
package diststore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nrjones/ratelimitd/internal/rlerrors"
	"github.com/nrjones/ratelimitd/internal/rules"
)

// KeyPrefix namespaces every bucket hash this service writes, per
// spec.md §4.5's wire contract: "throttler:<key>".
const KeyPrefix = "throttler:"

// Config holds Redis connection settings, mirroring the teacher's
// RedisConfig shape. The envconfig tags are not processed: the ambient
// config loader builds this struct in config.Config.RedisConfig from
// REDIS_URL and fixed pool and timeout values.
type Config struct {
	URL          string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE" default:"50"`
	MinIdleConns int           `envconfig:"REDIS_MIN_IDLE_CONNS" default:"10"`
	MaxRetries   int           `envconfig:"REDIS_MAX_RETRIES" default:"3"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// Outcome mirrors localstore.Outcome so AdmissionEngine can treat both
// stores identically.
type Outcome struct {
	Allowed      bool
	Remaining    int64
	RetryAfterMs int64
}

// Store is the Redis-backed distributed bucket registry.
type Store struct {
	client *redis.Client
	cfg    Config

	tokenBucketSHA   string
	slidingWindowSHA string
}

// New opens a connection pool and pings Redis once to verify
// connectivity, the same way the teacher's NewRedisStore does.
func New(cfg Config) (*Store, error) {
	log.Info().Str("component", "diststore").Msg("connecting to Redis")

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.MaxRetries = cfg.MaxRetries
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := &Store{client: client, cfg: cfg}

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer loadCancel()
	sha, err := client.ScriptLoad(loadCtx, tokenBucketLuaScript).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to load token bucket script: %w", err)
	}
	s.tokenBucketSHA = sha

	sha, err = client.ScriptLoad(loadCtx, slidingWindowLuaScript).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to load sliding window script: %w", err)
	}
	s.slidingWindowSHA = sha

	log.Info().Str("component", "diststore").Str("addr", opt.Addr).Msg("Redis store initialized")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the connection is alive, used by the health surface.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping failed: %v", rlerrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Client exposes the underlying redis.Client for callers that need it
// directly — the pub/sub rule-change watcher and the health surface.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Consume performs the atomic refill-and-consume for key under rule,
// dispatching to the Lua script matching rule.Algorithm.
func (s *Store) Consume(ctx context.Context, key string, rule rules.Rule, tokens float64) (Outcome, error) {
	switch rule.Algorithm {
	case rules.SlidingWindow:
		return s.consumeSlidingWindow(ctx, key, rule, tokens)
	default:
		return s.consumeTokenBucket(ctx, key, rule, tokens)
	}
}

func bucketTTLSeconds(window time.Duration) int64 {
	return int64(math.Ceil(float64(window.Milliseconds()*2) / 1000.0))
}

func (s *Store) consumeTokenBucket(ctx context.Context, key string, rule rules.Rule, tokens float64) (Outcome, error) {
	hashKey := KeyPrefix + key
	nowMs := time.Now().UnixMilli()
	ttl := bucketTTLSeconds(rule.Window)

	res, err := s.evalShaOrLoad(ctx, &s.tokenBucketSHA, tokenBucketLuaScript,
		[]string{hashKey},
		float64(rule.Capacity), rule.RefillRate, nowMs, ttl, tokens)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: token bucket eval failed: %v", rlerrors.ErrStoreUnavailable, err)
	}
	return parseBucketResult(res)
}

func (s *Store) consumeSlidingWindow(ctx context.Context, key string, rule rules.Rule, tokens float64) (Outcome, error) {
	hashKey := KeyPrefix + key
	nowMs := time.Now().UnixMilli()
	ttl := bucketTTLSeconds(rule.Window)

	res, err := s.evalShaOrLoad(ctx, &s.slidingWindowSHA, slidingWindowLuaScript,
		[]string{hashKey},
		float64(rule.Capacity), rule.Window.Milliseconds(), nowMs, ttl, tokens)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: sliding window eval failed: %v", rlerrors.ErrStoreUnavailable, err)
	}
	return parseBucketResult(res)
}

// evalShaOrLoad runs EVALSHA against the cached script digest, falling
// back to a full EVAL (and refreshing the cached SHA) if Redis has
// since flushed its script cache — e.g. after a FLUSHALL or a failover
// to a replica that never saw the SCRIPT LOAD.
func (s *Store) evalShaOrLoad(ctx context.Context, sha *string, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := s.client.EvalSha(ctx, *sha, keys, args...).Result()
	if err != nil && isNoScriptErr(err) {
		newSha, loadErr := s.client.ScriptLoad(ctx, script).Result()
		if loadErr != nil {
			return nil, loadErr
		}
		*sha = newSha
		return s.client.EvalSha(ctx, *sha, keys, args...).Result()
	}
	return res, err
}

func isNoScriptErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

func parseBucketResult(res interface{}) (Outcome, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Outcome{}, fmt.Errorf("%w: unexpected script result shape", rlerrors.ErrInternal)
	}
	allowed, ok1 := arr[0].(int64)
	remaining, ok2 := arr[1].(int64)
	retryAfter, ok3 := arr[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Outcome{}, fmt.Errorf("%w: unexpected script result types", rlerrors.ErrInternal)
	}
	return Outcome{
		Allowed:      allowed == 1,
		Remaining:    remaining,
		RetryAfterMs: retryAfter,
	}, nil
}

// Reset deletes key's bucket hash, so the next Consume recreates it
// full.
func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis DEL failed: %v", rlerrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Peek reads a bucket's state without consuming tokens or creating a
// new one. It returns the rule's full capacity if no bucket exists
// yet — consistent with localstore.Peek's contract.
func (s *Store) Peek(ctx context.Context, key string, rule rules.Rule) (remaining int64, exists bool, err error) {
	vals, redisErr := s.client.HMGet(ctx, KeyPrefix+key, "tokens", "last_refill").Result()
	if redisErr != nil {
		return 0, false, fmt.Errorf("%w: redis HMGET failed: %v", rlerrors.ErrStoreUnavailable, redisErr)
	}
	if vals[0] == nil || vals[1] == nil {
		return int64(rule.Capacity), false, nil
	}

	tokensStr, _ := vals[0].(string)
	lastRefillStr, _ := vals[1].(string)
	var tokens, lastRefill float64
	fmt.Sscanf(tokensStr, "%g", &tokens)
	fmt.Sscanf(lastRefillStr, "%g", &lastRefill)

	now := float64(time.Now().UnixMilli())
	elapsedMs := now - lastRefill
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	added := rule.RefillRate * elapsedMs / 1000.0
	tokens = math.Min(float64(rule.Capacity), tokens+added)

	return int64(math.Floor(tokens)), true, nil
}
