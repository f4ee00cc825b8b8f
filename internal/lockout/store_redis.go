package lockout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/palmvein/internal/identity"
	"github.com/example/palmvein/internal/retry"
)

const (
	lockoutKeyPrefix = "palmvein:lockout:"
	fieldCount       = "count"
	fieldLast        = "last_failure_ns"
)

// RedisStore keeps lockout state in Redis so it survives restarts and is
// shared between replicas. Each identity is one hash.
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
	policy retry.Policy
}

// NewRedisStore wraps an established client.
func NewRedisStore(client redis.UniversalClient, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.Named("lockout_redis"),
		policy: retry.DefaultPolicy(),
	}
}

func key(id identity.Identity) string {
	return lockoutKeyPrefix + string(id)
}

func (s *RedisStore) Get(ctx context.Context, id identity.Identity) (State, error) {
	var fields map[string]string
	err := retry.Do(ctx, s.logger, s.policy, "lockout.redis.get", "", func() error {
		var err error
		fields, err = s.client.HGetAll(ctx, key(id)).Result()
		return err
	})
	if err != nil {
		return State{}, err
	}
	return parseState(fields)
}

// IncrementFailure bumps the counter and stamps the failure time in one
// MULTI/EXEC transaction.
func (s *RedisStore) IncrementFailure(ctx context.Context, id identity.Identity, at time.Time) (State, error) {
	var count int64
	err := retry.Do(ctx, s.logger, s.policy, "lockout.redis.increment", "", func() error {
		var incr *redis.IntCmd
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.HIncrBy(ctx, key(id), fieldCount, 1)
			pipe.HSet(ctx, key(id), fieldLast, at.UnixNano())
			return nil
		})
		if err != nil {
			return err
		}
		count = incr.Val()
		return nil
	})
	if err != nil {
		return State{}, err
	}
	last := at
	return State{FailureCount: int(count), LastFailure: &last}, nil
}

func (s *RedisStore) Reset(ctx context.Context, id identity.Identity) error {
	return retry.Do(ctx, s.logger, s.policy, "lockout.redis.reset", "", func() error {
		return s.client.Del(ctx, key(id)).Err()
	})
}

func parseState(fields map[string]string) (State, error) {
	var state State
	if raw, ok := fields[fieldCount]; ok {
		count, err := strconv.Atoi(raw)
		if err != nil {
			return State{}, fmt.Errorf("parse failure count %q: %w", raw, err)
		}
		state.FailureCount = count
	}
	if raw, ok := fields[fieldLast]; ok && state.FailureCount > 0 {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("parse last failure %q: %w", raw, err)
		}
		last := time.Unix(0, ns).UTC()
		state.LastFailure = &last
	}
	return state, nil
}
