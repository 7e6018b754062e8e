package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"go.uber.org/zap"
)

// Redis is the networked Volatile Store backend shared across process
// instances.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedis connects to addr and verifies connectivity immediately.
func NewRedis(addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PoolSize:     20,
		MinIdleConns: 4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "store-redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store-redis").Set(v)
		},
	}

	return &Redis{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func (r *Redis) exec(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := r.cb.Execute(fn)
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("store-redis").Inc()
			metrics.StoreOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			logging.Warn(ctx, "store circuit breaker open, degrading", zap.String("op", op))
			return nil, err
		}
		metrics.StoreOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, "ok").Inc()
	return res, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	_, err := r.exec(ctx, "ping", func() (any, error) { return nil, r.client.Ping(ctx).Err() })
	return err
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.exec(ctx, "get", func() (any, error) { return r.client.Get(ctx, key).Result() })
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := r.exec(ctx, "set", func() (any, error) { return nil, r.client.Set(ctx, key, value, ttl).Err() })
	return err
}

func (r *Redis) Del(ctx context.Context, key string) error {
	_, err := r.exec(ctx, "del", func() (any, error) { return nil, r.client.Del(ctx, key).Err() })
	return err
}

func (r *Redis) HashSet(ctx context.Context, key, field, value string) error {
	_, err := r.exec(ctx, "hset", func() (any, error) { return nil, r.client.HSet(ctx, key, field, value).Err() })
	return err
}

func (r *Redis) HashGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.exec(ctx, "hget", func() (any, error) { return r.client.HGet(ctx, key, field).Result() })
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Redis) HashDel(ctx context.Context, key, field string) error {
	_, err := r.exec(ctx, "hdel", func() (any, error) { return nil, r.client.HDel(ctx, key, field).Err() })
	return err
}

func (r *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.exec(ctx, "hgetall", func() (any, error) { return r.client.HGetAll(ctx, key).Result() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return v.(map[string]string), nil
}

func (r *Redis) SetAdd(ctx context.Context, key, value string) error {
	_, err := r.exec(ctx, "sadd", func() (any, error) { return nil, r.client.SAdd(ctx, key, value).Err() })
	return err
}

func (r *Redis) SetRemove(ctx context.Context, key, value string) error {
	_, err := r.exec(ctx, "srem", func() (any, error) { return nil, r.client.SRem(ctx, key, value).Err() })
	return err
}

func (r *Redis) SetIsMember(ctx context.Context, key, value string) (bool, error) {
	v, err := r.exec(ctx, "sismember", func() (any, error) { return r.client.SIsMember(ctx, key, value).Result() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return false, nil
		}
		return false, err
	}
	return v.(bool), nil
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.exec(ctx, "smembers", func() (any, error) { return r.client.SMembers(ctx, key).Result() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, nil
		}
		return nil, err
	}
	return v.([]string), nil
}

func (r *Redis) ListAppend(ctx context.Context, key, value string) error {
	_, err := r.exec(ctx, "rpush", func() (any, error) { return nil, r.client.RPush(ctx, key, value).Err() })
	return err
}

func (r *Redis) ListRange(ctx context.Context, key string) ([]string, error) {
	v, err := r.exec(ctx, "lrange", func() (any, error) { return r.client.LRange(ctx, key, 0, -1).Result() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, nil
		}
		return nil, err
	}
	return v.([]string), nil
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, err := r.exec(ctx, "zadd", func() (any, error) {
		return nil, r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

func (r *Redis) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	v, err := r.exec(ctx, "zincrby", func() (any, error) { return r.client.ZIncrBy(ctx, key, delta, member).Result() })
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (r *Redis) ZRange(ctx context.Context, key string) ([]ZMember, error) {
	v, err := r.exec(ctx, "zrange", func() (any, error) { return r.client.ZRangeWithScores(ctx, key, 0, -1).Result() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, nil
		}
		return nil, err
	}
	zs := v.([]redis.Z)
	out := make([]ZMember, len(zs))
	for i, z := range zs {
		out[i] = ZMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out, nil
}

func (r *Redis) ZRem(ctx context.Context, key, member string) error {
	_, err := r.exec(ctx, "zrem", func() (any, error) { return nil, r.client.ZRem(ctx, key, member).Err() })
	return err
}

// Eval implements the atomic transaction primitive using Redis'
// optimistic WATCH/MULTI/EXEC pattern: keys are watched, fn runs against
// a snapshot read through the watched transaction, and fn's writes are
// queued into a pipeline that only commits if none of the watched keys
// changed. On a watch conflict the whole operation retries.
func (r *Redis) Eval(ctx context.Context, keys []string, fn func(tx Tx) (any, error)) (any, error) {
	const maxRetries = 100
	for attempt := 0; attempt < maxRetries; attempt++ {
		var result any
		var fnErr error

		txErr := r.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{ctx: ctx, rtx: rtx, pipe: rtx.TxPipeline()}
			result, fnErr = fn(tx)
			if fnErr != nil {
				return fnErr
			}
			_, err := tx.pipe.Exec(ctx)
			return err
		}, keys...)

		if txErr == nil {
			return result, fnErr
		}
		if txErr == redis.TxFailedErr {
			continue // watched key changed concurrently, retry
		}
		return nil, txErr
	}
	return nil, fmt.Errorf("store: eval exceeded retry budget for keys %v", keys)
}

// redisTx is the Tx view handed to Eval's callback: reads go straight
// through the watching transaction (consistent with the WATCH snapshot);
// writes queue onto the pipeline and land atomically at commit.
type redisTx struct {
	ctx  context.Context
	rtx  *redis.Tx
	pipe redis.Pipeliner
}

func (t *redisTx) Get(key string) (string, error) {
	v, err := t.rtx.Get(t.ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (t *redisTx) Set(key, value string) { t.pipe.Set(t.ctx, key, value, 0) }
func (t *redisTx) Del(key string)        { t.pipe.Del(t.ctx, key) }

func (t *redisTx) HashSet(key, field, value string) { t.pipe.HSet(t.ctx, key, field, value) }

func (t *redisTx) HashGet(key, field string) (string, error) {
	v, err := t.rtx.HGet(t.ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (t *redisTx) HashGetAll(key string) map[string]string {
	v, _ := t.rtx.HGetAll(t.ctx, key).Result()
	return v
}

func (t *redisTx) SetAdd(key, value string)    { t.pipe.SAdd(t.ctx, key, value) }
func (t *redisTx) SetRemove(key, value string) { t.pipe.SRem(t.ctx, key, value) }

func (t *redisTx) SetMembers(key string) []string {
	v, _ := t.rtx.SMembers(t.ctx, key).Result()
	return v
}

func (t *redisTx) SetCard(key string) int {
	n, _ := t.rtx.SCard(t.ctx, key).Result()
	return int(n)
}

func (t *redisTx) ListAppend(key string, value string) { t.pipe.RPush(t.ctx, key, value) }

func (t *redisTx) ListAll(key string) []string {
	v, _ := t.rtx.LRange(t.ctx, key, 0, -1).Result()
	return v
}

// Lock acquires a distributed lock via SET NX PX, the standard go-redis
// single-instance lock pattern (sufficient here: the volatile store is
// a single Redis, not a multi-master Redlock deployment).
func (r *Redis) Lock(ctx context.Context, roomKey string, timeout time.Duration) (*Guard, error) {
	key := "lock:" + roomKey
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := r.client.SetNX(ctx, key, token, timeout).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Guard{Key: roomKey, Token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, &lockedErr{key: roomKey}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// unlockScript deletes the lock key only if it still holds our token,
// so a lock that expired and was re-acquired by someone else is never
// released out from under them.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

func (r *Redis) Unlock(ctx context.Context, guard *Guard) error {
	key := "lock:" + guard.Key
	return unlockScript.Run(ctx, r.client, []string{key}, guard.Token).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
