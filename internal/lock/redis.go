package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultTTL   = 30 * time.Second
	retryBackoff = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// NewRedisClient configures a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Redis is a lease lock: SET NX PX with a random token, released by compare-and-delete.
// A holder that outlives the TTL loses the lease. Every process sharing the key builds one bundle at a
// time; the instruction queue itself stays per process, so this orders builds but does not share work.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedis(client *redis.Client, key string, ttl time.Duration, log zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, key: key, ttl: ttl, log: log}
}

// Acquire retries until the lease is taken or ctx is done.
func (r *Redis) Acquire(ctx context.Context) (Release, error) {
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", r.key, err)
		}
		if ok {
			return r.releaser(token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

func (r *Redis) releaser(token string) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil {
				r.log.Warn().Err(err).Str("key", r.key).Msg("lock release failed")
			}
		})
	}
}
