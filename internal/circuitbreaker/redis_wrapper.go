package circuitbreaker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient wraps a Redis client with a circuit breaker. The event
// publisher treats Redis as optional, so a tripped breaker only drops
// stream writes instead of blocking missions.
type RedisClient struct {
	client  *redis.Client
	breaker *Breaker
}

// NewRedisClient wraps client with a breaker tuned for fast recovery.
func NewRedisClient(client *redis.Client, logger *zap.Logger) *RedisClient {
	return &RedisClient{
		client:  client,
		breaker: New("redis", RedisConfig(), logger),
	}
}

// Ping checks connectivity through the breaker.
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.breaker.Execute(ctx, func() error {
		return rc.client.Ping(ctx).Err()
	})
}

// XAdd appends to a stream through the breaker.
func (rc *RedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) error {
	return rc.breaker.Execute(ctx, func() error {
		return rc.client.XAdd(ctx, args).Err()
	})
}

// Open reports whether the breaker is rejecting requests.
func (rc *RedisClient) Open() bool {
	return rc.breaker.State() == StateOpen
}

// Close releases the underlying connection.
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}
