// Package redislock provides a Redis-backed refresh lock shared across server instances.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/julienbonastre/allegro-helpers/internal/allegro"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

// DefaultConfig returns a Redis configuration for addr
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// NewClient creates a new Redis client
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}

// Deletes the key only while it still holds our owner token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 50 * time.Millisecond
	keyPrefix    = "lock:"
)

// Locker is a Redis SET NX lock. While Redis is unreachable the circuit
// breaker opens and locking degrades to the in-process fallback.
type Locker struct {
	client   redis.UniversalClient
	breaker  *gobreaker.CircuitBreaker
	fallback allegro.RefreshLocker
	ttl      time.Duration
	retry    time.Duration
}

var _ allegro.RefreshLocker = (*Locker)(nil)

// New creates a Redis lock with the given fallback
func New(client redis.UniversalClient, fallback allegro.RefreshLocker) *Locker {
	settings := gobreaker.Settings{
		Name:        "redis-lock",
		MaxRequests: 0,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	}
	if fallback == nil {
		fallback = allegro.NewLocalLocker()
	}
	return &Locker{
		client:   client,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		fallback: fallback,
		ttl:      defaultTTL,
		retry:    defaultRetry,
	}
}

// Lock blocks until the key is held or ctx is done. The lock expires on its
// own after the TTL if the holder never releases it.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	owner := uuid.NewString()

	for {
		acquired, err := l.breaker.Execute(func() (interface{}, error) {
			return l.client.SetNX(ctx, redisKey, owner, l.ttl).Result()
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("Warning: Redis lock unavailable, using local lock: %v", err)
			return l.fallback.Lock(ctx, key)
		}
		if acquired.(bool) {
			return func() { l.release(redisKey, owner) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *Locker) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := releaseScript.Run(ctx, l.client, []string{key}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("Warning: failed to release lock %s: %v", key, err)
	}
}

// Ping checks Redis connectivity through the circuit breaker
func (l *Locker) Ping(ctx context.Context) error {
	_, err := l.breaker.Execute(func() (interface{}, error) {
		return l.client.Ping(ctx).Result()
	})
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
