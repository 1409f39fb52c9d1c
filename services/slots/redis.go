package slots

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"ledgerbackend/metrics"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	// slot keys expire so a crashed instance cannot hold slots forever
	defaultSlotTTL = 2 * time.Minute
	releaseTimeout = 2 * time.Second
)

// KEYS[1] slot counter, ARGV[1] ceiling, ARGV[2] ttl in milliseconds
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < tonumber(ARGV[1]) then
	redis.call('INCR', KEYS[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// decrement floored at zero
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 1 then
	redis.call('DEL', KEYS[1])
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisLimiter enforces the concurrency ceiling across every instance sharing one Redis
type RedisLimiter struct {
	client         *redis.Client
	max            int
	acquireTimeout time.Duration
	pollInterval   time.Duration
	ttl            time.Duration
}

func NewRedisLimiter(client *redis.Client, maxConcurrent int, acquireTimeout time.Duration) *RedisLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &RedisLimiter{
		client:         client,
		max:            maxConcurrent,
		acquireTimeout: acquireTimeout,
		pollInterval:   defaultPollInterval,
		ttl:            defaultSlotTTL,
	}
}

// NewRedisClient parses a redis:// URL and checks the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func (l *RedisLimiter) Acquire(ctx context.Context, connectionID string) (func(), error) {
	key := slotKey(connectionID)

	waitCtx := ctx
	if l.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}

	var ticker *time.Ticker
	for {
		acquired, err := acquireScript.Run(waitCtx, l.client, []string{key}, l.max, l.ttl.Milliseconds()).Int()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire concurrency slot for connection %s: %w", connectionID, err)
		}
		if acquired == 1 {
			break
		}

		if ticker == nil {
			metrics.SlotWaits.Inc()
			ticker = time.NewTicker(l.pollInterval)
			defer ticker.Stop()
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("failed to acquire concurrency slot for connection %s: %w", connectionID, waitCtx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}).Err(); err != nil && err != redis.Nil {
				zap.L().Error("Failed to release concurrency slot",
					zap.String("connection_id", connectionID),
					zap.Error(err))
			}
		})
	}, nil
}

// InFlight returns the shared slot count for the connection
func (l *RedisLimiter) InFlight(ctx context.Context, connectionID string) (int, error) {
	count, err := l.client.Get(ctx, slotKey(connectionID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read slot count: %w", err)
	}
	return count, nil
}

func slotKey(connectionID string) string {
	return fmt.Sprintf("slots:%s", connectionID)
}
